package consumer

import "time"

// FlushReason names which batching threshold fired.
type FlushReason string

const (
	FlushNone     FlushReason = ""
	FlushMaxBytes FlushReason = "max_size"
	FlushMaxCount FlushReason = "max_messages"
	FlushWindow   FlushReason = "max_window"
)

// Entry is one buffered broker message: the stream entry id doubles as the
// delivery tag used for acknowledgement.
type Entry struct {
	ID   string
	Body []byte
}

// Batch is the ordered buffer one consumer accumulates between flushes.
// It is owned exclusively by its consumer goroutine; no locking.
type Batch struct {
	entries   []Entry
	bytes     int
	lastFlush time.Time

	maxBytes    int
	maxMessages int
	window      time.Duration
}

// NewBatch creates a buffer with the subscription's flush thresholds.
func NewBatch(maxSizeMB, maxMessages, windowSeconds int) *Batch {
	return &Batch{
		maxBytes:    maxSizeMB * 1024 * 1024,
		maxMessages: maxMessages,
		window:      time.Duration(windowSeconds) * time.Second,
		lastFlush:   time.Now(),
	}
}

// Append buffers one message.
func (b *Batch) Append(id string, body []byte) {
	b.entries = append(b.entries, Entry{ID: id, Body: body})
	b.bytes += len(body)
}

// ShouldFlush reports which threshold, if any, requires a flush now.
func (b *Batch) ShouldFlush() FlushReason {
	if len(b.entries) == 0 {
		return FlushNone
	}
	if b.bytes >= b.maxBytes {
		return FlushMaxBytes
	}
	if len(b.entries) >= b.maxMessages {
		return FlushMaxCount
	}
	if time.Since(b.lastFlush) >= b.window {
		return FlushWindow
	}
	return FlushNone
}

// WindowRemaining returns how long the consumer may block waiting for new
// messages before the window threshold requires a flush check.
func (b *Batch) WindowRemaining() time.Duration {
	remaining := b.window - time.Since(b.lastFlush)
	if remaining < time.Second {
		return time.Second
	}
	return remaining
}

// Entries returns the buffered messages in arrival order.
func (b *Batch) Entries() []Entry {
	return b.entries
}

// IDs returns the delivery tags of all buffered messages, oldest first.
func (b *Batch) IDs() []string {
	ids := make([]string, len(b.entries))
	for i, e := range b.entries {
		ids[i] = e.ID
	}
	return ids
}

// Len returns the number of buffered messages.
func (b *Batch) Len() int {
	return len(b.entries)
}

// Bytes returns the buffered payload size.
func (b *Batch) Bytes() int {
	return b.bytes
}

// Reset drops the buffer and restarts the flush window.
func (b *Batch) Reset() {
	b.entries = nil
	b.bytes = 0
	b.lastFlush = time.Now()
}
