// Package consumer drains one broker subscription, batches events, and
// forwards them to the collector with acknowledgement tied to confirmed
// persistence. Delivery is at-least-once: nothing is acked until the
// collector has written it, and unacked messages are redelivered by the
// broker's pending-entries list.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/kodless/leek/internal/merge"
	"github.com/kodless/leek/internal/model"
	"github.com/kodless/leek/internal/normalizer"
	"github.com/kodless/leek/pkg/config"
	"github.com/kodless/leek/pkg/logger"
	redisstore "github.com/kodless/leek/pkg/store/redis"
)

// State names the subscription lifecycle phases.
type State string

const (
	StateDisconnected    State = "DISCONNECTED"
	StateConnecting      State = "CONNECTING"
	StateReady           State = "READY"
	StateConsuming       State = "CONSUMING"
	StateDrainingBackoff State = "DRAINING_BACKOFF"
	StateReconnecting    State = "RECONNECTING"
	StateTerminated      State = "TERMINATED"
)

const (
	reconnectBaseDelay = 2 * time.Second
	reconnectMaxDelay  = 60 * time.Second
	jitterFraction     = 0.25

	// Delay between collector readiness probes while draining backoff.
	collectorProbeDelay = 5 * time.Second

	// Upper bound on one XREADGROUP call; the prefetch count bounds the
	// total unacked backlog.
	readChunkMax = 512

	finalFlushTimeout = 10 * time.Second
)

// errCollectorUnavailable signals a failed flush of any kind: connection
// error, timeout, or a non-success status. All are handled identically by
// backing off without acking.
var errCollectorUnavailable = errors.New("collector unavailable")

// Backoff status codes the collector is known to emit transiently. Other
// non-2xx codes back off too; losing messages silently is worse than
// latency.
var backoffStatusCodes = map[int]bool{400: true, 404: true, 503: true}

// Consumer drains one subscription. It owns its broker connection, its
// batch buffer, and its collector client exclusively; consumers for
// different subscriptions share nothing.
type Consumer struct {
	cfg       config.SubscriptionConfig
	collector *Client
	norm      *normalizer.Normalizer

	broker *redisstore.Client
	rdb    *redis.Client
	name   string
	batch  *Batch
	state  State
	cursor string
}

// New builds a consumer for one subscription. The consumer name is unique
// per process so redeliveries after a crash can be claimed from the group.
func New(cfg config.SubscriptionConfig, collectorCfg config.CollectorConfig, norm *normalizer.Normalizer) *Consumer {
	return &Consumer{
		cfg:       cfg,
		collector: NewClient(collectorCfg, cfg.AppEnv),
		norm:      norm,
		name:      fmt.Sprintf("%s-%s", cfg.Name, uuid.New().String()[:8]),
		batch:     NewBatch(cfg.BatchMaxSizeInMB, cfg.BatchMaxNumberOfMessages, cfg.BatchMaxWindowInSeconds),
		state:     StateDisconnected,
	}
}

// State returns the current lifecycle phase, for observability.
func (c *Consumer) State() State {
	return c.state
}

// Run drives the subscription until ctx is cancelled. It never returns on
// transient failure; broker and collector outages are ridden out with the
// respective backoff loops.
func (c *Consumer) Run(ctx context.Context) error {
	ctx = logger.WithSubscription(ctx, c.cfg.Name)
	attempt := 0

	for {
		if ctx.Err() != nil {
			c.setState(ctx, StateTerminated)
			return nil
		}

		c.setState(ctx, StateConnecting)
		if err := c.connect(ctx); err != nil {
			attempt++
			delay := reconnectDelay(attempt)
			logger.WarnCtx(ctx, "broker connect failed (attempt %d): %v, retrying in %v", attempt, err, delay)
			if !sleepCtx(ctx, delay) {
				c.setState(ctx, StateTerminated)
				return nil
			}
			continue
		}
		attempt = 0

		err := c.consume(ctx)
		switch {
		case err == nil:
			// Shutdown: in-flight batch already best-effort flushed.
			c.closeBroker(ctx)
			c.setState(ctx, StateTerminated)
			return nil
		case errors.Is(err, errCollectorUnavailable):
			// Clear the in-memory batch without acking; the broker
			// redelivers the unacked messages once we resume.
			c.setState(ctx, StateDrainingBackoff)
			c.batch.Reset()
			c.closeBroker(ctx)
			if !c.awaitCollector(ctx) {
				c.setState(ctx, StateTerminated)
				return nil
			}
		default:
			c.setState(ctx, StateReconnecting)
			logger.WarnCtx(ctx, "broker transport error: %v, reconnecting", err)
			c.closeBroker(ctx)
			attempt++
			if !sleepCtx(ctx, reconnectDelay(attempt)) {
				c.setState(ctx, StateTerminated)
				return nil
			}
		}
	}
}

// connect opens a fresh broker connection and idempotently declares the
// subscription topology. A fresh client every attempt discards any bad
// state from the previous connection.
func (c *Consumer) connect(ctx context.Context) error {
	broker, err := redisstore.NewClient(c.cfg.Broker)
	if err != nil {
		return err
	}
	c.broker = broker
	c.rdb = broker.GetClient()

	// Safe to repeat after every reconnect.
	err = c.rdb.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("declare group %s on stream %s: %w", c.cfg.Group, c.cfg.Stream, err)
	}

	if err := c.adoptAbandoned(ctx); err != nil {
		return err
	}

	c.setState(ctx, StateReady)
	c.batch.Reset()
	// Start from our pending entries so unacked deliveries from a previous
	// session re-enter the pipeline before any new message.
	c.cursor = "0"
	return nil
}

// adoptAbandoned claims every pending entry in the group for this consumer.
// The consumer name is unique per process, so deliveries to a crashed
// predecessor would otherwise sit in its pending-entries list forever; the
// group never hands them over on its own. A subscription has exactly one
// live consumer, so claiming unconditionally steals nothing that is still
// in flight, and the idempotent merge absorbs any overlap.
func (c *Consumer) adoptAbandoned(ctx context.Context) error {
	start := "0-0"
	for {
		messages, next, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   c.cfg.Stream,
			Group:    c.cfg.Group,
			Consumer: c.name,
			MinIdle:  0,
			Start:    start,
			Count:    readChunkMax,
		}).Result()
		if err != nil {
			return fmt.Errorf("claim pending entries: %w", err)
		}
		if len(messages) > 0 {
			logger.InfoCtx(ctx, "adopted %d pending entries from previous consumers", len(messages))
		}
		if next == "0-0" {
			return nil
		}
		start = next
	}
}

// consume runs the read/batch/flush loop. It returns nil on shutdown,
// errCollectorUnavailable on a failed flush, or the transport error that
// broke the broker connection.
func (c *Consumer) consume(ctx context.Context) error {
	c.setState(ctx, StateConsuming)

	for {
		if ctx.Err() != nil {
			return c.terminate()
		}

		if reason := c.batch.ShouldFlush(); reason != FlushNone {
			logger.DebugCtx(ctx, "batch flush: %s (%d messages, %d bytes)", reason, c.batch.Len(), c.batch.Bytes())
			if err := c.flush(ctx); err != nil {
				return err
			}
			continue
		}

		count := c.cfg.PrefetchCount - c.batch.Len()
		if count <= 0 {
			if err := c.flush(ctx); err != nil {
				return err
			}
			continue
		}
		if count > readChunkMax {
			count = readChunkMax
		}

		args := &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.name,
			Streams:  []string{c.cfg.Stream, c.cursor},
			Count:    int64(count),
			Block:    c.batch.WindowRemaining(),
		}
		streams, err := c.rdb.XReadGroup(ctx, args).Result()
		if err == redis.Nil {
			// Block timed out with no messages; the window check at the
			// top of the loop decides whether to flush.
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return c.terminate()
			}
			return fmt.Errorf("read group: %w", err)
		}

		messages := streamMessages(streams)
		if c.cursor != ">" {
			if len(messages) == 0 {
				// Pending backlog drained; switch to new deliveries.
				c.cursor = ">"
				continue
			}
			c.cursor = messages[len(messages)-1].ID
		}

		for _, msg := range messages {
			c.batch.Append(msg.ID, messageBody(msg))
		}
	}
}

// flush validates and reduces the batch, posts it, and acknowledges all
// buffered messages with a single cumulative ack once the collector
// confirms persistence.
func (c *Consumer) flush(ctx context.Context) error {
	docs := c.buildDocuments(ctx)

	status, err := c.collector.ProcessEvents(ctx, docs)
	if err != nil {
		logger.WarnCtx(ctx, "flush failed: %v", err)
		return fmt.Errorf("%w: %v", errCollectorUnavailable, err)
	}

	switch status {
	case StatusPersisted:
		if err := c.rdb.XAck(ctx, c.cfg.Stream, c.cfg.Group, c.batch.IDs()...).Err(); err != nil {
			// The flush succeeded but the ack did not reach the broker;
			// the messages will be redelivered and the idempotent merge
			// absorbs them.
			return fmt.Errorf("ack batch: %w", err)
		}
		c.batch.Reset()
		return nil
	case StatusAccepted:
		// Accepted no-op: nothing persisted, nothing to ack. The entries
		// stay pending; rewinding the cursor re-reads them next loop
		// instead of leaving them stranded until a reconnect.
		c.batch.Reset()
		c.cursor = "0"
		return nil
	default:
		if backoffStatusCodes[status] {
			logger.WarnCtx(ctx, "collector rejected batch with status %d, backing off", status)
		} else {
			logger.ErrorCtx(ctx, "collector returned unexpected status %d, backing off", status)
		}
		return fmt.Errorf("%w: status %d", errCollectorUnavailable, status)
	}
}

// buildDocuments flattens message bodies (a body may be a single event or a
// list), normalizes each event, and pre-reduces the result to one document
// per entity id. Invalid events are logged and dropped; they never block
// the batch.
func (c *Consumer) buildDocuments(ctx context.Context) []model.Envelope {
	var envelopes []model.Envelope
	for _, entry := range c.batch.Entries() {
		for _, rawJSON := range flattenBody(entry.Body) {
			var raw model.RawEvent
			if err := json.Unmarshal(rawJSON, &raw); err != nil {
				logger.WarnCtx(ctx, "undecodable event dropped: %v", err)
				continue
			}
			env, err := c.norm.Normalize(&raw, c.cfg.AppEnv)
			if err != nil {
				logger.WarnCtx(ctx, "validation error, event dropped: %v", err)
				continue
			}
			envelopes = append(envelopes, env)
		}
	}
	return merge.Reduce(envelopes)
}

// terminate best-effort flushes the in-flight batch on shutdown.
// Whatever is not flushed stays unacked for broker redelivery.
func (c *Consumer) terminate() error {
	if c.batch.Len() == 0 {
		return nil
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()
	if err := c.flush(flushCtx); err != nil {
		logger.Warnf("final flush abandoned, %d messages left for redelivery: %v", c.batch.Len(), err)
	}
	return nil
}

// awaitCollector probes the readiness endpoint until the collector answers
// or ctx is cancelled.
func (c *Consumer) awaitCollector(ctx context.Context) bool {
	for {
		if !sleepCtx(ctx, collectorProbeDelay) {
			return false
		}
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		ready := c.collector.Ready(probeCtx)
		cancel()
		if ready {
			logger.InfoCtx(ctx, "collector is ready, resuming consumption")
			return true
		}
		logger.InfoCtx(ctx, "collector not ready, still backing off")
	}
}

func (c *Consumer) closeBroker(ctx context.Context) {
	if c.broker == nil {
		return
	}
	if err := c.broker.Close(); err != nil {
		logger.DebugCtx(ctx, "broker close: %v", err)
	}
	c.broker = nil
	c.rdb = nil
}

func (c *Consumer) setState(ctx context.Context, s State) {
	if c.state == s {
		return
	}
	logger.InfoCtx(ctx, "consumer %s: %s -> %s", c.name, c.state, s)
	c.state = s
}

func streamMessages(streams []redis.XStream) []redis.XMessage {
	var messages []redis.XMessage
	for _, s := range streams {
		messages = append(messages, s.Messages...)
	}
	return messages
}

// messageBody extracts the JSON payload from a stream entry. Producers put
// the event (or event list) under the "payload" field.
func messageBody(msg redis.XMessage) []byte {
	if payload, ok := msg.Values["payload"].(string); ok {
		return []byte(payload)
	}
	// Tolerate producers that flatten the event into entry fields.
	body, err := json.Marshal(msg.Values)
	if err != nil {
		return nil
	}
	return body
}

// flattenBody splits a body that may hold either one event object or a
// list of event objects into individual event documents.
func flattenBody(body []byte) []json.RawMessage {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil
	}
	if trimmed[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &list); err != nil {
			return nil
		}
		return list
	}
	return []json.RawMessage{json.RawMessage(trimmed)}
}

func reconnectDelay(attempt int) time.Duration {
	delay := reconnectBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= reconnectMaxDelay {
			delay = reconnectMaxDelay
			break
		}
	}
	jitter := time.Duration(rand.Float64() * jitterFraction * float64(delay))
	return delay + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
