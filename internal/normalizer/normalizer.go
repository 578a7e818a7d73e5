// Package normalizer validates raw broker events against the task/worker
// schemas and derives the canonical entity-shaped documents the merge engine
// consumes. It is pure: no I/O, errors are values.
package normalizer

import (
	"fmt"
	"strings"
	"time"

	"github.com/kodless/leek/internal/model"
)

// TracebackMaxLen bounds stored tracebacks before structured extraction.
const TracebackMaxLen = 30000

// retryMarker identifies retry-triggered exceptions inside a traceback.
// Retry storms produce huge volumes of oversized tracebacks; parsing them
// is wasted work because they all say the same thing.
const retryMarker = "celery.exceptions.Retry"

const syntheticRetryTrace = "Traceback (most recent call last):\n" +
	"  [truncated]\ncelery.exceptions.Retry: retry scheduled"

// ValidationError reports a malformed or unrecognized event. It is logged
// and the event dropped; it never fails a batch.
type ValidationError struct {
	EventType string
	Field     string
	Reason    string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %q event: field %q %s", e.EventType, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid event: %s", e.Reason)
}

// Options tunes the enrichment bounds. The caps exist to keep documents
// small enough to index, not as a contract.
type Options struct {
	PromotedArgs       int
	ArgValueMaxLen     int
	KwargsMaxDepth     int
	KwargsMaxListItems int
	KwargsMaxStringLen int
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		PromotedArgs:       3,
		ArgValueMaxLen:     256,
		KwargsMaxDepth:     12,
		KwargsMaxListItems: 100,
		KwargsMaxStringLen: 1024,
	}
}

// Normalizer turns raw events into normalized entity documents.
type Normalizer struct {
	opts Options
}

// New creates a normalizer with the given enrichment options.
func New(opts Options) *Normalizer {
	if opts.PromotedArgs <= 0 {
		opts = DefaultOptions()
	}
	return &Normalizer{opts: opts}
}

// Normalize validates raw, determines its kind from the event type, and
// returns the normalized entity document tagged with appEnv.
func (n *Normalizer) Normalize(raw *model.RawEvent, appEnv string) (model.Envelope, error) {
	if state, ok := model.TaskEventStates[raw.Type]; ok {
		task, err := n.normalizeTask(raw, state, appEnv)
		if err != nil {
			return model.Envelope{}, err
		}
		return model.Envelope{Kind: model.KindTask, Task: task}, nil
	}
	if state, ok := model.WorkerEventStates[raw.Type]; ok {
		worker, err := n.normalizeWorker(raw, state, appEnv)
		if err != nil {
			return model.Envelope{}, err
		}
		return model.Envelope{Kind: model.KindWorker, Worker: worker}, nil
	}
	return model.Envelope{}, &ValidationError{
		EventType: raw.Type,
		Reason:    fmt.Sprintf("%q is not a valid celery event type", raw.Type),
	}
}

func validateEnvelope(raw *model.RawEvent) *ValidationError {
	switch {
	case raw.Timestamp == nil:
		return &ValidationError{EventType: raw.Type, Field: "timestamp", Reason: "is required"}
	case raw.UTCOffset == nil:
		return &ValidationError{EventType: raw.Type, Field: "utcoffset", Reason: "is required"}
	case raw.Pid == nil:
		return &ValidationError{EventType: raw.Type, Field: "pid", Reason: "is required"}
	case raw.Clock == nil:
		return &ValidationError{EventType: raw.Type, Field: "clock", Reason: "is required"}
	}
	return nil
}

func (n *Normalizer) normalizeTask(raw *model.RawEvent, state, appEnv string) (*model.TaskEntity, error) {
	if raw.UUID == "" {
		return nil, &ValidationError{EventType: raw.Type, Field: "uuid", Reason: "is required"}
	}
	if err := validateEnvelope(raw); err != nil {
		return nil, err
	}

	exact := *raw.Timestamp
	ms := int64(exact * 1000)

	task := &model.TaskEntity{
		ID:             raw.UUID,
		AppEnv:         appEnv,
		Kind:           model.KindTask,
		State:          state,
		Clock:          raw.Clock,
		Timestamp:      &ms,
		ExactTimestamp: &exact,
		UTCOffset:      raw.UTCOffset,
		Pid:            raw.Pid,
		UUID:           raw.UUID,
		Name:           raw.Name,
		Args:           raw.Args,
		Kwargs:         raw.Kwargs,
		Result:         raw.Result,
		Runtime:        raw.Runtime,
		RootID:         raw.RootID,
		ParentID:       raw.ParentID,
		Exchange:       raw.Exchange,
		RoutingKey:     raw.RoutingKey,
		Queue:          raw.Queue,
		Retries:        raw.Retries,
		Terminated:     raw.Terminated,
		Expired:        raw.Expired,
		Requeue:        raw.Requeue,
		Exception:      raw.Exception,
	}

	setTaskHistoricalTimestamp(task, state, ms)

	if raw.Signum != nil {
		s := fmt.Sprintf("%v", raw.Signum)
		task.Signum = &s
	}
	if raw.ETA != nil {
		if etaMs, err := parseISOTimestamp(*raw.ETA); err == nil {
			task.ETA = &etaMs
		}
	}
	if raw.Expires != nil {
		if expMs, err := parseISOTimestamp(*raw.Expires); err == nil {
			task.Expires = &expMs
		}
	}
	if raw.Traceback != nil {
		tb := n.normalizeTraceback(*raw.Traceback)
		task.Traceback = &tb
		task.Stacktrace = ExtractStacktrace(tb)
	}
	if raw.Name != nil {
		module, function := SplitName(*raw.Name)
		task.Module = &module
		task.Function = &function
	}
	if raw.Args != nil {
		task.ArgsPromoted = PromoteArgs(*raw.Args, n.opts.PromotedArgs, n.opts.ArgValueMaxLen)
	}
	if raw.Kwargs != nil {
		task.KwargsFlat = FlattenKwargs(*raw.Kwargs, FlattenOptions{
			MaxDepth:     n.opts.KwargsMaxDepth,
			MaxListItems: n.opts.KwargsMaxListItems,
			MaxStringLen: n.opts.KwargsMaxStringLen,
		})
	}

	// Only the QUEUED event originates from a client; every later event is
	// reported by the worker that holds the task.
	if raw.Hostname != "" {
		hostname := raw.Hostname
		if state == model.StateQueued {
			task.Client = &hostname
		} else {
			task.Worker = &hostname
		}
	}
	return task, nil
}

// normalizeTraceback caps the traceback and short-circuits retry storms with
// a synthetic trace instead of parsing megabytes of repeated retries.
func (n *Normalizer) normalizeTraceback(tb string) string {
	if len(tb) <= TracebackMaxLen {
		return tb
	}
	truncated := clipString(tb, TracebackMaxLen)
	if strings.Contains(truncated, retryMarker) {
		return syntheticRetryTrace
	}
	return truncated
}

func (n *Normalizer) normalizeWorker(raw *model.RawEvent, state, appEnv string) (*model.WorkerEntity, error) {
	if raw.Hostname == "" {
		return nil, &ValidationError{EventType: raw.Type, Field: "hostname", Reason: "is required"}
	}
	if err := validateEnvelope(raw); err != nil {
		return nil, err
	}
	if raw.SwIdent == nil || raw.SwVer == nil || raw.SwSys == nil {
		return nil, &ValidationError{EventType: raw.Type, Field: "sw_ident/sw_ver/sw_sys", Reason: "is required"}
	}

	exact := *raw.Timestamp
	ms := int64(exact * 1000)

	worker := &model.WorkerEntity{
		ID:             raw.Hostname,
		AppEnv:         appEnv,
		Kind:           model.KindWorker,
		State:          state,
		Clock:          raw.Clock,
		Timestamp:      &ms,
		ExactTimestamp: &exact,
		UTCOffset:      raw.UTCOffset,
		Pid:            raw.Pid,
		Hostname:       raw.Hostname,
		SwIdent:        raw.SwIdent,
		SwVer:          raw.SwVer,
		SwSys:          raw.SwSys,
		Processed:      raw.Processed,
		Active:         raw.Active,
		Freq:           raw.Freq,
		Loadavg:        raw.Loadavg,
	}

	switch state {
	case model.StateOnline:
		worker.OnlineAt = &ms
	case model.StateHeartbeat:
		worker.LastHeartbeatAt = &ms
	case model.StateOffline:
		worker.OfflineAt = &ms
	}
	return worker, nil
}

func setTaskHistoricalTimestamp(task *model.TaskEntity, state string, ms int64) {
	switch state {
	case model.StateQueued:
		task.QueuedAt = &ms
	case model.StateReceived:
		task.ReceivedAt = &ms
	case model.StateStarted:
		task.StartedAt = &ms
	case model.StateSucceeded:
		task.SucceededAt = &ms
	case model.StateFailed:
		task.FailedAt = &ms
	case model.StateRejected:
		task.RejectedAt = &ms
	case model.StateRevoked:
		task.RevokedAt = &ms
	case model.StateRetry:
		task.RetriedAt = &ms
	}
}

var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// parseISOTimestamp converts an ISO-8601 string to epoch milliseconds.
// Naive timestamps are taken as UTC.
func parseISOTimestamp(s string) (int64, error) {
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("unparseable ISO-8601 timestamp %q", s)
}
