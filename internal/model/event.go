package model

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates the two event families carried by the broker.
type Kind string

const (
	KindTask   Kind = "task"
	KindWorker Kind = "worker"
)

// Task lifecycle states.
const (
	StateQueued    = "QUEUED"
	StateReceived  = "RECEIVED"
	StateStarted   = "STARTED"
	StateSucceeded = "SUCCEEDED"
	StateFailed    = "FAILED"
	StateRejected  = "REJECTED"
	StateRevoked   = "REVOKED"
	StateRetry     = "RETRY"

	// Derived states, computed after a merge when retries > 0.
	StateRecovered = "RECOVERED" // succeeded after retries
	StateCritical  = "CRITICAL"  // failed after retries
)

// Worker states.
const (
	StateOnline    = "ONLINE"
	StateHeartbeat = "HEARTBEAT"
	StateOffline   = "OFFLINE"
)

// TerminalStates holds the states after which no further authoritative
// transition is expected for a task.
var TerminalStates = map[string]bool{
	StateSucceeded: true,
	StateFailed:    true,
	StateRejected:  true,
	StateRevoked:   true,
	StateRecovered: true,
	StateCritical:  true,
}

// IsTerminal reports whether state is a terminal task state.
func IsTerminal(state string) bool {
	return TerminalStates[state]
}

// TaskEventStates maps celery task event types to task states.
var TaskEventStates = map[string]string{
	"task-sent":      StateQueued,
	"task-received":  StateReceived,
	"task-started":   StateStarted,
	"task-succeeded": StateSucceeded,
	"task-failed":    StateFailed,
	"task-rejected":  StateRejected,
	"task-revoked":   StateRevoked,
	"task-retried":   StateRetry,
}

// WorkerEventStates maps celery worker event types to worker states.
var WorkerEventStates = map[string]string{
	"worker-online":    StateOnline,
	"worker-heartbeat": StateHeartbeat,
	"worker-offline":   StateOffline,
}

// HistoricalTimestampFields maps an event type to the per-state historical
// timestamp attribute that records when the transition was observed.
var HistoricalTimestampFields = map[string]string{
	"task-sent":        "queued_at",
	"task-received":    "received_at",
	"task-started":     "started_at",
	"task-succeeded":   "succeeded_at",
	"task-failed":      "failed_at",
	"task-rejected":    "rejected_at",
	"task-revoked":     "revoked_at",
	"task-retried":     "retried_at",
	"worker-online":    "online_at",
	"worker-heartbeat": "last_heartbeat_at",
	"worker-offline":   "offline_at",
}

// RawEvent is the wire shape of a single broker message as emitted by a
// celery-style task execution system. Task and worker events share the
// envelope fields; the rest are kind specific.
type RawEvent struct {
	Type      string   `json:"type"`
	Timestamp *float64 `json:"timestamp"`
	UTCOffset *int     `json:"utcoffset"`
	Pid       *int     `json:"pid"`
	Clock     *int64   `json:"clock"`
	Hostname  string   `json:"hostname"`

	// Task events
	UUID       string      `json:"uuid,omitempty"`
	Name       *string     `json:"name,omitempty"`
	Args       *string     `json:"args,omitempty"`
	Kwargs     *string     `json:"kwargs,omitempty"`
	RootID     *string     `json:"root_id,omitempty"`
	ParentID   *string     `json:"parent_id,omitempty"`
	ETA        *string     `json:"eta,omitempty"`
	Expires    *string     `json:"expires,omitempty"`
	Exchange   *string     `json:"exchange,omitempty"`
	RoutingKey *string     `json:"routing_key,omitempty"`
	Queue      *string     `json:"queue,omitempty"`
	Retries    *int64      `json:"retries,omitempty"`
	Exception  *string     `json:"exception,omitempty"`
	Traceback  *string     `json:"traceback,omitempty"`
	Result     *string     `json:"result,omitempty"`
	Runtime    *float64    `json:"runtime,omitempty"`
	Terminated *bool       `json:"terminated,omitempty"`
	Expired    *bool       `json:"expired,omitempty"`
	Signum     interface{} `json:"signum,omitempty"`
	Requeue    *bool       `json:"requeue,omitempty"`

	// Worker events
	Freq      *float64  `json:"freq,omitempty"`
	Active    *int64    `json:"active,omitempty"`
	Processed *int64    `json:"processed,omitempty"`
	Loadavg   []float64 `json:"loadavg,omitempty"`
	SwIdent   *string   `json:"sw_ident,omitempty"`
	SwVer     *string   `json:"sw_ver,omitempty"`
	SwSys     *string   `json:"sw_sys,omitempty"`
}

// Envelope is a closed union over the two entity kinds. Exactly one of
// Task/Worker is set, matching Kind.
type Envelope struct {
	Kind   Kind
	Task   *TaskEntity
	Worker *WorkerEntity
}

// ID returns the entity id the envelope addresses: task uuid or worker hostname.
func (e Envelope) ID() string {
	switch e.Kind {
	case KindTask:
		return e.Task.ID
	case KindWorker:
		return e.Worker.ID
	}
	return ""
}

// State returns the current state of the wrapped entity.
func (e Envelope) State() string {
	switch e.Kind {
	case KindTask:
		return e.Task.State
	case KindWorker:
		return e.Worker.State
	}
	return ""
}

// MarshalJSON flattens the envelope to the wrapped entity document. The
// entity's own kind field keeps the union decodable.
func (e Envelope) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case KindTask:
		return json.Marshal(e.Task)
	case KindWorker:
		return json.Marshal(e.Worker)
	}
	return nil, fmt.Errorf("envelope has no kind")
}

// UnmarshalJSON peeks at the kind discriminator before decoding the document
// into the matching entity type.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var probe struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	switch probe.Kind {
	case KindTask:
		e.Kind = KindTask
		e.Task = &TaskEntity{}
		return json.Unmarshal(data, e.Task)
	case KindWorker:
		e.Kind = KindWorker
		e.Worker = &WorkerEntity{}
		return json.Unmarshal(data, e.Worker)
	}
	return fmt.Errorf("unknown entity kind %q", probe.Kind)
}
