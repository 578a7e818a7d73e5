package model

// EventsRingSize bounds the per-task history of observed state names.
const EventsRingSize = 21

// StacktraceError is the classified error extracted from a traceback.
type StacktraceError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Stacktrace is the best-effort structure extracted from a raw traceback.
type Stacktrace struct {
	Lang  string          `json:"lang"`
	Error StacktraceError `json:"error"`
	Trace string          `json:"trace"`
}

// TaskEntity is the durable merged record for one task, keyed by uuid.
// Optional attributes are pointers so a merge can distinguish "absent from
// this event" from a zero value.
type TaskEntity struct {
	ID             string   `json:"id"`
	AppEnv         string   `json:"app_env,omitempty"`
	Kind           Kind     `json:"kind"`
	State          string   `json:"state,omitempty"`
	Clock          *int64   `json:"clock,omitempty"`
	Timestamp      *int64   `json:"timestamp,omitempty"`
	ExactTimestamp *float64 `json:"exact_timestamp,omitempty"`
	UTCOffset      *int     `json:"utcoffset,omitempty"`
	Pid            *int     `json:"pid,omitempty"`

	UUID string  `json:"uuid"`
	Name *string `json:"name,omitempty"`

	// Input
	Args         *string                `json:"args,omitempty"`
	Kwargs       *string                `json:"kwargs,omitempty"`
	ArgsPromoted map[string]string      `json:"args_promoted,omitempty"`
	KwargsFlat   map[string]interface{} `json:"kwargs_flat,omitempty"`
	Module       *string                `json:"module,omitempty"`
	Function     *string                `json:"function,omitempty"`

	// Output
	Result  *string  `json:"result,omitempty"`
	Runtime *float64 `json:"runtime,omitempty"`

	// Lineage
	RootID   *string `json:"root_id,omitempty"`
	ParentID *string `json:"parent_id,omitempty"`

	// Routing
	Exchange   *string `json:"exchange,omitempty"`
	RoutingKey *string `json:"routing_key,omitempty"`
	Queue      *string `json:"queue,omitempty"`

	// Retries
	ETA     *int64 `json:"eta,omitempty"`
	Expires *int64 `json:"expires,omitempty"`
	Retries *int64 `json:"retries,omitempty"`

	// Historical timestamps, one per lifecycle transition (epoch ms)
	QueuedAt    *int64 `json:"queued_at,omitempty"`
	ReceivedAt  *int64 `json:"received_at,omitempty"`
	StartedAt   *int64 `json:"started_at,omitempty"`
	SucceededAt *int64 `json:"succeeded_at,omitempty"`
	FailedAt    *int64 `json:"failed_at,omitempty"`
	RejectedAt  *int64 `json:"rejected_at,omitempty"`
	RevokedAt   *int64 `json:"revoked_at,omitempty"`
	RetriedAt   *int64 `json:"retried_at,omitempty"`

	// Revocation
	Terminated *bool   `json:"terminated,omitempty"`
	Expired    *bool   `json:"expired,omitempty"`
	Signum     *string `json:"signum,omitempty"`

	// Rejection
	Requeue *bool `json:"requeue,omitempty"`

	// Failure
	Exception  *string     `json:"exception,omitempty"`
	Traceback  *string     `json:"traceback,omitempty"`
	Stacktrace *Stacktrace `json:"stacktrace,omitempty"`

	// Origin: exactly one of client/worker is set, depending on whether the
	// task has moved past QUEUED.
	Client *string `json:"client,omitempty"`
	Worker *string `json:"worker,omitempty"`

	Events      []string `json:"events,omitempty"`
	EventsCount int64    `json:"events_count,omitempty"`
}

// Clone returns a copy safe to mutate without aliasing slices or maps of the
// receiver. Pointed-to scalars are never mutated in place, so sharing them is
// fine.
func (t *TaskEntity) Clone() *TaskEntity {
	if t == nil {
		return nil
	}
	c := *t
	if t.Events != nil {
		c.Events = append([]string(nil), t.Events...)
	}
	if t.ArgsPromoted != nil {
		c.ArgsPromoted = make(map[string]string, len(t.ArgsPromoted))
		for k, v := range t.ArgsPromoted {
			c.ArgsPromoted[k] = v
		}
	}
	if t.KwargsFlat != nil {
		c.KwargsFlat = make(map[string]interface{}, len(t.KwargsFlat))
		for k, v := range t.KwargsFlat {
			c.KwargsFlat[k] = v
		}
	}
	return &c
}

// Per-state attribute ownership. A merge that is not a plain forward-in-time
// update may only overwrite the attributes owned by the incoming state, so a
// stale event cannot clobber newer data outside its own domain.
var (
	// Shared between QUEUED and RECEIVED, merged for late or out-of-order
	// events of either state.
	TaskFieldsQueuedReceived = []string{
		"name", "args", "kwargs", "args_promoted", "kwargs_flat",
		"module", "function", "root_id", "parent_id", "eta", "expires", "retries",
	}
	// Shared between FAILED and RETRY.
	TaskFieldsFailedRetry = []string{"exception", "traceback", "stacktrace"}

	// TaskStateFields lists the attributes each state owns outright.
	TaskStateFields = map[string][]string{
		StateQueued:    {"queued_at", "exchange", "routing_key", "queue", "client"},
		StateReceived:  {"received_at"},
		StateStarted:   {"started_at"},
		StateRetry:     {"retried_at"},
		StateSucceeded: {"succeeded_at", "result", "runtime"},
		StateFailed:    {"failed_at"},
		StateRejected:  {"rejected_at", "requeue"},
		StateRevoked:   {"revoked_at", "terminated", "expired", "signum"},
	}

	// taskMergeableFields is every attribute a full update may overwrite,
	// excluding the shared envelope fields which Apply handles itself.
	taskMergeableFields = []string{
		"name", "args", "kwargs", "args_promoted", "kwargs_flat", "module", "function",
		"result", "runtime", "root_id", "parent_id", "exchange", "routing_key", "queue",
		"eta", "expires", "retries",
		"queued_at", "received_at", "started_at", "succeeded_at", "failed_at",
		"rejected_at", "revoked_at", "retried_at",
		"terminated", "expired", "signum", "requeue",
		"exception", "traceback", "stacktrace", "client", "worker",
	}
)

// applyField copies one named attribute from coming when coming carries a
// value. Field names match the wire/document names used by the whitelists.
func (t *TaskEntity) applyField(coming *TaskEntity, name string) {
	switch name {
	case "name":
		if coming.Name != nil {
			t.Name = coming.Name
		}
	case "args":
		if coming.Args != nil {
			t.Args = coming.Args
		}
	case "kwargs":
		if coming.Kwargs != nil {
			t.Kwargs = coming.Kwargs
		}
	case "args_promoted":
		if coming.ArgsPromoted != nil {
			t.ArgsPromoted = coming.ArgsPromoted
		}
	case "kwargs_flat":
		if coming.KwargsFlat != nil {
			t.KwargsFlat = coming.KwargsFlat
		}
	case "module":
		if coming.Module != nil {
			t.Module = coming.Module
		}
	case "function":
		if coming.Function != nil {
			t.Function = coming.Function
		}
	case "result":
		if coming.Result != nil {
			t.Result = coming.Result
		}
	case "runtime":
		if coming.Runtime != nil {
			t.Runtime = coming.Runtime
		}
	case "root_id":
		if coming.RootID != nil {
			t.RootID = coming.RootID
		}
	case "parent_id":
		if coming.ParentID != nil {
			t.ParentID = coming.ParentID
		}
	case "exchange":
		if coming.Exchange != nil {
			t.Exchange = coming.Exchange
		}
	case "routing_key":
		if coming.RoutingKey != nil {
			t.RoutingKey = coming.RoutingKey
		}
	case "queue":
		if coming.Queue != nil {
			t.Queue = coming.Queue
		}
	case "eta":
		if coming.ETA != nil {
			t.ETA = coming.ETA
		}
	case "expires":
		if coming.Expires != nil {
			t.Expires = coming.Expires
		}
	case "retries":
		if coming.Retries != nil {
			t.Retries = coming.Retries
		}
	case "queued_at":
		if coming.QueuedAt != nil {
			t.QueuedAt = coming.QueuedAt
		}
	case "received_at":
		if coming.ReceivedAt != nil {
			t.ReceivedAt = coming.ReceivedAt
		}
	case "started_at":
		if coming.StartedAt != nil {
			t.StartedAt = coming.StartedAt
		}
	case "succeeded_at":
		if coming.SucceededAt != nil {
			t.SucceededAt = coming.SucceededAt
		}
	case "failed_at":
		if coming.FailedAt != nil {
			t.FailedAt = coming.FailedAt
		}
	case "rejected_at":
		if coming.RejectedAt != nil {
			t.RejectedAt = coming.RejectedAt
		}
	case "revoked_at":
		if coming.RevokedAt != nil {
			t.RevokedAt = coming.RevokedAt
		}
	case "retried_at":
		if coming.RetriedAt != nil {
			t.RetriedAt = coming.RetriedAt
		}
	case "terminated":
		if coming.Terminated != nil {
			t.Terminated = coming.Terminated
		}
	case "expired":
		if coming.Expired != nil {
			t.Expired = coming.Expired
		}
	case "signum":
		if coming.Signum != nil {
			t.Signum = coming.Signum
		}
	case "requeue":
		if coming.Requeue != nil {
			t.Requeue = coming.Requeue
		}
	case "exception":
		if coming.Exception != nil {
			t.Exception = coming.Exception
		}
	case "traceback":
		if coming.Traceback != nil {
			t.Traceback = coming.Traceback
		}
	case "stacktrace":
		if coming.Stacktrace != nil {
			t.Stacktrace = coming.Stacktrace
		}
	case "client":
		if coming.Client != nil {
			t.Client = coming.Client
		}
	case "worker":
		if coming.Worker != nil {
			t.Worker = coming.Worker
		}
	}
}

// ApplyFields copies the named attributes from coming when present.
func (t *TaskEntity) ApplyFields(coming *TaskEntity, fields []string) {
	for _, f := range fields {
		t.applyField(coming, f)
	}
}

// Apply overwrites every attribute coming carries, including the shared
// envelope fields. Used for forward-in-time and terminal merges.
func (t *TaskEntity) Apply(coming *TaskEntity) {
	if coming.State != "" {
		t.State = coming.State
	}
	if coming.Clock != nil {
		t.Clock = coming.Clock
	}
	if coming.Timestamp != nil {
		t.Timestamp = coming.Timestamp
	}
	if coming.ExactTimestamp != nil {
		t.ExactTimestamp = coming.ExactTimestamp
	}
	if coming.UTCOffset != nil {
		t.UTCOffset = coming.UTCOffset
	}
	if coming.Pid != nil {
		t.Pid = coming.Pid
	}
	t.ApplyFields(coming, taskMergeableFields)
}
