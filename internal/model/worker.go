package model

// WorkerEntity is the durable record for one worker process, keyed by
// hostname. Workers have no terminal state; OFFLINE workers can come back.
type WorkerEntity struct {
	ID             string   `json:"id"`
	AppEnv         string   `json:"app_env,omitempty"`
	Kind           Kind     `json:"kind"`
	State          string   `json:"state,omitempty"`
	Clock          *int64   `json:"clock,omitempty"`
	Timestamp      *int64   `json:"timestamp,omitempty"`
	ExactTimestamp *float64 `json:"exact_timestamp,omitempty"`
	UTCOffset      *int     `json:"utcoffset,omitempty"`
	Pid            *int     `json:"pid,omitempty"`

	Hostname string `json:"hostname"`

	// Historical timestamps (epoch ms)
	OnlineAt        *int64 `json:"online_at,omitempty"`
	OfflineAt       *int64 `json:"offline_at,omitempty"`
	LastHeartbeatAt *int64 `json:"last_heartbeat_at,omitempty"`

	// Software identity
	SwIdent *string `json:"sw_ident,omitempty"`
	SwVer   *string `json:"sw_ver,omitempty"`
	SwSys   *string `json:"sw_sys,omitempty"`

	// Stats
	Processed *int64    `json:"processed,omitempty"`
	Active    *int64    `json:"active,omitempty"`
	Freq      *float64  `json:"freq,omitempty"`
	Loadavg   []float64 `json:"loadavg,omitempty"`

	EventsCount int64 `json:"events_count,omitempty"`
}

// Clone returns a copy safe to mutate without aliasing the loadavg slice.
func (w *WorkerEntity) Clone() *WorkerEntity {
	if w == nil {
		return nil
	}
	c := *w
	if w.Loadavg != nil {
		c.Loadavg = append([]float64(nil), w.Loadavg...)
	}
	return &c
}

// WorkerStateFields lists the attributes each worker state owns outright.
var WorkerStateFields = map[string][]string{
	StateOnline:    {"online_at"},
	StateHeartbeat: {"last_heartbeat_at", "processed", "active", "freq", "loadavg"},
	StateOffline:   {"offline_at"},
}

var workerMergeableFields = []string{
	"online_at", "offline_at", "last_heartbeat_at",
	"sw_ident", "sw_ver", "sw_sys",
	"processed", "active", "freq", "loadavg",
}

func (w *WorkerEntity) applyField(coming *WorkerEntity, name string) {
	switch name {
	case "online_at":
		if coming.OnlineAt != nil {
			w.OnlineAt = coming.OnlineAt
		}
	case "offline_at":
		if coming.OfflineAt != nil {
			w.OfflineAt = coming.OfflineAt
		}
	case "last_heartbeat_at":
		if coming.LastHeartbeatAt != nil {
			w.LastHeartbeatAt = coming.LastHeartbeatAt
		}
	case "sw_ident":
		if coming.SwIdent != nil {
			w.SwIdent = coming.SwIdent
		}
	case "sw_ver":
		if coming.SwVer != nil {
			w.SwVer = coming.SwVer
		}
	case "sw_sys":
		if coming.SwSys != nil {
			w.SwSys = coming.SwSys
		}
	case "processed":
		if coming.Processed != nil {
			w.Processed = coming.Processed
		}
	case "active":
		if coming.Active != nil {
			w.Active = coming.Active
		}
	case "freq":
		if coming.Freq != nil {
			w.Freq = coming.Freq
		}
	case "loadavg":
		if coming.Loadavg != nil {
			w.Loadavg = coming.Loadavg
		}
	}
}

// ApplyFields copies the named attributes from coming when present.
func (w *WorkerEntity) ApplyFields(coming *WorkerEntity, fields []string) {
	for _, f := range fields {
		w.applyField(coming, f)
	}
}

// Apply overwrites every attribute coming carries, including the shared
// envelope fields.
func (w *WorkerEntity) Apply(coming *WorkerEntity) {
	if coming.State != "" {
		w.State = coming.State
	}
	if coming.Clock != nil {
		w.Clock = coming.Clock
	}
	if coming.Timestamp != nil {
		w.Timestamp = coming.Timestamp
	}
	if coming.ExactTimestamp != nil {
		w.ExactTimestamp = coming.ExactTimestamp
	}
	if coming.UTCOffset != nil {
		w.UTCOffset = coming.UTCOffset
	}
	if coming.Pid != nil {
		w.Pid = coming.Pid
	}
	w.ApplyFields(coming, workerMergeableFields)
}
