// Package merge implements the conflict-resolving reconciliation of incoming
// event documents with previously stored per-entity state. Merges are pure
// (immutable in, fresh value out), safe under any delivery order, and
// idempotent under exact-duplicate redelivery.
package merge

import (
	"reflect"

	"github.com/kodless/leek/internal/model"
)

// Task reconciles an incoming task event document with the stored entity.
// stored may be nil (first write). The returned entity is a fresh value;
// neither input is mutated.
func Task(stored, coming *model.TaskEntity) *model.TaskEntity {
	if stored == nil {
		merged := coming.Clone()
		deriveTaskState(merged)
		fixSelfReference(merged)
		if merged.EventsCount <= 0 {
			merged.EventsCount = 1
		}
		if len(merged.Events) == 0 {
			merged.Events = []string{merged.State}
		}
		return merged
	}

	merged := stored.Clone()
	switch {
	case model.IsTerminal(coming.State):
		// A terminal outcome is authoritative regardless of arrival order:
		// only one terminal event is ever emitted per logical conclusion.
		merged.Apply(coming)
	case model.IsTerminal(merged.State):
		// Late non-terminal event for an already concluded task: merge only
		// the fields the incoming state owns, never regress the state.
		merged.ApplyFields(coming, lateTaskFields(merged.State, coming.State))
	default:
		mergeNonTerminalTask(merged, coming)
	}

	deriveTaskState(merged)
	fixSelfReference(merged)

	// A merge that changed nothing is a redelivered duplicate; bookkeeping
	// must not move or idempotence is lost.
	if equalIgnoringBookkeeping(merged, stored) {
		return stored.Clone()
	}

	// A pre-reduced batch document carries the count and history of every
	// event folded into it; a single normalized event carries neither.
	merged.EventsCount = stored.EventsCount + countContribution(coming.EventsCount)
	if len(coming.Events) > 0 {
		merged.Events = prependHistory(coming.Events, stored.Events)
	} else {
		merged.Events = prependHistory([]string{merged.State}, stored.Events)
	}
	return merged
}

func countContribution(comingCount int64) int64 {
	if comingCount > 0 {
		return comingCount
	}
	return 1
}

func mergeNonTerminalTask(merged, coming *model.TaskEntity) {
	switch {
	case inOrder(merged.ExactTimestamp, coming.ExactTimestamp):
		// Forward in time: full field-level overwrite.
		merged.Apply(coming)
	case merged.State == coming.State:
		// Stale repeat of the same observation: skip.
	default:
		// Out of order with different non-terminal states: merge only the
		// incoming state's whitelist.
		merged.ApplyFields(coming, conflictTaskFields(merged.State, coming.State))
	}
}

// lateTaskFields assembles the attribute whitelist for a non-terminal event
// arriving after the task reached a terminal state.
func lateTaskFields(storedState, comingState string) []string {
	fields := append([]string(nil), model.TaskStateFields[comingState]...)
	switch comingState {
	case model.StateRetry:
		if storedState != model.StateFailed && storedState != model.StateCritical {
			fields = append(fields, model.TaskFieldsFailedRetry...)
		}
	case model.StateQueued, model.StateReceived:
		fields = append(fields, model.TaskFieldsQueuedReceived...)
	}
	return fields
}

// conflictTaskFields assembles the whitelist for two out-of-order
// non-terminal events with different states.
func conflictTaskFields(storedState, comingState string) []string {
	fields := append([]string(nil), model.TaskStateFields[comingState]...)
	switch comingState {
	case model.StateRetry:
		if storedState != model.StateRetry {
			fields = append(fields, model.TaskFieldsFailedRetry...)
		}
	case model.StateQueued, model.StateReceived:
		if storedState != model.StateQueued && storedState != model.StateReceived {
			fields = append(fields, model.TaskFieldsQueuedReceived...)
		}
	}
	return fields
}

// deriveTaskState remaps plain terminal outcomes to their retry-aware forms.
func deriveTaskState(t *model.TaskEntity) {
	if t.Retries == nil || *t.Retries == 0 {
		return
	}
	switch t.State {
	case model.StateFailed:
		t.State = model.StateCritical
	case model.StateSucceeded:
		t.State = model.StateRecovered
	}
}

// fixSelfReference nulls lineage fields that erroneously cite the task itself.
func fixSelfReference(t *model.TaskEntity) {
	if t.RootID != nil && *t.RootID == t.ID {
		t.RootID = nil
	}
	if t.ParentID != nil && *t.ParentID == t.ID {
		t.ParentID = nil
	}
}

// prependHistory places recent states in front of older ones, most recent
// first, keeping at most EventsRingSize entries.
func prependHistory(recent, older []string) []string {
	events := make([]string, 0, model.EventsRingSize)
	events = append(events, recent...)
	for _, s := range older {
		if len(events) >= model.EventsRingSize {
			break
		}
		events = append(events, s)
	}
	if len(events) > model.EventsRingSize {
		events = events[:model.EventsRingSize]
	}
	return events
}

func equalIgnoringBookkeeping(merged, stored *model.TaskEntity) bool {
	a := merged.Clone()
	b := stored.Clone()
	a.Events, b.Events = nil, nil
	a.EventsCount, b.EventsCount = 0, 0
	return reflect.DeepEqual(a, b)
}

// Worker reconciles an incoming worker event document with the stored entity.
// Workers have no terminal state, so only the timestamp three-way applies.
func Worker(stored, coming *model.WorkerEntity) *model.WorkerEntity {
	if stored == nil {
		merged := coming.Clone()
		if merged.EventsCount <= 0 {
			merged.EventsCount = 1
		}
		return merged
	}

	merged := stored.Clone()
	switch {
	case inOrder(merged.ExactTimestamp, coming.ExactTimestamp):
		merged.Apply(coming)
	case merged.State == coming.State:
		// Stale repeat: skip.
	default:
		merged.ApplyFields(coming, model.WorkerStateFields[coming.State])
	}

	if equalWorkers(merged, stored) {
		return stored.Clone()
	}
	merged.EventsCount = stored.EventsCount + countContribution(coming.EventsCount)
	return merged
}

func equalWorkers(merged, stored *model.WorkerEntity) bool {
	a := merged.Clone()
	b := stored.Clone()
	a.EventsCount, b.EventsCount = 0, 0
	return reflect.DeepEqual(a, b)
}

func inOrder(stored, coming *float64) bool {
	var s, c float64
	if stored != nil {
		s = *stored
	}
	if coming != nil {
		c = *coming
	}
	return s < c
}

// Merge dispatches on the envelope kind. stored may be nil.
func Merge(stored *model.Envelope, coming model.Envelope) model.Envelope {
	switch coming.Kind {
	case model.KindTask:
		var st *model.TaskEntity
		if stored != nil {
			st = stored.Task
		}
		return model.Envelope{Kind: model.KindTask, Task: Task(st, coming.Task)}
	case model.KindWorker:
		var sw *model.WorkerEntity
		if stored != nil {
			sw = stored.Worker
		}
		return model.Envelope{Kind: model.KindWorker, Worker: Worker(sw, coming.Worker)}
	}
	return coming
}

// Reduce folds a batch of event documents down to at most one document per
// entity id by applying the merge function in arrival order, so the store
// sees a single write per id per batch.
func Reduce(docs []model.Envelope) []model.Envelope {
	if len(docs) <= 1 {
		return docs
	}
	index := make(map[string]int, len(docs))
	out := make([]model.Envelope, 0, len(docs))
	for _, doc := range docs {
		key := string(doc.Kind) + ":" + doc.ID()
		if i, ok := index[key]; ok {
			out[i] = Merge(&out[i], doc)
			continue
		}
		index[key] = len(out)
		out = append(out, Merge(nil, doc))
	}
	return out
}
