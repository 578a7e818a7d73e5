package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kodless/leek/internal/model"
)

func strPtr(s string) *string   { return &s }
func i64Ptr(v int64) *int64     { return &v }
func f64Ptr(v float64) *float64 { return &v }

// taskEvent builds a fresh normalized task event document, as the agent
// would emit it: no events history, no count.
func taskEvent(id, state string, ts float64) *model.TaskEntity {
	return &model.TaskEntity{
		ID:             id,
		UUID:           id,
		Kind:           model.KindTask,
		State:          state,
		ExactTimestamp: f64Ptr(ts),
		Timestamp:      i64Ptr(int64(ts * 1000)),
	}
}

func workerEvent(hostname, state string, ts float64) *model.WorkerEntity {
	return &model.WorkerEntity{
		ID:             hostname,
		Hostname:       hostname,
		Kind:           model.KindWorker,
		State:          state,
		ExactTimestamp: f64Ptr(ts),
	}
}

// TestTaskFirstWrite tests that the first event seeds the document with
// bookkeeping initialized.
func TestTaskFirstWrite(t *testing.T) {
	e := taskEvent("t1", model.StateQueued, 100.0)
	e.Name = strPtr("tasks.add")

	merged := Task(nil, e)
	require.NotNil(t, merged)
	assert.Equal(t, model.StateQueued, merged.State)
	assert.Equal(t, int64(1), merged.EventsCount)
	assert.Equal(t, []string{model.StateQueued}, merged.Events)

	// Input is never mutated.
	assert.Equal(t, int64(0), e.EventsCount)
	assert.Nil(t, e.Events)
}

// TestTaskLifecycleRetryThenSuccess walks a full lifecycle ending in a
// success after one retry: the final state is the retry-aware RECOVERED and
// the count reflects every event seen.
func TestTaskLifecycleRetryThenSuccess(t *testing.T) {
	queued := taskEvent("t1", model.StateQueued, 1.0)
	queued.Name = strPtr("tasks.add")
	queued.Queue = strPtr("default")
	queued.Client = strPtr("client@host")

	received := taskEvent("t1", model.StateReceived, 2.0)
	received.ReceivedAt = i64Ptr(2000)
	received.Worker = strPtr("worker@host")

	started := taskEvent("t1", model.StateStarted, 3.0)
	started.StartedAt = i64Ptr(3000)

	retry := taskEvent("t1", model.StateRetry, 4.0)
	retry.Retries = i64Ptr(1)
	retry.RetriedAt = i64Ptr(4000)
	retry.Exception = strPtr("ConnectionError('down')")

	succeeded := taskEvent("t1", model.StateSucceeded, 5.0)
	succeeded.Retries = i64Ptr(1)
	succeeded.SucceededAt = i64Ptr(5000)
	succeeded.Result = strPtr("42")
	succeeded.Runtime = f64Ptr(0.35)

	var stored *model.TaskEntity
	for _, e := range []*model.TaskEntity{queued, received, started, retry, succeeded} {
		stored = Task(stored, e)
	}

	assert.Equal(t, model.StateRecovered, stored.State)
	assert.Equal(t, int64(5), stored.EventsCount)
	assert.Equal(t, model.StateRecovered, stored.Events[0])
	assert.Len(t, stored.Events, 5)

	// Attributes from every phase survive the chain.
	assert.Equal(t, "tasks.add", *stored.Name)
	assert.Equal(t, "default", *stored.Queue)
	assert.Equal(t, "worker@host", *stored.Worker)
	assert.Equal(t, "42", *stored.Result)
	assert.Equal(t, int64(4000), *stored.RetriedAt)
}

// TestTaskFailureWithRetriesBecomesCritical tests the FAILED to CRITICAL
// derivation when retries were attempted.
func TestTaskFailureWithRetriesBecomesCritical(t *testing.T) {
	failed := taskEvent("t1", model.StateFailed, 10.0)
	failed.Retries = i64Ptr(2)
	failed.Exception = strPtr("ValueError('bad')")

	merged := Task(nil, failed)
	assert.Equal(t, model.StateCritical, merged.State)
	assert.True(t, model.IsTerminal(merged.State))
}

// TestTaskTerminalAuthority tests that a terminal event wins even when it
// arrives with an older timestamp than the stored record.
func TestTaskTerminalAuthority(t *testing.T) {
	stored := Task(nil, taskEvent("t1", model.StateStarted, 9.0))

	succeeded := taskEvent("t1", model.StateSucceeded, 7.0)
	succeeded.Result = strPtr("ok")

	merged := Task(stored, succeeded)
	assert.Equal(t, model.StateSucceeded, merged.State)
	assert.Equal(t, "ok", *merged.Result)
}

// TestTaskLateEventAfterTerminal tests that a non-terminal event arriving
// after the task concluded enriches the record without regressing the state
// and without touching attributes outside its whitelist.
func TestTaskLateEventAfterTerminal(t *testing.T) {
	succeeded := taskEvent("t1", model.StateSucceeded, 10.0)
	succeeded.Result = strPtr("ok")
	stored := Task(nil, succeeded)

	late := taskEvent("t1", model.StateReceived, 2.0)
	late.ReceivedAt = i64Ptr(2000)
	late.Name = strPtr("tasks.add")
	late.Args = strPtr("(1, 2)")
	// RECEIVED does not own routing attributes; this must not land.
	late.Exchange = strPtr("celery")

	merged := Task(stored, late)
	assert.Equal(t, model.StateSucceeded, merged.State)
	assert.Equal(t, "ok", *merged.Result)
	assert.Equal(t, "tasks.add", *merged.Name)
	assert.Equal(t, "(1, 2)", *merged.Args)
	assert.Equal(t, int64(2000), *merged.ReceivedAt)
	assert.Nil(t, merged.Exchange)
	assert.Equal(t, int64(2), merged.EventsCount)
}

// TestTaskLateRetryAfterFailureSkipsFailureFields tests that a late RETRY
// cannot overwrite the failure attributes of a concluded FAILED task.
func TestTaskLateRetryAfterFailureSkipsFailureFields(t *testing.T) {
	failed := taskEvent("t1", model.StateFailed, 10.0)
	failed.Exception = strPtr("ValueError('real')")
	stored := Task(nil, failed)

	retry := taskEvent("t1", model.StateRetry, 5.0)
	retry.RetriedAt = i64Ptr(5000)
	retry.Exception = strPtr("ConnectionError('transient')")

	merged := Task(stored, retry)
	assert.Equal(t, model.StateFailed, merged.State)
	assert.Equal(t, "ValueError('real')", *merged.Exception)
	assert.Equal(t, int64(5000), *merged.RetriedAt)
}

// TestTaskDuplicateRedeliveryIsIdempotent tests that redelivering the exact
// same event does not move bookkeeping.
func TestTaskDuplicateRedeliveryIsIdempotent(t *testing.T) {
	e := taskEvent("t1", model.StateStarted, 3.0)
	e.StartedAt = i64Ptr(3000)

	once := Task(nil, e)
	twice := Task(once, e)
	assert.Equal(t, once, twice)
	assert.Equal(t, int64(1), twice.EventsCount)
}

// TestTaskOutOfOrderWhitelist tests that a stale event with a different
// state only lands its whitelisted attributes.
func TestTaskOutOfOrderWhitelist(t *testing.T) {
	started := taskEvent("t1", model.StateStarted, 5.0)
	started.Worker = strPtr("worker-a")
	stored := Task(nil, started)

	stale := taskEvent("t1", model.StateReceived, 4.0)
	stale.ReceivedAt = i64Ptr(4000)
	stale.Name = strPtr("tasks.add")
	stale.Worker = strPtr("worker-b")

	merged := Task(stored, stale)
	assert.Equal(t, model.StateStarted, merged.State)
	assert.Equal(t, "tasks.add", *merged.Name)
	assert.Equal(t, int64(4000), *merged.ReceivedAt)
	// worker is not in the RECEIVED whitelist
	assert.Equal(t, "worker-a", *merged.Worker)
	// clock fields stay put on a stale merge
	assert.Equal(t, 5.0, *merged.ExactTimestamp)
}

// TestTaskSelfReferenceCleared tests that lineage pointing at the task
// itself is nulled.
func TestTaskSelfReferenceCleared(t *testing.T) {
	e := taskEvent("t1", model.StateQueued, 1.0)
	e.RootID = strPtr("t1")
	e.ParentID = strPtr("other")

	merged := Task(nil, e)
	assert.Nil(t, merged.RootID)
	require.NotNil(t, merged.ParentID)
	assert.Equal(t, "other", *merged.ParentID)
}

// TestTaskEventsRingBounded tests that the state history never exceeds its
// ring size no matter how many events fold in.
func TestTaskEventsRingBounded(t *testing.T) {
	var stored *model.TaskEntity
	states := []string{model.StateStarted, model.StateRetry}
	for i := 0; i < 40; i++ {
		e := taskEvent("t1", states[i%2], float64(i+1))
		e.RetriedAt = i64Ptr(int64(i))
		stored = Task(stored, e)
	}
	assert.Equal(t, int64(40), stored.EventsCount)
	assert.Len(t, stored.Events, model.EventsRingSize)
}

// TestWorkerLifecycle tests online, heartbeat and out-of-order offline
// handling for worker documents.
func TestWorkerLifecycle(t *testing.T) {
	online := workerEvent("celery@host", model.StateOnline, 1.0)
	online.OnlineAt = i64Ptr(1000)
	online.SwVer = strPtr("5.3.0")

	heartbeat := workerEvent("celery@host", model.StateHeartbeat, 2.0)
	heartbeat.LastHeartbeatAt = i64Ptr(2000)
	heartbeat.Processed = i64Ptr(10)
	heartbeat.Active = i64Ptr(2)

	stored := Worker(nil, online)
	stored = Worker(stored, heartbeat)

	assert.Equal(t, model.StateHeartbeat, stored.State)
	assert.Equal(t, int64(10), *stored.Processed)
	assert.Equal(t, "5.3.0", *stored.SwVer)
	assert.Equal(t, int64(2), stored.EventsCount)

	// A stale heartbeat after OFFLINE lands its stats but not the state.
	offline := workerEvent("celery@host", model.StateOffline, 5.0)
	offline.OfflineAt = i64Ptr(5000)
	stored = Worker(stored, offline)

	stale := workerEvent("celery@host", model.StateHeartbeat, 4.0)
	stale.LastHeartbeatAt = i64Ptr(4000)
	stale.Processed = i64Ptr(12)
	stored = Worker(stored, stale)

	assert.Equal(t, model.StateOffline, stored.State)
	assert.Equal(t, int64(12), *stored.Processed)
	assert.Equal(t, int64(4000), *stored.LastHeartbeatAt)
	assert.Equal(t, int64(5000), *stored.OfflineAt)
}

// TestWorkerDuplicateIsIdempotent tests worker-side duplicate absorption.
func TestWorkerDuplicateIsIdempotent(t *testing.T) {
	hb := workerEvent("celery@host", model.StateHeartbeat, 2.0)
	hb.Processed = i64Ptr(7)

	once := Worker(nil, hb)
	twice := Worker(once, hb)
	assert.Equal(t, once, twice)
	assert.Equal(t, int64(1), twice.EventsCount)
}

// TestReducePreReducesPerEntity tests that a mixed batch folds down to one
// document per entity carrying the batch's bookkeeping.
func TestReducePreReducesPerEntity(t *testing.T) {
	docs := []model.Envelope{
		{Kind: model.KindTask, Task: taskEvent("t1", model.StateQueued, 1.0)},
		{Kind: model.KindWorker, Worker: workerEvent("celery@host", model.StateOnline, 1.5)},
		{Kind: model.KindTask, Task: taskEvent("t1", model.StateStarted, 2.0)},
		{Kind: model.KindTask, Task: taskEvent("t2", model.StateQueued, 2.5)},
	}

	reduced := Reduce(docs)
	require.Len(t, reduced, 3)

	// First-appearance order is preserved.
	assert.Equal(t, "t1", reduced[0].ID())
	assert.Equal(t, "celery@host", reduced[1].ID())
	assert.Equal(t, "t2", reduced[2].ID())

	assert.Equal(t, model.StateStarted, reduced[0].State())
	assert.Equal(t, int64(2), reduced[0].Task.EventsCount)
	assert.Len(t, reduced[0].Task.Events, 2)
	assert.Equal(t, int64(1), reduced[2].Task.EventsCount)
}

// TestReducedBatchMatchesOneAtATime tests that folding a batch through
// Reduce and then merging with the store gives the same document as merging
// each event individually.
func TestReducedBatchMatchesOneAtATime(t *testing.T) {
	events := []*model.TaskEntity{
		taskEvent("t1", model.StateQueued, 1.0),
		taskEvent("t1", model.StateReceived, 2.0),
		taskEvent("t1", model.StateStarted, 3.0),
	}

	var oneAtATime *model.TaskEntity
	for _, e := range events {
		oneAtATime = Task(oneAtATime, e)
	}

	docs := make([]model.Envelope, 0, len(events))
	for _, e := range events {
		docs = append(docs, model.Envelope{Kind: model.KindTask, Task: e})
	}
	reduced := Reduce(docs)
	require.Len(t, reduced, 1)
	batched := Task(nil, reduced[0].Task)

	assert.Equal(t, oneAtATime, batched)
}
