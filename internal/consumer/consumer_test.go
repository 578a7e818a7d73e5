package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kodless/leek/internal/model"
	"github.com/kodless/leek/internal/normalizer"
	"github.com/kodless/leek/pkg/config"
)

const (
	testStream = "celeryev"
	testGroup  = "leek.fanout"
)

// collectorStub is a scripted collector endpoint. Each ProcessEvents call
// pops the next status from the script; batches answered with 201 are kept.
type collectorStub struct {
	mu        sync.Mutex
	script    []int
	persisted [][]model.Envelope
}

func (s *collectorStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusOK)
			return
		}

		status := http.StatusCreated
		if len(s.script) > 0 {
			status = s.script[0]
			s.script = s.script[1:]
		}
		if status == http.StatusCreated {
			var docs []model.Envelope
			if err := json.NewDecoder(r.Body).Decode(&docs); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			s.persisted = append(s.persisted, docs)
		}
		w.WriteHeader(status)
	}
}

func (s *collectorStub) batches() [][]model.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persisted
}

func newTestConsumer(t *testing.T, brokerAddr, collectorURL string) *Consumer {
	t.Helper()
	cfg := config.SubscriptionConfig{
		Name:   "qa-sub",
		AppEnv: "qa",
		Broker: config.BrokerConfig{Addr: brokerAddr},
		Stream: testStream,
		Group:  testGroup,

		PrefetchCount:            1000,
		BatchMaxSizeInMB:         1,
		BatchMaxNumberOfMessages: 100,
		BatchMaxWindowInSeconds:  5,
	}
	return New(cfg, testCollectorConfig(collectorURL), normalizer.New(normalizer.DefaultOptions()))
}

func taskEventJSON(eventType, uuid string, ts float64) string {
	return fmt.Sprintf(`{"type":%q,"uuid":%q,"timestamp":%v,"utcoffset":0,"pid":1,"clock":1,"hostname":"worker@host"}`,
		eventType, uuid, ts)
}

func publish(t *testing.T, rdb *redis.Client, payload string) string {
	t.Helper()
	id, err := rdb.XAdd(context.Background(), &redis.XAddArgs{
		Stream: testStream,
		Values: map[string]interface{}{"payload": payload},
	}).Result()
	require.NoError(t, err)
	return id
}

// claim reads new deliveries into the consumer's batch the way the consume
// loop does, without entering the loop itself.
func claim(t *testing.T, c *Consumer) int {
	t.Helper()
	streams, err := c.rdb.XReadGroup(context.Background(), &redis.XReadGroupArgs{
		Group:    testGroup,
		Consumer: c.name,
		Streams:  []string{testStream, ">"},
		Count:    100,
		Block:    50 * time.Millisecond,
	}).Result()
	require.NoError(t, err)

	messages := streamMessages(streams)
	for _, msg := range messages {
		c.batch.Append(msg.ID, messageBody(msg))
	}
	return len(messages)
}

// pendingCount re-reads the consumer's pending entries list.
func pendingCount(t *testing.T, c *Consumer) int {
	t.Helper()
	streams, err := c.rdb.XReadGroup(context.Background(), &redis.XReadGroupArgs{
		Group:    testGroup,
		Consumer: c.name,
		Streams:  []string{testStream, "0"},
		Count:    100,
		Block:    -1,
	}).Result()
	require.NoError(t, err)
	return len(streamMessages(streams))
}

// TestConsumerFlushAcksOnlyAfterPersist tests that a rejected flush leaves
// every message pending on the broker and that the retry acknowledges the
// whole batch in one pass once the collector confirms persistence.
func TestConsumerFlushAcksOnlyAfterPersist(t *testing.T) {
	mr := miniredis.RunT(t)
	stub := &collectorStub{script: []int{503, 201}}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	c := newTestConsumer(t, mr.Addr(), srv.URL)
	ctx := context.Background()
	require.NoError(t, c.connect(ctx))
	defer c.closeBroker(ctx)

	publish(t, c.rdb, taskEventJSON("task-sent", "task-1", 1693526400.1))
	publish(t, c.rdb, taskEventJSON("task-received", "task-1", 1693526400.2))
	publish(t, c.rdb, taskEventJSON("task-started", "task-1", 1693526400.3))
	require.Equal(t, 3, claim(t, c))

	err := c.flush(ctx)
	require.ErrorIs(t, err, errCollectorUnavailable)
	assert.Equal(t, 3, c.batch.Len(), "failed flush must keep the batch for retry")
	assert.Equal(t, 3, pendingCount(t, c), "nothing may be acked on failure")
	assert.Empty(t, stub.batches())

	require.NoError(t, c.flush(ctx))
	assert.Equal(t, 0, c.batch.Len())
	assert.Equal(t, 0, pendingCount(t, c), "persisted batch must be fully acked")

	batches := stub.batches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1, "three events for one task reduce to one document")
	doc := batches[0][0]
	require.Equal(t, model.KindTask, doc.Kind)
	assert.Equal(t, "task-1", doc.Task.UUID)
	assert.Equal(t, model.StateStarted, doc.Task.State)
	assert.Equal(t, int64(3), doc.Task.EventsCount)
}

// TestConsumerFlushAcceptedNoOp tests that an accepted-but-unpersisted
// response clears the buffer without acknowledging, so the broker
// redelivers the messages later.
func TestConsumerFlushAcceptedNoOp(t *testing.T) {
	mr := miniredis.RunT(t)
	stub := &collectorStub{script: []int{200}}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	c := newTestConsumer(t, mr.Addr(), srv.URL)
	ctx := context.Background()
	require.NoError(t, c.connect(ctx))
	defer c.closeBroker(ctx)

	publish(t, c.rdb, taskEventJSON("task-sent", "task-2", 1693526400.1))
	publish(t, c.rdb, taskEventJSON("task-sent", "task-3", 1693526400.2))
	require.Equal(t, 2, claim(t, c))
	c.cursor = ">"

	require.NoError(t, c.flush(ctx))
	assert.Equal(t, 0, c.batch.Len())
	assert.Equal(t, 2, pendingCount(t, c), "no-op response must not ack")
	assert.Equal(t, "0", c.cursor, "retained entries must be re-read, not parked until reconnect")
	assert.Empty(t, stub.batches())
}

// TestConsumerAdoptsCrashedConsumerEntries tests that entries delivered to
// a consumer that died without acking are claimed by its replacement, whose
// name differs per process, instead of sitting in the dead consumer's
// pending list forever.
func TestConsumerAdoptsCrashedConsumerEntries(t *testing.T) {
	mr := miniredis.RunT(t)
	stub := &collectorStub{}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	ctx := context.Background()

	crashed := newTestConsumer(t, mr.Addr(), srv.URL)
	require.NoError(t, crashed.connect(ctx))
	publish(t, crashed.rdb, taskEventJSON("task-sent", "task-9", 1693526400.1))
	require.Equal(t, 1, claim(t, crashed))
	crashed.closeBroker(ctx) // dies without acking

	replacement := newTestConsumer(t, mr.Addr(), srv.URL)
	require.NotEqual(t, crashed.name, replacement.name)
	require.NoError(t, replacement.connect(ctx))
	defer replacement.closeBroker(ctx)

	require.Equal(t, 1, pendingCount(t, replacement), "stranded entry must be adopted on connect")

	// The adopted entry flows through the normal pipeline: buffer from the
	// pending cursor, flush, ack.
	streams, err := replacement.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    testGroup,
		Consumer: replacement.name,
		Streams:  []string{testStream, replacement.cursor},
		Count:    100,
		Block:    -1,
	}).Result()
	require.NoError(t, err)
	for _, msg := range streamMessages(streams) {
		replacement.batch.Append(msg.ID, messageBody(msg))
	}
	require.NoError(t, replacement.flush(ctx))
	assert.Equal(t, 0, pendingCount(t, replacement))

	batches := stub.batches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	assert.Equal(t, "task-9", batches[0][0].Task.UUID)
}

// TestConsumerFlushUnreachableCollector tests that a transport failure is
// reported as a backoff condition, not a fatal error.
func TestConsumerFlushUnreachableCollector(t *testing.T) {
	mr := miniredis.RunT(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := newTestConsumer(t, mr.Addr(), srv.URL)
	ctx := context.Background()
	require.NoError(t, c.connect(ctx))
	defer c.closeBroker(ctx)

	publish(t, c.rdb, taskEventJSON("task-sent", "task-4", 1693526400.1))
	require.Equal(t, 1, claim(t, c))

	err := c.flush(ctx)
	assert.ErrorIs(t, err, errCollectorUnavailable)
	assert.Equal(t, 1, pendingCount(t, c))
}

// TestConsumerConnectIdempotent tests that reconnecting re-declares the
// consumer group without failing on the existing one and rewinds the read
// cursor to the pending backlog.
func TestConsumerConnectIdempotent(t *testing.T) {
	mr := miniredis.RunT(t)
	srv := httptest.NewServer((&collectorStub{}).handler())
	defer srv.Close()

	c := newTestConsumer(t, mr.Addr(), srv.URL)
	ctx := context.Background()

	require.NoError(t, c.connect(ctx))
	assert.Equal(t, "0", c.cursor)
	assert.Equal(t, StateReady, c.State())
	c.closeBroker(ctx)

	// Second connect hits BUSYGROUP on the declare; it must be absorbed.
	require.NoError(t, c.connect(ctx))
	assert.Equal(t, "0", c.cursor)
	c.closeBroker(ctx)
}

// TestBuildDocumentsDropsInvalidEvents tests that undecodable payloads and
// events failing validation are dropped without poisoning the rest of the
// batch, and that list payloads are unpacked event by event.
func TestBuildDocumentsDropsInvalidEvents(t *testing.T) {
	c := newTestConsumer(t, "unused:6379", "http://unused")

	c.batch.Append("1-0", []byte(taskEventJSON("task-sent", "task-a", 1693526400.1)))
	c.batch.Append("2-0", []byte("{not json"))
	c.batch.Append("3-0", []byte(fmt.Sprintf("[%s,%s]",
		taskEventJSON("task-received", "task-a", 1693526400.2),
		taskEventJSON("task-sent", "task-b", 1693526400.3))))
	// Missing uuid fails validation.
	c.batch.Append("4-0", []byte(`{"type":"task-sent","timestamp":1693526400.4,"utcoffset":0,"pid":1,"clock":1,"hostname":"worker@host"}`))

	docs := c.buildDocuments(context.Background())
	require.Len(t, docs, 2)

	byUUID := map[string]model.Envelope{}
	for _, doc := range docs {
		byUUID[doc.Task.UUID] = doc
	}
	require.Contains(t, byUUID, "task-a")
	require.Contains(t, byUUID, "task-b")
	assert.Equal(t, model.StateReceived, byUUID["task-a"].Task.State)
	assert.Equal(t, int64(2), byUUID["task-a"].Task.EventsCount)
	assert.Equal(t, model.StateQueued, byUUID["task-b"].Task.State)
}

// TestMessageBody tests payload extraction and the fallback for producers
// that spread the event over entry fields.
func TestMessageBody(t *testing.T) {
	body := messageBody(redis.XMessage{Values: map[string]interface{}{"payload": `{"type":"task-sent"}`}})
	assert.Equal(t, `{"type":"task-sent"}`, string(body))

	body = messageBody(redis.XMessage{Values: map[string]interface{}{"type": "task-sent", "uuid": "t"}})
	var fields map[string]string
	require.NoError(t, json.Unmarshal(body, &fields))
	assert.Equal(t, "task-sent", fields["type"])
	assert.Equal(t, "t", fields["uuid"])
}

// TestFlattenBody tests the single-object and list payload shapes.
func TestFlattenBody(t *testing.T) {
	assert.Nil(t, flattenBody(nil))
	assert.Nil(t, flattenBody([]byte("   ")))
	assert.Nil(t, flattenBody([]byte("[not json")))

	single := flattenBody([]byte(` {"type":"task-sent"} `))
	require.Len(t, single, 1)
	assert.JSONEq(t, `{"type":"task-sent"}`, string(single[0]))

	list := flattenBody([]byte(`[{"type":"task-sent"},{"type":"worker-heartbeat"}]`))
	require.Len(t, list, 2)
	assert.JSONEq(t, `{"type":"worker-heartbeat"}`, string(list[1]))
}

// TestReconnectDelayBounds tests the exponential backoff envelope: base
// delay on the first attempt, capped thereafter, jitter never exceeding a
// quarter of the delay.
func TestReconnectDelayBounds(t *testing.T) {
	for i := 0; i < 50; i++ {
		first := reconnectDelay(1)
		assert.GreaterOrEqual(t, first, reconnectBaseDelay)
		assert.LessOrEqual(t, first, reconnectBaseDelay+reconnectBaseDelay/4)

		capped := reconnectDelay(30)
		assert.GreaterOrEqual(t, capped, reconnectMaxDelay)
		assert.LessOrEqual(t, capped, reconnectMaxDelay+reconnectMaxDelay/4)
	}
}
