package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"encore.app/internal/bus"
	"encore.app/internal/dedup"
	"encore.app/internal/fingerprint"
	"encore.app/internal/observability"
	"encore.app/internal/wire"
	"encore.app/resultstore"
)

// memStore is an in-memory ResultStore with the same conditional-claim
// semantics as the Postgres-backed one.
type memStore struct {
	mu      sync.Mutex
	entries map[string]resultstore.CacheEntry
	findErr error
}

func newMemStore() *memStore {
	return &memStore{entries: map[string]resultstore.CacheEntry{}}
}

func (m *memStore) Find(ctx context.Context, key string) (resultstore.CacheEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return resultstore.CacheEntry{}, false, m.findErr
	}
	e, ok := m.entries[key]
	return e, ok, nil
}

func (m *memStore) Upsert(ctx context.Context, e resultstore.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Key] = e
	return nil
}

func (m *memStore) MarkInProgress(ctx context.Context, key string, msg wire.Message, staleAfter time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok &&
		e.Status == resultstore.StatusInProgress && time.Since(e.Date) < staleAfter {
		return false, nil
	}
	body, _ := json.Marshal(msg)
	m.entries[key] = resultstore.CacheEntry{
		Key: key, MessageJSON: body,
		Status: resultstore.StatusInProgress, Date: time.Now(),
	}
	return true, nil
}

// fakeRouter counts invocations and stamps an artifact on success.
type fakeRouter struct {
	calls atomic.Int64
	delay time.Duration
	fail  bool
}

func (f *fakeRouter) Route(ctx context.Context, msg wire.Message) (wire.Message, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail {
		msg.SetError("handler blew up")
		return msg, errors.New("handler blew up")
	}
	msg.Artifact.SignedURL = "https://signed.example/" + msg.Key + ".png"
	return msg, nil
}

// recordingPublisher records (topic, body) pairs.
type recordingPublisher struct {
	mu      sync.Mutex
	replies []wire.Message
	topics  []string
}

func (p *recordingPublisher) Publish(ctx context.Context, topic string, body []byte) error {
	m, err := wire.FromJSON(body)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.replies = append(p.replies, m)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.replies)
}

func newTestService(store *memStore, rt Router, pub bus.Publisher) *Service {
	return New(store, rt, dedup.New(), &observability.Metrics{}, pub, 24*time.Hour, time.Hour, 15)
}

func request(cid string) wire.Message {
	return wire.Message{
		ID:            1.0,
		ReplyTopic:    "R",
		CorrelationID: cid,
		Params: wire.Params{
			Args:   []string{"etf_us_tqqq", "etf_us_qld", "etf_us_qqq"},
			Kwargs: wire.Kwargs{UploadToAWS: true},
		},
	}
}

func TestProcess_MissRunsHandlerAndPersistsDone(t *testing.T) {
	store := newMemStore()
	rt := &fakeRouter{}
	s := newTestService(store, rt, nil)

	out := s.Process(context.Background(), request("C1"))

	if rt.calls.Load() != 1 {
		t.Errorf("handler ran %d times, want 1", rt.calls.Load())
	}
	want := fingerprint.Of(request("C1"))
	if out.Key != want {
		t.Errorf("reply key = %q, want fingerprint %q", out.Key, want)
	}
	if out.CorrelationID != "C1" {
		t.Errorf("correlation id = %q", out.CorrelationID)
	}
	if out.ErrorTag != "" {
		t.Errorf("error tag = %q, want empty", out.ErrorTag)
	}

	e, ok, _ := store.Find(context.Background(), want)
	if !ok || e.Status != resultstore.StatusDone {
		t.Errorf("stored entry = %+v, want DONE", e)
	}
}

func TestProcess_SecondRequestServedFromCache(t *testing.T) {
	store := newMemStore()
	rt := &fakeRouter{}
	s := newTestService(store, rt, nil)

	first := s.Process(context.Background(), request("C1"))
	second := s.Process(context.Background(), request("C2"))

	if rt.calls.Load() != 1 {
		t.Errorf("handler ran %d times, want 1 (second served from cache)", rt.calls.Load())
	}
	if second.Artifact.SignedURL != first.Artifact.SignedURL {
		t.Errorf("cached reply artifact %q != original %q", second.Artifact.SignedURL, first.Artifact.SignedURL)
	}
	if second.CorrelationID != "C2" {
		t.Errorf("cached reply correlation id = %q, want the current request's C2", second.CorrelationID)
	}
	if second.Key != first.Key {
		t.Errorf("cached reply key = %q, want %q", second.Key, first.Key)
	}
}

func TestProcess_ExpiredEntryReprocesses(t *testing.T) {
	store := newMemStore()
	rt := &fakeRouter{}
	s := newTestService(store, rt, nil)

	msg := request("C1")
	key := fingerprint.Of(msg)
	body, _ := msg.ToJSON()
	store.entries[key] = resultstore.CacheEntry{
		Key: key, MessageJSON: body,
		Status: resultstore.StatusDone,
		Date:   time.Now().Add(-25 * time.Hour),
	}

	s.Process(context.Background(), msg)
	if rt.calls.Load() != 1 {
		t.Errorf("handler ran %d times, want 1 (entry older than TTL)", rt.calls.Load())
	}
}

func TestProcess_InProgressSkipsHandler(t *testing.T) {
	store := newMemStore()
	rt := &fakeRouter{}
	s := newTestService(store, rt, nil)

	msg := request("C1")
	key := fingerprint.Of(msg)
	store.entries[key] = resultstore.CacheEntry{
		Key: key, Status: resultstore.StatusInProgress, Date: time.Now(),
	}

	out := s.Process(context.Background(), msg)

	if rt.calls.Load() != 0 {
		t.Error("handler must not run while the key is in progress")
	}
	if out.ExceptionMessage == "" {
		t.Error("expected a still-processing notice")
	}
	if out.ErrorTag != "" {
		t.Errorf("in-progress skip is not an error, got tag %q", out.ErrorTag)
	}
	if out.CorrelationID != "C1" {
		t.Errorf("correlation id = %q", out.CorrelationID)
	}
}

func TestProcess_HandlerErrorStillRepliesAndPersists(t *testing.T) {
	store := newMemStore()
	rt := &fakeRouter{fail: true}
	s := newTestService(store, rt, nil)

	out := s.Process(context.Background(), request("C1"))

	if out.ErrorTag != "Error" {
		t.Errorf("error tag = %q, want Error", out.ErrorTag)
	}
	if out.ExceptionMessage != "handler blew up" {
		t.Errorf("exception message = %q", out.ExceptionMessage)
	}

	e, ok, _ := store.Find(context.Background(), out.Key)
	if !ok || e.Status != resultstore.StatusDone {
		t.Error("errored result must still be persisted as DONE")
	}
}

func TestProcess_ClearsClientSuppliedState(t *testing.T) {
	store := newMemStore()
	s := newTestService(store, &fakeRouter{}, nil)

	msg := request("C1")
	msg.Key = "client-forged-key"
	msg.ErrorTag = "Error"
	msg.ExceptionMessage = "stale"

	out := s.Process(context.Background(), msg)

	if out.Key == "client-forged-key" {
		t.Error("client-supplied key must be overwritten with the fingerprint")
	}
	if out.ErrorTag != "" || out.ExceptionMessage != "" {
		t.Error("error fields must be cleared on entry")
	}
	if out.Date.IsZero() {
		t.Error("date must be stamped at processing time")
	}
}

func TestProcess_ConcurrentDuplicatesRunHandlerOnce(t *testing.T) {
	store := newMemStore()
	rt := &fakeRouter{delay: 20 * time.Millisecond}
	s := newTestService(store, rt, nil)

	const n = 5
	var wg sync.WaitGroup
	outs := make([]wire.Message, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i] = s.Process(context.Background(), request("C1"))
		}(i)
	}
	wg.Wait()

	if rt.calls.Load() != 1 {
		t.Errorf("handler ran %d times for %d concurrent duplicates, want 1", rt.calls.Load(), n)
	}
	for i, out := range outs {
		if out.Key != outs[0].Key {
			t.Errorf("reply %d has key %q, want %q", i, out.Key, outs[0].Key)
		}
	}
}

func TestHandleDelivery_PublishesAndAcksOnce(t *testing.T) {
	store := newMemStore()
	pub := &recordingPublisher{}
	s := newTestService(store, &fakeRouter{}, pub)

	var acks atomic.Int64
	body, _ := request("C1").ToJSON()
	s.handleDelivery(context.Background(), bus.Delivery{
		Body: body,
		Ack:  func() { acks.Add(1) },
	})

	if acks.Load() != 1 {
		t.Errorf("acks = %d, want exactly 1", acks.Load())
	}
	if pub.count() != 1 {
		t.Errorf("publishes = %d, want exactly 1", pub.count())
	}
	if pub.topics[0] != "R" {
		t.Errorf("published to %q, want the request's reply topic", pub.topics[0])
	}
}

func TestHandleDelivery_MalformedMessageAckedAndDropped(t *testing.T) {
	pub := &recordingPublisher{}
	s := newTestService(newMemStore(), &fakeRouter{}, pub)

	var acks atomic.Int64
	s.handleDelivery(context.Background(), bus.Delivery{
		Body: []byte(`{"id":`),
		Ack:  func() { acks.Add(1) },
	})

	if acks.Load() != 1 {
		t.Errorf("acks = %d, want 1 (malformed messages are dropped, not retried)", acks.Load())
	}
	if pub.count() != 0 {
		t.Error("malformed message must not produce a reply")
	}
}

func TestHandleDelivery_MissingReplyTopicDropped(t *testing.T) {
	pub := &recordingPublisher{}
	s := newTestService(newMemStore(), &fakeRouter{}, pub)

	var acks atomic.Int64
	body, _ := (wire.Message{ID: 1.0}).ToJSON()
	s.handleDelivery(context.Background(), bus.Delivery{
		Body: body,
		Ack:  func() { acks.Add(1) },
	})

	if acks.Load() != 1 || pub.count() != 0 {
		t.Errorf("acks = %d publishes = %d, want 1 and 0", acks.Load(), pub.count())
	}
}

type chanSubscriber struct {
	ch chan bus.Delivery
}

func (c chanSubscriber) Deliveries() <-chan bus.Delivery { return c.ch }

func TestRun_ExactlyOneAckPerDelivery(t *testing.T) {
	store := newMemStore()
	pub := &recordingPublisher{}
	s := newTestService(store, &fakeRouter{}, pub)

	sub := chanSubscriber{ch: make(chan bus.Delivery, 8)}
	var acks atomic.Int64

	requests := []wire.Message{request("C1"), request("C2"), {ID: 4.0, ReplyTopic: "R", CorrelationID: "C3"}}
	for _, m := range requests {
		body, _ := m.ToJSON()
		sub.ch <- bus.Delivery{Body: body, Ack: func() { acks.Add(1) }}
	}
	sub.ch <- bus.Delivery{Body: []byte("garbage"), Ack: func() { acks.Add(1) }}
	close(sub.ch)

	if err := s.Run(context.Background(), sub); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if acks.Load() != 4 {
		t.Errorf("acks = %d, want 4 (one per delivery, all paths)", acks.Load())
	}
	if pub.count() != 3 {
		t.Errorf("publishes = %d, want 3 (garbage delivery produces none)", pub.count())
	}
}
