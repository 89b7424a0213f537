package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"floortrader/internal/kvstore"
	"floortrader/internal/market"
	"floortrader/internal/pipeline"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func tickAt(i int, mid string) market.Tick {
	m := d(mid)
	half := d("0.0001")
	return market.NewTick("EUR_USD", t0.Add(time.Duration(i)*time.Second), m.Sub(half), m.Add(half))
}

// sliceReader replays a fixed tick slice in chunks. between runs after
// each chunk, letting tests cancel mid-range.
type sliceReader struct {
	ticks   []market.Tick
	between func()
	err     error
}

func (r *sliceReader) ReadRange(ctx context.Context, instrument string, from, to time.Time, chunkSize int, fn func([]market.Tick) error) error {
	if r.err != nil {
		return r.err
	}
	for start := 0; start < len(r.ticks); start += chunkSize {
		end := start + chunkSize
		if end > len(r.ticks) {
			end = len(r.ticks)
		}
		if err := fn(r.ticks[start:end]); err != nil {
			return err
		}
		if r.between != nil {
			r.between()
		}
	}
	return nil
}

// captureWriter records upserted batches; failures counts down before
// writes start succeeding.
type captureWriter struct {
	mu       sync.Mutex
	batches  [][]market.Tick
	failures int
}

func (w *captureWriter) UpsertBatch(_ context.Context, ticks []market.Tick) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return errors.New("storage unavailable")
	}
	batch := append([]market.Tick(nil), ticks...)
	w.batches = append(w.batches, batch)
	return nil
}

func (w *captureWriter) all() []market.Tick {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []market.Tick
	for _, b := range w.batches {
		out = append(out, b...)
	}
	return out
}

// notifyingChannel signals once a subscriber is registered, so tests can
// publish without racing the subscription.
type notifyingChannel struct {
	*pipeline.MemoryChannel
	once       sync.Once
	subscribed chan struct{}
}

func newNotifyingChannel() *notifyingChannel {
	return &notifyingChannel{MemoryChannel: pipeline.NewMemoryChannel(), subscribed: make(chan struct{})}
}

func (c *notifyingChannel) Subscribe(ctx context.Context, subject string) (<-chan market.Message, func(), error) {
	msgs, cancel, err := c.MemoryChannel.Subscribe(ctx, subject)
	if err == nil {
		c.once.Do(func() { close(c.subscribed) })
	}
	return msgs, cancel, err
}

// blockingStream never produces a tick; Recv parks until its context
// ends, like a live feed in a quiet market.
type blockingStream struct{}

func (blockingStream) Recv(ctx context.Context) (market.Tick, error) {
	<-ctx.Done()
	return market.Tick{}, ctx.Err()
}

type captureScheduler struct {
	mu    sync.Mutex
	tasks []string
}

func (s *captureScheduler) Schedule(_ context.Context, task string, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
	return nil
}

func (s *captureScheduler) scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tasks...)
}

// ============================================================================
// Test: DedupTicks
// ============================================================================

func TestDedupTicks_LastWinsKeepsOrder(t *testing.T) {
	a1 := tickAt(0, "1.1000")
	a2 := tickAt(0, "1.1005") // same (instrument, ts) as a1
	b := tickAt(1, "1.1001")
	c := tickAt(2, "1.1002")

	out := pipeline.DedupTicks([]market.Tick{a1, b, a2, c})
	if len(out) != 3 {
		t.Fatalf("deduped length = %d, want 3", len(out))
	}
	if !out[0].Timestamp.Equal(b.Timestamp) {
		t.Errorf("first kept tick = %v, want order preserved", out[0].Timestamp)
	}
	if !out[1].Mid.Equal(a2.Mid) {
		t.Errorf("duplicate resolved to %s, want the later value %s", out[1].Mid, a2.Mid)
	}
	if !out[2].Timestamp.Equal(c.Timestamp) {
		t.Error("trailing tick lost")
	}
}

func TestDedupTicks_DistinctInstruments(t *testing.T) {
	eur := tickAt(0, "1.1000")
	jpy := market.NewTick("USD_JPY", t0, d("150.00"), d("150.02"))
	out := pipeline.DedupTicks([]market.Tick{eur, jpy})
	if len(out) != 2 {
		t.Errorf("same timestamp on different instruments must not collapse, got %d", len(out))
	}
}

// ============================================================================
// Test: Lock
// ============================================================================

func TestLock_SingletonContention(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory(0)

	first := pipeline.NewLock(kv, pipeline.PublisherLockKey("req-1"))
	second := pipeline.NewLock(kv, pipeline.PublisherLockKey("req-1"))

	if err := first.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if err := second.Acquire(ctx); !errors.Is(err, pipeline.ErrLockHeld) {
		t.Errorf("got %v, want ErrLockHeld", err)
	}
	// A different role key is a different singleton.
	other := pipeline.NewLock(kv, pipeline.SubscriberLockKey("req-1"))
	if err := other.Acquire(ctx); err != nil {
		t.Errorf("unrelated role key should acquire: %v", err)
	}

	if err := first.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if err := second.Acquire(ctx); err != nil {
		t.Errorf("released lock should be acquirable: %v", err)
	}
}

func TestLock_RefreshAfterTakeoverFails(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory(30 * time.Second)
	now := t0
	kv.SetClock(func() time.Time { return now })

	holder := pipeline.NewLock(kv, pipeline.SupervisorLockKey)
	if err := holder.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if err := holder.Refresh(ctx); err != nil {
		t.Fatalf("live refresh failed: %v", err)
	}

	// The holder stalls past the TTL and a rival takes over.
	now = now.Add(time.Minute)
	rival := pipeline.NewLock(kv, pipeline.SupervisorLockKey)
	if err := rival.Acquire(ctx); err != nil {
		t.Fatalf("rival should take over an expired lock: %v", err)
	}
	if err := holder.Refresh(ctx); err == nil {
		t.Error("stale holder refresh should fail after takeover")
	}
	// The failed refresh drops the handle: release must not delete the
	// rival's lock.
	if err := holder.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if exists, _ := pipeline.LockExists(ctx, kv, pipeline.SupervisorLockKey); !exists {
		t.Error("stale holder release removed the rival's lock")
	}
}

func TestLock_StaleReleaseLeavesRivalLock(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory(30 * time.Second)
	now := t0
	kv.SetClock(func() time.Time { return now })

	holder := pipeline.NewLock(kv, pipeline.SupervisorLockKey)
	if err := holder.Acquire(ctx); err != nil {
		t.Fatal(err)
	}

	// The holder stalls past the TTL without ever noticing; a rival takes
	// the key. The stale holder's release must not remove it.
	now = now.Add(time.Minute)
	rival := pipeline.NewLock(kv, pipeline.SupervisorLockKey)
	if err := rival.Acquire(ctx); err != nil {
		t.Fatalf("rival should take over an expired lock: %v", err)
	}

	if err := holder.Release(ctx); err != nil {
		t.Fatalf("stale release should be a no-op, got %v", err)
	}
	if exists, _ := pipeline.LockExists(ctx, kv, pipeline.SupervisorLockKey); !exists {
		t.Fatal("stale holder release removed the rival's lock")
	}
	if err := rival.Refresh(ctx); err != nil {
		t.Errorf("rival's lock should still refresh: %v", err)
	}
}

func TestLockExists(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory(0)
	if exists, err := pipeline.LockExists(ctx, kv, "publisher.req-1"); err != nil || exists {
		t.Errorf("exists=%v err=%v, want absent", exists, err)
	}
	l := pipeline.NewLock(kv, "publisher.req-1")
	if err := l.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if exists, _ := pipeline.LockExists(ctx, kv, "publisher.req-1"); !exists {
		t.Error("held lock should exist")
	}
}

// ============================================================================
// Test: MemoryChannel
// ============================================================================

func TestMemoryChannel_DeliversAfterSubscribe(t *testing.T) {
	ctx := context.Background()
	ch := pipeline.NewMemoryChannel()
	subject := pipeline.SubjectForRequest("req-1")

	// Published before anyone listens: dropped, like a live subject.
	if err := ch.Publish(ctx, subject, market.TickMessage("req-1", tickAt(0, "1.1000"))); err != nil {
		t.Fatal(err)
	}

	msgs, cancel, err := ch.Subscribe(ctx, subject)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	if err := ch.Publish(ctx, subject, market.EOFMessage("req-1", "EUR_USD", 1)); err != nil {
		t.Fatal(err)
	}
	msg := <-msgs
	if msg.Type != market.MessageEOF {
		t.Errorf("got %s, want the post-subscribe message only", msg.Type)
	}
	select {
	case extra := <-msgs:
		t.Errorf("unexpected extra message %s", extra.Type)
	default:
	}
}

// ============================================================================
// Test: Publisher
// ============================================================================

func publisherFixture(reqID string) (*pipeline.MemoryChannel, *kvstore.Memory, pipeline.PublisherConfig) {
	cfg := pipeline.PublisherConfig{RequestID: reqID, Instrument: "EUR_USD", ChunkSize: 2}
	return pipeline.NewMemoryChannel(), kvstore.NewMemory(0), cfg
}

func TestPublisher_HistoricalEmitsTicksThenEOF(t *testing.T) {
	ctx := context.Background()
	ch, kv, cfg := publisherFixture("req-1")
	subject := pipeline.SubjectForRequest("req-1")
	msgs, cancel, err := ch.Subscribe(ctx, subject)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	reader := &sliceReader{ticks: []market.Tick{tickAt(0, "1.1000"), tickAt(1, "1.1001"), tickAt(2, "1.1002")}}
	p := pipeline.NewPublisher(ch, pipeline.NewLock(kv, pipeline.PublisherLockKey("req-1")), cfg, zerolog.Nop())
	if err := p.RunHistorical(ctx, reader, t0, t0.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	var got []market.Message
	for i := 0; i < 4; i++ {
		got = append(got, <-msgs)
	}
	for i := 0; i < 3; i++ {
		if got[i].Type != market.MessageTick {
			t.Fatalf("message %d = %s, want tick", i, got[i].Type)
		}
		tick, err := got[i].Tick()
		if err != nil {
			t.Fatal(err)
		}
		if !tick.Timestamp.Equal(t0.Add(time.Duration(i) * time.Second)) {
			t.Errorf("tick %d out of order: %v", i, tick.Timestamp)
		}
	}
	if got[3].Type != market.MessageEOF || got[3].Count != 3 {
		t.Errorf("terminal = %s count %d, want eof with 3", got[3].Type, got[3].Count)
	}

	// The lock is released after the run.
	if exists, _ := pipeline.LockExists(ctx, kv, pipeline.PublisherLockKey("req-1")); exists {
		t.Error("publisher should release its lock on exit")
	}
}

func TestPublisher_SecondInstanceLockedOut(t *testing.T) {
	ctx := context.Background()
	ch, kv, cfg := publisherFixture("req-1")
	holder := pipeline.NewLock(kv, pipeline.PublisherLockKey("req-1"))
	if err := holder.Acquire(ctx); err != nil {
		t.Fatal(err)
	}

	p := pipeline.NewPublisher(ch, pipeline.NewLock(kv, pipeline.PublisherLockKey("req-1")), cfg, zerolog.Nop())
	err := p.RunHistorical(ctx, &sliceReader{}, t0, t0.Add(time.Hour))
	if !errors.Is(err, pipeline.ErrLockHeld) {
		t.Errorf("got %v, want ErrLockHeld", err)
	}
}

func TestPublisher_CancelledRunEmitsStoppedMarker(t *testing.T) {
	ctx, cancelRun := context.WithCancel(context.Background())
	ch, kv, cfg := publisherFixture("req-1")
	subject := pipeline.SubjectForRequest("req-1")
	msgs, cancel, err := ch.Subscribe(context.Background(), subject)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	reader := &sliceReader{
		ticks:   []market.Tick{tickAt(0, "1.1000"), tickAt(1, "1.1001"), tickAt(2, "1.1002"), tickAt(3, "1.1003")},
		between: cancelRun,
	}
	p := pipeline.NewPublisher(ch, pipeline.NewLock(kv, pipeline.PublisherLockKey("req-1")), cfg, zerolog.Nop())
	if err := p.RunHistorical(ctx, reader, t0, t0.Add(time.Hour)); err != nil {
		t.Fatalf("a requested stop is a clean exit, got %v", err)
	}

	var last market.Message
	for {
		msg := <-msgs
		if msg.Type != market.MessageTick {
			last = msg
			break
		}
	}
	if last.Type != market.MessageStopped {
		t.Errorf("terminal = %s, want stopped", last.Type)
	}
	if last.Count != 2 {
		t.Errorf("count = %d, want the 2 ticks published before the stop", last.Count)
	}
}

func TestPublisher_LiveRefreshesLockWhileStreamQuiet(t *testing.T) {
	ctx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	ch := pipeline.NewMemoryChannel()
	kv := kvstore.NewMemory(0)
	key := pipeline.PublisherLockKey("req-1")
	cfg := pipeline.PublisherConfig{RequestID: "req-1", Instrument: "EUR_USD",
		LockRefresh: 5 * time.Millisecond}
	p := pipeline.NewPublisher(ch, pipeline.NewLock(kv, key), cfg, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- p.RunLive(ctx, blockingStream{}) }()

	// The lock key's revision advancing past the acquire proves a
	// refresh landed while Recv sat blocked on the quiet stream.
	deadline := time.Now().Add(5 * time.Second)
	var initial uint64
	for {
		_, rev, err := kv.Get(ctx, key)
		if err == nil {
			if initial == 0 {
				initial = rev
			} else if rev > initial {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("lock revision never advanced while the stream was quiet")
		}
		time.Sleep(time.Millisecond)
	}

	cancelRun()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("cancelled live run should exit clean, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("live publisher did not exit on cancel")
	}
}

func TestPublisher_ReaderErrorEmitsErrorMarker(t *testing.T) {
	ctx := context.Background()
	ch, kv, cfg := publisherFixture("req-1")
	subject := pipeline.SubjectForRequest("req-1")
	msgs, cancel, err := ch.Subscribe(ctx, subject)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	reader := &sliceReader{err: errors.New("disk failure")}
	p := pipeline.NewPublisher(ch, pipeline.NewLock(kv, pipeline.PublisherLockKey("req-1")), cfg, zerolog.Nop())
	if err := p.RunHistorical(ctx, reader, t0, t0.Add(time.Hour)); err == nil {
		t.Fatal("reader failure should surface")
	}

	msg := <-msgs
	if msg.Type != market.MessageError || msg.ErrMessage == "" {
		t.Errorf("terminal = %s %q, want an error marker", msg.Type, msg.ErrMessage)
	}
}

// ============================================================================
// Test: Subscriber
// ============================================================================

func TestSubscriber_PersistsUntilEOF(t *testing.T) {
	ctx := context.Background()
	ch := newNotifyingChannel()
	kv := kvstore.NewMemory(0)
	writer := &captureWriter{}
	subject := pipeline.SubjectForRequest("req-1")

	sub := pipeline.NewSubscriber(ch, writer,
		pipeline.NewLock(kv, pipeline.SubscriberLockKey("req-1")),
		pipeline.SubscriberConfig{Subject: subject, BatchSize: 2}, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()
	<-ch.subscribed

	dup := tickAt(1, "1.1099")
	for _, tick := range []market.Tick{tickAt(0, "1.1000"), tickAt(1, "1.1001"), dup, tickAt(2, "1.1002")} {
		if err := ch.Publish(ctx, subject, market.TickMessage("req-1", tick)); err != nil {
			t.Fatal(err)
		}
	}
	if err := ch.Publish(ctx, subject, market.EOFMessage("req-1", "EUR_USD", 4)); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("subscriber run failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not exit on the eof marker")
	}

	got := pipeline.DedupTicks(writer.all())
	if len(got) != 3 {
		t.Fatalf("persisted %d distinct ticks, want 3", len(got))
	}
	for _, tick := range got {
		if tick.Timestamp.Equal(dup.Timestamp) && !tick.Mid.Equal(dup.Mid) {
			t.Errorf("duplicate timestamp kept %s, want the later value %s", tick.Mid, dup.Mid)
		}
	}
}

func TestSubscriber_RetriesFailedFlushOnDrain(t *testing.T) {
	ctx := context.Background()
	ch := newNotifyingChannel()
	kv := kvstore.NewMemory(0)
	writer := &captureWriter{failures: 1}
	subject := pipeline.SubjectForRequest("req-2")

	sub := pipeline.NewSubscriber(ch, writer,
		pipeline.NewLock(kv, pipeline.SubscriberLockKey("req-2")),
		pipeline.SubscriberConfig{Subject: subject, BatchSize: 2}, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()
	<-ch.subscribed

	// The batch-size flush fails once; the buffer must survive for the
	// drain on eof.
	for i := 0; i < 2; i++ {
		if err := ch.Publish(ctx, subject, market.TickMessage("req-2", tickAt(i, "1.1000"))); err != nil {
			t.Fatal(err)
		}
	}
	if err := ch.Publish(ctx, subject, market.EOFMessage("req-2", "EUR_USD", 2)); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("subscriber run failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not exit")
	}
	if len(writer.all()) != 2 {
		t.Errorf("persisted %d ticks, want 2 after the retry", len(writer.all()))
	}
}

func TestSubscriber_LockedOut(t *testing.T) {
	ctx := context.Background()
	ch := pipeline.NewMemoryChannel()
	kv := kvstore.NewMemory(0)
	holder := pipeline.NewLock(kv, pipeline.SubscriberLockKey("req-1"))
	if err := holder.Acquire(ctx); err != nil {
		t.Fatal(err)
	}

	sub := pipeline.NewSubscriber(ch, &captureWriter{},
		pipeline.NewLock(kv, pipeline.SubscriberLockKey("req-1")),
		pipeline.SubscriberConfig{Subject: pipeline.SubjectForRequest("req-1")}, zerolog.Nop())
	if err := sub.Run(ctx); !errors.Is(err, pipeline.ErrLockHeld) {
		t.Errorf("got %v, want ErrLockHeld", err)
	}
}

// ============================================================================
// Test: Supervisor
// ============================================================================

func TestSupervisor_ReschedulesMissingRoles(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory(0)
	sched := &captureScheduler{}

	// The subscriber's lock is held (role alive); the publisher's is not.
	alive := pipeline.NewLock(kv, pipeline.SubscriberLockKey("req-1"))
	if err := alive.Acquire(ctx); err != nil {
		t.Fatal(err)
	}

	roles := []pipeline.Role{
		{Name: "publisher", LockKey: pipeline.PublisherLockKey("req-1"), Task: "publish-ticks"},
		{Name: "subscriber", LockKey: pipeline.SubscriberLockKey("req-1"), Task: "subscribe-ticks"},
	}

	checks := 0
	sup := pipeline.NewSupervisor(kv, sched, roles,
		pipeline.NewLock(kv, pipeline.SupervisorLockKey),
		pipeline.SupervisorConfig{Interval: 5 * time.Millisecond},
		func(context.Context) (bool, error) {
			checks++
			return checks > 2, nil
		},
		zerolog.Nop())

	if err := sup.Run(ctx); err != nil {
		t.Fatalf("supervisor run failed: %v", err)
	}

	tasks := sched.scheduled()
	if len(tasks) == 0 {
		t.Fatal("dead publisher role was never rescheduled")
	}
	for _, task := range tasks {
		if task != "publish-ticks" {
			t.Errorf("scheduled %q, want only the dead role", task)
		}
	}
	// The supervisor's own lock is released on exit.
	if exists, _ := pipeline.LockExists(ctx, kv, pipeline.SupervisorLockKey); exists {
		t.Error("supervisor should release its lock on exit")
	}
}

func TestSupervisor_SingletonLockedOut(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory(0)
	holder := pipeline.NewLock(kv, pipeline.SupervisorLockKey)
	if err := holder.Acquire(ctx); err != nil {
		t.Fatal(err)
	}

	sup := pipeline.NewSupervisor(kv, &captureScheduler{}, nil,
		pipeline.NewLock(kv, pipeline.SupervisorLockKey),
		pipeline.SupervisorConfig{Interval: time.Millisecond},
		func(context.Context) (bool, error) { return false, nil },
		zerolog.Nop())
	if err := sup.Run(ctx); !errors.Is(err, pipeline.ErrLockHeld) {
		t.Errorf("got %v, want ErrLockHeld", err)
	}
}
