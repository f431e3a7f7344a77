package confirmation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tarancss/xrouter/lib/errs"
	"github.com/tarancss/xrouter/lib/store"
	"github.com/tarancss/xrouter/lib/store/memory"
	"github.com/tarancss/xrouter/lib/types"
)

// gatedCreator blocks every call until released, recording the order of calls and the peak concurrency.
type gatedCreator struct {
	entered chan string
	release chan struct{}

	mu     sync.Mutex
	order  []string
	inFly  int32
	peak   int32
	delay  time.Duration
	failOn string
}

func newGated(buffer int) *gatedCreator {
	return &gatedCreator{entered: make(chan string, buffer), release: make(chan struct{})}
}

func (g *gatedCreator) CreateConfirmationRecord(ctx context.Context, t *types.Transfer, status Status,
	_ string) (*Record, error) {
	n := atomic.AddInt32(&g.inFly, 1)
	defer atomic.AddInt32(&g.inFly, -1)

	for {
		p := atomic.LoadInt32(&g.peak)
		if n <= p || atomic.CompareAndSwapInt32(&g.peak, p, n) {
			break
		}
	}

	g.mu.Lock()
	g.order = append(g.order, t.ID)
	g.mu.Unlock()

	g.entered <- t.ID

	if g.delay > 0 {
		time.Sleep(g.delay)
	} else {
		<-g.release
	}

	if t.ID == g.failOn {
		return nil, errors.New("store unavailable")
	}

	return &Record{ID: RecordID(t.ID, "R1"), TransferID: t.ID, Status: status}, nil
}

func TestAddTaskValidation(t *testing.T) {
	p := NewProcessor(newGated(1), ProcessorConfig{}, WithProcessorLogger(discard))

	if _, err := p.AddConfirmationTask(transfer("t1", "a", "b"), PriorityLow); !errors.Is(err, ErrProcessorStopped) {
		t.Errorf("expected stopped processor error, got %v", err)
	}

	p.Start()
	defer p.Shutdown(context.Background())

	if _, err := p.AddConfirmationTask(nil, PriorityLow); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("expected validation error for nil transfer, got %v", err)
	}

	if _, err := p.AddConfirmationTask(transfer("", "a", "b"), PriorityLow); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("expected validation error for empty id, got %v", err)
	}

	if _, err := p.AddConfirmationTask(transfer("t1", "a", "b"), Priority(7)); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("expected validation error for bad priority, got %v", err)
	}

	if s := p.GetStatistics(); s.SuccessRate != 100 || s.TotalProcessed != 0 || s.QueuedTasks != 0 {
		t.Errorf("unexpected initial statistics %+v", s)
	}
}

func TestConcurrencyLimit(t *testing.T) {
	g := newGated(10)
	g.delay = 20 * time.Millisecond

	p := NewProcessor(g, ProcessorConfig{MaxConcurrent: 5, ProcessingTimeout: time.Minute},
		WithProcessorLogger(discard))
	p.Start()

	defer p.Shutdown(context.Background())

	for i := 0; i < 10; i++ {
		if _, err := p.AddConfirmationTask(transfer(fmt.Sprintf("t%d", i), "a", "b"), PriorityMedium); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)

	for {
		s := p.GetStatistics()
		if s.ActiveTasks > 5 {
			t.Fatalf("active tasks over the limit: %+v", s)
		}

		if s.TotalProcessed == 10 {
			break
		}

		if time.Now().After(deadline) {
			t.Fatalf("tasks did not finish: %+v", s)
		}

		time.Sleep(time.Millisecond)
	}

	if peak := atomic.LoadInt32(&g.peak); peak > 5 || peak < 2 {
		t.Errorf("unexpected peak concurrency %d", peak)
	}

	s := p.GetStatistics()
	if s.SuccessRate != 100 || s.TotalFailed != 0 || s.AverageProcessingTime < 20*time.Millisecond {
		t.Errorf("unexpected statistics %+v", s)
	}
}

func TestPriorityOrdering(t *testing.T) {
	g := newGated(10)
	p := NewProcessor(g, ProcessorConfig{MaxConcurrent: 1, ProcessingTimeout: time.Minute},
		WithProcessorLogger(discard))
	p.Start()

	defer p.Shutdown(context.Background())

	// the first task takes the only worker, the rest wait in the queue
	if _, err := p.AddConfirmationTask(transfer("low-0", "a", "b"), PriorityLow); err != nil {
		t.Fatal(err)
	}

	if id := <-g.entered; id != "low-0" {
		t.Fatalf("unexpected first task %s", id)
	}

	for _, id := range []string{"low-1", "low-2", "low-3"} {
		if _, err := p.AddConfirmationTask(transfer(id, "a", "b"), PriorityLow); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := p.AddConfirmationTask(transfer("medium", "a", "b"), PriorityMedium); err != nil {
		t.Fatal(err)
	}

	if _, err := p.AddConfirmationTask(transfer("high", "a", "b"), PriorityHigh); err != nil {
		t.Fatal(err)
	}

	if s := p.GetStatistics(); s.QueuedTasks != 5 || s.ActiveTasks != 1 {
		t.Errorf("unexpected statistics %+v", s)
	}

	expected := []string{"high", "medium", "low-1", "low-2", "low-3"}
	for _, exp := range expected {
		g.release <- struct{}{}

		if id := <-g.entered; id != exp {
			t.Errorf("got %s expected %s", id, exp)
		}
	}

	g.release <- struct{}{}
}

func TestFailedTaskDoesNotStopProcessing(t *testing.T) {
	g := newGated(10)
	g.delay = time.Millisecond
	g.failOn = "bad"

	var (
		mu     sync.Mutex
		events = map[string][]EventType{}
	)

	p := NewProcessor(g, ProcessorConfig{MaxConcurrent: 2}, WithProcessorLogger(discard))
	p.SetEventHandler(func(ev TaskEvent) {
		mu.Lock()
		events[ev.TransferID] = append(events[ev.TransferID], ev.Type)
		mu.Unlock()
	})
	p.Start()

	for _, id := range []string{"ok-1", "bad", "ok-2", "ok-3"} {
		if _, err := p.AddConfirmationTask(transfer(id, "a", "b"), PriorityLow); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for p.GetStatistics().TotalProcessed+p.GetStatistics().TotalFailed < 4 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}

	s := p.GetStatistics()
	if s.TotalProcessed != 3 || s.TotalFailed != 1 || s.SuccessRate != 75 {
		t.Errorf("unexpected statistics %+v", s)
	}

	mu.Lock()
	defer mu.Unlock()

	if ev := events["bad"]; len(ev) != 2 || ev[0] != EventStarted || ev[1] != EventFailed {
		t.Errorf("unexpected events for failed task %v", ev)
	}

	if ev := events["ok-2"]; len(ev) != 2 || ev[0] != EventStarted || ev[1] != EventCompleted {
		t.Errorf("unexpected events for completed task %v", ev)
	}
}

// slowOnce delays the creation of one transfer's record until released.
type slowOnce struct {
	*Manager
	slow    string
	entered chan struct{}
	release chan struct{}
}

func (s *slowOnce) CreateConfirmationRecord(ctx context.Context, t *types.Transfer, status Status,
	hash string) (*Record, error) {
	if t.ID == s.slow {
		close(s.entered)
		<-s.release
	}

	return s.Manager.CreateConfirmationRecord(ctx, t, status, hash)
}

func TestAdvisoryTimeout(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	kv := memory.New(clock)
	creator := &slowOnce{Manager: newManager(kv, "R1", clock), slow: "t1", entered: make(chan struct{}),
		release: make(chan struct{})}

	events := make(chan TaskEvent, 10)

	p := NewProcessor(creator, ProcessorConfig{MaxConcurrent: 1, ProcessingTimeout: time.Second},
		WithProcessorClock(clock), WithProcessorLogger(discard))
	p.SetEventHandler(func(ev TaskEvent) {
		if ev.Type != EventStarted {
			events <- ev
		}
	})
	p.Start()

	defer p.Shutdown(ctx)

	if _, err := p.AddConfirmationTask(transfer("t1", "alice", "bob"), PriorityHigh); err != nil {
		t.Fatal(err)
	}

	<-creator.entered

	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal(err)
	}

	clock.Advance(time.Second)

	ev := <-events
	if ev.Type != EventFailed || ev.TransferID != "t1" || !errors.Is(ev.Err, ErrTaskTimeout) ||
		errs.KindOf(ev.Err) != errs.Timeout {
		t.Fatalf("expected timeout failure, got %+v", ev)
	}

	if s := p.GetStatistics(); s.TotalFailed != 1 || s.ActiveTasks != 0 {
		t.Errorf("timed out task should be failed and inactive: %+v", s)
	}

	// the slot is free although t1 is still running
	if _, err := p.AddConfirmationTask(transfer("t2", "alice", "bob"), PriorityLow); err != nil {
		t.Fatal(err)
	}

	if ev = <-events; ev.Type != EventCompleted || ev.TransferID != "t2" {
		t.Fatalf("expected t2 to complete, got %+v", ev)
	}

	// the late write still lands, once
	close(creator.release)

	deadline := time.Now().Add(5 * time.Second)

	for {
		if _, err := creator.GetConfirmationRecord(ctx, RecordID("t1", "R1")); err == nil {
			break
		}

		if time.Now().After(deadline) {
			t.Fatalf("late record never written")
		}

		time.Sleep(time.Millisecond)
	}

	if _, err := creator.Manager.CreateConfirmationRecord(ctx, transfer("t1", "alice", "bob"), StatusConfirmed,
		""); err != nil {
		t.Fatal(err)
	}

	all, _ := kv.HGetAll(ctx, store.ConfirmationsKey("R1"))
	if len(all) != 2 {
		t.Errorf("expected two records, got %d", len(all))
	}
}

func TestShutdown(t *testing.T) {
	ctx := context.Background()
	g := newGated(10)

	p := NewProcessor(g, ProcessorConfig{MaxConcurrent: 1, ShutdownTimeout: 50 * time.Millisecond},
		WithProcessorLogger(discard))

	// never started
	if err := p.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	p.Start()
	p.Start()

	for _, id := range []string{"t1", "t2", "t3"} {
		if _, err := p.AddConfirmationTask(transfer(id, "a", "b"), PriorityLow); err != nil {
			t.Fatal(err)
		}
	}

	<-g.entered

	// t1 never finishes: shutdown gives up after its timeout and drops t2 and t3, still queued behind it
	start := time.Now()

	if err := p.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	if time.Since(start) > 5*time.Second {
		t.Errorf("shutdown did not honour its timeout")
	}

	if s := p.GetStatistics(); s.TotalFailed != 2 || s.QueuedTasks != 0 {
		t.Errorf("queued tasks should be dropped as failed: %+v", s)
	}

	if p.Running() {
		t.Errorf("processor still running")
	}

	if err := p.Shutdown(ctx); err != nil {
		t.Errorf("second shutdown should be a no-op: %v", err)
	}

	if _, err := p.AddConfirmationTask(transfer("t4", "a", "b"), PriorityLow); !errors.Is(err, ErrProcessorStopped) {
		t.Errorf("expected stopped processor error, got %v", err)
	}

	// a restarted processor works again
	close(g.release)
	p.Start()

	defer p.Shutdown(ctx)

	if _, err := p.AddConfirmationTask(transfer("t5", "a", "b"), PriorityLow); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for p.GetStatistics().TotalProcessed < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if p.GetStatistics().TotalProcessed < 1 {
		t.Errorf("restarted processor did not run tasks")
	}
}

func TestShutdownDrainsQueue(t *testing.T) {
	g := newGated(10)
	g.delay = 20 * time.Millisecond

	p := NewProcessor(g, ProcessorConfig{MaxConcurrent: 1, ShutdownTimeout: 10 * time.Second},
		WithProcessorLogger(discard))

	var completed int32

	p.SetEventHandler(func(ev TaskEvent) {
		if ev.Type == EventCompleted {
			atomic.AddInt32(&completed, 1)
		}
	})
	p.Start()

	for i := 0; i < 5; i++ {
		if _, err := p.AddConfirmationTask(transfer(fmt.Sprintf("t%d", i), "a", "b"), PriorityMedium); err != nil {
			t.Fatal(err)
		}
	}

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}

	if s := p.GetStatistics(); s.TotalProcessed != 5 || s.TotalFailed != 0 || s.QueuedTasks != 0 {
		t.Errorf("queued tasks should be processed before stopping: %+v", s)
	}

	if n := atomic.LoadInt32(&completed); n != 5 {
		t.Errorf("%d completed events, expected 5", n)
	}

	if _, err := p.AddConfirmationTask(transfer("late", "a", "b"), PriorityLow); !errors.Is(err, ErrProcessorStopped) {
		t.Errorf("expected stopped processor error, got %v", err)
	}
}
