package confirmation

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/tarancss/xrouter/lib/errs"
	"github.com/tarancss/xrouter/lib/types"
)

// Priority of a confirmation task. Higher priorities run first.
type Priority int

// Task priorities.
const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	}

	return "unknown"
}

// Default processor settings.
const (
	DefaultMaxConcurrent     = 5
	DefaultProcessingTimeout = 30 * time.Second
	DefaultShutdownTimeout   = 30 * time.Second
)

// Errors returned
var (
	ErrProcessorStopped = errors.New("confirmation processor is not running")
	ErrTaskTimeout      = errors.New("confirmation task timed out")
)

// Creator creates confirmation records. *Manager implements it.
type Creator interface {
	CreateConfirmationRecord(ctx context.Context, t *types.Transfer, status Status, ledgerTxHash string) (*Record, error)
}

// EventType is the kind of a TaskEvent.
type EventType string

// Task lifecycle events.
const (
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// TaskEvent notifies a change in the lifecycle of a task. Duration, Record and Err are set on completion or failure.
type TaskEvent struct {
	Type       EventType
	TaskID     string
	TransferID string
	Priority   Priority
	Duration   time.Duration
	Record     *Record
	Err        error
}

// Statistics is a snapshot of the processor counters. SuccessRate is the percentage of finished tasks that
// succeeded, 100 when none finished.
type Statistics struct {
	QueuedTasks           int           `json:"queuedTasks"`
	ActiveTasks           int           `json:"activeTasks"`
	TotalProcessed        int64         `json:"totalProcessed"`
	TotalFailed           int64         `json:"totalFailed"`
	AverageProcessingTime time.Duration `json:"averageProcessingTime"`
	SuccessRate           float64       `json:"successRate"`
}

// ProcessorConfig bounds the processor. Zero values take the defaults.
type ProcessorConfig struct {
	MaxConcurrent     int
	ProcessingTimeout time.Duration
	ShutdownTimeout   time.Duration
}

type task struct {
	id           string
	transfer     *types.Transfer
	priority     Priority
	status       Status
	ledgerTxHash string
	seq          uint64
}

// taskQueue is a heap ordered by priority, then by arrival.
type taskQueue []*task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}

	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x interface{}) { *q = append(*q, x.(*task)) }

func (q *taskQueue) Pop() interface{} {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]

	return t
}

// run holds the state of one Start/Shutdown cycle. Workers keep a reference to the run that started them, so a
// task abandoned at shutdown cannot disturb a later run. drain is closed when shutdown starts, quit when it gives up
// on the queue.
type run struct {
	ctx    context.Context
	cancel context.CancelFunc
	drain  chan struct{}
	quit   chan struct{}
	done   chan struct{}
	slots  chan struct{}
	wg     sync.WaitGroup
}

// Processor runs confirmation tasks on at most MaxConcurrent workers, highest priority first and in arrival order
// within a priority.
//
// The processing timeout is advisory: when it fires the task is counted failed and its worker slot is freed, but
// the record creation keeps running in the background and its late result is only logged. Record ids are derived
// from the transfer, so a late write cannot duplicate a record.
type Processor struct {
	creator Creator
	cfg     ProcessorConfig
	clock   clockwork.Clock
	log     *slog.Logger

	mu       sync.Mutex
	queue    taskQueue
	seq      uint64
	run      *run
	stopping chan struct{}
	wake     chan struct{}
	handler  func(TaskEvent)

	active         int
	totalProcessed int64
	totalFailed    int64
	timed          int64
	totalDuration  time.Duration
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithProcessorClock sets the clock used for timeouts and durations.
func WithProcessorClock(c clockwork.Clock) ProcessorOption {
	return func(p *Processor) { p.clock = c }
}

// WithProcessorLogger sets the logger.
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.log = l }
}

// NewProcessor returns a stopped processor creating records through creator.
func NewProcessor(creator Creator, cfg ProcessorConfig, opts ...ProcessorOption) *Processor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}

	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = DefaultProcessingTimeout
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	p := &Processor{
		creator: creator,
		cfg:     cfg,
		clock:   clockwork.NewRealClock(),
		log:     slog.Default(),
		wake:    make(chan struct{}, 1),
	}

	for _, o := range opts {
		o(p)
	}

	p.log = p.log.With("component", "processor")

	return p
}

// SetEventHandler registers h to receive task lifecycle events. h runs on the worker goroutine of the task, so the
// events of one task arrive in order. A nil h removes the handler.
func (p *Processor) SetEventHandler(h func(TaskEvent)) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

// Start launches the dispatcher. Starting a running processor is a no-op.
func (p *Processor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.run != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		ctx:    ctx,
		cancel: cancel,
		drain:  make(chan struct{}),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		slots:  make(chan struct{}, p.cfg.MaxConcurrent),
	}
	p.run = r

	go p.dispatch(r)

	p.log.Info("confirmation processor started", "maxConcurrent", p.cfg.MaxConcurrent)
}

// Running reports whether the processor accepts tasks.
func (p *Processor) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.run != nil && p.stopping == nil
}

// AddConfirmationTask queues the creation of a confirmed record for t and returns the task id.
func (p *Processor) AddConfirmationTask(t *types.Transfer, priority Priority) (string, error) {
	return p.AddTask(t, priority, StatusConfirmed, "")
}

// AddTask queues the creation of a record with status for t and returns the task id.
func (p *Processor) AddTask(t *types.Transfer, priority Priority, status Status, ledgerTxHash string) (string, error) {
	if t == nil {
		return "", errs.New(errs.Validation, "addTask", "transfer is required")
	}

	if t.ID == "" {
		return "", errs.New(errs.Validation, "addTask", "transfer id is required")
	}

	if priority < PriorityLow || priority > PriorityHigh {
		return "", errs.New(errs.Validation, "addTask", "invalid priority %d", priority)
	}

	if !status.Valid() {
		return "", errs.New(errs.Validation, "addTask", "invalid status %q", status)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.run == nil || p.stopping != nil {
		return "", ErrProcessorStopped
	}

	p.seq++
	tk := &task{
		id:           "task_" + uuid.NewString(),
		transfer:     t.Clone(),
		priority:     priority,
		status:       status,
		ledgerTxHash: ledgerTxHash,
		seq:          p.seq,
	}
	heap.Push(&p.queue, tk)

	select {
	case p.wake <- struct{}{}:
	default:
	}

	return tk.id, nil
}

// GetStatistics returns the processor counters.
func (p *Processor) GetStatistics() Statistics {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Statistics{
		QueuedTasks:    p.queue.Len(),
		ActiveTasks:    p.active,
		TotalProcessed: p.totalProcessed,
		TotalFailed:    p.totalFailed,
		SuccessRate:    100,
	}

	if p.timed > 0 {
		s.AverageProcessingTime = p.totalDuration / time.Duration(p.timed)
	}

	if finished := p.totalProcessed + p.totalFailed; finished > 0 {
		s.SuccessRate = float64(p.totalProcessed) / float64(finished) * 100
	}

	return s
}

// Shutdown stops accepting tasks and keeps processing the queued ones until the queue is empty and the active tasks
// are done, up to the shutdown timeout or until ctx is done. Tasks still queued then are dropped and counted failed,
// tasks still running are abandoned. Calling Shutdown on a stopped processor is a no-op; concurrent calls wait for
// the same shutdown.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.mu.Lock()

	if p.stopping != nil {
		stopping := p.stopping
		p.mu.Unlock()

		select {
		case <-stopping:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r := p.run
	if r == nil {
		p.mu.Unlock()

		return nil
	}

	stopping := make(chan struct{})
	p.stopping = stopping
	close(r.drain)
	p.mu.Unlock()

	idle := make(chan struct{})

	go func() {
		// no worker is added once the dispatcher is done
		<-r.done
		r.wg.Wait()
		close(idle)
	}()

	var err error

	select {
	case <-idle:
	case <-p.clock.After(p.cfg.ShutdownTimeout):
		p.log.Warn("shutdown timeout, abandoning queued and active tasks", "queued", p.GetStatistics().QueuedTasks,
			"active", p.GetStatistics().ActiveTasks)
	case <-ctx.Done():
		err = ctx.Err()
		p.log.Warn("shutdown interrupted, abandoning queued and active tasks", "err", err)
	}

	close(r.quit)
	<-r.done

	p.mu.Lock()
	dropped := p.queue
	p.queue = nil
	p.totalFailed += int64(len(dropped))
	handler := p.handler
	p.mu.Unlock()

	for _, tk := range dropped {
		emit(handler, TaskEvent{Type: EventFailed, TaskID: tk.id, TransferID: tk.transfer.ID, Priority: tk.priority,
			Err: ErrProcessorStopped})
	}

	r.cancel()

	p.mu.Lock()
	p.run = nil
	p.stopping = nil
	p.mu.Unlock()
	close(stopping)

	p.log.Info("confirmation processor stopped", "dropped", len(dropped))

	return err
}

// dispatch takes a worker slot first, then the best queued task, so ordering is decided when a slot frees.
func (p *Processor) dispatch(r *run) {
	defer close(r.done)

	for {
		select {
		case r.slots <- struct{}{}:
		case <-r.quit:
			return
		}

		tk := p.next(r)
		if tk == nil {
			return
		}

		go p.work(r, tk)
	}
}

// next waits for a task and marks it active. It returns nil, releasing the slot, when the run quits or when it
// drains and the queue is empty.
func (p *Processor) next(r *run) *task {
	for {
		p.mu.Lock()

		select {
		case <-r.quit:
			p.mu.Unlock()
			<-r.slots

			return nil
		default:
		}

		if p.queue.Len() > 0 {
			tk := heap.Pop(&p.queue).(*task)
			p.active++
			r.wg.Add(1)
			p.mu.Unlock()

			return tk
		}

		select {
		case <-r.drain:
			p.mu.Unlock()
			<-r.slots

			return nil
		default:
		}
		p.mu.Unlock()

		select {
		case <-p.wake:
		case <-r.drain:
		case <-r.quit:
		}
	}
}

type result struct {
	rec *Record
	err error
}

func (p *Processor) work(r *run, tk *task) {
	p.mu.Lock()
	handler := p.handler
	p.mu.Unlock()

	start := p.clock.Now()
	emit(handler, TaskEvent{Type: EventStarted, TaskID: tk.id, TransferID: tk.transfer.ID, Priority: tk.priority})

	done := make(chan result, 1)

	go func() {
		rec, err := p.creator.CreateConfirmationRecord(r.ctx, tk.transfer, tk.status, tk.ledgerTxHash)
		done <- result{rec: rec, err: err}
	}()

	timer := p.clock.NewTimer(p.cfg.ProcessingTimeout)

	var res result

	select {
	case res = <-done:
		timer.Stop()
	case <-timer.Chan():
		res.err = errs.Wrapf(errs.Timeout, "confirmationTask", ErrTaskTimeout, "task %s after %s", tk.id,
			p.cfg.ProcessingTimeout)

		go func() {
			late := <-done
			p.log.Warn("confirmation task finished after its timeout", "task", tk.id, "transfer", tk.transfer.ID,
				"err", late.err)
		}()
	}

	elapsed := p.clock.Since(start)

	p.mu.Lock()
	p.active--
	p.timed++
	p.totalDuration += elapsed

	if res.err != nil {
		p.totalFailed++
	} else {
		p.totalProcessed++
	}
	handler = p.handler
	p.mu.Unlock()

	<-r.slots
	defer r.wg.Done()

	ev := TaskEvent{TaskID: tk.id, TransferID: tk.transfer.ID, Priority: tk.priority, Duration: elapsed,
		Record: res.rec, Err: res.err}

	if res.err != nil {
		ev.Type = EventFailed
		p.log.Error("confirmation task failed", "task", tk.id, "transfer", tk.transfer.ID, "err", res.err)
	} else {
		ev.Type = EventCompleted
		p.log.Debug("confirmation task completed", "task", tk.id, "transfer", tk.transfer.ID, "duration", elapsed)
	}

	emit(handler, ev)
}

func emit(h func(TaskEvent), ev TaskEvent) {
	if h != nil {
		h(ev)
	}
}
