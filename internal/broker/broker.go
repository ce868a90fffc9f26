// Package broker queues submitted tasks and dispatches each one to exactly
// one registered worker for its capability.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"a2aflow/internal/domain"
	"a2aflow/internal/store"
	"a2aflow/internal/worker"
)

const (
	defaultCapacity    = 4
	defaultCancelGrace = 5 * time.Second
)

var (
	ErrClosed            = errors.New("broker closed")
	ErrRunning           = errors.New("broker already running")
	ErrNoCapability      = errors.New("capability is required")
	ErrNilExecutor       = errors.New("executor is nil")
	ErrQueueFull         = domain.ErrQueueFull
	ErrNoWorkerAvailable = domain.ErrNoWorkerAvailable
	ErrTimeout           = domain.ErrTimeout
	ErrNotCancellable    = errors.New("task is not cancellable")
)

type Config struct {
	// Capacity bounds the number of simultaneously working tasks.
	Capacity int
	// QueueSize bounds pending tasks; zero means unbounded.
	QueueSize int
	// TaskTimeout is the default per-task deadline; zero disables it.
	TaskTimeout time.Duration
	// CancelGrace is how long a worker has to honour cancellation before
	// the broker finalizes the task itself. A forced task releases its
	// capacity slot even though the executor goroutine may still be
	// running, so Capacity does not bound goroutines held by runaway
	// executors.
	CancelGrace time.Duration
	Logger      *log.Logger
}

type SubmitOptions struct {
	Timeout time.Duration
}

type queued struct {
	id         string
	capability string
	timeout    time.Duration
}

type execution struct {
	cancel context.CancelFunc
}

type pool struct {
	executors []worker.Executor
	next      int
}

type Stats struct {
	Queued   int `json:"queued"`
	Working  int `json:"working"`
	Capacity int `json:"capacity"`
}

type Broker struct {
	store  store.Store
	runner worker.Runner
	cfg    Config

	mu      sync.Mutex
	workers map[string]*pool
	queue   []queued
	running map[string]*execution
	started bool
	closed  bool

	wake  chan struct{}
	slots chan struct{}
	wg    sync.WaitGroup
}

func New(s store.Store, cfg Config) *Broker {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = defaultCancelGrace
	}
	b := &Broker{
		store:   s,
		cfg:     cfg,
		workers: make(map[string]*pool),
		running: make(map[string]*execution),
		wake:    make(chan struct{}, 1),
		slots:   make(chan struct{}, cfg.Capacity),
	}
	b.runner = worker.Runner{Store: s, Logger: cfg.Logger}
	return b
}

func (b *Broker) logger() *log.Logger {
	if b.cfg.Logger != nil {
		return b.cfg.Logger
	}
	return log.Default()
}

func (b *Broker) Store() store.Store { return b.store }

// RegisterWorker adds an executor for capability. Several executors may
// share a capability; tasks are spread across them round-robin.
func (b *Broker) RegisterWorker(capability string, exec worker.Executor) error {
	if capability == "" {
		return ErrNoCapability
	}
	if exec == nil {
		return ErrNilExecutor
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.workers[capability]
	if !ok {
		p = &pool{}
		b.workers[capability] = p
	}
	p.executors = append(p.executors, exec)
	return nil
}

// Capabilities lists registered capabilities with their skill metadata.
func (b *Broker) Capabilities() []domain.Skill {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Skill, 0, len(b.workers))
	for capability, p := range b.workers {
		skill := domain.Skill{Capability: capability}
		for _, e := range p.executors {
			if d, ok := e.(worker.Describer); ok {
				skill = d.Describe()
				skill.Capability = capability
				break
			}
		}
		skill.Workers = len(p.executors)
		out = append(out, skill)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Capability < out[j].Capability })
	return out
}

func (b *Broker) Submit(ctx context.Context, capability string, input []domain.Message) (string, error) {
	return b.SubmitWithOptions(ctx, capability, input, SubmitOptions{})
}

// SubmitWithOptions creates the task and queues it without waiting for
// dispatch. On queue overflow the task is failed and ErrQueueFull returned
// alongside its id; a submit that races shutdown cancels its task and
// returns ErrClosed with the id.
func (b *Broker) SubmitWithOptions(ctx context.Context, capability string, input []domain.Message, opts SubmitOptions) (string, error) {
	if capability == "" {
		return "", ErrNoCapability
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return "", ErrClosed
	}
	t, err := b.store.Create(ctx, capability, input)
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = b.cfg.TaskTimeout
	}

	b.mu.Lock()
	if b.closed {
		// lost the race with shutdown: treated like any task queued at exit
		b.mu.Unlock()
		if _, err := b.store.Transition(ctx, t.ID, domain.StateCanceled, store.TransitionOptions{}); err != nil {
			return t.ID, fmt.Errorf("cancel task %s: %w", t.ID, err)
		}
		return t.ID, ErrClosed
	}
	if b.cfg.QueueSize > 0 && len(b.queue) >= b.cfg.QueueSize {
		b.mu.Unlock()
		if _, err := b.store.Transition(ctx, t.ID, domain.StateFailed, store.TransitionOptions{
			Error: &domain.TaskError{Code: domain.CodeQueueFull, Message: ErrQueueFull.Error()},
		}); err != nil {
			return t.ID, fmt.Errorf("fail task %s: %w", t.ID, err)
		}
		return t.ID, ErrQueueFull
	}
	b.queue = append(b.queue, queued{id: t.ID, capability: capability, timeout: timeout})
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return t.ID, nil
}

// Status returns the current snapshot of a task.
func (b *Broker) Status(ctx context.Context, id string) (domain.Task, error) {
	return b.store.Get(ctx, id)
}

// Await blocks until the task is terminal.
func (b *Broker) Await(ctx context.Context, id string) (domain.Task, error) {
	return store.Await(ctx, b.store, id)
}

// Cancel is best-effort: a queued task is canceled at once, a working task
// has its execution context canceled and is finalized by its worker.
func (b *Broker) Cancel(ctx context.Context, id string) (domain.Task, error) {
	b.mu.Lock()
	if e, ok := b.running[id]; ok {
		b.mu.Unlock()
		e.cancel()
		t, err := b.store.Get(ctx, id)
		if err != nil {
			return t, err
		}
		// finished before the cancel reached it
		if t.State.Terminal() && t.State != domain.StateCanceled {
			return t, fmt.Errorf("%w: task %s already %s", ErrNotCancellable, id, t.State)
		}
		return t, nil
	}
	for i, q := range b.queue {
		if q.id == id {
			b.queue = append(b.queue[:i:i], b.queue[i+1:]...)
			break
		}
	}
	// still holding mu so dispatch cannot start the task underneath us
	t, err := b.store.Transition(ctx, id, domain.StateCanceled, store.TransitionOptions{})
	b.mu.Unlock()
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return t, fmt.Errorf("%w: %v", ErrNotCancellable, err)
		}
		return t, err
	}
	return t, nil
}

func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{Queued: len(b.queue), Working: len(b.running), Capacity: b.cfg.Capacity}
}

// Run is the dispatch loop. It returns when ctx ends, after canceling every
// queued task and waiting for in-flight executions to finalize.
func (b *Broker) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.started {
		b.mu.Unlock()
		return ErrRunning
	}
	b.started = true
	b.mu.Unlock()

loop:
	for {
		item, ok := b.next(ctx)
		if !ok {
			break
		}
		select {
		case b.slots <- struct{}{}:
			b.dispatch(ctx, item)
		case <-ctx.Done():
			b.abandon(item)
			break loop
		}
	}

	b.mu.Lock()
	b.closed = true
	pending := b.queue
	b.queue = nil
	b.mu.Unlock()
	for _, item := range pending {
		b.abandon(item)
	}
	b.wg.Wait()
	return nil
}

func (b *Broker) next(ctx context.Context) (queued, bool) {
	for {
		if ctx.Err() != nil {
			return queued{}, false
		}
		b.mu.Lock()
		if len(b.queue) > 0 {
			item := b.queue[0]
			b.queue = b.queue[1:]
			b.mu.Unlock()
			return item, true
		}
		b.mu.Unlock()
		select {
		case <-b.wake:
		case <-ctx.Done():
			return queued{}, false
		}
	}
}

func (b *Broker) abandon(item queued) {
	if _, err := b.store.Transition(context.Background(), item.id, domain.StateCanceled, store.TransitionOptions{}); err != nil &&
		!errors.Is(err, store.ErrInvalidTransition) {
		b.logger().Printf("broker: cancel queued task %s: %v", item.id, err)
	}
}

func (b *Broker) pick(capability string) (worker.Executor, bool) {
	p, ok := b.workers[capability]
	if !ok || len(p.executors) == 0 {
		return nil, false
	}
	exec := p.executors[p.next%len(p.executors)]
	p.next++
	return exec, true
}

// dispatch hands one queued task to one executor. The caller holds a slot.
func (b *Broker) dispatch(ctx context.Context, item queued) {
	b.mu.Lock()
	exec, ok := b.pick(item.capability)
	if !ok {
		b.mu.Unlock()
		<-b.slots
		if _, err := b.store.Transition(ctx, item.id, domain.StateFailed, store.TransitionOptions{
			Error: &domain.TaskError{
				Code:    domain.CodeNoWorkerAvailable,
				Message: fmt.Sprintf("no worker registered for capability %q", item.capability),
			},
		}); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
			b.logger().Printf("broker: fail task %s: %v", item.id, err)
		}
		return
	}
	var (
		execCtx context.Context
		cancel  context.CancelFunc
	)
	if item.timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, item.timeout)
	} else {
		execCtx, cancel = context.WithCancel(ctx)
	}
	b.running[item.id] = &execution{cancel: cancel}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		defer func() {
			cancel()
			b.mu.Lock()
			delete(b.running, item.id)
			b.mu.Unlock()
			<-b.slots
		}()
		b.execute(execCtx, exec, item.id)
	}()
}

// execute runs the worker contract and enforces the cancellation grace: a
// worker that ignores its canceled context gets its task finalized for it.
func (b *Broker) execute(ctx context.Context, exec worker.Executor, id string) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := b.runner.Run(ctx, exec, id); err != nil {
			b.logger().Printf("broker: task %s: %v", id, err)
		}
	}()
	select {
	case <-done:
		return
	case <-ctx.Done():
	}
	grace := time.NewTimer(b.cfg.CancelGrace)
	defer grace.Stop()
	select {
	case <-done:
		return
	case <-grace.C:
	}
	to, opts := domain.StateCanceled, store.TransitionOptions{}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		to, opts = domain.StateFailed, store.TransitionOptions{Error: &domain.TaskError{
			Code:    domain.CodeTimeout,
			Message: "worker did not respond to cancellation after deadline",
		}}
	}
	if _, err := b.store.Transition(context.WithoutCancel(ctx), id, to, opts); err != nil {
		if !errors.Is(err, store.ErrInvalidTransition) {
			b.logger().Printf("broker: force finalize %s: %v", id, err)
		}
		return
	}
	b.logger().Printf("broker: task %s forced to %s after %s grace", id, to, b.cfg.CancelGrace)
}
