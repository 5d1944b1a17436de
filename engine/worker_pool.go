package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrPoolStopped = errors.New("worker pool is shut down")
	ErrQueueFull   = errors.New("task queue is full")
)

// Task is one unit of work run by a WorkerPool.
type Task struct {
	ID        string
	Run       func(ctx context.Context) error
	CreatedAt time.Time
}

// NewTask creates a task stamped with the current time.
func NewTask(id string, run func(ctx context.Context) error) *Task {
	return &Task{ID: id, Run: run, CreatedAt: time.Now()}
}

// WorkerStats contains worker pool statistics.
type WorkerStats struct {
	Name        string        `json:"name"`
	Workers     int           `json:"workers"`
	Active      int64         `json:"active"`
	Completed   int64         `json:"completed"`
	Failed      int64         `json:"failed"`
	Pending     int           `json:"pending"`
	SuccessRate float64       `json:"success_rate"`
	MaxWait     time.Duration `json:"max_wait"`
}

// WorkerPool runs tasks on a fixed set of goroutines fed by a buffered queue.
type WorkerPool struct {
	name    string
	workers int
	tasks   chan *Task
	wg      sync.WaitGroup
	logger  zerolog.Logger

	active    int64
	completed int64
	failed    int64
	maxWait   int64

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	mu      sync.RWMutex
}

// NewWorkerPool starts workers goroutines with a queue of queueSize tasks.
func NewWorkerPool(name string, workers, queueSize int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 100
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		name:    name,
		workers: workers,
		tasks:   make(chan *Task, queueSize),
		logger:  log.With().Str("component", "worker-pool").Str("pool", name).Logger(),
		ctx:     ctx,
		cancel:  cancel,
		running: true,
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.process(id, task)
		}
	}
}

func (p *WorkerPool) process(workerID int, task *Task) {
	atomic.AddInt64(&p.active, 1)
	defer atomic.AddInt64(&p.active, -1)

	if wait := int64(time.Since(task.CreatedAt)); wait > atomic.LoadInt64(&p.maxWait) {
		atomic.StoreInt64(&p.maxWait, wait)
	}

	// One failing task must not take the pool down.
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.failed, 1)
			p.logger.Error().Str("task", task.ID).Int("worker", workerID).
				Str("panic", fmt.Sprint(r)).Msg("task panicked")
		}
	}()

	if task.Run == nil {
		atomic.AddInt64(&p.failed, 1)
		return
	}
	if err := task.Run(p.ctx); err != nil {
		atomic.AddInt64(&p.failed, 1)
		p.logger.Debug().Err(err).Str("task", task.ID).Msg("task failed")
		return
	}
	atomic.AddInt64(&p.completed, 1)
}

// TrySubmit queues a task without blocking.
func (p *WorkerPool) TrySubmit(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return ErrPoolStopped
	}

	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Submit queues a task, waiting for room until ctx is done or the pool stops.
func (p *WorkerPool) Submit(ctx context.Context, task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return ErrPoolStopped
	}

	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolStopped
	}
}

// GetStats returns current worker pool statistics.
func (p *WorkerPool) GetStats() WorkerStats {
	completed := atomic.LoadInt64(&p.completed)
	failed := atomic.LoadInt64(&p.failed)
	total := completed + failed

	var successRate float64
	if total > 0 {
		successRate = float64(completed) / float64(total) * 100
	}

	return WorkerStats{
		Name:        p.name,
		Workers:     p.workers,
		Active:      atomic.LoadInt64(&p.active),
		Completed:   completed,
		Failed:      failed,
		Pending:     len(p.tasks),
		SuccessRate: successRate,
		MaxWait:     time.Duration(atomic.LoadInt64(&p.maxWait)),
	}
}

// Shutdown stops accepting tasks, cancels the pool context and waits for workers.
// Queued tasks that no worker picked up are dropped.
func (p *WorkerPool) Shutdown() {
	p.cancel()

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.wg.Wait()
}

// ShutdownWithTimeout is Shutdown bounded by timeout.
func (p *WorkerPool) ShutdownWithTimeout(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		p.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("shutdown timeout")
	}
}

// IsRunning returns true if the pool is still accepting tasks.
func (p *WorkerPool) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}
