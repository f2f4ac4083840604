package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentplane/agentplane/pkg/model"
)

// Pool errors.
var (
	// ErrNoWorkers indicates no worker freed up within the checkout window.
	// Retryable; the plan executor backs off and tries again.
	ErrNoWorkers = errors.New("no workers available")

	// ErrNoExecutor indicates no executor is registered for the task type.
	ErrNoExecutor = errors.New("no executor for task type")

	// ErrPoolClosed indicates the pool has been shut down.
	ErrPoolClosed = errors.New("worker pool closed")
)

const checkoutTimeout = 5 * time.Second

// Executor runs one task. Implementations must honor ctx cancellation.
type Executor interface {
	Execute(ctx context.Context, task *model.Task) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task *model.Task) (json.RawMessage, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, task *model.Task) (json.RawMessage, error) {
	return f(ctx, task)
}

// PoolHealth is a point-in-time pool snapshot.
type PoolHealth struct {
	Size   int `json:"size"`
	InUse  int `json:"in_use"`
	Queued int `json:"queued"`
}

// WorkerPool bounds in-process task execution to a fixed number of slots.
// Executors are registered per task type; "*" is the fallback.
type WorkerPool struct {
	slots chan struct{}
	size  int

	mu        sync.RWMutex
	executors map[string]Executor
	waiting   int
	closed    bool
}

// NewWorkerPool creates a pool with size execution slots.
func NewWorkerPool(size int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	p := &WorkerPool{
		slots:     make(chan struct{}, size),
		size:      size,
		executors: make(map[string]Executor),
	}
	for i := 0; i < size; i++ {
		p.slots <- struct{}{}
	}
	return p
}

// RegisterExecutor binds an executor to a task type.
func (p *WorkerPool) RegisterExecutor(taskType string, ex Executor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.executors[taskType] = ex
}

// ExecuteTask checks out a slot, runs the task under its timeout, and
// returns the slot. Checkout waits a bounded time for a free slot.
func (p *WorkerPool) ExecuteTask(ctx context.Context, task *model.Task) (json.RawMessage, error) {
	ex, err := p.executorFor(task.Type)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.waiting++
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.waiting--
		p.mu.Unlock()
	}()

	select {
	case <-p.slots:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(checkoutTimeout):
		return nil, fmt.Errorf("%w: waited %s", ErrNoWorkers, checkoutTimeout)
	}
	defer func() { p.slots <- struct{}{} }()

	runCtx := ctx
	if task.Constraints.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, task.Constraints.Timeout)
		defer cancel()
	}
	return ex.Execute(runCtx, task)
}

// Health reports the pool's current occupancy.
func (p *WorkerPool) Health() PoolHealth {
	p.mu.RLock()
	waiting := p.waiting
	p.mu.RUnlock()
	free := len(p.slots)
	return PoolHealth{
		Size:   p.size,
		InUse:  p.size - free,
		Queued: waiting,
	}
}

// Close rejects further checkouts. In-flight executions finish.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *WorkerPool) executorFor(taskType string) (Executor, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if ex, ok := p.executors[taskType]; ok {
		return ex, nil
	}
	if ex, ok := p.executors["*"]; ok {
		return ex, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoExecutor, taskType)
}
