// Package tasks runs background work through a bounded worker pool. Every
// operation is tracked as an AnalysisTask row; API handlers return the
// task ID immediately and clients poll for completion.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/civicsignal/billcost/internal/analysis"
	"github.com/civicsignal/billcost/internal/config"
	"github.com/civicsignal/billcost/internal/model"
	"github.com/civicsignal/billcost/internal/store"
)

// Job is one dequeued unit of work.
type Job struct {
	Task    model.AnalysisTask
	Request analysis.Request
}

// Result is what an executor hands back on success.
type Result struct {
	Output     json.RawMessage
	ContextRef string
	ModelUsed  string
	// ImpactID names an impact row the executor persisted mid-run. It is
	// deleted again if the task turns out to have been cancelled.
	ImpactID string
}

// Executor runs one task type to completion.
type Executor func(ctx context.Context, job Job) (*Result, error)

// ErrQueueFull is returned by Submit when the queue cannot accept more
// work; callers should surface it as backpressure, not retry in a loop.
var ErrQueueFull = errors.New("task queue full")

// Manager owns the queue and worker pool.
type Manager struct {
	store     store.Store
	executors map[model.TaskType]Executor
	queue     chan Job
	workers   int
	billLocks *keyedMutex
	wg        sync.WaitGroup
}

// NewManager creates a Manager with the configured pool size.
func NewManager(st store.Store, cfg config.TasksConfig) *Manager {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Manager{
		store:     st,
		executors: map[model.TaskType]Executor{},
		queue:     make(chan Job, queueSize),
		workers:   workers,
		billLocks: newKeyedMutex(),
	}
}

// Register binds an executor to a task type. Must be called before Start.
func (m *Manager) Register(tt model.TaskType, exec Executor) {
	m.executors[tt] = exec
}

// Start launches the worker pool. Workers drain until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.worker(ctx)
		}()
	}
	zap.L().Info("tasks: worker pool started", zap.Int("workers", m.workers))
}

// Wait blocks until all workers have exited.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Submit persists a queued task and enqueues it, returning the tracked
// task for the caller to poll.
func (m *Manager) Submit(ctx context.Context, task model.AnalysisTask, req analysis.Request) (*model.AnalysisTask, error) {
	if _, ok := m.executors[task.Type]; !ok {
		return nil, eris.Errorf("tasks: no executor registered for %s", task.Type)
	}

	created, err := m.store.CreateTask(ctx, task)
	if err != nil {
		return nil, eris.Wrap(err, "tasks: create task")
	}

	select {
	case m.queue <- Job{Task: *created, Request: req}:
		return created, nil
	default:
		// Queue full: fail the record so it does not sit queued forever.
		_ = m.store.CancelTask(ctx, created.ID)
		return nil, eris.Wrapf(ErrQueueFull, "tasks: submit %s", task.Type)
	}
}

// Cancel cancels a queued or running task. Running work is not
// interrupted mid-flight; its result is discarded by the status guard
// when it tries to complete.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	return m.store.CancelTask(ctx, id)
}

func (m *Manager) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-m.queue:
			m.run(ctx, job)
		}
	}
}

// lockKey serializes analysis stages per bill and scrapes per
// jurisdiction.
func lockKey(t model.AnalysisTask) string {
	if t.Type.AnalysisStep() && t.BillID != "" {
		return "bill:" + t.BillID
	}
	return "jur:" + t.JurisdictionID
}

func (m *Manager) run(ctx context.Context, job Job) {
	key := lockKey(job.Task)
	m.billLocks.Lock(key)
	defer m.billLocks.Unlock(key)

	log := zap.L().With(
		zap.String("task_id", job.Task.ID),
		zap.String("task_type", string(job.Task.Type)),
		zap.String("bill_id", job.Task.BillID),
	)

	if err := m.store.MarkTaskRunning(ctx, job.Task.ID); err != nil {
		// Cancelled while queued, or already picked up.
		log.Info("tasks: skipping task not in queued state", zap.Error(err))
		return
	}

	exec := m.executors[job.Task.Type]
	result, err := exec(ctx, job)
	if err != nil {
		log.Error("tasks: task failed", zap.Error(err))
		modelUsed := ""
		var mue *analysis.ModelUnavailableError
		if errors.As(err, &mue) && len(mue.Tried) > 0 {
			modelUsed = mue.Tried[len(mue.Tried)-1]
		}
		if ferr := m.store.FailTask(ctx, job.Task.ID, modelUsed, err.Error()); ferr != nil {
			if errors.Is(ferr, store.ErrInvalidTransition) {
				log.Info("tasks: failure discarded, task no longer running")
			} else {
				log.Error("tasks: could not record failure", zap.Error(ferr))
			}
		}
		return
	}

	err = m.store.CompleteTask(ctx, job.Task.ID, result.ModelUsed, result.ContextRef, result.Output)
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// Cancelled mid-flight; the late result is dropped, including
			// anything the stage already persisted.
			log.Info("tasks: result discarded, task was cancelled")
			if result.ImpactID != "" {
				if derr := m.store.DeleteImpact(ctx, result.ImpactID); derr != nil {
					log.Error("tasks: could not roll back impact",
						zap.String("impact_id", result.ImpactID), zap.Error(derr))
				}
			}
			return
		}
		log.Error("tasks: could not record completion", zap.Error(err))
		return
	}
	log.Info("tasks: task completed", zap.String("model_used", result.ModelUsed))
}
