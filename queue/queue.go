package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/arvindsha/forgeloop"
	"github.com/arvindsha/forgeloop/bandit"
	"github.com/arvindsha/forgeloop/internal/config"
	"github.com/arvindsha/forgeloop/memory"
	"github.com/arvindsha/forgeloop/registry"
	"github.com/arvindsha/forgeloop/sandbox"
	"github.com/arvindsha/forgeloop/sse"
	"github.com/arvindsha/forgeloop/zipper"
)

// Deps wires the queue's collaborators. Everything is required except
// Memory and Events, which degrade to no-ops when nil.
type Deps struct {
	Hub      *sse.Hub
	Store    forgeloop.TaskStore
	Agg      forgeloop.BanditAggregator
	Events   bandit.Recorder
	Policy   *bandit.Policy
	Registry *registry.Registry
	Client   forgeloop.ModelClient
	FS       *sandbox.FS
	Zipper   *zipper.Assembler
	Memory   *memory.Service
	Config   config.Config
	Logger   *slog.Logger
}

// taskRun tracks one in-flight task for cancellation.
type taskRun struct {
	cancel   context.CancelFunc
	started  time.Time
	canceled bool
}

// Queue is the single-consumer FIFO intake plus the worker loop that
// drains it. Exactly one runner goroutine dequeues; within a task,
// candidate sub-runs may fan out under the task's context.
type Queue struct {
	deps    Deps
	jobs    chan forgeloop.Task
	log     *slog.Logger
	duelCfg *duelConfigLoader

	startOnce sync.Once

	mu       sync.Mutex
	inflight map[string]*taskRun
}

// queueDepth bounds how many submitted tasks may wait un-dequeued. The
// queue is in-memory by design; persistence lives in the task store.
const queueDepth = 128

// New builds a Queue. Call Start to launch the worker loop.
func New(deps Deps) *Queue {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		deps:     deps,
		jobs:     make(chan forgeloop.Task, queueDepth),
		log:      logger,
		duelCfg:  newDuelConfigLoader(""),
		inflight: map[string]*taskRun{},
	}
}

// SetDuelConfigPath points the duel scorer at a YAML rule file.
func (q *Queue) SetDuelConfigPath(path string) {
	q.duelCfg = newDuelConfigLoader(path)
}

// Start launches the single worker loop. Safe to call more than once.
func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		go q.run(ctx)
	})
}

// Submit enqueues a task. The caller has already persisted the queued
// row; a full queue is a validation-level rejection, not a block.
func (q *Queue) Submit(t forgeloop.Task) error {
	select {
	case q.jobs <- t:
		return nil
	default:
		return &forgeloop.ErrValidation{Message: "task queue is full"}
	}
}

// Cancel transitions the task to canceled in the store, cooperatively
// cancels every registered sub-task, and publishes the terminal frame.
// Idempotent: repeat calls find no inflight entry and only re-assert the
// stored status.
func (q *Queue) Cancel(ctx context.Context, taskID string) {
	q.mu.Lock()
	run := q.inflight[taskID]
	if run != nil {
		run.canceled = true
	}
	q.mu.Unlock()

	if err := q.deps.Store.UpdateTaskStatus(ctx, taskID, forgeloop.StatusCanceled, "", 0, ""); err != nil {
		q.log.Warn("cancel: status update failed", "task_id", taskID, "error", err)
	}
	if run != nil {
		run.cancel()
	}
	q.publish(taskID, map[string]any{"status": string(forgeloop.StatusCanceled)})
	q.log.Info("task canceled", "task_id", taskID)
}

// run is the worker loop: strict FIFO, one task at a time.
func (q *Queue) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			q.process(ctx, job)
		}
	}
}

// process drives one task from dequeue to terminal frame. Any panic in
// the lifecycle is caught here once, persisted as a truncated traceback,
// and surfaced as the terminal error frame.
func (q *Queue) process(parent context.Context, task forgeloop.Task) {
	taskCtx, cancel := context.WithCancel(parent)
	defer cancel()

	run := &taskRun{cancel: cancel, started: time.Now()}
	q.mu.Lock()
	q.inflight[task.ID] = run
	q.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			trace := truncateTail(fmt.Sprintf("panic: %v\n%s", p, stack()), 6*1024)
			q.failTask(parent, task.ID, fmt.Sprintf("%v", p), trace)
		}
		q.mu.Lock()
		delete(q.inflight, task.ID)
		q.mu.Unlock()
		q.deps.Hub.Close(task.ID)
	}()

	err := q.runTask(taskCtx, task)
	q.mu.Lock()
	canceled := run.canceled
	q.mu.Unlock()
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) || canceled:
		// Cancel() already stored the status and published the frame when
		// the cancellation came through it; a parent shutdown lands here
		// too and still needs the terminal state asserted.
		_ = q.deps.Store.UpdateTaskStatus(parent, task.ID, forgeloop.StatusCanceled, "", 0, "")
		q.publish(task.ID, map[string]any{"status": string(forgeloop.StatusCanceled)})
	default:
		q.failTask(parent, task.ID, err.Error(), truncateTail(err.Error(), 6*1024))
	}
}

// failTask records a terminal error and emits the matching frame.
func (q *Queue) failTask(ctx context.Context, taskID, summary, trace string) {
	if err := q.deps.Store.UpdateTaskStatus(ctx, taskID, forgeloop.StatusError, "", 0, trace); err != nil {
		q.log.Error("error-status update failed", "task_id", taskID, "error", err)
	}
	q.publish(taskID, map[string]any{
		"status":    string(forgeloop.StatusError),
		"error":     summary,
		"traceback": trace,
	})
	q.log.Error("task failed", "task_id", taskID, "error", summary)
}

// publish marshals payload and hands it to the hub.
func (q *Queue) publish(taskID string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		q.log.Warn("publish: marshal failed", "task_id", taskID, "error", err)
		return
	}
	q.deps.Hub.Publish(taskID, string(data))
}

// publishStatus emits a running-progress frame with the elapsed time.
func (q *Queue) publishStatus(taskID, message, stage string) {
	payload := map[string]any{
		"status":  string(forgeloop.StatusRunning),
		"message": message,
	}
	q.mu.Lock()
	if run, ok := q.inflight[taskID]; ok {
		payload["elapsed_seconds"] = roundTenth(time.Since(run.started).Seconds())
	}
	q.mu.Unlock()
	if stage != "" {
		payload["stage"] = stage
	}
	q.publish(taskID, payload)
}

func roundTenth(v float64) float64 {
	if v < 0 {
		v = 0
	}
	return float64(int(v*10+0.5)) / 10
}

func stack() string { return string(debug.Stack()) }

func truncateTail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
