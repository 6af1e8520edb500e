package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Executor performs the external side effect for one task type. Executors
// must consult task.TxHash before submitting anything: a non-empty value
// means a previous attempt crashed after submit, and the submission must
// not be repeated. Immediately after any submission, and before returning,
// the executor must call submitted(txHash) so the hash is durable before
// the task reaches a terminal state.
type Executor interface {
	Execute(ctx context.Context, task Task, submitted func(txHash string) error) (result string, txHash string, err error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task Task, submitted func(string) error) (string, string, error)

func (f ExecutorFunc) Execute(ctx context.Context, task Task, submitted func(string) error) (string, string, error) {
	return f(ctx, task, submitted)
}

// Worker polls the queue and dispatches claimed tasks to executors by task
// type. Any number of workers may run concurrently; the claim predicate in
// the database guarantees at most one executes a given task at a time.
type Worker struct {
	queue        *Queue
	workerID     string
	lockTTL      time.Duration
	pollInterval time.Duration
	executors    map[string]Executor
	logger       *slog.Logger
}

// NewWorker creates a worker. workerID must be stable for the process
// lifetime so stale completions can be fenced.
func NewWorker(queue *Queue, workerID string, lockTTL, pollInterval time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:        queue,
		workerID:     workerID,
		lockTTL:      lockTTL,
		pollInterval: pollInterval,
		executors:    make(map[string]Executor),
		logger:       logger.With("component", "outbox-worker", "worker_id", workerID),
	}
}

// Register binds an executor to a task type.
func (w *Worker) Register(taskType string, exec Executor) {
	w.executors[taskType] = exec
}

// Run polls until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "worker started", "poll_interval", w.pollInterval, "lock_ttl", w.lockTTL)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		if err := w.RunOnce(ctx); err != nil && !errors.Is(err, ErrNoTaskAvailable) {
			w.logger.ErrorContext(ctx, "task pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "worker stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce claims and executes a single task. Returns ErrNoTaskAvailable
// when the queue is drained.
func (w *Worker) RunOnce(ctx context.Context) error {
	task, err := w.queue.Claim(ctx, w.workerID, w.lockTTL)
	if err != nil {
		return err
	}

	log := w.logger.With("task_id", task.TaskID, "task_type", task.TaskType, "attempt", task.Attempts)

	exec, ok := w.executors[task.TaskType]
	if !ok {
		// No executor wired for this type: fail the task rather than
		// letting it bounce between workers forever.
		log.WarnContext(ctx, "no executor registered")
		_, err := w.queue.Complete(ctx, task.TaskID, w.workerID, StatusFailed, "", "",
			fmt.Sprintf("no executor registered for task_type %q", task.TaskType))
		return err
	}

	if task.TxHash != "" {
		log.InfoContext(ctx, "resuming task with prior submission", "tx_hash", task.TxHash)
	}

	submitted := func(txHash string) error {
		return w.queue.RecordSubmission(ctx, task.TaskID, w.workerID, txHash)
	}

	result, txHash, execErr := exec.Execute(ctx, task, submitted)
	if execErr != nil {
		log.ErrorContext(ctx, "task failed", "error", execErr)
		_, err := w.queue.Complete(ctx, task.TaskID, w.workerID, StatusFailed, result, txHash, execErr.Error())
		return err
	}

	final, err := w.queue.Complete(ctx, task.TaskID, w.workerID, StatusSucceeded, result, txHash, "")
	if err != nil {
		return err
	}
	log.InfoContext(ctx, "task completed", "status", final.Status, "tx_hash", final.TxHash)
	return nil
}
