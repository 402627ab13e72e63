package retry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/frahmantamala/payment-ledger/internal"
	"github.com/frahmantamala/payment-ledger/internal/core/datamodel/payment"
)

// Task is a unit of work executed under a retry policy. Fn receives the
// 1-based attempt number.
type Task struct {
	Name      string
	Reference string
	Policy    Policy
	Fn        func(ctx context.Context, attempt int) error
	// OnComplete, if set, receives the final outcome of an asynchronous task.
	OnComplete func(err error)
}

// DeadLetterStore durably records tasks that exhausted their retries.
type DeadLetterStore interface {
	RecordFailedTask(ctx context.Context, t *payment.FailedTask) error
}

var ErrQueueFull = internal.NewTransientError("retry queue is full", "QUEUE_FULL")

var ErrExecutorStopped = internal.NewInternalError("retry executor stopped", nil)

type Config struct {
	Workers   int
	QueueSize int
}

type Executor struct {
	logger      *slog.Logger
	deadLetters DeadLetterStore

	jobQueue   chan job
	workerPool chan chan job
	maxWorkers int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	timers sync.WaitGroup
	once   sync.Once

	mu      sync.Mutex
	pending map[*time.Timer]job
	stopped bool
}

func NewExecutor(cfg Config, deadLetters DeadLetterStore, logger *slog.Logger) *Executor {
	ctx, cancel := context.WithCancel(context.Background())

	maxWorkers := cfg.Workers
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 100
	}

	return &Executor{
		logger:      logger,
		deadLetters: deadLetters,
		jobQueue:    make(chan job, queueSize),
		workerPool:  make(chan chan job, maxWorkers),
		maxWorkers:  maxWorkers,
		ctx:         ctx,
		cancel:      cancel,
		pending:     make(map[*time.Timer]job),
	}
}

// Do runs task synchronously, sleeping between attempts. Fatal errors are
// returned at once; exhaustion is recorded and reported as ErrRetriesExhausted.
func (e *Executor) Do(ctx context.Context, task Task) error {
	maxAttempts := task.Policy.attempts()
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := e.runAttempt(ctx, task, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if !internal.IsRetryable(err) {
			e.logFatal(ctx, task, attempt, err)
			return err
		}
		if attempt == maxAttempts {
			break
		}

		delay := task.Policy.Delay(attempt - 1)
		e.logRetry(ctx, task, attempt, delay, err)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			e.logger.Warn("retry abandoned: context done",
				"task", task.Name,
				"reference", task.Reference,
				"retry_count", attempt,
				"correlation_id", internal.CorrelationIDFromContext(ctx),
				"error", ctx.Err())
			return lastErr
		}
	}

	return e.exhausted(ctx, task, maxAttempts, lastErr)
}

func (e *Executor) runAttempt(ctx context.Context, task Task, attempt int) error {
	attemptCtx := ctx
	if task.Policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, task.Policy.AttemptTimeout)
		defer cancel()
	}

	e.logger.Debug("task attempt",
		"task", task.Name,
		"reference", task.Reference,
		"attempt", attempt,
		"retry_count", attempt-1,
		"correlation_id", internal.CorrelationIDFromContext(ctx))

	return classify(task.Fn(attemptCtx, attempt))
}

// classify makes deadline expiry retryable even when the task returned it raw.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := internal.IsAppError(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return internal.ErrProviderTimeout.WithCause(err)
	}
	return err
}

func (e *Executor) exhausted(ctx context.Context, task Task, attempts int, lastErr error) error {
	correlationID := internal.CorrelationIDFromContext(ctx)

	e.logger.Error("task permanently failed: retries exhausted",
		"task", task.Name,
		"reference", task.Reference,
		"attempts", attempts,
		"retry_count", attempts-1,
		"correlation_id", correlationID,
		"error", lastErr)

	e.recordDeadLetter(ctx, task, attempts, lastErr)

	return internal.ErrRetriesExhausted.
		WithCause(lastErr).
		WithDetails(map[string]interface{}{"task": task.Name, "attempts": attempts})
}

func (e *Executor) recordDeadLetter(ctx context.Context, task Task, attempts int, lastErr error) {
	if e.deadLetters == nil {
		return
	}
	msg := ""
	if lastErr != nil {
		msg = lastErr.Error()
	}
	record := &payment.FailedTask{
		TaskName:      task.Name,
		Reference:     task.Reference,
		Attempts:      attempts,
		LastError:     msg,
		CorrelationID: internal.CorrelationIDFromContext(ctx),
	}
	if err := e.deadLetters.RecordFailedTask(context.WithoutCancel(ctx), record); err != nil {
		e.logger.Error("failed to record exhausted task",
			"task", task.Name,
			"reference", task.Reference,
			"correlation_id", record.CorrelationID,
			"error", err)
	}
}

func (e *Executor) logRetry(ctx context.Context, task Task, attempt int, delay time.Duration, err error) {
	e.logger.Warn("task attempt failed, retrying",
		"task", task.Name,
		"reference", task.Reference,
		"attempt", attempt,
		"retry_count", attempt,
		"max_attempts", task.Policy.attempts(),
		"delay", delay.String(),
		"correlation_id", internal.CorrelationIDFromContext(ctx),
		"error", err)
}

func (e *Executor) logFatal(ctx context.Context, task Task, attempt int, err error) {
	e.logger.Warn("task failed with non-retryable error",
		"task", task.Name,
		"reference", task.Reference,
		"attempt", attempt,
		"retry_count", attempt-1,
		"correlation_id", internal.CorrelationIDFromContext(ctx),
		"error", err)
}
