package retry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/frahmantamala/payment-ledger/internal"
)

type job struct {
	ctx     context.Context
	task    Task
	attempt int
}

type Worker struct {
	ID         int
	WorkerPool chan chan job
	JobChannel chan job
	Logger     *slog.Logger
}

func NewWorker(id int, workerPool chan chan job, logger *slog.Logger) *Worker {
	return &Worker{
		ID:         id,
		WorkerPool: workerPool,
		JobChannel: make(chan job),
		Logger:     logger,
	}
}

func (w *Worker) Start(ctx context.Context, wg *sync.WaitGroup, processFunc func(job)) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			select {
			case w.WorkerPool <- w.JobChannel:
			case <-ctx.Done():
				w.Logger.Debug("retry worker shutting down", "worker_id", w.ID)
				return
			}

			select {
			case j := <-w.JobChannel:
				w.Logger.Debug("retry worker processing task", "worker_id", w.ID, "task", j.task.Name, "attempt", j.attempt)
				processFunc(j)
			case <-ctx.Done():
				w.Logger.Debug("retry worker shutting down", "worker_id", w.ID)
				return
			}
		}
	}()
}

// Start launches the worker pool and dispatcher used by Submit.
func (e *Executor) Start() {
	e.once.Do(func() {
		for i := 0; i < e.maxWorkers; i++ {
			worker := NewWorker(i, e.workerPool, e.logger)
			worker.Start(e.ctx, &e.wg, e.process)
		}

		e.wg.Add(1)
		go e.dispatch()

		e.logger.Info("retry executor worker pool started",
			"max_workers", e.maxWorkers,
			"queue_size", cap(e.jobQueue))
	})
}

func (e *Executor) dispatch() {
	defer e.wg.Done()

	for {
		select {
		case j := <-e.jobQueue:
			select {
			case jobChannel := <-e.workerPool:
				select {
				case jobChannel <- j:
				case <-e.ctx.Done():
					e.abandon(j, "executor stopped before dispatch")
					return
				}
			case <-e.ctx.Done():
				e.abandon(j, "executor stopped before dispatch")
				return
			}
		case <-e.ctx.Done():
			e.logger.Info("retry dispatcher shutting down")
			return
		}
	}
}

// Submit queues task for asynchronous execution. The task keeps ctx's
// values (correlation id) but not its cancellation.
func (e *Executor) Submit(ctx context.Context, task Task) error {
	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		return ErrExecutorStopped
	}

	j := job{ctx: context.WithoutCancel(ctx), task: task, attempt: 1}
	select {
	case e.jobQueue <- j:
		e.logger.Debug("task queued",
			"task", task.Name,
			"reference", task.Reference,
			"queue_length", len(e.jobQueue),
			"correlation_id", internal.CorrelationIDFromContext(ctx))
		return nil
	default:
		e.logger.Warn("retry queue full, rejecting task",
			"task", task.Name,
			"reference", task.Reference,
			"queue_capacity", cap(e.jobQueue),
			"correlation_id", internal.CorrelationIDFromContext(ctx))
		return ErrQueueFull
	}
}

// process runs one attempt and, on a retryable failure, parks the next
// attempt on a timer instead of holding the worker.
func (e *Executor) process(j job) {
	err := e.runAttempt(j.ctx, j.task, j.attempt)
	if err == nil {
		complete(j.task, nil)
		return
	}

	if !internal.IsRetryable(err) {
		e.logFatal(j.ctx, j.task, j.attempt, err)
		complete(j.task, err)
		return
	}

	maxAttempts := j.task.Policy.attempts()
	if j.attempt >= maxAttempts {
		complete(j.task, e.exhausted(j.ctx, j.task, j.attempt, err))
		return
	}

	delay := j.task.Policy.Delay(j.attempt - 1)
	e.logRetry(j.ctx, j.task, j.attempt, delay, err)

	next := job{ctx: j.ctx, task: j.task, attempt: j.attempt + 1}
	e.schedule(next, delay)
}

func (e *Executor) schedule(j job, delay time.Duration) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		e.abandon(j, "executor stopped before retry")
		return
	}
	defer e.mu.Unlock()

	e.timers.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		defer e.timers.Done()

		e.mu.Lock()
		delete(e.pending, timer)
		stopped := e.stopped
		e.mu.Unlock()

		if stopped {
			e.abandon(j, "executor stopped before retry")
			return
		}
		e.jobQueue <- j
	})
	e.pending[timer] = j
}

// abandon records a task that will never run again so it is not lost.
func (e *Executor) abandon(j job, reason string) {
	e.logger.Warn("task abandoned",
		"task", j.task.Name,
		"reference", j.task.Reference,
		"attempt", j.attempt,
		"reason", reason,
		"correlation_id", internal.CorrelationIDFromContext(j.ctx))
	err := ErrExecutorStopped.WithMessage(reason)
	e.recordDeadLetter(j.ctx, j.task, j.attempt-1, err)
	complete(j.task, err)
}

// Shutdown stops the pool. Queued tasks and parked retries are recorded as
// failed rather than dropped.
func (e *Executor) Shutdown() {
	e.logger.Info("shutting down retry executor")

	e.mu.Lock()
	e.stopped = true
	var parked []job
	for timer, j := range e.pending {
		if timer.Stop() {
			parked = append(parked, j)
			delete(e.pending, timer)
			e.timers.Done()
		}
	}
	e.mu.Unlock()

	for _, j := range parked {
		e.abandon(j, "executor stopped before retry")
	}
	e.timers.Wait()

	e.cancel()
	e.wg.Wait()

	for {
		select {
		case j := <-e.jobQueue:
			e.abandon(j, "executor stopped before dispatch")
		default:
			e.logger.Info("retry executor shutdown complete")
			return
		}
	}
}

func complete(task Task, err error) {
	if task.OnComplete != nil {
		task.OnComplete(err)
	}
}
