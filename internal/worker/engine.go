package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/perchboard/perch-agents/internal/events"
	"github.com/perchboard/perch-agents/internal/policy"
	"github.com/perchboard/perch-agents/internal/shared"
	"github.com/perchboard/perch-agents/internal/store"
)

// Config tunes the engine. Zero values take defaults.
type Config struct {
	WorkerCount       int
	PollInterval      time.Duration
	TaskTimeout       time.Duration
	HeartbeatInterval time.Duration
}

// Status is a point-in-time view of the engine for the admin surface.
type Status struct {
	WorkerID    string `json:"worker_id"`
	WorkerCount int    `json:"worker_count"`
	ActiveTasks int32  `json:"active_tasks"`
	LastError   string `json:"last_error,omitempty"`
}

// Engine claims tasks under a lease and finalizes processor outcomes. All
// task mutations after the claim are lease-guarded; a lost lease means the
// engine abandons the task without side effects.
type Engine struct {
	store    *store.Store
	proc     Processor
	policies *policy.Provider
	config   Config
	workerID string
	logger   *slog.Logger
	recorder *events.Recorder

	once sync.Once
	wg   sync.WaitGroup

	activeTasks atomic.Int32
	lastError   atomic.Pointer[string]
}

func New(st *store.Store, proc Processor, policies *policy.Provider, cfg Config, logger *slog.Logger, recorder *events.Recorder) *Engine {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 2 * time.Minute
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    st,
		proc:     proc,
		policies: policies,
		config:   cfg,
		workerID: "worker-" + uuid.NewString()[:8],
		logger:   logger,
		recorder: recorder,
	}
}

func (e *Engine) WorkerID() string {
	return e.workerID
}

// Start recovers stale RUNNING tasks once, then launches the worker loops.
func (e *Engine) Start(ctx context.Context) {
	e.once.Do(func() {
		n, err := e.store.RecoverRunningTasks(ctx)
		if err != nil {
			e.logger.Error("startup task recovery failed", "error", err)
		} else if n > 0 {
			e.logger.Info("recovered stale tasks on startup", "count", n)
		}
		for i := 0; i < e.config.WorkerCount; i++ {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.worker(ctx)
			}()
		}
	})
}

// Drain waits for in-flight tasks up to timeout. Tasks still running after
// the timeout keep their leases and are requeued by lease expiry or the next
// startup recovery.
func (e *Engine) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("engine drained cleanly")
	case <-time.After(timeout):
		e.logger.Warn("engine drain timeout, in-flight tasks recover via lease expiry", "timeout", timeout)
	}
}

func (e *Engine) worker(ctx context.Context) {
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if n, err := e.store.RequeueExpiredLeases(ctx); err != nil {
			e.setLastError(fmt.Errorf("requeue expired leases: %w", err))
		} else if n > 0 {
			e.logger.Info("requeued expired leases", "count", n)
		}

		processed, err := e.ProcessOne(ctx)
		if err != nil {
			e.setLastError(err)
		}
		if !processed {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}
}

// ProcessOne claims and finalizes at most one task. Returns false when no
// task was due.
func (e *Engine) ProcessOne(ctx context.Context) (bool, error) {
	task, err := e.store.ClaimNextPendingTask(ctx, e.workerID)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	e.handleTask(ctx, *task)
	return true, nil
}

func (e *Engine) handleTask(ctx context.Context, task store.QueueTask) {
	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	ctx = shared.WithTaskID(ctx, task.ID)
	ctx = shared.WithWorkerID(ctx, e.workerID)
	e.logger.Info("task processing",
		"task_id", task.ID,
		"task_type", task.TaskType,
		"persona_id", task.PersonaID,
		"trace_id", traceID)

	taskCtx, cancel := context.WithTimeout(ctx, e.config.TaskTimeout)
	defer cancel()
	e.activeTasks.Add(1)
	defer e.activeTasks.Add(-1)

	go e.heartbeat(taskCtx, task.ID)

	outcome, err := e.proc.Process(taskCtx, task)
	if err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			e.logger.Warn("lease lost during processing, abandoning task", "task_id", task.ID)
			return
		}
		if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("task timeout exceeded: %w", taskCtx.Err())
		} else if errors.Is(taskCtx.Err(), context.Canceled) {
			// Shutdown: leave the task RUNNING, lease expiry requeues it.
			return
		}
		e.failTask(ctx, task, err)
		return
	}

	// A success result must never be committed once the context has ended.
	if taskCtx.Err() != nil {
		if errors.Is(taskCtx.Err(), context.Canceled) {
			return
		}
		e.failTask(ctx, task, fmt.Errorf("context ended before finalize: %w", taskCtx.Err()))
		return
	}

	e.finalize(ctx, task, outcome)
}

func (e *Engine) heartbeat(taskCtx context.Context, taskID string) {
	ticker := time.NewTicker(e.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-taskCtx.Done():
			return
		case <-ticker.C:
			ok, err := e.store.HeartbeatLease(context.Background(), taskID, e.workerID)
			if err != nil {
				e.setLastError(fmt.Errorf("lease heartbeat: %w", err))
				continue
			}
			if !ok {
				e.setLastError(fmt.Errorf("lease heartbeat rejected for task %s", taskID))
				return
			}
		}
	}
}

// finalize applies the processor's outcome under the lease. Finalization
// runs on a background context so a shutdown between process and commit
// cannot tear the write.
func (e *Engine) finalize(ctx context.Context, task store.QueueTask, outcome Outcome) {
	bg := shared.WithTraceID(context.Background(), shared.TraceID(ctx))

	switch outcome.Kind {
	case OutcomeComplete:
		res, err := e.store.WriteIdempotentAndComplete(bg, task, e.workerID, time.Now().UTC(),
			outcome.Text, outcome.IdempotencyKey, outcome.ParentCommentID)
		if err != nil {
			if errors.Is(err, store.ErrLeaseLost) {
				e.logger.Warn("lease lost at completion, abandoning task", "task_id", task.ID)
				return
			}
			e.setLastError(err)
			e.failTask(ctx, task, err)
			return
		}
		e.logger.Info("task completed", "task_id", task.ID, "result_id", res.ResultID, "reused", res.Reused)
		e.record(bg, task, "task.completed", "")

	case OutcomeSkip:
		if err := e.store.SkipTask(bg, task.ID, e.workerID, outcome.ReasonCode); err != nil {
			if errors.Is(err, store.ErrLeaseLost) {
				e.logger.Warn("lease lost at skip, abandoning task", "task_id", task.ID)
				return
			}
			e.setLastError(err)
			return
		}
		e.logger.Info("task skipped", "task_id", task.ID, "reason", outcome.ReasonCode)
		e.record(bg, task, "task.skipped", outcome.ReasonCode)

	case OutcomeEscalate:
		pol, _ := e.policies.GetReplyPolicy(bg, policy.Scope{Capability: "reply", PersonaID: task.PersonaID})
		expiresAt := time.Now().UTC().Add(time.Duration(pol.ReviewTTLHours) * time.Hour)
		reviewID, err := e.store.EscalateTask(bg, task.ID, e.workerID, task.PersonaID,
			outcome.ReasonCode, outcome.RiskLevel, outcome.Text, outcome.ParentCommentID, expiresAt)
		if err != nil {
			if errors.Is(err, store.ErrLeaseLost) {
				e.logger.Warn("lease lost at escalation, abandoning task", "task_id", task.ID)
				return
			}
			e.setLastError(err)
			e.failTask(ctx, task, err)
			return
		}
		e.logger.Info("task escalated for review", "task_id", task.ID, "review_id", reviewID, "reason", outcome.ReasonCode)
		e.record(bg, task, "task.escalated", escalationReason(outcome.ReasonCode))

	default:
		e.failTask(ctx, task, fmt.Errorf("processor returned unknown outcome %q", outcome.Kind))
	}
}

func (e *Engine) failTask(ctx context.Context, task store.QueueTask, err error) {
	bg := shared.WithTraceID(context.Background(), shared.TraceID(ctx))
	msg := shared.Redact(err.Error())
	decision, ferr := e.store.HandleTaskFailure(bg, task.ID, e.workerID, msg)
	if ferr != nil {
		if errors.Is(ferr, store.ErrLeaseLost) {
			e.logger.Warn("lease lost at failure handling, abandoning task", "task_id", task.ID)
			return
		}
		e.setLastError(ferr)
		return
	}
	e.logger.Warn("task failed",
		"task_id", task.ID,
		"outcome", string(decision.Outcome),
		"reason", decision.ReasonCode,
		"retry_count", decision.RetryCount,
		"error", msg)
	e.record(bg, task, "task.failed", decision.ReasonCode)
}

// escalationReason buckets a gate reason code into the task escalation
// category. The specific code still rides on the review item and the log line.
func escalationReason(code string) string {
	if strings.HasPrefix(code, "SAFETY") {
		return store.ReasonEscalatedSafety
	}
	return store.ReasonEscalatedEligibility
}

func (e *Engine) record(ctx context.Context, task store.QueueTask, operation, reasonCode string) {
	e.recorder.Record(ctx, store.RuntimeEvent{
		Layer:      "worker",
		Operation:  operation,
		ReasonCode: reasonCode,
		EntityID:   task.ID,
		TaskID:     task.ID,
		PersonaID:  task.PersonaID,
		WorkerID:   e.workerID,
	})
}

func (e *Engine) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	e.lastError.Store(&msg)
}

func (e *Engine) Status() Status {
	st := Status{
		WorkerID:    e.workerID,
		WorkerCount: e.config.WorkerCount,
		ActiveTasks: e.activeTasks.Load(),
	}
	if ptr := e.lastError.Load(); ptr != nil {
		st.LastError = *ptr
	}
	return st
}
