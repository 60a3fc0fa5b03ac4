package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/perchboard/perch-agents/internal/bus"
)

// Reason codes for retry and terminal task states.
const (
	ReasonRetryProcessorError   = "RETRY_PROCESSOR_ERROR"
	ReasonFailedPoisonPill      = "FAILED_POISON_PILL"
	ReasonFailedMaxRetries      = "FAILED_MAX_RETRIES"
	ReasonEscalatedSafety       = "ESCALATED_SAFETY_AMBIGUOUS"
	ReasonEscalatedEligibility  = "ESCALATED_ELIGIBILITY_AMBIGUOUS"
	ReasonLeaseExpiredRequeued  = "LEASE_EXPIRED_REQUEUED"
	ReasonStartupRecovery       = "STARTUP_RECOVERY"
)

type TaskStatus string

const (
	TaskStatusPending  TaskStatus = "PENDING"
	TaskStatusRunning  TaskStatus = "RUNNING"
	TaskStatusInReview TaskStatus = "IN_REVIEW"
	TaskStatusDone     TaskStatus = "DONE"
	TaskStatusSkipped  TaskStatus = "SKIPPED"
	TaskStatusFailed   TaskStatus = "FAILED"
)

// Terminal states never revert; RUNNING may return to PENDING only through
// retry backoff or lease recovery.
var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusPending: {
		TaskStatusRunning: {},
		TaskStatusSkipped: {},
	},
	TaskStatusRunning: {
		TaskStatusDone:     {},
		TaskStatusSkipped:  {},
		TaskStatusInReview: {},
		TaskStatusFailed:   {},
		TaskStatusPending:  {}, // retry backoff or lease recovery requeue
	},
	TaskStatusInReview: {
		TaskStatusDone:    {},
		TaskStatusSkipped: {},
		TaskStatusFailed:  {},
	},
}

// QueueTask is a unit of dispatched work bound to one persona.
type QueueTask struct {
	ID            string     `json:"id"`
	PersonaID     string     `json:"persona_id"`
	TaskType      string     `json:"task_type"`
	Status        TaskStatus `json:"status"`
	Payload       string     `json:"payload"`
	ScheduledAt   time.Time  `json:"scheduled_at"`
	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
	LeaseOwner    string     `json:"lease_owner,omitempty"`
	LeaseUntil    *time.Time `json:"lease_until,omitempty"`
	ResultID      string     `json:"result_id,omitempty"`
	ResultType    string     `json:"result_type,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	PoisonCount   int        `json:"poison_count,omitempty"`
	PolicyVersion string     `json:"policy_version,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type FailureOutcome string

const (
	FailureOutcomeRetried FailureOutcome = "RETRIED"
	FailureOutcomeFailed  FailureOutcome = "FAILED"
)

// FailureDecision reports how a task failure was resolved.
type FailureDecision struct {
	Outcome          FailureOutcome `json:"outcome"`
	RetryCount       int            `json:"retry_count"`
	MaxRetries       int            `json:"max_retries"`
	BackoffUntil     *time.Time     `json:"backoff_until,omitempty"`
	ReasonCode       string         `json:"reason_code"`
	ErrorFingerprint string         `json:"error_fingerprint"`
	PoisonCount      int            `json:"poison_count"`
}

// CompletionResult reports the outcome of an idempotent completion.
type CompletionResult struct {
	ResultID   string `json:"result_id"`
	ResultType string `json:"result_type"`
	Reused     bool   `json:"reused"`
}

func scanTask(scanFn func(dest ...any) error, task *QueueTask) error {
	var leaseUntil sql.NullTime
	var resultID, resultType, errMsg, policyVersion sql.NullString
	if err := scanFn(
		&task.ID,
		&task.PersonaID,
		&task.TaskType,
		&task.Status,
		&task.Payload,
		&task.ScheduledAt,
		&task.RetryCount,
		&task.MaxRetries,
		&task.LeaseOwner,
		&leaseUntil,
		&resultID,
		&resultType,
		&errMsg,
		&task.PoisonCount,
		&policyVersion,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return err
	}
	if leaseUntil.Valid {
		t := leaseUntil.Time
		task.LeaseUntil = &t
	}
	task.ResultID = resultID.String
	task.ResultType = resultType.String
	task.ErrorMessage = errMsg.String
	task.PolicyVersion = policyVersion.String
	return nil
}

const taskColumns = `id, persona_id, task_type, status, payload, scheduled_at,
	retry_count, max_retries, COALESCE(lease_owner, ''), lease_until,
	result_id, result_type, error_message, poison_count, policy_version,
	created_at, updated_at`

// CreateTask inserts a PENDING queue task and appends its enqueue event.
func (s *Store) CreateTask(ctx context.Context, personaID, taskType, payload string, maxRetries int) (string, error) {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	taskID := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO queue_tasks (
				id, persona_id, task_type, status, payload, scheduled_at, retry_count, max_retries, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, 0, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, taskID, personaID, taskType, TaskStatusPending, payload, maxRetries); err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, "", TaskStatusPending, "task.enqueued", `{"reason":"dispatch"}`); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return taskID, nil
}

// ClaimNextPendingTask atomically claims the oldest due PENDING task for the
// given worker: the conditional UPDATE on status guarantees at most one
// concurrent claimant. Returns nil when no task is due.
func (s *Store) ClaimNextPendingTask(ctx context.Context, workerID string) (*QueueTask, error) {
	var result *QueueTask
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var task QueueTask
		row := tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+`
			FROM queue_tasks
			WHERE status = ? AND scheduled_at <= CURRENT_TIMESTAMP
			ORDER BY created_at ASC, id ASC
			LIMIT 1;
		`, TaskStatusPending)
		if scanErr := scanTask(row.Scan, &task); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				_ = tx.Rollback()
				result = nil
				return nil
			}
			return fmt.Errorf("select pending task: %w", scanErr)
		}

		leaseUntil := time.Now().UTC().Add(defaultLeaseDuration)
		res, err := tx.ExecContext(ctx, `
			UPDATE queue_tasks
			SET status = ?, lease_owner = ?, lease_until = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, TaskStatusRunning, workerID, leaseUntil, task.ID, TaskStatusPending)
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		if affected != 1 {
			// Lost the race to another worker; caller polls again.
			_ = tx.Rollback()
			result = nil
			return nil
		}
		if err := s.appendTaskEventTx(ctx, tx, task.ID, TaskStatusPending, TaskStatusRunning, "task.claimed", fmt.Sprintf(`{"worker_id":%q}`, workerID)); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		task.Status = TaskStatusRunning
		task.LeaseOwner = workerID
		task.LeaseUntil = &leaseUntil
		result = &task
		return nil
	})
	return result, err
}

// PinPolicyVersion records the policy version in effect for a running task.
func (s *Store) PinPolicyVersion(ctx context.Context, taskID, leaseOwner, policyVersion string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_tasks
		SET policy_version = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND lease_owner = ? AND status = ?;
	`, policyVersion, taskID, leaseOwner, TaskStatusRunning)
	if err != nil {
		return fmt.Errorf("pin policy version: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("pin policy rows affected: %w", err)
	}
	if n != 1 {
		return ErrLeaseLost
	}
	return nil
}

// HeartbeatLease extends the lease while a worker is processing. A false
// return means the lease was lost and the worker must stop.
func (s *Store) HeartbeatLease(ctx context.Context, taskID, leaseOwner string) (bool, error) {
	if leaseOwner == "" {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_tasks
		SET lease_until = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND lease_owner = ? AND status = ?;
	`, time.Now().UTC().Add(defaultLeaseDuration), taskID, leaseOwner, TaskStatusRunning)
	if err != nil {
		return false, fmt.Errorf("heartbeat lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return n == 1, nil
}

// RequeueExpiredLeases returns RUNNING tasks with expired leases to PENDING
// so another worker can claim them.
func (s *Store) RequeueExpiredLeases(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin requeue expired leases tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id
		FROM queue_tasks
		WHERE status = ?
		  AND lease_until IS NOT NULL
		  AND lease_until <= CURRENT_TIMESTAMP;
	`, TaskStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("query expired leases: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("scan expired lease task: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate expired lease tasks: %w", err)
	}

	var reclaimed int64
	for _, id := range ids {
		ok, err := s.transitionTaskTx(ctx, tx, id,
			[]TaskStatus{TaskStatusRunning}, TaskStatusPending,
			"task.lease_expired_requeued", fmt.Sprintf(`{"reason_code":%q}`, ReasonLeaseExpiredRequeued), nil)
		if err != nil {
			return 0, fmt.Errorf("requeue expired transition: %w", err)
		}
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE queue_tasks
			SET lease_owner = NULL, lease_until = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, id, TaskStatusPending); err != nil {
			return 0, fmt.Errorf("clear lease after requeue: %w", err)
		}
		reclaimed++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit requeue expired leases tx: %w", err)
	}
	return reclaimed, nil
}

// RecoverRunningTasks requeues every RUNNING task at startup. Any lease held
// before a crash is treated as dead.
func (s *Store) RecoverRunningTasks(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin recover tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM queue_tasks WHERE status = ?;`, TaskStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("query recoverable tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("scan recoverable task: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate recoverable tasks: %w", err)
	}

	var recovered int64
	for _, id := range ids {
		ok, err := s.transitionTaskTx(ctx, tx, id,
			[]TaskStatus{TaskStatusRunning}, TaskStatusPending,
			"task.recovered", fmt.Sprintf(`{"reason_code":%q}`, ReasonStartupRecovery), nil)
		if err != nil {
			return 0, fmt.Errorf("recover task transition: %w", err)
		}
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE queue_tasks
			SET lease_owner = NULL, lease_until = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, id, TaskStatusPending); err != nil {
			return 0, fmt.Errorf("clear lease on recovery requeue: %w", err)
		}
		recovered++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit recover tx: %w", err)
	}
	return recovered, nil
}

// WriteIdempotentAndComplete commits a reply result exactly once. Within a
// single transaction it checks the idempotency record for (taskType, key):
// when present it reuses the recorded result id; when absent it creates the
// reply artifact and the record. Either way the task transitions RUNNING→DONE
// under the caller's lease. Returns ErrLeaseLost if the lease guard fails.
func (s *Store) WriteIdempotentAndComplete(
	ctx context.Context,
	task QueueTask,
	workerID string,
	now time.Time,
	text string,
	idempotencyKey string,
	parentCommentID string,
) (CompletionResult, error) {
	var out CompletionResult
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin complete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		// Lease guard before any side effect.
		var current TaskStatus
		var leaseOwner string
		err = tx.QueryRowContext(ctx, `
			SELECT status, COALESCE(lease_owner, '')
			FROM queue_tasks
			WHERE id = ?;
		`, task.ID).Scan(&current, &leaseOwner)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrLeaseLost
		}
		if err != nil {
			return fmt.Errorf("read task for completion: %w", err)
		}
		if current != TaskStatusRunning || leaseOwner != workerID {
			return ErrLeaseLost
		}

		resultID := ""
		resultType := "reply"
		reused := false

		var existingID, existingType string
		switch err := tx.QueryRowContext(ctx, `
			SELECT result_id, result_type
			FROM idempotency_records
			WHERE task_type = ? AND idempotency_key = ?;
		`, task.TaskType, idempotencyKey).Scan(&existingID, &existingType); {
		case err == nil:
			resultID = existingID
			resultType = existingType
			reused = true
		case errors.Is(err, sql.ErrNoRows):
			resultID = uuid.NewString()
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO reply_artifacts (id, task_id, persona_id, body, parent_comment_id, created_at)
				VALUES (?, ?, ?, ?, NULLIF(?, ''), ?);
			`, resultID, task.ID, task.PersonaID, text, parentCommentID, now.UTC()); err != nil {
				return fmt.Errorf("insert reply artifact: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO idempotency_records (task_type, idempotency_key, result_id, result_type, task_id, created_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(task_type, idempotency_key) DO NOTHING;
			`, task.TaskType, idempotencyKey, resultID, resultType, task.ID, now.UTC()); err != nil {
				return fmt.Errorf("insert idempotency record: %w", err)
			}
		default:
			return fmt.Errorf("read idempotency record: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE queue_tasks
			SET status = ?, result_id = ?, result_type = ?,
				lease_owner = NULL, lease_until = NULL, error_message = NULL,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ? AND lease_owner = ?;
		`, TaskStatusDone, resultID, resultType, task.ID, TaskStatusRunning, workerID)
		if err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("complete rows affected: %w", err)
		}
		if affected != 1 {
			return ErrLeaseLost
		}
		if err := s.appendTaskEventTx(ctx, tx, task.ID, TaskStatusRunning, TaskStatusDone, "task.done",
			fmt.Sprintf(`{"result_id":%q,"reused":%t}`, resultID, reused)); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit complete tx: %w", err)
		}
		out = CompletionResult{ResultID: resultID, ResultType: resultType, Reused: reused}
		return nil
	})
	if err != nil {
		return CompletionResult{}, err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskDone, map[string]string{
			"task_id":    task.ID,
			"persona_id": task.PersonaID,
			"result_id":  out.ResultID,
		})
	}
	return out, nil
}

// SkipTask transitions a running task to SKIPPED under the caller's lease.
func (s *Store) SkipTask(ctx context.Context, taskID, leaseOwner, reasonCode string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin skip tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE queue_tasks
		SET status = ?, lease_owner = NULL, lease_until = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ? AND lease_owner = ?;
	`, TaskStatusSkipped, taskID, TaskStatusRunning, leaseOwner)
	if err != nil {
		return fmt.Errorf("skip task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("skip rows affected: %w", err)
	}
	if affected != 1 {
		return ErrLeaseLost
	}
	if err := s.appendTaskEventTx(ctx, tx, taskID, TaskStatusRunning, TaskStatusSkipped, "task.skipped",
		fmt.Sprintf(`{"reason_code":%q}`, reasonCode)); err != nil {
		return err
	}
	return tx.Commit()
}

// HandleTaskFailure applies retry/backoff/terminal decisions for a RUNNING
// task under the caller's lease. Identical consecutive errors count toward a
// poison threshold that short-circuits to FAILED.
func (s *Store) HandleTaskFailure(ctx context.Context, taskID, leaseOwner, errMsg string) (FailureDecision, error) {
	var decision FailureDecision
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin handle failure tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var (
			status          TaskStatus
			owner           string
			retryCount      int
			maxRetries      int
			lastFingerprint sql.NullString
			poisonCount     int
		)
		if err := tx.QueryRowContext(ctx, `
			SELECT status, COALESCE(lease_owner, ''), retry_count, max_retries, last_error_fingerprint, poison_count
			FROM queue_tasks
			WHERE id = ?;
		`, taskID).Scan(&status, &owner, &retryCount, &maxRetries, &lastFingerprint, &poisonCount); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrLeaseLost
			}
			return fmt.Errorf("select task for failure handling: %w", err)
		}
		if status != TaskStatusRunning || owner != leaseOwner {
			return ErrLeaseLost
		}
		if maxRetries <= 0 {
			maxRetries = defaultMaxRetries
		}

		nextRetry := retryCount + 1
		fingerprint := errorFingerprint(errMsg)
		nextPoison := 1
		if lastFingerprint.Valid && lastFingerprint.String == fingerprint {
			nextPoison = poisonCount + 1
		}

		decision = FailureDecision{
			RetryCount:       nextRetry,
			MaxRetries:       maxRetries,
			ErrorFingerprint: fingerprint,
			PoisonCount:      nextPoison,
		}

		reasonCode := ReasonRetryProcessorError
		terminal := false
		if nextPoison >= poisonThreshold {
			reasonCode = ReasonFailedPoisonPill
			terminal = true
		}
		if nextRetry >= maxRetries {
			reasonCode = ReasonFailedMaxRetries
			terminal = true
		}
		decision.ReasonCode = reasonCode

		if terminal {
			ok, err := s.transitionTaskTx(ctx, tx, taskID,
				[]TaskStatus{TaskStatusRunning}, TaskStatusFailed,
				"task.failed",
				fmt.Sprintf(`{"reason_code":%q,"retry_count":%d,"max_retries":%d}`, reasonCode, nextRetry, maxRetries),
				&errMsg)
			if err != nil {
				return fmt.Errorf("transition to failed: %w", err)
			}
			if !ok {
				return ErrLeaseLost
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE queue_tasks
				SET retry_count = ?, last_error_fingerprint = ?, poison_count = ?,
					lease_owner = NULL, lease_until = NULL, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?;
			`, nextRetry, fingerprint, nextPoison, taskID, TaskStatusFailed); err != nil {
				return fmt.Errorf("update failed metadata: %w", err)
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit failed tx: %w", err)
			}
			decision.Outcome = FailureOutcomeFailed
			return nil
		}

		delay := retryDelay(taskID, nextRetry)
		availableAt := time.Now().UTC().Add(delay)
		decision.Outcome = FailureOutcomeRetried
		decision.BackoffUntil = &availableAt

		ok, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusRunning}, TaskStatusPending,
			"task.retry_scheduled",
			fmt.Sprintf(`{"reason_code":%q,"retry_count":%d,"max_retries":%d,"delay_ms":%d}`, reasonCode, nextRetry, maxRetries, delay.Milliseconds()),
			&errMsg)
		if err != nil {
			return fmt.Errorf("transition to pending for retry: %w", err)
		}
		if !ok {
			return ErrLeaseLost
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE queue_tasks
			SET retry_count = ?, scheduled_at = ?, last_error_fingerprint = ?, poison_count = ?,
				lease_owner = NULL, lease_until = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, nextRetry, availableAt, fingerprint, nextPoison, taskID, TaskStatusPending); err != nil {
			return fmt.Errorf("update retry metadata: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return FailureDecision{}, err
	}
	if s.bus != nil && decision.Outcome == FailureOutcomeFailed {
		s.bus.Publish(bus.TopicTaskFailed, map[string]string{"task_id": taskID, "reason_code": decision.ReasonCode})
	}
	return decision, nil
}

// GetTask fetches one queue task by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (*QueueTask, error) {
	var task QueueTask
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM queue_tasks WHERE id = ?;`, taskID)
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// QueueCounts returns the number of tasks per status.
func (s *Store) QueueCounts(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM queue_tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("queue counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int)
	for rows.Next() {
		var status TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan queue count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue count rows: %w", err)
	}
	return counts, nil
}

// PendingDepth returns the number of PENDING tasks (for backpressure checks).
func (s *Store) PendingDepth(ctx context.Context) (int, error) {
	var depth int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM queue_tasks WHERE status = ?;`, TaskStatusPending).Scan(&depth); err != nil {
		return 0, fmt.Errorf("pending depth: %w", err)
	}
	return depth, nil
}
