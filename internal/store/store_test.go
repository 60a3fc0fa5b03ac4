package store_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/perchboard/perch-agents/internal/store"
)

func openTestStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "perch.db")
	s, err := store.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s, dbPath
}

func createReplyTask(t *testing.T, s *store.Store, personaID string) string {
	t.Helper()
	taskID, err := s.CreateTask(context.Background(), personaID, "reply", `{"post_id":"p1"}`, 3)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return taskID
}

func claimTask(t *testing.T, s *store.Store, workerID string) *store.QueueTask {
	t.Helper()
	task, err := s.ClaimNextPendingTask(context.Background(), workerID)
	if err != nil {
		t.Fatalf("claim task: %v", err)
	}
	if task == nil {
		t.Fatalf("expected a claimable task")
	}
	return task
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	s, _ := openTestStore(t)
	db := s.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	// SQLite FULL == 2.
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	requiredTables := []string{
		"schema_migrations", "task_intents", "source_checkpoints", "queue_tasks",
		"task_events", "idempotency_records", "reply_artifacts", "policy_releases",
		"review_queue", "review_events", "runtime_events", "personas", "kv_store",
	}
	for _, table := range requiredTables {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestStore_OpenRejectsFutureSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "perch.db")

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		t.Fatalf("create schema_migrations: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO schema_migrations(version, checksum) VALUES(999, 'future');`); err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	_ = db.Close()

	_, err = store.Open(dbPath, nil)
	if err == nil {
		t.Fatalf("expected error for future schema version")
	}
	if !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer-version error, got %v", err)
	}
}

func TestStore_OpenRejectsChecksumMismatch(t *testing.T) {
	s, dbPath := openTestStore(t)
	if _, err := s.DB().Exec(`UPDATE schema_migrations SET checksum='tampered';`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	_, err := store.Open(dbPath, nil)
	if err == nil {
		t.Fatalf("expected checksum mismatch error")
	}
	if !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch error, got %v", err)
	}
}

func TestStore_ClaimMovesTaskToRunningWithLease(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	taskID := createReplyTask(t, s, "persona-1")
	task := claimTask(t, s, "worker-a")

	if task.ID != taskID {
		t.Fatalf("claimed wrong task: got %s want %s", task.ID, taskID)
	}
	if task.Status != store.TaskStatusRunning {
		t.Fatalf("expected RUNNING, got %s", task.Status)
	}
	if task.LeaseOwner != "worker-a" {
		t.Fatalf("expected lease owner worker-a, got %q", task.LeaseOwner)
	}
	if task.LeaseUntil == nil || !task.LeaseUntil.After(time.Now().UTC()) {
		t.Fatalf("expected future lease_until, got %v", task.LeaseUntil)
	}

	// Queue is empty now.
	next, err := s.ClaimNextPendingTask(ctx, "worker-b")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if next != nil {
		t.Fatalf("expected no claimable task, got %s", next.ID)
	}
}

func TestStore_ClaimSkipsFutureScheduledTasks(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	taskID := createReplyTask(t, s, "persona-1")
	future := time.Now().UTC().Add(time.Hour)
	if _, err := s.DB().Exec(`UPDATE queue_tasks SET scheduled_at = ? WHERE id = ?;`, future, taskID); err != nil {
		t.Fatalf("push scheduled_at: %v", err)
	}

	task, err := s.ClaimNextPendingTask(ctx, "worker-a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if task != nil {
		t.Fatalf("expected no due task, got %s", task.ID)
	}
}

func TestStore_WriteIdempotentAndComplete(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	createReplyTask(t, s, "persona-1")
	task := claimTask(t, s, "worker-a")

	now := time.Now().UTC()
	res, err := s.WriteIdempotentAndComplete(ctx, *task, "worker-a", now, "hello thread", "reply:post:p1", "c-77")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.Reused {
		t.Fatalf("first completion must not be reused")
	}
	if res.ResultID == "" || res.ResultType != "reply" {
		t.Fatalf("unexpected completion result: %+v", res)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != store.TaskStatusDone {
		t.Fatalf("expected DONE, got %s", got.Status)
	}
	if got.ResultID != res.ResultID {
		t.Fatalf("task result id mismatch: %s vs %s", got.ResultID, res.ResultID)
	}

	var body string
	if err := s.DB().QueryRow(`SELECT body FROM reply_artifacts WHERE id = ?;`, res.ResultID).Scan(&body); err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if body != "hello thread" {
		t.Fatalf("artifact body mismatch: %q", body)
	}
}

func TestStore_CompletionReusesExistingIdempotencyRecord(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	createReplyTask(t, s, "persona-1")
	first := claimTask(t, s, "worker-a")
	res1, err := s.WriteIdempotentAndComplete(ctx, *first, "worker-a", time.Now().UTC(), "same reply", "reply:post:p1", "")
	if err != nil {
		t.Fatalf("first completion: %v", err)
	}

	// A second task for the same source must reuse the recorded result.
	createReplyTask(t, s, "persona-1")
	second := claimTask(t, s, "worker-b")
	res2, err := s.WriteIdempotentAndComplete(ctx, *second, "worker-b", time.Now().UTC(), "different text", "reply:post:p1", "")
	if err != nil {
		t.Fatalf("second completion: %v", err)
	}
	if !res2.Reused {
		t.Fatalf("expected reused completion")
	}
	if res2.ResultID != res1.ResultID {
		t.Fatalf("expected reused result id %s, got %s", res1.ResultID, res2.ResultID)
	}

	var artifacts int
	if err := s.DB().QueryRow(`SELECT COUNT(1) FROM reply_artifacts;`).Scan(&artifacts); err != nil {
		t.Fatalf("count artifacts: %v", err)
	}
	if artifacts != 1 {
		t.Fatalf("expected exactly one artifact, got %d", artifacts)
	}
}

func TestStore_CompletionAfterLostLeaseReturnsErrLeaseLost(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	createReplyTask(t, s, "persona-1")
	task := claimTask(t, s, "worker-a")

	// Another process steals the lease.
	if _, err := s.DB().Exec(`UPDATE queue_tasks SET lease_owner = 'worker-b' WHERE id = ?;`, task.ID); err != nil {
		t.Fatalf("steal lease: %v", err)
	}

	_, err := s.WriteIdempotentAndComplete(ctx, *task, "worker-a", time.Now().UTC(), "late reply", "reply:post:p1", "")
	if !errors.Is(err, store.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}

	var artifacts int
	if err := s.DB().QueryRow(`SELECT COUNT(1) FROM reply_artifacts;`).Scan(&artifacts); err != nil {
		t.Fatalf("count artifacts: %v", err)
	}
	if artifacts != 0 {
		t.Fatalf("lost lease must write nothing, got %d artifacts", artifacts)
	}
}

func TestStore_HeartbeatExtendsOnlyOwnedLease(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	createReplyTask(t, s, "persona-1")
	task := claimTask(t, s, "worker-a")

	ok, err := s.HeartbeatLease(ctx, task.ID, "worker-a")
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !ok {
		t.Fatalf("expected heartbeat to succeed for owner")
	}

	ok, err = s.HeartbeatLease(ctx, task.ID, "worker-b")
	if err != nil {
		t.Fatalf("heartbeat other worker: %v", err)
	}
	if ok {
		t.Fatalf("non-owner heartbeat must fail")
	}
}

func TestStore_RequeueExpiredLeases(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	createReplyTask(t, s, "persona-1")
	task := claimTask(t, s, "worker-a")

	past := time.Now().UTC().Add(-time.Minute)
	if _, err := s.DB().Exec(`UPDATE queue_tasks SET lease_until = ? WHERE id = ?;`, past, task.ID); err != nil {
		t.Fatalf("expire lease: %v", err)
	}

	n, err := s.RequeueExpiredLeases(ctx)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 requeued task, got %d", n)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != store.TaskStatusPending {
		t.Fatalf("expected PENDING after requeue, got %s", got.Status)
	}
	if got.LeaseOwner != "" || got.LeaseUntil != nil {
		t.Fatalf("expected cleared lease, got owner=%q until=%v", got.LeaseOwner, got.LeaseUntil)
	}
}

func TestStore_RecoverRunningTasksAtStartup(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	createReplyTask(t, s, "persona-1")
	task := claimTask(t, s, "worker-a")

	n, err := s.RecoverRunningTasks(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered task, got %d", n)
	}
	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != store.TaskStatusPending {
		t.Fatalf("expected PENDING after recovery, got %s", got.Status)
	}
}

func TestStore_HandleTaskFailureSchedulesRetryWithBackoff(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	createReplyTask(t, s, "persona-1")
	task := claimTask(t, s, "worker-a")

	decision, err := s.HandleTaskFailure(ctx, task.ID, "worker-a", "provider timeout")
	if err != nil {
		t.Fatalf("handle failure: %v", err)
	}
	if decision.Outcome != store.FailureOutcomeRetried {
		t.Fatalf("expected RETRIED, got %s", decision.Outcome)
	}
	if decision.RetryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", decision.RetryCount)
	}
	if decision.BackoffUntil == nil || !decision.BackoffUntil.After(time.Now().UTC()) {
		t.Fatalf("expected future backoff, got %v", decision.BackoffUntil)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != store.TaskStatusPending {
		t.Fatalf("expected PENDING for retry, got %s", got.Status)
	}
	if !got.ScheduledAt.After(time.Now().UTC().Add(500 * time.Millisecond)) {
		t.Fatalf("expected backoff on scheduled_at, got %v", got.ScheduledAt)
	}
}

func TestStore_HandleTaskFailureTerminalAfterMaxRetries(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	createReplyTask(t, s, "persona-1")

	var decision store.FailureDecision
	for i := 0; i < 3; i++ {
		task := claimTask(t, s, "worker-a")
		// Distinct errors so the poison counter never trips first.
		var err error
		decision, err = s.HandleTaskFailure(ctx, task.ID, "worker-a", "distinct error "+string(rune('a'+i)))
		if err != nil {
			t.Fatalf("failure %d: %v", i, err)
		}
		if decision.Outcome == store.FailureOutcomeFailed {
			break
		}
		// Make the task claimable immediately for the next round.
		if _, err := s.DB().Exec(`UPDATE queue_tasks SET scheduled_at = CURRENT_TIMESTAMP WHERE id = ?;`, task.ID); err != nil {
			t.Fatalf("reset scheduled_at: %v", err)
		}
	}
	if decision.Outcome != store.FailureOutcomeFailed {
		t.Fatalf("expected terminal FAILED, got %s", decision.Outcome)
	}
	if decision.ReasonCode != store.ReasonFailedMaxRetries {
		t.Fatalf("expected %s, got %s", store.ReasonFailedMaxRetries, decision.ReasonCode)
	}
}

func TestStore_HandleTaskFailurePoisonPill(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	taskID, err := s.CreateTask(ctx, "persona-1", "reply", `{}`, 10)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	var decision store.FailureDecision
	for i := 0; i < 3; i++ {
		task := claimTask(t, s, "worker-a")
		if task.ID != taskID {
			t.Fatalf("claimed unexpected task %s", task.ID)
		}
		decision, err = s.HandleTaskFailure(ctx, task.ID, "worker-a", "identical panic message")
		if err != nil {
			t.Fatalf("failure %d: %v", i, err)
		}
		if decision.Outcome == store.FailureOutcomeFailed {
			break
		}
		if _, err := s.DB().Exec(`UPDATE queue_tasks SET scheduled_at = CURRENT_TIMESTAMP WHERE id = ?;`, task.ID); err != nil {
			t.Fatalf("reset scheduled_at: %v", err)
		}
	}
	if decision.Outcome != store.FailureOutcomeFailed {
		t.Fatalf("expected poison pill to fail terminally, got %s", decision.Outcome)
	}
	if decision.ReasonCode != store.ReasonFailedPoisonPill {
		t.Fatalf("expected %s, got %s", store.ReasonFailedPoisonPill, decision.ReasonCode)
	}
	if decision.PoisonCount < 3 {
		t.Fatalf("expected poison count >= 3, got %d", decision.PoisonCount)
	}
}

func TestStore_TaskEventsRecordTransitions(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	createReplyTask(t, s, "persona-1")
	task := claimTask(t, s, "worker-a")
	if _, err := s.WriteIdempotentAndComplete(ctx, *task, "worker-a", time.Now().UTC(), "done", "k1", ""); err != nil {
		t.Fatalf("complete: %v", err)
	}

	events, err := s.ListTaskEvents(ctx, task.ID)
	if err != nil {
		t.Fatalf("list task events: %v", err)
	}
	var types []string
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	want := []string{"task.enqueued", "task.claimed", "task.done"}
	if len(types) != len(want) {
		t.Fatalf("expected %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], types[i])
		}
	}
}

func TestStore_EscalateApproveReview(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	createReplyTask(t, s, "persona-1")
	task := claimTask(t, s, "worker-a")

	reviewID, err := s.EscalateTask(ctx, task.ID, "worker-a", "persona-1",
		"SAFETY_SIMILAR_TO_RECENT_REPLY", "high", "proposed reply text", "c-9",
		time.Now().UTC().Add(24*time.Hour))
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != store.TaskStatusInReview {
		t.Fatalf("expected IN_REVIEW, got %s", got.Status)
	}

	claimed, err := s.ClaimReview(ctx, reviewID, "reviewer-1")
	if err != nil {
		t.Fatalf("claim review: %v", err)
	}
	if !claimed {
		t.Fatalf("expected review claim to succeed")
	}

	res, err := s.ApproveReview(ctx, reviewID, "reviewer-1", "looks fine")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if res.ResultID == "" {
		t.Fatalf("expected artifact result id")
	}

	got, err = s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task after approval: %v", err)
	}
	if got.Status != store.TaskStatusDone {
		t.Fatalf("expected DONE after approval, got %s", got.Status)
	}

	var body string
	if err := s.DB().QueryRow(`SELECT body FROM reply_artifacts WHERE id = ?;`, res.ResultID).Scan(&body); err != nil {
		t.Fatalf("read approved artifact: %v", err)
	}
	if body != "proposed reply text" {
		t.Fatalf("approval must publish the frozen text, got %q", body)
	}

	events, err := s.ListReviewEvents(ctx, reviewID)
	if err != nil {
		t.Fatalf("list review events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected enqueued/claimed/approved events, got %d", len(events))
	}
}

func TestStore_RejectReviewSkipsTask(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	createReplyTask(t, s, "persona-1")
	task := claimTask(t, s, "worker-a")
	reviewID, err := s.EscalateTask(ctx, task.ID, "worker-a", "persona-1",
		"ELIGIBILITY_AMBIGUOUS", "medium", "text", "", time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}

	if claimed, err := s.ClaimReview(ctx, reviewID, "reviewer-1"); err != nil || !claimed {
		t.Fatalf("claim review: claimed=%v err=%v", claimed, err)
	}
	if err := s.RejectReview(ctx, reviewID, "reviewer-1", "off topic"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != store.TaskStatusSkipped {
		t.Fatalf("expected SKIPPED after rejection, got %s", got.Status)
	}
	var artifacts int
	if err := s.DB().QueryRow(`SELECT COUNT(1) FROM reply_artifacts;`).Scan(&artifacts); err != nil {
		t.Fatalf("count artifacts: %v", err)
	}
	if artifacts != 0 {
		t.Fatalf("rejection must publish nothing")
	}
}

func TestStore_ExpireDueReviews(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	createReplyTask(t, s, "persona-1")
	task := claimTask(t, s, "worker-a")
	reviewID, err := s.EscalateTask(ctx, task.ID, "worker-a", "persona-1",
		"SAFETY_AMBIGUOUS", "medium", "text", "", time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if claimed, err := s.ClaimReview(ctx, reviewID, "reviewer-1"); err != nil || !claimed {
		t.Fatalf("claim review: claimed=%v err=%v", claimed, err)
	}

	// A second overdue item left unclaimed must survive the sweep.
	createReplyTask(t, s, "persona-1")
	pendingTask := claimTask(t, s, "worker-a")
	pendingReviewID, err := s.EscalateTask(ctx, pendingTask.ID, "worker-a", "persona-1",
		"SAFETY_AMBIGUOUS", "medium", "text", "", time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("escalate pending: %v", err)
	}

	n, err := s.ExpireDueReviews(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired review, got %d", n)
	}

	item, err := s.GetReview(ctx, reviewID)
	if err != nil {
		t.Fatalf("get review: %v", err)
	}
	if item.Status != store.ReviewStatusExpired {
		t.Fatalf("expected EXPIRED, got %s", item.Status)
	}
	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != store.TaskStatusSkipped {
		t.Fatalf("expected SKIPPED after expiry, got %s", got.Status)
	}

	pendingItem, err := s.GetReview(ctx, pendingReviewID)
	if err != nil {
		t.Fatalf("get pending review: %v", err)
	}
	if pendingItem.Status != store.ReviewStatusPending {
		t.Fatalf("unclaimed review must stay PENDING, got %s", pendingItem.Status)
	}
}

func TestStore_ExpireDueReviewsConcurrentExactlyOnce(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	const dueReviews = 3
	reviewIDs := make([]string, 0, dueReviews)
	for i := 0; i < dueReviews; i++ {
		createReplyTask(t, s, "persona-1")
		task := claimTask(t, s, "worker-a")
		reviewID, err := s.EscalateTask(ctx, task.ID, "worker-a", "persona-1",
			"SAFETY_AMBIGUOUS", "medium", "text", "", time.Now().UTC().Add(-time.Minute))
		if err != nil {
			t.Fatalf("escalate %d: %v", i, err)
		}
		if claimed, err := s.ClaimReview(ctx, reviewID, "reviewer-1"); err != nil || !claimed {
			t.Fatalf("claim review %d: claimed=%v err=%v", i, claimed, err)
		}
		reviewIDs = append(reviewIDs, reviewID)
	}

	now := time.Now().UTC()
	var wg sync.WaitGroup
	counts := make([]int64, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			counts[i], errs[i] = s.ExpireDueReviews(ctx, now)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
	}
	if total := counts[0] + counts[1]; total != dueReviews {
		t.Fatalf("expected %d rows processed across both sweeps, got %d", dueReviews, total)
	}

	for _, reviewID := range reviewIDs {
		item, err := s.GetReview(ctx, reviewID)
		if err != nil {
			t.Fatalf("get review: %v", err)
		}
		if item.Status != store.ReviewStatusExpired {
			t.Fatalf("expected EXPIRED, got %s", item.Status)
		}
		expiredEvents := 0
		events, err := s.ListReviewEvents(ctx, reviewID)
		if err != nil {
			t.Fatalf("list review events: %v", err)
		}
		for _, ev := range events {
			if ev.Action == "expired" {
				expiredEvents++
			}
		}
		if expiredEvents != 1 {
			t.Fatalf("review %s expired %d times", reviewID, expiredEvents)
		}
	}
}

func TestStore_DecisionsRequireClaimedReview(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	createReplyTask(t, s, "persona-1")
	task := claimTask(t, s, "worker-a")
	reviewID, err := s.EscalateTask(ctx, task.ID, "worker-a", "persona-1",
		"SAFETY_SIMILAR_TO_RECENT_REPLY", "medium", "text", "", time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}

	if _, err := s.ApproveReview(ctx, reviewID, "reviewer-1", "rubber stamp"); err == nil {
		t.Fatalf("approving an unclaimed review must fail")
	}
	if err := s.RejectReview(ctx, reviewID, "reviewer-1", "rubber stamp"); err == nil {
		t.Fatalf("rejecting an unclaimed review must fail")
	}

	item, err := s.GetReview(ctx, reviewID)
	if err != nil {
		t.Fatalf("get review: %v", err)
	}
	if item.Status != store.ReviewStatusPending {
		t.Fatalf("review must stay PENDING, got %s", item.Status)
	}
	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != store.TaskStatusInReview {
		t.Fatalf("task must stay IN_REVIEW, got %s", got.Status)
	}
	var artifacts int
	if err := s.DB().QueryRow(`SELECT COUNT(1) FROM reply_artifacts;`).Scan(&artifacts); err != nil {
		t.Fatalf("count artifacts: %v", err)
	}
	if artifacts != 0 {
		t.Fatalf("no artifact may exist before a claimed approval, got %d", artifacts)
	}

	if claimed, err := s.ClaimReview(ctx, reviewID, "reviewer-1"); err != nil || !claimed {
		t.Fatalf("claim review: claimed=%v err=%v", claimed, err)
	}
	if _, err := s.ApproveReview(ctx, reviewID, "reviewer-1", "looks fine"); err != nil {
		t.Fatalf("approve after claim: %v", err)
	}
}

func TestStore_UpsertIntentIsIdempotentPerSourceRow(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	id1, created, err := s.UpsertIntent(ctx, "reply", "posts", "p1", `{"title":"t"}`)
	if err != nil {
		t.Fatalf("upsert intent: %v", err)
	}
	if !created {
		t.Fatalf("first upsert must create")
	}

	id2, created, err := s.UpsertIntent(ctx, "reply", "posts", "p1", `{"title":"changed"}`)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if created {
		t.Fatalf("second upsert must not create")
	}
	if id2 != id1 {
		t.Fatalf("expected same intent id, got %s and %s", id1, id2)
	}

	intents, err := s.ListNewIntents(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(intents) != 1 {
		t.Fatalf("expected 1 intent, got %d", len(intents))
	}
}

func TestStore_MarkIntentDispatchedOnlyOnce(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	id, _, err := s.UpsertIntent(ctx, "reply", "posts", "p1", "{}")
	if err != nil {
		t.Fatalf("upsert intent: %v", err)
	}

	ok, err := s.MarkIntentDispatched(ctx, id, "persona-1", `["SELECTED_DEFAULT"]`)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !ok {
		t.Fatalf("first dispatch must succeed")
	}
	ok, err = s.MarkIntentDispatched(ctx, id, "persona-2", `["SELECTED_DEFAULT"]`)
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if ok {
		t.Fatalf("second dispatch must be a no-op")
	}

	intent, err := s.GetIntent(ctx, id)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if intent.SelectedPersonaID != "persona-1" {
		t.Fatalf("expected persona-1 kept, got %s", intent.SelectedPersonaID)
	}
}

func TestStore_CheckpointNeverRegresses(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	newer := time.Date(2026, 6, 2, 12, 0, 0, 0, time.UTC)
	older := newer.Add(-time.Hour)

	if err := s.AdvanceCheckpoint(ctx, "posts", newer, 60); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := s.AdvanceCheckpoint(ctx, "posts", older, 60); err != nil {
		t.Fatalf("advance older: %v", err)
	}

	cp, err := s.GetCheckpoint(ctx, "posts")
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if cp == nil {
		t.Fatalf("expected checkpoint")
	}
	if !cp.LastCapturedAt.Equal(newer) {
		t.Fatalf("checkpoint regressed: got %v want %v", cp.LastCapturedAt, newer)
	}
}

func TestStore_PolicyReleasesActivateByHighestVersion(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	v1, err := s.InsertPolicyRelease(ctx, `{"reply_enabled":true}`, true)
	if err != nil {
		t.Fatalf("insert v1: %v", err)
	}
	v2, err := s.InsertPolicyRelease(ctx, `{"reply_enabled":false}`, true)
	if err != nil {
		t.Fatalf("insert v2: %v", err)
	}
	if v2 != v1+1 {
		t.Fatalf("versions must increase: v1=%d v2=%d", v1, v2)
	}

	rel, err := s.FetchLatestActiveRelease(ctx)
	if err != nil {
		t.Fatalf("fetch active: %v", err)
	}
	if rel == nil || rel.Version != v2 {
		t.Fatalf("expected latest active v%d, got %+v", v2, rel)
	}
}

func TestStore_RuntimeEventCursorPagination(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 6, 2, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		if err := s.InsertRuntimeEvent(ctx, store.RuntimeEvent{
			Layer:      "queue",
			Operation:  "task.claimed",
			EntityID:   "t1",
			OccurredAt: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("insert event %d: %v", i, err)
		}
	}

	page1, err := s.ListRuntimeEvents(ctx, store.RuntimeEventFilter{Limit: 3})
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if len(page1) != 3 {
		t.Fatalf("expected 3 events, got %d", len(page1))
	}
	last := page1[len(page1)-1]
	page2, err := s.ListRuntimeEvents(ctx, store.RuntimeEventFilter{
		After: last.OccurredAt, AfterID: last.EventID, Limit: 10,
	})
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if len(page2) != 2 {
		t.Fatalf("expected 2 remaining events, got %d", len(page2))
	}
	if page2[0].EventID <= last.EventID {
		t.Fatalf("cursor did not advance: %d <= %d", page2[0].EventID, last.EventID)
	}
}

func TestStore_KVRoundTrip(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	if err := s.SetKV(ctx, "cb:openai", `{"tripped":true}`); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := s.GetKV(ctx, "cb:openai")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || v != `{"tripped":true}` {
		t.Fatalf("unexpected value: %q ok=%v", v, ok)
	}
	if err := s.DeleteKV(ctx, "cb:openai"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, ok, err = s.GetKV(ctx, "cb:openai")
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if ok {
		t.Fatalf("expected key gone")
	}
}

func TestStore_ListPersonasFiltersByStatus(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	for _, p := range []store.Persona{
		{PersonaID: "p-active", Status: store.PersonaStatusActive, Boards: `["go"]`},
		{PersonaID: "p-paused", Status: store.PersonaStatusPaused},
	} {
		if err := s.UpsertPersona(ctx, p); err != nil {
			t.Fatalf("upsert persona %s: %v", p.PersonaID, err)
		}
	}

	active, err := s.ListPersonas(ctx, store.PersonaStatusActive)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].PersonaID != "p-active" {
		t.Fatalf("unexpected active personas: %+v", active)
	}
	all, err := s.ListPersonas(ctx, "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 personas, got %d", len(all))
	}
}
