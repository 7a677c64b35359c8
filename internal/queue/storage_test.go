package queue

import (
	"path/filepath"
	"testing"
	"time"
)

func setupStorage(t *testing.T) *Storage {
	t.Helper()

	s, err := NewStorage(StorageConfig{
		Path:        filepath.Join(t.TempDir(), "queue.db"),
		MaxAttempts: 3,
		RetryDelay:  10 * time.Millisecond,
		Lease:       time.Second,
	})
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnqueueDequeue(t *testing.T) {
	s := setupStorage(t)

	created, err := s.Enqueue(EmailJobID("q1"), JobTypeEmail, EmailPayload{EmailQueueID: "q1", UserID: "u1"}, 0)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if !created {
		t.Fatal("expected job to be created")
	}

	job, err := s.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if job == nil {
		t.Fatal("expected a job")
	}
	if job.ID != "email-q1" {
		t.Errorf("expected id email-q1, got %s", job.ID)
	}
	if job.Status != StatusActive {
		t.Errorf("expected active status, got %s", job.Status)
	}
	if job.LeaseUntil.IsZero() {
		t.Error("claimed job must carry a lease")
	}

	// queue is drained
	next, err := s.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if next != nil {
		t.Errorf("expected empty queue, got %s", next.ID)
	}
}

func TestEnqueueDeduplicates(t *testing.T) {
	s := setupStorage(t)

	if _, err := s.Enqueue("email-q1", JobTypeEmail, EmailPayload{}, 0); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	created, err := s.Enqueue("email-q1", JobTypeEmail, EmailPayload{}, 0)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if created {
		t.Error("duplicate id must not create a second job")
	}

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 1 {
		t.Errorf("expected 1 job, got %d", stats.Total)
	}
}

func TestEnqueueReplacesFinishedJob(t *testing.T) {
	s := setupStorage(t)

	s.Enqueue("email-q1", JobTypeEmail, EmailPayload{}, 0)
	job, _ := s.Dequeue()
	if err := s.Complete(job.ID); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	created, err := s.Enqueue("email-q1", JobTypeEmail, EmailPayload{}, 0)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if !created {
		t.Error("a done job must be replaceable by a fresh enqueue")
	}

	again, err := s.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if again == nil || again.Attempts != 0 {
		t.Error("replaced job should start with a clean attempt count")
	}
}

func TestDelayedJobNotRunnableEarly(t *testing.T) {
	s := setupStorage(t)

	if _, err := s.Enqueue("email-q1", JobTypeEmail, EmailPayload{}, time.Hour); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	job, err := s.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if job != nil {
		t.Errorf("delayed job must not be claimable before RunAt, got %s", job.ID)
	}

	stats, _ := s.Stats()
	if stats.Delayed != 1 {
		t.Errorf("expected 1 delayed job, got %d", stats.Delayed)
	}
}

func TestDelayedJobBecomesRunnable(t *testing.T) {
	s := setupStorage(t)

	if _, err := s.Enqueue("email-q1", JobTypeEmail, EmailPayload{}, 20*time.Millisecond); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	job, err := s.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if job == nil {
		t.Fatal("due delayed job should be claimable")
	}
}

func TestFailRetriesWithBackoff(t *testing.T) {
	s := setupStorage(t)

	s.Enqueue("email-q1", JobTypeEmail, EmailPayload{}, 0)
	job, _ := s.Dequeue()

	failed, err := s.Fail(job.ID, "provider unavailable")
	if err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if failed.Status != StatusDelayed {
		t.Errorf("expected delayed for retry, got %s", failed.Status)
	}
	if failed.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", failed.Attempts)
	}
	if failed.LastError != "provider unavailable" {
		t.Errorf("unexpected last error %q", failed.LastError)
	}
	if !failed.RunAt.After(time.Now().Add(-time.Millisecond)) {
		t.Error("retry must be scheduled in the future")
	}
}

func TestFailMovesToDeadAfterMaxAttempts(t *testing.T) {
	s := setupStorage(t)

	s.Enqueue("email-q1", JobTypeEmail, EmailPayload{}, 0)

	var last *Job
	for i := 0; i < 3; i++ {
		time.Sleep(50 * time.Millisecond) // let the backoff elapse
		job, err := s.Dequeue()
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		if job == nil {
			t.Fatalf("expected job on attempt %d", i+1)
		}
		last, err = s.Fail(job.ID, "still broken")
		if err != nil {
			t.Fatalf("Fail failed: %v", err)
		}
	}

	if last.Status != StatusDead {
		t.Errorf("expected dead after 3 attempts, got %s", last.Status)
	}

	dead, err := s.ListDead(0)
	if err != nil {
		t.Fatalf("ListDead failed: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead job, got %d", len(dead))
	}
	if dead[0].LastError != "still broken" {
		t.Errorf("unexpected dead job error %q", dead[0].LastError)
	}
}

func TestRetryDead(t *testing.T) {
	s := setupStorage(t)

	s.Enqueue("email-q1", JobTypeEmail, EmailPayload{}, 0)
	for i := 0; i < 3; i++ {
		time.Sleep(50 * time.Millisecond)
		job, _ := s.Dequeue()
		if job == nil {
			t.Fatal("expected job")
		}
		s.Fail(job.ID, "boom")
	}

	if err := s.RetryDead("email-q1"); err != nil {
		t.Fatalf("RetryDead failed: %v", err)
	}

	job, err := s.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if job == nil {
		t.Fatal("retried job should be claimable")
	}
	if job.Attempts != 0 {
		t.Errorf("expected reset attempts, got %d", job.Attempts)
	}

	// retrying a live job is rejected
	if err := s.RetryDead("email-q1"); err == nil {
		t.Error("RetryDead on a non-dead job should fail")
	}
}

func TestRequeueStalled(t *testing.T) {
	s, err := NewStorage(StorageConfig{
		Path:        filepath.Join(t.TempDir(), "queue.db"),
		MaxAttempts: 3,
		RetryDelay:  10 * time.Millisecond,
		Lease:       20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	defer s.Close()

	s.Enqueue("email-q1", JobTypeEmail, EmailPayload{EmailQueueID: "q1"}, 0)
	if _, err := s.Dequeue(); err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}

	// lease still live, nothing to sweep
	stalled, err := s.RequeueStalled()
	if err != nil {
		t.Fatalf("RequeueStalled failed: %v", err)
	}
	if len(stalled) != 0 {
		t.Fatalf("expected no stalled jobs yet, got %d", len(stalled))
	}

	time.Sleep(50 * time.Millisecond)

	stalled, err = s.RequeueStalled()
	if err != nil {
		t.Fatalf("RequeueStalled failed: %v", err)
	}
	if len(stalled) != 1 {
		t.Fatalf("expected 1 stalled job, got %d", len(stalled))
	}
	if stalled[0].ID != "email-q1" {
		t.Errorf("unexpected stalled job %s", stalled[0].ID)
	}

	job, err := s.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if job == nil {
		t.Fatal("stalled job should be claimable again")
	}
}

func TestStaleIndexEntryCannotDoubleClaim(t *testing.T) {
	s, err := NewStorage(StorageConfig{
		Path:        filepath.Join(t.TempDir(), "queue.db"),
		MaxAttempts: 3,
		RetryDelay:  time.Millisecond,
		Lease:       10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if _, err := s.Enqueue(EmailJobID("r1"), JobTypeEmail, EmailPayload{EmailQueueID: "r1", UserID: "u1"}, 0); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	job, err := s.Dequeue()
	if err != nil || job == nil {
		t.Fatalf("Dequeue failed: %v", err)
	}

	// lease expires and the stall sweep requeues the job, then the slow
	// worker's failure report lands on top of the requeue
	time.Sleep(20 * time.Millisecond)
	stalled, err := s.RequeueStalled()
	if err != nil {
		t.Fatalf("RequeueStalled failed: %v", err)
	}
	if len(stalled) != 1 {
		t.Fatalf("expected 1 stalled job, got %d", len(stalled))
	}
	if _, err := s.Fail(job.ID, "send timed out"); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	first, err := s.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if first == nil || first.ID != job.ID {
		t.Fatal("expected the job to be claimable once")
	}
	second, err := s.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if second != nil {
		t.Fatalf("job %s claimed twice via a stale index entry", second.ID)
	}

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Active != 1 {
		t.Errorf("expected exactly one active instance, got %d", stats.Active)
	}
}

func TestCleanupDone(t *testing.T) {
	s := setupStorage(t)

	s.Enqueue("email-q1", JobTypeEmail, EmailPayload{}, 0)
	s.Enqueue("email-q2", JobTypeEmail, EmailPayload{}, 0)

	job, _ := s.Dequeue()
	s.Complete(job.ID)

	time.Sleep(20 * time.Millisecond)

	deleted, err := s.CleanupDone(10 * time.Millisecond)
	if err != nil {
		t.Fatalf("CleanupDone failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted job, got %d", deleted)
	}

	stats, _ := s.Stats()
	if stats.Total != 1 {
		t.Errorf("expected 1 remaining job, got %d", stats.Total)
	}
}

func TestStats(t *testing.T) {
	s := setupStorage(t)

	s.Enqueue("email-q1", JobTypeEmail, EmailPayload{}, 0)
	s.Enqueue("email-q2", JobTypeEmail, EmailPayload{}, time.Hour)
	s.Enqueue("email-q3", JobTypeEmail, EmailPayload{}, 0)
	job, _ := s.Dequeue()
	s.Complete(job.ID)

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Pending != 1 || stats.Delayed != 1 || stats.Done != 1 || stats.Total != 3 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestStorageSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	s, err := NewStorage(StorageConfig{Path: path})
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	if _, err := s.Enqueue("email-q1", JobTypeEmail, EmailPayload{EmailQueueID: "q1"}, 0); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	s.Close()

	s, err = NewStorage(StorageConfig{Path: path})
	if err != nil {
		t.Fatalf("failed to reopen storage: %v", err)
	}
	defer s.Close()

	job, err := s.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if job == nil || job.ID != "email-q1" {
		t.Fatal("job must survive a restart")
	}
}
