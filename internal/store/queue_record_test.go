package store

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newRecord(contactID, campaignID string) *QueueRecord {
	return &QueueRecord{
		UserID:      "u1",
		ContactID:   contactID,
		CampaignID:  campaignID,
		ToAddress:   contactID + "@example.com",
		Subject:     "hi",
		Body:        "<p>hi</p>",
		FromAddress: "news@example.com",
	}
}

func TestQueueRecordLifecycle(t *testing.T) {
	repo := NewQueueRecordRepository(openTestDB(t))

	rec := newRecord("c1", "cmp1")
	if err := repo.Create(rec); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if rec.Status != StatusQueued {
		t.Errorf("expected queued, got %s", rec.Status)
	}

	if err := repo.MarkSending(rec.ID); err != nil {
		t.Fatalf("MarkSending failed: %v", err)
	}
	got, _ := repo.GetByID(rec.ID)
	if got.Status != StatusSending {
		t.Errorf("expected sending, got %s", got.Status)
	}

	if err := repo.MarkSent(rec.ID, "brevo"); err != nil {
		t.Fatalf("MarkSent failed: %v", err)
	}
	got, _ = repo.GetByID(rec.ID)
	if got.Status != StatusSent {
		t.Errorf("expected sent, got %s", got.Status)
	}
	if got.Provider != "brevo" {
		t.Errorf("expected provider brevo, got %s", got.Provider)
	}
	if got.SentAt == nil {
		t.Error("expected sent_at to be set")
	}
}

func TestMarkSendingNeverTouchesSent(t *testing.T) {
	repo := NewQueueRecordRepository(openTestDB(t))

	rec := newRecord("c1", "cmp1")
	if err := repo.Create(rec); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := repo.MarkSent(rec.ID, "brevo"); err != nil {
		t.Fatalf("MarkSent failed: %v", err)
	}

	if err := repo.MarkSending(rec.ID); err != nil {
		t.Fatalf("MarkSending failed: %v", err)
	}
	got, _ := repo.GetByID(rec.ID)
	if got.Status != StatusSent {
		t.Errorf("sent is terminal, got %s", got.Status)
	}
}

func TestMarkFailedIncrementsRetryCount(t *testing.T) {
	repo := NewQueueRecordRepository(openTestDB(t))

	rec := newRecord("c1", "cmp1")
	if err := repo.Create(rec); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := repo.MarkFailed(rec.ID, "connection reset"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if err := repo.MarkFailed(rec.ID, "connection reset again"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	got, _ := repo.GetByID(rec.ID)
	if got.RetryCount != 2 {
		t.Errorf("expected retry_count 2, got %d", got.RetryCount)
	}
	if got.ErrorMessage != "connection reset again" {
		t.Errorf("unexpected error message: %s", got.ErrorMessage)
	}
}

func TestMarkSuppressedKeepsRetryCount(t *testing.T) {
	repo := NewQueueRecordRepository(openTestDB(t))

	rec := newRecord("c1", "cmp1")
	if err := repo.Create(rec); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := repo.MarkSuppressed(rec.ID); err != nil {
		t.Fatalf("MarkSuppressed failed: %v", err)
	}

	got, _ := repo.GetByID(rec.ID)
	if got.Status != StatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
	if got.RetryCount != 0 {
		t.Errorf("suppression must not count as a retry, got %d", got.RetryCount)
	}
	if got.ErrorMessage != "Contact suppressed" {
		t.Errorf("unexpected error message: %s", got.ErrorMessage)
	}
}

func TestMarkFailedIfInFlightIdempotent(t *testing.T) {
	repo := NewQueueRecordRepository(openTestDB(t))

	inflight := newRecord("c1", "cmp1")
	if err := repo.Create(inflight); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := repo.MarkSending(inflight.ID); err != nil {
		t.Fatalf("MarkSending failed: %v", err)
	}

	done := newRecord("c2", "cmp1")
	if err := repo.Create(done); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := repo.MarkSent(done.ID, "brevo"); err != nil {
		t.Fatalf("MarkSent failed: %v", err)
	}

	for _, id := range []string{inflight.ID, done.ID} {
		if err := repo.MarkFailedIfInFlight(id, "job stalled"); err != nil {
			t.Fatalf("MarkFailedIfInFlight failed: %v", err)
		}
	}

	got, _ := repo.GetByID(inflight.ID)
	if got.Status != StatusFailed {
		t.Errorf("in-flight record should fail, got %s", got.Status)
	}
	got, _ = repo.GetByID(done.ID)
	if got.Status != StatusSent {
		t.Errorf("completed record must stay sent, got %s", got.Status)
	}
}

func TestRequeueKeepsSentTerminal(t *testing.T) {
	repo := NewQueueRecordRepository(openTestDB(t))

	rec := newRecord("c1", "cmp1")
	if err := repo.Create(rec); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := repo.MarkSending(rec.ID); err != nil {
		t.Fatalf("MarkSending failed: %v", err)
	}

	later := time.Now().Add(time.Hour)
	if err := repo.Requeue(rec.ID, "Rate limit reached, rescheduled", later); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	got, _ := repo.GetByID(rec.ID)
	if got.Status != StatusQueued {
		t.Errorf("expected queued, got %s", got.Status)
	}
	if got.RetryCount != 0 {
		t.Errorf("deferral must not count as a retry, got %d", got.RetryCount)
	}

	if err := repo.MarkSent(rec.ID, "brevo"); err != nil {
		t.Fatalf("MarkSent failed: %v", err)
	}
	if err := repo.Requeue(rec.ID, "late deferral", later); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	got, _ = repo.GetByID(rec.ID)
	if got.Status != StatusSent {
		t.Errorf("sent is terminal, got %s", got.Status)
	}
}

func TestLookupOrCreate(t *testing.T) {
	repo := NewQueueRecordRepository(openTestDB(t))

	first, err := repo.LookupOrCreate(newRecord("c1", "cmp1"))
	if err != nil {
		t.Fatalf("LookupOrCreate failed: %v", err)
	}

	// same key returns the existing row
	second, err := repo.LookupOrCreate(newRecord("c1", "cmp1"))
	if err != nil {
		t.Fatalf("LookupOrCreate failed: %v", err)
	}
	if second.ID != first.ID {
		t.Error("expected the existing record to be reused")
	}

	// an explicit id wins over key lookup
	byID, err := repo.LookupOrCreate(&QueueRecord{ID: first.ID})
	if err != nil {
		t.Fatalf("LookupOrCreate failed: %v", err)
	}
	if byID.ID != first.ID {
		t.Error("expected lookup by explicit id")
	}

	// a different contact gets its own row
	other, err := repo.LookupOrCreate(newRecord("c2", "cmp1"))
	if err != nil {
		t.Fatalf("LookupOrCreate failed: %v", err)
	}
	if other.ID == first.ID {
		t.Error("expected a fresh record for a new contact")
	}
}

func TestSweepStuckSending(t *testing.T) {
	db := openTestDB(t)
	repo := NewQueueRecordRepository(db)

	stuck := newRecord("c1", "cmp1")
	if err := repo.Create(stuck); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := repo.MarkSending(stuck.ID); err != nil {
		t.Fatalf("MarkSending failed: %v", err)
	}
	if _, err := db.Exec(`UPDATE email_queue SET updated_at = ? WHERE id = ?`,
		time.Now().Add(-10*time.Minute), stuck.ID); err != nil {
		t.Fatalf("failed to age record: %v", err)
	}

	fresh := newRecord("c2", "cmp1")
	if err := repo.Create(fresh); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := repo.MarkSending(fresh.ID); err != nil {
		t.Fatalf("MarkSending failed: %v", err)
	}
	if _, err := db.Exec(`UPDATE email_queue SET updated_at = ? WHERE id = ?`,
		time.Now(), fresh.ID); err != nil {
		t.Fatalf("failed to touch record: %v", err)
	}

	n, err := repo.SweepStuckSending(5 * time.Minute)
	if err != nil {
		t.Fatalf("SweepStuckSending failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 swept record, got %d", n)
	}

	got, _ := repo.GetByID(stuck.ID)
	if got.Status != StatusFailed {
		t.Errorf("expected stuck record failed, got %s", got.Status)
	}
	got, _ = repo.GetByID(fresh.ID)
	if got.Status != StatusSending {
		t.Errorf("fresh record must survive the sweep, got %s", got.Status)
	}
}

func TestLatestStatusByContact(t *testing.T) {
	repo := NewQueueRecordRepository(openTestDB(t))

	sent := newRecord("c1", "cmp1")
	if err := repo.Create(sent); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := repo.MarkSent(sent.ID, "brevo"); err != nil {
		t.Fatalf("MarkSent failed: %v", err)
	}

	failed := newRecord("c2", "cmp1")
	if err := repo.Create(failed); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := repo.MarkFailed(failed.ID, "bounced"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	statuses, err := repo.LatestStatusByContact("cmp1")
	if err != nil {
		t.Fatalf("LatestStatusByContact failed: %v", err)
	}
	if statuses["c1"] != StatusSent {
		t.Errorf("expected c1 sent, got %s", statuses["c1"])
	}
	if statuses["c2"] != StatusFailed {
		t.Errorf("expected c2 failed, got %s", statuses["c2"])
	}
}
