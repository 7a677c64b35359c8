package campaign

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/driftline/dispatch/internal/queue"
	"github.com/driftline/dispatch/internal/store"
)

type fixture struct {
	svc     *Service
	db      *sql.DB
	storage *queue.Storage
}

func setup(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	db, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	storage, err := queue.NewStorage(queue.StorageConfig{Path: filepath.Join(dir, "queue.db")})
	if err != nil {
		t.Fatalf("failed to open queue storage: %v", err)
	}
	t.Cleanup(func() { storage.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(
		store.NewCampaignRepository(db),
		store.NewContactRepository(db),
		store.NewQueueRecordRepository(db),
		store.NewUserRepository(db),
		store.NewSuppressionRepository(db),
		store.NewEventRepository(db),
		storage,
		Config{BaseURL: "https://mail.example.com"},
		logger,
	)
	return &fixture{svc: svc, db: db, storage: storage}
}

// seedCampaign creates a user, a list with n contacts and a draft campaign.
func (f *fixture) seedCampaign(t *testing.T, n int) *store.Campaign {
	t.Helper()

	if _, err := f.db.Exec(`INSERT INTO users (id, email, company_address) VALUES ('u1', 'owner@example.com', '1 Main St')`); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	if _, err := f.db.Exec(`INSERT INTO lists (id, user_id, name) VALUES ('l1', 'u1', 'newsletter')`); err != nil {
		t.Fatalf("failed to seed list: %v", err)
	}

	contacts := store.NewContactRepository(f.db)
	for i := 0; i < n; i++ {
		c := &store.Contact{
			UserID: "u1",
			Email:  string(rune('a'+i)) + "@example.com",
			Name:   "Contact " + string(rune('A'+i)),
		}
		if err := contacts.Create(c); err != nil {
			t.Fatalf("failed to seed contact: %v", err)
		}
		if err := contacts.AddToList("l1", c.ID); err != nil {
			t.Fatalf("failed to link contact: %v", err)
		}
	}

	campaigns := store.NewCampaignRepository(f.db)
	c := &store.Campaign{
		UserID:    "u1",
		Name:      "launch",
		Subject:   "Hello {{name}}",
		Content:   "<html><body><p>Hi {{name}}</p></body></html>",
		FromEmail: "news@example.com",
		FromName:  "Example News",
		ListID:    "l1",
	}
	if err := campaigns.Create(c); err != nil {
		t.Fatalf("failed to seed campaign: %v", err)
	}
	return c
}

func (f *fixture) records(t *testing.T, campaignID string) map[string]struct{ id, status, body string } {
	t.Helper()
	rows, err := f.db.Query(`SELECT id, contact_id, status, body FROM email_queue WHERE campaign_id = ?`, campaignID)
	if err != nil {
		t.Fatalf("failed to query records: %v", err)
	}
	defer rows.Close()

	out := make(map[string]struct{ id, status, body string })
	for rows.Next() {
		var id, contactID, status, body string
		if err := rows.Scan(&id, &contactID, &status, &body); err != nil {
			t.Fatalf("failed to scan record: %v", err)
		}
		out[contactID] = struct{ id, status, body string }{id, status, body}
	}
	return out
}

func TestSendCampaignFansOut(t *testing.T) {
	f := setup(t)
	c := f.seedCampaign(t, 3)

	enqueued, err := f.svc.SendCampaign(context.Background(), "u1", c.ID)
	if err != nil {
		t.Fatalf("SendCampaign failed: %v", err)
	}
	if enqueued != 3 {
		t.Errorf("expected 3 enqueued, got %d", enqueued)
	}

	got, err := store.NewCampaignRepository(f.db).Get("u1", c.ID)
	if err != nil || got == nil {
		t.Fatalf("failed to reload campaign: %v", err)
	}
	if got.Status != store.CampaignSent {
		t.Errorf("expected campaign sent, got %s", got.Status)
	}

	recs := f.records(t, c.ID)
	if len(recs) != 3 {
		t.Fatalf("expected 3 queue records, got %d", len(recs))
	}
	for contactID, rec := range recs {
		if rec.status != string(store.StatusQueued) {
			t.Errorf("record for %s: expected queued, got %s", contactID, rec.status)
		}
		if !strings.Contains(rec.body, "/unsubscribe?contact="+contactID) {
			t.Errorf("record for %s is missing the unsubscribe footer", contactID)
		}
		if !strings.Contains(rec.body, "1 Main St") {
			t.Errorf("record for %s is missing the company address", contactID)
		}

		job, err := f.storage.Get(queue.EmailJobID(rec.id))
		if err != nil {
			t.Fatalf("failed to read job: %v", err)
		}
		if job == nil {
			t.Errorf("no dispatch job for record %s", rec.id)
		}
	}
}

func TestSendCampaignIsIdempotentPerRecipient(t *testing.T) {
	f := setup(t)
	c := f.seedCampaign(t, 2)

	if _, err := f.svc.SendCampaign(context.Background(), "u1", c.ID); err != nil {
		t.Fatalf("SendCampaign failed: %v", err)
	}

	// force the status back so a second fan-out runs the same recipients
	if err := store.NewCampaignRepository(f.db).SetStatus(c.ID, store.CampaignDraft); err != nil {
		t.Fatalf("failed to reset status: %v", err)
	}
	enqueued, err := f.svc.SendCampaign(context.Background(), "u1", c.ID)
	if err != nil {
		t.Fatalf("second SendCampaign failed: %v", err)
	}
	if enqueued != 0 {
		t.Errorf("expected 0 new jobs on re-run, got %d", enqueued)
	}
	if len(f.records(t, c.ID)) != 2 {
		t.Errorf("expected records to be reused, found %d", len(f.records(t, c.ID)))
	}
}

func TestSendCampaignRejectsActiveCampaign(t *testing.T) {
	f := setup(t)
	c := f.seedCampaign(t, 1)

	for _, status := range []store.CampaignStatus{store.CampaignSending, store.CampaignSent} {
		if err := store.NewCampaignRepository(f.db).SetStatus(c.ID, status); err != nil {
			t.Fatalf("failed to set status: %v", err)
		}
		if _, err := f.svc.SendCampaign(context.Background(), "u1", c.ID); err == nil {
			t.Errorf("expected rejection for status %s", status)
		}
	}
}

func TestSendCampaignEmptyList(t *testing.T) {
	f := setup(t)
	c := f.seedCampaign(t, 0)

	if _, err := f.svc.SendCampaign(context.Background(), "u1", c.ID); err == nil {
		t.Fatal("expected an error for an empty list")
	}
}

func TestSendCampaignUnknownCampaign(t *testing.T) {
	f := setup(t)
	if _, err := f.svc.SendCampaign(context.Background(), "u1", "nope"); err == nil {
		t.Fatal("expected an error for an unknown campaign")
	}
}

func TestScheduleCampaignPlantsDelayedJob(t *testing.T) {
	f := setup(t)
	c := f.seedCampaign(t, 1)
	at := time.Now().Add(time.Hour)

	if err := f.svc.ScheduleCampaign(context.Background(), "u1", c.ID, at); err != nil {
		t.Fatalf("ScheduleCampaign failed: %v", err)
	}

	got, err := store.NewCampaignRepository(f.db).Get("u1", c.ID)
	if err != nil || got == nil {
		t.Fatalf("failed to reload campaign: %v", err)
	}
	if got.Status != store.CampaignScheduled {
		t.Errorf("expected scheduled, got %s", got.Status)
	}
	if got.ScheduledAt == nil {
		t.Error("expected scheduled_at to be set")
	}

	job, err := f.storage.Get(queue.CampaignJobID(c.ID))
	if err != nil {
		t.Fatalf("failed to read job: %v", err)
	}
	if job == nil {
		t.Fatal("expected a campaign job")
	}
	if job.Status != queue.StatusDelayed {
		t.Errorf("expected delayed job, got %s", job.Status)
	}
}

func TestProcessCampaignJobSkipsCancelled(t *testing.T) {
	f := setup(t)
	c := f.seedCampaign(t, 2)

	if err := f.svc.ScheduleCampaign(context.Background(), "u1", c.ID, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("ScheduleCampaign failed: %v", err)
	}
	// cancelled while the job waited
	if err := store.NewCampaignRepository(f.db).SetStatus(c.ID, store.CampaignDraft); err != nil {
		t.Fatalf("failed to reset status: %v", err)
	}

	job := &queue.Job{
		ID:      queue.CampaignJobID(c.ID),
		Type:    queue.JobTypeCampaign,
		Payload: []byte(`{"campaign_id":"` + c.ID + `","user_id":"u1"}`),
	}
	if err := f.svc.ProcessCampaignJob(context.Background(), job); err != nil {
		t.Fatalf("ProcessCampaignJob failed: %v", err)
	}
	if len(f.records(t, c.ID)) != 0 {
		t.Error("cancelled campaign must not fan out")
	}
}

func TestProcessCampaignJobFansOut(t *testing.T) {
	f := setup(t)
	c := f.seedCampaign(t, 2)

	if err := f.svc.ScheduleCampaign(context.Background(), "u1", c.ID, time.Now()); err != nil {
		t.Fatalf("ScheduleCampaign failed: %v", err)
	}

	job := &queue.Job{
		ID:      queue.CampaignJobID(c.ID),
		Type:    queue.JobTypeCampaign,
		Payload: []byte(`{"campaign_id":"` + c.ID + `","user_id":"u1"}`),
	}
	if err := f.svc.ProcessCampaignJob(context.Background(), job); err != nil {
		t.Fatalf("ProcessCampaignJob failed: %v", err)
	}
	if len(f.records(t, c.ID)) != 2 {
		t.Errorf("expected 2 records after scheduled fan-out, got %d", len(f.records(t, c.ID)))
	}
}

func TestProcessCampaignJobDefersEarlyTrigger(t *testing.T) {
	f := setup(t)
	c := f.seedCampaign(t, 2)

	// the stale trigger stays planted when the send time moves out, so the
	// job can fire hours before scheduled_at
	if err := f.svc.ScheduleCampaign(context.Background(), "u1", c.ID, time.Now().Add(2*time.Hour)); err != nil {
		t.Fatalf("ScheduleCampaign failed: %v", err)
	}

	job := &queue.Job{
		ID:      queue.CampaignJobID(c.ID),
		Type:    queue.JobTypeCampaign,
		Payload: []byte(`{"campaign_id":"` + c.ID + `","user_id":"u1"}`),
	}
	err := f.svc.ProcessCampaignJob(context.Background(), job)

	var deferErr *queue.DeferError
	if !errors.As(err, &deferErr) {
		t.Fatalf("expected a defer, got %v", err)
	}
	if deferErr.Delay < 90*time.Minute {
		t.Errorf("expected the defer to cover the remaining wait, got %s", deferErr.Delay)
	}
	if len(f.records(t, c.ID)) != 0 {
		t.Error("early trigger must not fan out")
	}

	got, err := store.NewCampaignRepository(f.db).Get("u1", c.ID)
	if err != nil || got == nil {
		t.Fatalf("failed to reload campaign: %v", err)
	}
	if got.Status != store.CampaignScheduled {
		t.Errorf("expected campaign still scheduled, got %s", got.Status)
	}
}

func TestRecoverScheduledCampaigns(t *testing.T) {
	f := setup(t)
	c := f.seedCampaign(t, 1)

	at := time.Now().Add(2 * time.Hour)
	if err := store.NewCampaignRepository(f.db).Schedule(c.ID, at); err != nil {
		t.Fatalf("failed to schedule: %v", err)
	}

	// first pass plants the job, second pass finds it and does nothing
	n, err := f.svc.RecoverScheduledCampaigns(context.Background())
	if err != nil {
		t.Fatalf("RecoverScheduledCampaigns failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 recovered, got %d", n)
	}
	n, err = f.svc.RecoverScheduledCampaigns(context.Background())
	if err != nil {
		t.Fatalf("RecoverScheduledCampaigns failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 on second pass, got %d", n)
	}
}

func TestSendCampaignSkipsSuppressedContacts(t *testing.T) {
	f := setup(t)
	c := f.seedCampaign(t, 2)

	if err := store.NewSuppressionRepository(f.db).Add("u1", "a@example.com", "unsubscribed"); err != nil {
		t.Fatalf("failed to suppress: %v", err)
	}

	enqueued, err := f.svc.SendCampaign(context.Background(), "u1", c.ID)
	if err != nil {
		t.Fatalf("SendCampaign failed: %v", err)
	}
	if enqueued != 1 {
		t.Errorf("expected 1 enqueued, got %d", enqueued)
	}
	if len(f.records(t, c.ID)) != 1 {
		t.Error("suppressed contact must not get a queue record")
	}
}

func TestRecoverScheduledCampaignsOverdueToDraft(t *testing.T) {
	f := setup(t)
	c := f.seedCampaign(t, 1)

	if err := store.NewCampaignRepository(f.db).Schedule(c.ID, time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("failed to schedule: %v", err)
	}

	n, err := f.svc.RecoverScheduledCampaigns(context.Background())
	if err != nil {
		t.Fatalf("RecoverScheduledCampaigns failed: %v", err)
	}
	if n != 0 {
		t.Errorf("overdue campaign must not be recovered, got %d", n)
	}

	got, err := store.NewCampaignRepository(f.db).Get("u1", c.ID)
	if err != nil || got == nil {
		t.Fatalf("failed to reload campaign: %v", err)
	}
	if got.Status != store.CampaignDraft {
		t.Errorf("expected draft, got %s", got.Status)
	}
	if job, _ := f.storage.Get(queue.CampaignJobID(c.ID)); job != nil {
		t.Error("no job may be planted for an overdue campaign")
	}
}

func TestRecoverCampaignEmailsOnlyFailed(t *testing.T) {
	f := setup(t)
	c := f.seedCampaign(t, 3)

	if _, err := f.svc.SendCampaign(context.Background(), "u1", c.ID); err != nil {
		t.Fatalf("SendCampaign failed: %v", err)
	}

	recs := f.records(t, c.ID)
	records := store.NewQueueRecordRepository(f.db)
	var marked int
	for _, rec := range recs {
		// the original jobs completed one way or another
		if err := f.storage.Complete(queue.EmailJobID(rec.id)); err != nil {
			t.Fatalf("failed to complete job: %v", err)
		}
		switch marked {
		case 0:
			if err := records.MarkFailed(rec.id, "connection reset"); err != nil {
				t.Fatalf("failed to mark failed: %v", err)
			}
		case 1:
			if err := records.MarkSent(rec.id, "brevo"); err != nil {
				t.Fatalf("failed to mark sent: %v", err)
			}
		}
		marked++
	}

	n, err := f.svc.RecoverCampaignEmails(context.Background(), "u1", c.ID)
	if err != nil {
		t.Fatalf("RecoverCampaignEmails failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected only the failed recipient to be recovered, got %d", n)
	}

	// work is back in flight, so the campaign no longer reads as sent
	got, err := store.NewCampaignRepository(f.db).Get("u1", c.ID)
	if err != nil || got == nil {
		t.Fatalf("failed to reload campaign: %v", err)
	}
	if got.Status != store.CampaignSending {
		t.Errorf("expected sending after recovery, got %s", got.Status)
	}
}

func TestStats(t *testing.T) {
	f := setup(t)
	c := f.seedCampaign(t, 2)

	if _, err := f.svc.SendCampaign(context.Background(), "u1", c.ID); err != nil {
		t.Fatalf("SendCampaign failed: %v", err)
	}

	recs := f.records(t, c.ID)
	records := store.NewQueueRecordRepository(f.db)
	events := store.NewEventRepository(f.db)
	for contactID, rec := range recs {
		if err := records.MarkSent(rec.id, "brevo"); err != nil {
			t.Fatalf("failed to mark sent: %v", err)
		}
		if _, err := events.RecordOpen(rec.id, contactID, c.ID, "pixel"); err != nil {
			t.Fatalf("failed to record open: %v", err)
		}
	}

	stats, err := f.svc.Stats(context.Background(), "u1", c.ID)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Sent != 2 {
		t.Errorf("expected 2 sent, got %d", stats.Sent)
	}
	if stats.Opens != 2 {
		t.Errorf("expected 2 opens, got %d", stats.Opens)
	}
	if stats.Clicks != 0 {
		t.Errorf("expected 0 clicks, got %d", stats.Clicks)
	}
}
