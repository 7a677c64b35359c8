package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketJobs    = []byte("jobs")
	bucketReady   = []byte("ready")
	bucketDelayed = []byte("delayed")
	bucketDead    = []byte("dead")
)

// Storage is a durable bbolt-backed job queue. Claimed jobs carry a lease;
// a job whose lease expires without completion is considered stalled and
// goes back to the ready index.
type Storage struct {
	db          *bolt.DB
	maxAttempts int
	retryDelay  time.Duration
	lease       time.Duration
}

type StorageConfig struct {
	Path        string
	MaxAttempts int
	RetryDelay  time.Duration
	Lease       time.Duration
}

func NewStorage(cfg StorageConfig) (*Storage, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(cfg.Path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketJobs, bucketReady, bucketDelayed, bucketDead} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}

	return &Storage{
		db:          db,
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
		lease:       cfg.Lease,
	}, nil
}

// Enqueue inserts a job unless one with the same ID is already live.
// Returns false when the job was deduplicated. A done or dead job with the
// same ID is replaced, so explicit recovery can re-run a finished task.
func (s *Storage) Enqueue(id string, jobType JobType, payload any, delay time.Duration) (bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal payload: %w", err)
	}

	created := false
	err = s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)

		if existing := jobs.Get([]byte(id)); existing != nil {
			var prev Job
			if err := json.Unmarshal(existing, &prev); err == nil {
				if prev.Status != StatusDone && prev.Status != StatusDead {
					return nil // live duplicate, keep the original
				}
				// clear a stale dead index before replacing
				tx.Bucket(bucketDead).Delete(makeIndexKey(prev.UpdatedAt, prev.ID))
			}
		}

		now := time.Now()
		job := Job{
			ID:          id,
			Type:        jobType,
			Payload:     data,
			Status:      StatusPending,
			MaxAttempts: s.maxAttempts,
			RunAt:       now.Add(delay),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if delay > 0 {
			job.Status = StatusDelayed
		}

		if err := putJob(tx, &job); err != nil {
			return err
		}

		if job.Status == StatusDelayed {
			if err := tx.Bucket(bucketDelayed).Put(makeIndexKey(job.RunAt, job.ID), []byte(job.ID)); err != nil {
				return fmt.Errorf("failed to add to delayed index: %w", err)
			}
		} else {
			if err := tx.Bucket(bucketReady).Put(makeIndexKey(job.CreatedAt, job.ID), []byte(job.ID)); err != nil {
				return fmt.Errorf("failed to add to ready index: %w", err)
			}
		}

		created = true
		return nil
	})
	return created, err
}

// Dequeue claims the next runnable job and starts its lease. Due delayed
// jobs take priority so retries are not starved by fresh work.
// Returns nil, nil when nothing is runnable.
func (s *Storage) Dequeue() (*Job, error) {
	var claimed *Job

	err := s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		now := time.Now()

		// due delayed jobs first
		c := tx.Bucket(bucketDelayed).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if parseTimestampFromKey(k).After(now) {
				break // index is time ordered, the rest are in the future
			}

			data := jobs.Get(v)
			if data == nil {
				c.Delete()
				continue
			}

			var job Job
			if err := json.Unmarshal(data, &job); err != nil {
				continue
			}
			// a stall requeue racing a late Fail leaves a second index entry
			// behind; an entry whose job is not in the matching state is
			// stale and must never claim
			if job.Status != StatusDelayed {
				c.Delete()
				continue
			}

			job.Status = StatusActive
			job.LeaseUntil = now.Add(s.lease)
			job.UpdatedAt = now
			if err := putJob(tx, &job); err != nil {
				return err
			}
			if err := c.Delete(); err != nil {
				return err
			}
			claimed = &job
			return nil
		}

		c = tx.Bucket(bucketReady).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			data := jobs.Get(v)
			if data == nil {
				c.Delete()
				continue
			}

			var job Job
			if err := json.Unmarshal(data, &job); err != nil {
				continue
			}
			if job.Status != StatusPending {
				c.Delete()
				continue
			}

			job.Status = StatusActive
			job.LeaseUntil = now.Add(s.lease)
			job.UpdatedAt = now
			if err := putJob(tx, &job); err != nil {
				return err
			}
			if err := c.Delete(); err != nil {
				return err
			}
			claimed = &job
			return nil
		}

		return nil
	})

	return claimed, err
}

// Complete marks an active job done. The record is kept until cleanup so
// queue stats stay meaningful.
func (s *Storage) Complete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		job, err := getJob(tx, id)
		if err != nil {
			return err
		}
		if job == nil {
			return fmt.Errorf("job not found: %s", id)
		}

		job.Status = StatusDone
		job.LeaseUntil = time.Time{}
		job.UpdatedAt = time.Now()
		return putJob(tx, job)
	})
}

// Fail records a failed attempt. The job is rescheduled with exponential
// backoff until it runs out of attempts, then moves to the dead index.
func (s *Storage) Fail(id, errMsg string) (*Job, error) {
	var out *Job

	err := s.db.Update(func(tx *bolt.Tx) error {
		job, err := getJob(tx, id)
		if err != nil {
			return err
		}
		if job == nil {
			return fmt.Errorf("job not found: %s", id)
		}

		now := time.Now()
		job.Attempts++
		job.LastError = errMsg
		job.LeaseUntil = time.Time{}
		job.UpdatedAt = now

		if job.Attempts >= job.MaxAttempts {
			job.Status = StatusDead
			if err := tx.Bucket(bucketDead).Put(makeIndexKey(now, job.ID), []byte(job.ID)); err != nil {
				return fmt.Errorf("failed to add to dead index: %w", err)
			}
		} else {
			// retry_delay * 2^(attempts-1)
			backoff := s.retryDelay * time.Duration(1<<(job.Attempts-1))
			job.Status = StatusDelayed
			job.RunAt = now.Add(backoff)
			if err := tx.Bucket(bucketDelayed).Put(makeIndexKey(job.RunAt, job.ID), []byte(job.ID)); err != nil {
				return fmt.Errorf("failed to add to delayed index: %w", err)
			}
		}

		if err := putJob(tx, job); err != nil {
			return err
		}
		out = job
		return nil
	})

	return out, err
}

// Defer reschedules an active job without consuming an attempt
func (s *Storage) Defer(id string, delay time.Duration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		job, err := getJob(tx, id)
		if err != nil {
			return err
		}
		if job == nil {
			return fmt.Errorf("job not found: %s", id)
		}

		now := time.Now()
		job.Status = StatusDelayed
		job.RunAt = now.Add(delay)
		job.LeaseUntil = time.Time{}
		job.UpdatedAt = now

		if err := putJob(tx, job); err != nil {
			return err
		}
		if err := tx.Bucket(bucketDelayed).Put(makeIndexKey(job.RunAt, job.ID), []byte(job.ID)); err != nil {
			return fmt.Errorf("failed to add to delayed index: %w", err)
		}
		return nil
	})
}

// Get retrieves a job by ID, nil when unknown
func (s *Storage) Get(id string) (*Job, error) {
	var job *Job
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		job, err = getJob(tx, id)
		return err
	})
	return job, err
}

// RequeueStalled returns expired-lease jobs to the ready index and reports
// them so the caller can reconcile any half-finished side effects.
func (s *Storage) RequeueStalled() ([]*Job, error) {
	var stalled []*Job

	err := s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		ready := tx.Bucket(bucketReady)
		now := time.Now()

		c := jobs.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				continue
			}
			if job.Status != StatusActive || job.LeaseUntil.IsZero() || job.LeaseUntil.After(now) {
				continue
			}

			job.Status = StatusPending
			job.LeaseUntil = time.Time{}
			job.UpdatedAt = now
			if err := putJob(tx, &job); err != nil {
				return err
			}
			if err := ready.Put(makeIndexKey(now, job.ID), []byte(job.ID)); err != nil {
				return err
			}
			stalled = append(stalled, &job)
		}
		return nil
	})

	return stalled, err
}

// ListDead returns dead jobs, oldest first
func (s *Storage) ListDead(limit int) ([]*Job, error) {
	var dead []*Job

	err := s.db.View(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		c := tx.Bucket(bucketDead).Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			data := jobs.Get(v)
			if data == nil {
				continue
			}
			var job Job
			if err := json.Unmarshal(data, &job); err != nil {
				continue
			}
			dead = append(dead, &job)
			if limit > 0 && len(dead) >= limit {
				break
			}
		}
		return nil
	})

	return dead, err
}

// RetryDead moves a dead job back to the ready index with a fresh attempt
// budget.
func (s *Storage) RetryDead(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		job, err := getJob(tx, id)
		if err != nil {
			return err
		}
		if job == nil {
			return fmt.Errorf("job not found: %s", id)
		}
		if job.Status != StatusDead {
			return fmt.Errorf("job %s is not dead (status %s)", id, job.Status)
		}

		tx.Bucket(bucketDead).Delete(makeIndexKey(job.UpdatedAt, job.ID))

		now := time.Now()
		job.Status = StatusPending
		job.Attempts = 0
		job.LastError = ""
		job.UpdatedAt = now
		if err := putJob(tx, job); err != nil {
			return err
		}
		return tx.Bucket(bucketReady).Put(makeIndexKey(now, job.ID), []byte(job.ID))
	})
}

// CleanupDone removes done jobs older than maxAge
func (s *Storage) CleanupDone(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	cutoff := time.Now().Add(-maxAge)
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		c := jobs.Cursor()

		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				continue
			}
			if job.Status == StatusDone && job.UpdatedAt.Before(cutoff) {
				toDelete = append(toDelete, append([]byte{}, k...))
			}
		}

		for _, k := range toDelete {
			if err := jobs.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})

	return deleted, err
}

// Stats returns per-status job counts
func (s *Storage) Stats() (*Stats, error) {
	stats := &Stats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJobs).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				continue
			}
			stats.Total++
			switch job.Status {
			case StatusPending:
				stats.Pending++
			case StatusDelayed:
				stats.Delayed++
			case StatusActive:
				stats.Active++
			case StatusDone:
				stats.Done++
			case StatusDead:
				stats.Dead++
			}
		}
		return nil
	})

	return stats, err
}

// Close closes the underlying database
func (s *Storage) Close() error {
	return s.db.Close()
}

func getJob(tx *bolt.Tx, id string) (*Job, error) {
	data := tx.Bucket(bucketJobs).Get([]byte(id))
	if data == nil {
		return nil, nil
	}
	job := &Job{}
	if err := json.Unmarshal(data, job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return job, nil
}

func putJob(tx *bolt.Tx, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := tx.Bucket(bucketJobs).Put([]byte(job.ID), data); err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}
	return nil
}

// makeIndexKey creates a sortable key from timestamp and ID
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(time.RFC3339Nano) + ":" + id)
}

// parseTimestampFromKey extracts the timestamp from an index key
func parseTimestampFromKey(key []byte) time.Time {
	s := string(key)
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			ts, _ := time.Parse(time.RFC3339Nano, s[:i])
			return ts
		}
	}
	return time.Time{}
}
