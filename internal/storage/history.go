// Package storage keeps a history of finished test runs in a bbolt file.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/wesleyorama2/surge/internal/performance/engine"
)

const (
	bucketRuns = "runs"

	// MaxRuns is how many runs the history keeps; older runs are pruned on Save.
	MaxRuns = 100
)

// ErrRunNotFound is returned by Get for an unknown run ID.
var ErrRunNotFound = errors.New("run not found")

// Run is one recorded test run.
type Run struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Name      string        `json:"name"`
	Passed    bool          `json:"passed"`
	Duration  time.Duration `json:"duration"`
	Summary   RunSummary    `json:"summary"`
}

// RunSummary holds the headline numbers of a run.
type RunSummary struct {
	TotalRequests    int64   `json:"total_requests"`
	FailedRequests   int64   `json:"failed_requests"`
	Iterations       int64   `json:"iterations"`
	FailedIterations int64   `json:"failed_iterations"`
	ChecksRate       float64 `json:"checks_rate"`
	RPS              float64 `json:"rps"`
	AvgLatencyMs     float64 `json:"avg_latency_ms"`
	P95LatencyMs     float64 `json:"p95_latency_ms"`
	P99LatencyMs     float64 `json:"p99_latency_ms"`
}

// NewRun summarizes result as a Run with a fresh time-ordered ID.
func NewRun(result *engine.TestResult) (Run, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Run{}, fmt.Errorf("failed to generate run id: %w", err)
	}

	run := Run{
		ID:        id.String(),
		Timestamp: result.StartTime,
		Name:      result.Name,
		Passed:    result.Passed,
		Duration:  result.Duration,
	}
	if run.Timestamp.IsZero() {
		run.Timestamp = time.Now()
	}

	if m := result.Metrics; m != nil {
		run.Summary = RunSummary{
			TotalRequests:    m.TotalRequests,
			FailedRequests:   m.FailedRequests,
			Iterations:       m.Iterations,
			FailedIterations: m.FailedIterations,
			ChecksRate:       m.ChecksRate,
			RPS:              m.RPS,
			AvgLatencyMs:     ms(m.Latency.Mean),
			P95LatencyMs:     ms(m.Latency.P95),
			P99LatencyMs:     ms(m.Latency.P99),
		}
	}
	return run, nil
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Store is a bbolt-backed run history.
type Store struct {
	db *bbolt.DB
}

// DefaultPath returns ~/.surge/history.db.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".surge", "history.db"), nil
}

// Open opens or creates the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open history %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketRuns))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores run and prunes the history to MaxRuns.
func (s *Store) Save(run Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketRuns))
		if err := b.Put([]byte(run.ID), data); err != nil {
			return err
		}

		c := b.Cursor()
		count := 0
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			count++
		}

		var stale [][]byte
		for k, _ := c.First(); k != nil && count-len(stale) > MaxRuns; k, _ = c.Next() {
			if string(k) == run.ID {
				continue
			}
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// List returns up to limit runs, newest first. A limit <= 0 returns all.
func (s *Store) List(limit int) ([]Run, error) {
	var runs []Run

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketRuns)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(runs) >= limit {
				break
			}
			var run Run
			if err := json.Unmarshal(v, &run); err != nil {
				return fmt.Errorf("failed to decode run %s: %w", k, err)
			}
			runs = append(runs, run)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// Get returns the run with the given ID.
func (s *Store) Get(id string) (*Run, error) {
	var run Run
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(bucketRuns)).Get([]byte(id))
		if v == nil {
			return ErrRunNotFound
		}
		return json.Unmarshal(v, &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}
