// Package storage provides persistent storage for sweep results.
// It uses BoltDB as the underlying storage engine to keep every sweep's
// experiment header, its per-run records and the dataset it was trained on,
// so sweeps can be listed and compared later.
package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"monosweep/internal/trainer"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

const (
	experimentsBucket = "experiments" // Sweep headers keyed by sweep ID
	runsBucket        = "runs"        // Run records keyed by "sweepID_index"
)

// ErrNotFound is returned when a sweep ID is not in the store.
var ErrNotFound = errors.New("sweep not found")

// Store provides persistent storage for sweeps using BoltDB.
type Store struct {
	db *bbolt.DB
}

// ExperimentRecord is the stored header of one sweep.
type ExperimentRecord struct {
	ID           uuid.UUID         `json:"id"`
	Experiment   string            `json:"experiment"`
	Predictor    string            `json:"predictor"`
	StartedAt    time.Time         `json:"started_at"`
	FinishedAt   time.Time         `json:"finished_at"`
	FeatureNames []string          `json:"feature_names"`
	Target       string            `json:"target"`
	Runs         int               `json:"runs"`
	Failures     []trainer.Failure `json:"failures"`
}

// New opens (or creates) the sweep database under dataPath.
func New(dataPath string) (*Store, error) {
	dbPath := filepath.Join(dataPath, "monosweep.db")

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{experimentsBucket, runsBucket, datasetsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database connection gracefully.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func runKey(id uuid.UUID, i int) []byte {
	return []byte(fmt.Sprintf("%s_%05d", id, i))
}

// SaveSweep stores the sweep header and every run record in one transaction.
// Saving the same sweep again replaces its records.
func (s *Store) SaveSweep(sw *trainer.Sweep) error {
	if sw == nil || sw.ID == uuid.Nil {
		return fmt.Errorf("sweep has no id")
	}
	header := ExperimentRecord{
		ID:           sw.ID,
		Experiment:   sw.Experiment,
		Predictor:    sw.Predictor,
		StartedAt:    sw.StartedAt,
		FinishedAt:   sw.FinishedAt,
		FeatureNames: sw.FeatureNames,
		Target:       sw.Target,
		Runs:         len(sw.Records),
		Failures:     sw.Failures,
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(header)
		if err != nil {
			return fmt.Errorf("marshal experiment: %w", err)
		}
		if err := tx.Bucket([]byte(experimentsBucket)).Put([]byte(sw.ID.String()), data); err != nil {
			return err
		}

		b := tx.Bucket([]byte(runsBucket))
		if err := deletePrefix(b, []byte(sw.ID.String()+"_")); err != nil {
			return err
		}
		for i, r := range sw.Records {
			data, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("marshal run %d: %w", i, err)
			}
			if err := b.Put(runKey(sw.ID, i), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetExperiment returns the header of a stored sweep.
func (s *Store) GetExperiment(id uuid.UUID) (ExperimentRecord, error) {
	var rec ExperimentRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(experimentsBucket)).Get([]byte(id.String()))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, err
}

// GetRuns returns the run records of a sweep in their original order.
func (s *Store) GetRuns(id uuid.UUID) ([]trainer.Result, error) {
	if _, err := s.GetExperiment(id); err != nil {
		return nil, err
	}
	records, err := s.getRecordsWithPrefix(runsBucket, id.String()+"_", func(data []byte) (interface{}, error) {
		var r trainer.Result
		err := json.Unmarshal(data, &r)
		return r, err
	})
	if err != nil {
		return nil, err
	}

	runs := make([]trainer.Result, len(records))
	for i, record := range records {
		runs[i] = record.(trainer.Result)
	}
	return runs, nil
}

// ListExperiments returns stored sweep headers, oldest first. A non-empty
// name keeps only sweeps of that experiment.
func (s *Store) ListExperiments(name string) ([]ExperimentRecord, error) {
	var out []ExperimentRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(experimentsBucket)).ForEach(func(_, v []byte) error {
			var rec ExperimentRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil // Skip malformed records
			}
			if name == "" || rec.Experiment == name {
				out = append(out, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// DeleteSweep removes a sweep and everything stored with it.
func (s *Store) DeleteSweep(id uuid.UUID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		key := []byte(id.String())
		if tx.Bucket([]byte(experimentsBucket)).Get(key) == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err := tx.Bucket([]byte(experimentsBucket)).Delete(key); err != nil {
			return err
		}
		if err := tx.Bucket([]byte(datasetsBucket)).Delete(key); err != nil {
			return err
		}
		return deletePrefix(tx.Bucket([]byte(runsBucket)), []byte(id.String()+"_"))
	})
}

// getRecordsWithPrefix scans a bucket for keys starting with prefix and
// applies unmarshalFunc to each value.
func (s *Store) getRecordsWithPrefix(bucketName, prefix string, unmarshalFunc func([]byte) (interface{}, error)) ([]interface{}, error) {
	var records []interface{}

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketName)).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			record, err := unmarshalFunc(v)
			if err != nil {
				continue // Skip malformed records
			}
			records = append(records, record)
		}
		return nil
	})

	return records, err
}

func deletePrefix(b *bbolt.Bucket, prefix []byte) error {
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
