package storage

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

const datasetsBucket = "datasets"

// DatasetRecord describes the data a sweep was trained on.
type DatasetRecord struct {
	Source           string   `json:"source"`
	Target           string   `json:"target"`
	FeatureColumns   []string `json:"feature_columns"`
	MonotonicColumns []string `json:"monotonic_columns"`
	TargetDivisor    float64  `json:"target_divisor"`
	ScaleTarget      bool     `json:"scale_target"`
	TrainRows        int      `json:"train_rows"`
	ValRows          int      `json:"val_rows"`
	TestRows         int      `json:"test_rows"`
	DroppedRows      int      `json:"dropped_rows"`
	Seed             uint64   `json:"seed"`
}

// SaveDataset stores the dataset description of a sweep.
func (s *Store) SaveDataset(id uuid.UUID, record DatasetRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal dataset record: %w", err)
		}
		return tx.Bucket([]byte(datasetsBucket)).Put([]byte(id.String()), data)
	})
}

// GetDataset returns the dataset description stored for a sweep.
func (s *Store) GetDataset(id uuid.UUID) (DatasetRecord, error) {
	var rec DatasetRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(datasetsBucket)).Get([]byte(id.String()))
		if data == nil {
			return fmt.Errorf("%w: no dataset for %s", ErrNotFound, id)
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, err
}
