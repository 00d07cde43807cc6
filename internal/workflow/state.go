package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const jobBucket = "jobs"

// Job execution states. A job is a single run of the step sequence for one
// receipt; a rerun overwrites the previous job record.
const (
	jobRunning   = "running"
	jobCompleted = "completed"
	jobFailed    = "failed"
)

// JobState is the durable progress record for one job. Step is the index of
// the next step to run, so a restarted process re-enters the sequence at the
// first step whose effects are not yet durable.
type JobState struct {
	ReceiptID     string          `json:"receipt_id"`
	Step          int             `json:"step"`
	Status        string          `json:"status"`
	Error         string          `json:"error,omitempty"`
	ExtractedJSON json.RawMessage `json:"extracted_json,omitempty"` // extract step output, kept for resume
	StartedAt     time.Time       `json:"started_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// chargeKey identifies this job instance's single credit deduction. A rerun
// starts a new job with a new StartedAt and so gets a fresh key; a resumed
// job reuses the persisted StartedAt and the same key.
func (s *JobState) chargeKey() string {
	return fmt.Sprintf("%s:%d", s.ReceiptID, s.StartedAt.UnixNano())
}

// jobStore persists job progress in its own bolt bucket.
type jobStore struct {
	db  *bbolt.DB
	now func() time.Time
}

func newJobStore(db *bbolt.DB) (*jobStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(jobBucket))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating job bucket: %w", err)
	}
	return &jobStore{db: db, now: time.Now}, nil
}

func (s *jobStore) put(state *JobState) error {
	state.UpdatedAt = s.now()
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("marshaling job state: %w", err)
		}
		return tx.Bucket([]byte(jobBucket)).Put([]byte(state.ReceiptID), data)
	})
}

func (s *jobStore) get(receiptID string) (*JobState, error) {
	var state *JobState
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(jobBucket)).Get([]byte(receiptID))
		if data == nil {
			return fmt.Errorf("job state not found: %s", receiptID)
		}
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// listRunning returns the jobs left mid-flight by a previous process.
func (s *jobStore) listRunning() ([]*JobState, error) {
	states := make([]*JobState, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(jobBucket)).ForEach(func(k, v []byte) error {
			var state JobState
			if err := json.Unmarshal(v, &state); err != nil {
				return fmt.Errorf("unmarshaling job state: %w", err)
			}
			if state.Status == jobRunning {
				states = append(states, &state)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return states, nil
}
