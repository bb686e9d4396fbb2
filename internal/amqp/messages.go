package amqp

import (
	"encoding/json"
	"time"

	"monoledger/internal/core"
)

// JobMessage is the lightweight notification the serving role publishes
// when it persists an ingestion job. It carries only identifiers; the
// worker loads the full job from the database, which stays the durable
// source of truth.
type JobMessage struct {
	JobID     string       `json:"job_id"`
	AccountID string       `json:"account_id"`
	Kind      core.JobKind `json:"kind"`
	Timestamp time.Time    `json:"timestamp"`
}

func NewJobMessage(jobID, accountID string, kind core.JobKind) *JobMessage {
	return &JobMessage{
		JobID:     jobID,
		AccountID: accountID,
		Kind:      kind,
		Timestamp: time.Now(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *JobMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// FromJSON creates a message from JSON bytes
func JobMessageFromJSON(data []byte) (*JobMessage, error) {
	var msg JobMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
