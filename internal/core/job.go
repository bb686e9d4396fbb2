package core

import (
	"errors"
	"time"
)

const (
	JobScheduledPoll JobKind = "scheduled_poll"
	JobWebhookPush   JobKind = "webhook_push"
)

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

type (
	JobKind   string
	JobStatus string

	// Job is one unit of ingestion work tracked through the retry state
	// machine: pending -> running -> succeeded | failed, with failed
	// attempts looping back to pending under bounded backoff until the
	// attempt cap, after which the job is terminally failed.
	Job struct {
		ID           string
		AccountID    string
		Kind         JobKind
		Payload      []byte // statement item JSON for webhook_push, empty for polls
		AttemptCount int
		Status       JobStatus
		RunAfter     time.Time
		LastError    string
		CreatedAt    time.Time
		UpdatedAt    time.Time
	}
)

var ErrUnknownJobKind = errors.New("unknown job kind")

func (k JobKind) Valid() bool {
	return k == JobScheduledPoll || k == JobWebhookPush
}

// Terminal reports whether the job has reached a final state.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}
