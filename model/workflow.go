package model

import (
	"encoding/json"
	"time"
)

// Journal record kinds.
const (
	RecordStarted                = "started"
	RecordStatus                 = "status"
	RecordTimeline               = "timeline"
	RecordAttempt                = "attempt"
	RecordStepCompleted          = "step_completed"
	RecordStepFailed             = "step_failed"
	RecordCompensationRegistered = "compensation_registered"
	RecordCompensationExecuted   = "compensation_executed"
	RecordWaitStarted            = "wait_started"
	RecordWaitCompleted          = "wait_completed"
	RecordSignal                 = "signal"
	RecordIssue                  = "issue"
	RecordETA                    = "eta"
	RecordAborted                = "aborted"
	RecordFinished               = "finished"
)

// SagaInstance is the queryable projection of one order saga. The journal,
// not this row, is the source of truth.
type SagaInstance struct {
	ID          string      `json:"id"`
	OrderID     string      `json:"orderId,omitempty"`
	CustomerID  string      `json:"customerId"`
	Status      OrderStatus `json:"status"`
	WakeAt      *time.Time  `json:"wakeAt,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
	Version     int         `json:"version"`
}

// JournalRecord is one append-only entry in an instance's execution log.
// Seq is assigned by the store and orders records within the log.
type JournalRecord struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflowId"`
	Seq        int64           `json:"seq"`
	Kind       string          `json:"kind"`
	Step       string          `json:"step,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}
