package model

import (
	"time"

	"github.com/google/uuid"
)

// ProctoringEvent is one accepted entry of an attempt's proctoring log.
type ProctoringEvent struct {
	ID             uuid.UUID         `json:"id"`
	AttemptID      string            `json:"attemptId"`
	UserID         string            `json:"userId"`
	EventType      string            `json:"eventType"`
	Severity       string            `json:"severity"`
	SequenceNumber int64             `json:"sequenceNumber"`
	Meta           map[string]string `json:"meta"`
	OccurredAt     time.Time         `json:"timestamp"`
	RecordedAt     time.Time         `json:"recordedAt"`
}

// LogEventRequest is the payload for logging a proctoring event.
type LogEventRequest struct {
	EventType      string            `json:"eventType" binding:"required"`
	Timestamp      time.Time         `json:"timestamp" binding:"required"`
	SequenceNumber int64             `json:"sequenceNumber" binding:"required,gte=1"`
	Meta           map[string]string `json:"meta" binding:"omitempty,max=16"`
	Severity       string            `json:"severity" binding:"omitempty,oneof=info warning critical"`
}

// AttemptEventLog is the review read model of an attempt.
type AttemptEventLog struct {
	AttemptID      string            `json:"attemptId"`
	Events         []ProctoringEvent `json:"events"`
	TotalEvents    int               `json:"totalEvents"`
	Warnings       int               `json:"warnings"`
	SuspicionScore float64           `json:"suspicionScore"`
}
