package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

var (
	ErrInvalidEventType = errors.New("invalid event type")
	ErrInvalidSeverity  = errors.New("invalid severity")
)

// EventLister reads an attempt's persisted events in sequence order.
type EventLister interface {
	ListByAttempt(ctx context.Context, attemptID string) ([]model.ProctoringEvent, error)
}

// EventPublisher fans accepted events out to downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, v any) error
}

// ProctoringService accepts proctoring events and serves the review read path.
// Writes are queued in Redis and persisted by the event worker.
type ProctoringService struct {
	events    EventLister
	rdb       *redis.Client
	publisher EventPublisher
	now       func() time.Time
	log       zerolog.Logger
}

// NewProctoringService creates a service. publisher may be nil.
func NewProctoringService(events EventLister, rdb *redis.Client, publisher EventPublisher, log zerolog.Logger) *ProctoringService {
	return &ProctoringService{
		events:    events,
		rdb:       rdb,
		publisher: publisher,
		now:       time.Now,
		log:       log.With().Str("component", "proctoring_service").Logger(),
	}
}

// Ingest validates an event and queues it for persistence.
func (s *ProctoringService) Ingest(ctx context.Context, attemptID, userID string, req model.LogEventRequest) (*model.ProctoringEvent, error) {
	kind := proctor.ViolationKind(req.EventType)
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEventType, req.EventType)
	}

	severity := proctor.Severity(req.Severity)
	if severity == "" {
		severity = proctor.ViolationEvent{Kind: kind}.Severity()
	}
	if !severity.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSeverity, req.Severity)
	}

	meta := req.Meta
	if meta == nil {
		meta = map[string]string{}
	}

	event := &model.ProctoringEvent{
		ID:             uuid.New(),
		AttemptID:      attemptID,
		UserID:         userID,
		EventType:      string(kind),
		Severity:       string(severity),
		SequenceNumber: req.SequenceNumber,
		Meta:           meta,
		OccurredAt:     req.Timestamp.UTC(),
		RecordedAt:     s.now().UTC(),
	}

	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	if err := s.rdb.RPush(ctx, config.WorkerKey.PersistEventsQueue, data).Err(); err != nil {
		return nil, fmt.Errorf("queue event: %w", err)
	}

	// Live fan-out is best effort.
	if err := s.rdb.Publish(ctx, config.CacheKey.AttemptMonitorChannel(attemptID), data).Err(); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", attemptID).Msg("Monitor publish failed")
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, event); err != nil {
			s.log.Warn().Err(err).Str("attempt_id", attemptID).Msg("Broker publish failed")
		}
	}

	s.log.Info().
		Str("attempt_id", attemptID).
		Str("event_type", event.EventType).
		Str("severity", event.Severity).
		Int64("seq", event.SequenceNumber).
		Msg("Event accepted")

	return event, nil
}

// ListEvents returns an attempt's log with its warnings count and suspicion score.
func (s *ProctoringService) ListEvents(ctx context.Context, attemptID string) (*model.AttemptEventLog, error) {
	events, err := s.events.ListByAttempt(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("list events of attempt %s: %w", attemptID, err)
	}

	warnings, score := Summarize(events)
	return &model.AttemptEventLog{
		AttemptID:      attemptID,
		Events:         events,
		TotalEvents:    len(events),
		Warnings:       warnings,
		SuspicionScore: score,
	}, nil
}

// Summarize counts warning and critical events and sums severity weights.
func Summarize(events []model.ProctoringEvent) (warnings int, suspicionScore float64) {
	for _, e := range events {
		sev := proctor.Severity(e.Severity)
		if sev == proctor.SeverityWarning || sev == proctor.SeverityCritical {
			warnings++
		}
		suspicionScore += sev.Weight()
	}
	return warnings, math.Round(suspicionScore*100) / 100
}
