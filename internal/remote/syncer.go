package remote

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/proctor"
)

// Syncer implements proctor.RemoteSync for one authenticated user. Transient
// failures are parked in the outbox before being reported to the caller.
type Syncer struct {
	client *APIClient
	outbox *Outbox
	log    zerolog.Logger
}

var _ proctor.RemoteSync = (*Syncer)(nil)

// NewSyncer creates a syncer. outbox may be nil to disable redelivery.
func NewSyncer(client *APIClient, outbox *Outbox, log zerolog.Logger) *Syncer {
	return &Syncer{
		client: client,
		outbox: outbox,
		log:    log.With().Str("component", "remote_sync").Logger(),
	}
}

func (s *Syncer) PushAnswer(ctx context.Context, sessionID string, rec proctor.AnswerRecord) error {
	err := s.client.SaveAnswer(ctx, sessionID, rec)
	if s.outbox == nil {
		return err
	}

	// The outbox write must survive a cancelled push context.
	octx := context.WithoutCancel(ctx)
	if err == nil {
		if ferr := s.outbox.ForgetAnswer(octx, sessionID, rec.QuestionID); ferr != nil {
			s.log.Warn().Err(ferr).Str("question_id", rec.QuestionID).Msg("Outbox cleanup failed")
		}
		return nil
	}
	if IsPermanent(err) {
		return err
	}
	if perr := s.outbox.ParkAnswer(octx, s.client.Token(), sessionID, rec); perr != nil {
		s.log.Error().Err(perr).Str("question_id", rec.QuestionID).Msg("Outbox park failed, answer push lost")
	}
	return err
}

func (s *Syncer) PushViolation(ctx context.Context, sessionID string, ev proctor.ViolationEvent) error {
	err := s.client.LogEvent(ctx, sessionID, EventFromViolation(ev))
	if err == nil || s.outbox == nil || IsPermanent(err) {
		return err
	}
	if perr := s.outbox.ParkEvent(context.WithoutCancel(ctx), s.client.Token(), sessionID, ev); perr != nil {
		s.log.Error().Err(perr).Int64("seq", ev.SequenceNumber).Msg("Outbox park failed, event lost")
	}
	return err
}

func (s *Syncer) Submit(ctx context.Context, sessionID string) (*proctor.SubmitResult, error) {
	return s.client.SubmitAttempt(ctx, sessionID)
}
