package worker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/remote"
)

// MaxOutboxRetries bounds how often one event is redelivered before it is dropped.
const MaxOutboxRetries = 20

// OutboxWorker redelivers pushes the kiosk could not get through the first time.
type OutboxWorker struct {
	outbox     *remote.Outbox
	client     *remote.APIClient
	sweepEvery time.Duration
	retryDelay time.Duration
	log        zerolog.Logger
}

// NewOutboxWorker creates a worker. client carries no token; each item is
// replayed with the token it was parked with.
func NewOutboxWorker(outbox *remote.Outbox, client *remote.APIClient, log zerolog.Logger) *OutboxWorker {
	return &OutboxWorker{
		outbox:     outbox,
		client:     client,
		sweepEvery: 15 * time.Second,
		retryDelay: 5 * time.Second,
		log:        log.With().Str("component", "outbox_worker").Logger(),
	}
}

// Start begins the worker loop. Call in a goroutine.
func (w *OutboxWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	lastSweep := time.Now()
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopped")
			return
		default:
		}

		w.processNextEvent(ctx)

		if time.Since(lastSweep) >= w.sweepEvery {
			w.SweepAnswers(ctx)
			lastSweep = time.Now()
		}
	}
}

func (w *OutboxWorker) processNextEvent(ctx context.Context) {
	item, err := w.outbox.PopEvent(ctx, PollTimeout)
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("Outbox pop error")
			sleepCtx(ctx, time.Second)
		}
		return
	}
	if item.Event == nil {
		return
	}

	if w.deliverEvent(ctx, item) {
		return
	}

	item.Retries++
	if item.Retries >= MaxOutboxRetries {
		w.log.Error().
			Str("attempt_id", item.AttemptID).
			Int64("seq", item.Event.SequenceNumber).
			Int("retries", item.Retries).
			Msg("Dropping event after too many retries")
		return
	}
	if err := w.outbox.Requeue(context.WithoutCancel(ctx), *item); err != nil {
		w.log.Error().Err(err).Msg("CRITICAL: Failed to requeue event. Data loss occurred.")
		return
	}
	sleepCtx(ctx, w.retryDelay)
}

// deliverEvent reports whether the item is finished with, delivered or dropped.
func (w *OutboxWorker) deliverEvent(ctx context.Context, item *remote.OutboxItem) bool {
	err := w.client.WithToken(item.Token).LogEvent(ctx, item.AttemptID, remote.EventFromViolation(*item.Event))
	switch {
	case err == nil:
		w.log.Info().Str("attempt_id", item.AttemptID).Int64("seq", item.Event.SequenceNumber).Msg("Redelivered event")
		return true
	case remote.IsPermanent(err):
		w.log.Warn().Err(err).Str("attempt_id", item.AttemptID).Msg("Event rejected, dropping")
		return true
	}
	w.log.Warn().Err(err).Str("attempt_id", item.AttemptID).Msg("Event redelivery failed, will retry")
	return false
}

// SweepAnswers replays every parked answer once.
func (w *OutboxWorker) SweepAnswers(ctx context.Context) {
	pending, err := w.outbox.PendingAnswers(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error().Err(err).Msg("Outbox answer scan failed")
		}
		return
	}

	delivered := 0
	for field, raw := range pending {
		item, err := remote.DecodeAnswer(raw)
		if err != nil {
			w.log.Error().Err(err).Str("field", field).Msg("Discarding malformed answer")
			_ = w.outbox.ResolveAnswer(ctx, field, raw)
			continue
		}

		err = w.client.WithToken(item.Token).SaveAnswer(ctx, item.AttemptID, *item.Answer)
		if err != nil && !remote.IsPermanent(err) {
			w.log.Warn().Err(err).Str("attempt_id", item.AttemptID).Msg("Answer redelivery failed, will retry")
			continue
		}
		if err != nil {
			w.log.Warn().Err(err).Str("attempt_id", item.AttemptID).Msg("Answer rejected, dropping")
		} else {
			delivered++
		}
		if err := w.outbox.ResolveAnswer(ctx, field, raw); err != nil {
			w.log.Error().Err(err).Str("field", field).Msg("Outbox resolve failed")
		}
	}

	if delivered > 0 {
		w.log.Info().Int("count", delivered).Msg("Redelivered answers")
	}
}
