package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// EventStore is the persistence the event worker flushes into.
type EventStore interface {
	CopyEvents(ctx context.Context, events []model.ProctoringEvent) error
	InsertEvent(ctx context.Context, e model.ProctoringEvent) error
}

// EventWorker drains the accepted-event queue into PostgreSQL in batches.
type EventWorker struct {
	store        EventStore
	rdb          *redis.Client
	queue        string
	requeueDelay time.Duration
	log          zerolog.Logger
}

func NewEventWorker(store EventStore, rdb *redis.Client, log zerolog.Logger) *EventWorker {
	return &EventWorker{
		store:        store,
		rdb:          rdb,
		queue:        config.WorkerKey.PersistEventsQueue,
		requeueDelay: 2 * time.Second,
		log:          log.With().Str("component", "event_worker").Logger(),
	}
}

func (w *EventWorker) Start(ctx context.Context) {
	w.log.Info().Msg("EventWorker started")

	buffer := make([]model.ProctoringEvent, 0, BatchSize)
	lastFlushTime := time.Now()

	for {
		if len(buffer) > 0 && (len(buffer) >= BatchSize || time.Since(lastFlushTime) >= BatchTimeout) {
			w.flushSafe(ctx, buffer)
			buffer = buffer[:0]
			lastFlushTime = time.Now()
		}

		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		result, err := w.rdb.BLPop(ctx, PollTimeout, w.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			sleepCtx(ctx, 3*time.Second)
			continue
		}
		if len(result) < 2 {
			continue
		}

		var e model.ProctoringEvent
		if err := json.Unmarshal([]byte(result[1]), &e); err != nil {
			// Malformed payloads can never succeed.
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed event")
			continue
		}
		buffer = append(buffer, e)
	}
}

// flushSafe attempts a bulk copy, then row-by-row insert, then requeue.
func (w *EventWorker) flushSafe(ctx context.Context, batch []model.ProctoringEvent) {
	if err := w.store.CopyEvents(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")
		w.fallbackInsert(ctx, batch)
		return
	}
	w.log.Debug().Int("count", len(batch)).Msg("Flushed events")
}

func (w *EventWorker) fallbackInsert(ctx context.Context, batch []model.ProctoringEvent) {
	var requeueList []model.ProctoringEvent

	for _, e := range batch {
		if err := w.store.InsertEvent(ctx, e); err != nil {
			w.log.Error().Err(err).
				Str("attempt_id", e.AttemptID).
				Int64("seq", e.SequenceNumber).
				Msg("Insert failed, requeueing")
			requeueList = append(requeueList, e)
		}
	}

	if len(requeueList) > 0 {
		w.requeue(ctx, requeueList)
	}
}

func (w *EventWorker) requeue(ctx context.Context, items []model.ProctoringEvent) {
	// The requeue must land even when shutdown cancelled ctx.
	ctx = context.WithoutCancel(ctx)

	pipe := w.rdb.Pipeline()
	for _, e := range items {
		data, _ := json.Marshal(e)
		pipe.RPush(ctx, w.queue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue events to Redis. Data loss occurred.")
		return
	}

	w.log.Info().Int("count", len(items)).Msg("Requeued failed events back to Redis")
	time.Sleep(w.requeueDelay)
}

func (w *EventWorker) shutdown(buffer []model.ProctoringEvent) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(shutdownCtx, buffer)
	}
	w.log.Info().Msg("Worker stopped")
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
