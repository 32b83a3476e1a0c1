package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

// OutboxItem is a push that failed and waits for redelivery.
type OutboxItem struct {
	AttemptID string                  `json:"attempt_id"`
	Token     string                  `json:"token"`
	Answer    *proctor.AnswerRecord   `json:"answer,omitempty"`
	Event     *proctor.ViolationEvent `json:"event,omitempty"`
	Retries   int                     `json:"retries"`
	ParkedAt  time.Time               `json:"parked_at"`
}

// Outbox parks failed pushes in Redis. Events queue on a list and are retried
// in any order since the log is idempotent on sequence number. Answers sit in a
// hash keyed by attempt and question so only the latest value is replayed.
type Outbox struct {
	rdb       *redis.Client
	queue     string
	answerKey string
}

func NewOutbox(rdb *redis.Client) *Outbox {
	return &Outbox{
		rdb:       rdb,
		queue:     config.WorkerKey.SyncOutboxQueue,
		answerKey: config.WorkerKey.SyncOutboxQueue + ":answers",
	}
}

func answerField(attemptID, questionID string) string {
	return attemptID + "|" + questionID
}

// ParkAnswer stores rec as the pending value for its question.
func (o *Outbox) ParkAnswer(ctx context.Context, token, attemptID string, rec proctor.AnswerRecord) error {
	raw, err := json.Marshal(OutboxItem{
		AttemptID: attemptID,
		Token:     token,
		Answer:    &rec,
		ParkedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode outbox answer: %w", err)
	}
	if err := o.rdb.HSet(ctx, o.answerKey, answerField(attemptID, rec.QuestionID), raw).Err(); err != nil {
		return fmt.Errorf("park answer: %w", err)
	}
	return nil
}

// ForgetAnswer drops a pending answer after a newer value reached the remote.
func (o *Outbox) ForgetAnswer(ctx context.Context, attemptID, questionID string) error {
	return o.rdb.HDel(ctx, o.answerKey, answerField(attemptID, questionID)).Err()
}

// PendingAnswers returns every parked answer with its raw encoding.
func (o *Outbox) PendingAnswers(ctx context.Context) (map[string]string, error) {
	return o.rdb.HGetAll(ctx, o.answerKey).Result()
}

// ResolveAnswer removes field if it still holds raw. A newer parked value is kept.
func (o *Outbox) ResolveAnswer(ctx context.Context, field, raw string) error {
	err := o.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, o.answerKey, field).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if cur != raw {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HDel(ctx, o.answerKey, field)
			return nil
		})
		return err
	}, o.answerKey)
	if errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	return err
}

// ParkEvent queues a violation for redelivery.
func (o *Outbox) ParkEvent(ctx context.Context, token, attemptID string, ev proctor.ViolationEvent) error {
	return o.Requeue(ctx, OutboxItem{
		AttemptID: attemptID,
		Token:     token,
		Event:     &ev,
		ParkedAt:  time.Now().UTC(),
	})
}

// Requeue appends item to the event queue.
func (o *Outbox) Requeue(ctx context.Context, item OutboxItem) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode outbox event: %w", err)
	}
	if err := o.rdb.RPush(ctx, o.queue, raw).Err(); err != nil {
		return fmt.Errorf("park event: %w", err)
	}
	return nil
}

// PopEvent blocks up to timeout for the next queued event. It returns
// redis.Nil when the queue stayed empty.
func (o *Outbox) PopEvent(ctx context.Context, timeout time.Duration) (*OutboxItem, error) {
	res, err := o.rdb.BLPop(ctx, timeout, o.queue).Result()
	if err != nil {
		return nil, err
	}
	if len(res) < 2 {
		return nil, redis.Nil
	}

	var item OutboxItem
	if err := json.Unmarshal([]byte(res[1]), &item); err != nil {
		return nil, fmt.Errorf("decode outbox event: %w", err)
	}
	return &item, nil
}

// DecodeAnswer parses a raw value returned by PendingAnswers.
func DecodeAnswer(raw string) (*OutboxItem, error) {
	var item OutboxItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil, fmt.Errorf("decode outbox answer: %w", err)
	}
	if item.Answer == nil {
		return nil, fmt.Errorf("decode outbox answer: no answer record")
	}
	return &item, nil
}

// EventLen returns the number of queued events.
func (o *Outbox) EventLen(ctx context.Context) (int64, error) {
	return o.rdb.LLen(ctx, o.queue).Result()
}
