package remote

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/proctor"
)

func newOutbox(t *testing.T) *Outbox {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewOutbox(rdb)
}

func TestSyncerParksTransientFailures(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)

	srv, _ := newTestServer(t, map[string]http.HandlerFunc{
		"PATCH /api/attempts/att-1/answer": func(w http.ResponseWriter, r *http.Request) {
			jsonReply(int(status.Load()), `{}`)(w, r)
		},
		"POST /api/v1/proctoring/att-1/event": jsonReply(http.StatusServiceUnavailable, `{}`),
	})
	outbox := newOutbox(t)
	syncer := NewSyncer(newClient(srv), outbox, zerolog.Nop())
	ctx := context.Background()

	rec := proctor.AnswerRecord{QuestionID: "q1", Value: "A"}
	require.Error(t, syncer.PushAnswer(ctx, "att-1", rec))
	rec.Value = "B"
	require.Error(t, syncer.PushAnswer(ctx, "att-1", rec))

	pending, err := outbox.PendingAnswers(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1, "only the latest value per question is kept")
	item, err := DecodeAnswer(pending["att-1|q1"])
	require.NoError(t, err)
	assert.Equal(t, "B", item.Answer.Value)
	assert.Equal(t, "tok-1", item.Token)

	ev := proctor.ViolationEvent{Kind: proctor.KindCopyPaste, OccurredAt: time.Now(), SequenceNumber: 1}
	require.Error(t, syncer.PushViolation(ctx, "att-1", ev))
	n, err := outbox.EventLen(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	popped, err := outbox.PopEvent(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "att-1", popped.AttemptID)
	assert.Equal(t, proctor.KindCopyPaste, popped.Event.Kind)

	status.Store(http.StatusOK)
	require.NoError(t, syncer.PushAnswer(ctx, "att-1", rec))
	pending, err = outbox.PendingAnswers(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "a successful push clears the parked value")
}

func TestSyncerDropsPermanentFailures(t *testing.T) {
	srv, _ := newTestServer(t, map[string]http.HandlerFunc{
		"PATCH /api/attempts/att-1/answer":    jsonReply(http.StatusConflict, `{"error":"Attempt already submitted"}`),
		"POST /api/v1/proctoring/att-1/event": jsonReply(http.StatusBadRequest, `{}`),
	})
	outbox := newOutbox(t)
	syncer := NewSyncer(newClient(srv), outbox, zerolog.Nop())
	ctx := context.Background()

	err := syncer.PushAnswer(ctx, "att-1", proctor.AnswerRecord{QuestionID: "q1", Value: "A"})
	assert.ErrorIs(t, err, ErrRejected)
	err = syncer.PushViolation(ctx, "att-1", proctor.ViolationEvent{Kind: proctor.KindTabSwitch, SequenceNumber: 1})
	assert.ErrorIs(t, err, ErrRejected)

	pending, err := outbox.PendingAnswers(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	n, err := outbox.EventLen(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOutboxResolveKeepsNewerValue(t *testing.T) {
	outbox := newOutbox(t)
	ctx := context.Background()

	require.NoError(t, outbox.ParkAnswer(ctx, "tok", "att-1", proctor.AnswerRecord{QuestionID: "q1", Value: "A"}))
	pending, err := outbox.PendingAnswers(ctx)
	require.NoError(t, err)
	stale := pending["att-1|q1"]

	require.NoError(t, outbox.ParkAnswer(ctx, "tok", "att-1", proctor.AnswerRecord{QuestionID: "q1", Value: "B"}))
	require.NoError(t, outbox.ResolveAnswer(ctx, "att-1|q1", stale))

	pending, err = outbox.PendingAnswers(ctx)
	require.NoError(t, err)
	require.Contains(t, pending, "att-1|q1")

	require.NoError(t, outbox.ResolveAnswer(ctx, "att-1|q1", pending["att-1|q1"]))
	pending, err = outbox.PendingAnswers(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestOutboxPopEmpty(t *testing.T) {
	outbox := newOutbox(t)

	_, err := outbox.PopEvent(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, redis.Nil)
}
