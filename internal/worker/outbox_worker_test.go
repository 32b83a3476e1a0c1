package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/remote"
)

type stubRemote struct {
	mu     sync.Mutex
	status int
	paths  []string
	auths  []string
}

func (s *stubRemote) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths = append(s.paths, r.Method+" "+r.URL.Path)
	s.auths = append(s.auths, r.Header.Get("Authorization"))
	w.WriteHeader(s.status)
	_, _ = w.Write([]byte(`{}`))
}

func (s *stubRemote) setStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = code
}

func (s *stubRemote) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths...)
}

func newOutboxWorker(t *testing.T, status int) (*OutboxWorker, *remote.Outbox, *stubRemote) {
	t.Helper()
	rdb, _ := newRedis(t)
	stub := &stubRemote{status: status}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	outbox := remote.NewOutbox(rdb)
	client := remote.NewAPIClient(srv.URL+"/api", srv.URL+"/api/v1", time.Second, zerolog.Nop())
	w := NewOutboxWorker(outbox, client, zerolog.Nop())
	w.retryDelay = 0
	return w, outbox, stub
}

func TestOutboxWorkerRedeliversEvent(t *testing.T) {
	w, outbox, stub := newOutboxWorker(t, http.StatusAccepted)
	ctx := context.Background()

	ev := proctor.ViolationEvent{Kind: proctor.KindTabSwitch, OccurredAt: time.Now(), SequenceNumber: 3}
	require.NoError(t, outbox.ParkEvent(ctx, "tok-7", "att-1", ev))

	w.processNextEvent(ctx)

	assert.Equal(t, []string{"POST /api/v1/proctoring/att-1/event"}, stub.calls())
	stub.mu.Lock()
	assert.Equal(t, "Bearer tok-7", stub.auths[0])
	stub.mu.Unlock()

	n, err := outbox.EventLen(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOutboxWorkerRequeuesTransientFailure(t *testing.T) {
	w, outbox, _ := newOutboxWorker(t, http.StatusBadGateway)
	ctx := context.Background()

	ev := proctor.ViolationEvent{Kind: proctor.KindCopyPaste, SequenceNumber: 1}
	require.NoError(t, outbox.ParkEvent(ctx, "tok", "att-1", ev))

	w.processNextEvent(ctx)

	item, err := outbox.PopEvent(ctx, PollTimeout)
	require.NoError(t, err)
	assert.Equal(t, 1, item.Retries)
}

func TestOutboxWorkerDropsRejectedAndExhaustedEvents(t *testing.T) {
	w, outbox, stub := newOutboxWorker(t, http.StatusBadRequest)
	ctx := context.Background()

	require.NoError(t, outbox.ParkEvent(ctx, "tok", "att-1", proctor.ViolationEvent{Kind: proctor.KindRightClick, SequenceNumber: 1}))
	w.processNextEvent(ctx)

	n, err := outbox.EventLen(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "rejected events are not requeued")

	stub.setStatus(http.StatusServiceUnavailable)
	ev := proctor.ViolationEvent{Kind: proctor.KindRightClick, SequenceNumber: 2}
	require.NoError(t, outbox.Requeue(ctx, remote.OutboxItem{AttemptID: "att-1", Event: &ev, Retries: MaxOutboxRetries - 1}))
	w.processNextEvent(ctx)

	n, err = outbox.EventLen(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "events past the retry budget are dropped")
}

func TestOutboxWorkerSweepsAnswers(t *testing.T) {
	w, outbox, stub := newOutboxWorker(t, http.StatusServiceUnavailable)
	ctx := context.Background()

	require.NoError(t, outbox.ParkAnswer(ctx, "tok", "att-1", proctor.AnswerRecord{QuestionID: "q1", Value: "A"}))
	require.NoError(t, outbox.ParkAnswer(ctx, "tok", "att-1", proctor.AnswerRecord{QuestionID: "q2", Value: "B"}))

	w.SweepAnswers(ctx)
	pending, err := outbox.PendingAnswers(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2, "transient failures stay parked")

	stub.setStatus(http.StatusOK)
	w.SweepAnswers(ctx)
	pending, err = outbox.PendingAnswers(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.Len(t, stub.calls(), 4)
}
