package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/proctor"
)

type captured struct {
	method string
	path   string
	auth   string
	body   map[string]any
}

func newTestServer(t *testing.T, routes map[string]http.HandlerFunc) (*httptest.Server, *[]captured) {
	t.Helper()
	var calls []captured

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := captured{method: r.Method, path: r.URL.Path, auth: r.Header.Get("Authorization")}
		if raw, _ := io.ReadAll(r.Body); len(raw) > 0 {
			_ = json.Unmarshal(raw, &c.body)
		}
		calls = append(calls, c)

		h, ok := routes[r.Method+" "+r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not found"}`))
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func jsonReply(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func newClient(srv *httptest.Server) *APIClient {
	return NewAPIClient(srv.URL+"/api", srv.URL+"/api/v1", 2*time.Second, zerolog.Nop()).WithToken("tok-1")
}

func TestGetQuizDetailMapsQuestions(t *testing.T) {
	srv, calls := newTestServer(t, map[string]http.HandlerFunc{
		"GET /api/quizzes/quiz-1": jsonReply(http.StatusOK, `{
			"quiz": {
				"quizId": "quiz-1",
				"title": "Algebra",
				"durationSeconds": 900,
				"questions": [
					{"qId": "q1", "text": "2+2", "type": "mcq", "marks": 2,
					 "options": [{"id": "o1", "text": "4", "isCorrect": true}, {"id": "o2", "text": "5", "isCorrect": false}]},
					{"id": "q2", "text": "Sky is blue", "type": "true_false", "marks": 1,
					 "options": [{"id": "t", "text": "True"}, {"id": "f", "text": "False"}]},
					{"qId": "q3", "text": "Why?", "type": "long_answer", "marks": 5, "options": []}
				]
			}
		}`),
	})

	quiz, err := newClient(srv).GetQuizDetail(context.Background(), "quiz-1")
	require.NoError(t, err)

	assert.Equal(t, "Algebra", quiz.Title)
	assert.Equal(t, 900, quiz.DurationSeconds)
	require.Len(t, quiz.Questions, 3)
	assert.Equal(t, proctor.Question{
		ID:      "q1",
		Text:    "2+2",
		Type:    proctor.QuestionSingleChoice,
		Options: []proctor.Option{{ID: "o1", Text: "4"}, {ID: "o2", Text: "5"}},
		Marks:   2,
	}, quiz.Questions[0])
	assert.Equal(t, "q2", quiz.Questions[1].ID)
	assert.Equal(t, proctor.QuestionTrueFalse, quiz.Questions[1].Type)
	assert.Equal(t, proctor.QuestionFreeText, quiz.Questions[2].Type)
	assert.Empty(t, quiz.Questions[2].Options)

	require.Len(t, *calls, 1)
	assert.Equal(t, "Bearer tok-1", (*calls)[0].auth)
}

func TestGetQuizDetailRejectsUnknownType(t *testing.T) {
	srv, _ := newTestServer(t, map[string]http.HandlerFunc{
		"GET /api/quizzes/quiz-1": jsonReply(http.StatusOK, `{"quiz":{"questions":[{"qId":"q1","type":"matching"}]}}`),
	})

	_, err := newClient(srv).GetQuizDetail(context.Background(), "quiz-1")
	assert.ErrorContains(t, err, "unsupported question type")
}

func TestStartAttempt(t *testing.T) {
	srv, _ := newTestServer(t, map[string]http.HandlerFunc{
		"POST /api/attempts/quiz-1/start": jsonReply(http.StatusCreated, `{"attemptId":"att-9","durationSeconds":600,"questions":[]}`),
		"POST /api/attempts/quiz-2/start": jsonReply(http.StatusForbidden, `{"error":"Quiz has ended"}`),
	})
	client := newClient(srv)

	start, err := client.StartAttempt(context.Background(), "quiz-1")
	require.NoError(t, err)
	assert.Equal(t, "att-9", start.AttemptID)
	assert.Equal(t, 600, start.DurationSeconds)

	_, err = client.StartAttempt(context.Background(), "quiz-2")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "Quiz has ended", apiErr.Message)
	assert.True(t, IsPermanent(err))
}

func TestSaveAnswerPayload(t *testing.T) {
	srv, calls := newTestServer(t, map[string]http.HandlerFunc{
		"PATCH /api/attempts/att-1/answer": jsonReply(http.StatusOK, `{"message":"Answer saved"}`),
	})

	err := newClient(srv).SaveAnswer(context.Background(), "att-1", proctor.AnswerRecord{
		QuestionID:       "q1",
		Value:            "o1",
		TimeSpentSeconds: 42,
		MarkedForReview:  true,
	})
	require.NoError(t, err)

	require.Len(t, *calls, 1)
	body := (*calls)[0].body
	assert.Equal(t, "q1", body["questionId"])
	assert.Equal(t, "o1", body["answer"])
	assert.EqualValues(t, 42, body["timeSpent"])
	assert.Equal(t, true, body["markedForReview"])
}

func TestSubmitAttempt(t *testing.T) {
	srv, _ := newTestServer(t, map[string]http.HandlerFunc{
		"POST /api/attempts/att-1/submit": jsonReply(http.StatusOK,
			`{"attempt":{"attemptId":"att-1","finalScore":7.5,"totalMarks":10},"finalScore":7.5}`),
		"POST /api/attempts/att-2/submit": jsonReply(http.StatusBadGateway, `{"error":{"code":"UPSTREAM","message":"db down"}}`),
	})
	client := newClient(srv)

	res, err := client.SubmitAttempt(context.Background(), "att-1")
	require.NoError(t, err)
	assert.Equal(t, "att-1", res.AttemptID)
	require.NotNil(t, res.FinalScore)
	assert.InDelta(t, 7.5, *res.FinalScore, 1e-9)
	assert.InDelta(t, 10, res.TotalMarks, 1e-9)

	_, err = client.SubmitAttempt(context.Background(), "att-2")
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
	assert.Contains(t, err.Error(), "db down")
}

func TestLogEventPayload(t *testing.T) {
	srv, calls := newTestServer(t, map[string]http.HandlerFunc{
		"POST /api/v1/proctoring/att-1/event": jsonReply(http.StatusAccepted, `{"data":{"queued":true}}`),
	})

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err := newClient(srv).LogEvent(context.Background(), "att-1", EventFromViolation(proctor.ViolationEvent{
		Kind:           proctor.KindAutoSubmit,
		OccurredAt:     at,
		SequenceNumber: 4,
		Metadata:       map[string]string{"trigger": "TAB_SWITCH"},
	}))
	require.NoError(t, err)

	body := (*calls)[0].body
	assert.Equal(t, "AUTO_SUBMIT", body["eventType"])
	assert.Equal(t, "critical", body["severity"])
	assert.EqualValues(t, 4, body["sequenceNumber"])
	assert.Equal(t, "2026-01-02T03:04:05Z", body["timestamp"])
}

func TestProxiedDocumentsPassThrough(t *testing.T) {
	srv, _ := newTestServer(t, map[string]http.HandlerFunc{
		"GET /api/attempts/att-1/results":     jsonReply(http.StatusOK, `{"results":{"score":3}}`),
		"GET /api/v1/proctoring/att-1/events": jsonReply(http.StatusOK, `{"attemptId":"att-1","totalEvents":0}`),
	})
	client := newClient(srv)

	results, err := client.GetAttemptResults(context.Background(), "att-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"results":{"score":3}}`, string(results))

	events, err := client.ListEvents(context.Background(), "att-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"attemptId":"att-1","totalEvents":0}`, string(events))
}

func TestAPIErrorPermanence(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusConflict, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusServiceUnavailable, false},
	}
	for _, tt := range tests {
		err := &APIError{StatusCode: tt.status}
		assert.Equal(t, tt.permanent, err.IsPermanent(), "status %d", tt.status)
		assert.Equal(t, tt.permanent, errors.Is(err, ErrRejected), "status %d", tt.status)
	}
	assert.False(t, IsPermanent(errors.New("dial tcp: connection refused")))
}
