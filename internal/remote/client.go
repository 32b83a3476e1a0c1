// Package remote talks to the Quiz/Attempt service and the Proctoring Log
// service on behalf of a kiosk session.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/proctor"
)

const maxResponseBytes = 4 << 20

// ErrRejected matches any APIError the remote will never accept on retry.
var ErrRejected = errors.New("request rejected by remote")

// APIError is a non-2xx response from a remote service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote returned %d", e.StatusCode)
	}
	return fmt.Sprintf("remote returned %d: %s", e.StatusCode, e.Message)
}

// IsPermanent reports whether retrying the same request is pointless.
func (e *APIError) IsPermanent() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

func (e *APIError) Is(target error) bool {
	return target == ErrRejected && e.IsPermanent()
}

// IsPermanent reports whether err is an APIError that must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrRejected)
}

// QuizDetail is the part of a quiz a session needs.
type QuizDetail struct {
	ID              string
	Title           string
	DurationSeconds int
	Questions       []proctor.Question
}

// AttemptStart is the remote's answer to starting an attempt.
type AttemptStart struct {
	AttemptID       string
	DurationSeconds int
	Questions       []proctor.Question
}

// EventPayload is the Proctoring Log wire form of a violation.
type EventPayload struct {
	EventType      string            `json:"eventType"`
	Timestamp      time.Time         `json:"timestamp"`
	SequenceNumber int64             `json:"sequenceNumber"`
	Meta           map[string]string `json:"meta,omitempty"`
	Severity       string            `json:"severity"`
}

// EventFromViolation converts a timeline entry to its log payload.
func EventFromViolation(ev proctor.ViolationEvent) EventPayload {
	return EventPayload{
		EventType:      string(ev.Kind),
		Timestamp:      ev.OccurredAt.UTC(),
		SequenceNumber: ev.SequenceNumber,
		Meta:           ev.Metadata,
		Severity:       string(ev.Severity()),
	}
}

// APIClient is an HTTP client for both remote services. A client is bound to
// at most one bearer token; use WithToken to derive a per-user client.
type APIClient struct {
	http        *http.Client
	quizBase    string
	proctorBase string
	token       string
	log         zerolog.Logger
}

// NewAPIClient creates a client without credentials.
func NewAPIClient(quizBase, proctorBase string, timeout time.Duration, log zerolog.Logger) *APIClient {
	return &APIClient{
		http:        &http.Client{Timeout: timeout},
		quizBase:    strings.TrimRight(quizBase, "/"),
		proctorBase: strings.TrimRight(proctorBase, "/"),
		log:         log.With().Str("component", "remote_client").Logger(),
	}
}

// WithToken returns a copy of the client that authenticates as token.
func (c *APIClient) WithToken(token string) *APIClient {
	cp := *c
	cp.token = token
	return &cp
}

// Token returns the bearer token the client authenticates with.
func (c *APIClient) Token() string {
	return c.token
}

// ─── Quiz/Attempt service ──────────────────────────────────────────

type remoteOption struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type remoteQuestion struct {
	QID     string         `json:"qId"`
	ID      string         `json:"id"`
	Text    string         `json:"text"`
	Type    string         `json:"type"`
	Marks   float64        `json:"marks"`
	Options []remoteOption `json:"options"`
}

type remoteQuiz struct {
	QuizID          string           `json:"quizId"`
	Title           string           `json:"title"`
	DurationSeconds int              `json:"durationSeconds"`
	Questions       []remoteQuestion `json:"questions"`
}

// GetQuizDetail loads a quiz and its questions. Answer keys in the payload are
// never decoded.
func (c *APIClient) GetQuizDetail(ctx context.Context, quizID string) (*QuizDetail, error) {
	var body struct {
		Quiz remoteQuiz `json:"quiz"`
	}
	if err := c.do(ctx, http.MethodGet, c.quizBase+"/quizzes/"+url.PathEscape(quizID), nil, &body); err != nil {
		return nil, fmt.Errorf("get quiz %s: %w", quizID, err)
	}

	questions, err := mapQuestions(body.Quiz.Questions)
	if err != nil {
		return nil, fmt.Errorf("get quiz %s: %w", quizID, err)
	}

	id := body.Quiz.QuizID
	if id == "" {
		id = quizID
	}
	return &QuizDetail{
		ID:              id,
		Title:           body.Quiz.Title,
		DurationSeconds: body.Quiz.DurationSeconds,
		Questions:       questions,
	}, nil
}

// StartAttempt opens a new attempt and returns its identifier.
func (c *APIClient) StartAttempt(ctx context.Context, quizID string) (*AttemptStart, error) {
	var body struct {
		AttemptID       string           `json:"attemptId"`
		DurationSeconds int              `json:"durationSeconds"`
		Questions       []remoteQuestion `json:"questions"`
	}
	if err := c.do(ctx, http.MethodPost, c.quizBase+"/attempts/"+url.PathEscape(quizID)+"/start", nil, &body); err != nil {
		return nil, fmt.Errorf("start attempt for quiz %s: %w", quizID, err)
	}
	if body.AttemptID == "" {
		return nil, fmt.Errorf("start attempt for quiz %s: response carries no attemptId", quizID)
	}

	questions, err := mapQuestions(body.Questions)
	if err != nil {
		return nil, fmt.Errorf("start attempt for quiz %s: %w", quizID, err)
	}
	return &AttemptStart{
		AttemptID:       body.AttemptID,
		DurationSeconds: body.DurationSeconds,
		Questions:       questions,
	}, nil
}

// SaveAnswer upserts one answer record.
func (c *APIClient) SaveAnswer(ctx context.Context, attemptID string, rec proctor.AnswerRecord) error {
	payload := map[string]any{
		"questionId":      rec.QuestionID,
		"answer":          rec.Value,
		"timeSpent":       rec.TimeSpentSeconds,
		"markedForReview": rec.MarkedForReview,
	}
	if err := c.do(ctx, http.MethodPatch, c.quizBase+"/attempts/"+url.PathEscape(attemptID)+"/answer", payload, nil); err != nil {
		return fmt.Errorf("save answer %s: %w", rec.QuestionID, err)
	}
	return nil
}

// SubmitAttempt finalises the attempt.
func (c *APIClient) SubmitAttempt(ctx context.Context, attemptID string) (*proctor.SubmitResult, error) {
	var body struct {
		Attempt struct {
			AttemptID  string   `json:"attemptId"`
			FinalScore *float64 `json:"finalScore"`
			TotalMarks float64  `json:"totalMarks"`
		} `json:"attempt"`
		FinalScore *float64 `json:"finalScore"`
	}
	if err := c.do(ctx, http.MethodPost, c.quizBase+"/attempts/"+url.PathEscape(attemptID)+"/submit", nil, &body); err != nil {
		return nil, fmt.Errorf("submit attempt %s: %w", attemptID, err)
	}

	res := &proctor.SubmitResult{
		AttemptID:  body.Attempt.AttemptID,
		FinalScore: body.Attempt.FinalScore,
		TotalMarks: body.Attempt.TotalMarks,
	}
	if res.AttemptID == "" {
		res.AttemptID = attemptID
	}
	if res.FinalScore == nil {
		res.FinalScore = body.FinalScore
	}
	return res, nil
}

// GetAttemptResults returns the remote's results document unchanged.
func (c *APIClient) GetAttemptResults(ctx context.Context, attemptID string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, c.quizBase+"/attempts/"+url.PathEscape(attemptID)+"/results", nil, &raw); err != nil {
		return nil, fmt.Errorf("get results of attempt %s: %w", attemptID, err)
	}
	return raw, nil
}

// ─── Proctoring Log service ────────────────────────────────────────

// LogEvent records one violation against an attempt.
func (c *APIClient) LogEvent(ctx context.Context, attemptID string, ev EventPayload) error {
	if err := c.do(ctx, http.MethodPost, c.proctorBase+"/proctoring/"+url.PathEscape(attemptID)+"/event", ev, nil); err != nil {
		return fmt.Errorf("log event %d: %w", ev.SequenceNumber, err)
	}
	return nil
}

// ListEvents returns the log service's events document unchanged.
func (c *APIClient) ListEvents(ctx context.Context, attemptID string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, c.proctorBase+"/proctoring/"+url.PathEscape(attemptID)+"/events", nil, &raw); err != nil {
		return nil, fmt.Errorf("list events of attempt %s: %w", attemptID, err)
	}
	return raw, nil
}

// ─── Plumbing ──────────────────────────────────────────────────────

func (c *APIClient) do(ctx context.Context, method, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	c.log.Debug().
		Str("method", method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("Remote call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// errorMessage extracts a message from either {"error": "..."} or the envelope
// form {"error": {"message": "..."}}.
func errorMessage(raw []byte) string {
	var body struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || len(body.Error) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(body.Error, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body.Error, &obj); err == nil {
		return obj.Message
	}
	return ""
}

func mapQuestions(in []remoteQuestion) ([]proctor.Question, error) {
	out := make([]proctor.Question, 0, len(in))
	for _, rq := range in {
		qt, err := mapQuestionType(rq.Type)
		if err != nil {
			return nil, err
		}

		id := rq.QID
		if id == "" {
			id = rq.ID
		}
		q := proctor.Question{
			ID:    id,
			Text:  rq.Text,
			Type:  qt,
			Marks: rq.Marks,
		}
		if qt.IsChoice() {
			for _, o := range rq.Options {
				q.Options = append(q.Options, proctor.Option{ID: o.ID, Text: o.Text})
			}
		}
		out = append(out, q)
	}
	return out, nil
}

func mapQuestionType(t string) (proctor.QuestionType, error) {
	switch strings.ToLower(t) {
	case "mcq", "single-choice", "single_choice":
		return proctor.QuestionSingleChoice, nil
	case "true_false", "true-false", "tf":
		return proctor.QuestionTrueFalse, nil
	case "short_answer", "long_answer", "free-text", "free_text":
		return proctor.QuestionFreeText, nil
	}
	return "", fmt.Errorf("unsupported question type %q", t)
}
