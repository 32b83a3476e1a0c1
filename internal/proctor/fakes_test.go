package proctor

import (
	"context"
	"errors"
	"sync"
	"time"
)

type memDrafts struct {
	mu     sync.Mutex
	drafts map[string]Draft
	saves  int
	clears int
}

func newMemDrafts() *memDrafts {
	return &memDrafts{drafts: make(map[string]Draft)}
}

func (s *memDrafts) Save(_ context.Context, quizID string, d Draft) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drafts[quizID] = d
	s.saves++
}

func (s *memDrafts) Load(_ context.Context, quizID string) (*Draft, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drafts[quizID]
	if !ok {
		return nil, false
	}
	return &d, true
}

func (s *memDrafts) Clear(_ context.Context, quizID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.drafts, quizID)
	s.clears++
}

func (s *memDrafts) get(quizID string) (Draft, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drafts[quizID]
	return d, ok
}

func (s *memDrafts) clearCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clears
}

type fakeRemote struct {
	mu         sync.Mutex
	answers    []AnswerRecord
	violations []ViolationEvent
	submits    int
	answerErr  error
	submitErr  error
	release    chan struct{}

	// holdFirst, when set, blocks the first answer push until it is closed.
	// held is closed once that push has started.
	holdFirst chan struct{}
	held      chan struct{}
	pushes    int
	atSubmit  map[string]string
}

func (r *fakeRemote) PushAnswer(_ context.Context, _ string, rec AnswerRecord) error {
	r.mu.Lock()
	r.pushes++
	first := r.pushes == 1
	r.mu.Unlock()

	if first && r.holdFirst != nil {
		close(r.held)
		<-r.holdFirst
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.answers = append(r.answers, rec)
	return r.answerErr
}

// latestLocked returns the last value the remote received per question.
func (r *fakeRemote) latestLocked() map[string]string {
	out := make(map[string]string)
	for _, rec := range r.answers {
		out[rec.QuestionID] = rec.Value
	}
	return out
}

func (r *fakeRemote) answerValues() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.answers))
	for i, rec := range r.answers {
		out[i] = rec.Value
	}
	return out
}

func (r *fakeRemote) PushViolation(_ context.Context, _ string, ev ViolationEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.violations = append(r.violations, ev)
	return nil
}

func (r *fakeRemote) Submit(ctx context.Context, sessionID string) (*SubmitResult, error) {
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.submits++
	r.atSubmit = r.latestLocked()
	if r.submitErr != nil {
		return nil, r.submitErr
	}
	return &SubmitResult{AttemptID: sessionID, TotalMarks: 10}, nil
}

func (r *fakeRemote) submitCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.submits
}

func (r *fakeRemote) violationKinds() []ViolationKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ViolationKind, len(r.violations))
	for i, ev := range r.violations {
		out[i] = ev.Kind
	}
	return out
}

func (r *fakeRemote) answerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.answers)
}

type fakeCamera struct {
	mu       sync.Mutex
	frame    Frame
	err      error
	released int
}

func (c *fakeCamera) ReadFrame(context.Context) (Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frame, c.err
}

func (c *fakeCamera) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released++
}

func (c *fakeCamera) set(f Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frame = f
}

func (c *fakeCamera) releaseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

type fakeFullscreen struct {
	mu        sync.Mutex
	requests  int
	exits     int
	panicExit bool
}

func (f *fakeFullscreen) RequestFullscreen() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	return nil
}

func (f *fakeFullscreen) Exit() {
	f.mu.Lock()
	f.exits++
	p := f.panicExit
	f.mu.Unlock()
	if p {
		panic("fullscreen already gone")
	}
}

func (f *fakeFullscreen) exitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exits
}

type recorder struct {
	mu      sync.Mutex
	states  []State
	notices []Notice
}

func (r *recorder) OnState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) OnNotice(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *recorder) noticesOf(kind NoticeKind) []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notice
	for _, n := range r.notices {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

type fakeEvidence struct {
	mu   sync.Mutex
	keys []string
}

func (e *fakeEvidence) StoreFrame(_ context.Context, key string, _ Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keys = append(e.keys, key)
	return nil
}

var errRemoteDown = errors.New("remote down")

// testClock is a manually advanced clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func darkFrame() Frame {
	pix := make([]byte, 4*4*4)
	for i := 3; i < len(pix); i += 4 {
		pix[i] = 255
	}
	return Frame{Width: 4, Height: 4, Pix: pix}
}

func litFrame() Frame {
	f := darkFrame()
	f.Pix[0] = 200
	return f
}
