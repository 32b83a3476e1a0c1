package proctor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrNotActive          = errors.New("session is not active")
	ErrAlreadyConsented   = errors.New("session is no longer awaiting consent")
	ErrConsentIncomplete  = errors.New("consent requires acknowledgement and every required grant")
	ErrUnknownQuestion    = errors.New("unknown question")
	ErrInvalidAnswer      = errors.New("answer does not name an option of the question")
	ErrIndexOutOfRange    = errors.New("question index out of range")
	ErrFullscreenRequired = errors.New("fullscreen handle not granted")
)

// Params configures a new Controller. Observer, Evidence, Classifier and Clock
// are optional.
type Params struct {
	QuizID          string
	SessionID       string
	Questions       []Question
	DurationSeconds int
	Policy          Policy
	Drafts          DraftStore
	Remote          RemoteSync
	Signals         SignalSource
	Observer        Observer
	Evidence        EvidenceSink
	Classifier      PresenceClassifier
	Clock           func() time.Time
	Log             zerolog.Logger
}

// Controller owns the lifecycle of one exam session. Every entry point takes
// the controller lock, so signal handlers, timer ticks and user intents are
// applied one at a time against a single in-memory snapshot.
type Controller struct {
	quizID     string
	sessionID  string
	questions  []Question
	byID       map[string]int
	duration   int
	policy     Policy
	drafts     DraftStore
	remote     RemoteSync
	signals    SignalSource
	observer   Observer
	evidence   EvidenceSink
	classifier PresenceClassifier
	now        func() time.Time
	log        zerolog.Logger

	mu          sync.Mutex
	lifecycle   Lifecycle
	abandoned   bool
	remaining   int
	warnings    int
	faceMissing int
	seq         int64
	answers     map[string]*AnswerRecord
	flagged     map[string]struct{}
	index       int
	enteredAt   time.Time
	online      bool
	timeline    []ViolationEvent
	grants      Grants
	monitor     *Monitor
	stopTasks   context.CancelFunc
	reason      FinishReason
	result      *SubmitResult
	submitErr   error
	done        chan struct{}
	inflight    sync.WaitGroup
	answerQ     *answerQueue
}

// NewController creates a session in the AwaitingConsent state.
func NewController(p Params) *Controller {
	policy := p.Policy.withDefaults()

	byID := make(map[string]int, len(p.Questions))
	for i, q := range p.Questions {
		byID[q.ID] = i
	}

	signals := p.Signals
	if signals == nil {
		signals = NewSignalBus()
	}
	classifier := p.Classifier
	if classifier == nil {
		classifier = LuminanceClassifier(policy.LuminanceThreshold)
	}
	now := p.Clock
	if now == nil {
		now = time.Now
	}

	c := &Controller{
		quizID:     p.QuizID,
		sessionID:  p.SessionID,
		questions:  p.Questions,
		byID:       byID,
		duration:   p.DurationSeconds,
		policy:     policy,
		drafts:     p.Drafts,
		remote:     p.Remote,
		signals:    signals,
		observer:   p.Observer,
		evidence:   p.Evidence,
		classifier: classifier,
		now:        now,
		log: p.Log.With().
			Str("component", "session_controller").
			Str("quiz_id", p.QuizID).
			Str("session_id", p.SessionID).
			Logger(),
		lifecycle: LifecycleAwaitingConsent,
		remaining: p.DurationSeconds,
		answers:   make(map[string]*AnswerRecord),
		flagged:   make(map[string]struct{}),
		online:    true,
		done:      make(chan struct{}),
	}
	c.answerQ = newAnswerQueue(c.sendAnswer, &c.inflight)
	return c
}

// ─── Presentation intents ──────────────────────────────────────────

// Consent moves the session to Active once the user has acknowledged the rules
// and granted fullscreen (and the webcam when the policy requires it). A prior
// draft for the quiz seeds the session before the timer starts.
func (c *Controller) Consent(g Grants) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lifecycle != LifecycleAwaitingConsent || c.abandoned {
		return ErrAlreadyConsented
	}
	if !g.Acknowledged || g.Fullscreen == nil || (c.policy.RequireWebcam && g.Camera == nil) {
		return ErrConsentIncomplete
	}

	c.grants = g
	c.recoverDraftLocked()
	c.lifecycle = LifecycleActive
	c.enteredAt = c.now()
	c.startTasksLocked()
	c.saveDraftLocked()

	c.log.Info().
		Int("remaining_seconds", c.remaining).
		Int("recovered_answers", len(c.answers)).
		Msg("Session active")

	c.emitStateLocked()
	return nil
}

// SubmitAnswer records value as the current answer to questionID.
func (c *Controller) SubmitAnswer(questionID, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.activeLocked() {
		return ErrNotActive
	}
	i, ok := c.byID[questionID]
	if !ok {
		return ErrUnknownQuestion
	}
	q := c.questions[i]
	if q.Type.IsChoice() && len(q.Options) > 0 && !q.HasOption(value) {
		return ErrInvalidAnswer
	}

	rec, ok := c.answers[questionID]
	if !ok {
		rec = &AnswerRecord{QuestionID: questionID}
		c.answers[questionID] = rec
	}
	rec.Value = value
	_, rec.MarkedForReview = c.flagged[questionID]

	c.saveDraftLocked()
	c.pushAnswerLocked(*rec)
	c.emitStateLocked()
	return nil
}

// ToggleFlag flips the review flag of questionID.
func (c *Controller) ToggleFlag(questionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.activeLocked() {
		return ErrNotActive
	}
	if _, ok := c.byID[questionID]; !ok {
		return ErrUnknownQuestion
	}

	_, flagged := c.flagged[questionID]
	if flagged {
		delete(c.flagged, questionID)
	} else {
		c.flagged[questionID] = struct{}{}
	}

	if rec, ok := c.answers[questionID]; ok {
		rec.MarkedForReview = !flagged
		c.pushAnswerLocked(*rec)
	}

	c.saveDraftLocked()
	c.emitStateLocked()
	return nil
}

// Navigate moves to the question at index, crediting the time spent on the
// question being left.
func (c *Controller) Navigate(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.activeLocked() {
		return ErrNotActive
	}
	if index < 0 || index >= len(c.questions) {
		return ErrIndexOutOfRange
	}

	c.accumulateTimeLocked()
	c.index = index

	c.saveDraftLocked()
	c.emitStateLocked()
	return nil
}

// SubmitNow finishes the session on user request. It reports whether this call
// started the submission; later calls are no-ops.
func (c *Controller) SubmitNow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finishLocked(ReasonManual)
}

// RequestFullscreen re-requests fullscreen after a FULLSCREEN_EXIT notice. It
// does not clear any warning.
func (c *Controller) RequestFullscreen() error {
	c.mu.Lock()
	if !c.activeLocked() {
		c.mu.Unlock()
		return ErrNotActive
	}
	fs := c.grants.Fullscreen
	c.mu.Unlock()

	if fs == nil {
		return ErrFullscreenRequired
	}
	return fs.RequestFullscreen()
}

// Abandon detaches the session from a page that went away without submitting.
// An Active session saves its draft and stops its tasks so a reload can
// recover it; a submission already in progress runs to completion.
func (c *Controller) Abandon() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.abandoned {
		return
	}
	if c.lifecycle == LifecycleActive {
		c.accumulateTimeLocked()
		c.saveDraftLocked()
		c.stopTasksLocked()
		c.releaseHandlesLocked()
		c.log.Info().Int("remaining_seconds", c.remaining).Msg("Session abandoned, draft kept")
	}
	c.abandoned = true
}

// ─── Read side ─────────────────────────────────────────────────────

// Snapshot returns the current presentation state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// Lifecycle returns the current lifecycle state.
func (c *Controller) Lifecycle() Lifecycle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lifecycle
}

// Timeline returns a copy of the violation events raised so far, in sequence order.
func (c *Controller) Timeline() []ViolationEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ViolationEvent, len(c.timeline))
	for i, ev := range c.timeline {
		out[i] = copyEvent(ev)
	}
	return out
}

// Done is closed once the session reaches Locked.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Outcome returns why the session finished and the submission verdict. It is
// meaningful once Done is closed.
func (c *Controller) Outcome() (FinishReason, *SubmitResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason, c.result, c.submitErr
}

// Questions returns a copy of the session's question set.
func (c *Controller) Questions() []Question {
	out := make([]Question, len(c.questions))
	for i, q := range c.questions {
		q.Options = append([]Option(nil), q.Options...)
		out[i] = q
	}
	return out
}

// ─── Event sources ─────────────────────────────────────────────────

func (c *Controller) onViolation(kind ViolationKind, sig Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	at := sig.At
	if at.IsZero() {
		at = c.now()
	}
	meta := map[string]string{"signal": string(sig.Kind)}
	if sig.Key != "" {
		meta["key"] = sig.Key
	}
	c.raiseLocked(kind, at, meta)
}

func (c *Controller) onFaceCheck(p Presence, f Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.activeLocked() {
		return
	}
	if p == PresencePresent {
		c.faceMissing = 0
		return
	}

	c.faceMissing++
	meta := map[string]string{"consecutive": strconv.Itoa(c.faceMissing)}

	var key string
	if c.evidence != nil {
		key = fmt.Sprintf("%s/%06d.png", c.sessionID, c.seq+1)
		meta["snapshot_key"] = key
	}

	at := f.CapturedAt
	if at.IsZero() {
		at = c.now()
	}
	c.raiseLocked(KindFaceMissing, at, meta)

	if key != "" {
		sink := c.evidence
		c.dispatch(func(ctx context.Context) {
			if err := sink.StoreFrame(ctx, key, f); err != nil {
				c.log.Warn().Err(err).Str("key", key).Msg("Snapshot upload failed")
			}
		})
	}

	if c.activeLocked() && c.faceMissing >= c.policy.MaxFaceMissing {
		c.log.Warn().Int("consecutive", c.faceMissing).Msg("Face absent limit reached")
		c.finishLocked(ReasonFaceAbsent)
	}
}

func (c *Controller) onConnectivity(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.activeLocked() || c.online == online {
		return
	}
	c.online = online

	if online {
		c.log.Info().Int("answers", len(c.answers)).Msg("Back online, resyncing answers")
		for _, rec := range c.recordsLocked() {
			c.pushAnswerLocked(rec)
		}
		c.noticeLocked(Notice{Kind: NoticeOnline, Message: "Connection restored."})
	} else {
		c.log.Warn().Msg("Connection lost")
		c.noticeLocked(Notice{
			Kind:    NoticeOffline,
			Message: "You are offline. Answers are kept on this device and will sync when the connection returns.",
		})
	}
	c.emitStateLocked()
}

func (c *Controller) tick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.activeLocked() {
		return
	}
	if c.remaining > 0 {
		c.remaining--
	}
	if c.remaining == 0 {
		c.log.Info().Msg("Time is up")
		c.finishLocked(ReasonTimeUp)
		return
	}
	c.emitStateLocked()
}

func (c *Controller) autosave() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saveDraftLocked()
}

// ─── Violation policy ──────────────────────────────────────────────

// raiseLocked appends a violation and applies the warning policy.
func (c *Controller) raiseLocked(kind ViolationKind, at time.Time, meta map[string]string) {
	if !c.activeLocked() {
		return
	}

	if kind == KindAutoSubmit {
		c.pushViolationLocked(c.appendEventLocked(kind, at, meta))
		c.finishLocked(ReasonMaxWarnings)
		return
	}

	c.warnings++
	ev := c.appendEventLocked(kind, at, meta)
	c.pushViolationLocked(ev)

	c.log.Warn().
		Str("kind", string(kind)).
		Int64("seq", ev.SequenceNumber).
		Int("warnings", c.warnings).
		Msg("Violation raised")

	if c.warnings >= c.policy.MaxWarnings {
		auto := c.appendEventLocked(KindAutoSubmit, c.now(), map[string]string{"trigger": string(kind)})
		c.pushViolationLocked(auto)
		c.finishLocked(ReasonMaxWarnings)
		return
	}

	left := c.policy.MaxWarnings - c.warnings
	if left < 0 {
		left = 0
	}
	n := Notice{
		Kind:              NoticeWarning,
		Violation:         kind,
		WarningsRemaining: left,
		Message:           fmt.Sprintf("Warning %d/%d: %s", c.warnings, c.policy.MaxWarnings, kind),
	}
	if kind == KindFullscreenExit {
		n.Remediation = RemediationRequestFullscreen
	}
	c.noticeLocked(n)
	c.emitStateLocked()
}

func (c *Controller) appendEventLocked(kind ViolationKind, at time.Time, meta map[string]string) ViolationEvent {
	c.seq++
	ev := ViolationEvent{
		Kind:           kind,
		OccurredAt:     at,
		SequenceNumber: c.seq,
		Metadata:       meta,
	}
	c.timeline = append(c.timeline, ev)
	return ev
}

// ─── Internals ─────────────────────────────────────────────────────

func (c *Controller) activeLocked() bool {
	return c.lifecycle == LifecycleActive && !c.abandoned
}

func (c *Controller) startTasksLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	c.stopTasks = cancel

	var camera CaptureHandle
	if c.grants.Camera != nil {
		camera = c.grants.Camera
	}
	c.monitor = NewMonitor(c.signals, camera, c.classifier, c.policy.FrameSampleInterval, MonitorHooks{
		Violation:    c.onViolation,
		FaceCheck:    c.onFaceCheck,
		Connectivity: c.onConnectivity,
	}, c.log)
	c.monitor.Start(ctx)

	go runEvery(ctx, c.policy.CountdownInterval, c.tick)
	go runEvery(ctx, c.policy.AutosaveInterval, c.autosave)
}

// stopTasksLocked synchronously disables signal dispatch and timer ticks.
// A tick already waiting on the lock observes the new state and returns.
func (c *Controller) stopTasksLocked() {
	if c.monitor != nil {
		c.monitor.Stop()
	}
	if c.stopTasks != nil {
		c.stopTasks()
		c.stopTasks = nil
	}
}

func (c *Controller) releaseHandlesLocked() {
	if c.grants.Camera != nil {
		c.safely("release webcam", c.grants.Camera.Release)
	}
	if c.grants.Fullscreen != nil {
		c.safely("exit fullscreen", c.grants.Fullscreen.Exit)
	}
}

func (c *Controller) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Str("action", what).Msg("Handle release panicked")
		}
	}()
	fn()
}

func (c *Controller) recoverDraftLocked() {
	if c.drafts == nil {
		return
	}
	d, ok := c.drafts.Load(context.Background(), c.quizID)
	if !ok || d == nil {
		return
	}

	for qid, rec := range d.Answers {
		if _, known := c.byID[qid]; !known {
			continue
		}
		r := rec
		r.QuestionID = qid
		c.answers[qid] = &r
	}
	for _, qid := range d.Flagged {
		if _, known := c.byID[qid]; known {
			c.flagged[qid] = struct{}{}
		}
	}
	if d.CurrentQuestionIndex >= 0 && d.CurrentQuestionIndex < len(c.questions) {
		c.index = d.CurrentQuestionIndex
	}
	if d.RemainingSeconds > 0 && d.RemainingSeconds <= c.duration {
		c.remaining = d.RemainingSeconds
	}

	c.log.Info().
		Int("answers", len(c.answers)).
		Int("flagged", len(c.flagged)).
		Int("index", c.index).
		Msg("Recovered draft")
}

func (c *Controller) saveDraftLocked() {
	if c.drafts == nil || !c.activeLocked() {
		return
	}
	c.drafts.Save(context.Background(), c.quizID, c.draftLocked())
}

func (c *Controller) draftLocked() Draft {
	answers := make(map[string]AnswerRecord, len(c.answers))
	for qid, rec := range c.answers {
		answers[qid] = *rec
	}
	return Draft{
		Answers:              answers,
		Flagged:              c.flaggedLocked(),
		CurrentQuestionIndex: c.index,
		RemainingSeconds:     c.remaining,
	}
}

func (c *Controller) flaggedLocked() []string {
	out := make([]string, 0, len(c.flagged))
	for qid := range c.flagged {
		out = append(out, qid)
	}
	sort.Strings(out)
	return out
}

// recordsLocked returns copies of all answer records in question order.
func (c *Controller) recordsLocked() []AnswerRecord {
	out := make([]AnswerRecord, 0, len(c.answers))
	for _, q := range c.questions {
		if rec, ok := c.answers[q.ID]; ok {
			out = append(out, *rec)
		}
	}
	return out
}

func (c *Controller) answeredLocked() int {
	n := 0
	for _, rec := range c.answers {
		if rec.Value != "" {
			n++
		}
	}
	return n
}

func (c *Controller) accumulateTimeLocked() {
	now := c.now()
	if len(c.questions) > 0 {
		if rec, ok := c.answers[c.questions[c.index].ID]; ok {
			if elapsed := int(now.Sub(c.enteredAt) / time.Second); elapsed > 0 {
				rec.TimeSpentSeconds += elapsed
			}
		}
	}
	c.enteredAt = now
}

func (c *Controller) stateLocked() State {
	s := State{
		SessionID:        c.sessionID,
		QuizID:           c.quizID,
		Lifecycle:        c.lifecycle,
		RemainingSeconds: c.remaining,
		WarningCount:     c.warnings,
		MaxWarnings:      c.policy.MaxWarnings,
		CurrentIndex:     c.index,
		Flagged:          c.flaggedLocked(),
		AnsweredCount:    c.answeredLocked(),
		Online:           c.online,
	}
	if len(c.questions) > 0 {
		q := c.questions[c.index]
		s.Question = &q
		if rec, ok := c.answers[q.ID]; ok {
			r := *rec
			s.Answer = &r
		}
	}
	return s
}

func (c *Controller) emitStateLocked() {
	if c.observer != nil {
		c.observer.OnState(c.stateLocked())
	}
}

func (c *Controller) noticeLocked(n Notice) {
	if c.observer != nil {
		c.observer.OnNotice(n)
	}
}

// pushAnswerLocked queues rec behind every earlier answer push of the session.
func (c *Controller) pushAnswerLocked(rec AnswerRecord) {
	if c.remote == nil {
		return
	}
	c.answerQ.enqueue(rec)
}

func (c *Controller) sendAnswer(rec AnswerRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), c.policy.PushTimeout)
	defer cancel()
	if err := c.remote.PushAnswer(ctx, c.sessionID, rec); err != nil {
		c.log.Warn().Err(err).Str("question_id", rec.QuestionID).Msg("Answer push failed")
	}
}

func (c *Controller) pushViolationLocked(ev ViolationEvent) {
	if c.remote == nil {
		return
	}
	sid := c.sessionID
	cp := copyEvent(ev)
	c.dispatch(func(ctx context.Context) {
		if err := c.remote.PushViolation(ctx, sid, cp); err != nil {
			c.log.Warn().Err(err).Int64("seq", cp.SequenceNumber).Msg("Violation push failed")
		}
	})
}

// dispatch runs fn off the controller lock with the push timeout.
func (c *Controller) dispatch(fn func(ctx context.Context)) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.policy.PushTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func copyEvent(ev ViolationEvent) ViolationEvent {
	if ev.Metadata != nil {
		meta := make(map[string]string, len(ev.Metadata))
		for k, v := range ev.Metadata {
			meta[k] = v
		}
		ev.Metadata = meta
	}
	return ev
}

func percent(part, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(part) * 100 / float64(total)))
}

func runEvery(ctx context.Context, d time.Duration, fn func()) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
