package proctor

import (
	"time"
)

// Lifecycle enumerates the states of an exam session.
type Lifecycle string

const (
	LifecycleAwaitingConsent Lifecycle = "AWAITING_CONSENT"
	LifecycleActive          Lifecycle = "ACTIVE"
	LifecycleSubmitting      Lifecycle = "SUBMITTING"
	LifecycleLocked          Lifecycle = "LOCKED"
)

// ViolationKind enumerates the integrity violations a session can record.
type ViolationKind string

const (
	KindTabSwitch        ViolationKind = "TAB_SWITCH"
	KindWindowBlur       ViolationKind = "WINDOW_BLUR"
	KindFullscreenExit   ViolationKind = "FULLSCREEN_EXIT"
	KindRightClick       ViolationKind = "RIGHT_CLICK"
	KindCopyPaste        ViolationKind = "COPY_PASTE"
	KindKeyboardShortcut ViolationKind = "KEYBOARD_SHORTCUT"
	KindFaceMissing      ViolationKind = "FACE_MISSING"
	KindAutoSubmit       ViolationKind = "AUTO_SUBMIT"
)

// ViolationKinds lists every kind in declaration order.
var ViolationKinds = []ViolationKind{
	KindTabSwitch,
	KindWindowBlur,
	KindFullscreenExit,
	KindRightClick,
	KindCopyPaste,
	KindKeyboardShortcut,
	KindFaceMissing,
	KindAutoSubmit,
}

// Valid reports whether k is a known violation kind.
func (k ViolationKind) Valid() bool {
	for _, v := range ViolationKinds {
		if v == k {
			return true
		}
	}
	return false
}

// Severity grades a logged event for the proctoring log.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Weight is the contribution of one event of this severity to an attempt's suspicion score.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityInfo:
		return 0.1
	case SeverityCritical:
		return 1.0
	default:
		return 0.5
	}
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s == SeverityInfo || s == SeverityWarning || s == SeverityCritical
}

// ViolationEvent is an immutable entry in a session's violation timeline.
type ViolationEvent struct {
	Kind           ViolationKind     `json:"kind"`
	OccurredAt     time.Time         `json:"occurred_at"`
	SequenceNumber int64             `json:"sequence_number"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Severity returns the log severity for the event.
func (e ViolationEvent) Severity() Severity {
	if e.Kind == KindAutoSubmit {
		return SeverityCritical
	}
	return SeverityWarning
}

// QuestionType enumerates the supported answer formats.
type QuestionType string

const (
	QuestionSingleChoice QuestionType = "single-choice"
	QuestionTrueFalse    QuestionType = "true-false"
	QuestionFreeText     QuestionType = "free-text"
)

// IsChoice reports whether answers must name one of the question's options.
func (t QuestionType) IsChoice() bool {
	return t == QuestionSingleChoice || t == QuestionTrueFalse
}

// Option is one selectable answer of a choice question.
type Option struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Question is loaded once per session and never changes afterwards.
type Question struct {
	ID      string       `json:"id"`
	Text    string       `json:"text"`
	Type    QuestionType `json:"type"`
	Options []Option     `json:"options,omitempty"`
	Marks   float64      `json:"marks"`
}

// HasOption reports whether id names one of the question's options.
func (q Question) HasOption(id string) bool {
	for _, o := range q.Options {
		if o.ID == id {
			return true
		}
	}
	return false
}

// AnswerRecord is the user's current answer to one question.
type AnswerRecord struct {
	QuestionID       string `json:"question_id"`
	Value            string `json:"value"`
	TimeSpentSeconds int    `json:"time_spent_seconds"`
	MarkedForReview  bool   `json:"marked_for_review"`
}

// Draft is the locally persisted snapshot used to recover an interrupted session.
type Draft struct {
	Answers              map[string]AnswerRecord `json:"answers"`
	Flagged              []string                `json:"flagged"`
	CurrentQuestionIndex int                     `json:"current_question_index"`
	RemainingSeconds     int                     `json:"remaining_seconds"`
}

// FinishReason records why a session left the Active state.
type FinishReason string

const (
	ReasonTimeUp      FinishReason = "TIME_UP"
	ReasonMaxWarnings FinishReason = "MAX_WARNINGS"
	ReasonFaceAbsent  FinishReason = "FACE_ABSENT"
	ReasonManual      FinishReason = "MANUAL"
)

// SubmitResult is the remote service's verdict on a submitted attempt.
type SubmitResult struct {
	AttemptID  string   `json:"attempt_id"`
	FinalScore *float64 `json:"final_score,omitempty"`
	TotalMarks float64  `json:"total_marks"`
}

// NoticeKind classifies user-visible notices.
type NoticeKind string

const (
	NoticeWarning      NoticeKind = "warning"
	NoticeAutoSubmit   NoticeKind = "auto_submit"
	NoticeSubmitted    NoticeKind = "submitted"
	NoticeSubmitFailed NoticeKind = "submit_failed"
	NoticeOffline      NoticeKind = "offline"
	NoticeOnline       NoticeKind = "online"
)

// Remediation names an action the user may take in response to a notice.
type Remediation string

const RemediationRequestFullscreen Remediation = "request_fullscreen"

// Notice is a message the presentation layer must show to the user.
type Notice struct {
	Kind              NoticeKind    `json:"kind"`
	Violation         ViolationKind `json:"violation,omitempty"`
	WarningsRemaining int           `json:"warnings_remaining"`
	Reason            FinishReason  `json:"reason,omitempty"`
	AnsweredPercent   int           `json:"answered_percent,omitempty"`
	Remediation       Remediation   `json:"remediation,omitempty"`
	Result            *SubmitResult `json:"result,omitempty"`
	Message           string        `json:"message"`
}

// State is the read model exposed to the presentation layer.
type State struct {
	SessionID        string        `json:"session_id"`
	QuizID           string        `json:"quiz_id"`
	Lifecycle        Lifecycle     `json:"lifecycle"`
	RemainingSeconds int           `json:"remaining_seconds"`
	WarningCount     int           `json:"warning_count"`
	MaxWarnings      int           `json:"max_warnings"`
	CurrentIndex     int           `json:"current_index"`
	Question         *Question     `json:"question,omitempty"`
	Answer           *AnswerRecord `json:"answer,omitempty"`
	Flagged          []string      `json:"flagged"`
	AnsweredCount    int           `json:"answered_count"`
	Online           bool          `json:"online"`
}
