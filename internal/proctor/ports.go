package proctor

import (
	"context"
	"time"
)

// DraftStore persists in-progress exam state keyed by quiz. Save and Clear
// never fail from the caller's point of view; implementations log and move on.
type DraftStore interface {
	Save(ctx context.Context, quizID string, d Draft)
	Load(ctx context.Context, quizID string) (*Draft, bool)
	Clear(ctx context.Context, quizID string)
}

// RemoteSync pushes session progress to the remote services. Calls may block on
// the network; the controller never invokes them while holding its lock.
type RemoteSync interface {
	PushAnswer(ctx context.Context, sessionID string, rec AnswerRecord) error
	PushViolation(ctx context.Context, sessionID string, ev ViolationEvent) error
	Submit(ctx context.Context, sessionID string) (*SubmitResult, error)
}

// CaptureHandle is a granted webcam stream.
type CaptureHandle interface {
	ReadFrame(ctx context.Context) (Frame, error)
	Release()
}

// FullscreenHandle is a granted fullscreen lock.
type FullscreenHandle interface {
	RequestFullscreen() error
	Exit()
}

// Grants is the payload of the consent action.
type Grants struct {
	Acknowledged bool
	Camera       CaptureHandle
	Fullscreen   FullscreenHandle
}

// Observer receives state changes and notices. Calls are made while the
// controller holds its lock, so implementations must not block or call back
// into the controller.
type Observer interface {
	OnState(State)
	OnNotice(Notice)
}

// EvidenceSink stores frames that triggered a FACE_MISSING violation.
type EvidenceSink interface {
	StoreFrame(ctx context.Context, key string, f Frame) error
}

// Policy holds the escalation thresholds and task cadences of a session.
type Policy struct {
	MaxWarnings         int
	MaxFaceMissing      int
	RequireWebcam       bool
	LuminanceThreshold  uint8
	CountdownInterval   time.Duration
	AutosaveInterval    time.Duration
	FrameSampleInterval time.Duration
	PushTimeout         time.Duration
	SubmitTimeout       time.Duration
}

// DefaultPolicy returns the stock policy: 3 warnings, 3 consecutive face misses,
// webcam required, autosave every 10s and a frame sample every 20s.
func DefaultPolicy() Policy {
	return Policy{
		MaxWarnings:         3,
		MaxFaceMissing:      3,
		RequireWebcam:       true,
		LuminanceThreshold:  DefaultLuminanceThreshold,
		CountdownInterval:   time.Second,
		AutosaveInterval:    10 * time.Second,
		FrameSampleInterval: 20 * time.Second,
		PushTimeout:         10 * time.Second,
		SubmitTimeout:       30 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxWarnings <= 0 {
		p.MaxWarnings = d.MaxWarnings
	}
	if p.MaxFaceMissing <= 0 {
		p.MaxFaceMissing = d.MaxFaceMissing
	}
	if p.LuminanceThreshold == 0 {
		p.LuminanceThreshold = d.LuminanceThreshold
	}
	if p.CountdownInterval <= 0 {
		p.CountdownInterval = d.CountdownInterval
	}
	if p.AutosaveInterval <= 0 {
		p.AutosaveInterval = d.AutosaveInterval
	}
	if p.FrameSampleInterval <= 0 {
		p.FrameSampleInterval = d.FrameSampleInterval
	}
	if p.PushTimeout <= 0 {
		p.PushTimeout = d.PushTimeout
	}
	if p.SubmitTimeout <= 0 {
		p.SubmitTimeout = d.SubmitTimeout
	}
	return p
}
