package proctor

import (
	"errors"
	"image"
	"sync"
	"time"
)

// SignalKind identifies a raw environment signal forwarded from the exam page.
type SignalKind string

const (
	SignalVisibility  SignalKind = "visibilitychange"
	SignalBlur        SignalKind = "blur"
	SignalFocus       SignalKind = "focus"
	SignalFullscreen  SignalKind = "fullscreenchange"
	SignalContextMenu SignalKind = "contextmenu"
	SignalCopy        SignalKind = "copy"
	SignalPaste       SignalKind = "paste"
	SignalKeyDown     SignalKind = "keydown"
	SignalOnline      SignalKind = "online"
	SignalOffline     SignalKind = "offline"
)

// Signal is one raw environment event. Only the fields relevant to Kind are set.
type Signal struct {
	Kind       SignalKind
	Hidden     bool
	Fullscreen bool
	Key        string
	Ctrl       bool
	At         time.Time
}

// Handler receives a signal and returns true when the default browser action
// behind it must be suppressed.
type Handler func(Signal) (suppress bool)

// SignalSource is the subscription capability over the page's event sources.
type SignalSource interface {
	Subscribe(kind SignalKind, h Handler) (unsubscribe func())
}

// SignalBus is an in-process SignalSource fed by Dispatch.
type SignalBus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[SignalKind]map[int]Handler
}

// NewSignalBus creates an empty bus.
func NewSignalBus() *SignalBus {
	return &SignalBus{handlers: make(map[SignalKind]map[int]Handler)}
}

// Subscribe registers h for kind. The returned func is idempotent.
func (b *SignalBus) Subscribe(kind SignalKind, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	if b.handlers[kind] == nil {
		b.handlers[kind] = make(map[int]Handler)
	}
	b.handlers[kind][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers[kind], id)
			b.mu.Unlock()
		})
	}
}

// Dispatch delivers sig to every current subscriber of its kind and reports
// whether any of them asked for suppression. Handlers run outside the bus lock
// so they may unsubscribe.
func (b *SignalBus) Dispatch(sig Signal) bool {
	if sig.At.IsZero() {
		sig.At = time.Now()
	}

	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[sig.Kind]))
	for _, h := range b.handlers[sig.Kind] {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	suppress := false
	for _, h := range hs {
		if h(sig) {
			suppress = true
		}
	}
	return suppress
}

// Subscribers returns the number of live subscriptions for kind.
func (b *SignalBus) Subscribers(kind SignalKind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[kind])
}

// ErrFrameNotReady is returned by a CaptureHandle that has no frame to sample yet.
var ErrFrameNotReady = errors.New("webcam frame not ready")

// Frame is a sampled webcam image as a tightly packed RGBA pixel buffer.
type Frame struct {
	Width      int
	Height     int
	Pix        []byte
	CapturedAt time.Time
}

// Valid reports whether the buffer length matches the declared dimensions.
func (f Frame) Valid() bool {
	return f.Width > 0 && f.Height > 0 && len(f.Pix) == f.Width*f.Height*4
}

// Image wraps the frame as an image.RGBA without copying.
func (f Frame) Image() *image.RGBA {
	return &image.RGBA{
		Pix:    f.Pix,
		Stride: f.Width * 4,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}

// Presence is the verdict of a PresenceClassifier.
type Presence bool

const (
	PresenceAbsent  Presence = false
	PresencePresent Presence = true
)

// PresenceClassifier decides whether a test-taker is visible in a frame.
type PresenceClassifier func(Frame) Presence

// DefaultLuminanceThreshold is the channel value (out of 255) below which a
// pixel is treated as dark.
const DefaultLuminanceThreshold uint8 = 10

// LuminanceClassifier returns a coarse classifier: a frame is absent when every
// colour channel of every pixel falls below threshold. Alpha is ignored since an
// opaque black frame carries alpha 255.
func LuminanceClassifier(threshold uint8) PresenceClassifier {
	return func(f Frame) Presence {
		for i := 0; i+2 < len(f.Pix); i += 4 {
			if f.Pix[i] >= threshold || f.Pix[i+1] >= threshold || f.Pix[i+2] >= threshold {
				return PresencePresent
			}
		}
		return PresenceAbsent
	}
}
