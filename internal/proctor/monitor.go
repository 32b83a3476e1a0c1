package proctor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MonitorHooks are the callbacks through which the monitor reports to its owner.
type MonitorHooks struct {
	Violation    func(kind ViolationKind, sig Signal)
	FaceCheck    func(p Presence, f Frame)
	Connectivity func(online bool)
}

// Monitor translates raw page signals and webcam samples into violations.
type Monitor struct {
	source   SignalSource
	camera   CaptureHandle
	classify PresenceClassifier
	interval time.Duration
	hooks    MonitorHooks
	log      zerolog.Logger

	mu             sync.Mutex
	running        bool
	unsubs         []func()
	cancel         context.CancelFunc
	hidden         bool
	blurred        bool
	fullscreenLost bool
}

// NewMonitor creates a stopped monitor. camera may be nil when webcam
// monitoring is disabled.
func NewMonitor(
	source SignalSource,
	camera CaptureHandle,
	classify PresenceClassifier,
	interval time.Duration,
	hooks MonitorHooks,
	log zerolog.Logger,
) *Monitor {
	if classify == nil {
		classify = LuminanceClassifier(DefaultLuminanceThreshold)
	}
	return &Monitor{
		source:   source,
		camera:   camera,
		classify: classify,
		interval: interval,
		hooks:    hooks,
		log:      log.With().Str("component", "violation_monitor").Logger(),
	}
}

// Start subscribes to every signal and starts the webcam sampler.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.hidden, m.blurred, m.fullscreenLost = false, false, false

	sampleCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	unsubs := []func(){
		m.source.Subscribe(SignalVisibility, m.onVisibility),
		m.source.Subscribe(SignalBlur, m.onBlur),
		m.source.Subscribe(SignalFocus, m.onFocus),
		m.source.Subscribe(SignalFullscreen, m.onFullscreen),
		m.source.Subscribe(SignalContextMenu, m.onContextMenu),
		m.source.Subscribe(SignalCopy, m.onClipboard),
		m.source.Subscribe(SignalPaste, m.onClipboard),
		m.source.Subscribe(SignalKeyDown, m.onKeyDown),
		m.source.Subscribe(SignalOnline, m.onConnectivity),
		m.source.Subscribe(SignalOffline, m.onConnectivity),
	}

	m.mu.Lock()
	if !m.running {
		// Stopped while subscribing.
		m.mu.Unlock()
		for _, u := range unsubs {
			u()
		}
		cancel()
		return
	}
	m.unsubs = unsubs
	m.mu.Unlock()

	if m.camera != nil && m.interval > 0 {
		go m.runSampler(sampleCtx)
	}

	m.log.Debug().Msg("Monitor started")
}

// Stop deregisters every handler and stops the sampler. It does not wait for an
// in-flight sample; the owner ignores reports that arrive after Stop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	unsubs := m.unsubs
	m.unsubs = nil
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	if cancel != nil {
		cancel()
	}

	m.log.Debug().Msg("Monitor stopped")
}

// Running reports whether the monitor is live.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// SampleOnce reads and classifies one webcam frame. Read failures are logged
// and do not count as a missing face.
func (m *Monitor) SampleOnce(ctx context.Context) {
	if !m.Running() || m.camera == nil {
		return
	}

	frame, err := m.camera.ReadFrame(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("Webcam frame read failed")
		return
	}
	if !frame.Valid() {
		m.log.Warn().
			Int("width", frame.Width).
			Int("height", frame.Height).
			Int("bytes", len(frame.Pix)).
			Msg("Discarding malformed webcam frame")
		return
	}

	if m.hooks.FaceCheck != nil {
		m.hooks.FaceCheck(m.classify(frame), frame)
	}
}

func (m *Monitor) runSampler(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SampleOnce(ctx)
		}
	}
}

func (m *Monitor) raise(kind ViolationKind, sig Signal) {
	if m.hooks.Violation != nil {
		m.hooks.Violation(kind, sig)
	}
}

func (m *Monitor) onVisibility(sig Signal) bool {
	m.mu.Lock()
	edge := m.running && sig.Hidden && !m.hidden
	m.hidden = sig.Hidden
	m.mu.Unlock()

	if edge {
		m.raise(KindTabSwitch, sig)
	}
	return false
}

func (m *Monitor) onBlur(sig Signal) bool {
	m.mu.Lock()
	edge := m.running && !m.blurred
	m.blurred = true
	m.mu.Unlock()

	if edge {
		m.raise(KindWindowBlur, sig)
	}
	return false
}

func (m *Monitor) onFocus(Signal) bool {
	m.mu.Lock()
	m.blurred = false
	m.mu.Unlock()
	return false
}

func (m *Monitor) onFullscreen(sig Signal) bool {
	lost := !sig.Fullscreen

	m.mu.Lock()
	edge := m.running && lost && !m.fullscreenLost
	m.fullscreenLost = lost
	m.mu.Unlock()

	if edge {
		m.raise(KindFullscreenExit, sig)
	}
	return false
}

func (m *Monitor) onContextMenu(sig Signal) bool {
	if !m.Running() {
		return true
	}
	m.raise(KindRightClick, sig)
	return true
}

func (m *Monitor) onClipboard(sig Signal) bool {
	if !m.Running() {
		return true
	}
	m.raise(KindCopyPaste, sig)
	return true
}

func (m *Monitor) onKeyDown(sig Signal) bool {
	if !IsBlockedShortcut(sig) {
		return false
	}
	if m.Running() {
		m.raise(KindKeyboardShortcut, sig)
	}
	return true
}

func (m *Monitor) onConnectivity(sig Signal) bool {
	if m.Running() && m.hooks.Connectivity != nil {
		m.hooks.Connectivity(sig.Kind == SignalOnline)
	}
	return false
}

// devToolsKey opens the browser developer tools.
const devToolsKey = "F12"

// IsBlockedShortcut reports whether a keydown is Ctrl+C/V/P/U or the dev-tools key.
func IsBlockedShortcut(sig Signal) bool {
	if sig.Kind != SignalKeyDown {
		return false
	}
	if strings.EqualFold(sig.Key, devToolsKey) {
		return true
	}
	if !sig.Ctrl {
		return false
	}
	switch strings.ToLower(sig.Key) {
	case "c", "v", "p", "u":
		return true
	}
	return false
}
