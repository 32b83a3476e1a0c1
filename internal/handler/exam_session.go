package handler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/proctor"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// sendBuffer bounds the outgoing queue of one connection. Observer calls run
// under the controller lock and never wait for the socket.
const sendBuffer = 256

// examConn is the server side of one exam page. It queues outgoing events for
// the write pump and stands in for the page's webcam and fullscreen handles.
type examConn struct {
	send chan interface{}
	quit chan struct{}
	stop sync.Once
	log  zerolog.Logger

	frameMu        sync.Mutex
	frame          *proctor.Frame
	cameraReleased bool

	exitOnce sync.Once
}

func newExamConn(log zerolog.Logger) *examConn {
	return &examConn{
		send: make(chan interface{}, sendBuffer),
		quit: make(chan struct{}),
		log:  log,
	}
}

// enqueue hands v to the write pump without blocking. It reports whether v
// was queued.
func (e *examConn) enqueue(v interface{}) bool {
	select {
	case <-e.quit:
		return false
	default:
	}
	select {
	case e.send <- v:
		return true
	default:
		e.log.Warn().Msg("Send buffer full, dropping message")
		return false
	}
}

func (e *examConn) event(event ws.Event, data interface{}) bool {
	return e.enqueue(ws.ResponsePayload{Event: event, Data: data})
}

func (e *examConn) command(cmd ws.Command) bool {
	return e.event(ws.EventCommand, ws.CommandData{Command: cmd})
}

// close stops accepting messages. Safe to call more than once.
func (e *examConn) close() {
	e.stop.Do(func() { close(e.quit) })
}

// ─── proctor.Observer ──────────────────────────────────────────────

func (e *examConn) OnState(s proctor.State) {
	e.event(ws.EventState, s)
}

func (e *examConn) OnNotice(n proctor.Notice) {
	e.event(ws.EventNotice, n)
}

// ─── proctor.CaptureHandle ─────────────────────────────────────────

// offerFrame stores f as the latest webcam sample. Frames arriving after the
// camera was released are dropped.
func (e *examConn) offerFrame(f proctor.Frame) {
	e.frameMu.Lock()
	defer e.frameMu.Unlock()
	if e.cameraReleased {
		return
	}
	e.frame = &f
}

// ReadFrame takes the latest sample. Each frame is classified at most once,
// so a page that stops sending frames yields ErrFrameNotReady.
func (e *examConn) ReadFrame(ctx context.Context) (proctor.Frame, error) {
	if err := ctx.Err(); err != nil {
		return proctor.Frame{}, err
	}

	e.frameMu.Lock()
	defer e.frameMu.Unlock()
	if e.frame == nil {
		return proctor.Frame{}, proctor.ErrFrameNotReady
	}
	f := *e.frame
	e.frame = nil
	return f, nil
}

func (e *examConn) Release() {
	e.frameMu.Lock()
	already := e.cameraReleased
	e.cameraReleased = true
	e.frame = nil
	e.frameMu.Unlock()

	if !already {
		e.command(ws.CommandStopCamera)
	}
}

// ─── proctor.FullscreenHandle ──────────────────────────────────────

type examFullscreen struct {
	conn *examConn
}

func (f examFullscreen) RequestFullscreen() error {
	if !f.conn.command(ws.CommandRequestFullscreen) {
		return errConnClosed
	}
	return nil
}

func (f examFullscreen) Exit() {
	f.conn.exitOnce.Do(func() {
		f.conn.command(ws.CommandExitFullscreen)
	})
}

// frameFromRequest converts a frame message into a webcam sample.
func frameFromRequest(req ws.FrameRequest, at time.Time) proctor.Frame {
	return proctor.Frame{
		Width:      req.Width,
		Height:     req.Height,
		Pix:        req.Pixels,
		CapturedAt: at,
	}
}
