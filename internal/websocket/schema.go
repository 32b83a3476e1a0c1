package websocket

import "github.com/stemsi/exstem-proctor/internal/proctor"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionConsent    Action = "consent"
	ActionSignal     Action = "signal"
	ActionFrame      Action = "frame"
	ActionAnswer     Action = "answer"
	ActionFlag       Action = "flag"
	ActionNavigate   Action = "navigate"
	ActionSubmit     Action = "submit"
	ActionFullscreen Action = "fullscreen"
	ActionPing       Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// ConsentRequest acknowledges the rules and reports the permissions the page obtained.
type ConsentRequest struct {
	Action            Action `json:"action"`
	Acknowledged      bool   `json:"acknowledged"`
	CameraGranted     bool   `json:"camera_granted"`
	FullscreenGranted bool   `json:"fullscreen_granted"`
}

// SignalRequest forwards one DOM event.
type SignalRequest struct {
	Action     Action `json:"action"`
	Signal     string `json:"signal" binding:"required,oneof=visibilitychange blur focus fullscreenchange contextmenu copy paste keydown online offline"`
	Hidden     bool   `json:"hidden"`
	Fullscreen bool   `json:"fullscreen"`
	Key        string `json:"key" binding:"max=32"`
	Ctrl       bool   `json:"ctrl"`
}

// FrameRequest carries one webcam sample. Pixels is base64 RGBA, row-major.
type FrameRequest struct {
	Action Action `json:"action"`
	Width  int    `json:"width" binding:"required,min=1,max=640"`
	Height int    `json:"height" binding:"required,min=1,max=480"`
	Pixels []byte `json:"pixels" binding:"required"`
}

// AnswerRequest sets the answer of one question.
type AnswerRequest struct {
	Action Action `json:"action"`
	QID    string `json:"q_id" binding:"required"`
	Answer string `json:"ans" binding:"max=10000"`
}

// FlagRequest toggles the review flag of one question.
type FlagRequest struct {
	Action Action `json:"action"`
	QID    string `json:"q_id" binding:"required"`
}

// NavigateRequest moves to the question at Index.
type NavigateRequest struct {
	Action Action `json:"action"`
	Index  *int   `json:"index" binding:"required,gte=0"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventSession Event = "session"
	EventState   Event = "state"
	EventNotice  Event = "notice"
	EventCommand Event = "command"
	EventError   Event = "error"
	EventPong    Event = "pong"
)

// Command names a browser action the page must carry out.
type Command string

const (
	CommandExitFullscreen    Command = "exit_fullscreen"
	CommandStopCamera        Command = "stop_camera"
	CommandRequestFullscreen Command = "request_fullscreen"
)

// ResponsePayload wraps every server event.
type ResponsePayload struct {
	Event Event       `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// SessionData is sent once the attempt has started.
type SessionData struct {
	SessionID       string             `json:"session_id"`
	QuizID          string             `json:"quiz_id"`
	Title           string             `json:"title"`
	DurationSeconds int                `json:"duration_seconds"`
	Questions       []proctor.Question `json:"questions"`
	MaxWarnings     int                `json:"max_warnings"`
	RequireWebcam   bool               `json:"require_webcam"`
}

type CommandData struct {
	Command Command `json:"command"`
}

type ErrorResponse struct {
	Event  Event             `json:"event"`
	Code   string            `json:"code"`
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
