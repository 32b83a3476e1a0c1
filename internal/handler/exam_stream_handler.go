package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/draft"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/remote"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/validator"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

var errConnClosed = errors.New("connection closed")

// maxMessageSize fits one 640x480 RGBA frame in base64 with room to spare.
const maxMessageSize = 2 << 20

// loadTimeout bounds quiz loading and attempt start before the session exists.
const loadTimeout = 15 * time.Second

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// ExamStreamHandler runs one Session Controller per exam page connection.
type ExamStreamHandler struct {
	client   *remote.APIClient
	outbox   *remote.Outbox
	drafts   proctor.DraftStore
	evidence proctor.EvidenceSink
	policy   proctor.Policy
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewExamStreamHandler creates a new ExamStreamHandler. outbox and evidence may be nil.
func NewExamStreamHandler(
	client *remote.APIClient,
	outbox *remote.Outbox,
	drafts proctor.DraftStore,
	evidence proctor.EvidenceSink,
	policy proctor.Policy,
	log zerolog.Logger,
	allowedOrigins []string,
) *ExamStreamHandler {
	return &ExamStreamHandler{
		client:   client,
		outbox:   outbox,
		drafts:   drafts,
		evidence: evidence,
		policy:   policy,
		log:      log.With().Str("component", "exam_stream").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// ExamSession godoc
// WS /ws/v1/quizzes/:quiz_id/session?token=...
// Loads the quiz, starts an attempt and streams the proctored session.
func (h *ExamStreamHandler) ExamSession(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	quizID := strings.TrimSpace(c.Param("quiz_id"))
	if quizID == "" {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	connID := uuid.New().String()
	wsLog := h.log.With().
		Str("conn_id", connID).
		Str("user_id", claims.UserID()).
		Str("quiz_id", quizID).
		Logger()

	client := h.client.WithToken(middleware.GetToken(c))

	session, start, ok := h.openSession(conn, client, claims.UserID(), quizID, wsLog)
	if !ok {
		return
	}

	wsLog = wsLog.With().Str("attempt_id", start.SessionID).Logger()
	wsLog.Info().Int("questions", len(start.Questions)).Msg("Test-taker connected")

	h.serve(conn, session, start, wsLog)
}

// openSession loads the quiz and starts an attempt. Failures are reported to
// the page with a typed error and end the connection without a session.
func (h *ExamStreamHandler) openSession(
	conn *websocket.Conn,
	client *remote.APIClient,
	userID, quizID string,
	log zerolog.Logger,
) (*sessionBinding, ws.SessionData, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()

	quiz, err := client.GetQuizDetail(ctx, quizID)
	if err != nil {
		log.Error().Err(err).Msg("Quiz load failed")
		h.fatal(conn, response.ErrQuizLoadFailed)
		return nil, ws.SessionData{}, false
	}

	attempt, err := client.StartAttempt(ctx, quizID)
	if err != nil {
		log.Error().Err(err).Msg("Attempt start failed")
		h.fatal(conn, response.ErrAttemptStartFailed)
		return nil, ws.SessionData{}, false
	}

	questions := attempt.Questions
	if len(questions) == 0 {
		questions = quiz.Questions
	}
	duration := attempt.DurationSeconds
	if duration <= 0 {
		duration = quiz.DurationSeconds
	}

	ec := newExamConn(log)
	bus := proctor.NewSignalBus()
	ctrl := proctor.NewController(proctor.Params{
		QuizID:          quiz.ID,
		SessionID:       attempt.AttemptID,
		Questions:       questions,
		DurationSeconds: duration,
		Policy:          h.policy,
		Drafts:          draft.Scoped(h.drafts, userID),
		Remote:          remote.NewSyncer(client, h.outbox, log),
		Signals:         bus,
		Observer:        ec,
		Evidence:        h.evidence,
		Log:             log,
	})

	return &sessionBinding{ctrl: ctrl, bus: bus, conn: ec}, ws.SessionData{
		SessionID:       attempt.AttemptID,
		QuizID:          quiz.ID,
		Title:           quiz.Title,
		DurationSeconds: duration,
		Questions:       questions,
		MaxWarnings:     ctrl.Snapshot().MaxWarnings,
		RequireWebcam:   h.policy.RequireWebcam,
	}, true
}

func (h *ExamStreamHandler) fatal(conn *websocket.Conn, code response.ErrCode) {
	_ = ws.WriteError(conn, string(code), response.GetMessage(code))
	ws.Close(conn, websocket.CloseNormalClosure, string(code))
}

// sessionBinding ties a controller to the connection that drives it.
type sessionBinding struct {
	ctrl *proctor.Controller
	bus  *proctor.SignalBus
	conn *examConn
}

func (h *ExamStreamHandler) serve(conn *websocket.Conn, s *sessionBinding, start ws.SessionData, log zerolog.Logger) {
	s.conn.event(ws.EventSession, start)
	s.conn.event(ws.EventState, s.ctrl.Snapshot())

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		h.writePump(conn, s, log)
	}()

	h.readLoop(conn, s, log)

	// The page went away. An unfinished session keeps its draft for a reload.
	s.ctrl.Abandon()
	s.conn.close()
	<-pumpDone

	reason, _, submitErr := s.ctrl.Outcome()
	log.Info().
		Str("lifecycle", string(s.ctrl.Lifecycle())).
		Str("reason", string(reason)).
		AnErr("submit_error", submitErr).
		Msg("Test-taker disconnected")
}

// writePump is the connection's only writer. It closes the socket once the
// session is locked and every queued event was written.
func (h *ExamStreamHandler) writePump(conn *websocket.Conn, s *sessionBinding, log zerolog.Logger) {
	write := func(v interface{}) bool {
		if err := ws.WriteTyped(conn, v); err != nil {
			log.Debug().Err(err).Msg("Write failed")
			return false
		}
		return true
	}

	for {
		select {
		case v := <-s.conn.send:
			if !write(v) {
				_ = conn.Close()
				return
			}
		case <-s.ctrl.Done():
			for {
				select {
				case v := <-s.conn.send:
					if !write(v) {
						_ = conn.Close()
						return
					}
				default:
					ws.Close(conn, websocket.CloseNormalClosure, "exam submitted")
					return
				}
			}
		case <-s.conn.quit:
			return
		}
	}
}

func (h *ExamStreamHandler) readLoop(conn *websocket.Conn, s *sessionBinding, log zerolog.Logger) {
	for {
		raw, err := ws.ReadMessage(conn)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("Unexpected close")
			} else {
				log.Debug().Msg("Connection closed")
			}
			return
		}
		h.handleMessage(s, raw, log)
	}
}

func (h *ExamStreamHandler) handleMessage(s *sessionBinding, raw []byte, log zerolog.Logger) {
	var env ws.RequestEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.replyError(response.ErrInvalidPayload, nil)
		return
	}

	switch env.Action {
	case ws.ActionConsent:
		var req ws.ConsentRequest
		if !s.decode(raw, &req) {
			return
		}
		grants := proctor.Grants{Acknowledged: req.Acknowledged}
		if req.CameraGranted {
			grants.Camera = s.conn
		}
		if req.FullscreenGranted {
			grants.Fullscreen = examFullscreen{conn: s.conn}
		}
		s.check(s.ctrl.Consent(grants))

	case ws.ActionSignal:
		var req ws.SignalRequest
		if !s.decode(raw, &req) {
			return
		}
		suppressed := s.bus.Dispatch(proctor.Signal{
			Kind:       proctor.SignalKind(req.Signal),
			Hidden:     req.Hidden,
			Fullscreen: req.Fullscreen,
			Key:        req.Key,
			Ctrl:       req.Ctrl,
			At:         time.Now(),
		})
		if suppressed {
			log.Debug().Str("signal", req.Signal).Msg("Browser action suppressed")
		}

	case ws.ActionFrame:
		var req ws.FrameRequest
		if !s.decode(raw, &req) {
			return
		}
		f := frameFromRequest(req, time.Now())
		if !f.Valid() {
			s.replyError(response.ErrInvalidPayload, map[string]string{"pixels": "pixels must hold width*height RGBA values"})
			return
		}
		s.conn.offerFrame(f)

	case ws.ActionAnswer:
		var req ws.AnswerRequest
		if !s.decode(raw, &req) {
			return
		}
		s.check(s.ctrl.SubmitAnswer(req.QID, req.Answer))

	case ws.ActionFlag:
		var req ws.FlagRequest
		if !s.decode(raw, &req) {
			return
		}
		s.check(s.ctrl.ToggleFlag(req.QID))

	case ws.ActionNavigate:
		var req ws.NavigateRequest
		if !s.decode(raw, &req) {
			return
		}
		s.check(s.ctrl.Navigate(*req.Index))

	case ws.ActionSubmit:
		if !s.ctrl.SubmitNow() {
			s.replyError(response.ErrSessionNotActive, nil)
		}

	case ws.ActionFullscreen:
		s.check(s.ctrl.RequestFullscreen())

	case ws.ActionPing:
		s.conn.enqueue(ws.PongResponse{Event: ws.EventPong})

	default:
		log.Warn().Str("action", string(env.Action)).Msg("Unknown action")
		s.replyError(response.ErrUnknownAction, nil)
	}
}

// decode unmarshals and validates a typed request, replying with an error
// when either step fails.
func (s *sessionBinding) decode(raw []byte, dst interface{}) bool {
	if err := json.Unmarshal(raw, dst); err != nil {
		s.replyError(response.ErrInvalidPayload, nil)
		return false
	}
	if fields := validator.Validate(dst); fields != nil {
		s.replyError(response.ErrValidation, fields)
		return false
	}
	return true
}

func (s *sessionBinding) check(err error) {
	if err != nil {
		s.replyError(sessionErrCode(err), nil)
	}
}

func (s *sessionBinding) replyError(code response.ErrCode, fields map[string]string) {
	s.conn.enqueue(ws.ErrorResponse{
		Event:  ws.EventError,
		Code:   string(code),
		Error:  response.GetMessage(code),
		Fields: fields,
	})
}

// sessionErrCode maps controller errors onto wire error codes.
func sessionErrCode(err error) response.ErrCode {
	switch {
	case errors.Is(err, proctor.ErrNotActive):
		return response.ErrSessionNotActive
	case errors.Is(err, proctor.ErrAlreadyConsented):
		return response.ErrAlreadyConsented
	case errors.Is(err, proctor.ErrConsentIncomplete):
		return response.ErrConsentIncomplete
	case errors.Is(err, proctor.ErrUnknownQuestion):
		return response.ErrUnknownQuestion
	case errors.Is(err, proctor.ErrInvalidAnswer):
		return response.ErrInvalidAnswer
	case errors.Is(err, proctor.ErrIndexOutOfRange):
		return response.ErrIndexOutOfRange
	case errors.Is(err, proctor.ErrFullscreenRequired), errors.Is(err, errConnClosed):
		return response.ErrFullscreenUnavailable
	default:
		return response.ErrInternal
	}
}
