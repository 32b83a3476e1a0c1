package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/auth"
	"github.com/stemsi/exstem-proctor/internal/draft"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/remote"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

func init() {
	gin.SetMode(gin.TestMode)
	validator.Setup()
}

const quizJSON = `{"quiz":{"quizId":"quiz-1","title":"Algebra","durationSeconds":600,"questions":[
	{"qId":"q1","text":"2+2?","type":"mcq","marks":1,"options":[{"id":"a","text":"4","isCorrect":true},{"id":"b","text":"5"}]},
	{"qId":"q2","text":"Explain","type":"short_answer","marks":2}
]}}`

// upstream fakes the quiz platform and the proctoring log service.
type upstream struct {
	*httptest.Server

	mu     sync.Mutex
	status map[string]int
	calls  []string
	auth   []string
	events []map[string]any
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	up := &upstream{status: make(map[string]int)}

	routes := map[string]string{
		"GET /api/quizzes/quiz-1":             quizJSON,
		"POST /api/attempts/quiz-1/start":     `{"attemptId":"att-1"}`,
		"PATCH /api/attempts/att-1/answer":    `{}`,
		"POST /api/attempts/att-1/submit":     `{"attempt":{"attemptId":"att-1","finalScore":1,"totalMarks":3}}`,
		"GET /api/attempts/att-1/results":     `{"score":1,"totalMarks":3}`,
		"POST /api/v1/proctoring/att-1/event": `{}`,
		"GET /api/v1/proctoring/att-1/events": `{"events":[],"totalEvents":0}`,
	}

	up.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		raw, _ := io.ReadAll(r.Body)

		up.mu.Lock()
		up.calls = append(up.calls, key)
		up.auth = append(up.auth, r.Header.Get("Authorization"))
		if strings.HasSuffix(r.URL.Path, "/event") {
			var body map[string]any
			_ = json.Unmarshal(raw, &body)
			up.events = append(up.events, body)
		}
		status, overridden := up.status[key]
		up.mu.Unlock()

		body, ok := routes[key]
		if !ok {
			status, body = http.StatusNotFound, `{"error":"not found"}`
		} else if overridden {
			body = `{"error":{"message":"upstream says no"}}`
		} else {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(up.Close)
	return up
}

func (u *upstream) fail(key string, status int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.status[key] = status
}

func (u *upstream) count(key string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, c := range u.calls {
		if c == key {
			n++
		}
	}
	return n
}

func (u *upstream) eventTypes() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, 0, len(u.events))
	for _, e := range u.events {
		s, _ := e["eventType"].(string)
		out = append(out, s)
	}
	return out
}

func (u *upstream) client() *remote.APIClient {
	return remote.NewAPIClient(u.URL+"/api", u.URL+"/api/v1", 2*time.Second, zerolog.Nop())
}

func testPolicy() proctor.Policy {
	p := proctor.DefaultPolicy()
	p.AutosaveInterval = time.Hour
	p.FrameSampleInterval = time.Hour
	p.PushTimeout = time.Second
	p.SubmitTimeout = 2 * time.Second
	return p
}

// kiosk is a kiosk server wired against a fake upstream.
type kiosk struct {
	*httptest.Server
	up       *upstream
	drafts   *draft.MemoryStore
	verifier *auth.Verifier
}

func newKiosk(t *testing.T, up *upstream) *kiosk {
	t.Helper()
	k := &kiosk{up: up, drafts: draft.NewMemoryStore(), verifier: auth.NewVerifier("secret")}

	client := up.client()
	stream := NewExamStreamHandler(client, nil, k.drafts, nil, testPolicy(), zerolog.Nop(), nil)
	attempts := NewAttemptHandler(client, zerolog.Nop())

	r := gin.New()
	r.GET("/ws/v1/quizzes/:quiz_id/session", middleware.RequireWSAuth(k.verifier), stream.ExamSession)
	api := r.Group("/api/v1/attempts", middleware.RequireJWT(k.verifier))
	api.GET("/:attempt_id/results", attempts.GetResults)
	api.GET("/:attempt_id/events", attempts.GetEvents)

	k.Server = httptest.NewServer(r)
	t.Cleanup(k.Close)
	return k
}

func (k *kiosk) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := k.verifier.Sign(userID, "student", time.Hour)
	require.NoError(t, err)
	return tok
}

func (k *kiosk) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(k.URL, "http") + "/ws/v1/quizzes/quiz-1/session?token=" + k.token(t, userID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// wsMsg is the union of every server event shape.
type wsMsg struct {
	Event string          `json:"event"`
	Code  string          `json:"code"`
	Data  json.RawMessage `json:"data"`
}

func (m wsMsg) state(t *testing.T) proctor.State {
	t.Helper()
	var s proctor.State
	require.NoError(t, json.Unmarshal(m.Data, &s))
	return s
}

func (m wsMsg) notice(t *testing.T) proctor.Notice {
	t.Helper()
	var n proctor.Notice
	require.NoError(t, json.Unmarshal(m.Data, &n))
	return n
}

func (m wsMsg) command() string {
	var c struct {
		Command string `json:"command"`
	}
	_ = json.Unmarshal(m.Data, &c)
	return c.Command
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

// readUntil reads messages until match accepts one, returning it together with
// everything skipped on the way.
func readUntil(t *testing.T, conn *websocket.Conn, match func(wsMsg) bool) (wsMsg, []wsMsg) {
	t.Helper()
	var skipped []wsMsg
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)

		var m wsMsg
		require.NoError(t, json.Unmarshal(raw, &m))
		if match(m) {
			return m, skipped
		}
		skipped = append(skipped, m)
	}
}

func isEvent(event string) func(wsMsg) bool {
	return func(m wsMsg) bool { return m.Event == event }
}

func isError(code string) func(wsMsg) bool {
	return func(m wsMsg) bool { return m.Event == "error" && m.Code == code }
}

func isNotice(kind proctor.NoticeKind) func(wsMsg) bool {
	return func(m wsMsg) bool {
		if m.Event != "notice" {
			return false
		}
		var n proctor.Notice
		return json.Unmarshal(m.Data, &n) == nil && n.Kind == kind
	}
}

func isLifecycle(l proctor.Lifecycle) func(wsMsg) bool {
	return func(m wsMsg) bool {
		if m.Event != "state" {
			return false
		}
		var s proctor.State
		return json.Unmarshal(m.Data, &s) == nil && s.Lifecycle == l
	}
}

// expectClosed asserts the server ends the connection.
func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var ce *websocket.CloseError
			require.ErrorAs(t, err, &ce)
			require.Equal(t, websocket.CloseNormalClosure, ce.Code)
			return
		}
	}
}
