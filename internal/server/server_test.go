package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-silencewatch/internal/types"
)

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name   string
		origin string
		host   string
		want   bool
	}{
		{"no origin", "", "example.org", true},
		{"localhost", "http://localhost:3000", "example.org", true},
		{"same host", "https://monitor.example.org", "monitor.example.org:8080", true},
		{"private ip", "http://192.168.1.20", "example.org", true},
		{"loopback v6", "http://[::1]:8080", "example.org", true},
		{"foreign", "https://evil.example.com", "monitor.example.org", false},
		{"garbage", "://bad", "monitor.example.org", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, checkOrigin(r))
		})
	}
}

func TestAPIKeyAuth(t *testing.T) {
	ok := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }

	tests := []struct {
		name     string
		key      string
		provided string
		want     int
	}{
		{"unconfigured", "", "anything", http.StatusServiceUnavailable},
		{"missing", "secret", "", http.StatusUnauthorized},
		{"wrong", "secret", "nope", http.StatusUnauthorized},
		{"match", "secret", "secret", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/api/test/email", nil)
			if tt.provided != "" {
				r.Header.Set(APIKeyHeader, tt.provided)
			}
			w := httptest.NewRecorder()
			APIKeyAuth(tt.key)(ok)(w, r)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestRequireMethod(t *testing.T) {
	h := RequireMethod(http.MethodPost, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, http.MethodPost, w.Header().Get("Allow"))

	w = httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestWriteResult(t *testing.T) {
	w := httptest.NewRecorder()
	WriteResult(w, nil)
	assert.JSONEq(t, `{"success":true}`, w.Body.String())

	w = httptest.NewRecorder()
	WriteResult(w, errors.New("smtp down"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":false,"error":"smtp down"}`, w.Body.String())

	verr := types.NewValidationError()
	verr.Add("email.smtp.server", "is required", "")
	w = httptest.NewRecorder()
	WriteResult(w, verr)
	assert.Contains(t, w.Body.String(), `"field":"email.smtp.server"`)
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

type statusMsg struct {
	Type  string `json:"type"`
	Level int    `json:"level"`
}

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHubSendsSnapshotThenBroadcasts(t *testing.T) {
	hub := NewHub(func() any { return statusMsg{Type: "status", Level: 1} })
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first statusMsg
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, statusMsg{Type: "status", Level: 1}, first)

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)
	hub.Broadcast(statusMsg{Type: "status", Level: 2})

	var second statusMsg
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, 2, second.Level)
}

func TestHubDropsForSlowClients(t *testing.T) {
	hub := NewHub(nil)
	c := &client{send: make(chan any, 1)}
	hub.add(c)

	hub.Broadcast(1)
	hub.Broadcast(2)
	hub.Broadcast(3)

	assert.Equal(t, uint64(2), hub.Dropped())
	assert.Equal(t, 1, <-c.send)
}

func TestHubRemovesDisconnectedClients(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubClose(t *testing.T) {
	hub := NewHub(nil)
	c := &client{send: make(chan any, 1)}
	hub.add(c)

	hub.Close()
	assert.Equal(t, 0, hub.Clients())
	_, open := <-c.send
	assert.False(t, open)

	// Removing an already closed client must not panic.
	assert.NotPanics(t, func() { hub.remove(c) })
}
