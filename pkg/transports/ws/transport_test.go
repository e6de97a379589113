package ws

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/troupelab/troupe/pkg/auth"
	"github.com/troupelab/troupe/pkg/catalog"
	"github.com/troupelab/troupe/pkg/live"
	livemock "github.com/troupelab/troupe/pkg/live/mock"
	"github.com/troupelab/troupe/pkg/orchestrator"
	"github.com/troupelab/troupe/pkg/store"
	"github.com/troupelab/troupe/pkg/wire"
)

func newTestTransport(t *testing.T) (*Transport, *httptest.Server) {
	t.Helper()
	opener := livemock.NewOpener(func(p live.PersonaConfig) *livemock.Session {
		return livemock.NewSession(livemock.SessionConfig{ResponseText: "yes, and the llama agrees"})
	})
	cat, err := catalog.NewStatic(catalog.StaticConfig{})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	orch := orchestrator.New(orchestrator.Config{OpenBackoff: 5 * time.Millisecond}, orchestrator.Deps{
		Opener:  opener,
		Catalog: cat,
		Store:   store.NewMemoryStore(),
	})

	authorizer := auth.NewStaticAuthorizer(auth.TierPremium)
	authorizer.Register("good-token", auth.UserContext{UserID: "user-1", Tier: auth.TierPremium})
	authorizer.Register("free-token", auth.UserContext{UserID: "user-2", Tier: auth.TierFree})

	tr := New(Config{PingInterval: 50 * time.Millisecond}, authorizer, orch)
	srv := httptest.NewServer(tr)
	t.Cleanup(srv.Close)
	return tr, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	return conn
}

func readCloseCode(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var closeErr *websocket.CloseError
			if ok := isCloseError(err, &closeErr); ok {
				return closeErr.Code
			}
			t.Fatalf("expected close error, got %v", err)
		}
	}
}

func isCloseError(err error, out **websocket.CloseError) bool {
	if ce, ok := err.(*websocket.CloseError); ok {
		*out = ce
		return true
	}
	return false
}

func readFrames(t *testing.T, conn *websocket.Conn, stop func(map[string]any) bool) {
	t.Helper()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var frame map[string]any
		if err := json.Unmarshal(msg, &frame); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if stop(frame) {
			return
		}
	}
}

func TestHandshakeRejectsInvalidToken(t *testing.T) {
	_, srv := newTestTransport(t)
	conn := dial(t, srv, "?token=bogus")
	if code := readCloseCode(t, conn); code != wire.CloseAuthFailed {
		t.Fatalf("close code = %d, want %d", code, wire.CloseAuthFailed)
	}
}

func TestHandshakeRejectsForbiddenTier(t *testing.T) {
	_, srv := newTestTransport(t)
	conn := dial(t, srv, "?token=free-token")
	if code := readCloseCode(t, conn); code != wire.CloseTierForbidden {
		t.Fatalf("close code = %d, want %d", code, wire.CloseTierForbidden)
	}
}

func TestAuthorizationHeaderAccepted(t *testing.T) {
	_, srv := newTestTransport(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{"Authorization": []string{"Bearer good-token"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	input, _ := json.Marshal(map[string]any{"type": "text_input", "text": "hello"})
	if err := conn.WriteMessage(websocket.TextMessage, input); err != nil {
		t.Fatalf("write: %v", err)
	}
	readFrames(t, conn, func(frame map[string]any) bool {
		return frame["type"] == wire.TypeAudioResponse
	})
}

func TestSessionRoundTrip(t *testing.T) {
	_, srv := newTestTransport(t)
	conn := dial(t, srv, "?token=good-token")

	input, _ := json.Marshal(map[string]any{"type": "text_input", "text": "we open on a llama farm"})
	if err := conn.WriteMessage(websocket.TextMessage, input); err != nil {
		t.Fatalf("write: %v", err)
	}

	var sawAudio, sawTranscript bool
	readFrames(t, conn, func(frame map[string]any) bool {
		switch frame["type"] {
		case wire.TypeAudioResponse:
			sawAudio = true
			if frame["agent"] != "host" {
				t.Fatalf("audio attributed to %v, want host", frame["agent"])
			}
			if _, err := base64.StdEncoding.DecodeString(frame["data"].(string)); err != nil {
				t.Fatalf("audio payload not base64: %v", err)
			}
		case wire.TypeMetadata:
			if frame["event"] == wire.EventTranscription {
				sawTranscript = true
			}
			if frame["event"] == wire.EventTurnComplete {
				return true
			}
		}
		return false
	})
	if !sawAudio || !sawTranscript {
		t.Fatalf("missing frames: audio=%v transcript=%v", sawAudio, sawTranscript)
	}

	end, _ := json.Marshal(map[string]any{"type": "control", "action": "end_session"})
	if err := conn.WriteMessage(websocket.TextMessage, end); err != nil {
		t.Fatalf("write end: %v", err)
	}
	if code := readCloseCode(t, conn); code != wire.CloseNormal {
		t.Fatalf("close code = %d, want %d", code, wire.CloseNormal)
	}
}

func TestMalformedFrameReportedInBand(t *testing.T) {
	_, srv := newTestTransport(t)
	conn := dial(t, srv, "?token=good-token")

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readFrames(t, conn, func(frame map[string]any) bool {
		if frame["type"] != wire.TypeError {
			return false
		}
		if frame["code"] != wire.CodeProtocolError || frame["recoverable"] != true {
			t.Fatalf("unexpected error frame: %v", frame)
		}
		return true
	})

	// The connection survives the rejected frame.
	input, _ := json.Marshal(map[string]any{"type": "text_input", "text": "still here"})
	if err := conn.WriteMessage(websocket.TextMessage, input); err != nil {
		t.Fatalf("write after error: %v", err)
	}
	readFrames(t, conn, func(frame map[string]any) bool {
		return frame["type"] == wire.TypeAudioResponse
	})
}

func TestDrainingRejectsNewConnections(t *testing.T) {
	tr, srv := newTestTransport(t)
	if err := tr.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected handshake to fail while draining")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %+v", resp)
	}
}

func TestPingKeepsIdleConnectionAlive(t *testing.T) {
	_, srv := newTestTransport(t)
	conn := dial(t, srv, "?token=good-token")

	pinged := make(chan struct{}, 1)
	conn.SetPingHandler(func(appData string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(time.Second))
	})
	go conn.ReadMessage()

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatalf("no ping received")
	}
}

func TestCheckOrigin(t *testing.T) {
	tr := New(Config{AllowedOrigins: []string{"https://app.example.com", "widget.example.com"}}, auth.NewStaticAuthorizer(), nil)
	cases := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://app.example.com", true},
		{"https://app.example.com/", true},
		{"http://widget.example.com", true},
		{"https://evil.example.com", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/session", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		if got := tr.checkOrigin(r); got != tc.want {
			t.Fatalf("checkOrigin(%q) = %v, want %v", tc.origin, got, tc.want)
		}
	}
	anyOrigin := New(Config{AllowAnyOrigin: true}, auth.NewStaticAuthorizer(), nil)
	r := httptest.NewRequest(http.MethodGet, "/session", nil)
	r.Header.Set("Origin", "https://anywhere.example.com")
	if !anyOrigin.checkOrigin(r) {
		t.Fatalf("allow_any_origin should accept all origins")
	}
}
