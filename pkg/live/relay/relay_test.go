package relay

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/troupelab/troupe/pkg/live"
	"github.com/troupelab/troupe/pkg/turn"
)

type upstreamStub struct {
	mu       sync.Mutex
	setups   []upstreamMessage
	inbound  []upstreamMessage
	script   []upstreamMessage
	dropOnce bool
	server   *httptest.Server
}

func newUpstreamStub(script []upstreamMessage) *upstreamStub {
	stub := &upstreamStub{script: script}
	upgrader := websocket.Upgrader{}
	stub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var setup upstreamMessage
		if err := conn.ReadJSON(&setup); err != nil {
			return
		}
		stub.mu.Lock()
		stub.setups = append(stub.setups, setup)
		drop := stub.dropOnce
		stub.dropOnce = false
		stub.mu.Unlock()
		if drop {
			return
		}
		for _, msg := range stub.script {
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
		for {
			var in upstreamMessage
			if err := conn.ReadJSON(&in); err != nil {
				return
			}
			stub.mu.Lock()
			stub.inbound = append(stub.inbound, in)
			stub.mu.Unlock()
		}
	}))
	return stub
}

func (s *upstreamStub) url() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

func (s *upstreamStub) setupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.setups)
}

func collectEvents(t *testing.T, sess live.Session, n int) []live.Event {
	t.Helper()
	var got []live.Event
	deadline := time.After(3 * time.Second)
	for len(got) < n {
		select {
		case ev, ok := <-sess.Events():
			if !ok {
				t.Fatalf("events closed after %d of %d events", len(got), n)
			}
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("timed out after %d of %d events", len(got), n)
		}
	}
	return got
}

func TestOpenSendsSetupAndDecodesEvents(t *testing.T) {
	pcm := []byte{0x01, 0x00, 0x02, 0x00}
	stub := newUpstreamStub([]upstreamMessage{
		{Type: "transcript", Text: "hello there", Role: "agent", IsFinal: true},
		{Type: "audio", Data: base64.StdEncoding.EncodeToString(pcm)},
		{Type: "tool", ID: "t1", Name: "switch_agent", Args: map[string]any{"target": "partner"}},
		{Type: "turn_complete"},
	})
	defer stub.server.Close()

	opener := NewOpener(Config{URL: stub.url(), APIKey: "secret"})
	sess, err := opener.Open(context.Background(), live.PersonaConfig{
		Agent: turn.AgentHost, Name: "Sunny", Voice: "warm", Prompt: "be welcoming", SampleRate: 16000,
	}, "scene: a bakery")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sess.Close()

	got := collectEvents(t, sess, 4)
	if got[0].Kind != live.EventTranscript || got[0].Text != "hello there" || !got[0].IsFinal {
		t.Fatalf("unexpected transcript event: %+v", got[0])
	}
	if got[1].Kind != live.EventAudio || len(got[1].Audio) != 4 {
		t.Fatalf("unexpected audio event: %+v", got[1])
	}
	if got[2].Kind != live.EventTool || got[2].Tool.Name != "switch_agent" {
		t.Fatalf("unexpected tool event: %+v", got[2])
	}
	if got[3].Kind != live.EventTurnComplete {
		t.Fatalf("unexpected final event: %+v", got[3])
	}

	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.setups) != 1 {
		t.Fatalf("setup count = %d, want 1", len(stub.setups))
	}
	setup := stub.setups[0]
	if setup.Type != "setup" || setup.Agent != "host" || setup.Context != "scene: a bakery" {
		t.Fatalf("unexpected setup: %+v", setup)
	}
	if setup.Prompt != "be welcoming" || setup.SampleRate != 16000 {
		t.Fatalf("persona not forwarded: %+v", setup)
	}
}

func TestSendEncodesInputs(t *testing.T) {
	stub := newUpstreamStub(nil)
	defer stub.server.Close()

	opener := NewOpener(Config{URL: stub.url()})
	sess, err := opener.Open(context.Background(), live.PersonaConfig{Agent: turn.AgentPartner}, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sess.Close()

	ctx := context.Background()
	if err := sess.Send(ctx, live.Input{Kind: live.InputAudio, Audio: []byte{0x0a, 0x00}}); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	if err := sess.Send(ctx, live.Input{Kind: live.InputText, Text: "yes and"}); err != nil {
		t.Fatalf("send text: %v", err)
	}
	if err := sess.Send(ctx, live.Input{Kind: live.InputSystem, Text: "handoff summary"}); err != nil {
		t.Fatalf("send system: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		stub.mu.Lock()
		n := len(stub.inbound)
		stub.mu.Unlock()
		if n >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("upstream received %d messages, want 3", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	stub.mu.Lock()
	defer stub.mu.Unlock()
	if stub.inbound[0].Type != "audio" || stub.inbound[0].Data != base64.StdEncoding.EncodeToString([]byte{0x0a, 0x00}) {
		t.Fatalf("unexpected audio message: %+v", stub.inbound[0])
	}
	if stub.inbound[1].Type != "text" || stub.inbound[1].Text != "yes and" {
		t.Fatalf("unexpected text message: %+v", stub.inbound[1])
	}
	if stub.inbound[2].Type != "system" || stub.inbound[2].Text != "handoff summary" {
		t.Fatalf("unexpected system message: %+v", stub.inbound[2])
	}
}

func TestReconnectResendsSetup(t *testing.T) {
	stub := newUpstreamStub([]upstreamMessage{{Type: "turn_complete"}})
	stub.dropOnce = true
	defer stub.server.Close()

	opener := NewOpener(Config{URL: stub.url(), MaxReconnects: 2, ReconnectDelay: 20 * time.Millisecond})
	sess, err := opener.Open(context.Background(), live.PersonaConfig{Agent: turn.AgentHost}, "mid-scene")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sess.Close()

	// First connection is dropped by the stub right after setup; the
	// relay must reconnect, resend setup, and deliver the script.
	got := collectEvents(t, sess, 1)
	if got[0].Kind != live.EventTurnComplete {
		t.Fatalf("unexpected event after reconnect: %+v", got[0])
	}
	if n := stub.setupCount(); n != 2 {
		t.Fatalf("setup count = %d, want 2", n)
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	stub := newUpstreamStub(nil)
	defer stub.server.Close()

	opener := NewOpener(Config{URL: stub.url()})
	sess, err := opener.Open(context.Background(), live.PersonaConfig{Agent: turn.AgentAmbient}, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := sess.Send(context.Background(), live.Input{Kind: live.InputText, Text: "late"}); err == nil {
		t.Fatalf("expected send after close to fail")
	}
}

func TestUpstreamErrorEvent(t *testing.T) {
	stub := newUpstreamStub([]upstreamMessage{{Type: "error", Message: "model overloaded"}})
	defer stub.server.Close()

	opener := NewOpener(Config{URL: stub.url()})
	sess, err := opener.Open(context.Background(), live.PersonaConfig{Agent: turn.AgentHost}, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sess.Close()

	got := collectEvents(t, sess, 1)
	if got[0].Kind != live.EventError || got[0].Err == nil {
		t.Fatalf("unexpected event: %+v", got[0])
	}
	if !strings.Contains(got[0].Err.Error(), "model overloaded") {
		t.Fatalf("unexpected error: %v", got[0].Err)
	}
}

func TestOpenFailsAgainstDeadEndpoint(t *testing.T) {
	opener := NewOpener(Config{URL: "ws://127.0.0.1:1", DialTimeout: 200 * time.Millisecond})
	if _, err := opener.Open(context.Background(), live.PersonaConfig{Agent: turn.AgentHost}, ""); err == nil {
		t.Fatalf("expected open to fail")
	}
}
