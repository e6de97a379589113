// Package relay implements the live session capability against an
// upstream streaming speech-model endpoint speaking a JSON WebSocket
// protocol. One relay session holds one upstream connection; the
// upstream side owns the conversational context.
package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/troupelab/troupe/pkg/errorsx"
	"github.com/troupelab/troupe/pkg/live"
	"github.com/troupelab/troupe/pkg/logging"
	"github.com/troupelab/troupe/pkg/resilience"
)

type Config struct {
	URL            string        `mapstructure:"url"`
	APIKey         string        `mapstructure:"api_key"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = 3
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 500 * time.Millisecond
	}
	return c
}

// Opener dials upstream sessions. A shared circuit breaker trips open
// when the upstream flaps, instead of hammering it once per agent slot.
type Opener struct {
	cfg     Config
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
}

func NewOpener(cfg Config) *Opener {
	return &Opener{
		cfg:     cfg.withDefaults(),
		breaker: resilience.NewCircuitBreaker(3, 30*time.Second),
		logger:  logging.NewComponentLogger(slog.Default(), "live_relay"),
	}
}

func (o *Opener) Open(ctx context.Context, persona live.PersonaConfig, initialContext string) (live.Session, error) {
	if !o.breaker.Allow() {
		return nil, errorsx.Wrap(fmt.Errorf("upstream circuit open"), errorsx.ReasonLiveCircuitOpen)
	}
	s := &Session{
		opener:  o,
		persona: persona,
		initial: initialContext,
		out:     make(chan live.Event, 256),
		logger:  o.logger.With(slog.String("agent", string(persona.Agent))),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	if err := s.connect(); err != nil {
		o.breaker.OnFailure()
		return nil, errorsx.Wrap(err, errorsx.ReasonLiveConnect)
	}
	o.breaker.OnSuccess()
	go s.readLoop()
	return s, nil
}

// Session is one open upstream connection.
type Session struct {
	opener  *Opener
	persona live.PersonaConfig
	initial string
	out     chan live.Event
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

type upstreamMessage struct {
	Type       string         `json:"type"`
	Data       string         `json:"data,omitempty"`
	Text       string         `json:"text,omitempty"`
	Role       string         `json:"role,omitempty"`
	IsFinal    bool           `json:"is_final,omitempty"`
	ID         string         `json:"id,omitempty"`
	Name       string         `json:"name,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	Agent      string         `json:"agent,omitempty"`
	Voice      string         `json:"voice,omitempty"`
	Prompt     string         `json:"prompt,omitempty"`
	SampleRate int            `json:"sample_rate,omitempty"`
	Context    string         `json:"context,omitempty"`
	Message    string         `json:"message,omitempty"`
}

func (s *Session) connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: s.opener.cfg.DialTimeout}
	header := http.Header{}
	if s.opener.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+s.opener.cfg.APIKey)
	}
	conn, resp, err := dialer.DialContext(s.ctx, s.opener.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial upstream: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial upstream: %w", err)
	}

	setup := upstreamMessage{
		Type:       "setup",
		Agent:      string(s.persona.Agent),
		Name:       s.persona.Name,
		Voice:      s.persona.Voice,
		Prompt:     s.persona.Prompt,
		SampleRate: s.persona.SampleRate,
		Context:    s.initial,
	}
	if err := conn.WriteJSON(setup); err != nil {
		_ = conn.Close()
		return fmt.Errorf("send setup: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return nil
}

func (s *Session) Send(ctx context.Context, in live.Input) error {
	s.mu.Lock()
	conn := s.conn
	closed := s.closed
	s.mu.Unlock()
	if closed || conn == nil {
		return errorsx.Wrap(fmt.Errorf("session closed"), errorsx.ReasonLiveSend)
	}

	var msg upstreamMessage
	switch in.Kind {
	case live.InputAudio:
		msg = upstreamMessage{Type: "audio", Data: base64.StdEncoding.EncodeToString(in.Audio)}
	case live.InputText:
		msg = upstreamMessage{Type: "text", Text: in.Text}
	case live.InputSystem:
		msg = upstreamMessage{Type: "system", Text: in.Text}
	default:
		return fmt.Errorf("unknown input kind %q", in.Kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return errorsx.Wrap(fmt.Errorf("session closed"), errorsx.ReasonLiveSend)
	}
	if err := s.conn.WriteJSON(msg); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonLiveSend)
	}
	return nil
}

func (s *Session) Events() <-chan live.Event { return s.out }

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}
	return nil
}

func (s *Session) readLoop() {
	defer close(s.out)
	reconnects := 0
	for {
		s.mu.Lock()
		conn := s.conn
		closed := s.closed
		s.mu.Unlock()
		if closed || conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil || s.isClosed() {
				return
			}
			// Retry applies to reconnection only, never to in-flight
			// requests: anything mid-stream is lost and surfaced.
			if reconnects >= s.opener.cfg.MaxReconnects {
				s.logger.Error("upstream_reconnect_exhausted", "error", err.Error())
				s.emit(live.Event{Kind: live.EventError, Err: errorsx.Wrap(err, errorsx.ReasonLiveStream)})
				return
			}
			reconnects++
			s.logger.Warn("upstream_read_error", "error", err.Error(), "reconnect", reconnects)
			retry := resilience.NewRetryPolicy(1, s.opener.cfg.ReconnectDelay)
			if rerr := retry.Do(s.connect); rerr != nil {
				s.logger.Error("upstream_reconnect_failed", "error", rerr.Error())
				s.emit(live.Event{Kind: live.EventError, Err: errorsx.Wrap(rerr, errorsx.ReasonLiveConnect)})
				return
			}
			continue
		}

		ev, ok := decodeUpstream(raw)
		if !ok {
			s.logger.Debug("upstream_unhandled_message", "payload", string(raw))
			continue
		}
		s.emit(ev)
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) emit(ev live.Event) {
	select {
	case s.out <- ev:
	default:
		s.logger.Warn("relay_out_channel_full", "kind", string(ev.Kind))
	}
}

func decodeUpstream(raw []byte) (live.Event, bool) {
	var msg upstreamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return live.Event{}, false
	}
	switch msg.Type {
	case "audio":
		pcm, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			return live.Event{}, false
		}
		return live.Event{Kind: live.EventAudio, Audio: pcm}, true
	case "transcript":
		role := live.RoleAgent
		if msg.Role == string(live.RoleUser) {
			role = live.RoleUser
		}
		return live.Event{Kind: live.EventTranscript, Text: msg.Text, Role: role, IsFinal: msg.IsFinal}, true
	case "tool":
		return live.Event{Kind: live.EventTool, Tool: live.ToolInvocation{ID: msg.ID, Name: msg.Name, Args: msg.Args}}, true
	case "turn_complete":
		return live.Event{Kind: live.EventTurnComplete}, true
	case "error":
		return live.Event{Kind: live.EventError, Err: fmt.Errorf("upstream: %s", msg.Message)}, true
	default:
		return live.Event{}, false
	}
}

var _ live.Session = (*Session)(nil)
var _ live.Opener = (*Opener)(nil)
