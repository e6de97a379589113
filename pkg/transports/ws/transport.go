// Package ws serves the browser-facing WebSocket endpoint. Each
// accepted connection is authorized during the handshake and then
// handed to the orchestrator as one session.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/troupelab/troupe/pkg/auth"
	"github.com/troupelab/troupe/pkg/errorsx"
	"github.com/troupelab/troupe/pkg/logging"
	"github.com/troupelab/troupe/pkg/orchestrator"
	"github.com/troupelab/troupe/pkg/wire"
)

type Config struct {
	ServerAddr     string        `mapstructure:"server_addr"`
	SessionPath    string        `mapstructure:"session_path"`
	AllowAnyOrigin bool          `mapstructure:"allow_any_origin"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	ReadLimit      int64         `mapstructure:"read_limit"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.SessionPath == "" {
		c.SessionPath = "/session"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	return c
}

type Transport struct {
	cfg      Config
	auth     auth.Authorizer
	orch     *orchestrator.Orchestrator
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	baseCtx context.Context

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}

	draining atomic.Bool
}

func New(cfg Config, authorizer auth.Authorizer, orch *orchestrator.Orchestrator) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg:     cfg,
		auth:    authorizer,
		orch:    orch,
		logger:  logging.NewComponentLogger(slog.Default(), "ws_transport"),
		baseCtx: context.Background(),
		conns:   make(map[*websocket.Conn]struct{}),
	}
	t.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     t.checkOrigin,
	}
	return t
}

func (t *Transport) Name() string { return "ws" }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"server_addr":  t.cfg.ServerAddr,
		"session_path": t.cfg.SessionPath,
	}
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.baseCtx = ctx
	mux := http.NewServeMux()
	mux.Handle(t.cfg.SessionPath, t)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("server_error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	t.mu.Lock()
	for conn := range t.conns {
		_ = conn.Close()
	}
	t.conns = make(map[*websocket.Conn]struct{})
	t.mu.Unlock()
	return nil
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	token := handshakeToken(r)
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	user, err := t.auth.Authorize(r.Context(), token)
	if err != nil {
		code := wire.CloseAuthFailed
		if errors.Is(err, auth.ErrTierForbidden) {
			code = wire.CloseTierForbidden
		}
		t.logger.Warn("handshake_rejected",
			slog.Int("close_code", code),
			slog.String("reason_code", string(errorsx.ReasonAuthDenied)))
		_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, err.Error()))
		_ = conn.Close()
		return
	}

	t.track(conn)
	defer t.untrack(conn)

	emitter := newEmitter(conn, t.cfg.WriteTimeout, t.cfg.PingInterval, t.logger)
	go emitter.writeLoop()

	sess := t.orch.StartSession(t.baseCtx, user, emitter)
	t.logger.Info("connection_accepted",
		slog.String("session_id", sess.ID()),
		slog.String("user_id", user.UserID))

	pongWait := 2 * t.cfg.PingInterval
	conn.SetReadLimit(t.cfg.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		sess.HandleClientFrame(msg)
	}
	sess.Disconnect("client disconnected")
	<-sess.Done()
}

func (t *Transport) track(conn *websocket.Conn) {
	t.mu.Lock()
	t.conns[conn] = struct{}{}
	t.mu.Unlock()
}

func (t *Transport) untrack(conn *websocket.Conn) {
	t.mu.Lock()
	delete(t.conns, conn)
	t.mu.Unlock()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimSpace(allowed)
		if a == "" {
			continue
		}
		a = strings.TrimRight(a, "/")
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

// handshakeToken pulls the auth token from the query string or the
// Authorization header. Browsers cannot set headers on WebSocket
// upgrades, so the query form is the common path.
func handshakeToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return ""
}
