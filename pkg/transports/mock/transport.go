// Package mock is an in-memory transport for local runs and
// integration tests. Clients connect straight to the orchestrator
// without any network dependency.
package mock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/troupelab/troupe/pkg/auth"
	"github.com/troupelab/troupe/pkg/orchestrator"
	"github.com/troupelab/troupe/pkg/wire"
)

type Transport struct {
	orch   *orchestrator.Orchestrator
	closed atomic.Bool
}

func New(orch *orchestrator.Orchestrator) *Transport {
	return &Transport{orch: orch}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.closed.Store(true)
	return nil
}

// Connect starts a session for user and returns a client handle bound
// to it.
func (t *Transport) Connect(ctx context.Context, user auth.UserContext) *Client {
	c := &Client{
		frames: make(chan []byte, 256),
		done:   make(chan struct{}),
	}
	c.sess = t.orch.StartSession(ctx, user, c)
	return c
}

// Client is one in-memory connection. It doubles as the session's
// emitter.
type Client struct {
	sess   *orchestrator.Session
	frames chan []byte

	mu        sync.Mutex
	closeCode int
	closeWhy  string

	closed atomic.Bool
	done   chan struct{}
}

// Send injects a raw inbound frame, as a WebSocket client would.
func (c *Client) Send(raw []byte) {
	c.sess.HandleClientFrame(raw)
}

// Frames exposes encoded outbound frames for inspection.
func (c *Client) Frames() <-chan []byte { return c.frames }

// Closed is signalled when the session closes the connection.
func (c *Client) Closed() <-chan struct{} { return c.done }

func (c *Client) CloseCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

func (c *Client) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeWhy
}

// Disconnect simulates the client dropping the connection.
func (c *Client) Disconnect() {
	c.sess.Disconnect("client disconnected")
}

func (c *Client) Emit(frame any) error {
	b, err := wire.Encode(frame)
	if err != nil {
		return err
	}
	select {
	case c.frames <- b:
	default:
	}
	return nil
}

func (c *Client) Close(code int, reason string) error {
	if c.closed.CompareAndSwap(false, true) {
		c.mu.Lock()
		c.closeCode = code
		c.closeWhy = reason
		c.mu.Unlock()
		close(c.done)
	}
	return nil
}

var _ orchestrator.Emitter = (*Client)(nil)
