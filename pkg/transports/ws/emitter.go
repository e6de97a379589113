package ws

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/troupelab/troupe/pkg/errorsx"
	"github.com/troupelab/troupe/pkg/wire"
)

type outbound struct {
	payload []byte
	close   bool
	code    int
	reason  string
}

// wsEmitter is the outbound half of one connection. All writes go
// through a single pump goroutine; gorilla connections allow only one
// concurrent writer.
type wsEmitter struct {
	conn         *websocket.Conn
	sendCh       chan outbound
	done         chan struct{}
	closed       atomic.Bool
	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *slog.Logger
}

func newEmitter(conn *websocket.Conn, writeTimeout, pingInterval time.Duration, logger *slog.Logger) *wsEmitter {
	return &wsEmitter{
		conn:         conn,
		sendCh:       make(chan outbound, 256),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		logger:       logger,
	}
}

func (e *wsEmitter) writeLoop() {
	ticker := time.NewTicker(e.pingInterval)
	defer ticker.Stop()
	defer e.conn.Close()
	for {
		select {
		case out := <-e.sendCh:
			_ = e.conn.SetWriteDeadline(time.Now().Add(e.writeTimeout))
			if out.close {
				msg := websocket.FormatCloseMessage(out.code, out.reason)
				_ = e.conn.WriteMessage(websocket.CloseMessage, msg)
				return
			}
			if err := e.conn.WriteMessage(websocket.TextMessage, out.payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = e.conn.SetWriteDeadline(time.Now().Add(e.writeTimeout))
			if err := e.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-e.done:
			return
		}
	}
}

func (e *wsEmitter) Emit(frame any) error {
	if e.closed.Load() {
		return errorsx.Wrap(errors.New("connection closed"), errorsx.ReasonTransportSend)
	}
	b, err := wire.Encode(frame)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	select {
	case e.sendCh <- outbound{payload: b}:
	default:
		// Slow reader. Dropping beats stalling the session loop.
		e.logger.Warn("outbound_queue_full")
	}
	return nil
}

// Close sends a close control frame and tears the connection down. The
// close frame rides the send queue so frames already queued still go
// out first.
func (e *wsEmitter) Close(code int, reason string) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	select {
	case e.sendCh <- outbound{close: true, code: code, reason: reason}:
	default:
		close(e.done)
	}
	return nil
}
