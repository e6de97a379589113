// Package mock provides an in-memory transcript tap for tests.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/troupelab/troupe/pkg/stt"
)

// Tap records audio and lets tests push transcript events by hand.
type Tap struct {
	mu      sync.Mutex
	out     chan stt.Event
	audio   [][]byte
	started bool
	closed  bool
}

func NewTap() *Tap {
	return &Tap{out: make(chan stt.Event, 64)}
}

func (t *Tap) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("tap closed")
	}
	t.started = true
	return nil
}

func (t *Tap) SendAudio(pcm []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started || t.closed {
		return errors.New("tap not running")
	}
	t.audio = append(t.audio, append([]byte(nil), pcm...))
	return nil
}

func (t *Tap) Events() <-chan stt.Event { return t.out }

func (t *Tap) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.out)
	return nil
}

// Emit pushes one event to the tap's consumers.
func (t *Tap) Emit(ev stt.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.out <- ev:
	default:
	}
}

// Audio returns every chunk sent into the tap.
func (t *Tap) Audio() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.audio...)
}

var _ stt.Tap = (*Tap)(nil)
