package transport

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Compile-time interface checks.
var (
	_ Channel = (*MemoryChannel)(nil)
	_ Channel = (*WebSocketChannel)(nil)
)

// MemoryChannel is one end of an in-process Channel pair. Frames emitted on
// one end are delivered to the other end's handlers in emit order, from a
// single dispatch goroutine, which matches the ordering guarantee of the
// network channel.
type MemoryChannel struct {
	name     string
	registry *Registry
	peer     *MemoryChannel

	mu     sync.Mutex
	queue  []Frame
	signal chan struct{}
	closed bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewPipe creates two connected in-process channel ends.
func NewPipe() (*MemoryChannel, *MemoryChannel) {
	a := newMemoryChannel("a")
	b := newMemoryChannel("b")
	a.peer = b
	b.peer = a
	go a.dispatchLoop()
	go b.dispatchLoop()
	return a, b
}

func newMemoryChannel(name string) *MemoryChannel {
	return &MemoryChannel{
		name:     name,
		registry: NewRegistry(),
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Emit encodes payload and queues it for delivery on the peer end.
func (m *MemoryChannel) Emit(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	frame, err := NewFrame(event, payload)
	if err != nil {
		return err
	}

	if m.isClosed() {
		return ErrClosed
	}
	return m.peer.enqueue(frame)
}

// Subscribe registers a handler for frames arriving on this end.
func (m *MemoryChannel) Subscribe(event string, handler Handler) Subscription {
	return m.registry.Subscribe(event, handler)
}

// Registry exposes the handler table, mainly for leak checks in tests.
func (m *MemoryChannel) Registry() *Registry {
	return m.registry
}

// Close stops delivery on this end. Frames still queued are dropped.
func (m *MemoryChannel) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.queue = nil
		m.mu.Unlock()
		close(m.done)

		logrus.WithFields(logrus.Fields{
			"function": "Close",
			"channel":  m.name,
		}).Debug("Memory channel closed")
	})
	return nil
}

func (m *MemoryChannel) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MemoryChannel) enqueue(frame Frame) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.queue = append(m.queue, frame)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return nil
}

func (m *MemoryChannel) dispatchLoop() {
	for {
		select {
		case <-m.done:
			return
		case <-m.signal:
		}

		for {
			m.mu.Lock()
			if m.closed || len(m.queue) == 0 {
				m.mu.Unlock()
				break
			}
			frame := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()

			m.registry.Dispatch(frame.Event, frame.Data)
		}
	}
}
