package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// DefaultHandshakeTimeout bounds the websocket opening handshake.
const DefaultHandshakeTimeout = 10 * time.Second

// closeGracePeriod is how long Close waits for the peer's close frame.
const closeGracePeriod = time.Second

// DialOptions configures a websocket Channel.
type DialOptions struct {
	// Token is sent as a bearer token on the opening handshake.
	Token string
	// HandshakeTimeout defaults to DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration
	// Header carries additional handshake headers.
	Header http.Header
}

// WebSocketChannel is a Channel carried by a gorilla websocket connection.
// Each text message holds one JSON Frame. A single read loop dispatches
// inbound frames, so delivery order is the order the peer sent them.
type WebSocketChannel struct {
	conn     *websocket.Conn
	registry *Registry

	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	closed    chan struct{}

	errMu   sync.Mutex
	readErr error
}

// Dial opens a websocket Channel to url.
func Dial(ctx context.Context, url string, opts DialOptions) (*WebSocketChannel, error) {
	logrus.WithFields(logrus.Fields{
		"function": "Dial",
		"url":      url,
	}).Info("Dialing websocket channel")

	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}

	header := http.Header{}
	for k, v := range opts.Header {
		header[k] = append([]string(nil), v...)
	}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		fields := logrus.Fields{
			"function": "Dial",
			"url":      url,
			"error":    err.Error(),
		}
		if resp != nil {
			fields["status"] = resp.StatusCode
		}
		logrus.WithFields(fields).Error("Websocket handshake failed")
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	return NewWebSocketChannel(conn), nil
}

// NewWebSocketChannel wraps an established connection and starts its read loop.
func NewWebSocketChannel(conn *websocket.Conn) *WebSocketChannel {
	ch := &WebSocketChannel{
		conn:     conn,
		registry: NewRegistry(),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
	go ch.readLoop()
	return ch
}

// Emit writes one frame. The write deadline follows ctx.
func (w *WebSocketChannel) Emit(ctx context.Context, event string, payload any) error {
	select {
	case <-w.closed:
		return ErrClosed
	case <-w.done:
		return ErrClosed
	default:
	}

	frame, err := NewFrame(event, payload)
	if err != nil {
		return err
	}
	data, err := frame.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize %s frame: %w", event, err)
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := w.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Emit",
			"event":    event,
			"error":    err.Error(),
		}).Error("Failed to write frame")
		return fmt.Errorf("failed to write %s frame: %w", event, err)
	}
	return nil
}

// Subscribe registers a handler for inbound frames.
func (w *WebSocketChannel) Subscribe(event string, handler Handler) Subscription {
	return w.registry.Subscribe(event, handler)
}

// Registry exposes the handler table.
func (w *WebSocketChannel) Registry() *Registry {
	return w.registry
}

// Done is closed when the read loop exits.
func (w *WebSocketChannel) Done() <-chan struct{} {
	return w.done
}

// Err returns the error that terminated the read loop, if any.
func (w *WebSocketChannel) Err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.readErr
}

// Close sends a close frame and tears down the connection.
func (w *WebSocketChannel) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closed)

		w.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		writeErr := w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		w.writeMu.Unlock()
		if writeErr != nil && !errors.Is(writeErr, websocket.ErrCloseSent) {
			logrus.WithFields(logrus.Fields{
				"function": "Close",
				"error":    writeErr.Error(),
			}).Debug("Failed to send close frame")
		}

		select {
		case <-w.done:
		case <-time.After(closeGracePeriod):
		}
		err = w.conn.Close()
	})
	return err
}

func (w *WebSocketChannel) readLoop() {
	defer close(w.done)

	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			select {
			case <-w.closed:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logrus.WithFields(logrus.Fields{
						"function": "readLoop",
						"error":    err.Error(),
					}).Warn("Websocket read loop terminated")
				}
			}
			w.errMu.Lock()
			w.readErr = err
			w.errMu.Unlock()
			return
		}

		frame, err := ParseFrame(data)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"error":    err.Error(),
			}).Warn("Dropping malformed frame")
			continue
		}
		w.registry.Dispatch(frame.Event, frame.Data)
	}
}
