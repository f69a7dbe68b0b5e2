package socket

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is the low-level message socket the multiplexer rides on.
// Implementations reconnect automatically; the multiplexer only learns about
// connectivity through the callbacks and may force a reconnect.
type Transport interface {
	// Send marshals v to JSON and writes it to the current connection.
	Send(v any) error
	// OnMessage registers the inbound payload callback. Must be called before
	// the first connection delivers messages.
	OnMessage(cb func(payload []byte))
	// OnConnect fires after every successful (re)connection.
	OnConnect(cb func())
	// OnDisconnect fires after every connection loss.
	OnDisconnect(cb func())
	// IsConnected reports whether a connection is currently established.
	IsConnected() bool
	// Reconnect drops the current connection; the reconnect loop takes over.
	Reconnect()
	// Close shuts the transport down for good.
	Close() error
}

// TransportConfig configures the websocket transport behavior.
type TransportConfig struct {
	// ReconnectDelay is the initial delay before a reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay is the maximum delay between reconnect attempts.
	MaxReconnectDelay time.Duration
	// WriteTimeout is the timeout for writing messages.
	WriteTimeout time.Duration
	// HandshakeTimeout is the timeout for the websocket handshake.
	HandshakeTimeout time.Duration
}

// DefaultTransportConfig returns the default transport configuration.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		WriteTimeout:      10 * time.Second,
		HandshakeTimeout:  10 * time.Second,
	}
}

// wsTransport implements Transport using gorilla/websocket.
type wsTransport struct {
	endpoint string
	config   TransportConfig

	conn   *websocket.Conn
	connMu sync.Mutex
	closed atomic.Bool

	onMessage    func([]byte)
	onConnect    func()
	onDisconnect func()
	cbMu         sync.Mutex

	done chan struct{}
	wg   sync.WaitGroup
}

// NewTransport creates a websocket transport and starts its connect loop.
// The first connection is established in the background; use OnConnect to
// learn when it is up.
func NewTransport(endpoint string, config *TransportConfig) Transport {
	cfg := DefaultTransportConfig()
	if config != nil {
		cfg = *config
	}

	t := &wsTransport{
		endpoint: endpoint,
		config:   cfg,
		done:     make(chan struct{}),
	}

	t.wg.Add(1)
	go t.runLoop()

	return t
}

func (t *wsTransport) Send(v any) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.conn == nil {
		return fmt.Errorf("not connected")
	}

	t.conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
	if err := t.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (t *wsTransport) OnMessage(cb func([]byte)) {
	t.cbMu.Lock()
	t.onMessage = cb
	t.cbMu.Unlock()
}

func (t *wsTransport) OnConnect(cb func()) {
	t.cbMu.Lock()
	t.onConnect = cb
	t.cbMu.Unlock()
}

func (t *wsTransport) OnDisconnect(cb func()) {
	t.cbMu.Lock()
	t.onDisconnect = cb
	t.cbMu.Unlock()
}

func (t *wsTransport) IsConnected() bool {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return t.conn != nil
}

func (t *wsTransport) Reconnect() {
	t.connMu.Lock()
	if t.conn != nil {
		// The read loop observes the error and runs the reconnect cycle.
		t.conn.Close()
	}
	t.connMu.Unlock()
}

func (t *wsTransport) Close() error {
	if t.closed.Swap(true) {
		return nil // already closed
	}

	close(t.done)

	t.connMu.Lock()
	if t.conn != nil {
		t.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.conn.Close()
	}
	t.connMu.Unlock()

	t.wg.Wait()
	return nil
}

// runLoop keeps one connection alive: dial, read until failure, back off,
// redial. Exponential backoff resets after a successful connection.
func (t *wsTransport) runLoop() {
	defer t.wg.Done()

	delay := t.config.ReconnectDelay

	for !t.closed.Load() {
		if err := t.connect(); err != nil {
			log.Printf("[socket] dial %s: %v", t.endpoint, err)

			select {
			case <-t.done:
				return
			case <-time.After(delay):
			}

			delay *= 2
			if delay > t.config.MaxReconnectDelay {
				delay = t.config.MaxReconnectDelay
			}
			continue
		}

		delay = t.config.ReconnectDelay
		t.runCallback(t.callbacks().connect)
		t.readUntilFailure()

		t.connMu.Lock()
		if t.conn != nil {
			t.conn.Close()
			t.conn = nil
		}
		t.connMu.Unlock()

		if t.closed.Load() {
			return
		}
		t.runCallback(t.callbacks().disconnect)
	}
}

func (t *wsTransport) connect() error {
	dialer := websocket.Dialer{
		HandshakeTimeout: t.config.HandshakeTimeout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.config.HandshakeTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(ctx, t.endpoint, nil)
	if err != nil {
		return err
	}

	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()
	return nil
}

func (t *wsTransport) readUntilFailure() {
	for {
		t.connMu.Lock()
		conn := t.conn
		t.connMu.Unlock()
		if conn == nil {
			return
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}

		if cb := t.callbacks().message; cb != nil {
			cb(payload)
		}
	}
}

type transportCallbacks struct {
	message    func([]byte)
	connect    func()
	disconnect func()
}

func (t *wsTransport) callbacks() transportCallbacks {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	return transportCallbacks{t.onMessage, t.onConnect, t.onDisconnect}
}

func (t *wsTransport) runCallback(cb func()) {
	if cb != nil {
		cb()
	}
}
