// Package link maintains the persistent bidirectional channel to the
// orchestrator: connect, register, heartbeat, dispatch inbound messages,
// and reconnect with exponential backoff and jitter when the transport
// drops.
package link

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/basket/go-gateway/internal/bus"
	"github.com/basket/go-gateway/internal/protocol"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// State is the connection state machine position.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateRegistered   State = "registered"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	backoffBase              = time.Second
	backoffMax               = 60 * time.Second
)

// ErrNotConnected is returned by Send when no transport is up.
var ErrNotConnected = errors.New("link: not connected")

// Handler receives every inbound message the link does not consume itself
// (registration and ping are handled internally). Calls are serialized in
// arrival order.
type Handler func(msgType string, raw json.RawMessage)

// Options configures a Link.
type Options struct {
	ServerURL    string
	AuthToken    string
	HostID       string
	Capabilities protocol.Capabilities

	// HeartbeatInterval defaults to 30s.
	HeartbeatInterval time.Duration
	// DisableReconnect turns off automatic reconnection.
	DisableReconnect bool

	Handler Handler
	Bus     *bus.Bus // may be nil
	Logger  *slog.Logger
}

// Link owns one channel to the orchestrator.
type Link struct {
	opts   Options
	logger *slog.Logger

	mu               sync.Mutex
	state            State
	conn             *websocket.Conn
	connCancel       context.CancelFunc
	reconnectAttempt int
	reconnectEnabled bool
	reconnectTimer   *time.Timer
	lastError        string

	writeMu sync.Mutex
}

func New(opts Options) *Link {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	return &Link{
		opts:             opts,
		logger:           logger,
		state:            StateDisconnected,
		reconnectEnabled: !opts.DisableReconnect,
	}
}

// SetHandler installs the inbound message handler. Must be called before
// Connect; the link and its consumer reference each other, so one side has
// to be wired late.
func (l *Link) SetHandler(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opts.Handler = h
}

// State returns the current connection state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// ReconnectAttempt returns the current backoff attempt counter.
func (l *Link) ReconnectAttempt() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reconnectAttempt
}

// LastError returns the most recent transport or registration error.
func (l *Link) LastError() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastError
}

func (l *Link) setState(next State, errText string) {
	l.mu.Lock()
	prev := l.state
	l.state = next
	if errText != "" {
		l.lastError = errText
	}
	l.mu.Unlock()
	if prev == next {
		return
	}
	l.logger.Debug("link state", "from", string(prev), "to", string(next))
	if l.opts.Bus != nil {
		l.opts.Bus.Publish(bus.TopicLinkStateChanged, bus.LinkStateChangedEvent{
			Old: string(prev), New: string(next), Err: errText,
		})
	}
}

// Connect dials the orchestrator. Callable only from disconnected; any
// other state fails.
func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateDisconnected {
		state := l.state
		l.mu.Unlock()
		return fmt.Errorf("link: cannot connect from state %q", state)
	}
	l.state = StateConnecting
	l.reconnectEnabled = !l.opts.DisableReconnect
	l.mu.Unlock()
	if l.opts.Bus != nil {
		l.opts.Bus.Publish(bus.TopicLinkStateChanged, bus.LinkStateChangedEvent{
			Old: string(StateDisconnected), New: string(StateConnecting),
		})
	}
	return l.dial(ctx)
}

func (l *Link) dial(ctx context.Context) error {
	header := http.Header{}
	if l.opts.AuthToken != "" {
		header.Set("Authorization", "Bearer "+l.opts.AuthToken)
	}
	conn, _, err := websocket.Dial(ctx, l.opts.ServerURL, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		l.setState(StateDisconnected, err.Error())
		l.logger.Warn("link: dial failed", "url", l.opts.ServerURL, "error", err)
		l.scheduleReconnect()
		return fmt.Errorf("link: dial %s: %w", l.opts.ServerURL, err)
	}
	conn.SetReadLimit(4 * 1024 * 1024)

	loopCtx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	l.conn = conn
	l.connCancel = cancel
	l.mu.Unlock()
	l.setState(StateConnected, "")

	// Registration precedes any other outbound traffic on a fresh channel.
	if err := l.Send(protocol.Register{
		Type:         protocol.TypeRegister,
		HostID:       l.opts.HostID,
		Capabilities: l.opts.Capabilities,
	}); err != nil {
		l.logger.Error("link: register send failed", "error", err)
		l.handleDisconnect(err)
		return err
	}

	go l.readLoop(loopCtx, conn)
	go l.heartbeatLoop(loopCtx)
	return nil
}

// Send writes one JSON message. Concurrent sends serialize on a write lock.
func (l *Link) Send(v any) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}

func (l *Link) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		// Raw reads keep malformed frames from killing the transport: bad
		// JSON is dropped in dispatch, only real I/O errors disconnect.
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				l.logger.Warn("link: read error", "error", err)
				l.handleDisconnect(err)
			}
			return
		}
		l.dispatch(data)
	}
}

// dispatch handles one inbound message. Malformed JSON is dropped with a
// log; unknown types fall through to the handler, which ignores what it
// doesn't know.
func (l *Link) dispatch(raw json.RawMessage) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Type == "" {
		l.logger.Warn("link: dropping malformed message", "error", err)
		return
	}

	switch envelope.Type {
	case protocol.TypeRegistered:
		var msg protocol.Registered
		if err := json.Unmarshal(raw, &msg); err != nil {
			l.logger.Warn("link: dropping malformed registered", "error", err)
			return
		}
		if !msg.OK {
			// Credentials are wrong; retrying the same ones is pointless.
			l.logger.Error("link: registration rejected", "error", msg.Error)
			l.mu.Lock()
			l.reconnectEnabled = false
			l.mu.Unlock()
			l.closeTransport(websocket.StatusPolicyViolation, "registration rejected")
			l.setState(StateDisconnected, "registration rejected: "+msg.Error)
			return
		}
		l.mu.Lock()
		l.reconnectAttempt = 0
		l.mu.Unlock()
		l.setState(StateRegistered, "")
		if l.opts.Bus != nil {
			l.opts.Bus.Publish(bus.TopicLinkRegistered, nil)
		}

	case protocol.TypePing:
		// Answer before the next message is processed.
		if err := l.Send(protocol.Heartbeat{
			Type:      protocol.TypeHeartbeat,
			Timestamp: time.Now().UnixMilli(),
		}); err != nil {
			l.logger.Warn("link: ping reply failed", "error", err)
		}

	default:
		l.mu.Lock()
		handler := l.opts.Handler
		l.mu.Unlock()
		if handler != nil {
			handler(envelope.Type, raw)
		}
	}
}

func (l *Link) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(l.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Send(protocol.Heartbeat{
				Type:      protocol.TypeHeartbeat,
				Timestamp: time.Now().UnixMilli(),
			}); err != nil {
				l.logger.Debug("link: heartbeat send failed", "error", err)
			}
		}
	}
}

// handleDisconnect tears down the current transport and, when enabled,
// schedules a reconnect.
func (l *Link) handleDisconnect(cause error) {
	l.mu.Lock()
	if l.conn == nil {
		l.mu.Unlock()
		return
	}
	conn := l.conn
	cancel := l.connCancel
	l.conn = nil
	l.connCancel = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")

	errText := ""
	if cause != nil {
		errText = cause.Error()
	}
	l.setState(StateDisconnected, errText)
	l.scheduleReconnect()
}

// scheduleReconnect arms the backoff timer using the current attempt
// counter, then increments it.
func (l *Link) scheduleReconnect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.reconnectEnabled || l.reconnectTimer != nil {
		return
	}
	delay := BackoffDelay(l.reconnectAttempt)
	l.reconnectAttempt++
	attempt := l.reconnectAttempt
	l.logger.Info("link: reconnect scheduled", "attempt", attempt, "delay", delay)
	if l.opts.Bus != nil {
		l.opts.Bus.Publish(bus.TopicLinkReconnecting, attempt)
	}
	l.reconnectTimer = time.AfterFunc(delay, func() {
		l.mu.Lock()
		l.reconnectTimer = nil
		enabled := l.reconnectEnabled
		if enabled && l.state == StateDisconnected {
			l.state = StateConnecting
		} else {
			enabled = false
		}
		l.mu.Unlock()
		if !enabled {
			return
		}
		if l.opts.Bus != nil {
			l.opts.Bus.Publish(bus.TopicLinkStateChanged, bus.LinkStateChangedEvent{
				Old: string(StateDisconnected), New: string(StateConnecting),
			})
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := l.dial(ctx); err != nil {
			l.logger.Debug("link: reconnect attempt failed", "error", err)
		}
	})
}

// BackoffDelay computes min(1s·2^attempt, 60s) scaled by uniform jitter in
// [0.75, 1.25].
func BackoffDelay(attempt int) time.Duration {
	base := backoffBase
	for i := 0; i < attempt && base < backoffMax; i++ {
		base *= 2
	}
	if base > backoffMax {
		base = backoffMax
	}
	jitter := 0.75 + 0.5*rand.Float64()
	return time.Duration(float64(base) * jitter)
}

// Disconnect disables reconnection, cancels pending timers, and closes the
// transport. The link can be re-connected later with Connect.
func (l *Link) Disconnect() {
	l.mu.Lock()
	l.reconnectEnabled = false
	if l.reconnectTimer != nil {
		l.reconnectTimer.Stop()
		l.reconnectTimer = nil
	}
	conn := l.conn
	cancel := l.connCancel
	l.conn = nil
	l.connCancel = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "gateway disconnecting")
	}
	l.setState(StateDisconnected, "")
}

func (l *Link) closeTransport(code websocket.StatusCode, reason string) {
	l.mu.Lock()
	conn := l.conn
	cancel := l.connCancel
	l.conn = nil
	l.connCancel = nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(code, reason)
	}
}
