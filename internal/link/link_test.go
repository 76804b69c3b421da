package link

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-gateway/internal/protocol"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// fakeOrchestrator accepts gateway connections and scripts the server side
// of the channel.
type fakeOrchestrator struct {
	t        *testing.T
	srv      *httptest.Server
	acceptOK bool // answer register with ok:true

	mu       sync.Mutex
	inbound  []json.RawMessage
	conns    []*websocket.Conn
	connCh   chan *websocket.Conn
	msgCh    chan json.RawMessage
	authSeen string
}

func newFakeOrchestrator(t *testing.T, acceptOK bool) *fakeOrchestrator {
	f := &fakeOrchestrator{
		t:        t,
		acceptOK: acceptOK,
		connCh:   make(chan *websocket.Conn, 8),
		msgCh:    make(chan json.RawMessage, 64),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeOrchestrator) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeOrchestrator) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.authSeen = r.Header.Get("Authorization")
	f.mu.Unlock()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()
	f.connCh <- conn

	ctx := context.Background()
	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			return
		}
		f.mu.Lock()
		f.inbound = append(f.inbound, raw)
		f.mu.Unlock()
		f.msgCh <- raw

		var envelope struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(raw, &envelope)
		if envelope.Type == protocol.TypeRegister {
			resp := protocol.Registered{Type: protocol.TypeRegistered, OK: f.acceptOK}
			if !f.acceptOK {
				resp.Error = "bad token"
			}
			_ = wsjson.Write(ctx, conn, resp)
		}
	}
}

func (f *fakeOrchestrator) waitMsg(t *testing.T, msgType string) json.RawMessage {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case raw := <-f.msgCh:
			var envelope struct {
				Type string `json:"type"`
			}
			_ = json.Unmarshal(raw, &envelope)
			if envelope.Type == msgType {
				return raw
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", msgType)
		}
	}
}

func waitState(t *testing.T, l *Link, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if l.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %q, want %q", l.State(), want)
}

func testCapabilities() protocol.Capabilities {
	return protocol.Capabilities{
		HostName:      "test-host",
		AgentTypes:    []string{"opencode"},
		MaxConcurrent: 2,
		CWD:           "/srv",
	}
}

func TestLink_RegisterHandshake(t *testing.T) {
	orch := newFakeOrchestrator(t, true)
	l := New(Options{
		ServerURL:    orch.url(),
		AuthToken:    "tok-123",
		HostID:       "host-test",
		Capabilities: testCapabilities(),
	})
	defer l.Disconnect()

	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	raw := orch.waitMsg(t, protocol.TypeRegister)
	var reg protocol.Register
	if err := json.Unmarshal(raw, &reg); err != nil {
		t.Fatalf("unmarshal register: %v", err)
	}
	if reg.HostID != "host-test" {
		t.Fatalf("hostId = %q", reg.HostID)
	}
	if reg.Capabilities.MaxConcurrent != 2 || reg.Capabilities.HostName != "test-host" {
		t.Fatalf("capabilities = %+v", reg.Capabilities)
	}

	// Register is the first message on the channel.
	orch.mu.Lock()
	var first struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(orch.inbound[0], &first)
	orch.mu.Unlock()
	if first.Type != protocol.TypeRegister {
		t.Fatalf("first message = %q, want register", first.Type)
	}

	waitState(t, l, StateRegistered)
	if l.ReconnectAttempt() != 0 {
		t.Fatalf("attempt = %d, want 0 after registered", l.ReconnectAttempt())
	}

	orch.mu.Lock()
	auth := orch.authSeen
	orch.mu.Unlock()
	if auth != "Bearer tok-123" {
		t.Fatalf("auth header = %q", auth)
	}
}

func TestLink_ConnectOnlyFromDisconnected(t *testing.T) {
	orch := newFakeOrchestrator(t, true)
	l := New(Options{ServerURL: orch.url(), HostID: "h", Capabilities: testCapabilities()})
	defer l.Disconnect()

	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitState(t, l, StateRegistered)

	if err := l.Connect(context.Background()); err == nil {
		t.Fatal("second connect should fail")
	} else if !strings.Contains(err.Error(), "cannot connect") {
		t.Fatalf("err = %v", err)
	}
}

func TestLink_RegistrationRejectedNoRetry(t *testing.T) {
	orch := newFakeOrchestrator(t, false)
	l := New(Options{ServerURL: orch.url(), HostID: "h", Capabilities: testCapabilities()})
	defer l.Disconnect()

	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitState(t, l, StateDisconnected)

	if !strings.Contains(l.LastError(), "registration rejected") {
		t.Fatalf("lastError = %q", l.LastError())
	}
	// No reconnect may be scheduled for bad credentials.
	time.Sleep(100 * time.Millisecond)
	l.mu.Lock()
	timer := l.reconnectTimer
	l.mu.Unlock()
	if timer != nil {
		t.Fatal("reconnect timer armed after a credential rejection")
	}
}

func TestLink_PingAnsweredWithHeartbeat(t *testing.T) {
	orch := newFakeOrchestrator(t, true)
	l := New(Options{ServerURL: orch.url(), HostID: "h", Capabilities: testCapabilities()})
	defer l.Disconnect()

	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitState(t, l, StateRegistered)

	before := time.Now().UnixMilli()
	conn := <-orch.connCh
	if err := wsjson.Write(context.Background(), conn, map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("server ping: %v", err)
	}

	raw := orch.waitMsg(t, protocol.TypeHeartbeat)
	var hb protocol.Heartbeat
	if err := json.Unmarshal(raw, &hb); err != nil {
		t.Fatalf("unmarshal heartbeat: %v", err)
	}
	if hb.Timestamp < before {
		t.Fatalf("heartbeat timestamp %d earlier than ping send %d", hb.Timestamp, before)
	}
}

func TestLink_PeriodicHeartbeat(t *testing.T) {
	orch := newFakeOrchestrator(t, true)
	l := New(Options{
		ServerURL:         orch.url(),
		HostID:            "h",
		Capabilities:      testCapabilities(),
		HeartbeatInterval: 30 * time.Millisecond,
	})
	defer l.Disconnect()

	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	orch.waitMsg(t, protocol.TypeHeartbeat)
	orch.waitMsg(t, protocol.TypeHeartbeat)
}

func TestLink_HandlerReceivesUnknownAndTaskMessages(t *testing.T) {
	var mu sync.Mutex
	var received []string
	orch := newFakeOrchestrator(t, true)
	l := New(Options{
		ServerURL:    orch.url(),
		HostID:       "h",
		Capabilities: testCapabilities(),
		Handler: func(msgType string, _ json.RawMessage) {
			mu.Lock()
			received = append(received, msgType)
			mu.Unlock()
		},
	})
	defer l.Disconnect()

	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitState(t, l, StateRegistered)

	conn := <-orch.connCh
	ctx := context.Background()
	_ = wsjson.Write(ctx, conn, map[string]any{"type": "task:execute", "task": map[string]any{"taskId": "t1"}})
	// Malformed JSON is logged and dropped without reaching the handler.
	_ = conn.Write(ctx, websocket.MessageText, []byte("{not json"))
	_ = wsjson.Write(ctx, conn, map[string]any{"type": "mystery:type"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 || received[0] != "task:execute" || received[1] != "mystery:type" {
		t.Fatalf("received = %v", received)
	}
}

func TestLink_ReconnectAfterDrop(t *testing.T) {
	orch := newFakeOrchestrator(t, true)
	l := New(Options{ServerURL: orch.url(), HostID: "h", Capabilities: testCapabilities()})
	defer l.Disconnect()

	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitState(t, l, StateRegistered)

	// Kill the server side of the socket.
	conn := <-orch.connCh
	_ = conn.Close(websocket.StatusGoingAway, "server restart")

	waitState(t, l, StateDisconnected)
	attemptDeadline := time.Now().Add(time.Second)
	for time.Now().Before(attemptDeadline) && l.ReconnectAttempt() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if l.ReconnectAttempt() != 1 {
		t.Fatalf("attempt = %d, want 1 after first scheduled retry", l.ReconnectAttempt())
	}

	// First backoff delay is ~1s jittered (at most 1.25s); allow up to 4s
	// for the redial and re-registration.
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) && l.State() != StateRegistered {
		time.Sleep(20 * time.Millisecond)
	}
	if l.State() != StateRegistered {
		t.Fatalf("state = %q, want re-registered", l.State())
	}
	if l.ReconnectAttempt() != 0 {
		t.Fatalf("attempt = %d, want reset to 0", l.ReconnectAttempt())
	}

	// A fresh register was sent on the new channel.
	orch.mu.Lock()
	registers := 0
	for _, raw := range orch.inbound {
		var envelope struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(raw, &envelope)
		if envelope.Type == protocol.TypeRegister {
			registers++
		}
	}
	orch.mu.Unlock()
	if registers != 2 {
		t.Fatalf("registers = %d, want 2", registers)
	}
}

func TestLink_DisconnectCancelsReconnect(t *testing.T) {
	// Dial a dead endpoint: connect fails and schedules a retry.
	l := New(Options{ServerURL: "ws://127.0.0.1:1", HostID: "h", Capabilities: testCapabilities()})
	_ = l.Connect(context.Background())

	if l.ReconnectAttempt() == 0 {
		t.Fatal("failed dial should schedule a reconnect")
	}
	l.Disconnect()
	l.mu.Lock()
	timer := l.reconnectTimer
	l.mu.Unlock()
	if timer != nil {
		t.Fatal("disconnect must cancel the pending reconnect")
	}
	if l.State() != StateDisconnected {
		t.Fatalf("state = %q", l.State())
	}
}

func TestBackoffDelay_Bounds(t *testing.T) {
	for attempt := 0; attempt < 12; attempt++ {
		base := time.Duration(1<<uint(attempt)) * time.Second
		if base > 60*time.Second {
			base = 60 * time.Second
		}
		for i := 0; i < 50; i++ {
			d := BackoffDelay(attempt)
			lo := time.Duration(float64(base) * 0.75)
			hi := time.Duration(float64(base) * 1.25)
			if d < lo || d > hi {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt, d, lo, hi)
			}
		}
	}
}

func TestLink_SendWhenDisconnected(t *testing.T) {
	l := New(Options{ServerURL: "ws://127.0.0.1:1", HostID: "h"})
	if err := l.Send(protocol.Heartbeat{Type: protocol.TypeHeartbeat}); err != ErrNotConnected {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}
