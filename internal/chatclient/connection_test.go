package chatclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"carechat-go/internal/chattypes"
	"carechat-go/internal/config"

	"github.com/gorilla/websocket"
)

// pushStub is a minimal push endpoint: it upgrades, sends the frames it was
// handed, then holds the connection open until the client goes away.
type pushStub struct {
	upgrader websocket.Upgrader
	mu       sync.Mutex
	frames   [][]byte
	conns    int
}

func (p *pushStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p.mu.Lock()
	p.conns++
	frames := p.frames
	p.mu.Unlock()

	for _, frame := range frames {
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			break
		}
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			conn.Close()
			return
		}
	}
}

func (p *pushStub) connCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testConnConfig() config.ClientConfig {
	return config.ClientConfig{
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
	}
}

func TestConnectionDeliversAggregatedFrames(t *testing.T) {
	eventA, _ := chattypes.NewEvent(chattypes.TypingEventType,
		&chattypes.TypingEvent{SenderID: partnerID, RecipientID: viewerID, IsTyping: true})
	eventB, _ := chattypes.NewEvent(chattypes.ReadEventType,
		&chattypes.ReadEvent{ReaderID: partnerID, PartnerID: viewerID})
	rawA, _ := json.Marshal(eventA)
	rawB, _ := json.Marshal(eventB)

	stub := &pushStub{
		// 两个事件挤进同一帧，用换行分隔，模拟服务端 writePump 的聚合行为。
		frames: [][]byte{append(append(rawA, '\n'), rawB...)},
	}
	server := httptest.NewServer(stub)
	defer server.Close()

	var mu sync.Mutex
	var received []chattypes.EventType
	manager := NewConnectionManager(wsURL(server), testConnConfig(), func(event *chattypes.Event) {
		mu.Lock()
		received = append(received, event.Type)
		mu.Unlock()
	}, nil)

	manager.Connect(context.Background())
	defer manager.Disconnect()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, "aggregated frame was not split into two events")

	mu.Lock()
	defer mu.Unlock()
	if received[0] != chattypes.TypingEventType || received[1] != chattypes.ReadEventType {
		t.Fatalf("events arrived out of order or mangled: %v", received)
	}
}

func TestConnectionReconnects(t *testing.T) {
	stub := &pushStub{}
	server := httptest.NewServer(stub)
	defer server.Close()

	var mu sync.Mutex
	var states []ConnState
	manager := NewConnectionManager(wsURL(server), testConnConfig(), nil, func(state ConnState) {
		mu.Lock()
		states = append(states, state)
		mu.Unlock()
	})

	manager.Connect(context.Background())
	defer manager.Disconnect()

	waitFor(t, time.Second, func() bool { return manager.State() == StateConnected },
		"never reached connected")

	// Kill the server-side connection; the manager must come back on its own.
	server.CloseClientConnections()
	waitFor(t, 2*time.Second, func() bool { return stub.connCount() >= 2 },
		"manager never redialed after the drop")
	waitFor(t, 2*time.Second, func() bool { return manager.State() == StateConnected },
		"manager did not recover to connected")

	mu.Lock()
	defer mu.Unlock()
	sawReconnecting := false
	for _, s := range states {
		if s == StateReconnecting {
			sawReconnecting = true
		}
	}
	if !sawReconnecting {
		t.Errorf("reconnecting state was never signalled: %v", states)
	}
}

func TestConnectionLifecycleIdempotent(t *testing.T) {
	stub := &pushStub{}
	server := httptest.NewServer(stub)
	defer server.Close()

	manager := NewConnectionManager(wsURL(server), testConnConfig(), nil, nil)

	manager.Connect(context.Background())
	manager.Connect(context.Background()) // second call is a no-op
	waitFor(t, time.Second, func() bool { return manager.State() == StateConnected },
		"never connected")
	if stub.connCount() != 1 {
		t.Fatalf("double Connect opened %d connections", stub.connCount())
	}

	manager.Disconnect()
	manager.Disconnect() // also a no-op
	if manager.State() != StateDisconnected {
		t.Fatalf("expected disconnected after teardown, got %s", manager.State())
	}
}
