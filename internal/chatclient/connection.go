package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"carechat-go/internal/chattypes"
	"carechat-go/internal/config"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// ConnState represents the push-channel connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// EventHandler receives every parsed inbound event. It runs on a dedicated
// dispatch goroutine so the read loop is never blocked by a slow consumer.
type EventHandler func(event *chattypes.Event)

// StateHandler observes connectivity flips.
type StateHandler func(state ConnState)

// ConnectionManager 为当前用户维护唯一的一条推送通道订阅。
// 传输层错误触发带退避的自动重连；连不上时只降级连接状态信号，
// 从不把错误抛给发送方 —— 乐观发送在断线时依旧本地生效。
type ConnectionManager struct {
	url     string
	cfg     config.ClientConfig
	handler EventHandler
	onState StateHandler

	mu      sync.Mutex
	state   ConnState
	conn    *websocket.Conn
	cancel  context.CancelFunc
	running bool
	events  chan *chattypes.Event
	done    chan struct{}
}

// NewConnectionManager creates a manager for the given websocket URL. The URL
// carries the auth token as a query parameter, matching the push server.
func NewConnectionManager(url string, cfg config.ClientConfig, handler EventHandler, onState StateHandler) *ConnectionManager {
	return &ConnectionManager{
		url:     url,
		cfg:     cfg,
		handler: handler,
		onState: onState,
		state:   StateDisconnected,
	}
}

// State returns the current connection state.
func (c *ConnectionManager) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *ConnectionManager) setState(state ConnState) {
	c.mu.Lock()
	changed := c.state != state
	c.state = state
	c.mu.Unlock()
	if changed && c.onState != nil {
		c.onState(state)
	}
}

// Connect starts the subscription. Idempotent: calling while already running
// is a no-op. The manager keeps reconnecting until Disconnect is called or
// the parent context ends.
func (c *ConnectionManager) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.events = make(chan *chattypes.Event, 256)
	c.done = make(chan struct{})
	events := c.events
	done := c.done
	c.mu.Unlock()

	go c.dispatch(events, done)
	go c.run(runCtx, events)
}

// dispatch drains parsed events onto the handler, one at a time.
func (c *ConnectionManager) dispatch(events <-chan *chattypes.Event, done chan struct{}) {
	defer close(done)
	for event := range events {
		if c.handler != nil {
			c.handler(event)
		}
	}
}

// run owns the dial/read/reconnect cycle until the context ends.
func (c *ConnectionManager) run(ctx context.Context, events chan<- *chattypes.Event) {
	defer close(events)
	defer c.setState(StateDisconnected)

	bo := backoff.NewExponentialBackOff()
	if c.cfg.ReconnectBaseDelay > 0 {
		bo.InitialInterval = c.cfg.ReconnectBaseDelay
	}
	if c.cfg.ReconnectMaxDelay > 0 {
		bo.MaxInterval = c.cfg.ReconnectMaxDelay
	}
	bo.MaxElapsedTime = 0 // 无限重试，通道断开不是终态
	bo.Reset()

	first := true
	for {
		if ctx.Err() != nil {
			return
		}
		if first {
			c.setState(StateConnecting)
		} else {
			c.setState(StateReconnecting)
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			log.Printf("推送通道连接失败，%s 后重试: %v", wait, err)
			first = false
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setState(StateConnected)
		bo.Reset()
		first = false

		c.readLoop(ctx, conn, events)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		// 读循环因传输错误退出，换一条新通道重来。
	}
}

// readLoop reads frames until the connection errors. The push server packs
// queued payloads into one frame separated by newlines, so each frame may
// carry several events.
func (c *ConnectionManager) readLoop(ctx context.Context, conn *websocket.Conn, events chan<- *chattypes.Event) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("推送通道读取错误: %v", err)
			}
			return
		}
		for _, raw := range bytes.Split(frame, []byte("\n")) {
			if len(bytes.TrimSpace(raw)) == 0 {
				continue
			}
			var event chattypes.Event
			if err := json.Unmarshal(raw, &event); err != nil {
				log.Printf("无法解析推送事件帧: %v, 原始内容: %s", err, string(raw))
				continue
			}
			select {
			case events <- &event:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Disconnect releases the subscription. Idempotent: safe to call on logout
// and again on teardown. Blocks until the dispatch goroutine drained.
func (c *ConnectionManager) Disconnect() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	conn := c.conn
	done := c.done
	c.cancel = nil
	c.conn = nil
	c.mu.Unlock()

	cancel()
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}
}
