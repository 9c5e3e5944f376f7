package websocket

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"carechat-go/internal/chattypes"
	"carechat-go/internal/config"

	"github.com/gorilla/websocket"
)

// EventHandler processes an inbound event frame from an authenticated client.
// The senderID is the authenticated user, never taken from the frame itself.
type EventHandler func(ctx context.Context, senderID uint, event *chattypes.Event) error

// Client 是一条已认证的推送通道连接。出站方向只走 send 缓冲，
// hub 从不直接写连接；入站帧统一交给 handleEvent。
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// 出站负载缓冲。写满说明消费端卡死，由 hub 负责断开。
	send chan []byte

	// 连接建立时从 JWT 得到的用户 ID。
	UserID uint

	handleEvent EventHandler
}

// readPump pumps frames from the websocket connection to the handleEvent callback.
func (c *Client) readPump(wsCfg config.WebSocketConfig) {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(int64(wsCfg.MaxMessageSizeBytes))
	c.conn.SetReadDeadline(time.Now().Add(time.Duration(wsCfg.PongWaitSeconds) * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(time.Duration(wsCfg.PongWaitSeconds) * time.Second))
		return nil
	})

	for {
		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket 错误 (客户端: %d): %v", c.UserID, err)
			} else {
				log.Printf("WebSocket 读取消息错误 (客户端: %d): %v", c.UserID, err)
			}
			break
		}

		if messageType != websocket.TextMessage {
			log.Printf("警告: 客户端 %d 发送了非文本消息类型: %d", c.UserID, messageType)
			continue
		}

		var event chattypes.Event
		if err := json.Unmarshal(raw, &event); err != nil {
			log.Printf("错误: 无法反序列化来自客户端 %d 的JSON: %v, 原始消息: %s", c.UserID, err, string(raw))
			continue
		}

		if c.handleEvent != nil {
			if err := c.handleEvent(context.Background(), c.UserID, &event); err != nil {
				log.Printf("错误: 处理客户端 %d 的 %s 事件失败: %v", c.UserID, event.Type, err)
			}
		} else {
			log.Printf("警告: Client %d 的 handleEvent 未初始化，事件未处理。", c.UserID)
		}
	}
}

// writePump pumps payloads from the hub to the websocket connection.
func (c *Client) writePump(wsCfg config.WebSocketConfig) {
	ticker := time.NewTicker(time.Duration(wsCfg.PingPeriodSeconds) * time.Second)
	newlineBytes := []byte("\n")
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(time.Duration(wsCfg.WriteWaitSeconds) * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(payload)

			// 把积压的负载并进同一帧，换行分隔。
			// 对端的读循环按换行拆帧。
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write(newlineBytes)
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(time.Duration(wsCfg.WriteWaitSeconds) * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWsPerConnection 完成升级并把连接挂进 hub。userID 必须来自
// 已校验的 JWT，调用方负责在升级前完成认证。
func ServeWsPerConnection(hub *Hub, eventHandler EventHandler, userID uint, w http.ResponseWriter, r *http.Request, wsCfg config.WebSocketConfig) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  int(wsCfg.MaxMessageSizeBytes),
		WriteBufferSize: int(wsCfg.MaxMessageSizeBytes),
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("ServeWsPerConnection - Upgrade失败:", err)
		return
	}
	client := &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, 256),
		UserID:      userID,
		handleEvent: eventHandler,
	}
	client.hub.register <- client

	go client.writePump(wsCfg)
	go client.readPump(wsCfg)

	log.Printf("客户端已连接: UserID %d", userID)
}
