package websocket

import (
	"encoding/json"
	"log"

	"carechat-go/internal/chattypes"
)

// delivery carries a serialized event destined for a single user.
type delivery struct {
	userID  uint
	payload []byte
}

// Hub maintains the set of active clients and routes events to them.
type Hub struct {
	// Registered clients, mapping UserID to Client. Assumes one connection per user ID.
	clients map[uint]*Client

	// Inbound payloads for broadcasting to every connected client.
	broadcast chan []byte

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Events aimed at a specific user.
	direct chan delivery
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan []byte),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[uint]*Client),
		direct:     make(chan delivery, 256),
	}
}

// DeliverEvent serializes an event and hands it to the hub for delivery to one user.
// The send is non-blocking so a full hub never stalls the caller (Kafka consumer or HTTP handler).
func (h *Hub) DeliverEvent(userID uint, event *chattypes.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("错误: 无法序列化事件 (类型 %s) 以发送给 UserID %d: %v", event.Type, userID, err)
		return
	}
	select {
	case h.direct <- delivery{userID: userID, payload: payload}:
	default:
		log.Printf("警告: Hub direct channel is full. Dropping %s event for user %d", event.Type, userID)
	}
}

// deliverTo pushes a payload onto one client's send channel. Only called from
// the hub goroutine.
func (h *Hub) deliverTo(userID uint, payload []byte) {
	client, ok := h.clients[userID]
	if !ok {
		// User is not connected to this hub instance; the message is already
		// persisted, so they pick it up on their next conversation fetch.
		return
	}
	select {
	case client.send <- payload:
	default:
		// If the send buffer is full, we assume the client is slow or disconnected.
		log.Printf("警告: UserID %d 的发送通道已满或关闭，移除客户端。", userID)
		close(client.send)
		delete(h.clients, userID)
	}
}

// Run starts the hub and listens for messages on its channels.
func (h *Hub) Run() {
	log.Println("WebSocket Hub Run loop started.")
	for {
		select {
		case client := <-h.register:
			// One connection per user: a newer connection replaces the older one.
			if existingClient, ok := h.clients[client.UserID]; ok {
				log.Printf("警告: 用户 %d 已有连接，关闭旧连接并注册新连接。", client.UserID)
				close(existingClient.send)
			}
			h.clients[client.UserID] = client
			log.Printf("客户端已注册: UserID %d", client.UserID)

		case client := <-h.unregister:
			// Only remove the client if it is still the one we have stored;
			// a replaced connection must not tear down its successor.
			if storedClient, ok := h.clients[client.UserID]; ok && storedClient == client {
				delete(h.clients, client.UserID)
				close(client.send)
				log.Printf("客户端已注销: UserID %d", client.UserID)
			} else {
				log.Printf("尝试注销一个不匹配或已过期的客户端连接: UserID %d", client.UserID)
			}

		case payload := <-h.broadcast:
			for userID, client := range h.clients {
				select {
				case client.send <- payload:
				default:
					log.Printf("广播时客户端 %d 的发送通道已满或关闭，移除客户端。", userID)
					close(client.send)
					delete(h.clients, userID)
				}
			}

		case d := <-h.direct:
			h.deliverTo(d.userID, d.payload)
		}
	}
}
