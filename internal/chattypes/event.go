package chattypes

import (
	"encoding/json"
	"fmt"
)

// EventType 定义推送通道上事件帧的类型。
type EventType string

const (
	MessageEventType EventType = "message" // payload: Message
	TypingEventType  EventType = "typing"  // payload: TypingEvent
	ReadEventType    EventType = "read"    // payload: ReadEvent
)

// Event is the wire envelope for all push-channel frames.
type Event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// TypingEvent 是瞬时信号：某个参与者正在 (或停止) 输入。
// 它从不落库，也从不参与消息排序。
type TypingEvent struct {
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`
	IsTyping    bool   `json:"isTyping"`
}

// ReadEvent notifies the sender that the partner has read the conversation up
// to now. ReaderID is the user who marked the conversation read.
type ReadEvent struct {
	ReaderID  string `json:"readerId"`
	PartnerID string `json:"partnerId"`
}

// NewEvent marshals a typed payload into an Event envelope.
func NewEvent(t EventType, payload interface{}) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化 %s 事件失败: %w", t, err)
	}
	return &Event{Type: t, Payload: raw}, nil
}

// DecodeMessage unmarshals the payload of a message event.
func (e *Event) DecodeMessage() (*Message, error) {
	if e.Type != MessageEventType {
		return nil, fmt.Errorf("事件类型不是 message: %s", e.Type)
	}
	var m Message
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return nil, fmt.Errorf("反序列化 message 事件失败: %w", err)
	}
	return &m, nil
}

// DecodeTyping unmarshals the payload of a typing event.
func (e *Event) DecodeTyping() (*TypingEvent, error) {
	if e.Type != TypingEventType {
		return nil, fmt.Errorf("事件类型不是 typing: %s", e.Type)
	}
	var t TypingEvent
	if err := json.Unmarshal(e.Payload, &t); err != nil {
		return nil, fmt.Errorf("反序列化 typing 事件失败: %w", err)
	}
	return &t, nil
}

// DecodeRead unmarshals the payload of a read event.
func (e *Event) DecodeRead() (*ReadEvent, error) {
	if e.Type != ReadEventType {
		return nil, fmt.Errorf("事件类型不是 read: %s", e.Type)
	}
	var r ReadEvent
	if err := json.Unmarshal(e.Payload, &r); err != nil {
		return nil, fmt.Errorf("反序列化 read 事件失败: %w", err)
	}
	return &r, nil
}
