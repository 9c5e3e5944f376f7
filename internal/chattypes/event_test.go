package chattypes

import (
	"testing"
	"time"
)

func TestPartnerOf(t *testing.T) {
	m := &Message{SenderID: "7", RecipientID: "12"}

	if got := m.PartnerOf("7"); got != "12" {
		t.Errorf("sender 视角的对端应为 12, 实际 %q", got)
	}
	if got := m.PartnerOf("12"); got != "7" {
		t.Errorf("recipient 视角的对端应为 7, 实际 %q", got)
	}
	// A non-participant gets no conversation key.
	if got := m.PartnerOf("99"); got != "" {
		t.Errorf("非参与者应得到空串, 实际 %q", got)
	}
}

func TestEventEnvelope(t *testing.T) {
	msg := &Message{
		ID:          "srv-1",
		ClientRef:   "ref-1",
		SenderID:    "7",
		RecipientID: "12",
		Timestamp:   time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC),
		Text:        "复诊前请空腹",
		IsUrgent:    true,
	}
	event, err := NewEvent(MessageEventType, msg)
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}

	decoded, err := event.DecodeMessage()
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if decoded.ID != msg.ID || decoded.ClientRef != msg.ClientRef || !decoded.IsUrgent {
		t.Errorf("解码后字段丢失: %+v", decoded)
	}
	if !decoded.Timestamp.Equal(msg.Timestamp) {
		t.Errorf("时间戳不一致: %v != %v", decoded.Timestamp, msg.Timestamp)
	}

	// Decoding with the wrong accessor is an error, not a zero value.
	if _, err := event.DecodeTyping(); err == nil {
		t.Error("message 事件不应能按 typing 解码")
	}
	if _, err := event.DecodeRead(); err == nil {
		t.Error("message 事件不应能按 read 解码")
	}
}

func TestHasAttachment(t *testing.T) {
	if (&Message{Text: "plain"}).HasAttachment() {
		t.Error("纯文本消息不应视为带附件")
	}
	if !(&Message{FileURL: "/uploads/scan.pdf"}).HasAttachment() {
		t.Error("带 FileURL 的消息应视为带附件")
	}
	if !(&Message{AudioURL: "/uploads/voice.webm"}).HasAttachment() {
		t.Error("带 AudioURL 的消息应视为带附件")
	}
}
