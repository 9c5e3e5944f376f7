package chatclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"carechat-go/internal/chattypes"
)

func mustEvent(t *testing.T, kind chattypes.EventType, payload interface{}) *chattypes.Event {
	t.Helper()
	event, err := chattypes.NewEvent(kind, payload)
	if err != nil {
		t.Fatalf("构造 %s 事件失败: %v", kind, err)
	}
	return event
}

func TestInboundMessageEvent(t *testing.T) {
	fb := newFakeBackend(0)
	svc := newTestService(fb, 0)
	defer svc.Close()

	var notified []Notification
	var mu sync.Mutex
	svc.Subscribe(func(n Notification) {
		mu.Lock()
		notified = append(notified, n)
		mu.Unlock()
	})

	inbound := confirmedMsg("srv-9", partnerID, viewerID, "来自对端", time.Now())
	svc.onEvent(mustEvent(t, chattypes.MessageEventType, inbound))

	msgs := svc.ConversationMessages(partnerID)
	if len(msgs) != 1 || msgs[0].ID != "srv-9" {
		t.Fatalf("inbound event did not land in the timeline: %+v", msgs)
	}
	if svc.UnreadCount(partnerID) != 1 {
		t.Errorf("expected unread count 1, got %d", svc.UnreadCount(partnerID))
	}

	// Redelivery of the same frame must not produce a second notification.
	svc.onEvent(mustEvent(t, chattypes.MessageEventType, inbound))
	if got := len(svc.ConversationMessages(partnerID)); got != 1 {
		t.Fatalf("duplicate delivery duplicated the message: %d entries", got)
	}
	mu.Lock()
	defer mu.Unlock()
	count := 0
	for _, n := range notified {
		if n.Kind == MessageNotification {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected exactly one message notification, got %d", count)
	}
}

func TestTypingEventDrivesBroadcaster(t *testing.T) {
	fb := newFakeBackend(0)
	svc := newTestService(fb, 0)
	defer svc.Close()

	svc.onEvent(mustEvent(t, chattypes.TypingEventType, &chattypes.TypingEvent{
		SenderID: partnerID, RecipientID: viewerID, IsTyping: true,
	}))
	if !svc.IsTyping(partnerID) {
		t.Fatal("typing start event was not reflected")
	}

	// Without renewal the indicator self-expires (TypingExpiry is 50ms here).
	waitFor(t, time.Second, func() bool { return !svc.IsTyping(partnerID) },
		"typing indicator did not expire on its own")
}

func TestReadEventFlipsSentMessages(t *testing.T) {
	fb := newFakeBackend(0)
	svc := newTestService(fb, 0)
	defer svc.Close()

	if _, err := svc.Send(partnerID, "你好", false); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		msgs := svc.ConversationMessages(partnerID)
		return len(msgs) == 1 && !msgs[0].Pending
	}, "send did not confirm")

	svc.onEvent(mustEvent(t, chattypes.ReadEventType, &chattypes.ReadEvent{
		ReaderID: partnerID, PartnerID: viewerID,
	}))

	msgs := svc.ConversationMessages(partnerID)
	if !msgs[0].IsRead {
		t.Fatal("read receipt did not flip the sent message")
	}
}

func TestMarkConversationReadIdempotent(t *testing.T) {
	now := time.Now()
	fb := newFakeBackend(0)
	fb.history = []*chattypes.Message{
		confirmedMsg("srv-1", partnerID, viewerID, "one", now.Add(-2*time.Minute)),
		confirmedMsg("srv-2", partnerID, viewerID, "two", now.Add(-time.Minute)),
	}
	svc := newTestService(fb, 0)
	defer svc.Close()

	if err := svc.LoadConversation(context.Background(), partnerID, 50, 0); err != nil {
		t.Fatalf("LoadConversation: %v", err)
	}
	if svc.UnreadCount(partnerID) != 2 {
		t.Fatalf("expected 2 unread after load, got %d", svc.UnreadCount(partnerID))
	}

	if flipped := svc.MarkConversationRead(partnerID); flipped != 2 {
		t.Fatalf("expected 2 flipped, got %d", flipped)
	}
	if svc.UnreadCount(partnerID) != 0 {
		t.Errorf("unread count should be 0 after marking, got %d", svc.UnreadCount(partnerID))
	}
	waitFor(t, time.Second, func() bool { return fb.readCallCount() == 1 },
		"backend was not told about the read")

	// Nothing left unread: the repeat is a local no-op and skips the network.
	if flipped := svc.MarkConversationRead(partnerID); flipped != 0 {
		t.Fatalf("repeat mark flipped %d", flipped)
	}
	time.Sleep(50 * time.Millisecond)
	if fb.readCallCount() != 1 {
		t.Errorf("idempotent repeat still hit the backend: %d calls", fb.readCallCount())
	}
}

func TestLoadConversationIdempotent(t *testing.T) {
	now := time.Now()
	fb := newFakeBackend(0)
	fb.history = []*chattypes.Message{
		confirmedMsg("srv-1", partnerID, viewerID, "one", now.Add(-time.Minute)),
		confirmedMsg("srv-2", viewerID, partnerID, "two", now),
	}
	svc := newTestService(fb, 0)
	defer svc.Close()

	for i := 0; i < 3; i++ {
		if err := svc.LoadConversation(context.Background(), partnerID, 50, 0); err != nil {
			t.Fatalf("LoadConversation #%d: %v", i, err)
		}
	}
	if got := len(svc.ConversationMessages(partnerID)); got != 2 {
		t.Fatalf("repeated loads duplicated history: %d entries", got)
	}
}

func TestResyncCreditsFromBackend(t *testing.T) {
	fb := newFakeBackend(5)
	svc := newTestService(fb, 2) // local mirror drifted low
	defer svc.Close()

	if err := svc.ResyncCredits(context.Background()); err != nil {
		t.Fatalf("ResyncCredits: %v", err)
	}
	if svc.CreditBalance() != 5 {
		t.Errorf("expected resynced balance 5, got %d", svc.CreditBalance())
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	fb := newFakeBackend(0)
	svc := newTestService(fb, 0)
	defer svc.Close()

	var mu sync.Mutex
	count := 0
	unsubscribe := svc.Subscribe(func(Notification) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	svc.onEvent(mustEvent(t, chattypes.MessageEventType,
		confirmedMsg("srv-1", partnerID, viewerID, "a", time.Now())))
	unsubscribe()
	svc.onEvent(mustEvent(t, chattypes.MessageEventType,
		confirmedMsg("srv-2", partnerID, viewerID, "b", time.Now())))

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("expected 1 notification before unsubscribe, got %d", count)
	}
}

func TestServiceCloseRejectsSends(t *testing.T) {
	fb := newFakeBackend(1)
	svc := newTestService(fb, 1)
	svc.Close()
	svc.Close() // idempotent

	if _, err := svc.Send(partnerID, "late", false); err != ErrClosed {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
}
