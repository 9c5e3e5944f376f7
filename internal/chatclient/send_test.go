package chatclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"carechat-go/internal/chattypes"
	"carechat-go/internal/config"
)

// fakeBackend is an in-memory Backend for exercising the messaging core
// without a server.
type fakeBackend struct {
	mu          sync.Mutex
	sendFn      func(req *chattypes.SendRequest) (*chattypes.Message, error)
	balance     int
	history     []*chattypes.Message
	readCalls   []string
	typingCalls []string
	nextID      int
}

func newFakeBackend(balance int) *fakeBackend {
	fb := &fakeBackend{balance: balance}
	fb.sendFn = fb.confirm
	return fb
}

// confirm is the default happy path: assign a server ID, echo the clientRef.
func (fb *fakeBackend) confirm(req *chattypes.SendRequest) (*chattypes.Message, error) {
	fb.nextID++
	return &chattypes.Message{
		ID:          fmt.Sprintf("srv-%d", fb.nextID),
		ClientRef:   req.ClientRef,
		SenderID:    viewerID,
		RecipientID: req.RecipientID,
		Timestamp:   req.SentAt,
		Text:        req.Text,
		IsUrgent:    req.IsUrgent,
	}, nil
}

func (fb *fakeBackend) SendMessage(ctx context.Context, req *chattypes.SendRequest) (*chattypes.Message, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.sendFn(req)
}

func (fb *fakeBackend) GetConversation(ctx context.Context, partnerID string, limit, offset int) ([]*chattypes.Message, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.history, nil
}

func (fb *fakeBackend) MarkConversationRead(ctx context.Context, partnerID string) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.readCalls = append(fb.readCalls, partnerID)
	return nil
}

func (fb *fakeBackend) CreditBalance(ctx context.Context) (int, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.balance, nil
}

func (fb *fakeBackend) SendTyping(ctx context.Context, partnerID string, isTyping bool) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.typingCalls = append(fb.typingCalls, fmt.Sprintf("%s:%t", partnerID, isTyping))
	return nil
}

func (fb *fakeBackend) readCallCount() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.readCalls)
}

func newTestService(fb *fakeBackend, credits int) *Service {
	cfg := config.ClientConfig{
		RequestTimeout:     time.Second,
		TypingExpiry:       50 * time.Millisecond,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
	}
	return NewServiceWithBackend(cfg, viewerID, "ws://unused", fb, credits)
}

func TestOptimisticSendConfirms(t *testing.T) {
	fb := newFakeBackend(3)
	svc := newTestService(fb, 3)
	defer svc.Close()

	view, err := svc.Send(partnerID, "Hello", false)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !view.Pending || view.ClientRef == "" {
		t.Fatalf("expected a pending provisional with a clientRef, got %+v", view)
	}

	// The provisional is visible immediately, before the round trip resolves.
	got := svc.ConversationMessages(partnerID)
	if len(got) != 1 || !got[0].Pending {
		t.Fatalf("expected one pending entry right after Send, got %+v", got)
	}

	waitFor(t, time.Second, func() bool {
		msgs := svc.ConversationMessages(partnerID)
		return len(msgs) == 1 && !msgs[0].Pending && msgs[0].ID == "srv-1"
	}, "provisional was not reconciled to the confirmed entry")

	// Plain send leaves credits untouched.
	if svc.CreditBalance() != 3 {
		t.Errorf("non-urgent send changed the balance: %d", svc.CreditBalance())
	}
}

func TestUrgentSendSpendsCredit(t *testing.T) {
	fb := newFakeBackend(1)
	svc := newTestService(fb, 1)
	defer svc.Close()

	if !svc.IsLastCredit() {
		t.Error("expected isLastCredit before spending the final credit")
	}

	if _, err := svc.Send(partnerID, "urgent", true); err != nil {
		t.Fatalf("Send: %v", err)
	}
	// Optimistically zero before confirmation, stays zero on success.
	if svc.CreditBalance() != 0 {
		t.Fatalf("expected optimistic balance 0, got %d", svc.CreditBalance())
	}

	waitFor(t, time.Second, func() bool {
		msgs := svc.ConversationMessages(partnerID)
		return len(msgs) == 1 && !msgs[0].Pending
	}, "urgent send did not confirm")
	if svc.CreditBalance() != 0 {
		t.Errorf("expected balance 0 after commit, got %d", svc.CreditBalance())
	}
}

func TestUrgentSendRejectedRollsBack(t *testing.T) {
	fb := newFakeBackend(1)
	fb.sendFn = func(req *chattypes.SendRequest) (*chattypes.Message, error) {
		return nil, ErrCreditExhausted // server-side rejection
	}
	svc := newTestService(fb, 1)
	defer svc.Close()

	var failures []error
	var mu sync.Mutex
	unsubscribe := svc.Subscribe(func(n Notification) {
		if n.Kind == SendFailedNotification {
			mu.Lock()
			failures = append(failures, n.Err)
			mu.Unlock()
		}
	})
	defer unsubscribe()

	if _, err := svc.Send(partnerID, "urgent", true); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if svc.CreditBalance() != 0 {
		t.Fatalf("expected optimistic 0, got %d", svc.CreditBalance())
	}

	// On rejection the reservation rolls back and the entry is flagged.
	waitFor(t, time.Second, func() bool { return svc.CreditBalance() == 1 },
		"credit was not restored after the rejection")

	msgs := svc.ConversationMessages(partnerID)
	if len(msgs) != 1 || !msgs[0].Failed || msgs[0].Pending {
		t.Fatalf("expected one failed entry, got %+v", msgs)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(failures) != 1 || !errors.Is(failures[0], ErrSendFailed) {
		t.Fatalf("expected one ErrSendFailed notification, got %v", failures)
	}
}

func TestUrgentSendFailsFastAtZero(t *testing.T) {
	called := false
	fb := newFakeBackend(0)
	fb.sendFn = func(req *chattypes.SendRequest) (*chattypes.Message, error) {
		called = true
		return fb.confirm(req)
	}
	svc := newTestService(fb, 0)
	defer svc.Close()

	_, err := svc.Send(partnerID, "urgent", true)
	if !errors.Is(err, ErrCreditExhausted) {
		t.Fatalf("expected ErrCreditExhausted, got %v", err)
	}
	if called {
		t.Error("exhausted urgent send must not reach the network")
	}
	if got := len(svc.ConversationMessages(partnerID)); got != 0 {
		t.Errorf("exhausted urgent send must not touch the store, got %d entries", got)
	}
}

func TestSendAttachmentRequiresURL(t *testing.T) {
	fb := newFakeBackend(0)
	svc := newTestService(fb, 0)
	defer svc.Close()

	if _, err := svc.SendAttachment(partnerID, &chattypes.AttachmentRef{FileName: "scan.pdf"}, "", false); err == nil {
		t.Fatal("attachment without a URL must be rejected before entering the timeline")
	}

	att := &chattypes.AttachmentRef{
		FileURL:  "/uploads/scan.pdf",
		FileName: "scan.pdf",
		FileType: chattypes.PDFFileType,
		FileSize: 1024,
	}
	view, err := svc.SendAttachment(partnerID, att, "", false)
	if err != nil {
		t.Fatalf("SendAttachment: %v", err)
	}
	if view.FileURL != "/uploads/scan.pdf" {
		t.Errorf("provisional lost the attachment URL: %+v", view)
	}
}

func TestAbandonFailedSend(t *testing.T) {
	fb := newFakeBackend(0)
	fb.sendFn = func(req *chattypes.SendRequest) (*chattypes.Message, error) {
		return nil, errors.New("boom")
	}
	svc := newTestService(fb, 0)
	defer svc.Close()

	view, err := svc.Send(partnerID, "hello", false)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		msgs := svc.ConversationMessages(partnerID)
		return len(msgs) == 1 && msgs[0].Failed
	}, "send was not flagged failed")

	if !svc.AbandonFailedSend(view.ClientRef) {
		t.Fatal("AbandonFailedSend should remove the failed entry")
	}
	if got := len(svc.ConversationMessages(partnerID)); got != 0 {
		t.Errorf("expected empty timeline, got %d", got)
	}
}

func TestQueuedSendsConfirmInOrder(t *testing.T) {
	// Two sends issued while "offline" (the fake backend blocks) must both
	// resolve exactly once each, in the order sent.
	release := make(chan struct{})
	fb := newFakeBackend(0)
	inner := fb.confirm
	fb.sendFn = func(req *chattypes.SendRequest) (*chattypes.Message, error) {
		<-release
		return inner(req)
	}
	svc := newTestService(fb, 0)
	defer svc.Close()

	if _, err := svc.Send(partnerID, "first", false); err != nil {
		t.Fatalf("Send first: %v", err)
	}
	time.Sleep(time.Millisecond) // distinct provisional timestamps
	if _, err := svc.Send(partnerID, "second", false); err != nil {
		t.Fatalf("Send second: %v", err)
	}

	pending := svc.PendingMessages(partnerID)
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending entries while blocked, got %d", len(pending))
	}
	close(release)

	waitFor(t, 2*time.Second, func() bool {
		msgs := svc.ConversationMessages(partnerID)
		return len(msgs) == 2 && !msgs[0].Pending && !msgs[1].Pending
	}, "queued sends did not both confirm")

	msgs := svc.ConversationMessages(partnerID)
	if msgs[0].Text != "first" || msgs[1].Text != "second" {
		t.Fatalf("order lost across confirmation: %q then %q", msgs[0].Text, msgs[1].Text)
	}
}
