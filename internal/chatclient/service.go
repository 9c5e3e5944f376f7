package chatclient

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"carechat-go/internal/chattypes"
	"carechat-go/internal/config"
)

// NotificationKind classifies a state-change notification.
type NotificationKind string

const (
	MessageNotification      NotificationKind = "message"      // timeline changed for PartnerID
	TypingNotification       NotificationKind = "typing"       // typing flip for PartnerID
	ReadNotification         NotificationKind = "read"         // read receipts changed for PartnerID
	CreditNotification       NotificationKind = "credit"       // Balance carries the new mirror
	ConnectivityNotification NotificationKind = "connectivity" // ConnState carries the new state
	SendFailedNotification   NotificationKind = "sendFailed"   // a provisional send failed
)

// Notification is pushed to subscribers after every observable state change.
// 观察者只拿到快照数据，绝不会拿到 store 内部的可变引用。
type Notification struct {
	Kind      NotificationKind
	PartnerID string
	Message   *MessageView
	IsTyping  bool
	Balance   int
	ConnState ConnState
	Err       error
}

// Subscriber receives notifications. Called outside the service lock, but on
// whichever goroutine produced the change; keep it fast and re-dispatch to a
// UI loop if needed.
type Subscriber func(Notification)

// Service 是消息核心的对外门面：连接管理、会话存储、乐观发送、
// 加急额度、打字信号和已读回执都经由它串行化。
//
// 所有本地变更在持锁期间原子完成，网络往返永远在锁外进行，
// 这保证任何观察者看到的都是一个完整的变更，而不是半步。
type Service struct {
	cfg     config.ClientConfig
	userID  string
	backend Backend
	conn    *ConnectionManager
	typing  *TypingBroadcaster

	mu     sync.Mutex
	store  *Store
	gate   *CreditGate
	subs   map[uint64]Subscriber
	nextID uint64
	closed bool

	resyncCancel context.CancelFunc
}

// NewService builds a messaging core for one authenticated user.
// initialCredits seeds the local mirror until the first authoritative resync.
func NewService(cfg config.ClientConfig, userID, token string, initialCredits int) *Service {
	backend := NewHTTPBackend(cfg, token)
	return NewServiceWithBackend(cfg, userID, realtimeURL(cfg.RealtimeURL, token), backend, initialCredits)
}

// NewServiceWithBackend wires an explicit Backend and push URL; tests use it
// to substitute fakes.
func NewServiceWithBackend(cfg config.ClientConfig, userID, pushURL string, backend Backend, initialCredits int) *Service {
	s := &Service{
		cfg:     cfg,
		userID:  userID,
		backend: backend,
		store:   NewStore(userID),
		gate:    NewCreditGate(initialCredits),
		subs:    make(map[uint64]Subscriber),
	}
	s.typing = NewTypingBroadcaster(cfg.TypingExpiry, s.onTypingFlip)
	s.conn = NewConnectionManager(pushURL, cfg, s.onEvent, s.onConnState)
	return s
}

// realtimeURL appends the auth token as a query parameter.
func realtimeURL(base, token string) string {
	return fmt.Sprintf("%s?token=%s", base, url.QueryEscape(token))
}

// Connect opens the push channel and starts the periodic credit resync.
// Idempotent.
func (s *Service) Connect(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	alreadyResyncing := s.resyncCancel != nil
	var resyncCtx context.Context
	if !alreadyResyncing {
		resyncCtx, s.resyncCancel = context.WithCancel(context.Background())
	}
	s.mu.Unlock()

	s.conn.Connect(ctx)
	if !alreadyResyncing {
		go s.resyncLoop(resyncCtx)
	}
}

// Close releases the push channel, stops timers and drops all subscribers.
// Idempotent. In-flight sends still resolve and update the store.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.resyncCancel
	s.resyncCancel = nil
	s.subs = make(map[uint64]Subscriber)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.conn.Disconnect()
	s.typing.Close()
}

// ConnState returns the current push-channel state.
func (s *Service) ConnState() ConnState {
	return s.conn.State()
}

// Subscribe registers an observer and returns its unsubscribe function.
func (s *Service) Subscribe(fn Subscriber) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// notify snapshots the subscriber list and delivers outside the lock.
func (s *Service) notify(n Notification) {
	s.mu.Lock()
	subs := make([]Subscriber, 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(n)
	}
}

// onEvent routes one inbound push-channel event. Runs on the connection
// manager's dispatch goroutine.
func (s *Service) onEvent(event *chattypes.Event) {
	switch event.Type {
	case chattypes.MessageEventType:
		msg, err := event.DecodeMessage()
		if err != nil {
			log.Printf("无法解析入站消息事件: %v", err)
			return
		}
		s.mu.Lock()
		changed := s.store.Ingest(msg)
		var view *MessageView
		if changed {
			if e, ok := s.store.byID[msg.ID]; ok {
				view = &MessageView{Message: e.msg, Pending: e.pending, Failed: e.failed}
			}
		}
		s.mu.Unlock()
		if changed {
			s.notify(Notification{Kind: MessageNotification, PartnerID: msg.PartnerOf(s.userID), Message: view})
		}

	case chattypes.TypingEventType:
		typing, err := event.DecodeTyping()
		if err != nil {
			log.Printf("无法解析入站打字事件: %v", err)
			return
		}
		if typing.IsTyping {
			s.typing.Start(typing.SenderID)
		} else {
			s.typing.Stop(typing.SenderID)
		}

	case chattypes.ReadEventType:
		read, err := event.DecodeRead()
		if err != nil {
			log.Printf("无法解析入站已读事件: %v", err)
			return
		}
		// 对端读掉了我发过去的消息。
		s.mu.Lock()
		flipped := s.store.MarkSentRead(read.ReaderID)
		s.mu.Unlock()
		if flipped > 0 {
			s.notify(Notification{Kind: ReadNotification, PartnerID: read.ReaderID})
		}

	default:
		log.Printf("忽略未知的推送事件类型: %s", event.Type)
	}
}

// onConnState propagates connectivity flips and triggers a resync on every
// successful (re)connect, so a gap in the push stream is healed from the
// authoritative balance and history.
func (s *Service) onConnState(state ConnState) {
	s.notify(Notification{Kind: ConnectivityNotification, ConnState: state})
	if state == StateConnected {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout())
			defer cancel()
			if err := s.ResyncCredits(ctx); err != nil {
				log.Printf("重连后的额度同步失败: %v", err)
			}
		}()
	}
}

// onTypingFlip fans a typing state change out to subscribers.
func (s *Service) onTypingFlip(partnerID string, isTyping bool) {
	s.notify(Notification{Kind: TypingNotification, PartnerID: partnerID, IsTyping: isTyping})
}

func (s *Service) requestTimeout() time.Duration {
	if s.cfg.RequestTimeout > 0 {
		return s.cfg.RequestTimeout
	}
	return 10 * time.Second
}

// ConversationMessages returns the ordered, de-duplicated timeline snapshot.
func (s *Service) ConversationMessages(partnerID string) []MessageView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.ConversationMessages(partnerID)
}

// PendingMessages returns the outstanding provisional entries for one partner.
func (s *Service) PendingMessages(partnerID string) []MessageView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.PendingMessages(partnerID)
}

// Partners returns every conversation partner with at least one message.
func (s *Service) Partners() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Partners()
}

// LoadConversation pulls history from the backend into the store, typically
// on first open or after a reconnect gap. Ingest keeps it idempotent.
func (s *Service) LoadConversation(ctx context.Context, partnerID string, limit, offset int) error {
	messages, err := s.backend.GetConversation(ctx, partnerID, limit, offset)
	if err != nil {
		return fmt.Errorf("拉取会话历史失败: %w", err)
	}
	changed := false
	s.mu.Lock()
	for _, msg := range messages {
		if s.store.Ingest(msg) {
			changed = true
		}
	}
	s.mu.Unlock()
	if changed {
		s.notify(Notification{Kind: MessageNotification, PartnerID: partnerID})
	}
	return nil
}

// IsTyping reports whether the partner is currently typing.
func (s *Service) IsTyping(partnerID string) bool {
	return s.typing.IsTyping(partnerID)
}

// TypingPartners returns every partner currently typing.
func (s *Service) TypingPartners() []string {
	return s.typing.TypingPartners()
}

// StartTyping marks the conversation as typing locally and relays the signal
// to the partner. The relay is fire-and-forget: a lost typing signal is
// harmless by design.
func (s *Service) StartTyping(partnerID string) {
	s.typing.Start(partnerID)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout())
		defer cancel()
		if err := s.backend.SendTyping(ctx, partnerID, true); err != nil {
			log.Printf("转发打字信号失败: %v", err)
		}
	}()
}

// StopTyping clears the typing state immediately and relays the stop signal.
func (s *Service) StopTyping(partnerID string) {
	s.typing.Stop(partnerID)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout())
		defer cancel()
		if err := s.backend.SendTyping(ctx, partnerID, false); err != nil {
			log.Printf("转发停止打字信号失败: %v", err)
		}
	}()
}

// CreditBalance returns the local mirror of the urgent-credit balance.
func (s *Service) CreditBalance() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gate.Balance()
}

// CanSendUrgent reports whether an urgent send would be admitted right now.
func (s *Service) CanSendUrgent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gate.CanSendUrgent()
}

// IsLastCredit reports whether the next urgent send spends the final credit,
// so the UI can surface its one-time warning.
func (s *Service) IsLastCredit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gate.IsLastCredit()
}

// ResyncCredits corrects the local mirror against the authoritative backend
// balance (purchases through billing, spends on another device).
func (s *Service) ResyncCredits(ctx context.Context) error {
	balance, err := s.backend.CreditBalance(ctx)
	if err != nil {
		return fmt.Errorf("读取权威额度失败: %w", err)
	}
	s.mu.Lock()
	s.gate.Resync(balance)
	mirror := s.gate.Balance()
	s.mu.Unlock()
	s.notify(Notification{Kind: CreditNotification, Balance: mirror})
	return nil
}

// resyncLoop periodically corrects credit drift until the service closes.
func (s *Service) resyncLoop(ctx context.Context) {
	interval := s.cfg.CreditResyncInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reqCtx, cancel := context.WithTimeout(ctx, s.requestTimeout())
			if err := s.ResyncCredits(reqCtx); err != nil {
				log.Printf("周期性额度同步失败: %v", err)
			}
			cancel()
		}
	}
}
