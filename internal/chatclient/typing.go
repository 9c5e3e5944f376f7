package chatclient

import (
	"sort"
	"sync"
	"time"
)

// TypingBroadcaster 维护会话对端 → 正在输入 的瞬时状态。
// 每个条目带一个到期定时器：窗口内没有续约信号就自动翻转为 false。
// 状态从不落库，断线或重启后按设计丢失。
//
// 定时器在自己的 goroutine 上触发，所以这里持有自己的锁，
// 不依赖 Service 的串行化。
type TypingBroadcaster struct {
	mu       sync.Mutex
	expiry   time.Duration
	timers   map[string]*time.Timer
	typing   map[string]bool
	onChange func(partnerID string, isTyping bool)
	closed   bool
}

// NewTypingBroadcaster creates a broadcaster with the given inactivity window.
// onChange fires on every flip (true→false and false→true), never while the
// internal lock is held.
func NewTypingBroadcaster(expiry time.Duration, onChange func(partnerID string, isTyping bool)) *TypingBroadcaster {
	if expiry <= 0 {
		expiry = 4 * time.Second
	}
	return &TypingBroadcaster{
		expiry:   expiry,
		timers:   make(map[string]*time.Timer),
		typing:   make(map[string]bool),
		onChange: onChange,
	}
}

// Start marks the partner as typing and (re)starts the inactivity timer.
// Repeated calls renew the window.
func (t *TypingBroadcaster) Start(partnerID string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	flipped := !t.typing[partnerID]
	t.typing[partnerID] = true
	if timer, ok := t.timers[partnerID]; ok {
		timer.Stop()
	}
	t.timers[partnerID] = time.AfterFunc(t.expiry, func() {
		t.expire(partnerID)
	})
	t.mu.Unlock()

	if flipped && t.onChange != nil {
		t.onChange(partnerID, true)
	}
}

// Stop marks the partner as not typing immediately and cancels the timer.
func (t *TypingBroadcaster) Stop(partnerID string) {
	t.mu.Lock()
	flipped := t.typing[partnerID]
	delete(t.typing, partnerID)
	if timer, ok := t.timers[partnerID]; ok {
		timer.Stop()
		delete(t.timers, partnerID)
	}
	t.mu.Unlock()

	if flipped && t.onChange != nil {
		t.onChange(partnerID, false)
	}
}

// expire is the timer callback: flip to false without an explicit Stop call.
func (t *TypingBroadcaster) expire(partnerID string) {
	t.mu.Lock()
	if t.closed || !t.typing[partnerID] {
		t.mu.Unlock()
		return
	}
	delete(t.typing, partnerID)
	delete(t.timers, partnerID)
	t.mu.Unlock()

	if t.onChange != nil {
		t.onChange(partnerID, false)
	}
}

// IsTyping reports whether the partner is currently typing.
func (t *TypingBroadcaster) IsTyping(partnerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing[partnerID]
}

// TypingPartners returns every partner currently marked as typing.
func (t *TypingBroadcaster) TypingPartners() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	partners := make([]string, 0, len(t.typing))
	for partnerID := range t.typing {
		partners = append(partners, partnerID)
	}
	sort.Strings(partners)
	return partners
}

// Close stops every timer. Further Start calls are ignored.
func (t *TypingBroadcaster) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for partnerID, timer := range t.timers {
		timer.Stop()
		delete(t.timers, partnerID)
	}
	for partnerID := range t.typing {
		delete(t.typing, partnerID)
	}
}
