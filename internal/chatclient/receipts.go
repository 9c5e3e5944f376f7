package chatclient

import (
	"context"
	"log"
)

// Read-receipt accounting: unread counts and urgent flags are pure
// derivations over the store, recomputed per call so they can never desync
// from the timeline.

// UnreadCount returns the number of unread messages from the partner.
func (s *Service) UnreadCount(partnerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.UnreadCount(partnerID)
}

// HasUrgentUnread reports whether any unread message from the partner is
// marked urgent.
func (s *Service) HasUrgentUnread(partnerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.HasUrgentUnread(partnerID)
}

// MarkConversationRead flips every unread message from the partner to read,
// locally first and then on the backend. Idempotent: once nothing is unread,
// repeated calls are no-ops and skip the network round trip entirely.
func (s *Service) MarkConversationRead(partnerID string) int {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	flipped := s.store.MarkConversationRead(partnerID)
	s.mu.Unlock()

	if flipped == 0 {
		return 0
	}
	s.notify(Notification{Kind: ReadNotification, PartnerID: partnerID})

	// 后端确认挂在独立上下文上；失败只记录，本地翻转不回退 ——
	// isRead 在读者侧是单调的，下一次打开会话时会重新上报。
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout())
		defer cancel()
		if err := s.backend.MarkConversationRead(ctx, partnerID); err != nil {
			log.Printf("上报会话已读失败 (对端 %s): %v", partnerID, err)
		}
	}()
	return flipped
}
