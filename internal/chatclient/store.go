package chatclient

import (
	"sort"

	"carechat-go/internal/chattypes"
)

// MessageView is a timeline entry handed to observers: the wire message plus
// the local-only delivery state. Pending and Failed never travel over the wire.
type MessageView struct {
	chattypes.Message
	Pending bool `json:"pending,omitempty"`
	Failed  bool `json:"failed,omitempty"`
}

// entry is one timeline slot. seq is the local insertion-sequence number used
// to break timestamp ties deterministically, regardless of arrival order.
type entry struct {
	msg     chattypes.Message
	seq     uint64
	pending bool
	failed  bool
}

// Store 是当前用户可见消息的唯一事实来源，按会话对端分桶。
// Store 本身不做并发保护，所有访问都经由 Service 的单一写者串行化。
type Store struct {
	viewerID  string
	seq       uint64
	timelines map[string][]*entry
	byID      map[string]*entry // 已确认的服务端ID → 条目
	byRef     map[string]*entry // 未决的 clientRef → 临时条目
}

// NewStore creates an empty store for the given viewer.
func NewStore(viewerID string) *Store {
	return &Store{
		viewerID:  viewerID,
		timelines: make(map[string][]*entry),
		byID:      make(map[string]*entry),
		byRef:     make(map[string]*entry),
	}
}

// less orders two entries by (timestamp, insertion-sequence).
func less(a, b *entry) bool {
	if !a.msg.Timestamp.Equal(b.msg.Timestamp) {
		return a.msg.Timestamp.Before(b.msg.Timestamp)
	}
	return a.seq < b.seq
}

// insertSorted places e into the partner's timeline at its sort position.
func (s *Store) insertSorted(partnerID string, e *entry) {
	timeline := s.timelines[partnerID]
	idx := sort.Search(len(timeline), func(i int) bool {
		return less(e, timeline[i])
	})
	timeline = append(timeline, nil)
	copy(timeline[idx+1:], timeline[idx:])
	timeline[idx] = e
	s.timelines[partnerID] = timeline
}

// resort restores the (timestamp, seq) order after an in-place mutation.
// Reconciliation may rewrite an entry's timestamp to the server-assigned one.
func (s *Store) resort(partnerID string) {
	timeline := s.timelines[partnerID]
	sort.SliceStable(timeline, func(i, j int) bool {
		return less(timeline[i], timeline[j])
	})
}

// Ingest inserts or updates a confirmed message. Returns true when the store
// state changed.
//
// Three paths, checked in order:
//  1. the confirmed ID is already present → merge (isRead flip only), no
//     duplicate entry; a second delivery of the same message is a no-op;
//  2. the clientRef matches an outstanding provisional entry → reconcile:
//     promote that entry to the authoritative copy, keeping its insertion
//     sequence so position is preserved among equal timestamps;
//  3. otherwise → append as a new entry at its sort position. A confirmation
//     arriving before the local send resolves lands here too; the later
//     provisional will be reconciled through the byID check in IngestProvisional.
func (s *Store) Ingest(msg *chattypes.Message) bool {
	partnerID := msg.PartnerOf(s.viewerID)
	if partnerID == "" || msg.ID == "" {
		return false
	}

	if existing, ok := s.byID[msg.ID]; ok {
		changed := false
		// isRead 单调：只允许 false→true，不回退。
		if msg.IsRead && !existing.msg.IsRead {
			existing.msg.IsRead = true
			changed = true
		}
		if existing.pending || existing.failed {
			existing.pending = false
			existing.failed = false
			changed = true
		}
		return changed
	}

	if msg.ClientRef != "" {
		if provisional, ok := s.byRef[msg.ClientRef]; ok {
			seq := provisional.seq
			wasRead := provisional.msg.IsRead
			provisional.msg = *msg
			provisional.seq = seq
			provisional.pending = false
			provisional.failed = false
			if wasRead {
				provisional.msg.IsRead = true
			}
			delete(s.byRef, msg.ClientRef)
			s.byID[msg.ID] = provisional
			s.resort(partnerID)
			return true
		}
	}

	s.seq++
	e := &entry{msg: *msg, seq: s.seq}
	s.byID[msg.ID] = e
	if msg.ClientRef != "" {
		// 记下已确认的 clientRef，迟到的本地确认据此去重。
		s.byRef[msg.ClientRef] = e
	}
	s.insertSorted(partnerID, e)
	return true
}

// IngestProvisional inserts a locally created pending message. The message
// must carry a ClientRef; the temporary ID is only used until reconciliation.
// Idempotent per ClientRef.
func (s *Store) IngestProvisional(msg *chattypes.Message) bool {
	partnerID := msg.PartnerOf(s.viewerID)
	if partnerID == "" || msg.ClientRef == "" {
		return false
	}
	if _, ok := s.byRef[msg.ClientRef]; ok {
		return false
	}

	s.seq++
	e := &entry{msg: *msg, seq: s.seq, pending: true}
	s.byRef[msg.ClientRef] = e
	if msg.ID != "" {
		s.byID[msg.ID] = e
	}
	s.insertSorted(partnerID, e)
	return true
}

// Reconcile resolves an outstanding provisional entry against the confirmed
// message returned from the send round trip. When the confirmation already
// arrived over the push channel the provisional was reconciled there; this
// call then degrades to a plain Ingest merge.
func (s *Store) Reconcile(clientRef string, confirmed *chattypes.Message) bool {
	if confirmed.ClientRef == "" {
		confirmed.ClientRef = clientRef
	}
	return s.Ingest(confirmed)
}

// MarkFailed flags a provisional entry after a failed send. The entry stays in
// the timeline for a retry affordance but is no longer pending.
func (s *Store) MarkFailed(clientRef string) bool {
	e, ok := s.byRef[clientRef]
	if !ok || !e.pending {
		return false
	}
	e.pending = false
	e.failed = true
	return true
}

// RemoveProvisional drops a provisional entry entirely (retry abandoned).
func (s *Store) RemoveProvisional(clientRef string) bool {
	e, ok := s.byRef[clientRef]
	if !ok {
		return false
	}
	partnerID := e.msg.PartnerOf(s.viewerID)
	timeline := s.timelines[partnerID]
	for i, candidate := range timeline {
		if candidate == e {
			s.timelines[partnerID] = append(timeline[:i], timeline[i+1:]...)
			break
		}
	}
	delete(s.byRef, clientRef)
	if e.msg.ID != "" {
		delete(s.byID, e.msg.ID)
	}
	return true
}

// ConversationMessages returns the ordered, de-duplicated timeline for one
// partner. The result is a copy: stable across repeated calls and safe to
// hand to observers.
func (s *Store) ConversationMessages(partnerID string) []MessageView {
	timeline := s.timelines[partnerID]
	views := make([]MessageView, 0, len(timeline))
	for _, e := range timeline {
		views = append(views, MessageView{Message: e.msg, Pending: e.pending, Failed: e.failed})
	}
	return views
}

// PendingMessages returns the provisional entries for one partner, in order.
func (s *Store) PendingMessages(partnerID string) []MessageView {
	var views []MessageView
	for _, e := range s.timelines[partnerID] {
		if e.pending {
			views = append(views, MessageView{Message: e.msg, Pending: true})
		}
	}
	return views
}

// Partners returns every partner with at least one message.
func (s *Store) Partners() []string {
	partners := make([]string, 0, len(s.timelines))
	for partnerID, timeline := range s.timelines {
		if len(timeline) > 0 {
			partners = append(partners, partnerID)
		}
	}
	sort.Strings(partners)
	return partners
}

// MarkConversationRead flips isRead on every unread message sent to the
// viewer by the partner. Idempotent; returns how many entries flipped.
func (s *Store) MarkConversationRead(partnerID string) int {
	flipped := 0
	for _, e := range s.timelines[partnerID] {
		if e.msg.SenderID == partnerID && e.msg.RecipientID == s.viewerID && !e.msg.IsRead {
			e.msg.IsRead = true
			flipped++
		}
	}
	return flipped
}

// MarkSentRead flips isRead on every message the viewer sent to the partner,
// driven by an inbound read receipt. Idempotent; returns how many flipped.
func (s *Store) MarkSentRead(partnerID string) int {
	flipped := 0
	for _, e := range s.timelines[partnerID] {
		if e.msg.SenderID == s.viewerID && e.msg.RecipientID == partnerID && !e.msg.IsRead {
			e.msg.IsRead = true
			flipped++
		}
	}
	return flipped
}

// UnreadCount counts unread messages from the partner to the viewer.
func (s *Store) UnreadCount(partnerID string) int {
	count := 0
	for _, e := range s.timelines[partnerID] {
		if e.msg.SenderID == partnerID && e.msg.RecipientID == s.viewerID && !e.msg.IsRead {
			count++
		}
	}
	return count
}

// HasUrgentUnread reports whether any unread message from the partner is urgent.
func (s *Store) HasUrgentUnread(partnerID string) bool {
	for _, e := range s.timelines[partnerID] {
		if e.msg.SenderID == partnerID && e.msg.RecipientID == s.viewerID && !e.msg.IsRead && e.msg.IsUrgent {
			return true
		}
	}
	return false
}
