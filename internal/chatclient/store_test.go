package chatclient

import (
	"fmt"
	"testing"
	"time"

	"carechat-go/internal/chattypes"
)

const (
	viewerID  = "1"
	partnerID = "2"
)

func confirmedMsg(id, sender, recipient, text string, at time.Time) *chattypes.Message {
	return &chattypes.Message{
		ID:          id,
		SenderID:    sender,
		RecipientID: recipient,
		Text:        text,
		Timestamp:   at,
	}
}

func TestStoreOrdering(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("OutOfOrderArrival", func(t *testing.T) {
		s := NewStore(viewerID)
		s.Ingest(confirmedMsg("m3", partnerID, viewerID, "third", base.Add(2*time.Second)))
		s.Ingest(confirmedMsg("m1", partnerID, viewerID, "first", base))
		s.Ingest(confirmedMsg("m2", partnerID, viewerID, "second", base.Add(time.Second)))

		got := s.ConversationMessages(partnerID)
		if len(got) != 3 {
			t.Fatalf("expected 3 messages, got %d", len(got))
		}
		for i, want := range []string{"first", "second", "third"} {
			if got[i].Text != want {
				t.Errorf("position %d: expected %q, got %q", i, want, got[i].Text)
			}
		}
	})

	t.Run("EqualTimestampsKeepArrivalOrder", func(t *testing.T) {
		s := NewStore(viewerID)
		// Coarse clocks: every message shares one timestamp. Ties must break
		// by insertion sequence, never by ID string comparison.
		s.Ingest(confirmedMsg("z-late-id", partnerID, viewerID, "a", base))
		s.Ingest(confirmedMsg("a-early-id", partnerID, viewerID, "b", base))
		s.Ingest(confirmedMsg("m-mid-id", partnerID, viewerID, "c", base))

		got := s.ConversationMessages(partnerID)
		for i, want := range []string{"a", "b", "c"} {
			if got[i].Text != want {
				t.Errorf("position %d: expected %q, got %q", i, want, got[i].Text)
			}
		}
	})

	t.Run("StableAcrossRepeatedReads", func(t *testing.T) {
		s := NewStore(viewerID)
		for i := 0; i < 5; i++ {
			s.Ingest(confirmedMsg(fmt.Sprintf("m%d", i), partnerID, viewerID, fmt.Sprintf("t%d", i), base.Add(time.Duration(i)*time.Second)))
		}
		first := s.ConversationMessages(partnerID)
		second := s.ConversationMessages(partnerID)
		if len(first) != len(second) {
			t.Fatalf("repeated reads differ in length: %d vs %d", len(first), len(second))
		}
		for i := range first {
			if first[i].ID != second[i].ID {
				t.Errorf("position %d differs across reads: %s vs %s", i, first[i].ID, second[i].ID)
			}
		}
	})
}

func TestStoreIngestIdempotent(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := NewStore(viewerID)

	msg := confirmedMsg("m1", partnerID, viewerID, "hello", base)
	if !s.Ingest(msg) {
		t.Fatal("first ingest should report a change")
	}
	if s.Ingest(msg) {
		t.Error("duplicate ingest should be a no-op")
	}
	if got := len(s.ConversationMessages(partnerID)); got != 1 {
		t.Fatalf("expected exactly 1 entry after duplicate delivery, got %d", got)
	}
}

func TestStoreIngestMergesReadFlag(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := NewStore(viewerID)

	s.Ingest(confirmedMsg("m1", partnerID, viewerID, "hello", base))

	read := confirmedMsg("m1", partnerID, viewerID, "hello", base)
	read.IsRead = true
	if !s.Ingest(read) {
		t.Fatal("isRead flip should report a change")
	}
	got := s.ConversationMessages(partnerID)
	if len(got) != 1 || !got[0].IsRead {
		t.Fatalf("expected single read entry, got %+v", got)
	}

	// isRead is monotonic on the reader's side: a stale unread copy must
	// not revert the flag.
	stale := confirmedMsg("m1", partnerID, viewerID, "hello", base)
	if s.Ingest(stale) {
		t.Error("stale unread copy should not change the store")
	}
	if !s.ConversationMessages(partnerID)[0].IsRead {
		t.Error("isRead reverted by a stale copy")
	}
}

func TestStoreReconciliation(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("ProvisionalReplacedInPlace", func(t *testing.T) {
		s := NewStore(viewerID)
		s.Ingest(confirmedMsg("m1", viewerID, partnerID, "earlier", base))

		provisional := confirmedMsg("local-ref1", viewerID, partnerID, "hello", base.Add(time.Second))
		provisional.ClientRef = "ref1"
		s.IngestProvisional(provisional)

		confirmed := confirmedMsg("srv-9", viewerID, partnerID, "hello", base.Add(time.Second))
		confirmed.ClientRef = "ref1"
		s.Ingest(confirmed)

		got := s.ConversationMessages(partnerID)
		if len(got) != 2 {
			t.Fatalf("expected 2 entries after reconciliation, got %d", len(got))
		}
		if got[1].ID != "srv-9" {
			t.Errorf("expected server ID srv-9, got %s", got[1].ID)
		}
		if got[1].Pending {
			t.Error("reconciled entry still pending")
		}
		if len(s.PendingMessages(partnerID)) != 0 {
			t.Error("pending entries remain after reconciliation")
		}
	})

	t.Run("ConfirmationBeforeLocalResolve", func(t *testing.T) {
		// Another device's echo (or a fast push) can deliver the confirmed
		// copy before the send round trip returns. The late Reconcile must
		// not create a second entry.
		s := NewStore(viewerID)
		confirmed := confirmedMsg("srv-1", viewerID, partnerID, "hello", base)
		confirmed.ClientRef = "ref1"
		s.Ingest(confirmed)

		s.Reconcile("ref1", confirmedMsg("srv-1", viewerID, partnerID, "hello", base))
		if got := len(s.ConversationMessages(partnerID)); got != 1 {
			t.Fatalf("expected 1 entry, got %d", got)
		}
	})

	t.Run("UnmatchedConfirmationAppends", func(t *testing.T) {
		// A confirmed message with no outstanding provisional is a
		// legitimate new message, not a conflict to suppress.
		s := NewStore(viewerID)
		confirmed := confirmedMsg("srv-1", partnerID, viewerID, "hi", base)
		confirmed.ClientRef = "some-other-device-ref"
		if !s.Ingest(confirmed) {
			t.Fatal("unmatched confirmation should append")
		}
		if got := len(s.ConversationMessages(partnerID)); got != 1 {
			t.Fatalf("expected 1 entry, got %d", got)
		}
	})

	t.Run("DuplicateProvisionalIgnored", func(t *testing.T) {
		s := NewStore(viewerID)
		provisional := confirmedMsg("local-ref1", viewerID, partnerID, "hello", base)
		provisional.ClientRef = "ref1"
		if !s.IngestProvisional(provisional) {
			t.Fatal("first provisional should insert")
		}
		if s.IngestProvisional(provisional) {
			t.Error("second provisional with same clientRef should be ignored")
		}
	})
}

func TestStoreMarkFailedAndRemove(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := NewStore(viewerID)

	provisional := confirmedMsg("local-ref1", viewerID, partnerID, "hello", base)
	provisional.ClientRef = "ref1"
	s.IngestProvisional(provisional)

	if !s.MarkFailed("ref1") {
		t.Fatal("MarkFailed should flag the pending entry")
	}
	got := s.ConversationMessages(partnerID)
	if len(got) != 1 || !got[0].Failed || got[0].Pending {
		t.Fatalf("expected one failed, non-pending entry, got %+v", got)
	}
	if s.MarkFailed("ref1") {
		t.Error("MarkFailed should be a no-op on an already failed entry")
	}

	if !s.RemoveProvisional("ref1") {
		t.Fatal("RemoveProvisional should drop the entry")
	}
	if got := len(s.ConversationMessages(partnerID)); got != 0 {
		t.Fatalf("expected empty timeline after removal, got %d entries", got)
	}
	if s.RemoveProvisional("ref1") {
		t.Error("RemoveProvisional should be idempotent")
	}
}

func TestStoreReadAccounting(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := NewStore(viewerID)

	s.Ingest(confirmedMsg("m1", partnerID, viewerID, "one", base))
	urgent := confirmedMsg("m2", partnerID, viewerID, "two", base.Add(time.Second))
	urgent.IsUrgent = true
	s.Ingest(urgent)
	// Own sent message never counts as unread for the viewer.
	s.Ingest(confirmedMsg("m3", viewerID, partnerID, "mine", base.Add(2*time.Second)))

	if got := s.UnreadCount(partnerID); got != 2 {
		t.Errorf("expected 2 unread, got %d", got)
	}
	if !s.HasUrgentUnread(partnerID) {
		t.Error("expected urgent unread flag")
	}

	if flipped := s.MarkConversationRead(partnerID); flipped != 2 {
		t.Errorf("expected 2 flips, got %d", flipped)
	}
	if got := s.UnreadCount(partnerID); got != 0 {
		t.Errorf("expected 0 unread after mark, got %d", got)
	}
	if s.HasUrgentUnread(partnerID) {
		t.Error("urgent unread flag should clear")
	}
	if flipped := s.MarkConversationRead(partnerID); flipped != 0 {
		t.Errorf("repeated mark should flip nothing, flipped %d", flipped)
	}
}

func TestStoreMarkSentRead(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := NewStore(viewerID)

	s.Ingest(confirmedMsg("m1", viewerID, partnerID, "mine", base))
	s.Ingest(confirmedMsg("m2", partnerID, viewerID, "theirs", base.Add(time.Second)))

	if flipped := s.MarkSentRead(partnerID); flipped != 1 {
		t.Fatalf("expected 1 sent message flipped, got %d", flipped)
	}
	got := s.ConversationMessages(partnerID)
	if !got[0].IsRead {
		t.Error("sent message should be read after receipt")
	}
	if got[1].IsRead {
		t.Error("partner's message must not flip on a sent-side receipt")
	}
}
