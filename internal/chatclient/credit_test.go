package chatclient

import (
	"errors"
	"testing"
)

func TestCreditGateReserveCommit(t *testing.T) {
	g := NewCreditGate(3)

	r, err := g.Reserve()
	if err != nil {
		t.Fatalf("Reserve with balance 3: %v", err)
	}
	if got := g.Balance(); got != 2 {
		t.Errorf("expected optimistic balance 2, got %d", got)
	}

	g.Commit(r)
	if got := g.Balance(); got != 2 {
		t.Errorf("commit must not change the balance again, got %d", got)
	}

	// Rollback after commit is a stale call and must not restore a unit.
	g.Rollback(r)
	if got := g.Balance(); got != 2 {
		t.Errorf("rollback after commit restored a unit, got %d", got)
	}
}

func TestCreditGateRollbackIdempotent(t *testing.T) {
	g := NewCreditGate(1)

	r, err := g.Reserve()
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if g.Balance() != 0 {
		t.Fatalf("expected balance 0 after reserve, got %d", g.Balance())
	}

	g.Rollback(r)
	if g.Balance() != 1 {
		t.Fatalf("expected balance 1 after rollback, got %d", g.Balance())
	}
	g.Rollback(r)
	if g.Balance() != 1 {
		t.Errorf("duplicate rollback restored a second unit: %d", g.Balance())
	}
}

func TestCreditGateExhaustion(t *testing.T) {
	g := NewCreditGate(1)

	if !g.IsLastCredit() {
		t.Error("expected isLastCredit with balance 1")
	}
	if _, err := g.Reserve(); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	if g.CanSendUrgent() {
		t.Error("CanSendUrgent should be false at zero balance")
	}
	_, err := g.Reserve()
	if !errors.Is(err, ErrCreditExhausted) {
		t.Fatalf("expected ErrCreditExhausted, got %v", err)
	}
	if g.Balance() != 0 {
		t.Errorf("failed reserve must not change the balance: %d", g.Balance())
	}
}

func TestCreditGateNeverNegative(t *testing.T) {
	g := NewCreditGate(2)

	var handles []Reservation
	for {
		r, err := g.Reserve()
		if err != nil {
			break
		}
		handles = append(handles, r)
	}
	if g.Balance() != 0 {
		t.Fatalf("expected 0 after draining, got %d", g.Balance())
	}

	// Any interleaving of commit/rollback/duplicate calls keeps the
	// balance within [0, initial].
	g.Commit(handles[0])
	g.Rollback(handles[0])
	g.Rollback(handles[1])
	g.Rollback(handles[1])
	g.Commit(handles[1])

	if got := g.Balance(); got < 0 || got > 2 {
		t.Errorf("balance out of range: %d", got)
	}
	if got := g.Balance(); got != 1 {
		t.Errorf("expected exactly 1 (one committed, one rolled back), got %d", got)
	}
}

func TestCreditGateResync(t *testing.T) {
	t.Run("CorrectsDrift", func(t *testing.T) {
		g := NewCreditGate(0)
		// Credits purchased through billing show up on resync.
		g.Resync(5)
		if g.Balance() != 5 {
			t.Errorf("expected 5 after resync, got %d", g.Balance())
		}
		if !g.Synced() {
			t.Error("Synced should be true after a resync")
		}
	})

	t.Run("OutstandingReservationSubtracted", func(t *testing.T) {
		g := NewCreditGate(2)
		r, _ := g.Reserve() // in-flight urgent send, server still says 2

		g.Resync(2)
		if g.Balance() != 1 {
			t.Errorf("resync must not resurrect a reserved credit: got %d", g.Balance())
		}

		g.Commit(r)
		g.Resync(1) // server caught up
		if g.Balance() != 1 {
			t.Errorf("expected 1 after settled resync, got %d", g.Balance())
		}
	})

	t.Run("FloorAtZero", func(t *testing.T) {
		g := NewCreditGate(1)
		g.Reserve()
		g.Resync(0)
		if g.Balance() != 0 {
			t.Errorf("mirror went negative: %d", g.Balance())
		}
	})
}
