package chatclient

import (
	"sync"
	"testing"
	"time"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestTypingAutoExpiry(t *testing.T) {
	tb := NewTypingBroadcaster(50*time.Millisecond, nil)
	defer tb.Close()

	tb.Start("2")
	if !tb.IsTyping("2") {
		t.Fatal("expected typing=true right after Start")
	}

	// No renewal: flips to false without a Stop call.
	waitFor(t, time.Second, func() bool { return !tb.IsTyping("2") },
		"typing did not expire after the inactivity window")
}

func TestTypingRenewalExtendsWindow(t *testing.T) {
	tb := NewTypingBroadcaster(60*time.Millisecond, nil)
	defer tb.Close()

	tb.Start("2")
	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		tb.Start("2") // keystroke renewals
		if !tb.IsTyping("2") {
			t.Fatal("typing expired despite renewals")
		}
	}
}

func TestTypingStopImmediate(t *testing.T) {
	var mu sync.Mutex
	var flips []bool
	tb := NewTypingBroadcaster(time.Hour, func(partnerID string, isTyping bool) {
		mu.Lock()
		flips = append(flips, isTyping)
		mu.Unlock()
	})
	defer tb.Close()

	tb.Start("2")
	tb.Stop("2")
	if tb.IsTyping("2") {
		t.Fatal("expected typing=false right after Stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(flips) != 2 || !flips[0] || flips[1] {
		t.Fatalf("expected flips [true false], got %v", flips)
	}
}

func TestTypingPartners(t *testing.T) {
	tb := NewTypingBroadcaster(time.Hour, nil)
	defer tb.Close()

	tb.Start("3")
	tb.Start("2")
	got := tb.TypingPartners()
	if len(got) != 2 || got[0] != "2" || got[1] != "3" {
		t.Fatalf("expected sorted partners [2 3], got %v", got)
	}

	tb.Stop("2")
	got = tb.TypingPartners()
	if len(got) != 1 || got[0] != "3" {
		t.Fatalf("expected [3], got %v", got)
	}
}

func TestTypingCloseStopsTimers(t *testing.T) {
	tb := NewTypingBroadcaster(time.Hour, nil)
	tb.Start("2")
	tb.Close()

	if tb.IsTyping("2") {
		t.Error("Close should clear all typing state")
	}
	tb.Start("2") // ignored after close
	if tb.IsTyping("2") {
		t.Error("Start after Close should be ignored")
	}
}
