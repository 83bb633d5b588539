package presence

import (
	"testing"
	"time"
)

func TestTracker_SetAndActive(t *testing.T) {
	tracker := NewTracker()

	tracker.Set("r1", "u1", "alice", time.Minute)
	tracker.Set("r1", "u2", "bob", time.Minute)
	tracker.Set("r2", "u1", "alice", time.Minute)

	typers := tracker.Active("r1")
	if len(typers) != 2 {
		t.Fatalf("Active(r1) = %d typers, want 2", len(typers))
	}
	if len(tracker.Active("r2")) != 1 {
		t.Error("Active(r2) should have one typer")
	}
	if tracker.Active("no-such-room") != nil {
		t.Error("Active(unknown room) should be empty")
	}
}

func TestTracker_SetOverwrites(t *testing.T) {
	tracker := NewTracker()

	// An expired entry is replaced by a fresh Set for the same pair
	tracker.Set("r1", "u1", "alice", -time.Second)
	tracker.Set("r1", "u1", "alice", time.Minute)

	if len(tracker.Active("r1")) != 1 {
		t.Error("overwritten entry should be active")
	}
}

func TestTracker_ExpiryIsLazy(t *testing.T) {
	tracker := NewTracker()

	tracker.Set("r1", "u1", "alice", 10*time.Millisecond)
	tracker.Set("r1", "u2", "bob", time.Minute)

	time.Sleep(20 * time.Millisecond)

	typers := tracker.Active("r1")
	if len(typers) != 1 {
		t.Fatalf("Active() = %d typers after expiry, want 1", len(typers))
	}
	if typers[0].UserID != "u2" {
		t.Errorf("surviving typer = %s, want u2", typers[0].UserID)
	}
}

func TestTracker_Clear(t *testing.T) {
	tracker := NewTracker()

	tracker.Set("r1", "u1", "alice", time.Minute)
	tracker.Clear("r1", "u1")
	if len(tracker.Active("r1")) != 0 {
		t.Error("Clear() did not remove typing state")
	}

	// Clearing absent state is a no-op
	tracker.Clear("r1", "u1")
	tracker.Clear("no-such-room", "u1")
}

func TestTracker_ClearUser(t *testing.T) {
	tracker := NewTracker()

	tracker.Set("r1", "u1", "alice", time.Minute)
	tracker.Set("r2", "u1", "alice", time.Minute)
	tracker.Set("r1", "u2", "bob", time.Minute)

	tracker.ClearUser("u1", []string{"r1", "r2"})

	if len(tracker.Active("r1")) != 1 {
		t.Error("ClearUser() removed the wrong entries in r1")
	}
	if len(tracker.Active("r2")) != 0 {
		t.Error("ClearUser() left state behind in r2")
	}
}
