package window

import (
	"testing"
	"time"
)

func TestRecordJoin(t *testing.T) {
	tracker := NewTracker(60*time.Second, 2*time.Minute)
	now := time.Now()

	if count := tracker.RecordJoin("g1", now); count != 1 {
		t.Fatalf("expected 1, got %d", count)
	}
	tracker.RecordJoin("g1", now.Add(10*time.Second))
	if count := tracker.RecordJoin("g1", now.Add(20*time.Second)); count != 3 {
		t.Fatalf("expected 3, got %d", count)
	}
	if count := tracker.RecentJoins("g1", now.Add(30*time.Second)); count != 3 {
		t.Fatalf("expected 3, got %d", count)
	}
}

func TestRecordJoinExpiry(t *testing.T) {
	tracker := NewTracker(60*time.Second, 2*time.Minute)
	now := time.Now()

	tracker.RecordJoin("g1", now)
	tracker.RecordJoin("g1", now.Add(5*time.Second))
	if count := tracker.RecentJoins("g1", now.Add(90*time.Second)); count != 0 {
		t.Fatalf("expected 0 after expiry, got %d", count)
	}
	if count := tracker.RecordJoin("g1", now.Add(120*time.Second)); count != 1 {
		t.Fatalf("expected 1, got %d", count)
	}
}

func TestSuspiciousWindowIndependent(t *testing.T) {
	tracker := NewTracker(60*time.Second, 2*time.Minute)
	now := time.Now()

	tracker.RecordJoin("g1", now)
	entry := SuspiciousJoin{UserID: "u1", Reasons: []string{"no custom avatar"}, At: now.Add(90 * time.Second)}
	if count := tracker.RecordSuspicious("g1", entry); count != 1 {
		t.Fatalf("expected 1, got %d", count)
	}
	// Raw join aged out, suspicious entry still inside its longer window.
	if count := tracker.RecentJoins("g1", now.Add(100*time.Second)); count != 0 {
		t.Fatalf("expected 0 joins, got %d", count)
	}
	if count := tracker.RecentSuspicious("g1", now.Add(100*time.Second)); count != 1 {
		t.Fatalf("expected 1 suspicious, got %d", count)
	}
	if count := tracker.RecentSuspicious("g1", now.Add(4*time.Minute)); count != 0 {
		t.Fatalf("expected 0 suspicious after expiry, got %d", count)
	}
}

func TestGuildIsolation(t *testing.T) {
	tracker := NewTracker(60*time.Second, 2*time.Minute)
	now := time.Now()

	tracker.RecordJoin("g1", now)
	tracker.RecordJoin("g1", now)
	tracker.RecordJoin("g2", now)
	if count := tracker.RecentJoins("g1", now); count != 2 {
		t.Fatalf("expected 2 for g1, got %d", count)
	}
	if count := tracker.RecentJoins("g2", now); count != 1 {
		t.Fatalf("expected 1 for g2, got %d", count)
	}
}

func TestReset(t *testing.T) {
	tracker := NewTracker(60*time.Second, 2*time.Minute)
	now := time.Now()

	tracker.RecordJoin("g1", now)
	tracker.RecordSuspicious("g1", SuspiciousJoin{UserID: "u1", At: now})
	tracker.Reset("g1")
	if count := tracker.RecentJoins("g1", now); count != 0 {
		t.Fatalf("expected 0 joins after reset, got %d", count)
	}
	if count := tracker.RecentSuspicious("g1", now); count != 0 {
		t.Fatalf("expected 0 suspicious after reset, got %d", count)
	}
}
