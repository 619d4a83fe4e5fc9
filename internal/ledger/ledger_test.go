package ledger

import (
	"testing"
	"time"

	"github.com/dokzlo13/shaded/internal/db"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return New(database.DB)
}

func TestAppendAndQuery(t *testing.T) {
	l := newTestLedger(t)

	if err := l.Append(EventCommandApplied, "ws", map[string]any{"cmd": "open"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Append(EventScheduleFired, "scheduler", map[string]any{"rule": "t1", "percent": 45}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Append(EventCalibrationDone, "", nil); err != nil {
		t.Fatalf("Append: %v", err)
	}

	fired, err := l.GetByType(EventScheduleFired, 10)
	if err != nil {
		t.Fatalf("GetByType: %v", err)
	}
	if len(fired) != 1 {
		t.Fatalf("GetByType returned %d entries, want 1", len(fired))
	}
	if fired[0].Payload["rule"] != "t1" || fired[0].Source != "scheduler" {
		t.Errorf("entry = %+v", fired[0])
	}

	recent, err := l.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 || recent[0].EventType != EventCalibrationDone {
		t.Errorf("Recent(2) = %d entries, first %v", len(recent), recent[0].EventType)
	}
}

func TestDeleteOlderThan(t *testing.T) {
	l := newTestLedger(t)

	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }
	l.Append(EventTargetReached, "", nil)

	l.now = func() time.Time { return base.Add(40 * 24 * time.Hour) }
	l.Append(EventTargetReached, "", nil)

	deleted, err := l.DeleteOlderThan(30 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
}
