package ledger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"encounterd/internal/presence"
)

func openTest(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func peer(id, name string) presence.Peer {
	return presence.Peer{ID: id, DisplayName: name, SignalStrength: -50}
}

func TestOpenAndClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	l, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := l.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	l, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer l.Close()
}

func TestOpenRestrictsPermissions(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	l, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer l.Close()

	info, err := os.Stat(dbPath)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("database permissions = %o, want 0600", perm)
	}
}

func TestCloseNilDB(t *testing.T) {
	l := &Ledger{db: nil}
	if err := l.Close(); err != nil {
		t.Errorf("Close on nil db should not error: %v", err)
	}
}

func TestRecordOne(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()

	in, err := l.RecordOne(ctx, peer("aa11", "Alice"))
	if err != nil {
		t.Fatalf("RecordOne failed: %v", err)
	}

	if in.ID == "" {
		t.Error("interaction ID should not be empty")
	}
	if in.PartnerIDHash != "aa11" {
		t.Errorf("PartnerIDHash = %q, want aa11", in.PartnerIDHash)
	}
	if in.PartnerDisplayName != "Alice" {
		t.Errorf("PartnerDisplayName = %q, want Alice", in.PartnerDisplayName)
	}
	if in.Status != StatusPending {
		t.Errorf("Status = %q, want pending", in.Status)
	}
	if in.RecordedAt.IsZero() {
		t.Error("RecordedAt should be set")
	}
	if in.SyncedAt != nil {
		t.Error("SyncedAt should be nil before sync")
	}

	// Row must be durable before RecordOne returned.
	stored, err := l.Get(ctx, in.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored == nil {
		t.Fatal("recorded interaction not found")
	}
	if stored.PartnerIDHash != "aa11" {
		t.Errorf("stored PartnerIDHash = %q, want aa11", stored.PartnerIDHash)
	}
}

func TestRecordOneValidation(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()

	cases := []struct {
		name string
		p    presence.Peer
	}{
		{"empty id hash", peer("", "Alice")},
		{"empty display name", peer("aa11", "")},
		{"whitespace display name", peer("aa11", "   ")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.RecordOne(ctx, tc.p)
			if !errors.Is(err, ErrInvalidUserData) {
				t.Errorf("got %v, want ErrInvalidUserData", err)
			}
		})
	}

	if n, _ := l.Count(ctx); n != 0 {
		t.Errorf("rejected records should not persist, count = %d", n)
	}
}

func TestRecordOneFreezesDisplayName(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()

	first, err := l.RecordOne(ctx, peer("aa11", "Alice"))
	if err != nil {
		t.Fatalf("RecordOne failed: %v", err)
	}
	second, err := l.RecordOne(ctx, peer("aa11", "Alice's Phone"))
	if err != nil {
		t.Fatalf("RecordOne failed: %v", err)
	}

	got, err := l.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.PartnerDisplayName != "Alice" {
		t.Errorf("earlier record renamed to %q, snapshots must stay frozen", got.PartnerDisplayName)
	}

	got, err = l.Get(ctx, second.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.PartnerDisplayName != "Alice's Phone" {
		t.Errorf("later record has name %q, want its own snapshot", got.PartnerDisplayName)
	}
}

func TestRecordOneFiresHook(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()

	var gotIDs []string
	l.OnRecord(func(ids []string) { gotIDs = append(gotIDs, ids...) })

	in, err := l.RecordOne(ctx, peer("aa11", "Alice"))
	if err != nil {
		t.Fatalf("RecordOne failed: %v", err)
	}

	if len(gotIDs) != 1 || gotIDs[0] != in.ID {
		t.Errorf("hook received %v, want [%s]", gotIDs, in.ID)
	}
}

func TestRecordBatch(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()

	var hookIDs []string
	l.OnRecord(func(ids []string) { hookIDs = ids })

	peers := []presence.Peer{
		peer("aa11", "Alice"),
		peer("bb22", "Bob"),
		peer("cc33", "Carol"),
	}
	recorded, err := l.RecordBatch(ctx, peers)
	if err != nil {
		t.Fatalf("RecordBatch failed: %v", err)
	}

	if len(recorded) != 3 {
		t.Fatalf("recorded %d interactions, want 3", len(recorded))
	}
	if n, _ := l.Count(ctx); n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
	if len(hookIDs) != 3 {
		t.Errorf("hook received %d ids, want one call with 3", len(hookIDs))
	}
}

func TestRecordBatchEmpty(t *testing.T) {
	l := openTest(t)

	_, err := l.RecordBatch(context.Background(), nil)
	if !errors.Is(err, ErrEmptyUserList) {
		t.Errorf("got %v, want ErrEmptyUserList", err)
	}
}

func TestRecordBatchAllOrNothing(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()

	peers := []presence.Peer{
		peer("aa11", "Alice"),
		peer("bb22", ""), // invalid
		peer("cc33", "Carol"),
	}
	_, err := l.RecordBatch(ctx, peers)
	if !errors.Is(err, ErrInvalidUserData) {
		t.Fatalf("got %v, want ErrInvalidUserData", err)
	}

	if n, _ := l.Count(ctx); n != 0 {
		t.Errorf("count = %d after failed batch, want 0", n)
	}
}

func TestUnsynced(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	l.clock = func() time.Time { return base }
	older, _ := l.RecordOne(ctx, peer("aa11", "Alice"))

	l.clock = func() time.Time { return base.Add(time.Minute) }
	newer, _ := l.RecordOne(ctx, peer("bb22", "Bob"))

	pending, err := l.Unsynced(ctx)
	if err != nil {
		t.Fatalf("Unsynced failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("got %d pending, want 2", len(pending))
	}
	if pending[0].ID != older.ID || pending[1].ID != newer.ID {
		t.Error("pending interactions should be ordered oldest first")
	}
}

func TestList(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, p := range []presence.Peer{peer("aa11", "Alice"), peer("bb22", "Bob"), peer("cc33", "Cara")} {
		offset := time.Duration(i) * time.Minute
		l.clock = func() time.Time { return base.Add(offset) }
		if _, err := l.RecordOne(ctx, p); err != nil {
			t.Fatalf("RecordOne failed: %v", err)
		}
	}

	all, err := l.List(ctx, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d interactions, want 3", len(all))
	}
	if all[0].PartnerIDHash != "cc33" || all[2].PartnerIDHash != "aa11" {
		t.Error("interactions should be ordered newest first")
	}

	limited, err := l.List(ctx, 2)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("got %d interactions with limit 2, want 2", len(limited))
	}
	if limited[0].PartnerIDHash != "cc33" || limited[1].PartnerIDHash != "bb22" {
		t.Error("limit should keep the newest interactions")
	}
}

func TestMarkSynced(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()

	in, _ := l.RecordOne(ctx, peer("aa11", "Alice"))

	flipped, err := l.MarkSynced(ctx, []string{in.ID})
	if err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}
	if flipped != 1 {
		t.Errorf("flipped = %d, want 1", flipped)
	}

	got, _ := l.Get(ctx, in.ID)
	if got.Status != StatusSynced {
		t.Errorf("Status = %q, want synced", got.Status)
	}
	if got.SyncedAt == nil {
		t.Error("SyncedAt should be stamped")
	}

	if n, _ := l.PendingCount(ctx); n != 0 {
		t.Errorf("pending count = %d after sync, want 0", n)
	}
}

func TestMarkSyncedIdempotent(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()

	in, _ := l.RecordOne(ctx, peer("aa11", "Alice"))
	l.MarkSynced(ctx, []string{in.ID})

	flipped, err := l.MarkSynced(ctx, []string{in.ID})
	if err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}
	if flipped != 0 {
		t.Errorf("second MarkSynced flipped %d rows, want 0", flipped)
	}
}

func TestMarkSyncedUnknownID(t *testing.T) {
	l := openTest(t)

	flipped, err := l.MarkSynced(context.Background(), []string{"no-such-id"})
	if err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}
	if flipped != 0 {
		t.Errorf("flipped = %d for unknown id, want 0", flipped)
	}
}

func TestRetentionSweepBoundary(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()
	now := time.Now()

	l.clock = func() time.Time { return now.AddDate(0, 0, -181) }
	expired, _ := l.RecordOne(ctx, peer("aa11", "Old"))

	l.clock = func() time.Time { return now.AddDate(0, 0, -179) }
	kept, _ := l.RecordOne(ctx, peer("bb22", "Recent"))

	l.clock = func() time.Time { return now }
	removed, err := l.RetentionSweep(ctx, now)
	if err != nil {
		t.Fatalf("RetentionSweep failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	if got, _ := l.Get(ctx, expired.ID); got != nil {
		t.Error("181 day old interaction should be swept")
	}
	if got, _ := l.Get(ctx, kept.ID); got == nil {
		t.Error("179 day old interaction should survive")
	}
}

func TestRetentionSweepIgnoresSyncStatus(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()
	now := time.Now()

	l.clock = func() time.Time { return now.AddDate(0, 0, -200) }
	in, _ := l.RecordOne(ctx, peer("aa11", "Old"))

	l.clock = func() time.Time { return now }
	l.MarkSynced(ctx, []string{in.ID})

	removed, err := l.RetentionSweep(ctx, now)
	if err != nil {
		t.Fatalf("RetentionSweep failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1; synced records expire too", removed)
	}
}

func TestRetentionSweepIdempotent(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()
	now := time.Now()

	l.clock = func() time.Time { return now.AddDate(0, 0, -200) }
	l.RecordOne(ctx, peer("aa11", "Old"))
	l.clock = func() time.Time { return now }

	l.RetentionSweep(ctx, now)
	removed, err := l.RetentionSweep(ctx, now)
	if err != nil {
		t.Fatalf("RetentionSweep failed: %v", err)
	}
	if removed != 0 {
		t.Errorf("second sweep removed %d rows, want 0", removed)
	}
}

func TestDeleteAll(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()

	l.RecordOne(ctx, peer("aa11", "Alice"))
	l.RecordOne(ctx, peer("bb22", "Bob"))

	if err := l.DeleteAll(ctx); err != nil {
		t.Fatalf("DeleteAll failed: %v", err)
	}
	if n, _ := l.Count(ctx); n != 0 {
		t.Errorf("count = %d after DeleteAll, want 0", n)
	}
}

func TestGetNotFound(t *testing.T) {
	l := openTest(t)

	got, err := l.Get(context.Background(), "no-such-id")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Error("expected nil for nonexistent interaction")
	}
}

func TestReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	l, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	in, err := l.RecordOne(ctx, peer("aa11", "Alice"))
	if err != nil {
		t.Fatalf("RecordOne failed: %v", err)
	}
	l.Close()

	reopened, err := Open(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(ctx, in.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("interaction lost across restart")
	}
}

func TestMigrationStatus(t *testing.T) {
	l := openTest(t)

	status, err := GetMigrationStatus(l.db)
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if status.CurrentVersion != len(migrations) {
		t.Errorf("CurrentVersion = %d, want %d", status.CurrentVersion, len(migrations))
	}
	if len(status.Pending) != 0 {
		t.Errorf("pending migrations = %d, want 0", len(status.Pending))
	}

	if err := ValidateSchema(l.db); err != nil {
		t.Errorf("ValidateSchema failed: %v", err)
	}
}

func TestRollbackMigration(t *testing.T) {
	l := openTest(t)

	if err := RollbackMigration(l.db); err != nil {
		t.Fatalf("RollbackMigration failed: %v", err)
	}

	status, err := GetMigrationStatus(l.db)
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if status.CurrentVersion != len(migrations)-1 {
		t.Errorf("CurrentVersion = %d after rollback, want %d", status.CurrentVersion, len(migrations)-1)
	}
}
