package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"encounterd/internal/presence"
	"encounterd/internal/window"
)

// Ledger is the SQLite interaction store.
//
// The database file is owner-only: interaction records are contact data and
// never readable by other local users.
type Ledger struct {
	db            *sql.DB
	retentionDays int
	clock         func() time.Time

	// afterRecord runs after a successful commit with the new record ids.
	// It must not block; the outcome of a record call never depends on it.
	afterRecord func(ids []string)
}

// Open opens or creates the SQLite database at the given path and runs
// pending migrations.
func Open(path string) (*Ledger, error) {
	// Ensure parent directory exists, owner-only
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("restrict database permissions: %w", err)
	}

	return &Ledger{
		db:            db,
		retentionDays: window.RetentionDays,
		clock:         time.Now,
	}, nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

// Ping verifies the database connection is alive.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// SetRetentionDays overrides the retention horizon. Values below one fall
// back to the default.
func (l *Ledger) SetRetentionDays(days int) {
	if days < 1 {
		days = window.RetentionDays
	}
	l.retentionDays = days
}

// OnRecord registers the after-commit hook invoked with the ids of newly
// recorded interactions. Wire before serving traffic; the hook must not
// block.
func (l *Ledger) OnRecord(fn func(ids []string)) {
	l.afterRecord = fn
}

// RecordOne records a single interaction with the given peer. The row is
// committed before RecordOne returns; the sync trigger fires afterwards and
// its outcome never affects the result.
func (l *Ledger) RecordOne(ctx context.Context, peer presence.Peer) (*Interaction, error) {
	if err := validatePeer(peer); err != nil {
		return nil, err
	}

	in := l.newInteraction(peer)
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO interactions (id, partner_id_hash, partner_display_name, recorded_at_ns, sync_status)
		VALUES (?, ?, ?, ?, ?)`,
		in.ID, in.PartnerIDHash, in.PartnerDisplayName, in.RecordedAt.UnixNano(), string(in.Status),
	)
	if err != nil {
		return nil, dbErr("insert interaction", err)
	}

	l.notifyRecorded([]string{in.ID})
	return &in, nil
}

// RecordBatch records one interaction per peer in a single transaction.
// Every peer is validated before any row is written: the batch lands whole
// or not at all.
func (l *Ledger) RecordBatch(ctx context.Context, peers []presence.Peer) ([]Interaction, error) {
	if len(peers) == 0 {
		return nil, ErrEmptyUserList
	}
	for i, p := range peers {
		if err := validatePeer(p); err != nil {
			return nil, fmt.Errorf("peer %d: %w", i, err)
		}
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, dbErr("begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO interactions (id, partner_id_hash, partner_display_name, recorded_at_ns, sync_status)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, dbErr("prepare statement", err)
	}
	defer stmt.Close()

	recorded := make([]Interaction, 0, len(peers))
	ids := make([]string, 0, len(peers))
	for _, p := range peers {
		in := l.newInteraction(p)
		if _, err := stmt.ExecContext(ctx, in.ID, in.PartnerIDHash, in.PartnerDisplayName, in.RecordedAt.UnixNano(), string(in.Status)); err != nil {
			return nil, dbErr("insert interaction", err)
		}
		recorded = append(recorded, in)
		ids = append(ids, in.ID)
	}

	if err := tx.Commit(); err != nil {
		return nil, dbErr("commit transaction", err)
	}

	l.notifyRecorded(ids)
	return recorded, nil
}

// Get retrieves an interaction by id. Returns nil without error when the id
// is unknown.
func (l *Ledger) Get(ctx context.Context, id string) (*Interaction, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, partner_id_hash, partner_display_name, recorded_at_ns, sync_status, synced_at_ns
		FROM interactions WHERE id = ?`, id,
	)

	in, err := scanInteraction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, dbErr("get interaction", err)
	}
	return in, nil
}

// List returns interactions newest first, up to limit. A non-positive
// limit returns everything.
func (l *Ledger) List(ctx context.Context, limit int) ([]Interaction, error) {
	q := `
		SELECT id, partner_id_hash, partner_display_name, recorded_at_ns, sync_status, synced_at_ns
		FROM interactions
		ORDER BY recorded_at_ns DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, dbErr("query interactions", err)
	}
	defer rows.Close()

	return scanInteractions(rows)
}

// Unsynced returns all pending interactions, oldest first.
func (l *Ledger) Unsynced(ctx context.Context) ([]Interaction, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, partner_id_hash, partner_display_name, recorded_at_ns, sync_status, synced_at_ns
		FROM interactions
		WHERE sync_status = ?
		ORDER BY recorded_at_ns ASC`, string(StatusPending),
	)
	if err != nil {
		return nil, dbErr("query unsynced", err)
	}
	defer rows.Close()

	return scanInteractions(rows)
}

// MarkSynced flips the given interactions from pending to synced and stamps
// the sync time. Rows already synced or since deleted are skipped, which
// makes the call idempotent and safe under interleaved reconcilers. Returns
// the number of rows actually flipped.
func (l *Ledger) MarkSynced(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, dbErr("begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE interactions
		SET sync_status = ?, synced_at_ns = ?
		WHERE id = ? AND sync_status = ?`)
	if err != nil {
		return 0, dbErr("prepare statement", err)
	}
	defer stmt.Close()

	nowNs := l.clock().UnixNano()
	flipped := 0
	for _, id := range ids {
		result, err := stmt.ExecContext(ctx, string(StatusSynced), nowNs, id, string(StatusPending))
		if err != nil {
			return 0, dbErr("mark synced", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, dbErr("get rows affected", err)
		}
		flipped += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, dbErr("commit transaction", err)
	}

	return flipped, nil
}

// RetentionSweep deletes interactions older than the retention horizon,
// regardless of sync status, and returns the number removed. Running it
// twice is harmless.
func (l *Ledger) RetentionSweep(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.AddDate(0, 0, -l.retentionDays)

	result, err := l.db.ExecContext(ctx,
		`DELETE FROM interactions WHERE recorded_at_ns < ?`, cutoff.UnixNano(),
	)
	if err != nil {
		return 0, dbErr("retention sweep", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, dbErr("get rows affected", err)
	}
	return int(n), nil
}

// DeleteAll erases every interaction. This is the data-erasure path; there
// is no undo.
func (l *Ledger) DeleteAll(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM interactions`); err != nil {
		return dbErr("delete all", err)
	}
	return nil
}

// Count returns the total number of stored interactions.
func (l *Ledger) Count(ctx context.Context) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM interactions`).Scan(&n)
	if err != nil {
		return 0, dbErr("count interactions", err)
	}
	return n, nil
}

// PendingCount returns the number of interactions awaiting sync.
func (l *Ledger) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM interactions WHERE sync_status = ?`, string(StatusPending),
	).Scan(&n)
	if err != nil {
		return 0, dbErr("count pending", err)
	}
	return n, nil
}

// newInteraction stamps a fresh record for the given peer. The display name
// is frozen here; later renames never touch it.
func (l *Ledger) newInteraction(peer presence.Peer) Interaction {
	return Interaction{
		ID:                 uuid.NewString(),
		PartnerIDHash:      peer.ID,
		PartnerDisplayName: peer.DisplayName,
		RecordedAt:         l.clock(),
		Status:             StatusPending,
	}
}

func (l *Ledger) notifyRecorded(ids []string) {
	if l.afterRecord != nil {
		l.afterRecord(ids)
	}
}

func validatePeer(peer presence.Peer) error {
	if strings.TrimSpace(peer.ID) == "" {
		return fmt.Errorf("%w: missing id hash", ErrInvalidUserData)
	}
	if strings.TrimSpace(peer.DisplayName) == "" {
		return fmt.Errorf("%w: missing display name", ErrInvalidUserData)
	}
	return nil
}

// rowScanner covers both sql.Row and sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanInteraction(row rowScanner) (*Interaction, error) {
	var (
		in         Interaction
		status     string
		recordedNs int64
		syncedNs   sql.NullInt64
	)

	if err := row.Scan(&in.ID, &in.PartnerIDHash, &in.PartnerDisplayName, &recordedNs, &status, &syncedNs); err != nil {
		return nil, err
	}

	in.RecordedAt = time.Unix(0, recordedNs)
	in.Status = SyncStatus(status)
	if syncedNs.Valid {
		t := time.Unix(0, syncedNs.Int64)
		in.SyncedAt = &t
	}
	return &in, nil
}

// scanInteractions is a helper to scan interaction rows into a slice.
func scanInteractions(rows *sql.Rows) ([]Interaction, error) {
	var interactions []Interaction

	for rows.Next() {
		in, err := scanInteraction(rows)
		if err != nil {
			return nil, dbErr("scan interaction", err)
		}
		interactions = append(interactions, *in)
	}

	if err := rows.Err(); err != nil {
		return nil, dbErr("iterate interactions", err)
	}

	return interactions, nil
}
