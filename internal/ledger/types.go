// Package ledger provides SQLite-based durable storage for interaction
// records. Every record is committed before the recording call returns;
// synchronization to the remote store happens afterwards and never affects
// durability.
package ledger

import (
	"errors"
	"fmt"
	"time"
)

// SyncStatus tracks whether an interaction has reached the remote store.
type SyncStatus string

const (
	// StatusPending marks an interaction not yet accepted by the remote store.
	StatusPending SyncStatus = "pending"
	// StatusSynced marks an interaction durably delivered. The transition is
	// one-way.
	StatusSynced SyncStatus = "synced"
)

// Interaction is one recorded contact. Identity fields are immutable once
// written; only the sync status advances.
type Interaction struct {
	ID                 string     `json:"id"`
	PartnerIDHash      string     `json:"partner_id_hash"`
	PartnerDisplayName string     `json:"partner_display_name"` // frozen at record time
	RecordedAt         time.Time  `json:"recorded_at"`
	Status             SyncStatus `json:"sync_status"`
	SyncedAt           *time.Time `json:"synced_at,omitempty"`
}

var (
	// ErrInvalidUserData rejects a record whose partner identity is blank.
	ErrInvalidUserData = errors.New("partner id hash and display name are required")

	// ErrEmptyUserList rejects a batch with no entries.
	ErrEmptyUserList = errors.New("no interactions to record")
)

// DatabaseError wraps a storage failure with the operation that hit it.
// Persistence failures are fatal to the operation; callers surface them
// rather than degrade.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error {
	return e.Err
}

// dbErr is a shorthand constructor used throughout the package.
func dbErr(op string, err error) error {
	return &DatabaseError{Op: op, Err: err}
}
