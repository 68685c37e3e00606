// Package expstore implements the expiry store, the single source of
// truth for each lab's expiry deadline and cleanup state. All state
// transitions go through single-key conditional updates so that no
// transition is ever applied to a stale prior state.
package expstore

import (
	"context"
	"time"

	"golang.org/x/xerrors"
)

// CleanupState tracks a lab through its teardown lifecycle. The state
// never regresses from CleanupStateCleaned.
type CleanupState string

const (
	CleanupStateActive         CleanupState = "active"
	CleanupStatePendingCleanup CleanupState = "pending_cleanup"
	CleanupStateCleaned        CleanupState = "cleaned"
	CleanupStateFailed         CleanupState = "cleanup_failed"

	// CleanupStateAny can be passed as the expected state of a
	// conditional update to skip the state comparison. The update is
	// still atomic with respect to concurrent writers.
	CleanupStateAny CleanupState = ""
)

// ProvisionStatus reports the outcome of lab provisioning. It is
// orthogonal to the cleanup state; a lab whose provisioning errored
// still expires and gets torn down.
type ProvisionStatus string

const (
	ProvisionStatusPending ProvisionStatus = "pending"
	ProvisionStatusReady   ProvisionStatus = "ready"
	ProvisionStatusError   ProvisionStatus = "error"
)

// Lab is the authoritative record for a single lab. Exactly one record
// exists per ID at any time.
type Lab struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	CloudProvider string          `json:"cloud_provider"`
	Email         string          `json:"email"`
	Username      string          `json:"username"`
	Password      string          `json:"password"`
	Status        ProvisionStatus `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`

	// ExpiresAt is mutated only by lease renewal.
	ExpiresAt time.Time `json:"expires_at"`

	CleanupState    CleanupState `json:"cleanup_state"`
	CleanupAttempts int          `json:"cleanup_attempts"`
	// LastAttemptAt is the time of the most recent cleanup invocation.
	// Zero until cleanup has been attempted at least once.
	LastAttemptAt time.Time `json:"last_attempt_at"`
}

// EligibleForCleanup reports whether the lab is past its expiry and not
// yet cleaned as of now.
func (l Lab) EligibleForCleanup(now time.Time) bool {
	if l.CleanupState == CleanupStateCleaned {
		return false
	}
	return !now.Before(l.ExpiresAt)
}

var (
	// ErrNotFound is returned when no record exists for the lab ID.
	ErrNotFound = xerrors.New("lab not found")
	// ErrAlreadyExists is returned by InsertLab when a non-cleaned
	// record already exists for the lab ID.
	ErrAlreadyExists = xerrors.New("lab already exists")
	// ErrStateConflict is returned by UpdateLab when the record's
	// cleanup state does not match the expected state, or when a
	// concurrent writer modified the record between read and write.
	ErrStateConflict = xerrors.New("lab cleanup state conflict")
)

// Store provides access to lab records. Implementations must apply
// each mutation as a single atomic write; partial state is never
// visible to readers.
type Store interface {
	// GetLab returns the record for the given lab ID.
	GetLab(ctx context.Context, id string) (Lab, error)
	// ListLabs returns all records, in no particular order.
	ListLabs(ctx context.Context) ([]Lab, error)
	// InsertLab creates the record. A leftover cleaned record for the
	// same ID is overwritten; any other existing record fails with
	// ErrAlreadyExists.
	InsertLab(ctx context.Context, lab Lab) error
	// UpdateLab atomically applies mutate to the record, but only when
	// the current cleanup state equals expect (compare-and-set). Pass
	// CleanupStateAny to update regardless of state. Mutate observes
	// the record as of the transaction and may abort the write by
	// returning an error, which is returned verbatim with the record
	// untouched. Decisions that must be atomic with the write, such as
	// the cleanup claim, belong inside mutate. The updated record is
	// returned.
	UpdateLab(ctx context.Context, id string, expect CleanupState, mutate func(*Lab) error) (Lab, error)
	// DeleteLab removes the record.
	DeleteLab(ctx context.Context, id string) error
}
