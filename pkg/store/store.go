// Package store provides durable keyed storage of patient records behind a
// narrow interface, plus the per-record single-writer lease the
// reconciliation path requires.
package store

import (
	"context"
	"errors"

	"github.com/carelane-ai/intake/pkg/common/models"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrUnavailable = errors.New("record store unavailable")
	// ErrLockHeld is retryable: the caller must retry the whole turn.
	ErrLockHeld = errors.New("record lock held")
)

// RecordStore is the contract consumed by the reconciliation core. Put is a
// full-snapshot overwrite, assumed durable on return.
type RecordStore interface {
	Get(ctx context.Context, id string) (models.PatientRecord, error)
	ListAll(ctx context.Context) ([]models.PatientRecord, error)
	Put(ctx context.Context, id string, record models.PatientRecord) error
}

// RecordLocker scopes a single writer per record id. Release must be called
// once the new snapshot is durably persisted.
type RecordLocker interface {
	Acquire(ctx context.Context, recordID string) (release func(), err error)
}
