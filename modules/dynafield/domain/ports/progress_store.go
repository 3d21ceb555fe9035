package ports

import (
	"context"
	"errors"
	"time"

	"github.com/fieldsetapp/fieldset/modules/dynafield/domain/types"
)

var ErrSnapshotNotFound = errors.New("snapshot_not_found")

// ProgressStore persists session snapshots. Save overwrites any previous
// snapshot for the session. Restore returns ErrSnapshotNotFound for unknown
// or expired sessions.
type ProgressStore interface {
	Save(ctx context.Context, sessionID string, snap types.Snapshot, expiresAt time.Time) error
	Restore(ctx context.Context, sessionID string) (types.Snapshot, error)
	Delete(ctx context.Context, sessionID string) error
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}
