package persistence

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fieldsetapp/fieldset/modules/dynafield/domain/ports"
	"github.com/fieldsetapp/fieldset/modules/dynafield/domain/types"
)

type queryExecer interface {
	querier
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ProgressPGStore persists snapshots keyed by the sha256 of the session id.
// Saves overwrite; restores ignore expired rows.
type ProgressPGStore struct {
	db queryExecer
}

func NewProgressPGStore(db queryExecer) *ProgressPGStore { return &ProgressPGStore{db: db} }

var _ ports.ProgressStore = (*ProgressPGStore)(nil)

func sessionKey(sessionID string) []byte {
	sum := sha256.Sum256([]byte(sessionID))
	return sum[:]
}

func (s *ProgressPGStore) Save(ctx context.Context, sessionID string, snap types.Snapshot, expiresAt time.Time) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return WithBusyRetry(ctx, "progress_save", func() error {
		_, execErr := s.db.Exec(ctx, `
INSERT INTO survey.progress (session_sha256, survey_slug, snapshot, updated_at, expires_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (session_sha256) DO UPDATE
SET survey_slug = EXCLUDED.survey_slug,
    snapshot = EXCLUDED.snapshot,
    updated_at = EXCLUDED.updated_at,
    expires_at = EXCLUDED.expires_at
`, sessionKey(sessionID), snap.SurveySlug, payload, snap.SavedAt, expiresAt)
		return execErr
	})
}

func (s *ProgressPGStore) Restore(ctx context.Context, sessionID string) (types.Snapshot, error) {
	var payload []byte
	err := WithBusyRetry(ctx, "progress_restore", func() error {
		return s.db.QueryRow(ctx, `
SELECT snapshot
FROM survey.progress
WHERE session_sha256 = $1 AND expires_at > now()
`, sessionKey(sessionID)).Scan(&payload)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Snapshot{}, ports.ErrSnapshotNotFound
		}
		return types.Snapshot{}, err
	}
	var snap types.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return types.Snapshot{}, err
	}
	return snap, nil
}

func (s *ProgressPGStore) Delete(ctx context.Context, sessionID string) error {
	return WithBusyRetry(ctx, "progress_delete", func() error {
		_, err := s.db.Exec(ctx, `DELETE FROM survey.progress WHERE session_sha256 = $1`, sessionKey(sessionID))
		return err
	})
}

func (s *ProgressPGStore) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	var swept int64
	err := WithBusyRetry(ctx, "progress_sweep", func() error {
		tag, execErr := s.db.Exec(ctx, `DELETE FROM survey.progress WHERE expires_at <= $1`, now)
		if execErr != nil {
			return execErr
		}
		swept = tag.RowsAffected()
		return nil
	})
	return swept, err
}

// ProgressMemoryStore keeps snapshots in process memory. Tests may override
// now for expiry checks.
type ProgressMemoryStore struct {
	mu      sync.Mutex
	entries map[string]progressEntry
	now     func() time.Time
}

type progressEntry struct {
	snap      types.Snapshot
	expiresAt time.Time
}

func NewProgressMemoryStore() *ProgressMemoryStore {
	return &ProgressMemoryStore{entries: make(map[string]progressEntry), now: time.Now}
}

var _ ports.ProgressStore = (*ProgressMemoryStore)(nil)

func (s *ProgressMemoryStore) Save(ctx context.Context, sessionID string, snap types.Snapshot, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[sessionID] = progressEntry{snap: cloneSnapshot(snap), expiresAt: expiresAt}
	return nil
}

func (s *ProgressMemoryStore) Restore(ctx context.Context, sessionID string) (types.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[sessionID]
	if !ok || !entry.expiresAt.After(s.now()) {
		return types.Snapshot{}, ports.ErrSnapshotNotFound
	}
	return cloneSnapshot(entry.snap), nil
}

func (s *ProgressMemoryStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sessionID)
	return nil
}

func (s *ProgressMemoryStore) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var swept int64
	for sid, entry := range s.entries {
		if !entry.expiresAt.After(now) {
			delete(s.entries, sid)
			swept++
		}
	}
	return swept, nil
}

func cloneSnapshot(snap types.Snapshot) types.Snapshot {
	out := snap
	out.Values = make(map[string]string, len(snap.Values))
	for k, v := range snap.Values {
		out.Values[k] = v
	}
	out.Params = append([]types.BoundParam(nil), snap.Params...)
	if snap.ChildChoices != nil {
		out.ChildChoices = make(map[string][]string, len(snap.ChildChoices))
		for field, values := range snap.ChildChoices {
			out.ChildChoices[field] = append([]string(nil), values...)
		}
	}
	return out
}
