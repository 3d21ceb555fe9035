package server

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fieldsetapp/fieldset/modules/dynafield/infrastructure/persistence"
)

type queryExecer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type SurveySummary struct {
	Slug      string    `json:"slug"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

type SurveyStore interface {
	GetBySlug(ctx context.Context, slug string) (Survey, bool, error)
	List(ctx context.Context) ([]SurveySummary, error)
	Upsert(ctx context.Context, s Survey) error
	SetStatus(ctx context.Context, slug string, status string) (bool, error)
}

type surveyPGStore struct {
	db queryExecer
}

func newSurveyPGStore(db queryExecer) *surveyPGStore { return &surveyPGStore{db: db} }

func (s *surveyPGStore) GetBySlug(ctx context.Context, slug string) (Survey, bool, error) {
	var (
		def    []byte
		status string
	)
	err := persistence.WithBusyRetry(ctx, "survey_get", func() error {
		return s.db.QueryRow(ctx, `
SELECT definition, status
FROM survey.surveys
WHERE slug = $1;
`, slug).Scan(&def, &status)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Survey{}, false, nil
		}
		return Survey{}, false, err
	}
	sv, err := ParseSurvey(def)
	if err != nil {
		return Survey{}, false, err
	}
	// The status column wins over whatever the stored JSON says.
	sv.Status = status
	return sv, true, nil
}

func (s *surveyPGStore) List(ctx context.Context) ([]SurveySummary, error) {
	var out []SurveySummary
	err := persistence.WithBusyRetry(ctx, "survey_list", func() error {
		rows, err := s.db.Query(ctx, `
SELECT slug, title, status, updated_at
FROM survey.surveys
ORDER BY slug;
`)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var sum SurveySummary
			if err := rows.Scan(&sum.Slug, &sum.Title, &sum.Status, &sum.UpdatedAt); err != nil {
				return err
			}
			out = append(out, sum)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []SurveySummary{}
	}
	return out, nil
}

func (s *surveyPGStore) Upsert(ctx context.Context, sv Survey) error {
	def, err := json.Marshal(sv)
	if err != nil {
		return err
	}
	return persistence.WithBusyRetry(ctx, "survey_upsert", func() error {
		_, err := s.db.Exec(ctx, `
INSERT INTO survey.surveys (slug, title, definition, status)
VALUES ($1, $2, $3::jsonb, $4)
ON CONFLICT (slug) DO UPDATE SET
  title = EXCLUDED.title,
  definition = EXCLUDED.definition,
  status = EXCLUDED.status,
  updated_at = now();
`, sv.Slug, sv.Title, string(def), sv.Status)
		return err
	})
}

func (s *surveyPGStore) SetStatus(ctx context.Context, slug string, status string) (bool, error) {
	var found bool
	err := persistence.WithBusyRetry(ctx, "survey_set_status", func() error {
		tag, err := s.db.Exec(ctx, `
UPDATE survey.surveys
SET status = $2, updated_at = now()
WHERE slug = $1;
`, slug, status)
		if err != nil {
			return err
		}
		found = tag.RowsAffected() > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

type surveyMemoryStore struct {
	mu      sync.Mutex
	bySlug  map[string]Survey
	touched map[string]time.Time
	now     func() time.Time
}

func newSurveyMemoryStore() *surveyMemoryStore {
	return &surveyMemoryStore{
		bySlug:  map[string]Survey{},
		touched: map[string]time.Time{},
		now:     time.Now,
	}
}

func (s *surveyMemoryStore) GetBySlug(_ context.Context, slug string) (Survey, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sv, ok := s.bySlug[slug]
	return sv, ok, nil
}

func (s *surveyMemoryStore) List(_ context.Context) ([]SurveySummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SurveySummary, 0, len(s.bySlug))
	for slug, sv := range s.bySlug {
		out = append(out, SurveySummary{Slug: slug, Title: sv.Title, Status: sv.Status, UpdatedAt: s.touched[slug]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (s *surveyMemoryStore) Upsert(_ context.Context, sv Survey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySlug[sv.Slug] = sv
	s.touched[sv.Slug] = s.now()
	return nil
}

func (s *surveyMemoryStore) SetStatus(_ context.Context, slug string, status string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sv, ok := s.bySlug[slug]
	if !ok {
		return false, nil
	}
	sv.Status = status
	s.bySlug[slug] = sv
	s.touched[slug] = s.now()
	return true, nil
}
