package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fieldsetapp/fieldset/modules/dynafield/domain/types"
	"github.com/fieldsetapp/fieldset/modules/dynafield/infrastructure/persistence"
	"github.com/fieldsetapp/fieldset/modules/dynafield/services"
)

// SubmissionRecord is one accepted form submission on its way to storage.
// Uniques carries the normalized values whose duplicate policy must be
// re-checked inside the insert transaction.
type SubmissionRecord struct {
	SurveySlug string
	SessionID  string
	Values     map[string]string
	Uniques    []services.UniqueSubmission
}

type StoredResponse struct {
	ResponseID  string            `json:"response_id"`
	SurveySlug  string            `json:"survey_slug"`
	SessionID   string            `json:"session_id"`
	Answers     map[string]string `json:"answers"`
	SubmittedAt time.Time         `json:"submitted_at"`
}

// DuplicateSubmissionError reports a stop-policy unique value that already
// exists at commit time. The advisory check can miss a racing submission;
// this one cannot.
type DuplicateSubmissionError struct {
	Config types.FieldConfig
}

func (e *DuplicateSubmissionError) Error() string {
	return fmt.Sprintf("duplicate value for field %q", e.Config.Field)
}

type ResponseStore interface {
	Insert(ctx context.Context, rec SubmissionRecord) (StoredResponse, error)
	ListBySurvey(ctx context.Context, slug string) ([]StoredResponse, error)
}

type pgBeginner interface {
	queryExecer
	Begin(ctx context.Context) (pgx.Tx, error)
}

type responsePGStore struct {
	db           pgBeginner
	lookupSchema string
}

func newResponsePGStore(db pgBeginner, lookupSchema string) *responsePGStore {
	if lookupSchema == "" {
		lookupSchema = "lookup"
	}
	return &responsePGStore{db: db, lookupSchema: lookupSchema}
}

// Insert runs the whole submission in one transaction: the stop-policy
// duplicate re-check reads through the same connection that writes the value
// log, so a value committed by a racing session is seen here.
func (s *responsePGStore) Insert(ctx context.Context, rec SubmissionRecord) (StoredResponse, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return StoredResponse{}, err
	}
	answers, err := json.Marshal(rec.Values)
	if err != nil {
		return StoredResponse{}, err
	}

	var out StoredResponse
	err = persistence.WithBusyRetry(ctx, "response_insert", func() error {
		tx, err := s.db.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		for _, u := range rec.Uniques {
			if u.Config.ResultPolicy != types.PolicyStop {
				continue
			}
			query := fmt.Sprintf(
				`SELECT EXISTS (SELECT 1 FROM %s WHERE %s = $1)`,
				pgx.Identifier{s.lookupSchema, u.Config.Table}.Sanitize(),
				persistence.NormalizeExpr(u.Config.Column),
			)
			var exists bool
			if err := tx.QueryRow(ctx, query, u.Normalized).Scan(&exists); err != nil {
				return err
			}
			if exists {
				return &DuplicateSubmissionError{Config: u.Config}
			}
		}

		var submittedAt time.Time
		err = tx.QueryRow(ctx, `
INSERT INTO survey.responses (response_id, survey_slug, session_id, answers)
VALUES ($1, $2, $3, $4::jsonb)
RETURNING submitted_at;
`, id.String(), rec.SurveySlug, rec.SessionID, string(answers)).Scan(&submittedAt)
		if err != nil {
			return err
		}

		for _, u := range rec.Uniques {
			insert := fmt.Sprintf(
				`INSERT INTO %s (%s) VALUES ($1)`,
				pgx.Identifier{s.lookupSchema, u.Config.Table}.Sanitize(),
				pgx.Identifier{u.Config.Column}.Sanitize(),
			)
			if _, err := tx.Exec(ctx, insert, u.Raw); err != nil {
				// A unique index on the value table closes the race the
				// EXISTS re-check leaves open under read committed.
				if isPgUniqueViolation(err) && u.Config.ResultPolicy == types.PolicyStop {
					return &DuplicateSubmissionError{Config: u.Config}
				}
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}
		out = StoredResponse{
			ResponseID:  id.String(),
			SurveySlug:  rec.SurveySlug,
			SessionID:   rec.SessionID,
			Answers:     rec.Values,
			SubmittedAt: submittedAt,
		}
		return nil
	})
	if err != nil {
		return StoredResponse{}, err
	}
	return out, nil
}

func (s *responsePGStore) ListBySurvey(ctx context.Context, slug string) ([]StoredResponse, error) {
	var out []StoredResponse
	err := persistence.WithBusyRetry(ctx, "response_list", func() error {
		rows, err := s.db.Query(ctx, `
SELECT response_id::text, survey_slug, session_id, answers, submitted_at
FROM survey.responses
WHERE survey_slug = $1
ORDER BY submitted_at, response_id;
`, slug)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var (
				resp    StoredResponse
				answers []byte
			)
			if err := rows.Scan(&resp.ResponseID, &resp.SurveySlug, &resp.SessionID, &answers, &resp.SubmittedAt); err != nil {
				return err
			}
			if err := json.Unmarshal(answers, &resp.Answers); err != nil {
				return err
			}
			out = append(out, resp)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []StoredResponse{}
	}
	return out, nil
}

// responseMemoryStore shares the lookup memory store so accepted unique
// values feed later advisory checks exactly like the pg value log does.
type responseMemoryStore struct {
	lookup *persistence.LookupMemoryStore
	now    func() time.Time

	mu       sync.Mutex
	bySurvey map[string][]StoredResponse
}

func newResponseMemoryStore(lookup *persistence.LookupMemoryStore) *responseMemoryStore {
	return &responseMemoryStore{
		lookup:   lookup,
		now:      time.Now,
		bySurvey: map[string][]StoredResponse{},
	}
}

func (s *responseMemoryStore) Insert(ctx context.Context, rec SubmissionRecord) (StoredResponse, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return StoredResponse{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range rec.Uniques {
		if u.Config.ResultPolicy != types.PolicyStop {
			continue
		}
		exists, err := s.lookup.ExistsNormalized(ctx, u.Config.Table, u.Config.Column, u.Normalized)
		if err != nil {
			return StoredResponse{}, err
		}
		if exists {
			return StoredResponse{}, &DuplicateSubmissionError{Config: u.Config}
		}
	}

	values := make(map[string]string, len(rec.Values))
	for k, v := range rec.Values {
		values[k] = v
	}
	resp := StoredResponse{
		ResponseID:  id.String(),
		SurveySlug:  rec.SurveySlug,
		SessionID:   rec.SessionID,
		Answers:     values,
		SubmittedAt: s.now(),
	}
	s.bySurvey[rec.SurveySlug] = append(s.bySurvey[rec.SurveySlug], resp)
	for _, u := range rec.Uniques {
		s.lookup.AddRow(u.Config.Table, map[string]string{u.Config.Column: u.Raw})
	}
	return resp, nil
}

func (s *responseMemoryStore) ListBySurvey(_ context.Context, slug string) ([]StoredResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.bySurvey[slug]
	out := make([]StoredResponse, len(src))
	copy(out, src)
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ResponseID < out[j].ResponseID
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out, nil
}
