package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fieldsetapp/fieldset/modules/dynafield/domain/types"
	"github.com/fieldsetapp/fieldset/pkg/fieldval"
)

var ErrUnknownField = errors.New("unknown_field")

const msgNumericOnly = "Please enter digits only."

// SessionSpec is everything a form session needs from a survey definition.
// Fields lists every question name so visibility expressions always see a
// complete answer map.
type SessionSpec struct {
	SurveySlug  string
	Configs     []types.FieldConfig
	Visibility  []types.VisibilityRule
	NumericOnly []string
	Fields      []string
	TTL         time.Duration
}

// InitState is the render payload produced at session start or restore.
type InitState struct {
	SessionID  string              `json:"session_id"`
	Values     map[string]string   `json:"values"`
	Params     []types.BoundParam  `json:"params,omitempty"`
	Choices    map[string][]string `json:"choices"`
	Verdicts   []types.Verdict     `json:"verdicts,omitempty"`
	Visibility map[string]bool     `json:"visibility,omitempty"`
	Degraded   []string            `json:"degraded,omitempty"`
}

// ChangeResult answers one value-changed event.
type ChangeResult struct {
	Field      string              `json:"field"`
	Updated    map[string][]string `json:"updated_choices,omitempty"`
	Cleared    []string            `json:"cleared,omitempty"`
	Verdicts   []types.Verdict     `json:"verdicts,omitempty"`
	Visibility map[string]bool     `json:"visibility,omitempty"`
	Degraded   []string            `json:"degraded,omitempty"`
}

// UniqueSubmission carries one unique-config value into the authoritative
// in-transaction duplicate check and value log.
type UniqueSubmission struct {
	Config     types.FieldConfig
	Raw        string
	Normalized string
}

// SubmitPrep is the session's final word before the response is written.
// Blocking verdicts, when present, must stop the submission.
type SubmitPrep struct {
	Values   map[string]string
	Uniques  []UniqueSubmission
	Blocking []types.Verdict
}

type sessionDeps struct {
	resolver *ChoiceResolver
	binder   *ParamBinder
	unique   *UniqueChecker
	rules    *VisibilityRules
	logger   *zap.Logger
	now      func() time.Time
	onDirty  func(types.Snapshot)
}

// Session is one respondent's in-flight form. Every event handler runs under
// the session mutex, so events apply strictly in arrival order and never
// race each other.
type Session struct {
	id   string
	spec SessionSpec
	deps sessionDeps

	known map[string]struct{}

	mu         sync.Mutex
	values     map[string]string
	params     []types.BoundParam
	verdicts   map[string]types.Verdict
	choices    map[string][]string
	visibility map[string]bool
	lastActive time.Time
}

func newSession(id string, spec SessionSpec, deps sessionDeps) *Session {
	known := make(map[string]struct{}, len(spec.Fields)+len(spec.Configs))
	for _, f := range spec.Fields {
		known[f] = struct{}{}
	}
	for _, cfg := range spec.Configs {
		known[cfg.Field] = struct{}{}
		if cfg.ResultField != "" {
			known[cfg.ResultField] = struct{}{}
		}
	}
	return &Session{
		id:         id,
		spec:       spec,
		deps:       deps,
		known:      known,
		values:     make(map[string]string),
		verdicts:   make(map[string]types.Verdict),
		choices:    make(map[string][]string),
		visibility: make(map[string]bool),
		lastActive: deps.now(),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) SurveySlug() string { return s.spec.SurveySlug }

func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

func (s *Session) ttl() time.Duration { return s.spec.TTL }

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = s.deps.now()
	s.mu.Unlock()
}

// start binds URL parameters, resolves every choice list and computes
// visibility. Parameters bind first so they can seed a parent field before
// its children resolve.
func (s *Session) start(ctx context.Context, urlParams map[string]string) InitState {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cfg := range s.spec.Configs {
		if cfg.Kind != types.KindParam {
			continue
		}
		bound, verdict, err := s.deps.binder.Bind(ctx, cfg, urlParams)
		if err != nil {
			s.deps.logger.Warn("param lookup degraded",
				zap.String("session", s.id), zap.String("field", cfg.Field), zap.Error(err))
		}
		if verdict != nil {
			s.verdicts[cfg.Field] = *verdict
		}
		if bound != nil {
			s.params = append(s.params, *bound)
			s.values[cfg.Field] = bound.Value
		}
	}

	degraded := s.resolveAllLocked(ctx, nil)
	s.recomputeVisibilityLocked()
	return s.stateLocked(degraded)
}

// restore rebuilds session state from a snapshot. Choice lists are resolved
// fresh from the stored parent values; the snapshot's child lists serve only
// as a display fallback when a lookup degrades.
func (s *Session) restore(ctx context.Context, snap types.Snapshot) InitState {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values = make(map[string]string, len(snap.Values))
	for field, value := range snap.Values {
		if _, ok := s.known[field]; ok {
			s.values[field] = value
		}
	}
	s.params = append([]types.BoundParam(nil), snap.Params...)

	degraded := s.resolveAllLocked(ctx, snap.ChildChoices)
	for _, cfg := range s.spec.Configs {
		if cfg.Kind != types.KindUnique {
			continue
		}
		value, ok := s.values[cfg.Field]
		if !ok {
			continue
		}
		verdict, err := s.deps.unique.Check(ctx, cfg, value)
		if err != nil {
			s.deps.logger.Warn("uniqueness check degraded",
				zap.String("session", s.id), zap.String("field", cfg.Field), zap.Error(err))
			continue
		}
		if verdict.State != types.VerdictClean {
			s.verdicts[cfg.Field] = verdict
		}
	}
	s.recomputeVisibilityLocked()
	return s.stateLocked(degraded)
}

// resolveAllLocked resolves every choice config concurrently; independent
// fields each cost one lookup and dependent fields resolve against whatever
// parent value is already set. Failed fields degrade to an empty list (or
// the hint) and are reported back for the payload.
func (s *Session) resolveAllLocked(ctx context.Context, hints map[string][]string) []string {
	type outcome struct {
		cfg    types.FieldConfig
		values []string
		err    error
	}
	var choiceCfgs []types.FieldConfig
	for _, cfg := range s.spec.Configs {
		if cfg.Kind == types.KindChoice {
			choiceCfgs = append(choiceCfgs, cfg)
		}
	}
	outcomes := make([]outcome, len(choiceCfgs))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, cfg := range choiceCfgs {
		eg.Go(func() error {
			var values []string
			var err error
			if cfg.Dependent() {
				values, err = s.deps.resolver.ResolveForParent(egCtx, cfg, s.values[cfg.ParentField])
			} else {
				values, err = s.deps.resolver.Resolve(egCtx, cfg)
			}
			outcomes[i] = outcome{cfg: cfg, values: values, err: err}
			return nil
		})
	}
	_ = eg.Wait()

	var degraded []string
	for _, out := range outcomes {
		if out.err != nil {
			s.deps.logger.Warn("choice lookup degraded",
				zap.String("session", s.id), zap.String("field", out.cfg.Field), zap.Error(out.err))
			values := []string{}
			if hint, ok := hints[out.cfg.Field]; ok && out.cfg.Dependent() {
				values = cloneValues(hint)
			}
			s.choices[out.cfg.Field] = values
			degraded = append(degraded, out.cfg.Field)
			continue
		}
		s.choices[out.cfg.Field] = out.values
	}
	return degraded
}

// ApplyValueChanged records one field change: the value is stored, child
// choice lists are invalidated and re-resolved against the new value
// (cascading through grandchildren), the field's advisory verdict is
// refreshed and visibility is recomputed. A snapshot is handed to the async
// saver before returning.
func (s *Session) ApplyValueChanged(ctx context.Context, field, value string) (ChangeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.known[field]; !ok {
		return ChangeResult{}, ErrUnknownField
	}
	s.lastActive = s.deps.now()

	if strings.TrimSpace(value) == "" {
		value = ""
		delete(s.values, field)
	} else {
		s.values[field] = value
	}

	res := ChangeResult{Field: field, Updated: make(map[string][]string)}
	degraded := s.cascadeLocked(ctx, field, &res)

	verdict, verdictDegraded := s.verdictLocked(ctx, field, value)
	degraded = append(degraded, verdictDegraded...)
	if verdict.State == types.VerdictClean {
		delete(s.verdicts, field)
	} else {
		s.verdicts[field] = verdict
	}
	res.Verdicts = append(res.Verdicts, verdict)

	s.recomputeVisibilityLocked()
	res.Visibility = s.visibilitySnapshotLocked()
	res.Degraded = degraded

	if s.deps.onDirty != nil {
		s.deps.onDirty(s.snapshotLocked())
	}
	return res, nil
}

// cascadeLocked refreshes every choice field whose parent is the changed
// field. The stale cache entries drop before the new list installs, and a
// cleared child cascades into its own children in turn. Parent links always
// point at earlier config positions, so the recursion terminates.
func (s *Session) cascadeLocked(ctx context.Context, field string, res *ChangeResult) []string {
	var degraded []string
	for _, cfg := range s.spec.Configs {
		if !cfg.Dependent() || cfg.ParentField != field {
			continue
		}
		s.deps.resolver.Invalidate(cfg)
		if _, had := s.values[cfg.Field]; had {
			delete(s.values, cfg.Field)
			res.Cleared = append(res.Cleared, cfg.Field)
		}
		delete(s.verdicts, cfg.Field)

		values, err := s.deps.resolver.ResolveForParent(ctx, cfg, s.values[field])
		if err != nil {
			s.deps.logger.Warn("choice lookup degraded",
				zap.String("session", s.id), zap.String("field", cfg.Field), zap.Error(err))
			values = []string{}
			degraded = append(degraded, cfg.Field)
		}
		s.choices[cfg.Field] = values
		res.Updated[cfg.Field] = values

		degraded = append(degraded, s.cascadeLocked(ctx, cfg.Field, res)...)
	}
	return degraded
}

// Validate runs the advisory checks for one field without touching session
// state.
func (s *Session) Validate(ctx context.Context, field, value string) (types.Verdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.known[field]; !ok {
		return types.Verdict{}, ErrUnknownField
	}
	s.lastActive = s.deps.now()
	verdict, _ := s.verdictLocked(ctx, field, value)
	return verdict, nil
}

func (s *Session) verdictLocked(ctx context.Context, field, value string) (types.Verdict, []string) {
	if value == "" {
		return types.CleanVerdict(field), nil
	}
	for _, numericField := range s.spec.NumericOnly {
		if numericField == field && !fieldval.IsNumericOnly(value) {
			return types.Verdict{Field: field, State: types.VerdictBlocking, Message: msgNumericOnly}, nil
		}
	}
	for _, cfg := range s.spec.Configs {
		if cfg.Kind != types.KindUnique || cfg.Field != field {
			continue
		}
		verdict, err := s.deps.unique.Check(ctx, cfg, value)
		if err != nil {
			s.deps.logger.Warn("uniqueness check degraded",
				zap.String("session", s.id), zap.String("field", field), zap.Error(err))
			return types.CleanVerdict(field), []string{field}
		}
		return verdict, nil
	}
	return types.CleanVerdict(field), nil
}

// PrepareSubmit overlays the submitted answers onto the session, drops
// hidden and empty fields, and collects the unique-config values for the
// in-transaction check. Blocking verdicts in the result must stop the write.
func (s *Session) PrepareSubmit(ctx context.Context, answers map[string]string) (SubmitPrep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = s.deps.now()

	for field, value := range answers {
		if _, ok := s.known[field]; !ok {
			return SubmitPrep{}, ErrUnknownField
		}
		if strings.TrimSpace(value) == "" {
			delete(s.values, field)
			continue
		}
		s.values[field] = value
	}
	s.recomputeVisibilityLocked()

	values := make(map[string]string, len(s.values))
	for field, value := range s.values {
		if visible, ruled := s.visibility[field]; ruled && !visible {
			continue
		}
		values[field] = value
	}

	prep := SubmitPrep{Values: values}
	for _, cfg := range s.spec.Configs {
		if cfg.Kind != types.KindUnique {
			continue
		}
		raw, ok := values[cfg.Field]
		if !ok {
			continue
		}
		normalized := fieldval.Normalize(raw)
		if normalized == "" {
			continue
		}
		prep.Uniques = append(prep.Uniques, UniqueSubmission{Config: cfg, Raw: raw, Normalized: normalized})
	}
	for _, field := range s.spec.NumericOnly {
		if value, ok := values[field]; ok && !fieldval.IsNumericOnly(value) {
			prep.Blocking = append(prep.Blocking, types.Verdict{Field: field, State: types.VerdictBlocking, Message: msgNumericOnly})
		}
	}
	return prep, nil
}

func (s *Session) currentState() InitState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked(nil)
}

func (s *Session) stateLocked(degraded []string) InitState {
	values := make(map[string]string, len(s.values))
	for k, v := range s.values {
		values[k] = v
	}
	choices := make(map[string][]string, len(s.choices))
	for field, list := range s.choices {
		choices[field] = cloneValues(list)
	}
	var verdicts []types.Verdict
	for _, cfg := range s.spec.Configs {
		if v, ok := s.verdicts[cfg.Field]; ok {
			verdicts = append(verdicts, v)
		}
	}
	return InitState{
		SessionID:  s.id,
		Values:     values,
		Params:     append([]types.BoundParam(nil), s.params...),
		Choices:    choices,
		Verdicts:   verdicts,
		Visibility: s.visibilitySnapshotLocked(),
		Degraded:   degraded,
	}
}

func (s *Session) recomputeVisibilityLocked() {
	if len(s.spec.Visibility) == 0 {
		return
	}
	form := make(map[string]string, len(s.known))
	for field := range s.known {
		form[field] = ""
	}
	for field, value := range s.values {
		form[field] = value
	}
	for _, rule := range s.spec.Visibility {
		visible, err := s.deps.rules.Visible(rule.Expr, form)
		if err != nil {
			s.deps.logger.Warn("visibility rule failed",
				zap.String("session", s.id), zap.String("field", rule.Field), zap.Error(err))
		}
		s.visibility[rule.Field] = visible
	}
}

func (s *Session) visibilitySnapshotLocked() map[string]bool {
	if len(s.visibility) == 0 {
		return nil
	}
	vis := make(map[string]bool, len(s.visibility))
	for field, visible := range s.visibility {
		vis[field] = visible
	}
	return vis
}

// Snapshot captures the restorable state: values, bound params and the
// dependent choice lists as a display hint.
func (s *Session) Snapshot() types.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() types.Snapshot {
	values := make(map[string]string, len(s.values))
	for k, v := range s.values {
		values[k] = v
	}
	var hints map[string][]string
	for _, cfg := range s.spec.Configs {
		if !cfg.Dependent() {
			continue
		}
		list, ok := s.choices[cfg.Field]
		if !ok || len(list) == 0 {
			continue
		}
		if hints == nil {
			hints = make(map[string][]string)
		}
		hints[cfg.Field] = cloneValues(list)
	}
	return types.Snapshot{
		SurveySlug:   s.spec.SurveySlug,
		Values:       values,
		Params:       append([]types.BoundParam(nil), s.params...),
		ChildChoices: hints,
		SavedAt:      s.deps.now(),
	}
}
