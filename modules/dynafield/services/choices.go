package services

import (
	"context"
	"sync"

	"github.com/fieldsetapp/fieldset/modules/dynafield/domain/ports"
	"github.com/fieldsetapp/fieldset/modules/dynafield/domain/types"
)

type choiceKey struct {
	index       int
	parentValue string
}

// ChoiceResolver fetches and caches choice lists for one session. Entries
// are keyed by config position plus the parent value they were filtered
// with, so a parent change never serves a stale child list. Lookup failures
// come back as *types.DataSourceError; nothing is cached for them.
type ChoiceResolver struct {
	src ports.LookupSource

	mu    sync.Mutex
	cache map[choiceKey][]string
}

func NewChoiceResolver(src ports.LookupSource) *ChoiceResolver {
	return &ChoiceResolver{src: src, cache: make(map[choiceKey][]string)}
}

// Resolve returns the choice list of an independent choice config.
func (r *ChoiceResolver) Resolve(ctx context.Context, cfg types.FieldConfig) ([]string, error) {
	return r.resolve(ctx, cfg, "")
}

// ResolveForParent returns the child list filtered by parentValue. An unset
// parent yields an empty list without touching the data source.
func (r *ChoiceResolver) ResolveForParent(ctx context.Context, cfg types.FieldConfig, parentValue string) ([]string, error) {
	if parentValue == "" {
		return []string{}, nil
	}
	return r.resolve(ctx, cfg, parentValue)
}

func (r *ChoiceResolver) resolve(ctx context.Context, cfg types.FieldConfig, parentValue string) ([]string, error) {
	key := choiceKey{index: cfg.Index, parentValue: parentValue}
	r.mu.Lock()
	cached, ok := r.cache[key]
	r.mu.Unlock()
	if ok {
		return cloneValues(cached), nil
	}

	var (
		values []string
		err    error
	)
	if cfg.Dependent() {
		values, err = r.src.SelectJoined(ctx, cfg.Table, cfg.Column, cfg.ParentTable, cfg.ParentIDColumn, cfg.ParentColumn, parentValue)
	} else {
		values, err = r.src.SelectDistinct(ctx, cfg.Table, cfg.Column)
	}
	if err != nil {
		return nil, &types.DataSourceError{Field: cfg.Field, Table: cfg.Table, Err: err}
	}

	r.mu.Lock()
	r.cache[key] = values
	r.mu.Unlock()
	return cloneValues(values), nil
}

// Invalidate drops every cached list of the given config.
func (r *ChoiceResolver) Invalidate(cfg types.FieldConfig) {
	r.mu.Lock()
	for key := range r.cache {
		if key.index == cfg.Index {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()
}

func cloneValues(vs []string) []string {
	out := make([]string, len(vs))
	copy(out, vs)
	return out
}
