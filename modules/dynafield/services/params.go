package services

import (
	"context"
	"strings"

	"github.com/fieldsetapp/fieldset/modules/dynafield/domain/ports"
	"github.com/fieldsetapp/fieldset/modules/dynafield/domain/types"
)

const (
	msgParamUnknown     = "The link parameter was not recognized and was ignored."
	msgParamUnavailable = "The link parameter could not be verified and was ignored."
)

// ParamBinder seeds form fields from URL parameters. The parameter name is
// the config's column name; matching is exact on the raw value. Unknown or
// unverifiable values soft-fail with a warning verdict so a bad link never
// aborts session creation.
type ParamBinder struct {
	src ports.LookupSource
}

func NewParamBinder(src ports.LookupSource) *ParamBinder {
	return &ParamBinder{src: src}
}

// Bind resolves one param config against the request's URL parameters.
// Absent or blank parameters return all nils. A lookup failure returns both
// the soft-fail verdict and the underlying *types.DataSourceError.
func (b *ParamBinder) Bind(ctx context.Context, cfg types.FieldConfig, urlParams map[string]string) (*types.BoundParam, *types.Verdict, error) {
	raw, ok := urlParams[cfg.Column]
	if !ok {
		return nil, nil, nil
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil, nil
	}

	displayColumn := cfg.DisplayColumn
	if displayColumn == "" {
		displayColumn = cfg.Column
	}
	display, found, err := b.src.LookupDisplay(ctx, cfg.Table, cfg.Column, displayColumn, raw)
	if err != nil {
		verdict := &types.Verdict{Field: cfg.Field, State: types.VerdictWarning, Message: msgParamUnavailable}
		return nil, verdict, &types.DataSourceError{Field: cfg.Field, Table: cfg.Table, Err: err}
	}
	if !found {
		return nil, &types.Verdict{Field: cfg.Field, State: types.VerdictWarning, Message: msgParamUnknown}, nil
	}
	if display == "" {
		display = raw
	}
	return &types.BoundParam{Field: cfg.Field, Value: raw, Display: display}, nil, nil
}
