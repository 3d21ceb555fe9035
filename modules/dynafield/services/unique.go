package services

import (
	"context"

	"github.com/fieldsetapp/fieldset/modules/dynafield/domain/ports"
	"github.com/fieldsetapp/fieldset/modules/dynafield/domain/types"
	"github.com/fieldsetapp/fieldset/pkg/fieldval"
)

const (
	msgDuplicateWarn = "A very similar entry has already been submitted."
	msgDuplicateStop = "This value has already been submitted."
)

// UniqueChecker runs the advisory duplicate check while the respondent
// types. The authoritative check runs again inside the submission
// transaction with the same normalization.
type UniqueChecker struct {
	src ports.LookupSource
}

func NewUniqueChecker(src ports.LookupSource) *UniqueChecker {
	return &UniqueChecker{src: src}
}

// Check compares the normalized value against the configured column. Values
// that normalize to nothing are clean. A lookup failure returns a clean
// verdict plus the *types.DataSourceError; the check is advisory and must
// not block typing.
func (c *UniqueChecker) Check(ctx context.Context, cfg types.FieldConfig, value string) (types.Verdict, error) {
	normalized := fieldval.Normalize(value)
	if normalized == "" {
		return types.CleanVerdict(cfg.Field), nil
	}
	exists, err := c.src.ExistsNormalized(ctx, cfg.Table, cfg.Column, normalized)
	if err != nil {
		return types.CleanVerdict(cfg.Field), &types.DataSourceError{Field: cfg.Field, Table: cfg.Table, Err: err}
	}
	if !exists {
		return types.CleanVerdict(cfg.Field), nil
	}
	return DuplicateVerdict(cfg), nil
}

// DuplicateVerdict maps a duplicate finding to the config's policy. The
// submission path reuses it when the in-transaction re-check fires.
func DuplicateVerdict(cfg types.FieldConfig) types.Verdict {
	if cfg.ResultPolicy == types.PolicyStop {
		return types.Verdict{Field: cfg.Field, State: types.VerdictBlocking, Message: msgDuplicateStop, ResultField: cfg.ResultField}
	}
	return types.Verdict{Field: cfg.Field, State: types.VerdictWarning, Message: msgDuplicateWarn, ResultField: cfg.ResultField}
}
