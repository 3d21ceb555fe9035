package services

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/fieldsetapp/fieldset/modules/dynafield/domain/types"
)

// Table and column names are interpolated into SQL after validation, so the
// accepted charset stays strict and the length cap matches postgres.
var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

const maxIdentLen = 63

// ParseConfigs validates a survey's dynamic_fields list in declaration order
// and resolves parent links between choice fields. A dependent choice must
// name a parent table already served by an earlier choice entry. The first
// violation aborts parsing with a *types.ConfigError.
func ParseConfigs(raw []types.RawFieldConfig) ([]types.FieldConfig, error) {
	configs := make([]types.FieldConfig, 0, len(raw))
	fieldAt := make(map[string]int, len(raw))
	type choiceRef struct {
		field  string
		column string
	}
	servedBy := make(map[string]choiceRef)

	for i, rc := range raw {
		cfg := types.FieldConfig{
			Index:          i,
			Field:          strings.TrimSpace(rc.Field),
			Table:          strings.TrimSpace(rc.Table),
			Column:         strings.TrimSpace(rc.Column),
			ParentTable:    strings.TrimSpace(rc.ParentTable),
			ParentIDColumn: strings.TrimSpace(rc.ParentIDColumn),
			DisplayColumn:  strings.TrimSpace(rc.DisplayColumn),
			ResultField:    strings.TrimSpace(rc.ResultField),
		}
		fail := func(reason string) ([]types.FieldConfig, error) {
			return nil, &types.ConfigError{Index: i, Field: cfg.Field, Reason: reason}
		}

		switch strings.TrimSpace(rc.Type) {
		case string(types.KindChoice):
			cfg.Kind = types.KindChoice
		case string(types.KindParam):
			cfg.Kind = types.KindParam
		case string(types.KindUnique):
			cfg.Kind = types.KindUnique
		default:
			return fail(fmt.Sprintf("unknown type %q", rc.Type))
		}

		if cfg.Field == "" {
			return fail("field is required")
		}
		if strings.ContainsFunc(cfg.Field, unicode.IsSpace) {
			return fail("field must not contain whitespace")
		}
		if prev, ok := fieldAt[cfg.Field]; ok {
			return fail(fmt.Sprintf("field already configured at position %d", prev))
		}

		if reason := identReason("table", cfg.Table); reason != "" {
			return fail(reason)
		}
		if reason := identReason("column", cfg.Column); reason != "" {
			return fail(reason)
		}

		if (cfg.ParentTable == "") != (cfg.ParentIDColumn == "") {
			return fail("parent_table and parent_id_column go together")
		}
		if cfg.ParentTable != "" {
			if cfg.Kind != types.KindChoice {
				return fail("parent filters apply to choice fields only")
			}
			if reason := identReason("parent_table", cfg.ParentTable); reason != "" {
				return fail(reason)
			}
			if reason := identReason("parent_id_column", cfg.ParentIDColumn); reason != "" {
				return fail(reason)
			}
			ref, ok := servedBy[cfg.ParentTable]
			if !ok {
				return fail(fmt.Sprintf("parent table %q is not served by an earlier choice field", cfg.ParentTable))
			}
			cfg.ParentField = ref.field
			cfg.ParentColumn = ref.column
		}

		if cfg.DisplayColumn != "" {
			if cfg.Kind != types.KindParam {
				return fail("display_column applies to param fields only")
			}
			if reason := identReason("display_column", cfg.DisplayColumn); reason != "" {
				return fail(reason)
			}
		}

		switch cfg.Kind {
		case types.KindUnique:
			switch types.ResultPolicy(strings.TrimSpace(rc.ResultPolicy)) {
			case types.PolicyWarn:
				cfg.ResultPolicy = types.PolicyWarn
			case types.PolicyStop:
				cfg.ResultPolicy = types.PolicyStop
			default:
				return fail("result_policy must be warn or stop")
			}
			if cfg.ResultField == "" {
				return fail("result_field is required")
			}
		default:
			if rc.ResultPolicy != "" || cfg.ResultField != "" {
				return fail("result_policy applies to unique fields only")
			}
		}

		fieldAt[cfg.Field] = i
		if cfg.Kind == types.KindChoice {
			if _, ok := servedBy[cfg.Table]; !ok {
				servedBy[cfg.Table] = choiceRef{field: cfg.Field, column: cfg.Column}
			}
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

func identReason(what, v string) string {
	if v == "" {
		return what + " is required"
	}
	if len(v) > maxIdentLen || !identPattern.MatchString(v) {
		return fmt.Sprintf("%s %q is not a valid identifier", what, v)
	}
	return ""
}
