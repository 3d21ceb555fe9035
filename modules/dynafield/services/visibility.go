package services

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/fieldsetapp/fieldset/modules/dynafield/domain/types"
)

// VisibilityRules compiles and evaluates visible_if expressions. Programs
// are compiled once per expression and shared across sessions. Expressions
// see the current answers as `form`, a string-to-string map, and must yield
// a bool. Evaluation failures fail open: the field stays visible and the
// error is reported for logging.
type VisibilityRules struct {
	env      *cel.Env
	programs sync.Map
}

func NewVisibilityRules() (*VisibilityRules, error) {
	env, err := cel.NewEnv(cel.Variable("form", cel.MapType(cel.StringType, cel.StringType)))
	if err != nil {
		return nil, err
	}
	return &VisibilityRules{env: env}, nil
}

// CompileAll eagerly compiles every rule so a broken expression rejects the
// survey at load time instead of mid-session.
func (v *VisibilityRules) CompileAll(rules []types.VisibilityRule) error {
	for _, rule := range rules {
		if strings.TrimSpace(rule.Expr) == "" {
			continue
		}
		if _, err := v.program(rule.Expr); err != nil {
			return fmt.Errorf("visible_if for field %q: %w", rule.Field, err)
		}
	}
	return nil
}

// Visible evaluates one expression against the answers. Blank expressions
// are always visible.
func (v *VisibilityRules) Visible(expr string, form map[string]string) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}
	program, err := v.program(expr)
	if err != nil {
		return true, err
	}
	out, _, err := program.Eval(map[string]any{"form": form})
	if err != nil {
		return true, err
	}
	visible, ok := out.Value().(bool)
	if !ok {
		return true, errors.New("expression did not yield a bool")
	}
	return visible, nil
}

func (v *VisibilityRules) program(expr string) (cel.Program, error) {
	expr = strings.TrimSpace(expr)
	if cached, ok := v.programs.Load(expr); ok {
		return cached.(cel.Program), nil
	}
	ast, issues := v.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if ast.OutputType() != cel.BoolType {
		return nil, errors.New("expression output type mismatch")
	}
	program, err := v.env.Program(ast)
	if err != nil {
		return nil, err
	}
	v.programs.Store(expr, program)
	return program, nil
}
