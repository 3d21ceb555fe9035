package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/fieldsetapp/fieldset/modules/dynafield/domain/types"
	"github.com/fieldsetapp/fieldset/modules/dynafield/services"
)

const (
	SurveyStatusOpen   = "open"
	SurveyStatusClosed = "closed"
)

var (
	slugPattern  = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)
	fieldPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
)

// Survey is one survey definition as stored in survey.surveys.definition and
// served to the renderer. Questions carry the static form; DynamicFields is
// the dynamic_fields configuration list resolved per session.
type Survey struct {
	Slug            string                 `json:"slug"`
	Title           string                 `json:"title"`
	Description     string                 `json:"description,omitempty"`
	Status          string                 `json:"status,omitempty"`
	SessionTTLHours int                    `json:"session_ttl_hours,omitempty"`
	Questions       []SurveyQuestion       `json:"questions,omitempty"`
	DynamicFields   []types.RawFieldConfig `json:"dynamic_fields,omitempty"`
}

type SurveyQuestion struct {
	Name      string      `json:"name"`
	Label     string      `json:"label,omitempty"`
	Input     string      `json:"input,omitempty"`
	Options   []string    `json:"options,omitempty"`
	Required  bool        `json:"required,omitempty"`
	VisibleIf string      `json:"visible_if,omitempty"`
	Other     *OtherField `json:"other,omitempty"`
}

// OtherField pairs a select question with the free-text companion shown for
// its "other" option. Numeric marks the companion digits-only.
type OtherField struct {
	Field   string `json:"field"`
	Numeric bool   `json:"numeric,omitempty"`
}

func ParseSurvey(b []byte) (Survey, error) {
	var s Survey
	if err := json.Unmarshal(b, &s); err != nil {
		return Survey{}, fmt.Errorf("survey: %w", err)
	}
	s.Slug = strings.TrimSpace(s.Slug)
	s.Title = strings.TrimSpace(s.Title)
	s.Status = strings.TrimSpace(strings.ToLower(s.Status))
	if s.Status == "" {
		s.Status = SurveyStatusOpen
	}
	if err := s.validate(); err != nil {
		return Survey{}, err
	}
	return s, nil
}

func (s Survey) validate() error {
	if s.Slug == "" {
		return errors.New("survey: slug is required")
	}
	if len(s.Slug) > 63 || !slugPattern.MatchString(s.Slug) {
		return fmt.Errorf("survey: slug %q is not a valid slug", s.Slug)
	}
	if s.Title == "" {
		return errors.New("survey: title is required")
	}
	if s.Status != SurveyStatusOpen && s.Status != SurveyStatusClosed {
		return fmt.Errorf("survey: status must be open or closed, got %q", s.Status)
	}
	if s.SessionTTLHours < 0 {
		return errors.New("survey: session_ttl_hours must not be negative")
	}
	if len(s.Questions) == 0 && len(s.DynamicFields) == 0 {
		return errors.New("survey: no questions or dynamic fields")
	}

	names := make(map[string]struct{}, len(s.Questions))
	for i, q := range s.Questions {
		if q.Name == "" {
			return fmt.Errorf("survey: question %d: name is required", i)
		}
		if !fieldPattern.MatchString(q.Name) {
			return fmt.Errorf("survey: question %q: name is not a valid identifier", q.Name)
		}
		if _, dup := names[q.Name]; dup {
			return fmt.Errorf("survey: question %q: name already used", q.Name)
		}
		names[q.Name] = struct{}{}
		switch q.Input {
		case "", "text", "textarea", "select":
		default:
			return fmt.Errorf("survey: question %q: unknown input %q", q.Name, q.Input)
		}
	}
	for _, q := range s.Questions {
		if q.Other == nil {
			continue
		}
		if q.Other.Field == "" || q.Other.Field == q.Name {
			return fmt.Errorf("survey: question %q: other.field must name another question", q.Name)
		}
		if _, ok := names[q.Other.Field]; !ok {
			return fmt.Errorf("survey: question %q: other.field %q is not declared", q.Name, q.Other.Field)
		}
	}
	return nil
}

func (s Survey) Closed() bool { return s.Status == SurveyStatusClosed }

func (s Survey) TTL() time.Duration {
	if s.SessionTTLHours <= 0 {
		return 0
	}
	return time.Duration(s.SessionTTLHours) * time.Hour
}

// buildSessionSpec turns a definition into the runtime spec: parsed field
// configs, visibility rules (compiled into the shared cache when rules is
// set), digits-only companions and the full field list.
func buildSessionSpec(s Survey, rules *services.VisibilityRules) (services.SessionSpec, error) {
	configs, err := services.ParseConfigs(s.DynamicFields)
	if err != nil {
		return services.SessionSpec{}, err
	}

	fields := make([]string, 0, len(s.Questions))
	var vis []types.VisibilityRule
	var numericOnly []string
	for _, q := range s.Questions {
		fields = append(fields, q.Name)
		if q.VisibleIf != "" {
			vis = append(vis, types.VisibilityRule{Field: q.Name, Expr: q.VisibleIf})
		}
		if q.Other != nil && q.Other.Numeric {
			numericOnly = append(numericOnly, q.Other.Field)
		}
	}
	if rules != nil {
		if err := rules.CompileAll(vis); err != nil {
			return services.SessionSpec{}, err
		}
	}
	return services.SessionSpec{
		SurveySlug:  s.Slug,
		Configs:     configs,
		Visibility:  vis,
		NumericOnly: numericOnly,
		Fields:      fields,
		TTL:         s.TTL(),
	}, nil
}

// interpolateParams substitutes {field} placeholders with the bound display
// text. Placeholders without a bound param stay as written.
func interpolateParams(text string, params []types.BoundParam) string {
	if text == "" || len(params) == 0 {
		return text
	}
	pairs := make([]string, 0, len(params)*2)
	for _, p := range params {
		repl := p.Display
		if repl == "" {
			repl = p.Value
		}
		pairs = append(pairs, "{"+p.Field+"}", repl)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}
