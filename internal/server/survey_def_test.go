package server

import (
	"strings"
	"testing"
	"time"

	"github.com/fieldsetapp/fieldset/modules/dynafield/services"
)

func TestParseSurvey_Defaults(t *testing.T) {
	sv, err := ParseSurvey([]byte(`{"slug":"  garden-census ","title":" Garden Census ","questions":[{"name":"plot"}]}`))
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if sv.Slug != "garden-census" || sv.Title != "Garden Census" {
		t.Fatalf("slug=%q title=%q", sv.Slug, sv.Title)
	}
	if sv.Status != SurveyStatusOpen {
		t.Fatalf("status=%q", sv.Status)
	}
	if sv.Closed() {
		t.Fatal("expected open")
	}
	if got := sv.TTL(); got != 0 {
		t.Fatalf("ttl=%v", got)
	}
}

func TestParseSurvey_StatusNormalized(t *testing.T) {
	sv, err := ParseSurvey([]byte(`{"slug":"s","title":"T","status":" CLOSED ","questions":[{"name":"a"}]}`))
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if sv.Status != SurveyStatusClosed || !sv.Closed() {
		t.Fatalf("status=%q", sv.Status)
	}
}

func TestParseSurvey_TTL(t *testing.T) {
	sv, err := ParseSurvey([]byte(`{"slug":"s","title":"T","session_ttl_hours":36,"questions":[{"name":"a"}]}`))
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if got := sv.TTL(); got != 36*time.Hour {
		t.Fatalf("ttl=%v", got)
	}
}

func TestParseSurvey_Invalid(t *testing.T) {
	for _, tc := range []struct {
		name string
		def  string
	}{
		{name: "truncated", def: `{"slug":`},
		{name: "missing slug", def: `{"title":"T","questions":[{"name":"a"}]}`},
		{name: "slug with space", def: `{"slug":"has space","title":"T","questions":[{"name":"a"}]}`},
		{name: "uppercase slug", def: `{"slug":"Garden","title":"T","questions":[{"name":"a"}]}`},
		{name: "leading dash", def: `{"slug":"-x","title":"T","questions":[{"name":"a"}]}`},
		{name: "long slug", def: `{"slug":"` + strings.Repeat("a", 64) + `","title":"T","questions":[{"name":"a"}]}`},
		{name: "missing title", def: `{"slug":"s","questions":[{"name":"a"}]}`},
		{name: "bad status", def: `{"slug":"s","title":"T","status":"archived","questions":[{"name":"a"}]}`},
		{name: "negative ttl", def: `{"slug":"s","title":"T","session_ttl_hours":-1,"questions":[{"name":"a"}]}`},
		{name: "empty form", def: `{"slug":"s","title":"T"}`},
		{name: "unnamed question", def: `{"slug":"s","title":"T","questions":[{"label":"A"}]}`},
		{name: "bad question name", def: `{"slug":"s","title":"T","questions":[{"name":"9bad"}]}`},
		{name: "uppercase question name", def: `{"slug":"s","title":"T","questions":[{"name":"Bad"}]}`},
		{name: "duplicate question", def: `{"slug":"s","title":"T","questions":[{"name":"a"},{"name":"a"}]}`},
		{name: "unknown input", def: `{"slug":"s","title":"T","questions":[{"name":"a","input":"radio"}]}`},
		{name: "other self", def: `{"slug":"s","title":"T","questions":[{"name":"a","input":"select","other":{"field":"a"}}]}`},
		{name: "other empty", def: `{"slug":"s","title":"T","questions":[{"name":"a","input":"select","other":{"field":""}}]}`},
		{name: "other undeclared", def: `{"slug":"s","title":"T","questions":[{"name":"a","input":"select","other":{"field":"zzz"}}]}`},
	} {
		if _, err := ParseSurvey([]byte(tc.def)); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

const plotsSurveyDef = `{
  "slug": "plots",
  "title": "Plot Registration",
  "session_ttl_hours": 4,
  "questions": [
    {"name": "region", "input": "select"},
    {"name": "plot", "input": "select"},
    {"name": "bed_count_bucket", "input": "select", "options": ["1", "2", "more"], "other": {"field": "bed_count", "numeric": true}},
    {"name": "bed_count"},
    {"name": "notes", "input": "textarea", "visible_if": "form[\"plot\"] != \"\""}
  ],
  "dynamic_fields": [
    {"type": "choice", "field": "region", "table": "regions", "column": "name"},
    {"type": "choice", "field": "plot", "table": "plots", "column": "label", "parent_table": "regions", "parent_id_column": "region_id"}
  ]
}`

func TestBuildSessionSpec(t *testing.T) {
	sv, err := ParseSurvey([]byte(plotsSurveyDef))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	spec, err := buildSessionSpec(sv, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if spec.SurveySlug != "plots" {
		t.Fatalf("slug=%q", spec.SurveySlug)
	}
	if got := strings.Join(spec.Fields, ","); got != "region,plot,bed_count_bucket,bed_count,notes" {
		t.Fatalf("fields=%q", got)
	}
	if len(spec.Visibility) != 1 || spec.Visibility[0].Field != "notes" {
		t.Fatalf("visibility=%+v", spec.Visibility)
	}
	if len(spec.NumericOnly) != 1 || spec.NumericOnly[0] != "bed_count" {
		t.Fatalf("numericOnly=%+v", spec.NumericOnly)
	}
	if spec.TTL != 4*time.Hour {
		t.Fatalf("ttl=%v", spec.TTL)
	}
	if len(spec.Configs) != 2 {
		t.Fatalf("configs=%d", len(spec.Configs))
	}
	dep := spec.Configs[1]
	if !dep.Dependent() || dep.ParentField != "region" || dep.ParentColumn != "name" {
		t.Fatalf("dependent=%+v", dep)
	}
}

func TestBuildSessionSpec_ConfigError(t *testing.T) {
	sv, err := ParseSurvey([]byte(`{
  "slug": "s", "title": "T",
  "questions": [{"name": "plot", "input": "select"}],
  "dynamic_fields": [
    {"type": "choice", "field": "plot", "table": "plots", "column": "label", "parent_table": "regions", "parent_id_column": "region_id"}
  ]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := buildSessionSpec(sv, nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestBuildSessionSpec_CompilesVisibility(t *testing.T) {
	rules, err := services.NewVisibilityRules()
	if err != nil {
		t.Fatalf("rules: %v", err)
	}

	sv, err := ParseSurvey([]byte(plotsSurveyDef))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := buildSessionSpec(sv, rules); err != nil {
		t.Fatalf("build: %v", err)
	}

	bad, err := ParseSurvey([]byte(`{"slug":"s","title":"T","questions":[{"name":"a","visible_if":"form[\"a\" =="}]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := buildSessionSpec(bad, rules); err == nil {
		t.Fatal("expected compile error")
	}
}
