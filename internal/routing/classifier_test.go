package routing

import "testing"

func TestClassifier_SegmentBoundary(t *testing.T) {
	t.Parallel()

	a := Allowlist{
		Version: 1,
		Entrypoints: map[string]Entrypoint{
			"server": {Routes: []Route{{Path: "/health", Methods: []string{"GET"}, RouteClass: "ops"}}},
		},
	}
	c, err := NewClassifier(a, "server")
	if err != nil {
		t.Fatal(err)
	}

	if got := c.Classify("/api/sessions"); got != RouteClassPublicAPI {
		t.Fatalf("got=%q", got)
	}
	if got := c.Classify("/apix/sessions"); got == RouteClassPublicAPI {
		t.Fatalf("unexpected public api: %q", got)
	}
	if got := c.Classify("/api/admin/surveys"); got != RouteClassInternalAPI {
		t.Fatalf("got=%q", got)
	}
	if got := c.Classify("/api/administrivia"); got != RouteClassPublicAPI {
		t.Fatalf("got=%q", got)
	}

	if got := c.Classify("api/admin"); got != RouteClassUI {
		t.Fatalf("got=%q", got)
	}
	if got := c.Classify("/"); got != RouteClassUI {
		t.Fatalf("got=%q", got)
	}
}

func TestNewClassifier_Errors(t *testing.T) {
	t.Parallel()

	_, err := NewClassifier(Allowlist{Version: 1, Entrypoints: map[string]Entrypoint{"server": {Routes: nil}}}, "server")
	if err == nil {
		t.Fatal("expected empty routes error")
	}

	_, err = NewClassifier(Allowlist{Version: 1, Entrypoints: map[string]Entrypoint{"server": {Routes: []Route{{}}}}}, "server")
	if err == nil {
		t.Fatal("expected invalid route error")
	}

	_, err = NewClassifier(Allowlist{Version: 1, Entrypoints: map[string]Entrypoint{"server": {Routes: []Route{{Path: "/health", RouteClass: "ops"}}}}}, "other")
	if err == nil {
		t.Fatal("expected missing entrypoint error")
	}
}

func TestClassifier_AllClasses(t *testing.T) {
	t.Parallel()

	a := Allowlist{
		Version: 1,
		Entrypoints: map[string]Entrypoint{
			"server": {Routes: []Route{
				{Path: "/health", Methods: []string{"GET"}, RouteClass: "ops"},
				{Path: "/survey", Methods: []string{"GET"}, RouteClass: "ui"},
			}},
		},
	}
	c, err := NewClassifier(a, "server")
	if err != nil {
		t.Fatal(err)
	}

	cases := map[string]RouteClass{
		"/health":            RouteClassOps,
		"/healthz":           RouteClassOps,
		"/survey":            RouteClassUI,
		"/api/admin/surveys": RouteClassInternalAPI,
		"/api/sessions":      RouteClassPublicAPI,
		"/_dev/x":            RouteClassDevOnly,
		"/assets/x":          RouteClassStatic,
		"/static/x":          RouteClassStatic,
		"/anything-else":     RouteClassUI,
	}
	for path, want := range cases {
		if got := c.Classify(path); got != want {
			t.Fatalf("path=%s got=%q want=%q", path, got, want)
		}
	}
}

func TestClassifier_PathPattern(t *testing.T) {
	t.Parallel()

	a := Allowlist{
		Version: 1,
		Entrypoints: map[string]Entrypoint{
			"server": {Routes: []Route{
				{Path: "/health", Methods: []string{"GET"}, RouteClass: "ops"},
				{Path: "/survey/{slug}", Methods: []string{"GET"}, RouteClass: "ui"},
			}},
		},
	}
	c, err := NewClassifier(a, "server")
	if err != nil {
		t.Fatal(err)
	}

	if got := c.Classify("/survey/product-feedback"); got != RouteClassUI {
		t.Fatalf("got=%q", got)
	}
}
