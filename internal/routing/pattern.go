package routing

import "strings"

type PathPattern struct {
	raw      string
	segments []string
}

// NewPathPattern parses a path template such as /survey/{slug}. The second
// return is false when raw holds no {param} segment or is malformed.
func NewPathPattern(raw string) (PathPattern, bool) {
	return parsePathPattern(raw)
}

func parsePathPattern(raw string) (PathPattern, bool) {
	if !strings.Contains(raw, "{") {
		return PathPattern{}, false
	}
	if raw == "" || raw[0] != '/' {
		return PathPattern{}, false
	}

	parts := splitPathSegments(raw)
	for _, s := range parts {
		if s == "" {
			return PathPattern{}, false
		}
		if strings.Contains(s, "{") || strings.Contains(s, "}") {
			if !isParamSegment(s) {
				return PathPattern{}, false
			}
		}
	}
	return PathPattern{raw: raw, segments: parts}, true
}

func (p PathPattern) Match(path string) bool {
	if p.raw == "" {
		return false
	}
	in := splitPathSegments(path)
	if len(in) != len(p.segments) {
		return false
	}
	for i := range p.segments {
		want := p.segments[i]
		got := in[i]
		if got == "" {
			return false
		}
		if isParamSegment(want) {
			continue
		}
		if got != want {
			return false
		}
	}
	return true
}

// Param returns the value bound to the named {param} segment, or "" when the
// path does not match the pattern or the name is absent from it.
func (p PathPattern) Param(path, name string) string {
	if !p.Match(path) {
		return ""
	}
	in := splitPathSegments(path)
	for i, want := range p.segments {
		if isParamSegment(want) && want[1:len(want)-1] == name {
			return in[i]
		}
	}
	return ""
}

func splitPathSegments(path string) []string {
	path = strings.TrimSpace(path)
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func isParamSegment(s string) bool {
	return strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") && len(s) > 2
}
