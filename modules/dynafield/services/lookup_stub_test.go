package services

import (
	"context"
	"strings"
	"sync"
)

// stubLookup scripts LookupSource answers per table and records every call.
type stubLookup struct {
	mu       sync.Mutex
	distinct map[string][]string // table.column
	joined   map[string][]string // table.column@parentValue
	exists   map[string]bool     // table.column@normalized
	display  map[string]string   // table.displayColumn@value
	errs     map[string]error    // method:table
	calls    []string
}

func newStubLookup() *stubLookup {
	return &stubLookup{
		distinct: make(map[string][]string),
		joined:   make(map[string][]string),
		exists:   make(map[string]bool),
		display:  make(map[string]string),
		errs:     make(map[string]error),
	}
}

func (s *stubLookup) SelectDistinct(_ context.Context, table, column string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "distinct:"+table)
	if err := s.errs["distinct:"+table]; err != nil {
		return nil, err
	}
	return append([]string(nil), s.distinct[table+"."+column]...), nil
}

func (s *stubLookup) SelectJoined(_ context.Context, table, column, parentTable, parentIDColumn, parentColumn, parentValue string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "joined:"+table+"@"+parentValue)
	if err := s.errs["joined:"+table]; err != nil {
		return nil, err
	}
	return append([]string(nil), s.joined[table+"."+column+"@"+parentValue]...), nil
}

func (s *stubLookup) ExistsNormalized(_ context.Context, table, column, normalized string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "exists:"+table+"@"+normalized)
	if err := s.errs["exists:"+table]; err != nil {
		return false, err
	}
	return s.exists[table+"."+column+"@"+normalized], nil
}

func (s *stubLookup) LookupDisplay(_ context.Context, table, valueColumn, displayColumn, value string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "display:"+table+"@"+value)
	if err := s.errs["display:"+table]; err != nil {
		return "", false, err
	}
	d, ok := s.display[table+"."+displayColumn+"@"+value]
	return d, ok, nil
}

func (s *stubLookup) callCount(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (s *stubLookup) setErr(key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.errs, key)
		return
	}
	s.errs[key] = err
}
