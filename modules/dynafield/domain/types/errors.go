package types

import "fmt"

// ConfigError rejects a survey definition at load time. Index and Field name
// the offending dynamic_fields entry.
type ConfigError struct {
	Index  int
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("dynamic field %d (%s): %s", e.Index, e.Field, e.Reason)
}

// DataSourceError marks a lookup failure for a single field. The field
// degrades (empty choices, no advisory verdict); the session keeps running.
type DataSourceError struct {
	Field string
	Table string
	Err   error
}

func (e *DataSourceError) Error() string {
	return fmt.Sprintf("lookup for field %q (table %q): %v", e.Field, e.Table, e.Err)
}

func (e *DataSourceError) Unwrap() error { return e.Err }

// PoolBusyError signals that the shared connection pool could not serve the
// request in time. Callers answer "try again", never a stack trace.
type PoolBusyError struct {
	Op  string
	Err error
}

func (e *PoolBusyError) Error() string {
	return fmt.Sprintf("connection pool busy during %s: %v", e.Op, e.Err)
}

func (e *PoolBusyError) Unwrap() error { return e.Err }
