package types

// FieldKind discriminates the three dynamic field behaviors a survey can
// attach to a form field.
type FieldKind string

const (
	KindChoice FieldKind = "choice"
	KindParam  FieldKind = "param"
	KindUnique FieldKind = "unique"
)

// ResultPolicy controls what a duplicate finding does to the submission.
type ResultPolicy string

const (
	PolicyWarn ResultPolicy = "warn"
	PolicyStop ResultPolicy = "stop"
)

// RawFieldConfig is one entry of a survey definition's dynamic_fields list,
// exactly as it arrives on the wire.
type RawFieldConfig struct {
	Type           string `json:"type"`
	Field          string `json:"field"`
	Table          string `json:"table"`
	Column         string `json:"column"`
	ParentTable    string `json:"parent_table,omitempty"`
	ParentIDColumn string `json:"parent_id_column,omitempty"`
	DisplayColumn  string `json:"display_column,omitempty"`
	ResultPolicy   string `json:"result_policy,omitempty"`
	ResultField    string `json:"result_field,omitempty"`
}

// FieldConfig is a validated dynamic field configuration. Index is the
// position in the declaration list. ParentField and ParentColumn are resolved
// by the loader from the earlier choice config serving ParentTable.
type FieldConfig struct {
	Index          int
	Kind           FieldKind
	Field          string
	Table          string
	Column         string
	ParentTable    string
	ParentIDColumn string
	DisplayColumn  string
	ResultPolicy   ResultPolicy
	ResultField    string

	ParentField  string
	ParentColumn string
}

// Dependent reports whether the config is a choice list filtered by a parent
// field's current value.
func (c FieldConfig) Dependent() bool {
	return c.Kind == KindChoice && c.ParentTable != ""
}

// VisibilityRule attaches a boolean expression over the answer map to a form
// field; the field is shown only while the expression holds.
type VisibilityRule struct {
	Field string `json:"field"`
	Expr  string `json:"expr"`
}
