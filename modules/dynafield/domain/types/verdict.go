package types

// VerdictState grades a field value. Warning lets the submission pass,
// Blocking stops it.
type VerdictState string

const (
	VerdictClean    VerdictState = "clean"
	VerdictWarning  VerdictState = "warning"
	VerdictBlocking VerdictState = "blocking"
)

// Verdict is the outcome of validating one field value. ResultField, when
// set, names the companion field the renderer writes Message into.
type Verdict struct {
	Field       string       `json:"field"`
	State       VerdictState `json:"state"`
	Message     string       `json:"message,omitempty"`
	ResultField string       `json:"result_field,omitempty"`
}

func CleanVerdict(field string) Verdict {
	return Verdict{Field: field, State: VerdictClean}
}

func (v Verdict) Blocking() bool { return v.State == VerdictBlocking }
