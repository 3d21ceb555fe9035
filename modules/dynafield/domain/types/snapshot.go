package types

import "time"

// BoundParam is a URL parameter that passed reference-table validation and
// now seeds a form field. Display carries the looked-up display text for
// interpolation; it falls back to the raw value.
type BoundParam struct {
	Field   string `json:"field"`
	Value   string `json:"value"`
	Display string `json:"display,omitempty"`
}

// Snapshot is the persisted progress of one form session. ChildChoices holds
// the dependent choice lists as resolved at save time; restore treats them as
// a display hint only and re-resolves from the stored parent values.
type Snapshot struct {
	SurveySlug   string              `json:"survey_slug"`
	Values       map[string]string   `json:"values"`
	Params       []BoundParam        `json:"params,omitempty"`
	ChildChoices map[string][]string `json:"child_choices,omitempty"`
	SavedAt      time.Time           `json:"saved_at"`
}
