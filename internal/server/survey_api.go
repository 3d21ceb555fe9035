package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/fieldsetapp/fieldset/internal/routing"
)

type surveyResponse struct {
	Survey Survey `json:"survey"`
}

// handleSurveysAPI serves the raw survey definition. Parameter placeholders
// stay unexpanded here; the session endpoints return interpolated text.
func handleSurveysAPI(w http.ResponseWriter, r *http.Request, store SurveyStore) {
	if r.Method != http.MethodGet {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	slug := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("slug")))
	if slug == "" {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "survey_required", "slug required")
		return
	}
	if !slugPattern.MatchString(slug) {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "survey_invalid", "slug invalid")
		return
	}

	sv, ok, err := store.GetBySlug(r.Context(), slug)
	if err != nil {
		writeStoreError(w, r, routing.RouteClassPublicAPI, err, "survey_read_failed")
		return
	}
	if !ok {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusNotFound, "survey_not_found", "survey not found")
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(surveyResponse{Survey: sv})
}
