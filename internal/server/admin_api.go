package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/fieldsetapp/fieldset/internal/routing"
	"github.com/fieldsetapp/fieldset/modules/dynafield/services"
)

const maxSurveyDefinitionBytes = 1 << 20

type adminSurveyListResponse struct {
	Surveys []SurveySummary `json:"surveys"`
}

type adminSurveyMutationResponse struct {
	Slug   string `json:"slug"`
	Status string `json:"status"`
}

type adminSurveyClosePayload struct {
	Survey string `json:"survey"`
	Status string `json:"status"`
}

type adminResponsesResponse struct {
	Survey    string           `json:"survey"`
	Count     int              `json:"count"`
	Responses []StoredResponse `json:"responses"`
}

func handleAdminSurveysAPI(w http.ResponseWriter, r *http.Request, store SurveyStore, registry *services.Registry) {
	switch r.Method {
	case http.MethodGet:
		handleAdminSurveysListAPI(w, r, store)
	case http.MethodPost:
		handleAdminSurveysUpsertAPI(w, r, store, registry)
	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func handleAdminSurveysListAPI(w http.ResponseWriter, r *http.Request, store SurveyStore) {
	items, err := store.List(r.Context())
	if err != nil {
		writeStoreError(w, r, routing.RouteClassInternalAPI, err, "survey_list_failed")
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(adminSurveyListResponse{Surveys: items})
}

// handleAdminSurveysUpsertAPI accepts a full survey definition document.
// The definition must pass the same spec build a session would run, so a
// survey that stores cleanly can always start sessions.
func handleAdminSurveysUpsertAPI(w http.ResponseWriter, r *http.Request, store SurveyStore, registry *services.Registry) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSurveyDefinitionBytes+1))
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "bad_json", "bad json")
		return
	}
	if len(body) > maxSurveyDefinitionBytes {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "survey_definition_too_large", "survey definition too large")
		return
	}

	sv, err := ParseSurvey(body)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "survey_definition_invalid", err.Error())
		return
	}
	if _, err := buildSessionSpec(sv, registry.Rules()); err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "survey_config_invalid", err.Error())
		return
	}

	if err := store.Upsert(r.Context(), sv); err != nil {
		writeStoreError(w, r, routing.RouteClassInternalAPI, err, "survey_save_failed")
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(adminSurveyMutationResponse{Slug: sv.Slug, Status: sv.Status})
}

func handleAdminSurveysCloseAPI(w http.ResponseWriter, r *http.Request, store SurveyStore) {
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var req adminSurveyClosePayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "bad_json", "bad json")
		return
	}
	req.Survey = strings.ToLower(strings.TrimSpace(req.Survey))
	req.Status = strings.ToLower(strings.TrimSpace(req.Status))
	if req.Status == "" {
		req.Status = SurveyStatusClosed
	}

	if req.Survey == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "survey_required", "survey required")
		return
	}
	if !slugPattern.MatchString(req.Survey) {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "survey_invalid", "survey invalid")
		return
	}
	if req.Status != SurveyStatusOpen && req.Status != SurveyStatusClosed {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "survey_status_invalid", "status invalid")
		return
	}

	found, err := store.SetStatus(r.Context(), req.Survey, req.Status)
	if err != nil {
		writeStoreError(w, r, routing.RouteClassInternalAPI, err, "survey_status_failed")
		return
	}
	if !found {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusNotFound, "survey_not_found", "survey not found")
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(adminSurveyMutationResponse{Slug: req.Survey, Status: req.Status})
}

func handleAdminResponsesAPI(w http.ResponseWriter, r *http.Request, store ResponseStore) {
	if r.Method != http.MethodGet {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	slug := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("survey")))
	if slug == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "survey_required", "survey required")
		return
	}
	if !slugPattern.MatchString(slug) {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "survey_invalid", "survey invalid")
		return
	}

	items, err := store.ListBySurvey(r.Context(), slug)
	if err != nil {
		writeStoreError(w, r, routing.RouteClassInternalAPI, err, "response_list_failed")
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(adminResponsesResponse{
		Survey:    slug,
		Count:     len(items),
		Responses: items,
	})
}
