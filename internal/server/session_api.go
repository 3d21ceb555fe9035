package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/fieldsetapp/fieldset/internal/routing"
	"github.com/fieldsetapp/fieldset/modules/dynafield/domain/ports"
	"github.com/fieldsetapp/fieldset/modules/dynafield/domain/types"
	"github.com/fieldsetapp/fieldset/modules/dynafield/services"
)

const fsidCookieName = "fsid"

var (
	errSurveyNotFound = errors.New("survey_not_found")
	errSurveyClosed   = errors.New("survey_closed")
)

type sessionCreatePayload struct {
	Survey string            `json:"survey"`
	Params map[string]string `json:"params"`
}

type sessionEventPayload struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

type sessionValidatePayload struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

type sessionSubmitPayload struct {
	Answers map[string]string `json:"answers"`
}

// sessionSurveyView is the survey definition as one session sees it, with
// URL parameters substituted into the display text.
type sessionSurveyView struct {
	Slug        string           `json:"slug"`
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	Questions   []SurveyQuestion `json:"questions"`
}

type sessionStateResponse struct {
	Survey sessionSurveyView  `json:"survey"`
	State  services.InitState `json:"state"`
}

type sessionValidateResponse struct {
	Verdict types.Verdict `json:"verdict"`
}

// sessionRejectedResponse reports why a submission was refused. Blocking
// verdicts from the final re-check and commit-time duplicates both land here
// so the client renders them the same way.
type sessionRejectedResponse struct {
	Code     string          `json:"code"`
	Verdicts []types.Verdict `json:"verdicts"`
}

type sessionSubmittedResponse struct {
	ResponseID  string    `json:"response_id"`
	SubmittedAt time.Time `json:"submitted_at"`
}

func surveyView(sv Survey, params []types.BoundParam) sessionSurveyView {
	view := sessionSurveyView{
		Slug:        sv.Slug,
		Title:       interpolateParams(sv.Title, params),
		Description: interpolateParams(sv.Description, params),
		Questions:   make([]SurveyQuestion, len(sv.Questions)),
	}
	copy(view.Questions, sv.Questions)
	for i := range view.Questions {
		view.Questions[i].Label = interpolateParams(view.Questions[i].Label, params)
	}
	return view
}

func readFSID(r *http.Request) (string, bool) {
	c, err := r.Cookie(fsidCookieName)
	if err != nil || strings.TrimSpace(c.Value) == "" {
		return "", false
	}
	return c.Value, true
}

// setFSIDCookie gives the cookie the session TTL so a browser restart within
// the TTL still finds the persisted progress.
func setFSIDCookie(w http.ResponseWriter, sid string, ttl time.Duration) {
	c := &http.Cookie{
		Name:     fsidCookieName,
		Value:    sid,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if ttl > 0 {
		c.MaxAge = int(ttl / time.Second)
	}
	http.SetCookie(w, c)
}

func clearFSIDCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     fsidCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func handleSessionCreateAPI(w http.ResponseWriter, r *http.Request, surveys SurveyStore, registry *services.Registry) {
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var req sessionCreatePayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "bad_json", "bad json")
		return
	}
	req.Survey = strings.ToLower(strings.TrimSpace(req.Survey))
	if req.Survey == "" {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "survey_required", "survey required")
		return
	}
	if !slugPattern.MatchString(req.Survey) {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "survey_invalid", "survey invalid")
		return
	}

	sv, ok, err := surveys.GetBySlug(r.Context(), req.Survey)
	if err != nil {
		writeStoreError(w, r, routing.RouteClassPublicAPI, err, "survey_read_failed")
		return
	}
	if !ok {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusNotFound, "survey_not_found", "survey not found")
		return
	}
	if sv.Closed() {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusConflict, "survey_closed", "survey closed")
		return
	}

	spec, err := buildSessionSpec(sv, registry.Rules())
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusInternalServerError, "survey_config_invalid", "survey config invalid")
		return
	}

	_, state, err := registry.CreateSession(r.Context(), spec, req.Params)
	if err != nil {
		writeStoreError(w, r, routing.RouteClassPublicAPI, err, "session_create_failed")
		return
	}

	setFSIDCookie(w, state.SessionID, sv.TTL())
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(sessionStateResponse{
		Survey: surveyView(sv, state.Params),
		State:  state,
	})
}

func handleSessionEventAPI(w http.ResponseWriter, r *http.Request, registry *services.Registry) {
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	sid, ok := readFSID(r)
	if !ok {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "session_required", "session cookie required")
		return
	}

	var req sessionEventPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "bad_json", "bad json")
		return
	}
	req.Field = strings.TrimSpace(req.Field)
	if req.Field == "" {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "field_required", "field required")
		return
	}

	sess, ok := registry.Get(sid)
	if !ok {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusNotFound, "session_not_found", "session not found")
		return
	}

	res, err := sess.ApplyValueChanged(r.Context(), req.Field, req.Value)
	if err != nil {
		if errors.Is(err, services.ErrUnknownField) {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusUnprocessableEntity, "unknown_field", "unknown field")
			return
		}
		writeStoreError(w, r, routing.RouteClassPublicAPI, err, "session_event_failed")
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(res)
}

func handleSessionValidateAPI(w http.ResponseWriter, r *http.Request, registry *services.Registry) {
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	sid, ok := readFSID(r)
	if !ok {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "session_required", "session cookie required")
		return
	}

	var req sessionValidatePayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "bad_json", "bad json")
		return
	}
	req.Field = strings.TrimSpace(req.Field)
	if req.Field == "" {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "field_required", "field required")
		return
	}

	sess, ok := registry.Get(sid)
	if !ok {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusNotFound, "session_not_found", "session not found")
		return
	}

	verdict, err := sess.Validate(r.Context(), req.Field, req.Value)
	if err != nil {
		if errors.Is(err, services.ErrUnknownField) {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusUnprocessableEntity, "unknown_field", "unknown field")
			return
		}
		writeStoreError(w, r, routing.RouteClassPublicAPI, err, "session_validate_failed")
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(sessionValidateResponse{Verdict: verdict})
}

func handleSessionProgressAPI(w http.ResponseWriter, r *http.Request, surveys SurveyStore, registry *services.Registry) {
	if r.Method != http.MethodGet {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	sid, ok := readFSID(r)
	if !ok {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "session_required", "session cookie required")
		return
	}

	var (
		restored      Survey
		restoredFound bool
	)
	specFor := func(slug string) (services.SessionSpec, error) {
		sv, ok, err := surveys.GetBySlug(r.Context(), slug)
		if err != nil {
			return services.SessionSpec{}, err
		}
		if !ok {
			return services.SessionSpec{}, errSurveyNotFound
		}
		if sv.Closed() {
			return services.SessionSpec{}, errSurveyClosed
		}
		restored, restoredFound = sv, true
		return buildSessionSpec(sv, registry.Rules())
	}

	sess, state, err := registry.Restore(r.Context(), sid, specFor)
	if err != nil {
		switch {
		case errors.Is(err, ports.ErrSnapshotNotFound):
			clearFSIDCookie(w)
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusNotFound, "session_not_found", "session not found")
		case errors.Is(err, errSurveyNotFound):
			clearFSIDCookie(w)
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusNotFound, "survey_not_found", "survey not found")
		case errors.Is(err, errSurveyClosed):
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusConflict, "survey_closed", "survey closed")
		default:
			writeStoreError(w, r, routing.RouteClassPublicAPI, err, "session_restore_failed")
		}
		return
	}

	if !restoredFound {
		sv, ok, err := surveys.GetBySlug(r.Context(), sess.SurveySlug())
		if err != nil {
			writeStoreError(w, r, routing.RouteClassPublicAPI, err, "survey_read_failed")
			return
		}
		if !ok {
			clearFSIDCookie(w)
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusNotFound, "survey_not_found", "survey not found")
			return
		}
		restored = sv
	}

	setFSIDCookie(w, sid, restored.TTL())
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(sessionStateResponse{
		Survey: surveyView(restored, state.Params),
		State:  state,
	})
}

func handleSessionSubmitAPI(w http.ResponseWriter, r *http.Request, surveys SurveyStore, registry *services.Registry, responses ResponseStore) {
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	sid, ok := readFSID(r)
	if !ok {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "session_required", "session cookie required")
		return
	}

	var req sessionSubmitPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusBadRequest, "bad_json", "bad json")
		return
	}

	sess, ok := registry.Get(sid)
	if !ok {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusNotFound, "session_not_found", "session not found")
		return
	}

	sv, ok, err := surveys.GetBySlug(r.Context(), sess.SurveySlug())
	if err != nil {
		writeStoreError(w, r, routing.RouteClassPublicAPI, err, "survey_read_failed")
		return
	}
	if !ok || sv.Closed() {
		routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusConflict, "survey_closed", "survey closed")
		return
	}

	prep, err := sess.PrepareSubmit(r.Context(), req.Answers)
	if err != nil {
		if errors.Is(err, services.ErrUnknownField) {
			routing.WriteError(w, r, routing.RouteClassPublicAPI, http.StatusUnprocessableEntity, "unknown_field", "unknown field")
			return
		}
		writeStoreError(w, r, routing.RouteClassPublicAPI, err, "session_submit_failed")
		return
	}
	if len(prep.Blocking) > 0 {
		writeSubmissionRejected(w, prep.Blocking)
		return
	}

	stored, err := responses.Insert(r.Context(), SubmissionRecord{
		SurveySlug: sess.SurveySlug(),
		SessionID:  sid,
		Values:     prep.Values,
		Uniques:    prep.Uniques,
	})
	if err != nil {
		if dup, ok := errors.AsType[*DuplicateSubmissionError](err); ok {
			writeSubmissionRejected(w, []types.Verdict{services.DuplicateVerdict(dup.Config)})
			return
		}
		writeStoreError(w, r, routing.RouteClassPublicAPI, err, "session_submit_failed")
		return
	}

	// The response is committed; a failed snapshot delete only leaves an
	// orphan row for the sweeper.
	_ = registry.Drop(r.Context(), sid)
	clearFSIDCookie(w)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(sessionSubmittedResponse{
		ResponseID:  stored.ResponseID,
		SubmittedAt: stored.SubmittedAt,
	})
}

func writeSubmissionRejected(w http.ResponseWriter, verdicts []types.Verdict) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnprocessableEntity)
	_ = json.NewEncoder(w).Encode(sessionRejectedResponse{
		Code:     "submission_blocked",
		Verdicts: verdicts,
	})
}
