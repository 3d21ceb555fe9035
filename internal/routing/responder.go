package routing

import (
	"encoding/json"
	"html"
	"net/http"
	"strings"
)

// ErrorEnvelope is the JSON error body shared by every API route. UI routes
// get a minimal HTML page instead unless the client asked for JSON.
type ErrorEnvelope struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	TraceID string            `json:"trace_id"`
	Meta    ErrorEnvelopeMeta `json:"meta"`
}

type ErrorEnvelopeMeta struct {
	Path   string `json:"path"`
	Method string `json:"method"`
}

func WriteError(w http.ResponseWriter, r *http.Request, rc RouteClass, status int, code string, message string) {
	if jsonError(r, rc) {
		writeJSONBody(w, status, ErrorEnvelope{
			Code:    code,
			Message: message,
			TraceID: traceIDFromRequest(r),
			Meta:    ErrorEnvelopeMeta{Path: r.URL.Path, Method: r.Method},
		})
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte("<!doctype html><html><body>" + html.EscapeString(message) + "</body></html>"))
}

func writeJSONBody(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// jsonError reports whether the error must be JSON: API route classes always
// are, and any route is once the client explicitly accepts application/json.
func jsonError(r *http.Request, rc RouteClass) bool {
	if rc == RouteClassInternalAPI || rc == RouteClassPublicAPI {
		return true
	}
	accept := r.Header.Get("Accept")
	return accept == "application/json" || strings.HasPrefix(accept, "application/json;")
}

// traceIDFromRequest pulls the 32-hex trace id out of a W3C traceparent
// header. Malformed or all-zero ids yield an empty string; the envelope
// simply omits correlation then.
func traceIDFromRequest(r *http.Request) string {
	parts := strings.Split(strings.TrimSpace(r.Header.Get("traceparent")), "-")
	if len(parts) != 4 {
		return ""
	}
	id := strings.ToLower(parts[1])
	if len(id) != 32 || id == strings.Repeat("0", 32) {
		return ""
	}
	for _, ch := range id {
		hex := (ch >= '0' && ch <= '9') || (ch >= 'a' && ch <= 'f')
		if !hex {
			return ""
		}
	}
	return id
}
