package server

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/fieldsetapp/fieldset/internal/routing"
	"github.com/fieldsetapp/fieldset/pkg/authz"
)

func loadAuthorizer() (*authz.Authorizer, error) {
	modelPath := os.Getenv("AUTHZ_MODEL_PATH")
	if modelPath == "" {
		p, err := defaultAuthzModelPath()
		if err != nil {
			return nil, err
		}
		modelPath = p
	}

	policyPath := os.Getenv("AUTHZ_POLICY_PATH")
	if policyPath == "" {
		p, err := defaultAuthzPolicyPath()
		if err != nil {
			return nil, err
		}
		policyPath = p
	}

	mode, err := authz.ModeFromEnv()
	if err != nil {
		return nil, err
	}

	return authz.NewAuthorizer(modelPath, policyPath, mode)
}

func defaultAuthzModelPath() (string, error) {
	path := "config/access/model.conf"
	for range 8 {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("server: authz model not found")
}

func defaultAuthzPolicyPath() (string, error) {
	path := "config/access/policy.csv"
	for range 8 {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("server: authz policy not found")
}

type authorizer interface {
	Authorize(subject string, object string, action string) (allowed bool, enforced bool, err error)
}

// withAuthz guards the admin API. Respondent routes carry no requirement and
// pass straight through.
func withAuthz(classifier *routing.Classifier, a authorizer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		object, action, shouldCheck := authzRequirementForRoute(r.Method, r.URL.Path)
		if !shouldCheck {
			next.ServeHTTP(w, r)
			return
		}

		rc := routing.RouteClassUI
		if classifier != nil {
			rc = classifier.Classify(r.URL.Path)
		}

		subject := authz.SubjectFromRoleSlug(currentRole(r.Context()))
		allowed, enforced, err := a.Authorize(subject, object, action)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "authz_error", "authz error")
			return
		}
		if enforced && !allowed {
			routing.WriteError(w, r, rc, http.StatusForbidden, "forbidden", "forbidden")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func authzRequirementForRoute(method string, path string) (object string, action string, ok bool) {
	switch path {
	case "/api/admin/surveys":
		if method == http.MethodGet {
			return authz.ObjectSurveys, authz.ActionRead, true
		}
		if method == http.MethodPost {
			return authz.ObjectSurveys, authz.ActionAdmin, true
		}
		return "", "", false
	case "/api/admin/surveys:close":
		if method == http.MethodPost {
			return authz.ObjectSurveys, authz.ActionAdmin, true
		}
		return "", "", false
	case "/api/admin/responses":
		if method == http.MethodGet {
			return authz.ObjectResponses, authz.ActionRead, true
		}
		return "", "", false
	default:
		return "", "", false
	}
}
