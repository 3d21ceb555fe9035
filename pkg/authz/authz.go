// Package authz wraps casbin role checks for the admin surface. Policies are
// plain CSV files so a deployment can grant roles without a schema change.
package authz

import (
	"errors"
	"os"
	"strings"

	"github.com/casbin/casbin/v2"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"
)

type Mode string

const (
	ModeEnforce  Mode = "enforce"
	ModeShadow   Mode = "shadow"
	ModeDisabled Mode = "disabled"
)

// ModeFromEnv reads AUTHZ_MODE. Enforcement is the default; disabled mode is
// for local debugging and must be confirmed through
// AUTHZ_UNSAFE_ALLOW_DISABLED=1.
func ModeFromEnv() (Mode, error) {
	switch mode := Mode(strings.TrimSpace(strings.ToLower(os.Getenv("AUTHZ_MODE")))); mode {
	case "":
		return ModeEnforce, nil
	case ModeEnforce, ModeShadow:
		return mode, nil
	case ModeDisabled:
		if os.Getenv("AUTHZ_UNSAFE_ALLOW_DISABLED") != "1" {
			return "", errors.New("authz: AUTHZ_MODE=disabled requires AUTHZ_UNSAFE_ALLOW_DISABLED=1")
		}
		return mode, nil
	default:
		return "", errors.New("authz: invalid AUTHZ_MODE (expected enforce|shadow|disabled)")
	}
}

type Authorizer struct {
	enforcer *casbin.Enforcer
	mode     Mode
}

func NewAuthorizer(modelPath string, policyPath string, mode Mode) (*Authorizer, error) {
	enforcer, err := casbin.NewEnforcer(modelPath, fileadapter.NewAdapter(policyPath))
	if err != nil {
		return nil, err
	}
	return &Authorizer{enforcer: enforcer, mode: mode}, nil
}

// SubjectFromRoleSlug maps a transport role to a policy subject. An empty
// slug is a respondent, never an elevated role.
func SubjectFromRoleSlug(roleSlug string) string {
	roleSlug = strings.TrimSpace(strings.ToLower(roleSlug))
	if roleSlug == "" {
		roleSlug = RoleRespondent
	}
	return "role:" + roleSlug
}

// Authorize evaluates the request under the configured mode. enforced=false
// marks the decision advisory (shadow or disabled runs); the caller must let
// the request through then.
func (a *Authorizer) Authorize(subject string, object string, action string) (allowed bool, enforced bool, err error) {
	switch a.mode {
	case ModeDisabled:
		return true, false, nil
	case ModeShadow, ModeEnforce:
		enforced := a.mode == ModeEnforce
		ok, err := a.enforcer.Enforce(subject, object, action)
		if err != nil {
			return false, enforced, err
		}
		return ok, enforced, nil
	default:
		return false, false, errors.New("authz: unknown mode")
	}
}
