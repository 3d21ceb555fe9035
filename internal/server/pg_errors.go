package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fieldsetapp/fieldset/internal/routing"
	"github.com/fieldsetapp/fieldset/modules/dynafield/domain/types"
)

func pgErrorMessage(err error) string {
	if pgErr, ok := errors.AsType[*pgconn.PgError](err); ok && pgErr != nil {
		msg := strings.TrimSpace(pgErr.Message)
		if msg != "" {
			return msg
		}
	}
	return "UNKNOWN"
}

func pgErrorCode(err error) string {
	if pgErr, ok := errors.AsType[*pgconn.PgError](err); ok && pgErr != nil {
		return strings.TrimSpace(pgErr.Code)
	}
	return ""
}

func isPgUniqueViolation(err error) bool {
	return pgErrorCode(err) == "23505"
}

// isBusyError matches pool exhaustion as classified by the storage layer and
// raw deadline hits that never reached it.
func isBusyError(err error) bool {
	if _, ok := errors.AsType[*types.PoolBusyError](err); ok {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// writeStoreError answers a failed storage call. Busy pools get a retryable
// 503; everything else is a 500 under the caller's code.
func writeStoreError(w http.ResponseWriter, r *http.Request, class routing.RouteClass, err error, code string) {
	if isBusyError(err) {
		routing.WriteError(w, r, class, http.StatusServiceUnavailable, "try_again", "storage busy, retry shortly")
		return
	}
	routing.WriteError(w, r, class, http.StatusInternalServerError, code, "storage error")
}
