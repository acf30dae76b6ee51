package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/cricket-kart/internal/domain/apperr"
	"github.com/xenking/cricket-kart/internal/domain/auth"
)

// statusOf maps an error classification to an HTTP status.
func statusOf(err error) int {
	if errors.Is(err, auth.ErrUnauthenticated) {
		return http.StatusUnauthorized
	}
	switch apperr.KindOf(err) {
	case apperr.Validation, apperr.Integrity:
		return http.StatusBadRequest
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Authorization:
		return http.StatusForbidden
	case apperr.StateConflict:
		return http.StatusConflict
	case apperr.ExternalService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes {code, message}. Internal errors are logged with their
// full chain and answered with a generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	lg := zctx.From(r.Context())
	if status >= http.StatusInternalServerError {
		lg.Error("Request failed", zap.Error(err))
	} else {
		lg.Debug("Request rejected", zap.Error(err), zap.Int("status", status))
	}

	writeJSON(w, status, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("code")
		e.Int(status)
		str(e, "message", apperr.PublicMessage(err))
		e.ObjEnd()
	})
}
