package server

import (
	"net/http"

	"github.com/teranos/slotpulse/errors"
	"github.com/teranos/slotpulse/logger"
)

// Error codes returned in errorBody.Code
const (
	codeValidation     = "validation"
	codeInvalidRequest = "invalid_request"
	codeLockConflict   = "lock_conflict"
	codeVersion        = "version_conflict"
	codeConflict       = "conflict"
	codeLockExpired    = "lock_expired"
	codeNotFound       = "not_found"
	codeInternal       = "internal"
	codeUnavailable    = "unavailable"
)

// classify maps a domain error to its HTTP status and code. ErrLockConflict
// and ErrVersionConflict are checked before the generic conflict.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errors.ErrValidation):
		return http.StatusUnprocessableEntity, codeValidation
	case errors.Is(err, errors.ErrInvalidRequest):
		return http.StatusBadRequest, codeInvalidRequest
	case errors.Is(err, errors.ErrLockExpired):
		return http.StatusGone, codeLockExpired
	case errors.Is(err, errors.ErrLockConflict):
		return http.StatusConflict, codeLockConflict
	case errors.Is(err, errors.ErrVersionConflict):
		return http.StatusConflict, codeVersion
	case errors.Is(err, errors.ErrConflict):
		return http.StatusConflict, codeConflict
	case errors.IsNotFoundError(err):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, errors.ErrServiceUnavailable):
		return http.StatusServiceUnavailable, codeUnavailable
	}
	return http.StatusInternalServerError, codeInternal
}

// writeAppError writes err with the status its class maps to. Internal
// errors are logged and their detail withheld from the client.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		s.log(r).Errorw("Request failed", logger.FieldError, err)
		writeError(w, status, code, "internal error")
		return
	}
	writeError(w, status, code, err.Error())
}
