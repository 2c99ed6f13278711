package httpx

import (
	"errors"
	"net/http"

	"github.com/arcadia-platform/arcadia/internal/shared"
)

// RespondError maps domain errors to HTTP responses using RFC7807.
// Authorization denial is never an error: handlers answer 403 directly from
// a boolean check, so shared.ErrForbidden only appears for ownership rules.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrConflict):
		Problem(w, http.StatusConflict, "Already Granted", err.Error())
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrForbidden):
		Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
