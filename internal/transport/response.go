// Package transport contains the HTTP router, middleware chain, and the
// request handlers for the batch workflow API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/batchflow/internal/observability"
	"github.com/pitabwire/batchflow/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrUnauthorized:       http.StatusUnauthorized,
	model.ErrForbidden:          http.StatusForbidden,
	model.ErrNotFound:           http.StatusNotFound,
	model.ErrConflict:           http.StatusConflict,
	model.ErrNotStartable:       http.StatusConflict,
	model.ErrWrongState:         http.StatusConflict,
	model.ErrInvalidPhase:       http.StatusUnprocessableEntity,
	model.ErrInstantiationError: http.StatusUnprocessableEntity,
	model.ErrRollbackFailed:     http.StatusInternalServerError,
	model.ErrInternalError:      http.StatusInternalServerError,
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// writeRawJSON writes an already encoded JSON body.
func writeRawJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	w.Write(body)
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. If err does not wrap an *ErrorEnvelope, a generic 500 is
// returned.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, StatusFor(err), errorResponse{Error: envelopeOf(err)})
}

// StatusFor returns the HTTP status code for err.
func StatusFor(err error) int {
	status := statusForCode[envelopeOf(err).Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return status
}

// writeRequestError writes err stamped with the request's trace ID. Server
// side failures are logged with the underlying cause.
func writeRequestError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	ee := *envelopeOf(err)
	ee.TraceID = observability.TraceIDFromContext(r.Context())

	status := StatusFor(err)
	log := observability.LoggerFrom(r.Context(), logger)
	if status >= http.StatusInternalServerError {
		log.Error("request failed",
			zap.String("code", ee.Code),
			zap.Error(err),
		)
	} else {
		log.Debug("request rejected",
			zap.String("code", ee.Code),
			zap.String("message", ee.Message),
		)
	}
	WriteJSON(w, status, errorResponse{Error: &ee})
}

func envelopeOf(err error) *model.ErrorEnvelope {
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) {
		return ee
	}
	return model.NewInternalError()
}
