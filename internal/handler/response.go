// Package handler provides the HTTP handlers of the monetary policy API.
package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"moneypolicy/pkg/errors"
	"moneypolicy/pkg/logger"
	"moneypolicy/pkg/validator"
)

const maxRequestBody = 1 << 20

// responder carries the JSON helpers shared by every handler.
type responder struct {
	validator *validator.Validator
	logger    logger.Logger
}

func (h responder) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("json encode failed", map[string]interface{}{"error": err.Error()})
		_, _ = w.Write([]byte(`{"error":"response encoding failed"}`))
	}
}

func (h responder) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

func (h responder) respondValidationErrors(w http.ResponseWriter, errs map[string]string) {
	h.respondJSON(w, http.StatusBadRequest, map[string]interface{}{
		"error":             "Validation failed",
		"validation_errors": errs,
	})
}

// respondServiceError maps a service error to a status by its kind. Unknown
// errors are logged and hidden behind a generic message.
func (h responder) respondServiceError(w http.ResponseWriter, r *http.Request, err error, extra map[string]interface{}) {
	status := statusFor(err)
	body := map[string]interface{}{
		"error": err.Error(),
		"code":  errors.Code(err),
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", map[string]interface{}{
			"error":  err.Error(),
			"path":   r.URL.Path,
			"method": r.Method,
		})
		if errors.Classify(err) == errors.KindUnknown {
			body["error"] = "Internal server error"
		}
	}
	for k, v := range extra {
		body[k] = v
	}
	h.respondJSON(w, status, body)
}

func statusFor(err error) int {
	switch errors.Classify(err) {
	case errors.KindConfiguration:
		switch {
		case errors.Is(err, errors.ErrRateNotConfigured),
			errors.Is(err, errors.ErrRateInactive),
			errors.Is(err, errors.ErrFeeConfigMissing),
			errors.Is(err, errors.ErrLimitNotConfigured):
			return http.StatusServiceUnavailable
		}
		return http.StatusUnprocessableEntity
	case errors.KindPolicy:
		if errors.Is(err, errors.ErrInvalidRequest) || errors.Is(err, errors.ErrInvalidAmount) {
			return http.StatusBadRequest
		}
		return http.StatusUnprocessableEntity
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body into dst and validates it. It writes the error
// response itself and reports whether the handler may continue.
func (h responder) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			h.respondError(w, http.StatusBadRequest, "Request body is required")
			return false
		}
		h.respondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}

	if valErrs := h.validator.ValidateStructured(dst); valErrs != nil {
		h.respondValidationErrors(w, valErrs)
		return false
	}
	return true
}
