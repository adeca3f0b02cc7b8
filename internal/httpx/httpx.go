package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"gigchat/internal/apperr"

	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// Decode reads a JSON body into v. An empty or malformed body is a validation error.
func Decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return apperr.Wrap(apperr.CodeInvalidArgument, "invalid request body", err)
	}
	return nil
}

type errorBody struct {
	Error   apperr.Code `json:"error"`
	Message string      `json:"message"`
}

// StatusOf maps an error code onto an HTTP status.
func StatusOf(code apperr.Code) int {
	switch code {
	case apperr.CodeInvalidArgument:
		return http.StatusBadRequest
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodePermissionDenied:
		return http.StatusForbidden
	case apperr.CodeConflict:
		return http.StatusConflict
	case apperr.CodeUnauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Error renders err. Internal failures are logged and reported without detail.
func Error(w http.ResponseWriter, log *zap.Logger, err error) {
	code := apperr.CodeOf(err)
	status := StatusOf(code)

	msg := err.Error()
	if status == http.StatusInternalServerError {
		if log != nil {
			log.Error("request failed", zap.Error(err))
		}
		code = apperr.CodeInternal
		msg = "internal error"
	} else {
		var ae *apperr.AppError
		if errors.As(err, &ae) {
			msg = ae.Message
		}
	}
	JSON(w, status, errorBody{Error: code, Message: msg})
}
