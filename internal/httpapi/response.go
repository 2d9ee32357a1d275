package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/jensholdgaard/cricket-auction/internal/auction"
	"github.com/jensholdgaard/cricket-auction/internal/auth"
	"github.com/jensholdgaard/cricket-auction/internal/rotation"
	"github.com/jensholdgaard/cricket-auction/internal/store"
	"github.com/jensholdgaard/cricket-auction/internal/telemetry"
)

// errInvalidInput marks request decoding and validation failures.
var errInvalidInput = errors.New("invalid input")

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type mappedError struct {
	status    int
	code      string
	retryable bool
}

func mapError(err error) mappedError {
	var rule *auction.RuleError
	var infra *auction.InfrastructureError
	switch {
	case errors.As(err, &rule):
		status := http.StatusConflict
		if rule.Code == auction.CodeBelowBasePrice {
			status = http.StatusUnprocessableEntity
		}
		return mappedError{status: status, code: string(rule.Code)}
	case errors.As(err, &infra):
		return mappedError{status: http.StatusServiceUnavailable, code: "unavailable", retryable: infra.Retryable()}
	case errors.Is(err, errInvalidInput):
		return mappedError{status: http.StatusBadRequest, code: "invalid_input"}
	case errors.Is(err, auth.ErrUnauthenticated):
		return mappedError{status: http.StatusUnauthorized, code: "unauthenticated"}
	case errors.Is(err, auth.ErrForbidden):
		return mappedError{status: http.StatusForbidden, code: "forbidden"}
	case errors.Is(err, store.ErrNotAvailable):
		return mappedError{status: http.StatusConflict, code: string(auction.CodeInvalidState)}
	case errors.Is(err, store.ErrNotFound):
		return mappedError{status: http.StatusNotFound, code: "not_found"}
	case errors.Is(err, rotation.ErrBusy):
		return mappedError{status: http.StatusConflict, code: "busy", retryable: true}
	case errors.Is(err, rotation.ErrReconciliation),
		errors.Is(err, context.DeadlineExceeded):
		return mappedError{status: http.StatusServiceUnavailable, code: "unavailable", retryable: true}
	default:
		return mappedError{status: http.StatusInternalServerError, code: "internal"}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	m := mapError(err)
	msg := err.Error()
	if m.status >= http.StatusInternalServerError {
		telemetry.LogWithTrace(r.Context(), s.logger).ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", msg),
		)
		if m.code == "internal" {
			msg = "internal error"
		}
	}
	writeJSON(w, m.status, errorResponse{Error: errorBody{Code: m.code, Message: msg, Retryable: m.retryable}})
}

// decode reads a JSON body into dst and validates its struct tags.
func (s *Server) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errInvalidInput, err)
	}
	if err := s.validate.StructCtx(r.Context(), dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed on %s", errInvalidInput, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", errInvalidInput, err)
	}
	return nil
}
