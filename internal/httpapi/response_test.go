package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/jensholdgaard/cricket-auction/internal/auction"
	"github.com/jensholdgaard/cricket-auction/internal/auth"
	"github.com/jensholdgaard/cricket-auction/internal/rotation"
	"github.com/jensholdgaard/cricket-auction/internal/store"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		status    int
		code      string
		retryable bool
	}{
		{"squad full", auction.ErrSquadFull, http.StatusConflict, "squad_full", false},
		{"below base", fmt.Errorf("assign: %w", auction.ErrBelowBasePrice), http.StatusUnprocessableEntity, "constraint_violation", false},
		{"infrastructure", &auction.InfrastructureError{Op: "assign", Err: errors.New("conn reset")}, http.StatusServiceUnavailable, "unavailable", true},
		{"cancelled", &auction.InfrastructureError{Op: "assign", Err: context.Canceled}, http.StatusServiceUnavailable, "unavailable", false},
		{"forbidden", fmt.Errorf("user: %w", auth.ErrForbidden), http.StatusForbidden, "forbidden", false},
		{"unauthenticated", auth.ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated", false},
		{"edit after sale", fmt.Errorf("updating player 3: %w", store.ErrNotAvailable), http.StatusConflict, string(auction.CodeInvalidState), false},
		{"not found", fmt.Errorf("team 9: %w", store.ErrNotFound), http.StatusNotFound, "not_found", false},
		{"validation", fmt.Errorf("%w: bad", errInvalidInput), http.StatusBadRequest, "invalid_input", false},
		{"busy", rotation.ErrBusy, http.StatusConflict, "busy", true},
		{"reconciliation", fmt.Errorf("%w: %w", rotation.ErrReconciliation, errors.New("boom")), http.StatusServiceUnavailable, "unavailable", true},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapError(tt.err)
			if got.status != tt.status || got.code != tt.code || got.retryable != tt.retryable {
				t.Errorf("mapError(%v) = %+v, want status %d code %q retryable %v", tt.err, got, tt.status, tt.code, tt.retryable)
			}
		})
	}
}
