package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "validation_wrapped", err: Validationf("quantité %d", 0), want: "validation"},
		{name: "coupon", err: ErrInvalidCoupon, want: "invalid_coupon"},
		{name: "transition", err: &TransitionError{From: "COMPLETED", Event: "cancel"}, want: "invalid_transition"},
		{name: "refund", err: fmt.Errorf("order 1: %w", ErrRefundExceedsCaptured), want: "refund_exceeds_captured"},
		{name: "exhausted", err: ErrDispatchExhausted, want: "dispatch_exhausted"},
		{name: "deadline", err: context.DeadlineExceeded, want: "timeout"},
		{name: "unknown", err: errors.New("boom"), want: "internal"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := Kind(tt.err); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestClassAndRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		class     string
		retryable bool
	}{
		{name: "validation", err: Validationf("vide"), class: ClassValidation},
		{name: "conflict", err: ErrConflict, class: ClassConflict, retryable: true},
		{name: "double_accept", err: ErrAlreadyAssigned, class: ClassConflict},
		{name: "no_driver", err: ErrNoEligibleDriver, class: ClassExhaustion, retryable: true},
		{name: "exhausted", err: ErrDispatchExhausted, class: ClassExhaustion},
		{name: "unavailable", err: fmt.Errorf("stripe: %w", ErrPaymentUnavailable), class: ClassDependency, retryable: true},
		{name: "declined", err: ErrPaymentDeclined, class: ClassDependency},
		{name: "invariant", err: ErrRefundExceedsCaptured, class: ClassInvariant},
		{name: "internal", err: errors.New("boom"), class: ClassInternal},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := Class(tt.err); got != tt.class {
				t.Fatalf("expected class %q, got %q", tt.class, got)
			}
			if got := Retryable(tt.err); got != tt.retryable {
				t.Fatalf("expected retryable %v, got %v", tt.retryable, got)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: http.StatusOK},
		{name: "declined", err: ErrPaymentDeclined, want: http.StatusPaymentRequired},
		{name: "coupon", err: ErrInvalidCoupon, want: http.StatusBadRequest},
		{name: "transition", err: &TransitionError{From: "PLACED", Event: "complete"}, want: http.StatusConflict},
		{name: "refund", err: ErrRefundExceedsCaptured, want: http.StatusUnprocessableEntity},
		{name: "unavailable", err: ErrPaymentUnavailable, want: http.StatusServiceUnavailable},
		{name: "not_found", err: fmt.Errorf("order x: %w", ErrNotFound), want: http.StatusNotFound},
		{name: "forbidden", err: ErrForbidden, want: http.StatusForbidden},
		{name: "unknown", err: errors.New("boom"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := HTTPStatus(tt.err); got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}
