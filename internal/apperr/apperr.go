package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Classes d'erreurs exposées aux appelants.
const (
	ClassValidation = "validation"
	ClassConflict   = "conflict"
	ClassExhaustion = "exhaustion"
	ClassDependency = "dependency"
	ClassInvariant  = "invariant"
	ClassNotFound   = "not_found"
	ClassForbidden  = "forbidden"
	ClassInternal   = "internal"
)

var (
	ErrValidation            = errors.New("requête invalide")
	ErrInvalidCoupon         = errors.New("coupon invalide")
	ErrInvalidTransition     = errors.New("transition de statut invalide")
	ErrConflict              = errors.New("conflit de mise à jour concurrente")
	ErrSuggestionClosed      = errors.New("suggestion expirée ou déjà traitée")
	ErrAlreadyAssigned       = errors.New("commande déjà attribuée")
	ErrDriverBusy            = errors.New("livreur déjà occupé")
	ErrNoEligibleDriver      = errors.New("aucun livreur éligible")
	ErrDispatchExhausted     = errors.New("recherche de livreur épuisée")
	ErrPaymentDeclined       = errors.New("paiement refusé")
	ErrPaymentUnavailable    = errors.New("service de paiement indisponible")
	ErrCatalogUnavailable    = errors.New("catalogue indisponible")
	ErrRefundExceedsCaptured = errors.New("remboursement supérieur au montant capturé")
	ErrCaptureExceedsAuth    = errors.New("capture supérieure au montant autorisé")
	ErrNotFound              = errors.New("introuvable")
	ErrForbidden             = errors.New("action non autorisée")
)

// TransitionError précise l'état et l'événement refusés.
type TransitionError struct {
	From  string
	Event string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: événement %q interdit depuis %s", ErrInvalidTransition, e.Event, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Validationf construit une erreur de validation avec un message lisible.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidCoupon):
		return "invalid_coupon"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrSuggestionClosed):
		return "suggestion_closed"
	case errors.Is(err, ErrAlreadyAssigned):
		return "already_assigned"
	case errors.Is(err, ErrDriverBusy):
		return "driver_busy"
	case errors.Is(err, ErrNoEligibleDriver):
		return "no_eligible_driver"
	case errors.Is(err, ErrDispatchExhausted):
		return "dispatch_exhausted"
	case errors.Is(err, ErrPaymentDeclined):
		return "payment_declined"
	case errors.Is(err, ErrPaymentUnavailable):
		return "payment_unavailable"
	case errors.Is(err, ErrCatalogUnavailable):
		return "catalog_unavailable"
	case errors.Is(err, ErrRefundExceedsCaptured):
		return "refund_exceeds_captured"
	case errors.Is(err, ErrCaptureExceedsAuth):
		return "capture_exceeds_authorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "internal"
	}
}

func Class(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidCoupon),
		errors.Is(err, ErrInvalidTransition):
		return ClassValidation
	case errors.Is(err, ErrConflict), errors.Is(err, ErrSuggestionClosed),
		errors.Is(err, ErrAlreadyAssigned), errors.Is(err, ErrDriverBusy):
		return ClassConflict
	case errors.Is(err, ErrNoEligibleDriver), errors.Is(err, ErrDispatchExhausted):
		return ClassExhaustion
	case errors.Is(err, ErrPaymentUnavailable), errors.Is(err, ErrCatalogUnavailable),
		errors.Is(err, ErrPaymentDeclined), errors.Is(err, context.DeadlineExceeded):
		return ClassDependency
	case errors.Is(err, ErrRefundExceedsCaptured), errors.Is(err, ErrCaptureExceedsAuth):
		return ClassInvariant
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrForbidden):
		return ClassForbidden
	default:
		return ClassInternal
	}
}

// Retryable : l'appelant peut réessayer avec un état frais.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrPaymentDeclined):
		return false
	case errors.Is(err, ErrConflict),
		errors.Is(err, ErrPaymentUnavailable),
		errors.Is(err, ErrCatalogUnavailable),
		errors.Is(err, ErrNoEligibleDriver),
		errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		return false
	}
}

func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrPaymentDeclined):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidCoupon):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConflict),
		errors.Is(err, ErrSuggestionClosed), errors.Is(err, ErrAlreadyAssigned),
		errors.Is(err, ErrDriverBusy):
		return http.StatusConflict
	case errors.Is(err, ErrRefundExceedsCaptured), errors.Is(err, ErrCaptureExceedsAuth):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrNoEligibleDriver), errors.Is(err, ErrDispatchExhausted),
		errors.Is(err, ErrPaymentUnavailable), errors.Is(err, ErrCatalogUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
