package payments

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"taybat_back_end/internal/apperr"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/paymentintent"
	"github.com/stripe/stripe-go/v83/refund"
)

// StripeGateway : empreinte par PaymentIntent en capture manuelle, capture,
// remboursement et annulation de l'empreinte.
type StripeGateway struct{}

func NewStripeGateway(secretKey string) *StripeGateway {
	stripe.Key = secretKey
	return &StripeGateway{}
}

func (g *StripeGateway) Authorize(_ context.Context, req Request) (Result, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(int64(req.Amount)),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.PaymentMethod != "" {
		params.PaymentMethod = stripe.String(req.PaymentMethod)
		params.Confirm = stripe.Bool(true)
	}
	params.AddMetadata("order_id", req.OrderID)
	params.SetIdempotencyKey(req.IdempotencyKey)

	intent, err := paymentintent.New(params)
	if err != nil {
		return Result{}, classify("autorisation", err)
	}
	log.Printf("✅ PaymentIntent %s créé pour la commande %s (%s)", intent.ID, req.OrderID, intent.Status)
	return Result{ExternalRef: intent.ID, ClientSecret: intent.ClientSecret}, nil
}

func (g *StripeGateway) Capture(_ context.Context, req Request) (Result, error) {
	params := &stripe.PaymentIntentCaptureParams{
		AmountToCapture: stripe.Int64(int64(req.Amount)),
	}
	params.SetIdempotencyKey(req.IdempotencyKey)

	intent, err := paymentintent.Capture(req.ExternalRef, params)
	if err != nil {
		return Result{}, classify("capture", err)
	}
	return Result{ExternalRef: intent.ID}, nil
}

func (g *StripeGateway) Refund(_ context.Context, req Request) (Result, error) {
	if req.ReleaseHold {
		params := &stripe.PaymentIntentCancelParams{
			CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonRequestedByCustomer)),
		}
		params.SetIdempotencyKey(req.IdempotencyKey)

		intent, err := paymentintent.Cancel(req.ExternalRef, params)
		if err != nil {
			return Result{}, classify("annulation empreinte", err)
		}
		return Result{ExternalRef: intent.ID}, nil
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.ExternalRef),
		Amount:        stripe.Int64(int64(req.Amount)),
		Reason:        stripe.String("requested_by_customer"),
	}
	params.SetIdempotencyKey(req.IdempotencyKey)

	r, err := refund.New(params)
	if err != nil {
		return Result{}, classify("remboursement", err)
	}
	return Result{ExternalRef: r.ID}, nil
}

// classify : erreurs carte et requêtes invalides sont définitives, le reste se retente.
func classify(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch stripeErr.Type {
		case stripe.ErrorTypeCard, stripe.ErrorTypeInvalidRequest:
			return fmt.Errorf("%w: %s: %s", apperr.ErrPaymentDeclined, op, stripeErr.Msg)
		}
	}
	log.Printf("❌ Erreur Stripe (%s): %v", op, err)
	return fmt.Errorf("%w: %s: %v", apperr.ErrPaymentUnavailable, op, err)
}
