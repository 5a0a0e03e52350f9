package payments

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"taybat_back_end/internal/apperr"
	"taybat_back_end/internal/events"
	"taybat_back_end/internal/models"
	"taybat_back_end/internal/store"

	"github.com/google/uuid"
)

// Retry borne les nouvelles tentatives sur ErrPaymentUnavailable.
type Retry struct {
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// Key : order:{id}:{kind}:{attempt}. attempt est le rang de l'opération
// logique ; une nouvelle tentative réseau garde la même clé.
func Key(orderID string, kind models.TxKind, attempt int) string {
	return fmt.Sprintf("order:%s:%s:%d", orderID, strings.ToLower(string(kind)), attempt)
}

// Coordinator écrit les transactions autour des appels au prestataire.
// L'appelant tient le verrou de la commande.
type Coordinator struct {
	txs     store.Transactions
	gateway Gateway
	events  events.Publisher
	retry   Retry
	now     func() time.Time
}

func NewCoordinator(txs store.Transactions, gateway Gateway, pub events.Publisher, retry Retry) *Coordinator {
	if retry.Attempts <= 0 {
		retry.Attempts = 1
	}
	return &Coordinator{txs: txs, gateway: gateway, events: pub, retry: retry, now: time.Now}
}

func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

func (c *Coordinator) Ledger(ctx context.Context, orderID string) (models.Ledger, []models.Transaction, error) {
	txs, err := c.txs.ListTransactions(ctx, orderID)
	if err != nil {
		return models.Ledger{}, nil, fmt.Errorf("transactions %s: %w", orderID, err)
	}
	return models.BuildLedger(txs), txs, nil
}

// Authorize pose l'empreinte du total. Sans effet si elle existe déjà.
func (c *Coordinator) Authorize(ctx context.Context, o *models.Order, paymentMethod string) (*models.Transaction, Result, error) {
	ledger, txs, err := c.Ledger(ctx, o.ID)
	if err != nil {
		return nil, Result{}, err
	}
	if ledger.Authorized > 0 {
		tx := lastSucceeded(txs, models.TxAuthorize)
		return tx, Result{ExternalRef: ledger.ExternalRef}, nil
	}
	if o.Breakdown.Total <= 0 {
		return nil, Result{}, apperr.Validationf("montant à autoriser nul")
	}

	return c.execute(ctx, o, txs, op{
		kind:   models.TxAuthorize,
		amount: o.Breakdown.Total,
		req:    Request{PaymentMethod: paymentMethod},
	})
}

// Capture encaisse ce qui reste autorisé.
func (c *Coordinator) Capture(ctx context.Context, o *models.Order) (*models.Transaction, error) {
	ledger, txs, err := c.Ledger(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	amount := o.Breakdown.Total - ledger.Captured
	if amount <= 0 {
		return nil, nil
	}
	if amount > ledger.Capturable() {
		return nil, fmt.Errorf("%w: à capturer %s, autorisé restant %s", apperr.ErrCaptureExceedsAuth, amount, ledger.Capturable())
	}

	tx, _, err := c.execute(ctx, o, txs, op{
		kind:   models.TxCapture,
		amount: amount,
		req:    Request{ExternalRef: ledger.ExternalRef},
	})
	if err != nil {
		return nil, err
	}
	c.events.Publish(ctx, events.New(events.PaymentCaptured, o.ID, c.now(), map[string]interface{}{
		"amount":         amount.String(),
		"currency":       o.Currency,
		"customer_id":    o.CustomerID,
		"transaction_id": tx.ID,
	}))
	return tx, nil
}

// Refund rembourse une partie du capturé. Jamais de plafonnement silencieux :
// un montant supérieur au remboursable est refusé sans écrire de transaction.
func (c *Coordinator) Refund(ctx context.Context, o *models.Order, amount models.Money, reason string) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, apperr.Validationf("montant de remboursement invalide")
	}
	ledger, txs, err := c.Ledger(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	if amount > ledger.Refundable() {
		return nil, fmt.Errorf("%w: demandé %s, remboursable %s", apperr.ErrRefundExceedsCaptured, amount, ledger.Refundable())
	}

	tx, _, err := c.execute(ctx, o, txs, op{
		kind:   models.TxRefund,
		amount: amount,
		reason: reason,
		req:    Request{ExternalRef: ledger.ExternalRef},
	})
	if err != nil {
		return nil, err
	}
	c.refunded(ctx, o, tx)
	return tx, nil
}

// Settle rend au client tout ce qu'il a payé : libère l'empreinte non
// capturée puis rembourse le capturé. Retourne le total rendu.
func (c *Coordinator) Settle(ctx context.Context, o *models.Order, reason string) (models.Money, error) {
	ledger, txs, err := c.Ledger(ctx, o.ID)
	if err != nil {
		return 0, err
	}

	var returned models.Money
	if hold := ledger.Capturable(); hold > 0 {
		tx, _, err := c.execute(ctx, o, txs, op{
			kind:    models.TxRefund,
			amount:  hold,
			reason:  reason,
			release: true,
			req:     Request{ExternalRef: ledger.ExternalRef, ReleaseHold: true},
		})
		if err != nil {
			return 0, err
		}
		c.refunded(ctx, o, tx)
		returned += hold
	}

	if rest := ledger.Refundable(); rest > 0 {
		if _, txs, err = c.Ledger(ctx, o.ID); err != nil {
			return returned, err
		}
		tx, _, err := c.execute(ctx, o, txs, op{
			kind:   models.TxRefund,
			amount: rest,
			reason: reason,
			req:    Request{ExternalRef: ledger.ExternalRef},
		})
		if err != nil {
			return returned, err
		}
		c.refunded(ctx, o, tx)
		returned += rest
	}
	return returned, nil
}

func (c *Coordinator) refunded(ctx context.Context, o *models.Order, tx *models.Transaction) {
	c.events.Publish(ctx, events.New(events.PaymentRefunded, o.ID, c.now(), map[string]interface{}{
		"amount":         tx.Amount.String(),
		"currency":       tx.Currency,
		"customer_id":    o.CustomerID,
		"transaction_id": tx.ID,
		"releases_hold":  tx.ReleasesHold,
		"reason":         tx.Reason,
	}))
}

type op struct {
	kind    models.TxKind
	amount  models.Money
	reason  string
	release bool
	req     Request
}

// execute écrit la transaction PENDING avant l'appel, puis la solde.
// Une PENDING laissée par une panne est reprise avec sa clé d'origine.
func (c *Coordinator) execute(ctx context.Context, o *models.Order, txs []models.Transaction, p op) (*models.Transaction, Result, error) {
	now := c.now().UTC()

	tx, err := resumable(txs, p)
	if err != nil {
		return nil, Result{}, err
	}
	if tx == nil {
		attempt := 1
		for _, t := range txs {
			if t.Kind == p.kind {
				attempt++
			}
		}
		tx = &models.Transaction{
			ID:             uuid.NewString(),
			OrderID:        o.ID,
			Kind:           p.kind,
			Amount:         p.amount,
			Currency:       o.Currency,
			IdempotencyKey: Key(o.ID, p.kind, attempt),
			Status:         models.TxPending,
			ReleasesHold:   p.release,
			Reason:         p.reason,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := c.txs.InsertTransaction(ctx, tx); err != nil {
			return nil, Result{}, fmt.Errorf("transaction %s: %w", tx.IdempotencyKey, err)
		}
	}

	req := p.req
	req.OrderID = o.ID
	req.Amount = tx.Amount
	req.Currency = tx.Currency
	req.IdempotencyKey = tx.IdempotencyKey

	res, err := c.call(ctx, p.kind, req)
	switch {
	case err == nil:
		tx.Status = models.TxSucceeded
		if res.ExternalRef != "" {
			tx.ExternalRef = res.ExternalRef
		}
	case errors.Is(err, apperr.ErrPaymentDeclined):
		tx.Status = models.TxFailed
		tx.Reason = err.Error()
	default:
		// reste PENDING : la reprise réutilisera la même clé
		return nil, Result{}, err
	}

	tx.UpdatedAt = c.now().UTC()
	if upErr := c.txs.UpdateTransaction(ctx, tx); upErr != nil {
		return nil, Result{}, fmt.Errorf("mise à jour transaction %s: %w", tx.ID, upErr)
	}
	if err != nil {
		return tx, Result{}, err
	}
	log.Printf("✅ %s %s %s pour la commande %s", tx.Kind, tx.Amount, tx.Currency, o.ID)
	return tx, res, nil
}

func (c *Coordinator) call(ctx context.Context, kind models.TxKind, req Request) (Result, error) {
	wait := c.retry.Backoff
	var lastErr error
	for attempt := 1; attempt <= c.retry.Attempts; attempt++ {
		var (
			res Result
			err error
		)
		switch kind {
		case models.TxAuthorize:
			res, err = c.gateway.Authorize(ctx, req)
		case models.TxCapture:
			res, err = c.gateway.Capture(ctx, req)
		default:
			res, err = c.gateway.Refund(ctx, req)
		}
		if err == nil || !errors.Is(err, apperr.ErrPaymentUnavailable) {
			return res, err
		}
		lastErr = err
		if attempt == c.retry.Attempts {
			break
		}

		log.Printf("⚠️ Paiement indisponible (%s, tentative %d/%d): %v", req.IdempotencyKey, attempt, c.retry.Attempts, err)
		if err := sleep(ctx, wait); err != nil {
			return Result{}, err
		}
		wait *= 2
		if c.retry.MaxBackoff > 0 && wait > c.retry.MaxBackoff {
			wait = c.retry.MaxBackoff
		}
	}
	return Result{}, lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resumable retrouve une opération identique restée PENDING. Une PENDING
// d'un autre montant bloque l'opération tant qu'elle n'est pas soldée.
func resumable(txs []models.Transaction, p op) (*models.Transaction, error) {
	for i := range txs {
		t := txs[i]
		if t.Status != models.TxPending || t.Kind != p.kind || t.ReleasesHold != p.release {
			continue
		}
		if t.Amount != p.amount {
			return nil, fmt.Errorf("%w: %s en attente sur %s", apperr.ErrConflict, t.IdempotencyKey, t.OrderID)
		}
		return &t, nil
	}
	return nil, nil
}

func lastSucceeded(txs []models.Transaction, kind models.TxKind) *models.Transaction {
	for i := len(txs) - 1; i >= 0; i-- {
		if txs[i].Kind == kind && txs[i].Status == models.TxSucceeded {
			t := txs[i]
			return &t
		}
	}
	return nil
}
