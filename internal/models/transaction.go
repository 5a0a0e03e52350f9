package models

import "time"

type TxKind string

const (
	TxAuthorize TxKind = "AUTHORIZE"
	TxCapture   TxKind = "CAPTURE"
	TxRefund    TxKind = "REFUND"
)

type TxStatus string

const (
	TxPending   TxStatus = "PENDING"
	TxSucceeded TxStatus = "SUCCEEDED"
	TxFailed    TxStatus = "FAILED"
)

type Transaction struct {
	ID             string    `json:"transaction_id"`
	OrderID        string    `json:"order_id"`
	Kind           TxKind    `json:"kind"`
	Amount         Money     `json:"amount"`
	Currency       string    `json:"currency"`
	ExternalRef    string    `json:"external_ref,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
	Status         TxStatus  `json:"status"`
	ReleasesHold   bool      `json:"releases_hold,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Ledger agrège les transactions réussies d'une commande.
type Ledger struct {
	Authorized  Money  `json:"authorized"`
	Captured    Money  `json:"captured"`
	Refunded    Money  `json:"refunded"`
	Released    Money  `json:"released"`
	ExternalRef string `json:"external_ref,omitempty"`
}

func BuildLedger(txs []Transaction) Ledger {
	var l Ledger
	for _, tx := range txs {
		if tx.Status != TxSucceeded {
			continue
		}
		switch tx.Kind {
		case TxAuthorize:
			l.Authorized += tx.Amount
			if l.ExternalRef == "" {
				l.ExternalRef = tx.ExternalRef
			}
		case TxCapture:
			l.Captured += tx.Amount
		case TxRefund:
			if tx.ReleasesHold {
				l.Released += tx.Amount
			} else {
				l.Refunded += tx.Amount
			}
		}
	}
	return l
}

// Capturable : autorisé mais ni capturé ni libéré.
func (l Ledger) Capturable() Money {
	return l.Authorized - l.Captured - l.Released
}

// Refundable : capturé mais pas encore remboursé.
func (l Ledger) Refundable() Money {
	return l.Captured - l.Refunded
}
