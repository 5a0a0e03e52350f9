package models

// RefundRequest : remboursement partiel demandé par le vendeur ou un admin.
type RefundRequest struct {
	Amount Money  `json:"amount" binding:"required"`
	Reason string `json:"reason" binding:"max=500"`
}
