package handlers

import (
	"net/http"

	"taybat_back_end/internal/models"
	"taybat_back_end/internal/orders"
	"taybat_back_end/internal/pricing"

	"github.com/gin-gonic/gin"
)

// customerView : le client ne voit la raison d'échec que sur un état final.
func customerView(userID string, o *models.Order) *models.Order {
	if o == nil || o.CustomerID != userID || o.Status.Terminal() {
		return o
	}
	cp := o.Clone()
	cp.FailureReason = ""
	return cp
}

// Quote : estimation taxi / colis, sans commande.
func (h *Handler) Quote(c *gin.Context) {
	var req pricing.QuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	q, err := h.svc.Quote(req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

// Checkout crée la commande, pose l'empreinte et lance le dispatch.
func (h *Handler) Checkout(c *gin.Context) {
	userID := c.GetString("user_id")
	var req orders.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	res, err := h.svc.Checkout(c.Request.Context(), userID, req)
	if err != nil {
		var body gin.H
		if res != nil && res.Order != nil {
			body = gin.H{"order": customerView(userID, res.Order)}
		}
		failWithOrder(c, err, body)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"order":         customerView(userID, res.Order),
		"client_secret": res.ClientSecret,
	})
}

func (h *Handler) GetOrder(c *gin.Context) {
	userID := c.GetString("user_id")
	o, err := h.svc.Get(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, customerView(userID, o))
}

func (h *Handler) History(c *gin.Context) {
	history, err := h.svc.History(c.Request.Context(), c.GetString("user_id"), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

type reasonRequest struct {
	Reason string `json:"reason" binding:"max=500"`
}

func (h *Handler) Cancel(c *gin.Context) {
	userID := c.GetString("user_id")
	var req reasonRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	o, err := h.svc.Cancel(c.Request.Context(), userID, c.Param("id"), req.Reason)
	if err != nil {
		failWithOrder(c, err, orderBody(userID, o))
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": customerView(userID, o)})
}

// Refund : remboursement partiel par un vendeur ou un admin.
func (h *Handler) Refund(c *gin.Context) {
	var req models.RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	tx, o, err := h.svc.Refund(c.Request.Context(), c.GetString("user_id"), c.Param("id"), req.Amount, req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": tx, "order": o})
}

func (h *Handler) Transactions(c *gin.Context) {
	ledger, txs, err := h.svc.Transactions(c.Request.Context(), c.GetString("user_id"), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ledger": ledger, "transactions": txs})
}

func orderBody(userID string, o *models.Order) gin.H {
	if o == nil {
		return nil
	}
	return gin.H{"order": customerView(userID, o)}
}
