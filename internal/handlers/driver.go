package handlers

import (
	"net/http"

	"taybat_back_end/internal/models"

	"github.com/gin-gonic/gin"
)

type onlineRequest struct {
	Online *bool `json:"online" binding:"required"`
}

func (h *Handler) SetOnline(c *gin.Context) {
	var req onlineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.svc.SetDriverOnline(c.Request.Context(), c.GetString("user_id"), *req.Online); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"online": *req.Online})
}

func (h *Handler) UpdateLocation(c *gin.Context) {
	var loc models.Location
	if err := c.ShouldBindJSON(&loc); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.svc.UpdateDriverLocation(c.Request.Context(), c.GetString("user_id"), loc); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) AcceptSuggestion(c *gin.Context) {
	o, err := h.svc.AcceptSuggestion(c.Request.Context(), c.GetString("user_id"), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

func (h *Handler) RejectSuggestion(c *gin.Context) {
	if _, err := h.svc.RejectSuggestion(c.Request.Context(), c.GetString("user_id"), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) StartTrip(c *gin.Context) {
	o, err := h.svc.StartTrip(c.Request.Context(), c.GetString("user_id"), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

func (h *Handler) CompleteTrip(c *gin.Context) {
	o, err := h.svc.CompleteTrip(c.Request.Context(), c.GetString("user_id"), c.Param("id"))
	if err != nil {
		failWithOrder(c, err, orderBody("", o))
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}
