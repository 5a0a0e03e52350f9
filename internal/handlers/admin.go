package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type assignRequest struct {
	DriverID string `json:"driver_id" binding:"required"`
}

func (h *Handler) AdminAssign(c *gin.Context) {
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	o, err := h.svc.AdminAssign(c.Request.Context(), c.GetString("user_id"), c.Param("id"), req.DriverID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

func (h *Handler) AdminCancel(c *gin.Context) {
	var req reasonRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	o, err := h.svc.AdminCancel(c.Request.Context(), c.GetString("user_id"), c.Param("id"), req.Reason)
	if err != nil {
		failWithOrder(c, err, orderBody("", o))
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

func (h *Handler) AdminComplete(c *gin.Context) {
	o, err := h.svc.AdminComplete(c.Request.Context(), c.GetString("user_id"), c.Param("id"))
	if err != nil {
		failWithOrder(c, err, orderBody("", o))
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

func (h *Handler) ManualQueue(c *gin.Context) {
	list, err := h.svc.ManualQueue(c.Request.Context(), c.GetString("user_id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": list, "count": len(list)})
}
