package handlers

import (
	"errors"
	"log"
	"net/http"

	"taybat_back_end/internal/apperr"
	"taybat_back_end/internal/middleware"
	"taybat_back_end/internal/orders"

	"github.com/gin-gonic/gin"
)

// Handler expose le service de commandes en HTTP.
type Handler struct {
	svc *orders.Service
}

func New(svc *orders.Service) *Handler {
	return &Handler{svc: svc}
}

// fail traduit une erreur métier en réponse {"error": {kind, message, retryable}}.
func fail(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Printf("❌ %s %s: %v", c.Request.Method, c.FullPath(), err)
		msg = "Erreur serveur"
	}
	middleware.Abort(c, status, apperr.Kind(err), msg, apperr.Retryable(err))
}

func badRequest(c *gin.Context, err error) {
	middleware.Abort(c, http.StatusBadRequest, "validation", "Données invalides: "+err.Error(), false)
}

// failWithOrder : certaines erreurs laissent une commande dans un état utile
// au client (paiement refusé, dépendance en échec).
func failWithOrder(c *gin.Context, err error, body gin.H) {
	if body == nil || errors.Is(err, apperr.ErrForbidden) {
		fail(c, err)
		return
	}
	body["error"] = gin.H{
		"kind":      apperr.Kind(err),
		"message":   err.Error(),
		"retryable": apperr.Retryable(err),
	}
	c.AbortWithStatusJSON(apperr.HTTPStatus(err), body)
}
