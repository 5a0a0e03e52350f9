package middleware

import (
	"log"
	"net/http"

	"taybat_back_end/internal/identity"

	"github.com/gin-gonic/gin"
)

// RequireAnyRole laisse passer si l'utilisateur a au moins un des rôles.
// Le claim du token n'est qu'un indice : le service d'identité fait foi.
func RequireAnyRole(ids identity.Checker, roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("user_id")
		if userID == "" {
			Abort(c, http.StatusUnauthorized, "unauthorized", "Utilisateur non authentifié", false)
			return
		}

		for _, role := range roles {
			ok, err := ids.HasRole(c.Request.Context(), userID, role)
			if err != nil {
				log.Printf("❌ Erreur vérification rôle %s: %v", role, err)
				continue
			}
			if ok {
				c.Next()
				return
			}
		}

		log.Printf("🚫 Rôle refusé pour utilisateur %s: %v", userID, roles)
		Abort(c, http.StatusForbidden, "forbidden", "Permission insuffisante", false)
	}
}

// RequireApprovedDriver : routes livreur.
func RequireApprovedDriver(ids identity.Checker) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("user_id")
		ok, err := ids.IsApprovedDriver(c.Request.Context(), userID)
		if err != nil {
			log.Printf("❌ Erreur vérification livreur %s: %v", userID, err)
			Abort(c, http.StatusServiceUnavailable, "dependency", "Service d'identité indisponible", true)
			return
		}
		if !ok {
			Abort(c, http.StatusForbidden, "forbidden", "Livreur non approuvé", false)
			return
		}
		c.Next()
	}
}
