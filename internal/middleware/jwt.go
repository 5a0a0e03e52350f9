package middleware

import (
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Abort répond avec le format d'erreur commun de l'API.
func Abort(c *gin.Context, status int, kind, message string, retryable bool) {
	c.AbortWithStatusJSON(status, gin.H{"error": gin.H{
		"kind":      kind,
		"message":   message,
		"retryable": retryable,
	}})
}

// AuthRequired valide le Bearer JWT (HMAC) et place user_id et role dans le contexte.
func AuthRequired(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			Abort(c, http.StatusUnauthorized, "unauthorized", "Token manquant", false)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			Abort(c, http.StatusUnauthorized, "unauthorized", "Format Authorization invalide", false)
			return
		}

		// exp est vérifié par le parseur
		token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("méthode de signature inattendue: %v", token.Header["alg"])
			}
			return secret, nil
		})
		if err != nil || !token.Valid {
			log.Printf("❌ Erreur parsing JWT: %v", err)
			Abort(c, http.StatusUnauthorized, "unauthorized", "Token invalide", false)
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			Abort(c, http.StatusUnauthorized, "unauthorized", "Token invalide", false)
			return
		}
		userID, ok := claims["user_id"].(string)
		if !ok || userID == "" {
			Abort(c, http.StatusUnauthorized, "unauthorized", "user_id manquant", false)
			return
		}

		c.Set("user_id", userID)
		if role, ok := claims["role"].(string); ok {
			c.Set("role", role)
		}
		c.Next()
	}
}
