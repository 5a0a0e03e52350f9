package middleware

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

const (
	APIMaxRequests      = 100 // par minute et par IP
	CheckoutMaxRequests = 10  // par minute et par utilisateur
	APICooldown         = 1 * time.Minute
)

// RateLimit : fenêtre fixe dans Redis (INCR + EXPIRE). keyFn choisit l'identité
// limitée ; une clé vide laisse passer. Redis indisponible : on laisse passer.
func RateLimit(client redis.UniversalClient, prefix string, max int, window time.Duration, keyFn func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := keyFn(c)
		if client == nil || id == "" {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		key := prefix + ":" + id

		pipe := client.TxPipeline()
		incr := pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, window)
		if _, err := pipe.Exec(ctx); err != nil {
			log.Printf("⚠️ Rate limit %s indisponible: %v", prefix, err)
			c.Next()
			return
		}

		requests := int(incr.Val())
		if requests > max {
			c.Header("Retry-After", fmt.Sprintf("%d", int(window.Seconds())))
			Abort(c, http.StatusTooManyRequests, "rate_limited",
				fmt.Sprintf("Trop de requêtes. Réessayez dans %d secondes", int(window.Seconds())), true)
			return
		}

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", max))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", max-requests))
		c.Next()
	}
}

// APIRateLimit limite le nombre de requêtes par IP (général)
func APIRateLimit(client redis.UniversalClient) gin.HandlerFunc {
	return RateLimit(client, "api_requests", APIMaxRequests, APICooldown, func(c *gin.Context) string {
		return c.ClientIP()
	})
}

// CheckoutRateLimit limite les créations de commande par utilisateur.
func CheckoutRateLimit(client redis.UniversalClient) gin.HandlerFunc {
	return RateLimit(client, "checkout_requests", CheckoutMaxRequests, APICooldown, func(c *gin.Context) string {
		return c.GetString("user_id")
	})
}
