package realtime

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"taybat_back_end/internal/events"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

const (
	pingEvery    = 30 * time.Second
	writeTimeout = 10 * time.Second
	clientBuffer = 16
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Autoriser toutes les origines (à ajuster en production)
		return true
	},
}

type client struct {
	driverID string
	out      chan events.Event
}

// Hub pousse les offres aux livreurs connectés en websocket.
// En local il sert de sink au bus ; avec plusieurs instances il relaie
// les canaux Redis driver_offers:*.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[*client]struct{})}
}

func (h *Hub) Name() string { return "websocket" }

// Send ne bloque jamais : un livreur trop lent perd l'offre, elle reste
// consultable et expire côté serveur.
func (h *Hub) Send(_ context.Context, e events.Event) error {
	if e.Type != events.DriverSuggested {
		return nil
	}
	h.deliver(events.DriverOf(e), e)
	return nil
}

func (h *Hub) deliver(driverID string, e events.Event) {
	if driverID == "" {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[driverID] {
		select {
		case c.out <- e:
		default:
			log.Printf("⚠️ Livreur %s: file websocket pleine, offre %s ignorée", driverID, e.ID)
		}
	}
}

func (h *Hub) register(driverID string) *client {
	c := &client{driverID: driverID, out: make(chan events.Event, clientBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[driverID] == nil {
		h.clients[driverID] = make(map[*client]struct{})
	}
	h.clients[driverID][c] = struct{}{}
	return c
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients[c.driverID], c)
	if len(h.clients[c.driverID]) == 0 {
		delete(h.clients, c.driverID)
	}
}

// Connected compte les connexions ouvertes d'un livreur.
func (h *Hub) Connected(driverID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[driverID])
}

// Relay écoute les canaux Redis des livreurs jusqu'à l'annulation de ctx.
func (h *Hub) Relay(ctx context.Context, client redis.UniversalClient) error {
	pubsub := client.PSubscribe(ctx, events.DriverChannel("*"))
	defer pubsub.Close()

	log.Println("✅ Relais websocket abonné aux offres livreurs")
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var e events.Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				log.Printf("⚠️ Offre illisible sur %s: %v", msg.Channel, err)
				continue
			}
			h.deliver(strings.TrimPrefix(msg.Channel, events.DriverChannel("")), e)
		}
	}
}

// ServeDriver ouvre le websocket du livreur authentifié.
func (h *Hub) ServeDriver(c *gin.Context) {
	driverID := c.GetString("user_id")
	if driverID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"kind": "unauthorized", "message": "Non authentifié", "retryable": false}})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("❌ Erreur upgrade WebSocket: %v", err)
		return
	}
	defer conn.Close()

	cl := h.register(driverID)
	defer h.unregister(cl)

	// lecture : seulement pour détecter la fermeture côté client
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(gin.H{"type": "connected", "message": "Réception des offres activée"}); err != nil {
		return
	}

	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case e := <-cl.out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(gin.H{"type": "offer", "event": e}); err != nil {
				log.Printf("❌ Erreur envoi WebSocket livreur %s: %v", driverID, err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
