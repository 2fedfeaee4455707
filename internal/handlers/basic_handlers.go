package handlers

import (
	"net/http"

	"deposit-engine/internal/models"

	"github.com/gin-gonic/gin"
)

// PoolStatus chain -> endpoint currently serving it
type PoolStatus interface {
	Status() map[string]string
}

type BrokerStatus interface {
	IsConnected() bool
}

type SessionSnapshotter interface {
	Snapshot() []models.MonitorSession
}

// HealthHandler reports pooled connections, the broker link and open sessions
type HealthHandler struct {
	pool     PoolStatus
	broker   BrokerStatus // nil when NATS is disabled
	sessions SessionSnapshotter
}

func NewHealthHandler(pool PoolStatus, broker BrokerStatus, sessions SessionSnapshotter) *HealthHandler {
	return &HealthHandler{pool: pool, broker: broker, sessions: sessions}
}

// HealthCheckHandler GET /health
// Degraded (503) only when a configured broker is disconnected; hand-off depends on it.
func (h *HealthHandler) HealthCheckHandler(c *gin.Context) {
	status := "ok"
	code := http.StatusOK

	broker := "disabled"
	if h.broker != nil {
		broker = "connected"
		if !h.broker.IsConnected() {
			broker = "disconnected"
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	c.JSON(code, gin.H{
		"status":      status,
		"service":     "deposit-engine",
		"connections": h.pool.Status(),
		"nats":        broker,
		"sessions":    len(h.sessions.Snapshot()),
	})
}
