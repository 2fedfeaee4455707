package handlers

import (
	"context"
	"net/http"

	"deposit-engine/internal/dto"
	"deposit-engine/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type PendingLister interface {
	List(ctx context.Context) ([]*models.PendingTransfer, error)
}

type Reconciler interface {
	RunOnce(ctx context.Context) (dto.ReconcileResponse, error)
	Attempts(txID string) int
}

type SessionLister interface {
	Snapshot() []models.MonitorSession
}

// AdminEngineHandler operator views of the pending store, reconciliation and live sessions
type AdminEngineHandler struct {
	pending    PendingLister
	reconciler Reconciler
	sessions   SessionLister
}

func NewAdminEngineHandler(pending PendingLister, reconciler Reconciler, sessions SessionLister) *AdminEngineHandler {
	return &AdminEngineHandler{pending: pending, reconciler: reconciler, sessions: sessions}
}

// ListPendingHandler GET /api/admin/pending
func (h *AdminEngineHandler) ListPendingHandler(c *gin.Context) {
	entries, err := h.pending.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	resp := dto.PendingListResponse{Total: len(entries), Entries: entries}
	for _, e := range entries {
		if n := h.reconciler.Attempts(e.TxID); n > 0 {
			if resp.Attempts == nil {
				resp.Attempts = make(map[string]int)
			}
			resp.Attempts[e.TxID] = n
		}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": resp})
}

// ReconcileHandler runs one reconciliation pass now
// POST /api/admin/reconcile
func (h *AdminEngineHandler) ReconcileHandler(c *gin.Context) {
	resp, err := h.reconciler.RunOnce(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	logrus.WithFields(logrus.Fields{
		"scanned":    resp.Scanned,
		"handed_off": resp.HandedOff,
		"evicted":    resp.Evicted,
		"client_ip":  c.ClientIP(),
	}).Info("🔄 Manual reconciliation pass")
	c.JSON(http.StatusOK, gin.H{"success": true, "data": resp})
}

// ListSessionsHandler GET /api/admin/sessions
func (h *AdminEngineHandler) ListSessionsHandler(c *gin.Context) {
	sessions := h.sessions.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"total":   len(sessions),
		"data":    sessions,
	})
}
