// Admin Pool Handlers - custodial address pool operations (admin guard required)
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"deposit-engine/internal/dto"
	"deposit-engine/internal/models"
	"deposit-engine/internal/types"
	"deposit-engine/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// LeaseUnlocker releases a custodial lease by hand
type LeaseUnlocker interface {
	Unlock(ctx context.Context, address string) error
}

// CustodialAddressStore persists pool addresses
type CustodialAddressStore interface {
	ListActive(ctx context.Context, chain string) ([]models.CustodialAddress, error)
	Save(ctx context.Context, address *models.CustodialAddress) error
}

// AdminPoolHandler handles custodial pool management
type AdminPoolHandler struct {
	leases    LeaseUnlocker
	addresses CustodialAddressStore
	logger    *logrus.Entry
}

// NewAdminPoolHandler creates a new AdminPoolHandler instance
func NewAdminPoolHandler(leases LeaseUnlocker, addresses CustodialAddressStore) *AdminPoolHandler {
	return &AdminPoolHandler{
		leases:    leases,
		addresses: addresses,
		logger:    logrus.WithField("component", "admin_pool"),
	}
}

// UnlockAddressHandler releases the lease on a custodial address
// POST /api/admin/custodial/unlock
func (h *AdminPoolHandler) UnlockAddressHandler(c *gin.Context) {
	var req dto.UnlockAddressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, types.Malformed(fmt.Sprintf("invalid request body: %v", err)))
		return
	}

	if err := h.leases.Unlock(c.Request.Context(), req.Address); err != nil {
		respondError(c, err)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"address":   req.Address,
		"client_ip": c.ClientIP(),
	}).Info("🔓 Custodial address unlocked by admin")
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"address": req.Address,
		"message": "Lease released",
	})
}

// ListAddressesHandler lists active custodial addresses of a chain
// GET /api/admin/custodial/addresses?chain=ethereum
func (h *AdminPoolHandler) ListAddressesHandler(c *gin.Context) {
	chain := strings.TrimSpace(c.Query("chain"))
	if chain == "" {
		respondError(c, types.Malformed("chain is required"))
		return
	}
	addresses, err := h.addresses.ListActive(c.Request.Context(), chain)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"chain":     chain,
		"total":     len(addresses),
		"addresses": addresses,
	})
}

// RegisterAddressHandler adds an address to the custodial pool
// POST /api/admin/custodial/addresses
func (h *AdminPoolHandler) RegisterAddressHandler(c *gin.Context) {
	var req dto.RegisterCustodialAddressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, types.Malformed(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	if _, err := utils.ValidateAddress(req.Address); err != nil {
		respondError(c, types.Malformed(err.Error()))
		return
	}

	address := &models.CustodialAddress{
		ID:      uuid.NewString(),
		Address: utils.NormalizeAddress(req.Address),
		Chain:   strings.TrimSpace(req.Chain),
		Network: req.Network,
		Active:  true,
	}
	if err := h.addresses.Save(c.Request.Context(), address); err != nil {
		respondError(c, err)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"address": address.Address,
		"chain":   address.Chain,
	}).Info("➕ Custodial address registered")
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"address": address,
	})
}
