package handlers

import (
	"errors"
	"net/http"

	"deposit-engine/internal/types"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// StatusFor maps engine errors to HTTP status codes
func StatusFor(err error) int {
	switch {
	case types.IsMalformed(err):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrPoolExhausted):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// respondError writes {success:false,error,code}; pool exhaustion adds retryable
func respondError(c *gin.Context, err error) {
	status := StatusFor(err)
	body := gin.H{
		"success": false,
		"error":   err.Error(),
		"code":    types.Code(err),
	}
	if errors.Is(err, types.ErrPoolExhausted) {
		body["retryable"] = true
	}
	if status == http.StatusInternalServerError {
		logrus.WithFields(logrus.Fields{
			"path":  c.Request.URL.Path,
			"error": err.Error(),
		}).Error("❌ Request failed")
		body["error"] = "internal error"
	}
	c.JSON(status, body)
}
