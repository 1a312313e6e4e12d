package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nongsan/marketplace-api/internal/service"
)

// Stable codes for failures a client may want to branch on.
const (
	CodeInvalidSignature = "INVALID_SIGNATURE"
	CodeAmountMismatch   = "AMOUNT_MISMATCH"
	CodeOutOfStock       = "OUT_OF_STOCK"
	CodeInvalidState     = "INVALID_TRANSITION"
	CodePaymentFailed    = "PAYMENT_FAILED"
)

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{service.ErrInvalidSignature, http.StatusBadRequest, CodeInvalidSignature},
	{service.ErrAmountMismatch, http.StatusBadRequest, CodeAmountMismatch},
	{service.ErrValidation, http.StatusBadRequest, ""},
	{service.ErrInvalidCredentials, http.StatusUnauthorized, ""},
	{service.ErrForbidden, http.StatusForbidden, ""},
	{service.ErrNotOnLedger, http.StatusForbidden, ""},
	{service.ErrProductNotFound, http.StatusNotFound, ""},
	{service.ErrOrderNotFound, http.StatusNotFound, ""},
	{service.ErrPaymentNotFound, http.StatusNotFound, ""},
	{service.ErrOutOfStock, http.StatusConflict, CodeOutOfStock},
	{service.ErrInvalidTransition, http.StatusConflict, CodeInvalidState},
	{service.ErrProductExists, http.StatusConflict, ""},
	{service.ErrProductHasOrders, http.StatusConflict, ""},
	{service.ErrUserAlreadyExists, http.StatusConflict, ""},
	{service.ErrPaymentFailed, http.StatusPaymentRequired, CodePaymentFailed},
}

// respondError writes the status for a known service error. Anything else is
// logged and hidden behind a 500.
func respondError(c *gin.Context, log *slog.Logger, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			body := gin.H{"error": err.Error()}
			if m.code != "" {
				body["code"] = m.code
			}
			c.JSON(m.status, body)
			return
		}
	}
	log.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}
