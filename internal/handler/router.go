package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/nongsan/marketplace-api/internal/metrics"
	"github.com/nongsan/marketplace-api/internal/middleware"
	"github.com/nongsan/marketplace-api/internal/model"
)

type Handlers struct {
	Health     *HealthHandler
	Auth       *AuthHandler
	Product    *ProductHandler
	Settlement *SettlementHandler
	Payment    *PaymentHandler
	Order      *OrderHandler
}

// NewRouter mounts every route. m may be nil, in which case /metrics is not
// served.
func NewRouter(h Handlers, jwtSecret string, m *metrics.Metrics) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	if m != nil {
		router.Use(m.Middleware())
		router.GET("/metrics", gin.WrapH(m.Handler()))
	}

	router.GET("/healthz", h.Health.Healthz)
	router.GET("/readyz", h.Health.Readyz)

	auth := middleware.AuthMiddleware(jwtSecret)
	farmer := middleware.RequireRole(model.RoleFarmer)
	buyer := middleware.RequireRole(model.RoleBuyer)

	v1 := router.Group("/api/v1")
	{
		a := v1.Group("/auth")
		a.POST("/register", h.Auth.Register)
		a.POST("/login", h.Auth.Login)

		products := v1.Group("/products")
		products.GET("", h.Product.List)
		products.GET("/:id", h.Product.GetByID)
		products.POST("", auth, farmer, h.Product.Create)
		products.PUT("/:id/price", auth, farmer, h.Product.UpdatePrice)
		products.DELETE("/:id", auth, farmer, h.Product.Delete)
		products.POST("/:id/cash/request", auth, buyer, h.Settlement.RequestCash)
		products.POST("/:id/cash/cancel", auth, h.Settlement.CancelCash)
		products.POST("/:id/cash/confirm", auth, farmer, h.Settlement.ConfirmCash)

		v1.POST("/settlements/crypto", auth, buyer, h.Settlement.Crypto)

		payments := v1.Group("/payments")
		payments.GET("/vnpay/return", h.Payment.VNPayReturn)
		payments.GET("/vnpay/ipn", h.Payment.VNPayIPN)
		payments.POST("/vnpay", auth, buyer, h.Payment.CreateVNPay)
		payments.GET("/:txnRef", auth, buyer, h.Payment.Get)

		orders := v1.Group("/orders", auth)
		orders.GET("", buyer, h.Order.ListOrders)
		orders.GET("/sales", farmer, h.Order.ListSales)
		orders.GET("/:id", h.Order.GetOrder)
		orders.POST("/:id/refund/request", buyer, h.Order.RequestRefund)
		orders.POST("/:id/refund/complete", farmer, h.Order.CompleteRefund)
	}
	return router
}
