package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vynn122/grocery-api/common/auth"
	"github.com/vynn122/grocery-api/common/middleware"
	"github.com/vynn122/grocery-api/controllers"
)

type Dependencies struct {
	Orders              *controllers.OrderController
	Payments            *controllers.PaymentController
	TokenParser         *auth.TokenParser
	TrustGatewayHeaders bool
	ConfirmLimiter      *middleware.RateLimiter
}

func RegisterRoutes(r *gin.Engine, deps Dependencies) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authn := middleware.AuthMiddleware(deps.TokenParser, deps.TrustGatewayHeaders)

	orderRoutes := r.Group("/orders")
	orderRoutes.Use(authn)
	orderRoutes.POST("", deps.Orders.CreateOrder)
	orderRoutes.GET("/history", deps.Orders.GetOrderHistory)
	orderRoutes.GET("/:id", deps.Orders.GetOrderByID)

	paymentRoutes := r.Group("/payments")
	paymentRoutes.Use(authn)
	paymentRoutes.POST("/intent", deps.Payments.CreatePaymentIntent)
	// Confirmation polls the bank, so it is throttled per client.
	paymentRoutes.POST("/confirm", middleware.RateLimitMiddleware(deps.ConfirmLimiter), deps.Payments.ConfirmPayment)

	adminRoutes := r.Group("/admin")
	adminRoutes.Use(authn, middleware.AdminOnly())
	adminRoutes.POST("/orders/:id/cancel", deps.Orders.CancelOrder)
}
