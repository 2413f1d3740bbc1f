package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/vynn122/grocery-api/common/errors"
	"github.com/vynn122/grocery-api/common/middleware"
	"github.com/vynn122/grocery-api/models"
	"github.com/vynn122/grocery-api/services"
)

type PaymentController struct {
	paymentService services.PaymentService
	confirmer      services.PaymentConfirmer
}

func NewPaymentController(paymentService services.PaymentService, confirmer services.PaymentConfirmer) *PaymentController {
	return &PaymentController{paymentService: paymentService, confirmer: confirmer}
}

// CreatePaymentIntent issues the KHQR for an order.
func (pc *PaymentController) CreatePaymentIntent(ctx *gin.Context) {
	userID, err := middleware.GetUserID(ctx)
	if err != nil {
		_ = ctx.Error(apperrors.ErrUnauthorized)
		return
	}

	var req models.CreatePaymentIntentRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		_ = ctx.Error(apperrors.ErrInvalidRequest.With("Invalid request: " + err.Error()))
		return
	}

	payment, err := pc.paymentService.CreatePaymentIntent(ctx.Request.Context(), userID, &req)
	if err != nil {
		_ = ctx.Error(err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"success": true, "data": payment})
}

// ConfirmPayment checks the gateway for the QR's transfer and settles the order.
func (pc *PaymentController) ConfirmPayment(ctx *gin.Context) {
	var req models.ConfirmPaymentRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		_ = ctx.Error(apperrors.ErrInvalidRequest.With("md5 is required"))
		return
	}

	result, err := pc.confirmer.ConfirmPayment(ctx.Request.Context(), req.MD5)
	if err != nil {
		_ = ctx.Error(err)
		return
	}

	msg := "Payment confirmed"
	if result.AlreadyPaid {
		msg = "Payment already confirmed"
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true, "message": msg, "data": result})
}
