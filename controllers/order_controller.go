package controllers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "github.com/vynn122/grocery-api/common/errors"
	"github.com/vynn122/grocery-api/common/middleware"
	"github.com/vynn122/grocery-api/models"
	"github.com/vynn122/grocery-api/services"
)

type OrderController struct {
	orderService services.OrderService
}

func NewOrderController(orderService services.OrderService) *OrderController {
	return &OrderController{orderService: orderService}
}

// CreateOrder prices the submitted items and records a pending order.
func (oc *OrderController) CreateOrder(ctx *gin.Context) {
	userID, err := middleware.GetUserID(ctx)
	if err != nil {
		_ = ctx.Error(apperrors.ErrUnauthorized)
		return
	}

	var req models.CreateOrderRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		_ = ctx.Error(apperrors.ErrInvalidRequest.With("Invalid request: " + err.Error()))
		return
	}

	order, err := oc.orderService.CreateOrder(ctx.Request.Context(), userID, &req)
	if err != nil {
		_ = ctx.Error(err)
		return
	}

	ctx.JSON(http.StatusCreated, gin.H{
		"success": true,
		"data":    models.CreateOrderResponse{OrderID: order.ID.Hex(), FinalTotal: order.TotalAmount},
	})
}

// GetOrderHistory returns the caller's paid orders.
func (oc *OrderController) GetOrderHistory(ctx *gin.Context) {
	userID, err := middleware.GetUserID(ctx)
	if err != nil {
		_ = ctx.Error(apperrors.ErrUnauthorized)
		return
	}

	page, limit := parsePaginationParams(ctx)
	result, err := oc.orderService.ListPaidOrders(ctx.Request.Context(), userID, page, limit)
	if err != nil {
		_ = ctx.Error(err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true, "data": result})
}

func (oc *OrderController) GetOrderByID(ctx *gin.Context) {
	userID, err := middleware.GetUserID(ctx)
	if err != nil {
		_ = ctx.Error(apperrors.ErrUnauthorized)
		return
	}

	order, err := oc.orderService.GetOrder(ctx.Request.Context(), userID, ctx.Param("id"))
	if err != nil {
		_ = ctx.Error(err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true, "data": order})
}

// CancelOrder is the admin cancel of a pending order.
func (oc *OrderController) CancelOrder(ctx *gin.Context) {
	order, err := oc.orderService.CancelOrder(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		_ = ctx.Error(err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true, "data": order})
}

// parsePaginationParams extracts and validates pagination parameters
func parsePaginationParams(ctx *gin.Context) (int, int) {
	const MaxLimit = 100
	const DefaultPage = 1
	const DefaultLimit = 10

	pageInt := DefaultPage
	limitInt := DefaultLimit

	if p, err := strconv.Atoi(ctx.DefaultQuery("page", "1")); err == nil && p > 0 {
		pageInt = p
	}
	if l, err := strconv.Atoi(ctx.DefaultQuery("limit", "10")); err == nil && l > 0 {
		limitInt = min(l, MaxLimit)
	}
	return pageInt, limitInt
}
