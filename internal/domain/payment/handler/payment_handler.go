package handler

import (
	"errors"
	"net/http"
	"order_payment/internal/domain/payment/service"
	"order_payment/internal/pkg/middleware"
	"order_payment/pkg/logger"
	"order_payment/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaymentHandler 订单支付接口
type PaymentHandler struct {
	service service.PaymentService
}

func NewPaymentHandler(s service.PaymentService) *PaymentHandler {
	return &PaymentHandler{service: s}
}

// RefundInput 全额退款
type RefundInput struct {
	Reason string `json:"reason" binding:"max=255"`
}

// PartialRefundInput 部分退款
type PartialRefundInput struct {
	Amount *decimal.Decimal `json:"amount" binding:"required" swaggertype:"string" example:"30.00"`
	Reason string           `json:"reason" binding:"max=255"`
}

// CreateIntent 创建 (或复用) 支付意图
// @Summary 创建支付意图
// @Tags Payment
// @Produce json
// @Security BearerAuth
// @Param id path string true "Order ID"
// @Success 200 {object} response.Response{data=service.IntentResult}
// @Failure 403 {object} response.Response
// @Failure 422 {object} response.Response
// @Router /orders/{id}/payment/intent [post]
func (h *PaymentHandler) CreateIntent(c *gin.Context) {
	res, err := h.service.CreateIntent(c.Request.Context(), actorOf(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, res)
}

// GetStatus 查询订单支付状态
// @Summary 支付状态
// @Tags Payment
// @Produce json
// @Security BearerAuth
// @Param id path string true "Order ID"
// @Success 200 {object} response.Response{data=service.PaymentSnapshot}
// @Router /orders/{id}/payment/status [get]
func (h *PaymentHandler) GetStatus(c *gin.Context) {
	snap, err := h.service.GetPaymentStatus(c.Request.Context(), actorOf(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, snap)
}

// Confirm 主动向渠道查询支付结果
// @Summary 确认支付
// @Tags Payment
// @Produce json
// @Security BearerAuth
// @Param id path string true "Order ID"
// @Success 200 {object} response.Response{data=service.ConfirmResult}
// @Failure 422 {object} response.Response
// @Router /orders/{id}/payment/confirm [post]
func (h *PaymentHandler) Confirm(c *gin.Context) {
	res, err := h.service.Confirm(c.Request.Context(), actorOf(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, res)
}

// ListTransactions 订单流水，按时间倒序
// @Summary 支付流水
// @Tags Payment
// @Produce json
// @Security BearerAuth
// @Param id path string true "Order ID"
// @Success 200 {object} response.Response{data=[]model.Transaction}
// @Router /orders/{id}/payment/transactions [get]
func (h *PaymentHandler) ListTransactions(c *gin.Context) {
	list, err := h.service.ListTransactions(c.Request.Context(), actorOf(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, list)
}

// Refund 全额退款 (剩余可退金额)
// @Summary 全额退款
// @Tags Refund
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Order ID"
// @Param Idempotency-Key header string false "Client idempotency key"
// @Param input body RefundInput false "Refund reason"
// @Success 200 {object} response.Response{data=service.RefundResult}
// @Failure 422 {object} response.Response
// @Router /orders/{id}/refund [post]
func (h *PaymentHandler) Refund(c *gin.Context) {
	var input RefundInput
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&input); err != nil {
			response.Error(c, http.StatusBadRequest, response.ErrInvalidParam, err.Error())
			return
		}
	}
	h.refund(c, service.RefundRequest{
		OrderID: c.Param("id"),
		Reason:  input.Reason,
	})
}

// PartialRefund 部分退款
// @Summary 部分退款
// @Tags Refund
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Order ID"
// @Param Idempotency-Key header string false "Client idempotency key"
// @Param input body PartialRefundInput true "Refund amount and reason"
// @Success 200 {object} response.Response{data=service.RefundResult}
// @Failure 422 {object} response.Response
// @Router /orders/{id}/refund/partial [post]
func (h *PaymentHandler) PartialRefund(c *gin.Context) {
	var input PartialRefundInput
	if err := c.ShouldBindJSON(&input); err != nil {
		response.Error(c, http.StatusBadRequest, response.ErrInvalidParam, err.Error())
		return
	}
	h.refund(c, service.RefundRequest{
		OrderID: c.Param("id"),
		Amount:  input.Amount,
		Reason:  input.Reason,
	})
}

func (h *PaymentHandler) refund(c *gin.Context, req service.RefundRequest) {
	req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	res, err := h.service.Refund(c.Request.Context(), actorOf(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, res)
}

// Sweep 手动触发过期订单清理
// @Summary 过期清理
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Response
// @Router /admin/payments/sweep [post]
func (h *PaymentHandler) Sweep(c *gin.Context) {
	n, err := h.service.ExpireStale(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"expired": n})
}

func actorOf(c *gin.Context) service.Actor {
	return service.Actor{UserID: middleware.CurrentUserID(c), Admin: middleware.IsAdmin(c)}
}

// writeError 按错误分类映射 HTTP 状态码与业务码
func writeError(c *gin.Context, err error) {
	var (
		stateErr *service.DomainStateError
		procErr  *service.ProcessorError
	)
	switch {
	case errors.Is(err, service.ErrValidation):
		response.Error(c, http.StatusBadRequest, response.ErrInvalidParam, err.Error())
	case errors.Is(err, service.ErrInvalidSignature):
		response.Error(c, http.StatusBadRequest, response.ErrInvalidSignature, "invalid signature")
	case errors.Is(err, service.ErrForbidden):
		response.Error(c, http.StatusForbidden, response.ErrNoPermission, err.Error())
	case errors.Is(err, service.ErrOrderNotFound):
		response.Error(c, http.StatusNotFound, response.ErrOrderNotFound, err.Error())
	case errors.Is(err, service.ErrUnsupportedChannel):
		response.Error(c, http.StatusUnprocessableEntity, response.ErrPaymentState, err.Error())
	case errors.As(err, &stateErr):
		response.Error(c, http.StatusUnprocessableEntity, stateCode(stateErr), stateErr.Reason)
	case errors.As(err, &procErr):
		logger.Log.Error("Payment processor error",
			zap.String("path", c.FullPath()), zap.String("order_id", c.Param("id")), zap.Error(err))
		response.Error(c, http.StatusInternalServerError, response.ErrProcessor, "payment processor error")
	default:
		logger.Log.Error("Payment request failed",
			zap.String("path", c.FullPath()), zap.String("order_id", c.Param("id")), zap.Error(err))
		response.Error(c, http.StatusInternalServerError, response.ErrServerInternal, "internal error")
	}
}

func stateCode(err *service.DomainStateError) int {
	switch err {
	case service.ErrNoIntent:
		return response.ErrNoPaymentIntent
	case service.ErrExceedsRefundable:
		return response.ErrExceedsRefundable
	}
	return response.ErrPaymentState
}
