package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"order_payment/internal/domain/payment/service"
	"order_payment/internal/domain/payment/strategy"
	"order_payment/pkg/response"

	"github.com/gin-gonic/gin"
)

// 渠道回调体上限
const maxWebhookBody = 1 << 16

// WebhookHandler 支付渠道回调，无需鉴权，靠验签
type WebhookHandler struct {
	service service.PaymentService
}

func NewWebhookHandler(s service.PaymentService) *WebhookHandler {
	return &WebhookHandler{service: s}
}

// Stripe Stripe 回调
// 验签通过后一律返回 200，处理失败记录在 webhook_events 中，避免渠道无限重试
// @Summary Stripe 回调
// @Tags Webhook
// @Accept json
// @Produce json
// @Param Stripe-Signature header string true "Stripe signature"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Router /webhook/payment [post]
func (h *WebhookHandler) Stripe(c *gin.Context) {
	evt, ok := h.verify(c, "stripe")
	if !ok {
		return
	}
	h.dispatch(c, "stripe", evt)
	response.Success(c, gin.H{"received": true})
}

// Alipay 支付宝异步通知 (POST Form)，应答纯文本 success / fail
// @Summary 支付宝回调
// @Tags Webhook
// @Router /webhook/payment/alipay [post]
func (h *WebhookHandler) Alipay(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		c.String(http.StatusBadRequest, "fail")
		return
	}
	evt, err := h.service.Verify(c.Request.Context(), "alipay", c.Request.Header, body)
	if err != nil {
		c.String(http.StatusBadRequest, "fail")
		return
	}
	h.dispatch(c, "alipay", evt)
	c.String(http.StatusOK, "success")
}

// Wechat 微信支付回调，签名信息在 Header 中
// @Summary 微信支付回调
// @Tags Webhook
// @Router /webhook/payment/wechat [post]
func (h *WebhookHandler) Wechat(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "FAIL", "message": "invalid body"})
		return
	}
	evt, err := h.service.Verify(c.Request.Context(), "wechat", c.Request.Header, body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "FAIL", "message": "invalid signature"})
		return
	}
	h.dispatch(c, "wechat", evt)
	c.JSON(http.StatusOK, gin.H{"code": "SUCCESS", "message": "OK"})
}

func (h *WebhookHandler) verify(c *gin.Context, channel string) (*strategy.Event, bool) {
	body, err := readBody(c)
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.ErrInvalidParam, "unreadable body")
		return nil, false
	}
	evt, err := h.service.Verify(c.Request.Context(), channel, c.Request.Header, body)
	if err != nil {
		if errors.Is(err, service.ErrUnsupportedChannel) {
			response.Error(c, http.StatusNotFound, response.ErrInvalidParam, err.Error())
			return nil, false
		}
		writeError(c, err)
		return nil, false
	}
	return evt, true
}

// dispatch 渠道断开连接不应中断已开始的处理
func (h *WebhookHandler) dispatch(c *gin.Context, channel string, evt *strategy.Event) {
	h.service.Dispatch(context.WithoutCancel(c.Request.Context()), channel, evt)
}

func readBody(c *gin.Context) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
}
