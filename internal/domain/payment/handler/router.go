package handler

import (
	"order_payment/internal/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// SetupRoutes 注册支付模块路由
func SetupRoutes(r gin.IRouter, ph *PaymentHandler, wh *WebhookHandler, jwtSecret string) {
	// 渠道回调 (无需鉴权，但需验签)
	webhook := r.Group("/webhook/payment")
	{
		webhook.POST("", wh.Stripe)
		webhook.POST("/alipay", wh.Alipay)
		webhook.POST("/wechat", wh.Wechat)
	}

	auth := middleware.AuthMiddleware(jwtSecret)

	orders := r.Group("/orders/:id", auth)
	{
		orders.POST("/payment/intent", ph.CreateIntent)
		orders.GET("/payment/status", ph.GetStatus)
		orders.POST("/payment/confirm", ph.Confirm)
		orders.GET("/payment/transactions", ph.ListTransactions)

		// 退款仅限管理员
		orders.POST("/refund", middleware.AdminMiddleware(), ph.Refund)
		orders.POST("/refund/partial", middleware.AdminMiddleware(), ph.PartialRefund)
	}

	admin := r.Group("/admin/payments", auth, middleware.AdminMiddleware())
	{
		admin.POST("/sweep", ph.Sweep)
	}
}
