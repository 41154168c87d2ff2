package payment

import (
	"order_payment/internal/domain/payment/handler"
	"order_payment/internal/pkg/registry"
	"order_payment/pkg/logger"

	"go.uber.org/zap"
)

// PaymentModule 订单支付模块
type PaymentModule struct{}

func init() {
	registry.Register(&PaymentModule{})
}

func (m *PaymentModule) Name() string {
	return "payment"
}

func (m *PaymentModule) Priority() int {
	return 20
}

func (m *PaymentModule) Init(ctx *registry.ModuleContext) error {
	// 1. 依赖注入
	deps, err := Build(ctx.Ctx, Options{
		Config:  ctx.Config,
		DB:      ctx.DB,
		Redis:   ctx.Redis,
		Metrics: ctx.Metrics,
	})
	if err != nil {
		return err
	}

	// 2. 后台任务随进程上下文退出
	deps.Pool.Start(ctx.Ctx)
	go func() {
		<-ctx.Ctx.Done()
		deps.Pool.Stop()
	}()
	go RunSweeper(ctx.Ctx, deps.Service, ctx.Config.Payment.SweepInterval)

	// 3. 路由注册
	handler.SetupRoutes(ctx.Router,
		handler.NewPaymentHandler(deps.Service),
		handler.NewWebhookHandler(deps.Service),
		ctx.Config.JWT.Secret,
	)

	logger.Log.Info("Payment module initialised",
		zap.Strings("channels", deps.Channels),
		zap.Duration("sweep_interval", ctx.Config.Payment.SweepInterval))
	return nil
}
