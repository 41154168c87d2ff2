package payment

import (
	"context"
	"errors"
	"order_payment/internal/domain/payment/repository"
	"order_payment/internal/domain/payment/service"
	"order_payment/internal/domain/payment/strategy"
	"order_payment/internal/pkg/config"
	"order_payment/internal/pkg/events"
	"order_payment/internal/pkg/push"
	"order_payment/internal/pkg/worker"
	"order_payment/pkg/lock"
	"order_payment/pkg/logger"
	"order_payment/pkg/metrics"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Options 构建支付服务所需的基础设施
type Options struct {
	Config  *config.Config
	DB      *gorm.DB
	Redis   *redis.Client
	Metrics *metrics.MetricsCollector
}

// Deps 构建结果，工作池由调用方启动与停止
type Deps struct {
	Service  service.PaymentService
	Pool     *worker.WorkerPool
	Channels []string
}

// Build 组装支付服务：存储、租约、渠道策略与异步通知
func Build(ctx context.Context, opts Options) (*Deps, error) {
	if opts.Config == nil || opts.DB == nil {
		return nil, errors.New("payment: config and db are required")
	}
	cfg := opts.Config

	var locker lock.Locker
	if opts.Redis != nil {
		locker = lock.NewRedisLocker(opts.Redis, "")
	} else {
		logger.Log.Warn("Redis not configured, using in-process lease")
		locker = lock.NewMemoryLocker()
	}

	pool := worker.NewWorkerPool(cfg.Payment.NotifyWorkers, cfg.Payment.NotifyBuffer)
	notifier := service.NewAsyncNotifier(pool, newPublisher(ctx, cfg.Events), newPusher(cfg.Push))

	svc := service.NewPaymentService(repository.NewStore(opts.DB), locker, cfg.Payment, opts.Metrics,
		service.WithNotifier(notifier))

	channels := registerStrategies(ctx, svc, cfg)
	if len(channels) == 0 {
		logger.Log.Warn("No payment channel configured")
	}
	return &Deps{Service: svc, Pool: pool, Channels: channels}, nil
}

// registerStrategies 注册已配置的渠道，单个渠道初始化失败不影响其他渠道
func registerStrategies(ctx context.Context, svc service.PaymentService, cfg *config.Config) []string {
	var channels []string
	register := func(st strategy.PaymentStrategy, err error, channel string) {
		if err != nil {
			logger.Log.Error("Failed to init payment strategy", zap.String("channel", channel), zap.Error(err))
			return
		}
		svc.RegisterStrategy(st)
		channels = append(channels, channel)
	}

	if cfg.Stripe.SecretKey != "" {
		st, err := strategy.NewStripeStrategy(cfg.Stripe)
		register(st, err, strategy.ChannelStripe)
	}
	if cfg.Alipay.AppID != "" {
		st, err := strategy.NewAlipayStrategy(cfg.Alipay)
		register(st, err, strategy.ChannelAlipay)
	}
	if cfg.Wechat.MchID != "" {
		st, err := strategy.NewWechatStrategy(ctx, cfg.Wechat)
		register(st, err, strategy.ChannelWechat)
	}
	return channels
}

func newPublisher(ctx context.Context, cfg config.EventsConfig) events.Publisher {
	if cfg.QueueURL == "" {
		return events.NopPublisher{}
	}
	p, err := events.NewSQSPublisherFromConfig(ctx, cfg)
	if err != nil {
		logger.Log.Error("Failed to init SQS publisher, events disabled", zap.Error(err))
		return events.NopPublisher{}
	}
	return p
}

func newPusher(cfg config.PushConfig) push.PushService {
	if cfg.AccessKeyID == "" {
		return push.NopPushService{}
	}
	p, err := push.NewAliyunPushService(cfg)
	if err != nil {
		logger.Log.Error("Failed to init push service, notifications disabled", zap.Error(err))
		return push.NopPushService{}
	}
	return p
}

// RunSweeper 按间隔清理过期订单，直到 ctx 取消
func RunSweeper(ctx context.Context, svc service.PaymentService, interval time.Duration) {
	if interval <= 0 {
		logger.Log.Info("Payment sweeper disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.ExpireStale(ctx); err != nil {
				logger.Log.Error("Payment sweep failed", zap.Error(err))
			}
		}
	}
}
