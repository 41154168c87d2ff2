package database

import (
	"context"
	"order_payment/pkg/logger"
	"order_payment/pkg/metrics"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 等待连接超过该数量时打告警日志
const poolWaitAlertThreshold = 50

// MonitorPool 周期性上报连接池使用情况，ctx 取消后退出
func MonitorPool(ctx context.Context, db *gorm.DB, collector *metrics.MetricsCollector, interval time.Duration) {
	sqlDB, err := db.DB()
	if err != nil {
		logger.Log.Error("pool monitor disabled", zap.Error(err))
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastWait int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := sqlDB.Stats()
			collector.UpdateDBConnections(stats.InUse, stats.Idle)

			if delta := stats.WaitCount - lastWait; delta > poolWaitAlertThreshold {
				logger.Log.Warn("database pool saturated",
					zap.Int64("waits", delta),
					zap.Duration("wait_duration", stats.WaitDuration),
					zap.Int("open", stats.OpenConnections),
				)
			}
			lastWait = stats.WaitCount
		}
	}
}
