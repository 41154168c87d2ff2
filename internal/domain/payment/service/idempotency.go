package service

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// idempotencyNamespace UUIDv5 命名空间，修改会导致已有幂等键失效
var idempotencyNamespace = uuid.MustParse("5b0e7f3c-8d1a-4c52-9a7e-2f6d3b9c1e40")

// IntentIdempotencyKey 同一订单的创建请求总是得到同一个键
// 使用毫秒精度，数据库回读的时间戳精度不影响结果。
// supersedes 仅在旧意图已终结 (取消、失败或渠道确认不存在) 时传入，否则渠道会按旧键返回那个已终结的意图
func IntentIdempotencyKey(orderID string, createdAt time.Time, supersedes string) string {
	name := orderID + ":" + strconv.FormatInt(createdAt.UTC().UnixMilli(), 10)
	if supersedes != "" {
		name += ":" + supersedes
	}
	return "intent-" + uuid.NewSHA1(idempotencyNamespace, []byte(name)).String()
}

// RefundIdempotencyKey 调用方提供 Idempotency-Key 时按 (订单, key) 派生，否则带时间戳
func RefundIdempotencyKey(orderID, clientKey string, now time.Time) string {
	if clientKey != "" {
		return "refund-" + uuid.NewSHA1(idempotencyNamespace, []byte(orderID+":"+clientKey)).String()
	}
	return fmt.Sprintf("refund-%s-%d", orderID, now.UnixNano())
}
