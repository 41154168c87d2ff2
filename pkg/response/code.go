package response

// 业务状态码
const (
	CodeSuccess = 0
	CodeError   = 1

	// 鉴权错误 100xx
	ErrAuthFailed   = 10003
	ErrTokenInvalid = 10004
	ErrNoPermission = 10005

	// 订单错误 200xx
	ErrOrderNotFound = 20001

	// 支付错误 300xx
	ErrPaymentState      = 30001 // 订单状态不允许该操作 (已支付/已过期/不可退款等)
	ErrNoPaymentIntent   = 30002
	ErrExceedsRefundable = 30003
	ErrProcessor         = 30004 // 支付渠道调用失败
	ErrInvalidSignature  = 30005

	// 系统错误 500xx
	ErrServerInternal  = 50001
	ErrInvalidParam    = 50002
	ErrTooManyRequests = 50003
)
