package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"order_payment/internal/pkg/config"
	"order_payment/pkg/money"

	"github.com/shopspring/decimal"
	"github.com/smartwalle/alipay/v3"
)

const ChannelAlipay = "alipay"

// 交易不存在：用户尚未扫码/拉起支付
const alipayTradeNotExist = "ACQ.TRADE_NOT_EXIST"

// AlipayStrategy 支付宝 App 支付，意图 id 即商户订单号 out_trade_no
type AlipayStrategy struct {
	client *alipay.Client
	config config.AlipayConfig
}

func NewAlipayStrategy(cfg config.AlipayConfig) (*AlipayStrategy, error) {
	if cfg.AppID == "" {
		return nil, errors.New("alipay config missing")
	}

	client, err := alipay.New(cfg.AppID, cfg.PrivateKey, cfg.IsProduction)
	if err != nil {
		return nil, err
	}

	// 加载支付宝公钥 (用于验证签名)
	if err = client.LoadAliPayPublicKey(cfg.PublicKey); err != nil {
		return nil, err
	}

	return &AlipayStrategy{
		client: client,
		config: cfg,
	}, nil
}

func (s *AlipayStrategy) Channel() string {
	return ChannelAlipay
}

// CreateIntent 生成签名后的 App 支付参数，本身不发起网络请求
func (s *AlipayStrategy) CreateIntent(_ context.Context, in CreateIntentInput) (*Intent, error) {
	p := alipay.TradeAppPay{}
	p.NotifyURL = s.config.NotifyURL
	p.Subject = in.Description
	p.OutTradeNo = in.OrderNo
	p.TotalAmount = money.Format(in.Amount, in.Currency)
	p.ProductCode = "QUICK_MSECURITY_PAY" // App支付产品码
	p.PassbackParams = url.QueryEscape(url.Values{MetaOrderID: {in.OrderID}}.Encode())

	result, err := s.client.TradeAppPay(p)
	if err != nil {
		return nil, err
	}
	return &Intent{
		ID:           in.OrderNo,
		ClientSecret: result,
		Status:       IntentRequiresPaymentMethod,
		Amount:       in.Amount,
		Currency:     in.Currency,
		Metadata:     map[string]string{MetaOrderID: in.OrderID},
	}, nil
}

// RetrieveIntent SDK 的同步接口不接收 context
func (s *AlipayStrategy) RetrieveIntent(_ context.Context, intentID string) (*Intent, error) {
	rsp, err := s.client.TradeQuery(alipay.TradeQuery{OutTradeNo: intentID})
	if code, ok := alipayFailure(rsp, err); ok {
		if code.SubCode == alipayTradeNotExist {
			return &Intent{ID: intentID, Status: IntentRequiresPaymentMethod}, nil
		}
		return nil, fmt.Errorf("alipay trade query: %s %s", code.SubCode, code.SubMsg)
	}
	if err != nil {
		return nil, err
	}

	amount, _ := decimal.NewFromString(rsp.TotalAmount)
	return &Intent{
		ID:            intentID,
		Status:        alipayIntentStatus(rsp.TradeStatus),
		Amount:        amount,
		PaymentMethod: ChannelAlipay,
	}, nil
}

func (s *AlipayStrategy) CancelIntent(_ context.Context, intentID string) error {
	rsp, err := s.client.TradeClose(alipay.TradeClose{OutTradeNo: intentID})
	if code, ok := alipayFailure(rsp, err); ok {
		if code.SubCode == alipayTradeNotExist {
			return nil
		}
		return fmt.Errorf("alipay trade close: %s %s", code.SubCode, code.SubMsg)
	}
	return err
}

// CreateRefund out_request_no 使用幂等键，同一键重复提交不会重复退款
func (s *AlipayStrategy) CreateRefund(_ context.Context, in RefundInput) (*Refund, error) {
	rsp, err := s.client.TradeRefund(alipay.TradeRefund{
		OutTradeNo:   in.IntentID,
		RefundAmount: money.Format(in.Amount, in.Currency),
		RefundReason: in.Reason,
		OutRequestNo: in.IdempotencyKey,
	})
	if code, ok := alipayFailure(rsp, err); ok {
		return nil, fmt.Errorf("alipay trade refund: %s %s", code.SubCode, code.SubMsg)
	}
	if err != nil {
		return nil, err
	}
	return &Refund{
		ID:       in.IdempotencyKey,
		IntentID: in.IntentID,
		Amount:   in.Amount,
		Currency: in.Currency,
		Status:   "succeeded",
	}, nil
}

// alipayFailure 业务失败既可能作为错误返回，也可能只体现在响应码上
func alipayFailure(rsp interface{}, err error) (alipay.Error, bool) {
	var apiErr *alipay.Error
	if errors.As(err, &apiErr) && apiErr != nil {
		return *apiErr, true
	}
	if err != nil {
		return alipay.Error{}, false
	}

	var code *alipay.Error
	switch r := rsp.(type) {
	case *alipay.TradeQueryRsp:
		if r != nil {
			code = &r.Error
		}
	case *alipay.TradeCloseRsp:
		if r != nil {
			code = &r.Error
		}
	case *alipay.TradeRefundRsp:
		if r != nil {
			code = &r.Error
		}
	}
	if code == nil || !code.IsFailure() {
		return alipay.Error{}, false
	}
	return *code, true
}

// ParseWebhook 支付宝异步通知为表单格式
func (s *AlipayStrategy) ParseWebhook(_ context.Context, _ http.Header, body []byte) (*Event, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	noti, err := s.client.DecodeNotification(values)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	amount, _ := decimal.NewFromString(noti.TotalAmount)
	intent := &Intent{
		ID:            noti.OutTradeNo,
		Status:        alipayIntentStatus(noti.TradeStatus),
		Amount:        amount,
		PaymentMethod: ChannelAlipay,
		Metadata:      decodePassback(noti.PassbackParams),
	}

	evt := &Event{ID: noti.NotifyId, Intent: intent, Payload: body}
	switch {
	case noti.RefundFee != "":
		// 退款通知只带累计退款金额
		evt.Type = EventChargeRefunded
		evt.RefundedTotal, _ = decimal.NewFromString(noti.RefundFee)
	case intent.Status == IntentSucceeded:
		evt.Type = EventIntentSucceeded
	case noti.TradeStatus == alipay.TradeStatusClosed:
		evt.Type = EventIntentFailed
		intent.FailureCode = string(noti.TradeStatus)
	default:
		evt.Type = "alipay." + string(noti.TradeStatus)
	}
	return evt, nil
}

func alipayIntentStatus(status alipay.TradeStatus) IntentStatus {
	switch status {
	case alipay.TradeStatusSuccess, alipay.TradeStatusFinished:
		return IntentSucceeded
	case alipay.TradeStatusClosed:
		return IntentCanceled
	case alipay.TradeStatusWaitBuyerPay:
		return IntentRequiresAction
	}
	return IntentRequiresPaymentMethod
}

func decodePassback(raw string) map[string]string {
	meta := map[string]string{}
	if raw == "" {
		return meta
	}
	if unescaped, err := url.QueryUnescape(raw); err == nil {
		raw = unescaped
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return meta
	}
	for k := range values {
		meta[k] = values.Get(k)
	}
	return meta
}

// 确保实现了接口
var _ PaymentStrategy = (*AlipayStrategy)(nil)
