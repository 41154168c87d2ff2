package strategy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"order_payment/internal/pkg/config"
	"order_payment/pkg/money"
	"strings"

	"github.com/wechatpay-apiv3/wechatpay-go/core"
	"github.com/wechatpay-apiv3/wechatpay-go/core/auth/verifiers"
	"github.com/wechatpay-apiv3/wechatpay-go/core/downloader"
	"github.com/wechatpay-apiv3/wechatpay-go/core/notify"
	"github.com/wechatpay-apiv3/wechatpay-go/core/option"
	"github.com/wechatpay-apiv3/wechatpay-go/services/payments/app"
	"github.com/wechatpay-apiv3/wechatpay-go/services/refunddomestic"
	"github.com/wechatpay-apiv3/wechatpay-go/utils"
)

const ChannelWechat = "wechat"

// 微信支付回调事件类型
const (
	wechatTransactionSuccess = "TRANSACTION.SUCCESS"
	wechatRefundSuccess      = "REFUND.SUCCESS"
	wechatOrderNotExist      = "ORDER_NOT_EXIST"
)

// WechatStrategy 微信 App 支付，意图 id 即商户订单号 out_trade_no
type WechatStrategy struct {
	client  *core.Client
	config  config.WechatPayConfig
	handler *notify.Handler
}

func NewWechatStrategy(ctx context.Context, cfg config.WechatPayConfig) (*WechatStrategy, error) {
	if cfg.MchID == "" {
		return nil, errors.New("wechat pay config missing")
	}

	// 1. 加载商户私钥
	mchPrivateKey, err := utils.LoadPrivateKey(cfg.MchPrivateKey)
	if err != nil {
		return nil, err
	}

	// 2. 初始化 Client，自动下载并轮换平台证书
	client, err := core.NewClient(ctx,
		option.WithWechatPayAutoAuthCipher(cfg.MchID, cfg.MchCertificateSerial, mchPrivateKey, cfg.APIv3Key),
	)
	if err != nil {
		return nil, err
	}

	// 3. 回调验签使用下载器中的平台证书
	certVisitor := downloader.MgrInstance().GetCertificateVisitor(cfg.MchID)
	handler := notify.NewNotifyHandler(cfg.APIv3Key, verifiers.NewSHA256WithRSAVerifier(certVisitor))

	return &WechatStrategy{
		client:  client,
		config:  cfg,
		handler: handler,
	}, nil
}

func (s *WechatStrategy) Channel() string {
	return ChannelWechat
}

func (s *WechatStrategy) CreateIntent(ctx context.Context, in CreateIntentInput) (*Intent, error) {
	req := app.PrepayRequest{
		Appid:       core.String(s.config.AppID),
		Mchid:       core.String(s.config.MchID),
		Description: core.String(in.Description),
		OutTradeNo:  core.String(in.OrderNo),
		Attach:      core.String(in.OrderID),
		NotifyUrl:   core.String(s.config.NotifyURL),
		Amount: &app.Amount{
			Total:    core.Int64(money.ToMinor(in.Amount, in.Currency)),
			Currency: core.String(strings.ToUpper(in.Currency)),
		},
	}

	svc := app.AppApiService{Client: s.client}
	resp, _, err := svc.Prepay(ctx, req)
	if err != nil {
		return nil, err
	}

	return &Intent{
		ID:           in.OrderNo,
		ClientSecret: stringValue(resp.PrepayId),
		Status:       IntentRequiresPaymentMethod,
		Amount:       in.Amount,
		Currency:     in.Currency,
		Metadata:     map[string]string{MetaOrderID: in.OrderID},
	}, nil
}

func (s *WechatStrategy) RetrieveIntent(ctx context.Context, intentID string) (*Intent, error) {
	svc := app.AppApiService{Client: s.client}
	tx, _, err := svc.QueryOrderByOutTradeNo(ctx, app.QueryOrderByOutTradeNoRequest{
		OutTradeNo: core.String(intentID),
		Mchid:      core.String(s.config.MchID),
	})
	if core.IsAPIError(err, wechatOrderNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrIntentNotFound, intentID)
	}
	if err != nil {
		return nil, err
	}

	intent := &Intent{
		ID:            intentID,
		Status:        wechatIntentStatus(stringValue(tx.TradeState)),
		PaymentMethod: ChannelWechat,
		Metadata:      map[string]string{},
	}
	if attach := stringValue(tx.Attach); attach != "" {
		intent.Metadata[MetaOrderID] = attach
	}
	if tx.Amount != nil {
		cur := stringValue(tx.Amount.Currency)
		intent.Currency = cur
		intent.Amount = money.FromMinor(int64Value(tx.Amount.Total), cur)
	}
	return intent, nil
}

func (s *WechatStrategy) CancelIntent(ctx context.Context, intentID string) error {
	svc := app.AppApiService{Client: s.client}
	_, err := svc.CloseOrder(ctx, app.CloseOrderRequest{
		OutTradeNo: core.String(intentID),
		Mchid:      core.String(s.config.MchID),
	})
	return err
}

// CreateRefund out_refund_no 使用幂等键
func (s *WechatStrategy) CreateRefund(ctx context.Context, in RefundInput) (*Refund, error) {
	svc := refunddomestic.RefundsApiService{Client: s.client}
	resp, _, err := svc.Create(ctx, refunddomestic.CreateRequest{
		OutTradeNo:  core.String(in.IntentID),
		OutRefundNo: core.String(in.IdempotencyKey),
		Reason:      core.String(in.Reason),
		Amount: &refunddomestic.AmountReq{
			Refund:   core.Int64(money.ToMinor(in.Amount, in.Currency)),
			Total:    core.Int64(money.ToMinor(in.Total, in.Currency)),
			Currency: core.String(strings.ToUpper(in.Currency)),
		},
	})
	if err != nil {
		return nil, err
	}

	refund := &Refund{
		ID:       stringValue(resp.RefundId),
		IntentID: in.IntentID,
		Amount:   in.Amount,
		Currency: in.Currency,
	}
	if resp.Status != nil {
		refund.Status = strings.ToLower(string(*resp.Status))
	}
	return refund, nil
}

// wechatResource 回调解密后的资源，交易与退款通知共用
type wechatResource struct {
	OutTradeNo    string `json:"out_trade_no"`
	TransactionID string `json:"transaction_id"`
	TradeState    string `json:"trade_state"`
	TradeType     string `json:"trade_type"`
	Attach        string `json:"attach"`
	RefundID      string `json:"refund_id"`
	RefundStatus  string `json:"refund_status"`
	Amount        struct {
		Total    int64  `json:"total"`
		Refund   int64  `json:"refund"`
		Currency string `json:"currency"`
	} `json:"amount"`
}

func (s *WechatStrategy) ParseWebhook(ctx context.Context, header http.Header, body []byte) (*Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.NotifyURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = header.Clone()

	var res wechatResource
	notifyReq, err := s.handler.ParseNotifyRequest(ctx, req, &res)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	cur := res.Amount.Currency
	if cur == "" {
		cur = "CNY"
	}
	intent := &Intent{
		ID:            res.OutTradeNo,
		Status:        wechatIntentStatus(res.TradeState),
		Amount:        money.FromMinor(res.Amount.Total, cur),
		Currency:      cur,
		PaymentMethod: ChannelWechat,
		Metadata:      map[string]string{},
	}
	if res.Attach != "" {
		intent.Metadata[MetaOrderID] = res.Attach
	}

	evt := &Event{ID: notifyReq.ID, Intent: intent, Payload: body}
	switch notifyReq.EventType {
	case wechatTransactionSuccess:
		evt.Type = EventIntentSucceeded
	case wechatRefundSuccess:
		evt.Type = EventChargeRefunded
		evt.Refunds = []Refund{{
			ID:       res.RefundID,
			IntentID: res.OutTradeNo,
			Amount:   money.FromMinor(res.Amount.Refund, cur),
			Currency: cur,
			Status:   "succeeded",
		}}
	default:
		evt.Type = "wechat." + notifyReq.EventType
	}
	return evt, nil
}

func wechatIntentStatus(state string) IntentStatus {
	switch state {
	case "SUCCESS", "REFUND":
		return IntentSucceeded
	case "USERPAYING":
		return IntentProcessing
	case "CLOSED", "REVOKED":
		return IntentCanceled
	case "PAYERROR":
		return IntentFailed
	case "NOTPAY":
		return IntentRequiresAction
	}
	return IntentRequiresPaymentMethod
}

func stringValue(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func int64Value(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

var _ PaymentStrategy = (*WechatStrategy)(nil)
