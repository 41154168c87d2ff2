package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"order_payment/internal/pkg/config"
	"order_payment/pkg/money"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

const ChannelStripe = "stripe"

// StripeStrategy 基于 Stripe PaymentIntent 的支付渠道
type StripeStrategy struct {
	api           *client.API
	webhookSecret string
}

func NewStripeStrategy(cfg config.StripeConfig) (*StripeStrategy, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("stripe config missing")
	}
	return &StripeStrategy{
		api:           client.New(cfg.SecretKey, nil),
		webhookSecret: cfg.WebhookSecret,
	}, nil
}

func (s *StripeStrategy) Channel() string {
	return ChannelStripe
}

func (s *StripeStrategy) CreateIntent(ctx context.Context, in CreateIntentInput) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(money.ToMinor(in.Amount, in.Currency)),
		Currency:    stripe.String(strings.ToLower(in.Currency)),
		Description: stripe.String(in.Description),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(in.IdempotencyKey)
	params.AddMetadata(MetaOrderID, in.OrderID)
	params.AddMetadata("order_no", in.OrderNo)
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, err
	}
	return fromStripeIntent(pi), nil
}

func (s *StripeStrategy) RetrieveIntent(ctx context.Context, intentID string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Get(intentID, params)
	if err != nil {
		return nil, stripeError(err)
	}
	return fromStripeIntent(pi), nil
}

// stripeError resource_missing 映射为 ErrIntentNotFound，其余原样返回
func stripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodeResourceMissing {
		return fmt.Errorf("%w: %s", ErrIntentNotFound, stripeErr.Msg)
	}
	return err
}

func (s *StripeStrategy) CancelIntent(ctx context.Context, intentID string) error {
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonAbandoned)),
	}
	params.Context = ctx
	_, err := s.api.PaymentIntents.Cancel(intentID, params)
	return err
}

func (s *StripeStrategy) CreateRefund(ctx context.Context, in RefundInput) (*Refund, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(in.IntentID),
		Amount:        stripe.Int64(money.ToMinor(in.Amount, in.Currency)),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(in.IdempotencyKey)
	params.AddMetadata(MetaOrderID, in.OrderID)
	if in.Reason != "" {
		params.AddMetadata("reason", in.Reason)
	}

	re, err := s.api.Refunds.New(params)
	if err != nil {
		return nil, err
	}
	return &Refund{
		ID:       re.ID,
		IntentID: in.IntentID,
		Amount:   money.FromMinor(re.Amount, string(re.Currency)),
		Currency: string(re.Currency),
		Status:   string(re.Status),
	}, nil
}

func (s *StripeStrategy) ParseWebhook(_ context.Context, header http.Header, body []byte) (*Event, error) {
	if s.webhookSecret == "" {
		return nil, fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}

	evt, err := webhook.ConstructEventWithOptions(body, header.Get("Stripe-Signature"), s.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := &Event{ID: evt.ID, Type: string(evt.Type), Payload: body}
	if evt.Data == nil {
		return out, nil
	}

	switch out.Type {
	case EventIntentSucceeded, EventIntentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		out.Intent = fromStripeIntent(&pi)
	case EventChargeRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(evt.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("decode charge: %w", err)
		}
		out.Intent, out.Refunds, out.RefundedTotal = fromStripeCharge(&ch)
	}
	return out, nil
}

func fromStripeIntent(pi *stripe.PaymentIntent) *Intent {
	intent := &Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       IntentStatus(pi.Status),
		Amount:       money.FromMinor(pi.Amount, string(pi.Currency)),
		Currency:     string(pi.Currency),
		Metadata:     pi.Metadata,
	}
	if pi.PaymentMethod != nil && pi.PaymentMethod.Type != "" {
		intent.PaymentMethod = string(pi.PaymentMethod.Type)
	} else if len(pi.PaymentMethodTypes) > 0 {
		intent.PaymentMethod = pi.PaymentMethodTypes[0]
	}
	if pi.LastPaymentError != nil {
		intent.FailureCode = string(pi.LastPaymentError.Code)
		intent.FailureMessage = pi.LastPaymentError.Msg
	}
	return intent
}

func fromStripeCharge(ch *stripe.Charge) (*Intent, []Refund, decimal.Decimal) {
	cur := string(ch.Currency)
	intent := &Intent{
		Status:   IntentSucceeded,
		Amount:   money.FromMinor(ch.Amount, cur),
		Currency: cur,
		Metadata: ch.Metadata,
	}
	if ch.PaymentIntent != nil {
		intent.ID = ch.PaymentIntent.ID
	}

	var refunds []Refund
	if ch.Refunds != nil {
		for _, re := range ch.Refunds.Data {
			if re == nil {
				continue
			}
			refunds = append(refunds, Refund{
				ID:       re.ID,
				IntentID: intent.ID,
				Amount:   money.FromMinor(re.Amount, cur),
				Currency: cur,
				Status:   string(re.Status),
			})
		}
	}
	return intent, refunds, money.FromMinor(ch.AmountRefunded, cur)
}

var _ PaymentStrategy = (*StripeStrategy)(nil)
