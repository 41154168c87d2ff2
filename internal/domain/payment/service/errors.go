package service

import (
	"errors"
	"fmt"
	"order_payment/internal/domain/payment/strategy"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrForbidden          = errors.New("not allowed to access this order")
	ErrOrderNotFound      = errors.New("order not found")
	ErrUnsupportedChannel = errors.New("unsupported payment channel")
	ErrInvalidSignature   = strategy.ErrInvalidSignature
)

// DomainStateError 订单当前状态不允许该操作
type DomainStateError struct {
	Reason string
}

func (e *DomainStateError) Error() string {
	return e.Reason
}

var (
	ErrAlreadyPaid       = &DomainStateError{Reason: "order already paid"}
	ErrPaymentExpired    = &DomainStateError{Reason: "payment window expired"}
	ErrOrderCancelled    = &DomainStateError{Reason: "order cancelled"}
	ErrNotRefundable     = &DomainStateError{Reason: "order is not refundable"}
	ErrExceedsRefundable = &DomainStateError{Reason: "amount exceeds refundable remainder"}
	ErrNoIntent          = &DomainStateError{Reason: "no payment intent found for order"}
	ErrPaymentProcessing = &DomainStateError{Reason: "payment is being processed"}
)

// ProcessorError 支付渠道调用失败 (网络、拒付等)
type ProcessorError struct {
	Channel string
	Op      string
	Err     error
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Channel, e.Op, e.Err)
}

func (e *ProcessorError) Unwrap() error {
	return e.Err
}

// InsufficientStockError 成功回调扣减库存不足，只记录告警，不回滚已成功的支付
type InsufficientStockError struct {
	ProductID string
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: available %d, requested %d",
		e.ProductID, e.Available, e.Requested)
}

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
