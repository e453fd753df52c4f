// Package service реализует бизнес-логику заказов и платежей.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/spot-order-core/internal/events"
	"github.com/mmeshcher/spot-order-core/internal/metrics"
)

// EventPublisher получает события смены статуса заказа.
type EventPublisher interface {
	PublishOrderStatusChanged(ctx context.Context, evt events.OrderStatusChanged) error
}

// PaymentRefunder отменяет подтверждённый платёж заказа.
type PaymentRefunder interface {
	RefundOrderPayment(ctx context.Context, orderID uuid.UUID, reason string) (*CancelResult, error)
}

type options struct {
	now      func() time.Time
	logger   *zap.Logger
	metrics  *metrics.Metrics
	refunder PaymentRefunder
}

// Option настраивает сервис.
type Option func(*options)

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithLogger задаёт логгер сервиса.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetrics включает учёт переходов статусов.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithPaymentRefunder включает возврат оплаты при отмене и отклонении оплаченного заказа.
func WithPaymentRefunder(r PaymentRefunder) Option {
	return func(o *options) {
		o.refunder = r
	}
}

func buildOptions(opts []Option) options {
	o := options{
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
