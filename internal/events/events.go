// Package events публикует события смены статуса заказа во внешний брокер.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/spot-order-core/internal/model"
)

// OrderStatusChanged описывает переход заказа в новый статус.
type OrderStatusChanged struct {
	OrderID     uuid.UUID         `json:"orderId"`
	OrderNumber string            `json:"orderNumber"`
	StoreID     uuid.UUID         `json:"storeId"`
	UserID      int64             `json:"userId"`
	From        model.OrderStatus `json:"from"`
	To          model.OrderStatus `json:"to"`
	Reason      *string           `json:"reason,omitempty"`
	OccurredAt  time.Time         `json:"occurredAt"`
}

// NewOrderStatusChanged собирает событие по заказу после перехода.
func NewOrderStatusChanged(o *model.Order, from model.OrderStatus, at time.Time) OrderStatusChanged {
	return OrderStatusChanged{
		OrderID:     o.ID,
		OrderNumber: o.OrderNumber,
		StoreID:     o.StoreID,
		UserID:      o.UserID,
		From:        from,
		To:          o.Status,
		Reason:      o.Reason,
		OccurredAt:  at,
	}
}

// Nop отбрасывает события, если брокер не настроен.
type Nop struct{}

// PublishOrderStatusChanged ничего не делает.
func (Nop) PublishOrderStatusChanged(context.Context, OrderStatusChanged) error {
	return nil
}
