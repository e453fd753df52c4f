package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OrderStatus описывает этап жизненного цикла заказа.
type OrderStatus string

const (
	OrderStatusPaymentPending OrderStatus = "PAYMENT_PENDING"
	OrderStatusPending        OrderStatus = "PENDING"
	OrderStatusAccepted       OrderStatus = "ACCEPTED"
	OrderStatusRejected       OrderStatus = "REJECTED"
	OrderStatusCooking        OrderStatus = "COOKING"
	OrderStatusReady          OrderStatus = "READY"
	OrderStatusCompleted      OrderStatus = "COMPLETED"
	OrderStatusCancelled      OrderStatus = "CANCELLED"
)

// Terminal сообщает, что из статуса нет переходов.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusRejected || s == OrderStatusCancelled
}

// UserActiveOrderStatuses включает ожидание оплаты: клиент видит заказ сразу.
var UserActiveOrderStatuses = []OrderStatus{
	OrderStatusPaymentPending,
	OrderStatusPending,
	OrderStatusAccepted,
	OrderStatusCooking,
	OrderStatusReady,
}

// StoreActiveOrderStatuses не включает ожидание оплаты: магазин видит только оплаченные заказы.
var StoreActiveOrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusAccepted,
	OrderStatusCooking,
	OrderStatusReady,
}

// KitchenOrderStatuses перечисляет статусы заказов, принятых в работу кухней.
var KitchenOrderStatuses = []OrderStatus{
	OrderStatusAccepted,
	OrderStatusCooking,
	OrderStatusReady,
}

// CancelledBy указывает, кто отменил заказ.
type CancelledBy string

const (
	CancelledByCustomer CancelledBy = "CUSTOMER"
	CancelledByStore    CancelledBy = "STORE"
)

// Order описывает заказ на самовывоз.
type Order struct {
	ID              uuid.UUID
	OrderNumber     string
	StoreID         uuid.UUID
	UserID          int64
	Request         string
	NeedDisposables bool
	PickupTime      time.Time
	Status          OrderStatus

	EstimatedTime *int
	Reason        *string
	CancelledBy   *CancelledBy

	PaymentCompletedAt *time.Time
	AcceptedAt         *time.Time
	CookingStartedAt   *time.Time
	CookingCompletedAt *time.Time
	PickedUpAt         *time.Time
	CancelledAt        *time.Time

	CreatedAt time.Time
	// Version используется для оптимистичной блокировки при сохранении.
	Version int64

	Items []OrderItem
}

// NewOrder создаёт заказ в статусе ожидания оплаты.
func NewOrder(storeID uuid.UUID, userID int64, number, request string, needDisposables bool, pickupTime time.Time, items []OrderItem) *Order {
	return &Order{
		ID:              uuid.New(),
		OrderNumber:     number,
		StoreID:         storeID,
		UserID:          userID,
		Request:         request,
		NeedDisposables: needDisposables,
		PickupTime:      pickupTime,
		Status:          OrderStatusPaymentPending,
		Items:           items,
	}
}

// TotalAmount считает сумму заказа только по снимкам цен.
func (o *Order) TotalAmount() int64 {
	var total int64
	for _, item := range o.Items {
		total += item.LineAmount()
	}
	return total
}

func (o *Order) transition(op string, from, to OrderStatus) error {
	if o.Status != from {
		return fmt.Errorf("%w: cannot %s order in status %s", ErrInvalidTransition, op, o.Status)
	}
	o.Status = to
	return nil
}

// CompletePayment переводит заказ из ожидания оплаты в ожидание подтверждения магазином.
func (o *Order) CompletePayment(now time.Time) error {
	if err := o.transition("complete payment of", OrderStatusPaymentPending, OrderStatusPending); err != nil {
		return err
	}
	o.PaymentCompletedAt = &now
	return nil
}

// Accept принимает заказ с оценкой времени приготовления в минутах.
func (o *Order) Accept(estimatedMinutes int, now time.Time) error {
	if estimatedMinutes <= 0 {
		return fmt.Errorf("%w: estimated time must be positive", ErrValidation)
	}
	if err := o.transition("accept", OrderStatusPending, OrderStatusAccepted); err != nil {
		return err
	}
	o.EstimatedTime = &estimatedMinutes
	o.AcceptedAt = &now
	return nil
}

// Reject отклоняет заказ с указанием причины.
func (o *Order) Reject(reason string) error {
	if strings.TrimSpace(reason) == "" {
		return fmt.Errorf("%w: reject reason is required", ErrValidation)
	}
	if err := o.transition("reject", OrderStatusPending, OrderStatusRejected); err != nil {
		return err
	}
	o.Reason = &reason
	return nil
}

// StartCooking отмечает начало приготовления.
func (o *Order) StartCooking(now time.Time) error {
	if err := o.transition("start cooking", OrderStatusAccepted, OrderStatusCooking); err != nil {
		return err
	}
	o.CookingStartedAt = &now
	return nil
}

// ReadyForPickup отмечает готовность заказа к выдаче.
func (o *Order) ReadyForPickup(now time.Time) error {
	if err := o.transition("mark ready", OrderStatusCooking, OrderStatusReady); err != nil {
		return err
	}
	o.CookingCompletedAt = &now
	return nil
}

// Complete фиксирует выдачу заказа клиенту.
func (o *Order) Complete(now time.Time) error {
	if err := o.transition("complete", OrderStatusReady, OrderStatusCompleted); err != nil {
		return err
	}
	o.PickedUpAt = &now
	return nil
}

// Cancel отменяет заказ из любого нетерминального статуса.
func (o *Order) Cancel(reason string, by CancelledBy, now time.Time) error {
	if o.Status.Terminal() {
		return fmt.Errorf("%w: cannot cancel order in status %s", ErrInvalidTransition, o.Status)
	}
	o.Status = OrderStatusCancelled
	o.Reason = &reason
	o.CancelledBy = &by
	o.CancelledAt = &now
	return nil
}

// OrderItem хранит позицию заказа со снимком меню на момент заказа.
type OrderItem struct {
	ID        uuid.UUID
	MenuID    uuid.UUID
	MenuName  string
	MenuPrice int64
	Quantity  int
	Options   []OrderItemOption
}

// NewOrderItem создаёт позицию заказа, копируя название и цену меню.
func NewOrderItem(menu *MenuSnapshot, quantity int) (*OrderItem, error) {
	if menu == nil {
		return nil, fmt.Errorf("%w: menu is required", ErrValidation)
	}
	if quantity < 1 {
		return nil, fmt.Errorf("%w: quantity must be at least 1", ErrValidation)
	}
	return &OrderItem{
		ID:        uuid.New(),
		MenuID:    menu.ID,
		MenuName:  menu.Name,
		MenuPrice: menu.Price,
		Quantity:  quantity,
	}, nil
}

// AddOption добавляет снимок опции к позиции.
func (i *OrderItem) AddOption(option *MenuOptionSnapshot) error {
	if option == nil {
		return fmt.Errorf("%w: menu option is required", ErrValidation)
	}
	i.Options = append(i.Options, OrderItemOption{
		ID:           uuid.New(),
		MenuOptionID: option.ID,
		OptionName:   option.Name,
		OptionPrice:  option.Price,
	})
	return nil
}

// LineAmount возвращает стоимость позиции с опциями.
func (i *OrderItem) LineAmount() int64 {
	unit := i.MenuPrice
	for _, opt := range i.Options {
		unit += opt.OptionPrice
	}
	return unit * int64(i.Quantity)
}

// OrderItemOption хранит снимок выбранной опции меню.
type OrderItemOption struct {
	ID           uuid.UUID
	MenuOptionID uuid.UUID
	OptionName   string
	OptionPrice  int64
}

// CreateOrderRequest содержит данные клиента для создания заказа.
type CreateOrderRequest struct {
	StoreID         uuid.UUID
	PickupTime      time.Time
	Request         string
	NeedDisposables bool
	Items           []CreateOrderItem
}

// CreateOrderItem описывает позицию в запросе на создание заказа.
type CreateOrderItem struct {
	MenuID    uuid.UUID
	Quantity  int
	OptionIDs []uuid.UUID
}

// OrderPage содержит страницу заказов магазина.
type OrderPage struct {
	Orders []Order
	Page   int
	Size   int
	Total  int64
}
