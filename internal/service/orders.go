package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/spot-order-core/internal/events"
	"github.com/mmeshcher/spot-order-core/internal/model"
	"github.com/mmeshcher/spot-order-core/internal/repository"
	"github.com/mmeshcher/spot-order-core/internal/validation"
)

const (
	orderNumberAttempts = 3

	defaultPageSize = 20
	maxPageSize     = 100
)

// OrderRepository описывает хранилище заказов и справочники, нужные при создании заказа.
type OrderRepository interface {
	StoreExists(ctx context.Context, storeID uuid.UUID) (bool, error)
	GetMenu(ctx context.Context, menuID uuid.UUID) (*model.MenuSnapshot, error)
	GetMenuOption(ctx context.Context, optionID uuid.UUID) (*model.MenuOptionSnapshot, error)

	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrderByID(ctx context.Context, id uuid.UUID) (*model.Order, error)
	GetOrderByNumber(ctx context.Context, number string) (*model.Order, error)
	ListUserOrders(ctx context.Context, userID int64, statuses []model.OrderStatus) ([]model.Order, error)
	ListStoreOrders(ctx context.Context, storeID uuid.UUID, limit, offset int) ([]model.Order, int64, error)
	ListStoreOrdersByStatus(ctx context.Context, storeID uuid.UUID, statuses []model.OrderStatus) ([]model.Order, error)
	ListStoreOrdersAcceptedBetween(ctx context.Context, storeID uuid.UUID, statuses []model.OrderStatus, from, to time.Time) ([]model.Order, error)
	ListStoreOrdersCreatedBetween(ctx context.Context, storeID uuid.UUID, from, to time.Time) ([]model.Order, error)
	UpdateOrder(ctx context.Context, o *model.Order) error
}

// OrderService управляет жизненным циклом заказа.
type OrderService struct {
	repo      OrderRepository
	publisher EventPublisher
	opts      options
}

// NewOrderService создаёт сервис заказов. Если publisher равен nil, события не отправляются.
func NewOrderService(repo OrderRepository, publisher EventPublisher, opts ...Option) *OrderService {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &OrderService{
		repo:      repo,
		publisher: publisher,
		opts:      buildOptions(opts),
	}
}

// CreateOrder создаёт заказ в статусе ожидания оплаты со снимками меню и опций.
func (s *OrderService) CreateOrder(ctx context.Context, userID int64, req *model.CreateOrderRequest) (*model.Order, error) {
	now := s.opts.now()
	if err := validation.ValidateCreateOrder(req, now); err != nil {
		return nil, err
	}

	exists, err := s.repo.StoreExists(ctx, req.StoreID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: store not found", model.ErrNotFound)
	}

	items := make([]model.OrderItem, 0, len(req.Items))
	for _, reqItem := range req.Items {
		item, err := s.buildItem(ctx, req.StoreID, reqItem)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}

	var order *model.Order
	for attempt := 0; attempt < orderNumberAttempts; attempt++ {
		number, err := validation.NewOrderNumber(now)
		if err != nil {
			return nil, err
		}

		order = model.NewOrder(req.StoreID, userID, number, req.Request, req.NeedDisposables, req.PickupTime, items)
		err = s.repo.CreateOrder(ctx, order)
		if err == nil {
			break
		}
		if !errors.Is(err, repository.ErrOrderNumberTaken) {
			return nil, err
		}
		if attempt == orderNumberAttempts-1 {
			return nil, fmt.Errorf("%w: could not allocate order number", model.ErrConflict)
		}
	}

	s.opts.metrics.OrderTransitioned(string(order.Status))
	s.publish(ctx, order, "", now)

	return order, nil
}

func (s *OrderService) buildItem(ctx context.Context, storeID uuid.UUID, req model.CreateOrderItem) (*model.OrderItem, error) {
	menu, err := s.repo.GetMenu(ctx, req.MenuID)
	if err != nil {
		return nil, err
	}
	if menu.StoreID != storeID {
		return nil, fmt.Errorf("%w: menu %s does not belong to store %s", model.ErrValidation, menu.ID, storeID)
	}

	item, err := model.NewOrderItem(menu, req.Quantity)
	if err != nil {
		return nil, err
	}

	for _, optID := range req.OptionIDs {
		opt, err := s.repo.GetMenuOption(ctx, optID)
		if err != nil {
			return nil, err
		}
		if opt.MenuID != menu.ID {
			return nil, fmt.Errorf("%w: option %s does not belong to menu %s", model.ErrValidation, opt.ID, menu.ID)
		}
		if err := item.AddOption(opt); err != nil {
			return nil, err
		}
	}

	return item, nil
}

// GetOrderByID возвращает заказ по идентификатору.
func (s *OrderService) GetOrderByID(ctx context.Context, orderID uuid.UUID) (*model.Order, error) {
	return s.repo.GetOrderByID(ctx, orderID)
}

// GetOrderByOrderNumber возвращает заказ по номеру. Номер с неверной контрольной цифрой не ищется.
func (s *OrderService) GetOrderByOrderNumber(ctx context.Context, number string) (*model.Order, error) {
	if !validation.IsValidOrderNumber(number) {
		return nil, fmt.Errorf("%w: invalid order number", model.ErrValidation)
	}
	return s.repo.GetOrderByNumber(ctx, number)
}

// GetUserOrders возвращает все заказы пользователя.
func (s *OrderService) GetUserOrders(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.repo.ListUserOrders(ctx, userID, nil)
}

// GetUserActiveOrders возвращает незавершённые заказы пользователя, включая ожидающие оплаты.
func (s *OrderService) GetUserActiveOrders(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.repo.ListUserOrders(ctx, userID, model.UserActiveOrderStatuses)
}

// GetStoreOrders возвращает страницу заказов магазина. Страницы нумеруются с нуля.
func (s *OrderService) GetStoreOrders(ctx context.Context, storeID uuid.UUID, page, size int) (*model.OrderPage, error) {
	if page < 0 {
		return nil, fmt.Errorf("%w: page must not be negative", model.ErrValidation)
	}
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}

	orders, total, err := s.repo.ListStoreOrders(ctx, storeID, size, page*size)
	if err != nil {
		return nil, err
	}

	return &model.OrderPage{Orders: orders, Page: page, Size: size, Total: total}, nil
}

// GetStoreActiveOrders возвращает оплаченные незавершённые заказы магазина.
func (s *OrderService) GetStoreActiveOrders(ctx context.Context, storeID uuid.UUID) ([]model.Order, error) {
	return s.repo.ListStoreOrdersByStatus(ctx, storeID, model.StoreActiveOrderStatuses)
}

// GetChefTodayOrders возвращает принятые сегодня заказы кухни по времени принятия.
func (s *OrderService) GetChefTodayOrders(ctx context.Context, storeID uuid.UUID) ([]model.Order, error) {
	now := s.opts.now()
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	to := from.AddDate(0, 0, 1)

	return s.repo.ListStoreOrdersAcceptedBetween(ctx, storeID, model.KitchenOrderStatuses, from, to)
}

// GetStoreOrdersByDateRange возвращает заказы магазина, созданные в интервале [from, to).
func (s *OrderService) GetStoreOrdersByDateRange(ctx context.Context, storeID uuid.UUID, from, to time.Time) ([]model.Order, error) {
	if from.IsZero() || to.IsZero() || !to.After(from) {
		return nil, fmt.Errorf("%w: invalid date range", model.ErrValidation)
	}
	return s.repo.ListStoreOrdersCreatedBetween(ctx, storeID, from, to)
}

// CompletePayment переводит заказ в ожидание подтверждения после успешной оплаты.
func (s *OrderService) CompletePayment(ctx context.Context, orderID uuid.UUID) (*model.Order, error) {
	return s.transition(ctx, orderID, func(o *model.Order, now time.Time) error {
		return o.CompletePayment(now)
	})
}

// AcceptOrder принимает заказ с оценкой времени приготовления.
func (s *OrderService) AcceptOrder(ctx context.Context, orderID uuid.UUID, estimatedMinutes int) (*model.Order, error) {
	return s.transition(ctx, orderID, func(o *model.Order, now time.Time) error {
		return o.Accept(estimatedMinutes, now)
	})
}

// RejectOrder отклоняет заказ и возвращает оплату.
func (s *OrderService) RejectOrder(ctx context.Context, orderID uuid.UUID, reason string) (*model.Order, error) {
	return s.closeOrder(ctx, orderID, func(o *model.Order, _ time.Time) error {
		return o.Reject(reason)
	})
}

// StartCooking отмечает начало приготовления.
func (s *OrderService) StartCooking(ctx context.Context, orderID uuid.UUID) (*model.Order, error) {
	return s.transition(ctx, orderID, func(o *model.Order, now time.Time) error {
		return o.StartCooking(now)
	})
}

// ReadyForPickup отмечает готовность заказа.
func (s *OrderService) ReadyForPickup(ctx context.Context, orderID uuid.UUID) (*model.Order, error) {
	return s.transition(ctx, orderID, func(o *model.Order, now time.Time) error {
		return o.ReadyForPickup(now)
	})
}

// CompleteOrder фиксирует выдачу заказа.
func (s *OrderService) CompleteOrder(ctx context.Context, orderID uuid.UUID) (*model.Order, error) {
	return s.transition(ctx, orderID, func(o *model.Order, now time.Time) error {
		return o.Complete(now)
	})
}

// CustomerCancelOrder отменяет заказ по инициативе клиента.
func (s *OrderService) CustomerCancelOrder(ctx context.Context, orderID uuid.UUID, reason string) (*model.Order, error) {
	return s.closeOrder(ctx, orderID, func(o *model.Order, now time.Time) error {
		return o.Cancel(reason, model.CancelledByCustomer, now)
	})
}

// StoreCancelOrder отменяет заказ по инициативе магазина.
func (s *OrderService) StoreCancelOrder(ctx context.Context, orderID uuid.UUID, reason string) (*model.Order, error) {
	return s.closeOrder(ctx, orderID, func(o *model.Order, now time.Time) error {
		return o.Cancel(reason, model.CancelledByStore, now)
	})
}

// closeOrder выполняет отмену или отклонение, а для оплаченного заказа затем отменяет платёж.
// Переход заказа уже сохранён, когда вызывается шлюз: при его отказе платёж остаётся
// в CANCELLED_IN_PROGRESS и ошибка возвращается вызывающему.
func (s *OrderService) closeOrder(ctx context.Context, orderID uuid.UUID, apply func(o *model.Order, now time.Time) error) (*model.Order, error) {
	var paid bool
	o, err := s.transition(ctx, orderID, func(o *model.Order, now time.Time) error {
		paid = o.Status != model.OrderStatusPaymentPending
		return apply(o, now)
	})
	if err != nil {
		return nil, err
	}
	if !paid || s.opts.refunder == nil {
		return o, nil
	}

	if _, err := s.opts.refunder.RefundOrderPayment(context.WithoutCancel(ctx), o.ID, refundReason(o)); err != nil {
		s.opts.logger.Error("refund payment of closed order",
			zap.String("order_id", o.ID.String()),
			zap.String("status", string(o.Status)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("order %s is %s, refund failed: %w", o.ID, o.Status, err)
	}
	return o, nil
}

func refundReason(o *model.Order) string {
	if o.Reason != nil && strings.TrimSpace(*o.Reason) != "" {
		return *o.Reason
	}
	return "order " + strings.ToLower(string(o.Status))
}

func (s *OrderService) transition(ctx context.Context, orderID uuid.UUID, apply func(o *model.Order, now time.Time) error) (*model.Order, error) {
	o, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	from := o.Status
	now := s.opts.now()
	if err := apply(o, now); err != nil {
		return nil, err
	}

	if err := s.repo.UpdateOrder(ctx, o); err != nil {
		return nil, err
	}

	s.opts.metrics.OrderTransitioned(string(o.Status))
	s.publish(ctx, o, from, now)

	return o, nil
}

// publish не влияет на результат перехода: ошибка только логируется.
func (s *OrderService) publish(ctx context.Context, o *model.Order, from model.OrderStatus, at time.Time) {
	evt := events.NewOrderStatusChanged(o, from, at)
	if err := s.publisher.PublishOrderStatusChanged(ctx, evt); err != nil {
		s.opts.logger.Warn("publish order status event",
			zap.String("order_id", o.ID.String()),
			zap.String("status", string(o.Status)),
			zap.Error(err),
		)
	}
}
