package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mmeshcher/spot-order-core/internal/authz"
	"github.com/mmeshcher/spot-order-core/internal/model"
)

type createOrderItemRequest struct {
	MenuID    uuid.UUID   `json:"menuId"`
	Quantity  int         `json:"quantity"`
	OptionIDs []uuid.UUID `json:"optionIds"`
}

type createOrderRequest struct {
	StoreID         uuid.UUID                `json:"storeId"`
	PickupTime      time.Time                `json:"pickupTime"`
	Request         string                   `json:"request"`
	NeedDisposables bool                     `json:"needDisposables"`
	Items           []createOrderItemRequest `json:"items"`
}

type acceptOrderRequest struct {
	EstimatedTime int `json:"estimatedTime"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type orderItemOptionResponse struct {
	MenuOptionID uuid.UUID `json:"menuOptionId"`
	Name         string    `json:"optionName"`
	Price        int64     `json:"optionPrice"`
}

type orderItemResponse struct {
	ID       uuid.UUID                 `json:"id"`
	MenuID   uuid.UUID                 `json:"menuId"`
	Name     string                    `json:"menuName"`
	Price    int64                     `json:"menuPrice"`
	Quantity int                       `json:"quantity"`
	Options  []orderItemOptionResponse `json:"options"`
}

type orderResponse struct {
	ID                 uuid.UUID           `json:"id"`
	OrderNumber        string              `json:"orderNumber"`
	StoreID            uuid.UUID           `json:"storeId"`
	UserID             int64               `json:"userId"`
	Status             string              `json:"status"`
	Request            string              `json:"request,omitempty"`
	NeedDisposables    bool                `json:"needDisposables"`
	PickupTime         string              `json:"pickupTime"`
	TotalAmount        int64               `json:"totalAmount"`
	EstimatedTime      *int                `json:"estimatedTime,omitempty"`
	Reason             *string             `json:"reason,omitempty"`
	CancelledBy        *model.CancelledBy  `json:"cancelledBy,omitempty"`
	PaymentCompletedAt *string             `json:"paymentCompletedAt,omitempty"`
	AcceptedAt         *string             `json:"acceptedAt,omitempty"`
	CookingStartedAt   *string             `json:"cookingStartedAt,omitempty"`
	CookingCompletedAt *string             `json:"cookingCompletedAt,omitempty"`
	PickedUpAt         *string             `json:"pickedUpAt,omitempty"`
	CancelledAt        *string             `json:"cancelledAt,omitempty"`
	CreatedAt          string              `json:"createdAt"`
	Items              []orderItemResponse `json:"items"`
}

type orderPageResponse struct {
	Orders []orderResponse `json:"orders"`
	Page   int             `json:"page"`
	Size   int             `json:"size"`
	Total  int64           `json:"total"`
}

func toOrderResponse(o *model.Order) orderResponse {
	items := make([]orderItemResponse, 0, len(o.Items))
	for _, it := range o.Items {
		opts := make([]orderItemOptionResponse, 0, len(it.Options))
		for _, opt := range it.Options {
			opts = append(opts, orderItemOptionResponse{
				MenuOptionID: opt.MenuOptionID,
				Name:         opt.OptionName,
				Price:        opt.OptionPrice,
			})
		}
		items = append(items, orderItemResponse{
			ID:       it.ID,
			MenuID:   it.MenuID,
			Name:     it.MenuName,
			Price:    it.MenuPrice,
			Quantity: it.Quantity,
			Options:  opts,
		})
	}

	return orderResponse{
		ID:                 o.ID,
		OrderNumber:        o.OrderNumber,
		StoreID:            o.StoreID,
		UserID:             o.UserID,
		Status:             string(o.Status),
		Request:            o.Request,
		NeedDisposables:    o.NeedDisposables,
		PickupTime:         o.PickupTime.Format(time.RFC3339),
		TotalAmount:        o.TotalAmount(),
		EstimatedTime:      o.EstimatedTime,
		Reason:             o.Reason,
		CancelledBy:        o.CancelledBy,
		PaymentCompletedAt: formatTime(o.PaymentCompletedAt),
		AcceptedAt:         formatTime(o.AcceptedAt),
		CookingStartedAt:   formatTime(o.CookingStartedAt),
		CookingCompletedAt: formatTime(o.CookingCompletedAt),
		PickedUpAt:         formatTime(o.PickedUpAt),
		CancelledAt:        formatTime(o.CancelledAt),
		CreatedAt:          o.CreatedAt.Format(time.RFC3339),
		Items:              items,
	}
}

func toOrderResponses(orders []model.Order) []orderResponse {
	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, toOrderResponse(&orders[i]))
	}
	return resp
}

func (h *Handler) writeOrders(w http.ResponseWriter, orders []model.Order) {
	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponses(orders))
}

// CreateOrder создаёт заказ текущего клиента.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	if err := authz.Can(actor, authz.CreateOrder); err != nil {
		h.writeError(w, r, err, "create order")
		return
	}

	var req createOrderRequest
	if !decodeJSON(r, &req) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	items := make([]model.CreateOrderItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, model.CreateOrderItem{
			MenuID:    it.MenuID,
			Quantity:  it.Quantity,
			OptionIDs: it.OptionIDs,
		})
	}

	order, err := h.orders.CreateOrder(r.Context(), actor.UserID, &model.CreateOrderRequest{
		StoreID:         req.StoreID,
		PickupTime:      req.PickupTime,
		Request:         req.Request,
		NeedDisposables: req.NeedDisposables,
		Items:           items,
	})
	if err != nil {
		h.writeError(w, r, err, "create order")
		return
	}

	writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

// GetMyOrders возвращает заказы текущего пользователя.
func (h *Handler) GetMyOrders(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	orders, err := h.orders.GetUserOrders(r.Context(), actor.UserID)
	if err != nil {
		h.writeError(w, r, err, "get user orders")
		return
	}
	h.writeOrders(w, orders)
}

// GetMyActiveOrders возвращает незавершённые заказы текущего пользователя.
func (h *Handler) GetMyActiveOrders(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	orders, err := h.orders.GetUserActiveOrders(r.Context(), actor.UserID)
	if err != nil {
		h.writeError(w, r, err, "get user active orders")
		return
	}
	h.writeOrders(w, orders)
}

// GetOrder возвращает заказ по идентификатору.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	orderID, ok := uuidParam(w, r, "orderID")
	if !ok {
		return
	}

	if err := h.guard.Order(r.Context(), actor, authz.ViewOrder, orderID); err != nil {
		h.writeError(w, r, err, "get order")
		return
	}

	order, err := h.orders.GetOrderByID(r.Context(), orderID)
	if err != nil {
		h.writeError(w, r, err, "get order")
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// GetOrderByNumber возвращает заказ по номеру. Права проверяются после поиска, так как номер не идентификатор.
func (h *Handler) GetOrderByNumber(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	order, err := h.orders.GetOrderByOrderNumber(r.Context(), chi.URLParam(r, "orderNumber"))
	if err != nil {
		h.writeError(w, r, err, "get order by number")
		return
	}

	if err := h.guard.Order(r.Context(), actor, authz.ViewOrder, order.ID); err != nil {
		h.writeError(w, r, err, "get order by number")
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) orderTransition(
	w http.ResponseWriter,
	r *http.Request,
	c authz.Capability,
	msg string,
	apply func(ctx context.Context, orderID uuid.UUID) (*model.Order, error),
) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	orderID, ok := uuidParam(w, r, "orderID")
	if !ok {
		return
	}

	if err := h.guard.Order(r.Context(), actor, c, orderID); err != nil {
		h.writeError(w, r, err, msg)
		return
	}

	order, err := apply(r.Context(), orderID)
	if err != nil {
		h.writeError(w, r, err, msg)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func decodeReason(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req reasonRequest
	if !decodeJSON(r, &req) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return "", false
	}
	return req.Reason, true
}

// CancelOrder отменяет заказ по запросу клиента.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	reason, ok := decodeReason(w, r)
	if !ok {
		return
	}
	h.orderTransition(w, r, authz.CancelOrderAsCustomer, "customer cancel order",
		func(ctx context.Context, id uuid.UUID) (*model.Order, error) {
			return h.orders.CustomerCancelOrder(ctx, id, reason)
		})
}

// AcceptOrder принимает оплаченный заказ.
func (h *Handler) AcceptOrder(w http.ResponseWriter, r *http.Request) {
	var req acceptOrderRequest
	if !decodeJSON(r, &req) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	h.orderTransition(w, r, authz.ManageOrder, "accept order",
		func(ctx context.Context, id uuid.UUID) (*model.Order, error) {
			return h.orders.AcceptOrder(ctx, id, req.EstimatedTime)
		})
}

// RejectOrder отклоняет оплаченный заказ.
func (h *Handler) RejectOrder(w http.ResponseWriter, r *http.Request) {
	reason, ok := decodeReason(w, r)
	if !ok {
		return
	}
	h.orderTransition(w, r, authz.ManageOrder, "reject order",
		func(ctx context.Context, id uuid.UUID) (*model.Order, error) {
			return h.orders.RejectOrder(ctx, id, reason)
		})
}

// StartCooking отмечает начало приготовления.
func (h *Handler) StartCooking(w http.ResponseWriter, r *http.Request) {
	h.orderTransition(w, r, authz.CookOrder, "start cooking", h.orders.StartCooking)
}

// ReadyForPickup отмечает готовность заказа.
func (h *Handler) ReadyForPickup(w http.ResponseWriter, r *http.Request) {
	h.orderTransition(w, r, authz.CookOrder, "ready for pickup", h.orders.ReadyForPickup)
}

// CompleteOrder фиксирует выдачу заказа.
func (h *Handler) CompleteOrder(w http.ResponseWriter, r *http.Request) {
	h.orderTransition(w, r, authz.ManageOrder, "complete order", h.orders.CompleteOrder)
}

// StoreCancelOrder отменяет заказ по решению магазина.
func (h *Handler) StoreCancelOrder(w http.ResponseWriter, r *http.Request) {
	reason, ok := decodeReason(w, r)
	if !ok {
		return
	}
	h.orderTransition(w, r, authz.ManageOrder, "store cancel order",
		func(ctx context.Context, id uuid.UUID) (*model.Order, error) {
			return h.orders.StoreCancelOrder(ctx, id, reason)
		})
}

func (h *Handler) storeAccess(w http.ResponseWriter, r *http.Request, msg string) (uuid.UUID, bool) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return uuid.Nil, false
	}
	storeID, ok := uuidParam(w, r, "storeID")
	if !ok {
		return uuid.Nil, false
	}
	if err := h.guard.Store(r.Context(), actor, authz.ViewStoreOrders, storeID); err != nil {
		h.writeError(w, r, err, msg)
		return uuid.Nil, false
	}
	return storeID, true
}

func queryInt(r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	return v, err == nil
}

// GetStoreOrders возвращает страницу заказов магазина.
func (h *Handler) GetStoreOrders(w http.ResponseWriter, r *http.Request) {
	storeID, ok := h.storeAccess(w, r, "get store orders")
	if !ok {
		return
	}

	page, okPage := queryInt(r, "page")
	size, okSize := queryInt(r, "size")
	if !okPage || !okSize {
		http.Error(w, "invalid page or size", http.StatusBadRequest)
		return
	}

	result, err := h.orders.GetStoreOrders(r.Context(), storeID, page, size)
	if err != nil {
		h.writeError(w, r, err, "get store orders")
		return
	}

	writeJSON(w, http.StatusOK, orderPageResponse{
		Orders: toOrderResponses(result.Orders),
		Page:   result.Page,
		Size:   result.Size,
		Total:  result.Total,
	})
}

// GetStoreActiveOrders возвращает оплаченные незавершённые заказы магазина.
func (h *Handler) GetStoreActiveOrders(w http.ResponseWriter, r *http.Request) {
	storeID, ok := h.storeAccess(w, r, "get store active orders")
	if !ok {
		return
	}

	orders, err := h.orders.GetStoreActiveOrders(r.Context(), storeID)
	if err != nil {
		h.writeError(w, r, err, "get store active orders")
		return
	}
	h.writeOrders(w, orders)
}

// GetChefTodayOrders возвращает принятые сегодня заказы для кухни.
func (h *Handler) GetChefTodayOrders(w http.ResponseWriter, r *http.Request) {
	storeID, ok := h.storeAccess(w, r, "get chef today orders")
	if !ok {
		return
	}

	orders, err := h.orders.GetChefTodayOrders(r.Context(), storeID)
	if err != nil {
		h.writeError(w, r, err, "get chef today orders")
		return
	}
	h.writeOrders(w, orders)
}

func parseDateParam(raw string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// GetStoreOrdersByDateRange возвращает заказы магазина за интервал from..to.
// Дата без времени означает начало суток в UTC.
func (h *Handler) GetStoreOrdersByDateRange(w http.ResponseWriter, r *http.Request) {
	storeID, ok := h.storeAccess(w, r, "get store orders by date range")
	if !ok {
		return
	}

	from, okFrom := parseDateParam(r.URL.Query().Get("from"))
	to, okTo := parseDateParam(r.URL.Query().Get("to"))
	if !okFrom || !okTo {
		http.Error(w, "invalid from or to", http.StatusBadRequest)
		return
	}

	orders, err := h.orders.GetStoreOrdersByDateRange(r.Context(), storeID, from, to)
	if err != nil {
		h.writeError(w, r, err, "get store orders by date range")
		return
	}
	h.writeOrders(w, orders)
}
