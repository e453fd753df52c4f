// Package handler содержит HTTP-обработчики API заказов и платежей.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/spot-order-core/internal/authz"
	"github.com/mmeshcher/spot-order-core/internal/metrics"
	"github.com/mmeshcher/spot-order-core/internal/middleware"
	"github.com/mmeshcher/spot-order-core/internal/model"
	"github.com/mmeshcher/spot-order-core/internal/service"
)

// OrderService определяет операции с заказами, используемые обработчиками.
type OrderService interface {
	CreateOrder(ctx context.Context, userID int64, req *model.CreateOrderRequest) (*model.Order, error)
	GetOrderByID(ctx context.Context, orderID uuid.UUID) (*model.Order, error)
	GetOrderByOrderNumber(ctx context.Context, number string) (*model.Order, error)
	GetUserOrders(ctx context.Context, userID int64) ([]model.Order, error)
	GetUserActiveOrders(ctx context.Context, userID int64) ([]model.Order, error)
	GetStoreOrders(ctx context.Context, storeID uuid.UUID, page, size int) (*model.OrderPage, error)
	GetStoreActiveOrders(ctx context.Context, storeID uuid.UUID) ([]model.Order, error)
	GetChefTodayOrders(ctx context.Context, storeID uuid.UUID) ([]model.Order, error)
	GetStoreOrdersByDateRange(ctx context.Context, storeID uuid.UUID, from, to time.Time) ([]model.Order, error)

	CompletePayment(ctx context.Context, orderID uuid.UUID) (*model.Order, error)
	AcceptOrder(ctx context.Context, orderID uuid.UUID, estimatedMinutes int) (*model.Order, error)
	RejectOrder(ctx context.Context, orderID uuid.UUID, reason string) (*model.Order, error)
	StartCooking(ctx context.Context, orderID uuid.UUID) (*model.Order, error)
	ReadyForPickup(ctx context.Context, orderID uuid.UUID) (*model.Order, error)
	CompleteOrder(ctx context.Context, orderID uuid.UUID) (*model.Order, error)
	CustomerCancelOrder(ctx context.Context, orderID uuid.UUID, reason string) (*model.Order, error)
	StoreCancelOrder(ctx context.Context, orderID uuid.UUID, reason string) (*model.Order, error)
}

// PaymentService определяет операции с платежами, используемые обработчиками.
type PaymentService interface {
	PreparePayment(ctx context.Context, req service.PrepareRequest) (uuid.UUID, error)
	ExecutePaymentBilling(ctx context.Context, paymentID uuid.UUID) (*service.BillingResult, error)
	ExecuteCancel(ctx context.Context, req service.CancelRequest) (*service.CancelResult, error)
	GetAllPayments(ctx context.Context) ([]model.PaymentWithStatus, error)
	GetStalledPayments(ctx context.Context) ([]model.PaymentWithStatus, error)
	GetDetailPayment(ctx context.Context, paymentID uuid.UUID) (*model.PaymentWithStatus, error)
	GetAllPaymentCancels(ctx context.Context) ([]model.PaymentCancelEntry, error)
	GetDetailPaymentCancel(ctx context.Context, paymentID uuid.UUID) ([]model.PaymentCancelEntry, error)
	GetPaymentHistory(ctx context.Context, paymentID uuid.UUID) ([]model.PaymentHistory, error)
}

// Authorizer проверяет права пользователя на заказ, платёж или магазин.
type Authorizer interface {
	Order(ctx context.Context, a authz.Actor, c authz.Capability, orderID uuid.UUID) error
	Payment(ctx context.Context, a authz.Actor, c authz.Capability, paymentID uuid.UUID) error
	Store(ctx context.Context, a authz.Actor, c authz.Capability, storeID uuid.UUID) error
}

// Handler реализует HTTP API заказов и платежей.
type Handler struct {
	orders         OrderService
	payments       PaymentService
	guard          Authorizer
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	metrics        *metrics.Metrics
}

// NewHandler создаёт обработчик HTTP-запросов. metrics может быть nil.
func NewHandler(
	orders OrderService,
	payments PaymentService,
	guard Authorizer,
	logger *zap.Logger,
	auth *middleware.AuthMiddleware,
	m *metrics.Metrics,
) *Handler {
	return &Handler{
		orders:         orders,
		payments:       payments,
		guard:          guard,
		logger:         logger,
		authMiddleware: auth,
		metrics:        m,
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrConflict), errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, model.ErrGateway):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeError отдаёт текст доменной ошибки клиенту, внутренние ошибки только логируются.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(msg, zap.Error(err), zap.String("uri", r.RequestURI))
		http.Error(w, http.StatusText(status), status)
		return
	}
	if status == http.StatusBadGateway {
		h.logger.Warn(msg, zap.Error(err), zap.String("uri", r.RequestURI))
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) bool {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v) == nil
}

func actorFrom(w http.ResponseWriter, r *http.Request) (authz.Actor, bool) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return actor, ok
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		http.Error(w, "invalid "+name, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
