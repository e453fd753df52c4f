package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/spot-order-core/internal/authz"
	"github.com/mmeshcher/spot-order-core/internal/model"
	"github.com/mmeshcher/spot-order-core/internal/service"
)

// confirmPaymentRequest повторяет тело запроса клиентского приложения. userId и orderId
// из тела не используются: владелец берётся из заказа, заказ из пути. paymentAmount
// необязателен и, если передан, должен совпадать с суммой заказа.
type confirmPaymentRequest struct {
	Title         string              `json:"title"`
	Content       string              `json:"content"`
	UserID        int64               `json:"userId"`
	OrderID       uuid.UUID           `json:"orderId"`
	PaymentMethod model.PaymentMethod `json:"paymentMethod"`
	PaymentAmount *int64              `json:"paymentAmount,omitempty"`
}

type confirmPaymentResponse struct {
	PaymentID  uuid.UUID `json:"paymentId"`
	Status     string    `json:"status"`
	Amount     int64     `json:"amount"`
	ApprovedAt string    `json:"approvedAt"`
}

type cancelPaymentRequest struct {
	PaymentID    uuid.UUID `json:"paymentId"`
	CancelReason string    `json:"cancelReason"`
}

type cancelPaymentResponse struct {
	PaymentID    uuid.UUID `json:"paymentId"`
	CancelAmount int64     `json:"cancelAmount"`
	CancelReason string    `json:"cancelReason"`
	CanceledAt   string    `json:"canceledAt"`
}

type paymentResponse struct {
	PaymentID       uuid.UUID `json:"paymentId"`
	OrderID         uuid.UUID `json:"orderId"`
	UserID          int64     `json:"userId"`
	Title           string    `json:"title"`
	Content         string    `json:"content"`
	PaymentMethod   string    `json:"paymentMethod"`
	TotalAmount     int64     `json:"totalAmount"`
	Status          string    `json:"status"`
	CreatedAt       string    `json:"createdAt"`
	StatusUpdatedAt string    `json:"statusUpdatedAt"`
}

type paymentCancelResponse struct {
	HistoryID  uuid.UUID `json:"historyId"`
	PaymentID  uuid.UUID `json:"paymentId"`
	Status     string    `json:"status"`
	Amount     int64     `json:"amount"`
	Reason     *string   `json:"cancelReason,omitempty"`
	CanceledAt string    `json:"canceledAt"`
}

type paymentHistoryResponse struct {
	ID        uuid.UUID `json:"id"`
	Status    string    `json:"status"`
	CreatedAt string    `json:"createdAt"`
}

func toPaymentResponse(p *model.PaymentWithStatus) paymentResponse {
	return paymentResponse{
		PaymentID:       p.ID,
		OrderID:         p.OrderID,
		UserID:          p.UserID,
		Title:           p.Title,
		Content:         p.Content,
		PaymentMethod:   string(p.Method),
		TotalAmount:     p.TotalAmount,
		Status:          string(p.Status),
		CreatedAt:       p.CreatedAt.Format(time.RFC3339),
		StatusUpdatedAt: p.StatusUpdatedAt.Format(time.RFC3339),
	}
}

func toPaymentCancelResponses(entries []model.PaymentCancelEntry) []paymentCancelResponse {
	resp := make([]paymentCancelResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, paymentCancelResponse{
			HistoryID:  e.HistoryID,
			PaymentID:  e.PaymentID,
			Status:     string(e.Status),
			Amount:     e.Amount,
			Reason:     e.Reason,
			CanceledAt: e.CanceledAt.Format(time.RFC3339),
		})
	}
	return resp
}

// ConfirmPayment создаёт платёж по заказу, списывает его через шлюз и переводит заказ
// в ожидание подтверждения магазином. Списывается всегда сумма заказа.
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	orderID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	var req confirmPaymentRequest
	if !decodeJSON(r, &req) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.guard.Order(r.Context(), actor, authz.Pay, orderID); err != nil {
		h.writeError(w, r, err, "confirm payment")
		return
	}

	order, err := h.orders.GetOrderByID(r.Context(), orderID)
	if err != nil {
		h.writeError(w, r, err, "confirm payment")
		return
	}
	if order.Status != model.OrderStatusPaymentPending {
		h.writeError(w, r, fmt.Errorf("%w: order is not awaiting payment", model.ErrInvalidTransition), "confirm payment")
		return
	}

	amount := order.TotalAmount()
	if req.PaymentAmount != nil && (*req.PaymentAmount <= 0 || *req.PaymentAmount != amount) {
		h.writeError(w, r, fmt.Errorf("%w: payment amount %d does not match order total %d",
			model.ErrValidation, *req.PaymentAmount, amount), "confirm payment")
		return
	}

	paymentID, err := h.payments.PreparePayment(r.Context(), service.PrepareRequest{
		UserID:  order.UserID,
		OrderID: orderID,
		Title:   req.Title,
		Content: req.Content,
		Method:  req.PaymentMethod,
		Amount:  amount,
	})
	if err != nil {
		h.writeError(w, r, err, "prepare payment")
		return
	}

	result, err := h.payments.ExecutePaymentBilling(r.Context(), paymentID)
	if err != nil {
		h.writeError(w, r, err, "execute payment billing")
		return
	}

	if _, err := h.orders.CompletePayment(r.Context(), orderID); err != nil {
		// Деньги списаны, а заказ не продвинулся: нужен ручной разбор по журналу платежа.
		h.logger.Error("complete order payment after billing",
			zap.Error(err),
			zap.String("order_id", orderID.String()),
			zap.String("payment_id", paymentID.String()),
		)
		h.writeError(w, r, err, "complete order payment")
		return
	}

	writeJSON(w, http.StatusOK, confirmPaymentResponse{
		PaymentID:  result.PaymentID,
		Status:     string(result.Status),
		Amount:     result.Amount,
		ApprovedAt: result.ApprovedAt.Format(time.RFC3339),
	})
}

// CancelPayment отменяет подтверждённый платёж заказа.
func (h *Handler) CancelPayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	orderID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	var req cancelPaymentRequest
	if !decodeJSON(r, &req) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.guard.Order(r.Context(), actor, authz.CancelPayment, orderID); err != nil {
		h.writeError(w, r, err, "cancel payment")
		return
	}

	payment, err := h.payments.GetDetailPayment(r.Context(), req.PaymentID)
	if err != nil {
		h.writeError(w, r, err, "cancel payment")
		return
	}
	if payment.OrderID != orderID {
		h.writeError(w, r, fmt.Errorf("%w: payment does not belong to this order", model.ErrNotFound), "cancel payment")
		return
	}

	result, err := h.payments.ExecuteCancel(r.Context(), service.CancelRequest{
		PaymentID: req.PaymentID,
		Reason:    req.CancelReason,
	})
	if err != nil {
		h.writeError(w, r, err, "execute cancel")
		return
	}

	writeJSON(w, http.StatusOK, cancelPaymentResponse{
		PaymentID:    result.PaymentID,
		CancelAmount: result.CancelAmount,
		CancelReason: result.CancelReason,
		CanceledAt:   result.CanceledAt.Format(time.RFC3339),
	})
}

// GetAllPayments возвращает все платежи с последним статусом.
func (h *Handler) GetAllPayments(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	if err := authz.Can(actor, authz.ListAllPayments); err != nil {
		h.writeError(w, r, err, "get all payments")
		return
	}

	payments, err := h.payments.GetAllPayments(r.Context())
	if err != nil {
		h.writeError(w, r, err, "get all payments")
		return
	}
	writePayments(w, payments)
}

// GetStalledPayments возвращает платежи, зависшие в промежуточном статусе, для сверки со шлюзом.
func (h *Handler) GetStalledPayments(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	if err := authz.Can(actor, authz.ListAllPayments); err != nil {
		h.writeError(w, r, err, "get stalled payments")
		return
	}

	payments, err := h.payments.GetStalledPayments(r.Context())
	if err != nil {
		h.writeError(w, r, err, "get stalled payments")
		return
	}
	writePayments(w, payments)
}

func writePayments(w http.ResponseWriter, payments []model.PaymentWithStatus) {
	if len(payments) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]paymentResponse, 0, len(payments))
	for i := range payments {
		resp = append(resp, toPaymentResponse(&payments[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetAllPaymentCancels возвращает все записи журнала об отменах.
func (h *Handler) GetAllPaymentCancels(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	if err := authz.Can(actor, authz.ListAllPayments); err != nil {
		h.writeError(w, r, err, "get all payment cancels")
		return
	}

	cancels, err := h.payments.GetAllPaymentCancels(r.Context())
	if err != nil {
		h.writeError(w, r, err, "get all payment cancels")
		return
	}
	if len(cancels) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentCancelResponses(cancels))
}

func (h *Handler) paymentAccess(w http.ResponseWriter, r *http.Request, msg string) (uuid.UUID, bool) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return uuid.Nil, false
	}
	paymentID, ok := uuidParam(w, r, "id")
	if !ok {
		return uuid.Nil, false
	}
	if err := h.guard.Payment(r.Context(), actor, authz.ViewPayment, paymentID); err != nil {
		h.writeError(w, r, err, msg)
		return uuid.Nil, false
	}
	return paymentID, true
}

// GetPayment возвращает платёж с последним статусом.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := h.paymentAccess(w, r, "get payment")
	if !ok {
		return
	}

	payment, err := h.payments.GetDetailPayment(r.Context(), paymentID)
	if err != nil {
		h.writeError(w, r, err, "get payment")
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(payment))
}

// GetPaymentCancels возвращает записи об отмене одного платежа.
func (h *Handler) GetPaymentCancels(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := h.paymentAccess(w, r, "get payment cancels")
	if !ok {
		return
	}

	cancels, err := h.payments.GetDetailPaymentCancel(r.Context(), paymentID)
	if err != nil {
		h.writeError(w, r, err, "get payment cancels")
		return
	}
	if len(cancels) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentCancelResponses(cancels))
}

// GetPaymentHistory возвращает журнал статусов платежа по порядку.
func (h *Handler) GetPaymentHistory(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := h.paymentAccess(w, r, "get payment history")
	if !ok {
		return
	}

	history, err := h.payments.GetPaymentHistory(r.Context(), paymentID)
	if err != nil {
		h.writeError(w, r, err, "get payment history")
		return
	}

	resp := make([]paymentHistoryResponse, 0, len(history))
	for _, e := range history {
		resp = append(resp, paymentHistoryResponse{
			ID:        e.ID,
			Status:    string(e.Status),
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
