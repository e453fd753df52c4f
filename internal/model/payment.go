package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PaymentMethod описывает способ оплаты.
type PaymentMethod string

const (
	PaymentMethodCreditCard   PaymentMethod = "CREDIT_CARD"
	PaymentMethodBankTransfer PaymentMethod = "BANK_TRANSFER"
)

// Valid сообщает, поддерживается ли способ оплаты.
func (m PaymentMethod) Valid() bool {
	return m == PaymentMethodCreditCard || m == PaymentMethodBankTransfer
}

// PaymentStatus описывает статус записи журнала платежа.
type PaymentStatus string

const (
	PaymentStatusReady               PaymentStatus = "READY"
	PaymentStatusInProgress          PaymentStatus = "IN_PROGRESS"
	PaymentStatusWaitingForDeposit   PaymentStatus = "WAITING_FOR_DEPOSIT"
	PaymentStatusDone                PaymentStatus = "DONE"
	PaymentStatusCancelledInProgress PaymentStatus = "CANCELLED_IN_PROGRESS"
	PaymentStatusCancelled           PaymentStatus = "CANCELLED"
	PaymentStatusPartialCancelled    PaymentStatus = "PARTIAL_CANCELD"
	PaymentStatusAborted             PaymentStatus = "ABORTED"
	PaymentStatusExpired             PaymentStatus = "EXPIRED"
)

// ActivePaymentStatuses блокируют создание нового платежа по тому же заказу.
var ActivePaymentStatuses = []PaymentStatus{
	PaymentStatusReady,
	PaymentStatusInProgress,
	PaymentStatusDone,
}

// Active сообщает, блокирует ли статус повторную оплату заказа.
func (s PaymentStatus) Active() bool {
	for _, st := range ActivePaymentStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// Payment описывает попытку оплаты заказа.
type Payment struct {
	ID          uuid.UUID
	UserID      int64
	OrderID     uuid.UUID
	Title       string
	Content     string
	Method      PaymentMethod
	TotalAmount int64
	CreatedAt   time.Time
}

// NewPayment создаёт платёж. Положительность суммы проверяет сервис.
func NewPayment(userID int64, orderID uuid.UUID, title, content string, method PaymentMethod, amount int64) (*Payment, error) {
	if userID == 0 {
		return nil, fmt.Errorf("%w: payment user id is required", ErrValidation)
	}
	if orderID == uuid.Nil {
		return nil, fmt.Errorf("%w: payment order id is required", ErrValidation)
	}
	return &Payment{
		ID:          uuid.New(),
		UserID:      userID,
		OrderID:     orderID,
		Title:       title,
		Content:     content,
		Method:      method,
		TotalAmount: amount,
	}, nil
}

// PaymentHistory хранит неизменяемую запись журнала статусов платежа.
type PaymentHistory struct {
	ID        uuid.UUID
	PaymentID uuid.UUID
	Status    PaymentStatus
	CreatedAt time.Time
}

// NewPaymentHistory создаёт запись журнала для зарегистрированного платежа.
func NewPaymentHistory(paymentID uuid.UUID, status PaymentStatus) (*PaymentHistory, error) {
	if paymentID == uuid.Nil {
		return nil, fmt.Errorf("%w: payment must be registered first", ErrValidation)
	}
	return &PaymentHistory{
		ID:        uuid.New(),
		PaymentID: paymentID,
		Status:    status,
	}, nil
}

// PaymentKey хранит ключ, выданный шлюзом после подтверждения оплаты.
type PaymentKey struct {
	PaymentID   uuid.UUID
	PaymentKey  string
	ConfirmedAt time.Time
}

// PaymentCancel фиксирует успешную отмену платежа.
type PaymentCancel struct {
	ID               uuid.UUID
	PaymentHistoryID uuid.UUID
	Reason           string
	CreatedAt        time.Time
}

// ValidateCancelReason отклоняет пустую или пробельную причину отмены.
func ValidateCancelReason(reason string) error {
	if strings.TrimSpace(reason) == "" {
		return fmt.Errorf("%w: cancel reason is required", ErrValidation)
	}
	return nil
}

// NewPaymentCancel создаёт запись об отмене, привязанную к записи журнала CANCELLED.
func NewPaymentCancel(historyID uuid.UUID, reason string) (*PaymentCancel, error) {
	if historyID == uuid.Nil {
		return nil, fmt.Errorf("%w: cancel target is required", ErrValidation)
	}
	if err := ValidateCancelReason(reason); err != nil {
		return nil, err
	}
	return &PaymentCancel{
		ID:               uuid.New(),
		PaymentHistoryID: historyID,
		Reason:           reason,
	}, nil
}

// PaymentWithStatus объединяет платёж с последним статусом журнала.
type PaymentWithStatus struct {
	Payment
	Status          PaymentStatus
	StatusUpdatedAt time.Time
}

// PaymentCancelEntry объединяет запись журнала об отмене с суммой платежа.
type PaymentCancelEntry struct {
	HistoryID  uuid.UUID
	PaymentID  uuid.UUID
	Status     PaymentStatus
	Amount     int64
	Reason     *string
	CanceledAt time.Time
}
