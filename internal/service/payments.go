package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/spot-order-core/internal/gateway"
	"github.com/mmeshcher/spot-order-core/internal/model"
	"github.com/mmeshcher/spot-order-core/internal/repository"
)

// PaymentRepository описывает хранилище платежей и журнала их статусов.
type PaymentRepository interface {
	GetUser(ctx context.Context, userID int64) (*model.User, error)
	GetOrderRefs(ctx context.Context, orderID uuid.UUID) (int64, uuid.UUID, error)
	IsStoreStaff(ctx context.Context, storeID uuid.UUID, userID int64) (bool, error)

	HasActivePayment(ctx context.Context, orderID uuid.UUID) (bool, error)
	CreatePaymentWithReadyEntry(ctx context.Context, p *model.Payment, entry *model.PaymentHistory) error
	GetLatestPaymentHistory(ctx context.Context, paymentID uuid.UUID) (*model.PaymentHistory, error)
	AppendPaymentStatus(ctx context.Context, paymentID uuid.UUID, expected, next model.PaymentStatus) (*model.PaymentHistory, error)
	ConfirmPayment(ctx context.Context, key *model.PaymentKey) (*model.PaymentHistory, error)
	RecordCancellation(ctx context.Context, paymentID uuid.UUID, reason string) (*model.PaymentHistory, *model.PaymentCancel, error)

	GetPayment(ctx context.Context, paymentID uuid.UUID) (*model.Payment, error)
	GetCompletedPaymentByOrder(ctx context.Context, orderID uuid.UUID) (*model.Payment, error)
	GetPaymentKey(ctx context.Context, paymentID uuid.UUID) (*model.PaymentKey, error)
	ListPaymentsWithLatestStatus(ctx context.Context) ([]model.PaymentWithStatus, error)
	ListPaymentsStuckIn(ctx context.Context, statuses []model.PaymentStatus, before time.Time) ([]model.PaymentWithStatus, error)
	GetPaymentWithLatestStatus(ctx context.Context, paymentID uuid.UUID) (*model.PaymentWithStatus, error)
	ListPaymentCancels(ctx context.Context) ([]model.PaymentCancelEntry, error)
	ListPaymentCancelsByPayment(ctx context.Context, paymentID uuid.UUID) ([]model.PaymentCancelEntry, error)
	ListPaymentHistory(ctx context.Context, paymentID uuid.UUID) ([]model.PaymentHistory, error)
}

// Gateway описывает вызовы платёжного шлюза.
type Gateway interface {
	RequestBillingPayment(ctx context.Context, req gateway.BillingRequest, timeout time.Duration) (*gateway.Payment, error)
	CancelPayment(ctx context.Context, paymentKey, reason string, timeout time.Duration) (*gateway.Payment, error)
}

// GatewaySettings содержит ключи мерчанта и таймаут вызовов шлюза.
type GatewaySettings struct {
	BillingKey  string
	CustomerKey string
	Timeout     time.Duration
}

// PrepareRequest содержит данные для создания платежа по заказу.
type PrepareRequest struct {
	UserID  int64
	OrderID uuid.UUID
	Title   string
	Content string
	Method  model.PaymentMethod
	Amount  int64
}

// BillingResult содержит результат успешного списания.
type BillingResult struct {
	PaymentID  uuid.UUID
	Status     model.PaymentStatus
	Amount     int64
	ApprovedAt time.Time
}

// CancelRequest содержит данные для отмены платежа.
type CancelRequest struct {
	PaymentID uuid.UUID
	Reason    string
}

// CancelResult содержит результат успешной отмены.
type CancelResult struct {
	PaymentID    uuid.UUID
	CancelAmount int64
	CancelReason string
	CanceledAt   time.Time
}

// Без настроенного таймаута шлюза платёж считается зависшим через это время.
const defaultStallAfter = 30 * time.Second

var (
	errAlreadyProcessed = fmt.Errorf("%w: payment already processed", model.ErrConflict)
	errNotCancellable   = fmt.Errorf("%w: only completed payments may be cancelled", model.ErrInvalidTransition)
	errNoPaymentKey     = fmt.Errorf("%w: no payment key, cannot cancel", model.ErrInvalidTransition)
)

// PaymentService проводит платёж через журнал статусов и внешний шлюз.
type PaymentService struct {
	repo     PaymentRepository
	gateway  Gateway
	settings GatewaySettings
	opts     options
}

// NewPaymentService создаёт сервис платежей.
func NewPaymentService(repo PaymentRepository, gw Gateway, settings GatewaySettings, opts ...Option) *PaymentService {
	return &PaymentService{
		repo:     repo,
		gateway:  gw,
		settings: settings,
		opts:     buildOptions(opts),
	}
}

// PreparePayment создаёт платёж с записью READY, если у заказа нет активного платежа.
func (s *PaymentService) PreparePayment(ctx context.Context, req PrepareRequest) (uuid.UUID, error) {
	if req.Amount <= 0 {
		return uuid.Nil, fmt.Errorf("%w: payment amount must be greater than zero", model.ErrValidation)
	}
	if !req.Method.Valid() {
		return uuid.Nil, fmt.Errorf("%w: unsupported payment method %q", model.ErrValidation, req.Method)
	}

	active, err := s.repo.HasActivePayment(ctx, req.OrderID)
	if err != nil {
		return uuid.Nil, err
	}
	if active {
		return uuid.Nil, fmt.Errorf("%w: a payment is already in progress or completed for this order", model.ErrConflict)
	}

	if _, err := s.repo.GetUser(ctx, req.UserID); err != nil {
		return uuid.Nil, err
	}
	if _, _, err := s.repo.GetOrderRefs(ctx, req.OrderID); err != nil {
		return uuid.Nil, err
	}

	payment, err := model.NewPayment(req.UserID, req.OrderID, req.Title, req.Content, req.Method, req.Amount)
	if err != nil {
		return uuid.Nil, err
	}
	entry, err := model.NewPaymentHistory(payment.ID, model.PaymentStatusReady)
	if err != nil {
		return uuid.Nil, err
	}

	// Повторная проверка активного платежа выполняется под блокировкой заказа.
	if err := s.repo.CreatePaymentWithReadyEntry(ctx, payment, entry); err != nil {
		return uuid.Nil, err
	}
	s.opts.metrics.PaymentStatusAppended(string(model.PaymentStatusReady))

	return payment.ID, nil
}

// ExecutePaymentBilling списывает платёж через шлюз. Повторное списание того же платежа отклоняется.
func (s *PaymentService) ExecutePaymentBilling(ctx context.Context, paymentID uuid.UUID) (*BillingResult, error) {
	latest, err := s.repo.GetLatestPaymentHistory(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if latest.Status != model.PaymentStatusReady {
		return nil, errAlreadyProcessed
	}

	payment, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	if _, err := s.repo.AppendPaymentStatus(ctx, paymentID, model.PaymentStatusReady, model.PaymentStatusInProgress); err != nil {
		if errors.Is(err, repository.ErrStatusChanged) {
			return nil, errAlreadyProcessed
		}
		return nil, err
	}
	s.opts.metrics.PaymentStatusAppended(string(model.PaymentStatusInProgress))

	res, gwErr := s.gateway.RequestBillingPayment(ctx, gateway.BillingRequest{
		BillingKey:  s.settings.BillingKey,
		Amount:      payment.TotalAmount,
		OrderID:     payment.OrderID,
		CustomerKey: s.settings.CustomerKey,
		OrderName:   payment.Title,
	}, s.settings.Timeout)

	// Запись результата не должна прерываться отменой запроса клиента.
	persistCtx := context.WithoutCancel(ctx)

	if gwErr != nil {
		if _, err := s.repo.AppendPaymentStatus(persistCtx, paymentID, model.PaymentStatusInProgress, model.PaymentStatusAborted); err != nil {
			s.opts.logger.Error("append aborted payment status",
				zap.String("payment_id", paymentID.String()),
				zap.Error(err),
			)
		} else {
			s.opts.metrics.PaymentStatusAppended(string(model.PaymentStatusAborted))
		}
		return nil, fmt.Errorf("%w: billing payment %s: %w", model.ErrGateway, paymentID, gwErr)
	}

	approvedAt := res.ApprovedAt
	if approvedAt.IsZero() {
		approvedAt = s.opts.now()
	}

	if _, err := s.repo.ConfirmPayment(persistCtx, &model.PaymentKey{
		PaymentID:   paymentID,
		PaymentKey:  res.PaymentKey,
		ConfirmedAt: approvedAt,
	}); err != nil {
		// Платёж остаётся в IN_PROGRESS и попадает в GetStalledPayments.
		s.opts.logger.Error("charged payment left in IN_PROGRESS",
			zap.String("payment_id", paymentID.String()),
			zap.String("order_id", payment.OrderID.String()),
			zap.String("payment_key", res.PaymentKey),
			zap.Int64("amount", payment.TotalAmount),
			zap.Error(err),
		)
		return nil, fmt.Errorf("confirm payment: %w", err)
	}
	s.opts.metrics.PaymentStatusAppended(string(model.PaymentStatusDone))

	return &BillingResult{
		PaymentID:  paymentID,
		Status:     model.PaymentStatusDone,
		Amount:     payment.TotalAmount,
		ApprovedAt: approvedAt,
	}, nil
}

// ExecuteCancel отменяет подтверждённый платёж. При отказе шлюза платёж остаётся в CANCELLED_IN_PROGRESS.
func (s *PaymentService) ExecuteCancel(ctx context.Context, req CancelRequest) (*CancelResult, error) {
	if err := model.ValidateCancelReason(req.Reason); err != nil {
		return nil, err
	}

	payment, err := s.repo.GetPayment(ctx, req.PaymentID)
	if err != nil {
		return nil, err
	}

	latest, err := s.repo.GetLatestPaymentHistory(ctx, req.PaymentID)
	if err != nil {
		return nil, err
	}
	if latest.Status != model.PaymentStatusDone {
		return nil, errNotCancellable
	}

	if _, err := s.repo.AppendPaymentStatus(ctx, req.PaymentID, model.PaymentStatusDone, model.PaymentStatusCancelledInProgress); err != nil {
		if errors.Is(err, repository.ErrStatusChanged) {
			return nil, errNotCancellable
		}
		return nil, err
	}
	s.opts.metrics.PaymentStatusAppended(string(model.PaymentStatusCancelledInProgress))

	key, err := s.repo.GetPaymentKey(ctx, req.PaymentID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, errNoPaymentKey
		}
		return nil, err
	}

	if _, err := s.gateway.CancelPayment(ctx, key.PaymentKey, req.Reason, s.settings.Timeout); err != nil {
		s.opts.logger.Warn("gateway cancel failed, payment left in CANCELLED_IN_PROGRESS",
			zap.String("payment_id", req.PaymentID.String()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: cancel payment %s: %w", model.ErrGateway, req.PaymentID, err)
	}

	_, cancel, err := s.repo.RecordCancellation(context.WithoutCancel(ctx), req.PaymentID, req.Reason)
	if err != nil {
		s.opts.logger.Error("record cancelled payment",
			zap.String("payment_id", req.PaymentID.String()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("record cancellation: %w", err)
	}
	s.opts.metrics.PaymentStatusAppended(string(model.PaymentStatusCancelled))

	return &CancelResult{
		PaymentID:    req.PaymentID,
		CancelAmount: payment.TotalAmount,
		CancelReason: cancel.Reason,
		CanceledAt:   cancel.CreatedAt,
	}, nil
}

// RefundOrderPayment отменяет подтверждённый платёж заказа с указанной причиной.
// Если у заказа нет платежа в статусе DONE, возвращает nil без ошибки.
func (s *PaymentService) RefundOrderPayment(ctx context.Context, orderID uuid.UUID, reason string) (*CancelResult, error) {
	payment, err := s.repo.GetCompletedPaymentByOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			s.opts.logger.Warn("no completed payment to refund", zap.String("order_id", orderID.String()))
			return nil, nil
		}
		return nil, err
	}

	return s.ExecuteCancel(ctx, CancelRequest{PaymentID: payment.ID, Reason: reason})
}

// ValidateOrderOwnership проверяет, что заказ принадлежит пользователю.
func (s *PaymentService) ValidateOrderOwnership(ctx context.Context, orderID uuid.UUID, userID int64) error {
	ownerID, _, err := s.repo.GetOrderRefs(ctx, orderID)
	if err != nil {
		return err
	}
	if ownerID != userID {
		return fmt.Errorf("%w: no access to this order", model.ErrAccessDenied)
	}
	return nil
}

// ValidatePaymentOwnership проверяет, что платёж принадлежит пользователю.
func (s *PaymentService) ValidatePaymentOwnership(ctx context.Context, paymentID uuid.UUID, userID int64) error {
	ownerID, err := s.GetPaymentOwnerID(ctx, paymentID)
	if err != nil {
		return err
	}
	if ownerID != userID {
		return fmt.Errorf("%w: no access to this payment", model.ErrAccessDenied)
	}
	return nil
}

// ValidateOrderStoreOwnership проверяет, что пользователь работает в магазине заказа.
func (s *PaymentService) ValidateOrderStoreOwnership(ctx context.Context, orderID uuid.UUID, userID int64) error {
	_, storeID, err := s.repo.GetOrderRefs(ctx, orderID)
	if err != nil {
		return err
	}
	return s.validateStoreStaff(ctx, storeID, userID)
}

// ValidatePaymentStoreOwnership проверяет, что пользователь работает в магазине заказа платежа.
func (s *PaymentService) ValidatePaymentStoreOwnership(ctx context.Context, paymentID uuid.UUID, userID int64) error {
	payment, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	return s.ValidateOrderStoreOwnership(ctx, payment.OrderID, userID)
}

// ValidateStoreStaff проверяет, что пользователь работает в магазине.
func (s *PaymentService) ValidateStoreStaff(ctx context.Context, storeID uuid.UUID, userID int64) error {
	return s.validateStoreStaff(ctx, storeID, userID)
}

func (s *PaymentService) validateStoreStaff(ctx context.Context, storeID uuid.UUID, userID int64) error {
	ok, err := s.repo.IsStoreStaff(ctx, storeID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: no access to this order's store", model.ErrAccessDenied)
	}
	return nil
}

// GetPaymentOwnerID возвращает идентификатор пользователя, создавшего платёж.
func (s *PaymentService) GetPaymentOwnerID(ctx context.Context, paymentID uuid.UUID) (int64, error) {
	payment, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return 0, err
	}
	return payment.UserID, nil
}

// GetAllPayments возвращает все платежи с последним статусом.
func (s *PaymentService) GetAllPayments(ctx context.Context) ([]model.PaymentWithStatus, error) {
	return s.repo.ListPaymentsWithLatestStatus(ctx)
}

// GetStalledPayments возвращает платежи, застрявшие в IN_PROGRESS или CANCELLED_IN_PROGRESS
// дольше таймаута шлюза. Такие записи требуют сверки со шлюзом.
func (s *PaymentService) GetStalledPayments(ctx context.Context) ([]model.PaymentWithStatus, error) {
	stallAfter := s.settings.Timeout
	if stallAfter <= 0 {
		stallAfter = defaultStallAfter
	}
	return s.repo.ListPaymentsStuckIn(ctx, []model.PaymentStatus{
		model.PaymentStatusInProgress,
		model.PaymentStatusCancelledInProgress,
	}, s.opts.now().Add(-stallAfter))
}

// GetDetailPayment возвращает платёж с последним статусом.
func (s *PaymentService) GetDetailPayment(ctx context.Context, paymentID uuid.UUID) (*model.PaymentWithStatus, error) {
	return s.repo.GetPaymentWithLatestStatus(ctx, paymentID)
}

// GetAllPaymentCancels возвращает все успешные отмены.
func (s *PaymentService) GetAllPaymentCancels(ctx context.Context) ([]model.PaymentCancelEntry, error) {
	return s.repo.ListPaymentCancels(ctx)
}

// GetDetailPaymentCancel возвращает записи отмены одного платежа.
func (s *PaymentService) GetDetailPaymentCancel(ctx context.Context, paymentID uuid.UUID) ([]model.PaymentCancelEntry, error) {
	return s.repo.ListPaymentCancelsByPayment(ctx, paymentID)
}

// GetPaymentHistory возвращает полный журнал платежа.
func (s *PaymentService) GetPaymentHistory(ctx context.Context, paymentID uuid.UUID) ([]model.PaymentHistory, error) {
	history, err := s.repo.ListPaymentHistory(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: payment history not found", model.ErrNotFound)
	}
	return history, nil
}
