package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/spot-order-core/internal/model"
)

const (
	customerID = int64(10)
	ownerID    = int64(20)
	strangerID = int64(30)
)

type paymentFixture struct {
	repo    *memRepo
	gw      *stubGateway
	svc     *PaymentService
	storeID uuid.UUID
	order   *model.Order
}

func newPaymentFixture() *paymentFixture {
	repo := newMemRepo()
	repo.addUser(customerID, model.RoleCustomer)
	repo.addUser(ownerID, model.RoleOwner)
	storeID := repo.addStore(ownerID)
	order := repo.addOrder(storeID, customerID, model.OrderStatusPaymentPending)

	gw := &stubGateway{}
	svc := NewPaymentService(repo, gw, GatewaySettings{
		BillingKey:  "bk",
		CustomerKey: "ck",
		Timeout:     30 * time.Second,
	}, WithClock(fixedClock))

	return &paymentFixture{repo: repo, gw: gw, svc: svc, storeID: storeID, order: order}
}

func (f *paymentFixture) prepareRequest(amount int64) PrepareRequest {
	return PrepareRequest{
		UserID:  customerID,
		OrderID: f.order.ID,
		Title:   "lunch",
		Method:  model.PaymentMethodCreditCard,
		Amount:  amount,
	}
}

func TestPreparePayment_RejectsNonPositiveAmount(t *testing.T) {
	f := newPaymentFixture()

	for _, amount := range []int64{0, -100} {
		_, err := f.svc.PreparePayment(context.Background(), f.prepareRequest(amount))
		assert.ErrorIs(t, err, model.ErrValidation)
		assert.Contains(t, err.Error(), "payment amount must be greater than zero")
	}

	assert.Empty(t, f.repo.payments)
	assert.Empty(t, f.repo.history)
}

func TestPreparePayment_CreatesReadyEntry(t *testing.T) {
	f := newPaymentFixture()

	id, err := f.svc.PreparePayment(context.Background(), f.prepareRequest(10000))
	require.NoError(t, err)

	assert.Equal(t, []model.PaymentStatus{model.PaymentStatusReady}, f.repo.statuses(id))
	assert.Equal(t, int64(10000), f.repo.payments[id].TotalAmount)
}

func TestPreparePayment_RefusesWhenActivePaymentExists(t *testing.T) {
	for _, status := range []model.PaymentStatus{
		model.PaymentStatusReady,
		model.PaymentStatusInProgress,
		model.PaymentStatusDone,
	} {
		t.Run(string(status), func(t *testing.T) {
			f := newPaymentFixture()
			f.repo.addPayment(f.order.ID, customerID, 10000, status)

			_, err := f.svc.PreparePayment(context.Background(), f.prepareRequest(10000))
			assert.ErrorIs(t, err, model.ErrConflict)
			assert.Len(t, f.repo.payments, 1)
		})
	}
}

func TestPreparePayment_AllowsRetryAfterAbortOrCancel(t *testing.T) {
	f := newPaymentFixture()
	f.repo.addPayment(f.order.ID, customerID, 10000, model.PaymentStatusReady, model.PaymentStatusInProgress, model.PaymentStatusAborted)
	f.repo.addPayment(f.order.ID, customerID, 10000,
		model.PaymentStatusReady, model.PaymentStatusInProgress, model.PaymentStatusDone,
		model.PaymentStatusCancelledInProgress, model.PaymentStatusCancelled)

	_, err := f.svc.PreparePayment(context.Background(), f.prepareRequest(10000))
	require.NoError(t, err)
	assert.Len(t, f.repo.payments, 3)
}

func TestPreparePayment_MissingUserOrOrder(t *testing.T) {
	f := newPaymentFixture()

	req := f.prepareRequest(10000)
	req.UserID = 999
	_, err := f.svc.PreparePayment(context.Background(), req)
	assert.ErrorIs(t, err, model.ErrNotFound)

	req = f.prepareRequest(10000)
	req.OrderID = uuid.New()
	_, err = f.svc.PreparePayment(context.Background(), req)
	assert.ErrorIs(t, err, model.ErrNotFound)

	req = f.prepareRequest(10000)
	req.Method = "CASH"
	_, err = f.svc.PreparePayment(context.Background(), req)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestPreparePayment_ConcurrentCallsSingleWinner(t *testing.T) {
	f := newPaymentFixture()

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	start := make(chan struct{})

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.PreparePayment(context.Background(), f.prepareRequest(10000))

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, model.ErrConflict):
				conflicts++
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, conflicts)
	assert.Len(t, f.repo.payments, 1)
}

func TestExecutePaymentBilling_Success(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()

	id, err := f.svc.PreparePayment(ctx, f.prepareRequest(10000))
	require.NoError(t, err)

	res, err := f.svc.ExecutePaymentBilling(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, id, res.PaymentID)
	assert.Equal(t, model.PaymentStatusDone, res.Status)
	assert.Equal(t, int64(10000), res.Amount)
	assert.Equal(t, testNow, res.ApprovedAt)

	assert.Equal(t, []model.PaymentStatus{
		model.PaymentStatusReady,
		model.PaymentStatusInProgress,
		model.PaymentStatusDone,
	}, f.repo.statuses(id))

	key, err := f.repo.GetPaymentKey(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "pk-"+f.order.ID.String(), key.PaymentKey)

	require.Len(t, f.gw.billingCalls, 1)
	call := f.gw.billingCalls[0]
	assert.Equal(t, "bk", call.BillingKey)
	assert.Equal(t, "ck", call.CustomerKey)
	assert.Equal(t, f.order.ID, call.OrderID)
	assert.Equal(t, "lunch", call.OrderName)
	assert.Equal(t, 30*time.Second, f.gw.timeouts[0])
}

func TestExecutePaymentBilling_SecondAttemptRefused(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()

	id, err := f.svc.PreparePayment(ctx, f.prepareRequest(10000))
	require.NoError(t, err)
	_, err = f.svc.ExecutePaymentBilling(ctx, id)
	require.NoError(t, err)

	_, err = f.svc.ExecutePaymentBilling(ctx, id)
	assert.ErrorIs(t, err, model.ErrConflict)
	assert.Contains(t, err.Error(), "payment already processed")
	assert.Len(t, f.gw.billingCalls, 1)
}

func TestExecutePaymentBilling_GatewayFailureAborts(t *testing.T) {
	f := newPaymentFixture()
	f.gw.billingErr = context.DeadlineExceeded
	ctx := context.Background()

	id, err := f.svc.PreparePayment(ctx, f.prepareRequest(10000))
	require.NoError(t, err)

	_, err = f.svc.ExecutePaymentBilling(ctx, id)
	assert.ErrorIs(t, err, model.ErrGateway)

	assert.Equal(t, []model.PaymentStatus{
		model.PaymentStatusReady,
		model.PaymentStatusInProgress,
		model.PaymentStatusAborted,
	}, f.repo.statuses(id))

	_, err = f.repo.GetPaymentKey(ctx, id)
	assert.ErrorIs(t, err, model.ErrNotFound)

	// После отказа заказ можно оплатить заново.
	_, err = f.svc.PreparePayment(ctx, f.prepareRequest(10000))
	assert.NoError(t, err)
}

func TestExecutePaymentBilling_UnknownPayment(t *testing.T) {
	f := newPaymentFixture()

	_, err := f.svc.ExecutePaymentBilling(context.Background(), uuid.New())
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Empty(t, f.gw.billingCalls)
}

func TestExecuteCancel_Success(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()

	id, err := f.svc.PreparePayment(ctx, f.prepareRequest(10000))
	require.NoError(t, err)
	_, err = f.svc.ExecutePaymentBilling(ctx, id)
	require.NoError(t, err)

	res, err := f.svc.ExecuteCancel(ctx, CancelRequest{PaymentID: id, Reason: "customer request"})
	require.NoError(t, err)

	assert.Equal(t, id, res.PaymentID)
	assert.Equal(t, int64(10000), res.CancelAmount)
	assert.Equal(t, "customer request", res.CancelReason)
	assert.Equal(t, testNow, res.CanceledAt)

	statuses := f.repo.statuses(id)
	assert.Equal(t, model.PaymentStatusCancelledInProgress, statuses[len(statuses)-2])
	assert.Equal(t, model.PaymentStatusCancelled, statuses[len(statuses)-1])

	cancels, err := f.svc.GetDetailPaymentCancel(ctx, id)
	require.NoError(t, err)
	require.Len(t, cancels, 2)
	require.NotNil(t, cancels[1].Reason)
	assert.Equal(t, "customer request", *cancels[1].Reason)

	all, err := f.svc.GetAllPaymentCancels(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestExecuteCancel_WithoutPaymentKey(t *testing.T) {
	f := newPaymentFixture()
	p := f.repo.addPayment(f.order.ID, customerID, 10000,
		model.PaymentStatusReady, model.PaymentStatusInProgress, model.PaymentStatusDone)

	_, err := f.svc.ExecuteCancel(context.Background(), CancelRequest{PaymentID: p.ID, Reason: "changed mind"})
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	assert.Contains(t, err.Error(), "no payment key")

	statuses := f.repo.statuses(p.ID)
	assert.Equal(t, model.PaymentStatusCancelledInProgress, statuses[len(statuses)-1])
	assert.NotContains(t, statuses, model.PaymentStatusCancelled)
	assert.Empty(t, f.gw.cancelCalls)
}

func TestExecuteCancel_RequiresDone(t *testing.T) {
	for _, status := range []model.PaymentStatus{
		model.PaymentStatusReady,
		model.PaymentStatusInProgress,
		model.PaymentStatusAborted,
		model.PaymentStatusCancelledInProgress,
		model.PaymentStatusCancelled,
	} {
		t.Run(string(status), func(t *testing.T) {
			f := newPaymentFixture()
			p := f.repo.addPayment(f.order.ID, customerID, 10000, status)

			_, err := f.svc.ExecuteCancel(context.Background(), CancelRequest{PaymentID: p.ID, Reason: "reason"})
			assert.ErrorIs(t, err, model.ErrInvalidTransition)
			assert.Contains(t, err.Error(), "only completed payments may be cancelled")
			assert.Equal(t, []model.PaymentStatus{status}, f.repo.statuses(p.ID))
		})
	}
}

func TestExecuteCancel_BlankReasonBeforeAnyWrite(t *testing.T) {
	f := newPaymentFixture()
	p := f.repo.addPayment(f.order.ID, customerID, 10000, model.PaymentStatusDone)

	for _, reason := range []string{"", "   ", "\t\n"} {
		_, err := f.svc.ExecuteCancel(context.Background(), CancelRequest{PaymentID: p.ID, Reason: reason})
		assert.ErrorIs(t, err, model.ErrValidation)
	}
	assert.Equal(t, []model.PaymentStatus{model.PaymentStatusDone}, f.repo.statuses(p.ID))
}

func TestExecuteCancel_GatewayFailureLeavesInProgress(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()

	id, err := f.svc.PreparePayment(ctx, f.prepareRequest(10000))
	require.NoError(t, err)
	_, err = f.svc.ExecutePaymentBilling(ctx, id)
	require.NoError(t, err)

	f.gw.cancelErr = errBoom
	_, err = f.svc.ExecuteCancel(ctx, CancelRequest{PaymentID: id, Reason: "customer request"})
	assert.ErrorIs(t, err, model.ErrGateway)

	latest, err := f.repo.GetLatestPaymentHistory(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusCancelledInProgress, latest.Status)
	assert.Empty(t, f.repo.cancels)

	// Повторная отмена не разрешена, пока статус не разрешён вручную.
	_, err = f.svc.ExecuteCancel(ctx, CancelRequest{PaymentID: id, Reason: "retry"})
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

type confirmFailingRepo struct {
	*memRepo
}

func (r confirmFailingRepo) ConfirmPayment(ctx context.Context, key *model.PaymentKey) (*model.PaymentHistory, error) {
	return nil, errBoom
}

func laterClock() time.Time { return testNow.Add(time.Minute) }

func TestExecutePaymentBilling_ConfirmFailureIsListedAsStalled(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()
	repo := confirmFailingRepo{f.repo}
	settings := GatewaySettings{Timeout: 30 * time.Second}

	svc := NewPaymentService(repo, f.gw, settings, WithClock(fixedClock))
	id, err := svc.PreparePayment(ctx, f.prepareRequest(10000))
	require.NoError(t, err)

	_, err = svc.ExecutePaymentBilling(ctx, id)
	assert.ErrorIs(t, err, errBoom)
	assert.Len(t, f.gw.billingCalls, 1)

	latest, err := f.repo.GetLatestPaymentHistory(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusInProgress, latest.Status)

	stalled, err := NewPaymentService(repo, f.gw, settings, WithClock(laterClock)).GetStalledPayments(ctx)
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, id, stalled[0].ID)
	assert.Equal(t, model.PaymentStatusInProgress, stalled[0].Status)
}

func TestGetStalledPayments(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()

	charging := f.repo.addPayment(f.order.ID, customerID, 10000,
		model.PaymentStatusReady, model.PaymentStatusInProgress)
	refunded := f.repo.addOrder(f.storeID, customerID, model.OrderStatusCancelled)
	refunding := f.repo.addPayment(refunded.ID, customerID, 5000,
		model.PaymentStatusReady, model.PaymentStatusInProgress, model.PaymentStatusDone, model.PaymentStatusCancelledInProgress)
	settled := f.repo.addOrder(f.storeID, customerID, model.OrderStatusPending)
	f.repo.addPayment(settled.ID, customerID, 5000,
		model.PaymentStatusReady, model.PaymentStatusInProgress, model.PaymentStatusDone)

	// Моложе таймаута шлюза: ответ ещё может прийти.
	got, err := f.svc.GetStalledPayments(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	later := NewPaymentService(f.repo, f.gw, GatewaySettings{Timeout: 30 * time.Second}, WithClock(laterClock))
	got, err = later.GetStalledPayments(ctx)
	require.NoError(t, err)

	ids := make([]uuid.UUID, 0, len(got))
	for _, p := range got {
		ids = append(ids, p.ID)
	}
	assert.ElementsMatch(t, []uuid.UUID{charging.ID, refunding.ID}, ids)
}

func TestOwnershipValidation(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()
	p := f.repo.addPayment(f.order.ID, customerID, 10000, model.PaymentStatusDone)

	assert.NoError(t, f.svc.ValidateOrderOwnership(ctx, f.order.ID, customerID))
	assert.ErrorIs(t, f.svc.ValidateOrderOwnership(ctx, f.order.ID, strangerID), model.ErrAccessDenied)
	assert.ErrorIs(t, f.svc.ValidateOrderOwnership(ctx, uuid.New(), customerID), model.ErrNotFound)

	assert.NoError(t, f.svc.ValidatePaymentOwnership(ctx, p.ID, customerID))
	assert.ErrorIs(t, f.svc.ValidatePaymentOwnership(ctx, p.ID, ownerID), model.ErrAccessDenied)

	assert.NoError(t, f.svc.ValidateOrderStoreOwnership(ctx, f.order.ID, ownerID))
	assert.ErrorIs(t, f.svc.ValidateOrderStoreOwnership(ctx, f.order.ID, customerID), model.ErrAccessDenied)

	assert.NoError(t, f.svc.ValidatePaymentStoreOwnership(ctx, p.ID, ownerID))
	assert.ErrorIs(t, f.svc.ValidatePaymentStoreOwnership(ctx, p.ID, strangerID), model.ErrAccessDenied)

	owner, err := f.svc.GetPaymentOwnerID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, customerID, owner)
}

func TestPaymentQueries(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()
	done := f.repo.addPayment(f.order.ID, customerID, 10000, model.PaymentStatusReady, model.PaymentStatusInProgress, model.PaymentStatusDone)
	orphan := f.repo.addPayment(f.order.ID, customerID, 5000)

	all, err := f.svc.GetAllPayments(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	detail, err := f.svc.GetDetailPayment(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusDone, detail.Status)

	_, err = f.svc.GetDetailPayment(ctx, orphan.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Contains(t, err.Error(), "payment not found")

	history, err := f.svc.GetPaymentHistory(ctx, done.ID)
	require.NoError(t, err)
	assert.Len(t, history, 3)

	_, err = f.svc.GetPaymentHistory(ctx, orphan.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}
