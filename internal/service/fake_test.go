package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/spot-order-core/internal/events"
	"github.com/mmeshcher/spot-order-core/internal/gateway"
	"github.com/mmeshcher/spot-order-core/internal/model"
	"github.com/mmeshcher/spot-order-core/internal/repository"
)

var testNow = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

type staffKey struct {
	storeID uuid.UUID
	userID  int64
}

// memRepo хранит данные в памяти; мьютекс играет роль блокировок строк.
type memRepo struct {
	mu sync.Mutex

	users   map[int64]*model.User
	stores  map[uuid.UUID]bool
	staff   map[staffKey]bool
	menus   map[uuid.UUID]*model.MenuSnapshot
	options map[uuid.UUID]*model.MenuOptionSnapshot

	orders          map[uuid.UUID]*model.Order
	numberConflicts int
	createdNumbers  []string
	conflictOnce    bool

	payments map[uuid.UUID]*model.Payment
	history  []model.PaymentHistory
	keys     map[uuid.UUID]*model.PaymentKey
	cancels  []model.PaymentCancel

	acceptedFrom, acceptedTo time.Time
	listLimit, listOffset    int
}

func newMemRepo() *memRepo {
	return &memRepo{
		users:    map[int64]*model.User{},
		stores:   map[uuid.UUID]bool{},
		staff:    map[staffKey]bool{},
		menus:    map[uuid.UUID]*model.MenuSnapshot{},
		options:  map[uuid.UUID]*model.MenuOptionSnapshot{},
		orders:   map[uuid.UUID]*model.Order{},
		payments: map[uuid.UUID]*model.Payment{},
		keys:     map[uuid.UUID]*model.PaymentKey{},
	}
}

func copyOrder(o *model.Order) *model.Order {
	c := *o
	c.Items = make([]model.OrderItem, len(o.Items))
	copy(c.Items, o.Items)
	return &c
}

func (r *memRepo) addUser(id int64, role model.Role) {
	r.users[id] = &model.User{ID: id, Role: role, CreatedAt: testNow}
}

func (r *memRepo) addStore(staff ...int64) uuid.UUID {
	id := uuid.New()
	r.stores[id] = true
	for _, u := range staff {
		r.staff[staffKey{id, u}] = true
	}
	return id
}

func (r *memRepo) addMenu(storeID uuid.UUID, name string, price int64) *model.MenuSnapshot {
	m := &model.MenuSnapshot{ID: uuid.New(), StoreID: storeID, Name: name, Price: price}
	r.menus[m.ID] = m
	return m
}

func (r *memRepo) addOption(menuID uuid.UUID, name string, price int64) *model.MenuOptionSnapshot {
	o := &model.MenuOptionSnapshot{ID: uuid.New(), MenuID: menuID, Name: name, Price: price}
	r.options[o.ID] = o
	return o
}

func (r *memRepo) addOrder(storeID uuid.UUID, userID int64, status model.OrderStatus) *model.Order {
	o := model.NewOrder(storeID, userID, uuid.NewString(), "", false, testNow.Add(time.Hour), nil)
	o.Status = status
	o.CreatedAt = testNow
	r.orders[o.ID] = copyOrder(o)
	return o
}

// addPayment регистрирует платёж с заданной последовательностью статусов журнала.
func (r *memRepo) addPayment(orderID uuid.UUID, userID int64, amount int64, statuses ...model.PaymentStatus) *model.Payment {
	p, _ := model.NewPayment(userID, orderID, "order", "", model.PaymentMethodCreditCard, amount)
	p.CreatedAt = testNow
	r.payments[p.ID] = p
	for _, st := range statuses {
		h, _ := model.NewPaymentHistory(p.ID, st)
		h.CreatedAt = testNow
		r.history = append(r.history, *h)
	}
	return p
}

// addCompletedPayment регистрирует списанный платёж заказа с ключом шлюза.
func (r *memRepo) addCompletedPayment(o *model.Order, amount int64) *model.Payment {
	p := r.addPayment(o.ID, o.UserID, amount,
		model.PaymentStatusReady, model.PaymentStatusInProgress, model.PaymentStatusDone)
	r.keys[p.ID] = &model.PaymentKey{PaymentID: p.ID, PaymentKey: "pk-" + o.ID.String(), ConfirmedAt: testNow}
	return p
}

func (r *memRepo) statuses(paymentID uuid.UUID) []model.PaymentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.PaymentStatus
	for _, h := range r.history {
		if h.PaymentID == paymentID {
			res = append(res, h.Status)
		}
	}
	return res
}

func (r *memRepo) latestLocked(paymentID uuid.UUID) *model.PaymentHistory {
	for i := len(r.history) - 1; i >= 0; i-- {
		if r.history[i].PaymentID == paymentID {
			h := r.history[i]
			return &h
		}
	}
	return nil
}

func (r *memRepo) hasActiveLocked(orderID uuid.UUID) bool {
	for _, p := range r.payments {
		if p.OrderID != orderID {
			continue
		}
		if h := r.latestLocked(p.ID); h != nil && h.Status.Active() {
			return true
		}
	}
	return false
}

func (r *memRepo) appendLocked(paymentID uuid.UUID, status model.PaymentStatus) *model.PaymentHistory {
	h, _ := model.NewPaymentHistory(paymentID, status)
	h.CreatedAt = testNow
	r.history = append(r.history, *h)
	return h
}

func (r *memRepo) expectLocked(paymentID uuid.UUID, expected model.PaymentStatus) error {
	if _, ok := r.payments[paymentID]; !ok {
		return fmt.Errorf("%w: payment not found", model.ErrNotFound)
	}
	latest := r.latestLocked(paymentID)
	if latest == nil {
		return fmt.Errorf("%w: payment history not found", model.ErrNotFound)
	}
	if latest.Status != expected {
		return fmt.Errorf("%w: expected %s, got %s", repository.ErrStatusChanged, expected, latest.Status)
	}
	return nil
}

func (r *memRepo) GetUser(ctx context.Context, userID int64) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: user not found", model.ErrNotFound)
	}
	return u, nil
}

func (r *memRepo) StoreExists(ctx context.Context, storeID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stores[storeID], nil
}

func (r *memRepo) IsStoreStaff(ctx context.Context, storeID uuid.UUID, userID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.staff[staffKey{storeID, userID}], nil
}

func (r *memRepo) GetMenu(ctx context.Context, menuID uuid.UUID) (*model.MenuSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.menus[menuID]
	if !ok {
		return nil, fmt.Errorf("%w: menu not found", model.ErrNotFound)
	}
	return m, nil
}

func (r *memRepo) GetMenuOption(ctx context.Context, optionID uuid.UUID) (*model.MenuOptionSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.options[optionID]
	if !ok {
		return nil, fmt.Errorf("%w: menu option not found", model.ErrNotFound)
	}
	return o, nil
}

func (r *memRepo) CreateOrder(ctx context.Context, o *model.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.createdNumbers = append(r.createdNumbers, o.OrderNumber)
	if r.numberConflicts > 0 {
		r.numberConflicts--
		return fmt.Errorf("%w: %s", repository.ErrOrderNumberTaken, o.OrderNumber)
	}

	o.CreatedAt = testNow
	r.orders[o.ID] = copyOrder(o)
	return nil
}

func (r *memRepo) GetOrderByID(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order not found", model.ErrNotFound)
	}
	return copyOrder(o), nil
}

func (r *memRepo) GetOrderByNumber(ctx context.Context, number string) (*model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.OrderNumber == number {
			return copyOrder(o), nil
		}
	}
	return nil, fmt.Errorf("%w: order not found", model.ErrNotFound)
}

func (r *memRepo) GetOrderRefs(ctx context.Context, orderID uuid.UUID) (int64, uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return 0, uuid.Nil, fmt.Errorf("%w: order not found", model.ErrNotFound)
	}
	return o.UserID, o.StoreID, nil
}

func inStatuses(s model.OrderStatus, statuses []model.OrderStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, st := range statuses {
		if s == st {
			return true
		}
	}
	return false
}

func (r *memRepo) filter(keep func(o *model.Order) bool) []model.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []model.Order
	for _, o := range r.orders {
		if keep(o) {
			res = append(res, *copyOrder(o))
		}
	}
	return res
}

func (r *memRepo) ListUserOrders(ctx context.Context, userID int64, statuses []model.OrderStatus) ([]model.Order, error) {
	return r.filter(func(o *model.Order) bool {
		return o.UserID == userID && inStatuses(o.Status, statuses)
	}), nil
}

func (r *memRepo) ListStoreOrders(ctx context.Context, storeID uuid.UUID, limit, offset int) ([]model.Order, int64, error) {
	all := r.filter(func(o *model.Order) bool { return o.StoreID == storeID })

	r.mu.Lock()
	r.listLimit, r.listOffset = limit, offset
	r.mu.Unlock()

	if offset >= len(all) {
		return nil, int64(len(all)), nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], int64(len(all)), nil
}

func (r *memRepo) ListStoreOrdersByStatus(ctx context.Context, storeID uuid.UUID, statuses []model.OrderStatus) ([]model.Order, error) {
	return r.filter(func(o *model.Order) bool {
		return o.StoreID == storeID && inStatuses(o.Status, statuses)
	}), nil
}

func (r *memRepo) ListStoreOrdersAcceptedBetween(ctx context.Context, storeID uuid.UUID, statuses []model.OrderStatus, from, to time.Time) ([]model.Order, error) {
	r.mu.Lock()
	r.acceptedFrom, r.acceptedTo = from, to
	r.mu.Unlock()

	return r.filter(func(o *model.Order) bool {
		return o.StoreID == storeID && inStatuses(o.Status, statuses) &&
			o.AcceptedAt != nil && !o.AcceptedAt.Before(from) && o.AcceptedAt.Before(to)
	}), nil
}

func (r *memRepo) ListStoreOrdersCreatedBetween(ctx context.Context, storeID uuid.UUID, from, to time.Time) ([]model.Order, error) {
	return r.filter(func(o *model.Order) bool {
		return o.StoreID == storeID && !o.CreatedAt.Before(from) && o.CreatedAt.Before(to)
	}), nil
}

func (r *memRepo) UpdateOrder(ctx context.Context, o *model.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.orders[o.ID]
	if !ok {
		return fmt.Errorf("%w: order not found", model.ErrNotFound)
	}
	if r.conflictOnce {
		r.conflictOnce = false
		stored.Version++
	}
	if stored.Version != o.Version {
		return fmt.Errorf("%w: order %s was modified concurrently", model.ErrConflict, o.ID)
	}

	o.Version++
	r.orders[o.ID] = copyOrder(o)
	return nil
}

func (r *memRepo) HasActivePayment(ctx context.Context, orderID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasActiveLocked(orderID), nil
}

func (r *memRepo) CreatePaymentWithReadyEntry(ctx context.Context, p *model.Payment, entry *model.PaymentHistory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.orders[p.OrderID]; !ok {
		return fmt.Errorf("%w: order not found", model.ErrNotFound)
	}
	if r.hasActiveLocked(p.OrderID) {
		return fmt.Errorf("%w: a payment is already in progress or completed for this order", model.ErrConflict)
	}

	p.CreatedAt = testNow
	r.payments[p.ID] = p
	entry.CreatedAt = testNow
	r.history = append(r.history, *entry)
	return nil
}

func (r *memRepo) GetLatestPaymentHistory(ctx context.Context, paymentID uuid.UUID) (*model.PaymentHistory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.latestLocked(paymentID)
	if h == nil {
		return nil, fmt.Errorf("%w: payment history not found", model.ErrNotFound)
	}
	return h, nil
}

func (r *memRepo) AppendPaymentStatus(ctx context.Context, paymentID uuid.UUID, expected, next model.PaymentStatus) (*model.PaymentHistory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.expectLocked(paymentID, expected); err != nil {
		return nil, err
	}
	return r.appendLocked(paymentID, next), nil
}

func (r *memRepo) ConfirmPayment(ctx context.Context, key *model.PaymentKey) (*model.PaymentHistory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.expectLocked(key.PaymentID, model.PaymentStatusInProgress); err != nil {
		return nil, err
	}
	k := *key
	r.keys[key.PaymentID] = &k
	return r.appendLocked(key.PaymentID, model.PaymentStatusDone), nil
}

func (r *memRepo) RecordCancellation(ctx context.Context, paymentID uuid.UUID, reason string) (*model.PaymentHistory, *model.PaymentCancel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.expectLocked(paymentID, model.PaymentStatusCancelledInProgress); err != nil {
		return nil, nil, err
	}
	h := r.appendLocked(paymentID, model.PaymentStatusCancelled)
	c, err := model.NewPaymentCancel(h.ID, reason)
	if err != nil {
		return nil, nil, err
	}
	c.CreatedAt = testNow
	r.cancels = append(r.cancels, *c)
	return h, c, nil
}

func (r *memRepo) GetPayment(ctx context.Context, paymentID uuid.UUID) (*model.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[paymentID]
	if !ok {
		return nil, fmt.Errorf("%w: payment not found", model.ErrNotFound)
	}
	c := *p
	return &c, nil
}

func (r *memRepo) GetCompletedPaymentByOrder(ctx context.Context, orderID uuid.UUID) (*model.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.OrderID != orderID {
			continue
		}
		if h := r.latestLocked(p.ID); h != nil && h.Status == model.PaymentStatusDone {
			c := *p
			return &c, nil
		}
	}
	return nil, fmt.Errorf("%w: no completed payment for order", model.ErrNotFound)
}

func (r *memRepo) GetPaymentKey(ctx context.Context, paymentID uuid.UUID) (*model.PaymentKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[paymentID]
	if !ok {
		return nil, fmt.Errorf("%w: payment key not found", model.ErrNotFound)
	}
	return k, nil
}

func (r *memRepo) ListPaymentsWithLatestStatus(ctx context.Context) ([]model.PaymentWithStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []model.PaymentWithStatus
	for _, p := range r.payments {
		if h := r.latestLocked(p.ID); h != nil {
			res = append(res, model.PaymentWithStatus{Payment: *p, Status: h.Status, StatusUpdatedAt: h.CreatedAt})
		}
	}
	return res, nil
}

func (r *memRepo) ListPaymentsStuckIn(ctx context.Context, statuses []model.PaymentStatus, before time.Time) ([]model.PaymentWithStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []model.PaymentWithStatus
	for _, p := range r.payments {
		h := r.latestLocked(p.ID)
		if h == nil || !h.CreatedAt.Before(before) {
			continue
		}
		for _, st := range statuses {
			if h.Status == st {
				res = append(res, model.PaymentWithStatus{Payment: *p, Status: h.Status, StatusUpdatedAt: h.CreatedAt})
			}
		}
	}
	return res, nil
}

func (r *memRepo) GetPaymentWithLatestStatus(ctx context.Context, paymentID uuid.UUID) (*model.PaymentWithStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[paymentID]
	h := r.latestLocked(paymentID)
	if !ok || h == nil {
		return nil, fmt.Errorf("%w: payment not found", model.ErrNotFound)
	}
	return &model.PaymentWithStatus{Payment: *p, Status: h.Status, StatusUpdatedAt: h.CreatedAt}, nil
}

func (r *memRepo) cancelEntriesLocked(keep func(h model.PaymentHistory) bool) []model.PaymentCancelEntry {
	var res []model.PaymentCancelEntry
	for _, h := range r.history {
		if !keep(h) {
			continue
		}
		e := model.PaymentCancelEntry{
			HistoryID:  h.ID,
			PaymentID:  h.PaymentID,
			Status:     h.Status,
			Amount:     r.payments[h.PaymentID].TotalAmount,
			CanceledAt: h.CreatedAt,
		}
		for _, c := range r.cancels {
			if c.PaymentHistoryID == h.ID {
				reason := c.Reason
				e.Reason = &reason
			}
		}
		res = append(res, e)
	}
	return res
}

func (r *memRepo) ListPaymentCancels(ctx context.Context) ([]model.PaymentCancelEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelEntriesLocked(func(h model.PaymentHistory) bool {
		return h.Status == model.PaymentStatusCancelled
	}), nil
}

func (r *memRepo) ListPaymentCancelsByPayment(ctx context.Context, paymentID uuid.UUID) ([]model.PaymentCancelEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelEntriesLocked(func(h model.PaymentHistory) bool {
		return h.PaymentID == paymentID &&
			(h.Status == model.PaymentStatusCancelled || h.Status == model.PaymentStatusCancelledInProgress)
	}), nil
}

func (r *memRepo) ListPaymentHistory(ctx context.Context, paymentID uuid.UUID) ([]model.PaymentHistory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []model.PaymentHistory
	for _, h := range r.history {
		if h.PaymentID == paymentID {
			res = append(res, h)
		}
	}
	return res, nil
}

type stubGateway struct {
	mu sync.Mutex

	billingRes *gateway.Payment
	billingErr error
	cancelErr  error

	billingCalls []gateway.BillingRequest
	cancelCalls  []string
	timeouts     []time.Duration
}

func (g *stubGateway) RequestBillingPayment(ctx context.Context, req gateway.BillingRequest, timeout time.Duration) (*gateway.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.billingCalls = append(g.billingCalls, req)
	g.timeouts = append(g.timeouts, timeout)
	if g.billingErr != nil {
		return nil, g.billingErr
	}
	if g.billingRes != nil {
		return g.billingRes, nil
	}
	return &gateway.Payment{PaymentKey: "pk-" + req.OrderID.String(), TotalAmount: req.Amount, ApprovedAt: testNow}, nil
}

func (g *stubGateway) CancelPayment(ctx context.Context, paymentKey, reason string, timeout time.Duration) (*gateway.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelCalls = append(g.cancelCalls, paymentKey)
	if g.cancelErr != nil {
		return nil, g.cancelErr
	}
	return &gateway.Payment{PaymentKey: paymentKey, Status: "CANCELED"}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	err    error
	events []events.OrderStatusChanged
}

func (p *recordingPublisher) PublishOrderStatusChanged(ctx context.Context, evt events.OrderStatusChanged) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return p.err
}

var errBoom = errors.New("boom")
