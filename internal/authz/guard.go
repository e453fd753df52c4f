package authz

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/mmeshcher/spot-order-core/internal/model"
)

// OwnershipValidator проверяет принадлежность ресурсов пользователю или магазину.
type OwnershipValidator interface {
	ValidateOrderOwnership(ctx context.Context, orderID uuid.UUID, userID int64) error
	ValidatePaymentOwnership(ctx context.Context, paymentID uuid.UUID, userID int64) error
	ValidateOrderStoreOwnership(ctx context.Context, orderID uuid.UUID, userID int64) error
	ValidatePaymentStoreOwnership(ctx context.Context, paymentID uuid.UUID, userID int64) error
	ValidateStoreStaff(ctx context.Context, storeID uuid.UUID, userID int64) error
}

// Guard сочетает проверку возможности роли с проверкой области действия.
type Guard struct {
	owners OwnershipValidator
}

// NewGuard создаёт Guard.
func NewGuard(owners OwnershipValidator) *Guard {
	return &Guard{owners: owners}
}

// Order проверяет действие над заказом.
func (g *Guard) Order(ctx context.Context, a Actor, c Capability, orderID uuid.UUID) error {
	scope, err := g.scope(a, c)
	if err != nil {
		return err
	}
	switch scope {
	case ScopeOwn:
		return g.owners.ValidateOrderOwnership(ctx, orderID, a.UserID)
	case ScopeStore:
		return g.owners.ValidateOrderStoreOwnership(ctx, orderID, a.UserID)
	}
	return nil
}

// Payment проверяет действие над платежом.
func (g *Guard) Payment(ctx context.Context, a Actor, c Capability, paymentID uuid.UUID) error {
	scope, err := g.scope(a, c)
	if err != nil {
		return err
	}
	switch scope {
	case ScopeOwn:
		return g.owners.ValidatePaymentOwnership(ctx, paymentID, a.UserID)
	case ScopeStore:
		return g.owners.ValidatePaymentStoreOwnership(ctx, paymentID, a.UserID)
	}
	return nil
}

// Store проверяет действие над заказами магазина. У клиента доступа к магазину нет.
func (g *Guard) Store(ctx context.Context, a Actor, c Capability, storeID uuid.UUID) error {
	scope, err := g.scope(a, c)
	if err != nil {
		return err
	}
	switch scope {
	case ScopeOwn:
		return fmt.Errorf("%w: no access to this store", model.ErrAccessDenied)
	case ScopeStore:
		return g.owners.ValidateStoreStaff(ctx, storeID, a.UserID)
	}
	return nil
}

func (g *Guard) scope(a Actor, c Capability) (Scope, error) {
	if err := Can(a, c); err != nil {
		return 0, err
	}
	scope, _ := ScopeOf(a.Role)
	return scope, nil
}
