// Package authz описывает, какие роли что могут делать с заказами и платежами.
package authz

import (
	"fmt"

	"github.com/mmeshcher/spot-order-core/internal/model"
)

// Actor описывает аутентифицированного пользователя запроса.
type Actor struct {
	UserID int64
	Role   model.Role
}

// Capability обозначает отдельное действие над заказом или платежом.
type Capability int

const (
	CreateOrder Capability = iota + 1
	CancelOrderAsCustomer
	ViewOrder
	// ManageOrder покрывает принятие, отклонение, выдачу и отмену магазином.
	ManageOrder
	// CookOrder покрывает начало приготовления и готовность.
	CookOrder
	ViewStoreOrders
	Pay
	CancelPayment
	ViewPayment
	ListAllPayments
)

var capabilityNames = map[Capability]string{
	CreateOrder:           "create order",
	CancelOrderAsCustomer: "cancel order as customer",
	ViewOrder:             "view order",
	ManageOrder:           "manage order",
	CookOrder:             "cook order",
	ViewStoreOrders:       "view store orders",
	Pay:                   "pay",
	CancelPayment:         "cancel payment",
	ViewPayment:           "view payment",
	ListAllPayments:       "list all payments",
}

func (c Capability) String() string {
	if name, ok := capabilityNames[c]; ok {
		return name
	}
	return fmt.Sprintf("capability(%d)", int(c))
}

// Scope определяет, к каким ресурсам применима роль.
type Scope int

const (
	// ScopeOwn ограничивает доступ собственными заказами и платежами.
	ScopeOwn Scope = iota + 1
	// ScopeStore открывает ресурсы магазинов, где пользователь работает.
	ScopeStore
	// ScopeAny снимает ограничения.
	ScopeAny
)

type grant struct {
	scope Scope
	caps  map[Capability]struct{}
}

func caps(list ...Capability) map[Capability]struct{} {
	m := make(map[Capability]struct{}, len(list))
	for _, c := range list {
		m[c] = struct{}{}
	}
	return m
}

var policy = map[model.Role]grant{
	model.RoleCustomer: {
		scope: ScopeOwn,
		caps:  caps(CreateOrder, CancelOrderAsCustomer, ViewOrder, Pay, CancelPayment, ViewPayment),
	},
	model.RoleOwner: {
		scope: ScopeStore,
		caps:  caps(ViewOrder, ManageOrder, CookOrder, ViewStoreOrders, Pay, CancelPayment, ViewPayment),
	},
	model.RoleChef: {
		scope: ScopeStore,
		caps:  caps(ViewOrder, CookOrder, ViewStoreOrders),
	},
	model.RoleManager: {
		scope: ScopeAny,
		caps: caps(CreateOrder, CancelOrderAsCustomer, ViewOrder, ManageOrder, CookOrder,
			ViewStoreOrders, Pay, CancelPayment, ViewPayment, ListAllPayments),
	},
	model.RoleMaster: {
		scope: ScopeAny,
		caps: caps(CreateOrder, CancelOrderAsCustomer, ViewOrder, ManageOrder, CookOrder,
			ViewStoreOrders, Pay, CancelPayment, ViewPayment, ListAllPayments),
	},
}

// ScopeOf возвращает область действия роли. Для неизвестной роли ok равен false.
func ScopeOf(role model.Role) (Scope, bool) {
	g, ok := policy[role]
	return g.scope, ok
}

// Allows сообщает, есть ли у роли указанная возможность.
func Allows(role model.Role, c Capability) bool {
	g, ok := policy[role]
	if !ok {
		return false
	}
	_, ok = g.caps[c]
	return ok
}

// Can проверяет возможность без привязки к ресурсу.
func Can(a Actor, c Capability) error {
	if !Allows(a.Role, c) {
		return fmt.Errorf("%w: role %q cannot %s", model.ErrAccessDenied, a.Role, c)
	}
	return nil
}
