// Package model содержит доменные сущности ядра заказов и платежей.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Role описывает роль пользователя маркетплейса.
type Role string

const (
	RoleCustomer Role = "CUSTOMER"
	RoleOwner    Role = "OWNER"
	RoleChef     Role = "CHEF"
	RoleManager  Role = "MANAGER"
	RoleMaster   Role = "MASTER"
)

// Valid сообщает, является ли значение известной ролью.
func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleOwner, RoleChef, RoleManager, RoleMaster:
		return true
	}
	return false
}

// User представляет пользователя из внешнего справочника.
type User struct {
	ID        int64
	Role      Role
	CreatedAt time.Time
}

// MenuSnapshot содержит данные меню, копируемые в позицию заказа.
type MenuSnapshot struct {
	ID      uuid.UUID
	StoreID uuid.UUID
	Name    string
	Price   int64
}

// MenuOptionSnapshot содержит данные опции меню, копируемые в позицию заказа.
type MenuOptionSnapshot struct {
	ID     uuid.UUID
	MenuID uuid.UUID
	Name   string
	Price  int64
}
