package validation

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/mmeshcher/spot-order-core/internal/model"
)

const (
	maxRequestLength = 500
	maxOrderItems    = 50
	maxItemQuantity  = 99
)

// FieldError описывает ошибку валидации конкретного поля запроса.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, message string) error {
	return fmt.Errorf("%w: %w", model.ErrValidation, FieldError{Field: field, Message: message})
}

// ValidateCreateOrder проверяет запрос на создание заказа до обращения к справочникам.
func ValidateCreateOrder(req *model.CreateOrderRequest, now time.Time) error {
	if req == nil {
		return invalid("request", "request is required")
	}
	if req.StoreID == uuid.Nil {
		return invalid("store_id", "store id is required")
	}
	if req.PickupTime.IsZero() {
		return invalid("pickup_time", "pickup time is required")
	}
	if req.PickupTime.Before(now) {
		return invalid("pickup_time", "pickup time must be in the future")
	}
	if utf8.RuneCountInString(req.Request) > maxRequestLength {
		return invalid("request", fmt.Sprintf("request must be at most %d characters", maxRequestLength))
	}
	if len(req.Items) == 0 {
		return invalid("items", "at least one item is required")
	}
	if len(req.Items) > maxOrderItems {
		return invalid("items", fmt.Sprintf("at most %d items are allowed", maxOrderItems))
	}

	for i, item := range req.Items {
		field := fmt.Sprintf("items[%d]", i)
		if item.MenuID == uuid.Nil {
			return invalid(field+".menu_id", "menu id is required")
		}
		if item.Quantity < 1 {
			return invalid(field+".quantity", "quantity must be at least 1")
		}
		if item.Quantity > maxItemQuantity {
			return invalid(field+".quantity", fmt.Sprintf("quantity must be at most %d", maxItemQuantity))
		}
		for j, optID := range item.OptionIDs {
			if optID == uuid.Nil {
				return invalid(fmt.Sprintf("%s.option_ids[%d]", field, j), "option id is required")
			}
		}
	}

	return nil
}
