package model

import "errors"

// Виды ошибок ядра. Каждая ошибка сервиса оборачивает ровно один из них,
// поэтому слой представления сопоставляет их через errors.Is.
var (
	// ErrNotFound возвращается, если заказ, платёж или пользователь не найден.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition возвращается при операции из недопустимого состояния.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrConflict срабатывает на повторную попытку оплаты или проигранную гонку обновления.
	ErrConflict = errors.New("conflict")
	// ErrAccessDenied возвращается при несовпадении владельца или сотрудника магазина.
	ErrAccessDenied = errors.New("access denied")
	// ErrGateway оборачивает отказ или таймаут платёжного шлюза.
	ErrGateway = errors.New("payment gateway failure")
	// ErrValidation возвращается для некорректных входных данных до любой записи.
	ErrValidation = errors.New("validation failed")
)
