// Package validation содержит функции валидации входных данных.
package validation

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
	"unicode"
)

// orderNumberLength: дата (8), случайная часть (6) и контрольная цифра.
const orderNumberLength = 15

// IsValidOrderNumber проверяет формат номера заказа и контрольную цифру по алгоритму Луна.
func IsValidOrderNumber(number string) bool {
	if len(number) != orderNumberLength {
		return false
	}
	return luhnValid(number)
}

func luhnValid(number string) bool {
	if number == "" {
		return false
	}

	sum := 0
	double := false

	for i := len(number) - 1; i >= 0; i-- {
		ch := rune(number[i])
		if !unicode.IsDigit(ch) {
			return false
		}
		digit := int(ch - '0')
		if double {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		double = !double
	}

	return sum%10 == 0
}

// NewOrderNumber генерирует читаемый номер заказа: дата, случайная часть и контрольная цифра.
func NewOrderNumber(now time.Time) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate order number: %w", err)
	}
	payload := fmt.Sprintf("%s%06d", now.Format("20060102"), n.Int64())
	return payload + checkDigit(payload), nil
}

func checkDigit(payload string) string {
	for d := 0; d <= 9; d++ {
		candidate := fmt.Sprintf("%s%d", payload, d)
		if luhnValid(candidate) {
			return fmt.Sprintf("%d", d)
		}
	}
	return "0"
}
