// Package validation содержит функции валидации входных данных.
package validation

import (
	"sort"
	"strings"
	"unicode"

	"github.com/mmeshcher/servicedesk/internal/model"
)

const (
	maxNameLen    = 255
	maxAddressLen = 255
	minPhoneLen   = 10
	maxPhoneLen   = 15
)

// FieldErrors сопоставляет имени поля сообщение об ошибке.
// Пустая карта означает, что валидация пройдена.
type FieldErrors map[string]string

// Error собирает сообщения по полям в одну строку в устойчивом порядке.
func (fe FieldErrors) Error() string {
	fields := make([]string, 0, len(fe))
	for f := range fe {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f+": "+fe[f])
	}
	return strings.Join(parts, "; ")
}

// IsValidPhone проверяет телефон: необязательный ведущий «+» и 10-15 цифр.
func IsValidPhone(phone string) bool {
	digits := phone
	if strings.HasPrefix(digits, "+") {
		digits = digits[1:]
	}
	if len(digits) < minPhoneLen || len(digits) > maxPhoneLen {
		return false
	}
	for _, ch := range digits {
		if !unicode.IsDigit(ch) {
			return false
		}
	}
	return true
}

// ValidateOrderPayload проверяет поля новой заявки и возвращает ошибки по полям.
func ValidateOrderPayload(p model.OrderPayload) FieldErrors {
	fe := FieldErrors{}

	if strings.TrimSpace(p.ClientName) == "" {
		fe["client_name"] = "required"
	} else if len(p.ClientName) > maxNameLen {
		fe["client_name"] = "too long"
	}

	if strings.TrimSpace(p.ClientPhone) == "" {
		fe["client_phone"] = "required"
	} else if !IsValidPhone(p.ClientPhone) {
		fe["client_phone"] = "invalid phone number"
	}

	if strings.TrimSpace(p.Description) == "" {
		fe["description"] = "required"
	}

	if len(p.Address) > maxAddressLen {
		fe["address"] = "too long"
	}

	if p.EstimatedCost != nil && *p.EstimatedCost < 0 {
		fe["estimated_cost"] = "must be non-negative"
	}

	if len(fe) == 0 {
		return nil
	}
	return fe
}

// ValidateOrderPatch проверяет только присланные поля частичного обновления.
func ValidateOrderPatch(p model.OrderPatch) FieldErrors {
	fe := FieldErrors{}

	if p.ClientName != nil {
		if strings.TrimSpace(*p.ClientName) == "" {
			fe["client_name"] = "must not be empty"
		} else if len(*p.ClientName) > maxNameLen {
			fe["client_name"] = "too long"
		}
	}

	if p.ClientPhone != nil && !IsValidPhone(*p.ClientPhone) {
		fe["client_phone"] = "invalid phone number"
	}

	if p.Description != nil && strings.TrimSpace(*p.Description) == "" {
		fe["description"] = "must not be empty"
	}

	if p.Address != nil && len(*p.Address) > maxAddressLen {
		fe["address"] = "too long"
	}

	if p.EstimatedCost != nil && *p.EstimatedCost < 0 {
		fe["estimated_cost"] = "must be non-negative"
	}
	if p.FinalCost != nil && *p.FinalCost < 0 {
		fe["final_cost"] = "must be non-negative"
	}
	if p.Expenses != nil && *p.Expenses < 0 {
		fe["expenses"] = "must be non-negative"
	}

	if len(fe) == 0 {
		return nil
	}
	return fe
}
