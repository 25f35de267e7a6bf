// Package validation содержит функции валидации входных данных.
package validation

import (
	"net/mail"
	"strings"
)

// IsValidEmail проверяет, что строка содержит ровно один адрес электронной почты без отображаемого имени.
func IsValidEmail(address string) bool {
	address = strings.TrimSpace(address)
	if address == "" {
		return false
	}

	parsed, err := mail.ParseAddress(address)
	if err != nil {
		return false
	}
	if parsed.Address != address {
		return false
	}

	at := strings.LastIndexByte(address, '@')
	return at > 0 && strings.Contains(address[at+1:], ".")
}

// IsPresent сообщает, что значение содержит непробельные символы.
func IsPresent(value string) bool {
	return strings.TrimSpace(value) != ""
}
