// Package apperr описывает классификацию ошибок, возвращаемых операциями над заказами.
package apperr

import (
	"errors"
	"fmt"
)

// Kind определяет категорию ошибки.
type Kind string

const (
	InvalidInput     Kind = "InvalidInput"
	StaleTotals      Kind = "StaleTotals"
	DocumentRequired Kind = "DocumentRequired"
	TerminalState    Kind = "TerminalState"
	ExternalFailure  Kind = "ExternalFailure"
	Conflict         Kind = "Conflict"
	NotFound         Kind = "NotFound"
)

// Error содержит категорию ошибки, пояснение для пользователя и исходную причину.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

// Сентинелы для сравнения через errors.Is. Сравнение идёт только по категории.
var (
	ErrInvalidInput     = &Error{Kind: InvalidInput}
	ErrStaleTotals      = &Error{Kind: StaleTotals}
	ErrDocumentRequired = &Error{Kind: DocumentRequired}
	ErrTerminalState    = &Error{Kind: TerminalState}
	ErrExternalFailure  = &Error{Kind: ExternalFailure}
	ErrConflict         = &Error{Kind: Conflict}
	ErrNotFound         = &Error{Kind: NotFound}
)

func (e *Error) Error() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is сообщает, совпадает ли категория ошибки с категорией target.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New создаёт ошибку указанной категории с отформатированным пояснением.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap создаёт ошибку указанной категории поверх исходной причины.
func Wrap(kind Kind, err error, detail string) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf возвращает категорию ошибки или пустую строку, если ошибка не классифицирована.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
