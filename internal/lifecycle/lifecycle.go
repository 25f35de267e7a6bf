// Package lifecycle описывает допустимые переходы статусов заказа и коммерческого предложения.
package lifecycle

import (
	"slices"
	"time"

	"github.com/mmeshcher/orderflow/internal/apperr"
	"github.com/mmeshcher/orderflow/internal/model"
)

// Cause определяет источник перехода статуса.
type Cause int

const (
	// CauseUser: явное действие пользователя.
	CauseUser Cause = iota
	// CauseFiscalAuthority: отказ фискального органа при выпуске документа.
	CauseFiscalAuthority
)

// Transition описывает запрошенный переход заказа.
type Transition struct {
	From  model.OrderStatus
	To    model.OrderStatus
	Cause Cause
	// HasDocument сообщает, что для заказа успешно выпущен фискальный документ.
	HasDocument bool
}

var orderTransitions = map[model.OrderStatus][]model.OrderStatus{
	model.OrderStatusDraft:    {model.OrderStatusPending, model.OrderStatusCancelled},
	model.OrderStatusPending:  {model.OrderStatusApproved, model.OrderStatusCancelled, model.OrderStatusRejected},
	model.OrderStatusApproved: {model.OrderStatusInvoiced, model.OrderStatusRejected},
}

var terminalOrderStatuses = []model.OrderStatus{
	model.OrderStatusInvoiced,
	model.OrderStatusCancelled,
	model.OrderStatusRejected,
	model.OrderStatusExpired,
}

// Статусы, которые истекают при наступлении ValidUntil.
var expirableOrderStatuses = []model.OrderStatus{
	model.OrderStatusDraft,
	model.OrderStatusPending,
}

// IsTerminal сообщает, что из статуса заказа нет переходов.
func IsTerminal(s model.OrderStatus) bool {
	return slices.Contains(terminalOrderStatuses, s)
}

// IsEditable сообщает, можно ли менять позиции и расходы заказа в этом статусе.
func IsEditable(s model.OrderStatus) bool {
	return s == model.OrderStatusDraft || s == model.OrderStatusPending
}

// CheckOrder проверяет допустимость перехода заказа.
func CheckOrder(t Transition) error {
	if IsTerminal(t.From) {
		return apperr.New(apperr.TerminalState, "order is %s, no further transitions allowed", t.From)
	}

	if !slices.Contains(orderTransitions[t.From], t.To) {
		return apperr.New(apperr.InvalidInput, "transition %s -> %s is not allowed", t.From, t.To)
	}

	switch t.To {
	case model.OrderStatusRejected:
		if t.Cause != CauseFiscalAuthority {
			return apperr.New(apperr.InvalidInput, "order can be rejected only by the fiscal authority")
		}
	case model.OrderStatusInvoiced:
		if !t.HasDocument {
			return apperr.New(apperr.DocumentRequired, "order cannot be invoiced without a fiscal document")
		}
	default:
		if t.Cause != CauseUser {
			return apperr.New(apperr.InvalidInput, "transition %s -> %s requires a user action", t.From, t.To)
		}
	}

	return nil
}

// Targets возвращает статусы, в которые заказ может перейти из указанного.
func Targets(from model.OrderStatus) []model.OrderStatus {
	return slices.Clone(orderTransitions[from])
}

// EffectiveOrderStatus возвращает статус заказа с учётом срока действия.
// Истечение вычисляется при чтении, сохранённый статус не меняется.
func EffectiveOrderStatus(o *model.Order, now time.Time) model.OrderStatus {
	if o.ValidUntil != nil && now.After(*o.ValidUntil) && slices.Contains(expirableOrderStatuses, o.Status) {
		return model.OrderStatusExpired
	}
	return o.Status
}

var quoteTransitions = map[model.QuoteStatus][]model.QuoteStatus{
	model.QuoteStatusDraft: {model.QuoteStatusSent},
	model.QuoteStatusSent:  {model.QuoteStatusApproved, model.QuoteStatusRejected},
}

// IsQuoteTerminal сообщает, что из статуса предложения нет переходов.
func IsQuoteTerminal(s model.QuoteStatus) bool {
	switch s {
	case model.QuoteStatusApproved, model.QuoteStatusRejected, model.QuoteStatusExpired:
		return true
	}
	return false
}

// CheckQuote проверяет допустимость перехода коммерческого предложения.
func CheckQuote(from, to model.QuoteStatus) error {
	if IsQuoteTerminal(from) {
		return apperr.New(apperr.TerminalState, "quote is %s, no further transitions allowed", from)
	}
	if !slices.Contains(quoteTransitions[from], to) {
		return apperr.New(apperr.InvalidInput, "quote transition %s -> %s is not allowed", from, to)
	}
	return nil
}

// EffectiveQuoteStatus возвращает статус предложения с учётом срока действия.
func EffectiveQuoteStatus(q *model.Quote, now time.Time) model.QuoteStatus {
	if q.ValidUntil != nil && now.After(*q.ValidUntil) && (q.Status == model.QuoteStatusDraft || q.Status == model.QuoteStatusSent) {
		return model.QuoteStatusExpired
	}
	return q.Status
}
