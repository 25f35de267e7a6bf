// Package model содержит доменные сущности сервиса заказов.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus описывает статус заказа.
type OrderStatus string

const (
	OrderStatusDraft     OrderStatus = "draft"
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusApproved  OrderStatus = "approved"
	OrderStatusInvoiced  OrderStatus = "invoiced"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusExpired   OrderStatus = "expired"
)

// QuoteStatus описывает статус коммерческого предложения.
// Набор статусов предложения не пересекается со статусами заказа.
type QuoteStatus string

const (
	QuoteStatusDraft    QuoteStatus = "draft"
	QuoteStatusSent     QuoteStatus = "sent"
	QuoteStatusApproved QuoteStatus = "approved"
	QuoteStatusRejected QuoteStatus = "rejected"
	QuoteStatusExpired  QuoteStatus = "expired"
)

// DeliveryStatus описывает состояние отправки фискального документа клиенту.
type DeliveryStatus string

const (
	DeliveryStatusNotSent DeliveryStatus = "not_sent"
	DeliveryStatusSent    DeliveryStatus = "sent"
	DeliveryStatusFailed  DeliveryStatus = "failed"
)

// Customer содержит снимок данных клиента на момент оформления заказа.
type Customer struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Document string `json:"document"`
	Email    string `json:"email"`
}

// Payment описывает способ и условия оплаты.
type Payment struct {
	Method string `json:"method"`
	Term   string `json:"term"`
}

// OrderItem описывает позицию заказа. Производные суммы пересчитываются калькулятором.
type OrderItem struct {
	ProductCode     string          `json:"product_code"`
	ProductName     string          `json:"product_name"`
	Unit            string          `json:"unit"`
	Quantity        decimal.Decimal `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	TaxRate         decimal.Decimal `json:"tax_rate"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	TaxAmount       decimal.Decimal `json:"tax_amount"`
	Total           decimal.Decimal `json:"total"`
}

// Totals содержит агрегированные суммы заказа.
type Totals struct {
	Subtotal    decimal.Decimal `json:"subtotal"`
	TaxTotal    decimal.Decimal `json:"tax_total"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

// Order описывает заказ клиента.
type Order struct {
	ID           string
	Number       string
	Customer     Customer
	SellerID     string
	Items        []OrderItem
	ShippingCost decimal.Decimal
	OtherCosts   decimal.Decimal
	Totals       Totals
	// TotalsDigest: отпечаток входных данных, по которым в последний раз считались Totals.
	TotalsDigest string
	Payment      Payment
	Status       OrderStatus
	IssueDate    time.Time
	DeliveryDate *time.Time
	ValidUntil   *time.Time
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Artifact ссылается на экспортируемое представление фискального документа.
type Artifact struct {
	Kind string `json:"kind"`
	URL  string `json:"url"`
}

// FiscalDocument описывает выпущенную электронную накладную (NF-e).
type FiscalDocument struct {
	ID                string
	OrderID           string
	Number            string
	Series            string
	AccessKey         string
	Artifacts         []Artifact
	DeliveryStatus    DeliveryStatus
	LastDeliveryError string
	DeliveredAt       *time.Time
	IssuedAt          time.Time
}

// AttemptOutcome описывает результат обращения к фискальному органу.
type AttemptOutcome string

const (
	AttemptAuthorized AttemptOutcome = "authorized"
	AttemptFailed     AttemptOutcome = "failed"
	AttemptRejected   AttemptOutcome = "rejected"
	AttemptAmbiguous  AttemptOutcome = "ambiguous"
)

// GenerationAttempt фиксирует одно обращение к фискальному органу.
type GenerationAttempt struct {
	ID             string
	OrderID        string
	IdempotencyKey string
	Outcome        AttemptOutcome
	Reason         string
	AttemptedAt    time.Time
}

// DeliveryResult описывает результат отправки документа по электронной почте.
type DeliveryResult struct {
	Recipient   string         `json:"recipient"`
	Status      DeliveryStatus `json:"status"`
	Message     string         `json:"message"`
	AttemptedAt time.Time      `json:"attempted_at"`
}

// Quote описывает коммерческое предложение.
type Quote struct {
	ID         string
	Number     string
	Status     QuoteStatus
	ValidUntil *time.Time
}
