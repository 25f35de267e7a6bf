package handler

import (
	"time"

	"github.com/mmeshcher/orderflow/internal/lifecycle"
	"github.com/mmeshcher/orderflow/internal/model"
)

type errorResponse struct {
	Error    string                `json:"error,omitempty"`
	Detail   string                `json:"detail"`
	Status   string                `json:"status,omitempty"`
	Delivery *model.DeliveryResult `json:"delivery,omitempty"`
}

type itemResponse struct {
	ProductCode     string `json:"product_code"`
	ProductName     string `json:"product_name"`
	Unit            string `json:"unit"`
	Quantity        string `json:"quantity"`
	UnitPrice       string `json:"unit_price"`
	DiscountPercent string `json:"discount_percent"`
	TaxRate         string `json:"tax_rate"`
	Subtotal        string `json:"subtotal"`
	TaxAmount       string `json:"tax_amount"`
	Total           string `json:"total"`
}

type orderResponse struct {
	ID           string         `json:"id"`
	Number       string         `json:"number"`
	Status       string         `json:"status"`
	NextStatuses []string       `json:"next_statuses"`
	Customer     model.Customer `json:"customer"`
	SellerID     string         `json:"seller_id,omitempty"`
	Items        []itemResponse `json:"items"`
	ShippingCost string         `json:"shipping_cost"`
	OtherCosts   string         `json:"other_costs"`
	Subtotal     string         `json:"subtotal"`
	TaxTotal     string         `json:"tax_total"`
	TotalAmount  string         `json:"total_amount"`
	Payment      model.Payment  `json:"payment"`
	IssueDate    string         `json:"issue_date"`
	DeliveryDate string         `json:"delivery_date,omitempty"`
	ValidUntil   string         `json:"valid_until,omitempty"`
	Version      int64          `json:"version"`
	UpdatedAt    string         `json:"updated_at,omitempty"`
}

func newOrderResponse(o *model.Order) orderResponse {
	resp := orderResponse{
		ID:           o.ID,
		Number:       o.Number,
		Status:       string(o.Status),
		NextStatuses: make([]string, 0),
		Customer:     o.Customer,
		SellerID:     o.SellerID,
		Items:        make([]itemResponse, 0, len(o.Items)),
		ShippingCost: o.ShippingCost.StringFixed(2),
		OtherCosts:   o.OtherCosts.StringFixed(2),
		Subtotal:     o.Totals.Subtotal.StringFixed(2),
		TaxTotal:     o.Totals.TaxTotal.StringFixed(2),
		TotalAmount:  o.Totals.TotalAmount.StringFixed(2),
		Payment:      o.Payment,
		IssueDate:    o.IssueDate.Format(dateLayout),
		Version:      o.Version,
	}
	for _, st := range lifecycle.Targets(o.Status) {
		resp.NextStatuses = append(resp.NextStatuses, string(st))
	}
	for _, it := range o.Items {
		resp.Items = append(resp.Items, itemResponse{
			ProductCode:     it.ProductCode,
			ProductName:     it.ProductName,
			Unit:            it.Unit,
			Quantity:        it.Quantity.String(),
			UnitPrice:       it.UnitPrice.String(),
			DiscountPercent: it.DiscountPercent.String(),
			TaxRate:         it.TaxRate.String(),
			Subtotal:        it.Subtotal.StringFixed(2),
			TaxAmount:       it.TaxAmount.StringFixed(2),
			Total:           it.Total.StringFixed(2),
		})
	}
	if o.DeliveryDate != nil {
		resp.DeliveryDate = o.DeliveryDate.Format(dateLayout)
	}
	if o.ValidUntil != nil {
		resp.ValidUntil = o.ValidUntil.Format(time.RFC3339)
	}
	if !o.UpdatedAt.IsZero() {
		resp.UpdatedAt = o.UpdatedAt.Format(time.RFC3339)
	}
	return resp
}

type documentResponse struct {
	ID                string           `json:"id"`
	OrderID           string           `json:"order_id"`
	Number            string           `json:"number"`
	Series            string           `json:"series"`
	AccessKey         string           `json:"access_key"`
	Artifacts         []model.Artifact `json:"artifacts"`
	DeliveryStatus    string           `json:"delivery_status"`
	LastDeliveryError string           `json:"last_delivery_error,omitempty"`
	DeliveredAt       string           `json:"delivered_at,omitempty"`
	IssuedAt          string           `json:"issued_at"`
}

func newDocumentResponse(doc *model.FiscalDocument) *documentResponse {
	if doc == nil {
		return nil
	}
	resp := &documentResponse{
		ID:                doc.ID,
		OrderID:           doc.OrderID,
		Number:            doc.Number,
		Series:            doc.Series,
		AccessKey:         doc.AccessKey,
		Artifacts:         doc.Artifacts,
		DeliveryStatus:    string(doc.DeliveryStatus),
		LastDeliveryError: doc.LastDeliveryError,
		IssuedAt:          doc.IssuedAt.Format(time.RFC3339),
	}
	if doc.DeliveredAt != nil {
		resp.DeliveredAt = doc.DeliveredAt.Format(time.RFC3339)
	}
	return resp
}

type generateResponse struct {
	Status   string                `json:"status"`
	Document *documentResponse     `json:"document"`
	Delivery *model.DeliveryResult `json:"delivery,omitempty"`
}

type attemptResponse struct {
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Outcome        string `json:"outcome"`
	Reason         string `json:"reason,omitempty"`
	AttemptedAt    string `json:"attempted_at"`
}
