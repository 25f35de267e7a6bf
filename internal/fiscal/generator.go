// Package fiscal выпускает фискальные документы (NF-e) через внешний фискальный орган.
package fiscal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/orderflow/internal/apperr"
	"github.com/mmeshcher/orderflow/internal/lifecycle"
	"github.com/mmeshcher/orderflow/internal/model"
	"github.com/mmeshcher/orderflow/internal/validation"
)

var (
	// ErrRejected означает, что фискальный орган окончательно отказал в выпуске документа.
	ErrRejected = errors.New("fiscal authority rejected the document")
	// ErrAmbiguous означает, что исход обращения неизвестен: номер документа мог быть израсходован.
	ErrAmbiguous = errors.New("fiscal authority outcome unknown")
	// ErrNotConfigured возвращается клиентом, у которого не задан адрес фискального органа.
	ErrNotConfigured = errors.New("fiscal authority client not configured")
)

const (
	ArtifactDanfe = "danfe"
	ArtifactXML   = "xml"
)

// Authority описывает контракт внешнего фискального органа.
type Authority interface {
	Authorize(ctx context.Context, req AuthorizationRequest) (*AuthorizationResponse, error)
}

// Generator превращает одобренный заказ в фискальный документ.
type Generator struct {
	authority Authority
	timeout   time.Duration
	clock     func() time.Time
	newID     func() string
}

// NewGenerator создаёт генератор документов. Нулевой timeout отключает собственный таймаут генератора.
func NewGenerator(authority Authority, timeout time.Duration) *Generator {
	return &Generator{
		authority: authority,
		timeout:   timeout,
		clock:     time.Now,
		newID:     uuid.NewString,
	}
}

// Generate проверяет предусловия, обращается к фискальному органу и возвращает выпущенный документ.
// Метод не идемпотентен: каждый вызов, дошедший до органа, может израсходовать номер документа.
func (g *Generator) Generate(ctx context.Context, order *model.Order) (*model.FiscalDocument, error) {
	if err := checkPreconditions(order); err != nil {
		return nil, err
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	resp, err := g.authority.Authorize(ctx, buildRequest(order))
	if errors.Is(err, ErrNotConfigured) {
		return nil, apperr.Wrap(apperr.ExternalFailure, err, "fiscal authority is unavailable")
	}
	if err != nil {
		if !isAmbiguous(err) {
			return nil, apperr.Wrap(apperr.ExternalFailure, err, "fiscal authority request failed")
		}
		return nil, apperr.Wrap(apperr.ExternalFailure, fmt.Errorf("%w: %w", ErrAmbiguous, err), "fiscal authority request failed")
	}

	if !resp.Success {
		reason := resp.FailureReason
		if reason == "" {
			reason = "no reason given"
		}
		if resp.Rejected {
			return nil, apperr.Wrap(apperr.ExternalFailure, ErrRejected, reason)
		}
		return nil, apperr.New(apperr.ExternalFailure, "%s", reason)
	}

	if !validation.IsPresent(resp.AccessKey) || !validation.IsPresent(resp.DocumentNumber) {
		return nil, apperr.Wrap(apperr.ExternalFailure, ErrAmbiguous, "authorization response without document number or access key")
	}

	doc := &model.FiscalDocument{
		ID:             g.newID(),
		OrderID:        order.ID,
		Number:         resp.DocumentNumber,
		Series:         resp.Series,
		AccessKey:      resp.AccessKey,
		DeliveryStatus: model.DeliveryStatusNotSent,
		IssuedAt:       g.clock().UTC(),
	}
	if resp.ArtifactRefs.Danfe != "" {
		doc.Artifacts = append(doc.Artifacts, model.Artifact{Kind: ArtifactDanfe, URL: resp.ArtifactRefs.Danfe})
	}
	if resp.ArtifactRefs.XML != "" {
		doc.Artifacts = append(doc.Artifacts, model.Artifact{Kind: ArtifactXML, URL: resp.ArtifactRefs.XML})
	}

	return doc, nil
}

// isAmbiguous сообщает, мог ли орган выпустить документ несмотря на ошибку.
// Однозначны только неотправленный запрос и ответ 4xx.
func isAmbiguous(err error) bool {
	if errors.Is(err, ErrNotSent) || errors.Is(err, ErrNotConfigured) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= http.StatusInternalServerError
	}
	return true
}

func checkPreconditions(order *model.Order) error {
	if lifecycle.IsTerminal(order.Status) {
		return apperr.New(apperr.TerminalState, "order is %s", order.Status)
	}
	if order.Status != model.OrderStatusApproved {
		return apperr.New(apperr.InvalidInput, "document can be generated only for approved orders, order is %s", order.Status)
	}
	if len(order.Items) == 0 {
		return apperr.New(apperr.InvalidInput, "order has no items")
	}
	if !validation.IsPresent(order.Customer.Document) {
		return apperr.New(apperr.InvalidInput, "customer tax document is required")
	}
	return nil
}

func buildRequest(order *model.Order) AuthorizationRequest {
	items := make([]AuthorizationItem, 0, len(order.Items))
	for _, it := range order.Items {
		items = append(items, AuthorizationItem{
			ProductCode:     it.ProductCode,
			ProductName:     it.ProductName,
			Unit:            it.Unit,
			Quantity:        it.Quantity.String(),
			UnitPrice:       it.UnitPrice.StringFixed(2),
			DiscountPercent: it.DiscountPercent.String(),
			TaxRate:         it.TaxRate.String(),
			Subtotal:        it.Subtotal.StringFixed(2),
			Total:           it.Total.StringFixed(2),
		})
	}

	return AuthorizationRequest{
		OrderNumber:      order.Number,
		CustomerDocument: order.Customer.Document,
		CustomerName:     order.Customer.Name,
		Items:            items,
		Subtotal:         order.Totals.Subtotal.StringFixed(2),
		TaxTotal:         order.Totals.TaxTotal.StringFixed(2),
		ShippingCost:     order.ShippingCost.StringFixed(2),
		OtherCosts:       order.OtherCosts.StringFixed(2),
		TotalAmount:      order.Totals.TotalAmount.StringFixed(2),
		PaymentMethod:    order.Payment.Method,
		PaymentTerm:      order.Payment.Term,
		IssueDate:        order.IssueDate.Format(time.DateOnly),
	}
}
