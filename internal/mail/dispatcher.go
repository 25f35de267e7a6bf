// Package mail отправляет сводку фискального документа клиенту по электронной почте.
package mail

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mmeshcher/orderflow/internal/apperr"
	"github.com/mmeshcher/orderflow/internal/model"
	"github.com/mmeshcher/orderflow/internal/validation"
)

// Sender описывает контракт почтового сервиса.
type Sender interface {
	Send(ctx context.Context, msg Message) (*SendResult, error)
}

// Dispatcher отправляет документы получателям. Повторная отправка допустима
// и может привести к дублям писем у получателя.
type Dispatcher struct {
	sender  Sender
	timeout time.Duration
	clock   func() time.Time
}

// NewDispatcher создаёт диспетчер отправки документов.
func NewDispatcher(sender Sender, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		sender:  sender,
		timeout: timeout,
		clock:   time.Now,
	}
}

// Deliver отправляет сводку документа на указанный адрес.
// Результат всегда заполнен, при неуспехе дополнительно возвращается ошибка.
func (d *Dispatcher) Deliver(ctx context.Context, doc *model.FiscalDocument, order *model.Order, recipient string) (model.DeliveryResult, error) {
	recipient = strings.TrimSpace(recipient)
	result := model.DeliveryResult{
		Recipient:   recipient,
		Status:      model.DeliveryStatusFailed,
		AttemptedAt: d.clock().UTC(),
	}

	if doc == nil {
		result.Message = "no fiscal document"
		return result, apperr.New(apperr.DocumentRequired, "fiscal document is required for delivery")
	}
	if !validation.IsValidEmail(recipient) {
		result.Message = "invalid recipient address"
		return result, apperr.New(apperr.InvalidInput, "invalid recipient address %q", recipient)
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	resp, err := d.sender.Send(ctx, buildMessage(doc, order, recipient))
	if err != nil {
		result.Message = err.Error()
		return result, apperr.Wrap(apperr.ExternalFailure, err, "mail service request failed")
	}
	if !resp.Success {
		result.Message = resp.Message
		return result, apperr.New(apperr.ExternalFailure, "mail service refused message: %s", resp.Message)
	}

	result.Status = model.DeliveryStatusSent
	result.Message = resp.Message
	return result, nil
}

func buildMessage(doc *model.FiscalDocument, order *model.Order, recipient string) Message {
	var body strings.Builder
	fmt.Fprintf(&body, "NF-e nº %s", doc.Number)
	if doc.Series != "" {
		fmt.Fprintf(&body, " série %s", doc.Series)
	}
	body.WriteString("\n")
	fmt.Fprintf(&body, "Chave de acesso: %s\n", doc.AccessKey)
	if order != nil {
		fmt.Fprintf(&body, "Pedido: %s\n", order.Number)
		if order.Customer.Name != "" {
			fmt.Fprintf(&body, "Cliente: %s\n", order.Customer.Name)
		}
		fmt.Fprintf(&body, "Valor total: %s\n", order.Totals.TotalAmount.StringFixed(2))
	}
	fmt.Fprintf(&body, "Emitida em: %s\n", doc.IssuedAt.Format("02/01/2006"))

	refs := make([]string, 0, len(doc.Artifacts))
	for _, a := range doc.Artifacts {
		refs = append(refs, a.URL)
	}

	return Message{
		To:             recipient,
		Subject:        fmt.Sprintf("NF-e nº %s", doc.Number),
		BodySummary:    body.String(),
		AttachmentRefs: refs,
	}
}
