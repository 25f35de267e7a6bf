// Package service реализует сценарии работы с заказами: редактирование, согласование,
// выпуск фискального документа и его отправку клиенту.
package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/orderflow/internal/apperr"
	"github.com/mmeshcher/orderflow/internal/calc"
	"github.com/mmeshcher/orderflow/internal/fiscal"
	"github.com/mmeshcher/orderflow/internal/idempotency"
	"github.com/mmeshcher/orderflow/internal/lifecycle"
	"github.com/mmeshcher/orderflow/internal/mail"
	"github.com/mmeshcher/orderflow/internal/model"
	"github.com/mmeshcher/orderflow/internal/repository"
	"github.com/mmeshcher/orderflow/internal/validation"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	SaveOrder(ctx context.Context, o *model.Order, expectedVersion int64) error
	InvoiceOrder(ctx context.Context, o *model.Order, doc *model.FiscalDocument, expectedVersion int64) error
	GetFiscalDocumentByOrder(ctx context.Context, orderID string) (*model.FiscalDocument, error)
	UpdateDeliveryStatus(ctx context.Context, docID string, res model.DeliveryResult) error
	RecordGenerationAttempt(ctx context.Context, a model.GenerationAttempt) error
	ListGenerationAttempts(ctx context.Context, orderID string) ([]model.GenerationAttempt, error)
}

// ItemInput описывает позицию заказа, переданную пользователем.
type ItemInput struct {
	ProductCode     string
	ProductName     string
	Unit            string
	Quantity        decimal.Decimal
	UnitPrice       decimal.Decimal
	DiscountPercent decimal.Decimal
}

// OrderInput описывает данные для создания заказа.
type OrderInput struct {
	Customer     model.Customer
	SellerID     string
	Items        []ItemInput
	ShippingCost decimal.Decimal
	OtherCosts   decimal.Decimal
	Payment      model.Payment
	IssueDate    time.Time
	DeliveryDate *time.Time
	ValidUntil   *time.Time
}

// GenerateOptions задаёт параметры выпуска документа.
type GenerateOptions struct {
	// IdempotencyKey защищает от повторного обращения к фискальному органу при повторе запроса.
	IdempotencyKey string
	// SendEmail включает отправку документа клиенту сразу после выпуска.
	SendEmail bool
}

// GenerateResult описывает итог выпуска документа.
type GenerateResult struct {
	Status   model.OrderStatus
	Document *model.FiscalDocument
	Delivery *model.DeliveryResult
	// Replayed означает, что документ уже был выпущен ранее по тому же ключу идемпотентности.
	Replayed bool
}

// Service содержит бизнес-логику работы с заказами.
type Service struct {
	repo       Repository
	generator  *fiscal.Generator
	dispatcher *mail.Dispatcher
	keys       idempotency.Store
	keyTTL     time.Duration
	taxRate    decimal.Decimal
	logger     *zap.Logger
	clock      func() time.Time
	newID      func() string
}

// NewService создаёт сервис. taxRate задаёт ставку налога в процентах для новых позиций.
func NewService(
	repo Repository,
	generator *fiscal.Generator,
	dispatcher *mail.Dispatcher,
	keys idempotency.Store,
	taxRate decimal.Decimal,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if keys == nil {
		keys = idempotency.NewMemoryStore()
	}
	return &Service{
		repo:       repo,
		generator:  generator,
		dispatcher: dispatcher,
		keys:       keys,
		keyTTL:     idempotency.DefaultTTL,
		taxRate:    taxRate,
		logger:     logger,
		clock:      time.Now,
		newID:      uuid.NewString,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// CreateOrder создаёт заказ в статусе draft и рассчитывает его итоги.
func (s *Service) CreateOrder(ctx context.Context, in OrderInput) (*model.Order, error) {
	if in.Customer.Email != "" && !validation.IsValidEmail(in.Customer.Email) {
		return nil, apperr.New(apperr.InvalidInput, "invalid customer email %q", in.Customer.Email)
	}

	issueDate := in.IssueDate
	if issueDate.IsZero() {
		issueDate = s.clock().UTC()
	}
	issueDate = issueDate.UTC().Truncate(24 * time.Hour)

	o := &model.Order{
		ID:           s.newID(),
		Customer:     in.Customer,
		SellerID:     in.SellerID,
		ShippingCost: in.ShippingCost,
		OtherCosts:   in.OtherCosts,
		Payment:      in.Payment,
		Status:       model.OrderStatusDraft,
		IssueDate:    issueDate,
		DeliveryDate: in.DeliveryDate,
		ValidUntil:   in.ValidUntil,
	}
	for _, it := range in.Items {
		item, err := s.newItem(it)
		if err != nil {
			return nil, err
		}
		o.Items = append(o.Items, item)
	}

	if err := calc.Apply(o); err != nil {
		return nil, err
	}

	if err := s.repo.CreateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	s.logger.Info("order created",
		zap.String("order_id", o.ID),
		zap.String("number", o.Number),
		zap.Int("items", len(o.Items)),
	)
	return o, nil
}

// GetOrder возвращает заказ со статусом, вычисленным с учётом срока действия.
func (s *Service) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	o.Status = lifecycle.EffectiveOrderStatus(o, s.clock())
	return o, nil
}

// AddItem добавляет позицию в редактируемый заказ.
func (s *Service) AddItem(ctx context.Context, id string, in ItemInput) (*model.Order, error) {
	return s.edit(ctx, id, func(o *model.Order) error {
		item, err := s.newItem(in)
		if err != nil {
			return err
		}
		o.Items = append(o.Items, item)
		return nil
	})
}

// UpdateItem заменяет позицию с индексом index.
func (s *Service) UpdateItem(ctx context.Context, id string, index int, in ItemInput) (*model.Order, error) {
	return s.edit(ctx, id, func(o *model.Order) error {
		if index < 0 || index >= len(o.Items) {
			return apperr.New(apperr.InvalidInput, "item %d does not exist", index)
		}
		item, err := s.newItem(in)
		if err != nil {
			return err
		}
		o.Items[index] = item
		return nil
	})
}

// RemoveItem удаляет позицию с индексом index.
func (s *Service) RemoveItem(ctx context.Context, id string, index int) (*model.Order, error) {
	return s.edit(ctx, id, func(o *model.Order) error {
		if index < 0 || index >= len(o.Items) {
			return apperr.New(apperr.InvalidInput, "item %d does not exist", index)
		}
		o.Items = slices.Delete(o.Items, index, index+1)
		return nil
	})
}

// SetCosts задаёт стоимость доставки и прочие расходы заказа.
func (s *Service) SetCosts(ctx context.Context, id string, shipping, other decimal.Decimal) (*model.Order, error) {
	return s.edit(ctx, id, func(o *model.Order) error {
		o.ShippingCost = shipping
		o.OtherCosts = other
		return nil
	})
}

// SetCustomer заменяет снимок данных клиента в редактируемом заказе.
func (s *Service) SetCustomer(ctx context.Context, id string, c model.Customer) (*model.Order, error) {
	return s.edit(ctx, id, func(o *model.Order) error {
		if c.Email != "" && !validation.IsValidEmail(c.Email) {
			return apperr.New(apperr.InvalidInput, "invalid customer email %q", c.Email)
		}
		o.Customer = c
		return nil
	})
}

// Recalculate пересчитывает итоги редактируемого заказа по текущим позициям.
func (s *Service) Recalculate(ctx context.Context, id string) (*model.Order, error) {
	return s.edit(ctx, id, func(*model.Order) error { return nil })
}

// Submit переводит заказ из draft в pending.
func (s *Service) Submit(ctx context.Context, id string) (model.OrderStatus, error) {
	return s.transition(ctx, id, model.OrderStatusPending, func(o *model.Order) error {
		if len(o.Items) == 0 {
			return apperr.New(apperr.InvalidInput, "order has no items")
		}
		if !validation.IsPresent(o.Customer.ID) && !validation.IsPresent(o.Customer.Name) {
			return apperr.New(apperr.InvalidInput, "customer is not selected")
		}
		return nil
	})
}

// Approve согласует заказ. Перед переходом итоги пересчитываются, и если они не совпадают
// с сохранёнными или с expectedTotal, переход отклоняется с StaleTotals.
func (s *Service) Approve(ctx context.Context, id string, expectedTotal *decimal.Decimal) (model.OrderStatus, error) {
	return s.transition(ctx, id, model.OrderStatusApproved, func(o *model.Order) error {
		fresh := *o
		fresh.Items = slices.Clone(o.Items)
		if err := calc.Apply(&fresh); err != nil {
			return err
		}

		if fresh.TotalsDigest != o.TotalsDigest || !sameTotals(fresh.Totals, o.Totals) {
			return apperr.New(apperr.StaleTotals, "order items changed after totals were computed")
		}
		if expectedTotal != nil && !expectedTotal.Equal(fresh.Totals.TotalAmount) {
			return apperr.New(apperr.StaleTotals, "expected total %s, actual %s",
				expectedTotal.StringFixed(2), fresh.Totals.TotalAmount.StringFixed(2))
		}
		return nil
	})
}

// Cancel отменяет заказ в статусе draft или pending.
func (s *Service) Cancel(ctx context.Context, id string) (model.OrderStatus, error) {
	return s.transition(ctx, id, model.OrderStatusCancelled, nil)
}

// GenerateDocument выпускает фискальный документ для согласованного заказа.
//
// При успехе документ и статус invoiced сохраняются атомарно. При отказе фискального
// органа заказ переводится в rejected, а вызывающему возвращается ExternalFailure вместе
// с новым статусом. Если исход неизвестен (таймаут), ключ идемпотентности остаётся
// занятым и повтор с ним отклоняется с Conflict до ручной сверки.
func (s *Service) GenerateDocument(ctx context.Context, id string, opts GenerateOptions) (*GenerateResult, error) {
	key := opts.IdempotencyKey
	if key != "" {
		res, replayed, err := s.reserveKey(ctx, id, key)
		if err != nil || replayed {
			return res, err
		}
	}

	res, keepKey, err := s.generate(ctx, id, key)
	if key != "" && err != nil && !keepKey {
		if relErr := s.keys.Release(context.WithoutCancel(ctx), key, id); relErr != nil {
			s.logger.Warn("release idempotency key", zap.String("order_id", id), zap.Error(relErr))
		}
	}
	if err != nil {
		return res, err
	}

	if opts.SendEmail {
		delivery, derr := s.deliver(ctx, res.Document, nil, "")
		res.Delivery = &delivery
		if derr != nil {
			s.logger.Warn("document delivery after generation failed",
				zap.String("order_id", id),
				zap.String("document", res.Document.Number),
				zap.Error(derr),
			)
		}
	}

	return res, nil
}

// ResendDocument повторно отправляет выпущенный документ. Пустой recipient означает
// адрес клиента из заказа. Меняется только статус доставки документа.
func (s *Service) ResendDocument(ctx context.Context, id, recipient string) (model.DeliveryResult, error) {
	o, err := s.load(ctx, id)
	if err != nil {
		return model.DeliveryResult{}, err
	}

	doc, err := s.document(ctx, id)
	if err != nil {
		return model.DeliveryResult{}, err
	}

	return s.deliver(ctx, doc, o, recipient)
}

// GetDocument возвращает фискальный документ заказа.
func (s *Service) GetDocument(ctx context.Context, id string) (*model.FiscalDocument, error) {
	if _, err := s.load(ctx, id); err != nil {
		return nil, err
	}
	return s.document(ctx, id)
}

// ListGenerationAttempts возвращает журнал обращений к фискальному органу по заказу.
func (s *Service) ListGenerationAttempts(ctx context.Context, id string) ([]model.GenerationAttempt, error) {
	if _, err := s.load(ctx, id); err != nil {
		return nil, err
	}
	attempts, err := s.repo.ListGenerationAttempts(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list generation attempts: %w", err)
	}
	return attempts, nil
}

func (s *Service) reserveKey(ctx context.Context, id, key string) (*GenerateResult, bool, error) {
	r, err := s.keys.Reserve(ctx, key, id, s.keyTTL)
	if err != nil {
		if errors.Is(err, idempotency.ErrScopeMismatch) {
			return nil, false, apperr.New(apperr.Conflict, "idempotency key %q is used by another order", key)
		}
		return nil, false, fmt.Errorf("reserve idempotency key: %w", err)
	}

	switch r.State {
	case idempotency.StateNew:
		return nil, false, nil
	case idempotency.StateCompleted:
		doc, err := s.document(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if doc.ID != r.Result {
			return nil, false, apperr.New(apperr.Conflict, "idempotency key %q points to another document", key)
		}
		o, err := s.load(ctx, id)
		if err != nil {
			return nil, false, err
		}
		return &GenerateResult{Status: o.Status, Document: doc, Replayed: true}, true, nil
	default:
		return nil, false, apperr.New(apperr.Conflict,
			"generation with key %q is in progress or its outcome is unknown", key)
	}
}

// generate возвращает keepKey=true, когда ключ идемпотентности нельзя освобождать:
// фискальный орган мог выпустить документ.
func (s *Service) generate(ctx context.Context, id, key string) (*GenerateResult, bool, error) {
	o, err := s.load(ctx, id)
	if err != nil {
		return nil, false, err
	}

	o.Status = lifecycle.EffectiveOrderStatus(o, s.clock())
	if lifecycle.IsTerminal(o.Status) {
		return nil, false, apperr.New(apperr.TerminalState, "order is %s", o.Status)
	}
	version := o.Version

	doc, genErr := s.generator.Generate(ctx, o)
	if genErr != nil {
		return s.handleGenerationFailure(ctx, o, key, version, genErr)
	}

	// Документ уже выпущен органом, поэтому сохранение не должно прерываться отменой запроса.
	persistCtx := context.WithoutCancel(ctx)

	if err := lifecycle.CheckOrder(lifecycle.Transition{
		From:        o.Status,
		To:          model.OrderStatusInvoiced,
		Cause:       lifecycle.CauseFiscalAuthority,
		HasDocument: true,
	}); err != nil {
		return nil, true, err
	}
	o.Status = model.OrderStatusInvoiced

	if err := s.repo.InvoiceOrder(persistCtx, o, doc, version); err != nil {
		s.logger.Error("fiscal document issued but not saved",
			zap.String("order_id", id),
			zap.String("document", doc.Number),
			zap.String("access_key", doc.AccessKey),
			zap.Error(err),
		)
		s.recordAttempt(persistCtx, id, key, model.AttemptAuthorized, "not saved: "+err.Error())
		return nil, true, mapRepoErr(err)
	}
	s.recordAttempt(persistCtx, id, key, model.AttemptAuthorized, "")

	if key != "" {
		if err := s.keys.Complete(persistCtx, key, id, doc.ID, s.keyTTL); err != nil {
			s.logger.Warn("complete idempotency key", zap.String("order_id", id), zap.Error(err))
		}
	}

	s.logger.Info("fiscal document issued",
		zap.String("order_id", id),
		zap.String("document", doc.Number),
		zap.String("series", doc.Series),
	)

	return &GenerateResult{Status: o.Status, Document: doc}, true, nil
}

func (s *Service) handleGenerationFailure(ctx context.Context, o *model.Order, key string, version int64, genErr error) (*GenerateResult, bool, error) {
	if apperr.KindOf(genErr) != apperr.ExternalFailure {
		return nil, false, genErr
	}

	persistCtx := context.WithoutCancel(ctx)
	res := &GenerateResult{Status: o.Status}

	switch {
	case errors.Is(genErr, fiscal.ErrAmbiguous):
		s.recordAttempt(persistCtx, o.ID, key, model.AttemptAmbiguous, genErr.Error())
		s.logger.Warn("fiscal authority outcome unknown", zap.String("order_id", o.ID), zap.Error(genErr))
		return res, true, genErr

	case errors.Is(genErr, fiscal.ErrRejected):
		s.recordAttempt(persistCtx, o.ID, key, model.AttemptRejected, genErr.Error())

		if err := lifecycle.CheckOrder(lifecycle.Transition{
			From:  o.Status,
			To:    model.OrderStatusRejected,
			Cause: lifecycle.CauseFiscalAuthority,
		}); err != nil {
			return res, false, err
		}
		o.Status = model.OrderStatusRejected
		if err := s.repo.SaveOrder(persistCtx, o, version); err != nil {
			s.logger.Error("save rejected order", zap.String("order_id", o.ID), zap.Error(err))
			return res, false, errors.Join(genErr, mapRepoErr(err))
		}

		s.logger.Info("order rejected by fiscal authority", zap.String("order_id", o.ID), zap.Error(genErr))
		res.Status = o.Status
		return res, false, genErr

	default:
		s.recordAttempt(persistCtx, o.ID, key, model.AttemptFailed, genErr.Error())
		s.logger.Warn("fiscal document generation failed", zap.String("order_id", o.ID), zap.Error(genErr))
		return res, false, genErr
	}
}

func (s *Service) recordAttempt(ctx context.Context, orderID, key string, outcome model.AttemptOutcome, reason string) {
	err := s.repo.RecordGenerationAttempt(ctx, model.GenerationAttempt{
		ID:             s.newID(),
		OrderID:        orderID,
		IdempotencyKey: key,
		Outcome:        outcome,
		Reason:         reason,
		AttemptedAt:    s.clock().UTC(),
	})
	if err != nil {
		s.logger.Error("record generation attempt",
			zap.String("order_id", orderID),
			zap.String("outcome", string(outcome)),
			zap.Error(err),
		)
	}
}

func (s *Service) deliver(ctx context.Context, doc *model.FiscalDocument, o *model.Order, recipient string) (model.DeliveryResult, error) {
	if o == nil {
		var err error
		if o, err = s.load(ctx, doc.OrderID); err != nil {
			return model.DeliveryResult{}, err
		}
	}
	if recipient == "" {
		recipient = o.Customer.Email
	}

	res, err := s.dispatcher.Deliver(ctx, doc, o, recipient)
	if apperr.KindOf(err) == apperr.DocumentRequired {
		return res, err
	}

	if uerr := s.repo.UpdateDeliveryStatus(context.WithoutCancel(ctx), doc.ID, res); uerr != nil {
		return res, errors.Join(err, fmt.Errorf("update delivery status: %w", uerr))
	}
	doc.DeliveryStatus = res.Status
	if res.Status == model.DeliveryStatusSent {
		at := res.AttemptedAt
		doc.DeliveredAt = &at
		doc.LastDeliveryError = ""
	} else {
		doc.LastDeliveryError = res.Message
	}

	s.logger.Info("document delivery",
		zap.String("order_id", o.ID),
		zap.String("document", doc.Number),
		zap.String("status", string(res.Status)),
	)
	return res, err
}

func (s *Service) edit(ctx context.Context, id string, fn func(o *model.Order) error) (*model.Order, error) {
	o, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	status := lifecycle.EffectiveOrderStatus(o, s.clock())
	if lifecycle.IsTerminal(status) {
		return nil, apperr.New(apperr.TerminalState, "order is %s", status)
	}
	if !lifecycle.IsEditable(status) {
		return nil, apperr.New(apperr.InvalidInput, "order in status %s cannot be edited", status)
	}

	version := o.Version
	if err := fn(o); err != nil {
		return nil, err
	}
	if err := calc.Apply(o); err != nil {
		return nil, err
	}

	if err := s.repo.SaveOrder(ctx, o, version); err != nil {
		return nil, mapRepoErr(err)
	}
	return o, nil
}

func (s *Service) transition(ctx context.Context, id string, to model.OrderStatus, check func(o *model.Order) error) (model.OrderStatus, error) {
	o, err := s.load(ctx, id)
	if err != nil {
		return "", err
	}

	from := lifecycle.EffectiveOrderStatus(o, s.clock())
	if err := lifecycle.CheckOrder(lifecycle.Transition{From: from, To: to, Cause: lifecycle.CauseUser}); err != nil {
		return from, err
	}
	if check != nil {
		if err := check(o); err != nil {
			return from, err
		}
	}

	version := o.Version
	o.Status = to
	if err := s.repo.SaveOrder(ctx, o, version); err != nil {
		return from, mapRepoErr(err)
	}

	s.logger.Info("order status changed",
		zap.String("order_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return to, nil
}

func (s *Service) load(ctx context.Context, id string) (*model.Order, error) {
	o, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	return o, nil
}

func (s *Service) document(ctx context.Context, orderID string) (*model.FiscalDocument, error) {
	doc, err := s.repo.GetFiscalDocumentByOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrDocumentNotFound) {
			return nil, apperr.New(apperr.DocumentRequired, "order has no fiscal document")
		}
		return nil, fmt.Errorf("get fiscal document: %w", err)
	}
	return doc, nil
}

func (s *Service) newItem(in ItemInput) (model.OrderItem, error) {
	if !validation.IsPresent(in.ProductCode) {
		return model.OrderItem{}, apperr.New(apperr.InvalidInput, "product code is required")
	}

	item := model.OrderItem{
		ProductCode:     in.ProductCode,
		ProductName:     in.ProductName,
		Unit:            in.Unit,
		Quantity:        in.Quantity,
		UnitPrice:       in.UnitPrice,
		DiscountPercent: in.DiscountPercent,
		TaxRate:         s.taxRate,
	}
	if _, err := calc.LineTotals(item.UnitPrice, item.Quantity, item.DiscountPercent, item.TaxRate); err != nil {
		return model.OrderItem{}, err
	}
	return item, nil
}

func mapRepoErr(err error) error {
	switch {
	case errors.Is(err, repository.ErrOrderNotFound):
		return apperr.Wrap(apperr.NotFound, err, "order not found")
	case errors.Is(err, repository.ErrVersionConflict):
		return apperr.Wrap(apperr.Conflict, err, "order was modified by another request, reload and retry")
	case errors.Is(err, repository.ErrDocumentExists):
		return apperr.Wrap(apperr.Conflict, err, "order already has a fiscal document")
	case errors.Is(err, repository.ErrAccessKeyExists):
		return apperr.Wrap(apperr.Conflict, err, "access key is already registered to another document")
	}
	return err
}

func sameTotals(a, b model.Totals) bool {
	return a.Subtotal.Equal(b.Subtotal) && a.TaxTotal.Equal(b.TaxTotal) && a.TotalAmount.Equal(b.TotalAmount)
}
