// Package handler содержит HTTP-обработчики API сервиса заказов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/orderflow/internal/apperr"
	"github.com/mmeshcher/orderflow/internal/middleware"
	"github.com/mmeshcher/orderflow/internal/model"
	"github.com/mmeshcher/orderflow/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateOrder(ctx context.Context, in service.OrderInput) (*model.Order, error)
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	AddItem(ctx context.Context, id string, in service.ItemInput) (*model.Order, error)
	UpdateItem(ctx context.Context, id string, index int, in service.ItemInput) (*model.Order, error)
	RemoveItem(ctx context.Context, id string, index int) (*model.Order, error)
	SetCosts(ctx context.Context, id string, shipping, other decimal.Decimal) (*model.Order, error)
	SetCustomer(ctx context.Context, id string, c model.Customer) (*model.Order, error)
	Recalculate(ctx context.Context, id string) (*model.Order, error)
	Submit(ctx context.Context, id string) (model.OrderStatus, error)
	Approve(ctx context.Context, id string, expectedTotal *decimal.Decimal) (model.OrderStatus, error)
	Cancel(ctx context.Context, id string) (model.OrderStatus, error)
	GenerateDocument(ctx context.Context, id string, opts service.GenerateOptions) (*service.GenerateResult, error)
	ResendDocument(ctx context.Context, id, recipient string) (model.DeliveryResult, error)
	GetDocument(ctx context.Context, id string) (*model.FiscalDocument, error)
	ListGenerationAttempts(ctx context.Context, id string) ([]model.GenerationAttempt, error)
}

// Handler реализует HTTP-обработчики API сервиса заказов.
type Handler struct {
	service Service
	logger  *zap.Logger
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger) *Handler {
	return &Handler{
		service: s,
		logger:  logger,
	}
}

const dateLayout = "2006-01-02"

type itemRequest struct {
	ProductCode     string          `json:"product_code"`
	ProductName     string          `json:"product_name"`
	Unit            string          `json:"unit"`
	Quantity        decimal.Decimal `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
}

func (r itemRequest) input() service.ItemInput {
	return service.ItemInput{
		ProductCode:     r.ProductCode,
		ProductName:     r.ProductName,
		Unit:            r.Unit,
		Quantity:        r.Quantity,
		UnitPrice:       r.UnitPrice,
		DiscountPercent: r.DiscountPercent,
	}
}

type createOrderRequest struct {
	Customer     model.Customer  `json:"customer"`
	SellerID     string          `json:"seller_id"`
	Items        []itemRequest   `json:"items"`
	ShippingCost decimal.Decimal `json:"shipping_cost"`
	OtherCosts   decimal.Decimal `json:"other_costs"`
	Payment      model.Payment   `json:"payment"`
	IssueDate    string          `json:"issue_date"`
	DeliveryDate string          `json:"delivery_date"`
	ValidUntil   *time.Time      `json:"valid_until"`
}

type costsRequest struct {
	ShippingCost decimal.Decimal `json:"shipping_cost"`
	OtherCosts   decimal.Decimal `json:"other_costs"`
}

type approveRequest struct {
	ExpectedTotal *decimal.Decimal `json:"expected_total"`
}

type generateRequest struct {
	SendEmail bool `json:"send_email"`
}

type resendRequest struct {
	Recipient string `json:"recipient"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// CreateOrder создаёт заказ в статусе draft.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	in := service.OrderInput{
		Customer:     req.Customer,
		SellerID:     req.SellerID,
		ShippingCost: req.ShippingCost,
		OtherCosts:   req.OtherCosts,
		Payment:      req.Payment,
		ValidUntil:   req.ValidUntil,
	}
	for _, it := range req.Items {
		in.Items = append(in.Items, it.input())
	}

	var err error
	if req.IssueDate != "" {
		if in.IssueDate, err = time.Parse(dateLayout, req.IssueDate); err != nil {
			writeError(w, http.StatusBadRequest, apperr.InvalidInput, "issue_date must be YYYY-MM-DD")
			return
		}
	}
	if req.DeliveryDate != "" {
		d, err := time.Parse(dateLayout, req.DeliveryDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, apperr.InvalidInput, "delivery_date must be YYYY-MM-DD")
			return
		}
		in.DeliveryDate = &d
	}

	o, err := h.service.CreateOrder(r.Context(), in)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, newOrderResponse(o))
}

// GetOrder возвращает заказ.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.service.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(o))
}

// SetCustomer заменяет клиента заказа.
func (h *Handler) SetCustomer(w http.ResponseWriter, r *http.Request) {
	var req model.Customer
	if !decodeJSON(w, r, &req) {
		return
	}
	h.respondOrder(w, r)(h.service.SetCustomer(r.Context(), chi.URLParam(r, "id"), req))
}

// AddItem добавляет позицию в заказ.
func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	var req itemRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.respondOrder(w, r)(h.service.AddItem(r.Context(), chi.URLParam(r, "id"), req.input()))
}

// UpdateItem заменяет позицию заказа.
func (h *Handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	index, ok := itemIndex(w, r)
	if !ok {
		return
	}
	var req itemRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.respondOrder(w, r)(h.service.UpdateItem(r.Context(), chi.URLParam(r, "id"), index, req.input()))
}

// RemoveItem удаляет позицию заказа.
func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	index, ok := itemIndex(w, r)
	if !ok {
		return
	}
	h.respondOrder(w, r)(h.service.RemoveItem(r.Context(), chi.URLParam(r, "id"), index))
}

// SetCosts задаёт доставку и прочие расходы.
func (h *Handler) SetCosts(w http.ResponseWriter, r *http.Request) {
	var req costsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.respondOrder(w, r)(h.service.SetCosts(r.Context(), chi.URLParam(r, "id"), req.ShippingCost, req.OtherCosts))
}

// Recalculate пересчитывает итоги заказа.
func (h *Handler) Recalculate(w http.ResponseWriter, r *http.Request) {
	h.respondOrder(w, r)(h.service.Recalculate(r.Context(), chi.URLParam(r, "id")))
}

// Submit отправляет заказ на согласование.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	h.respondStatus(w, r)(h.service.Submit(r.Context(), chi.URLParam(r, "id")))
}

// Approve согласует заказ. Тело запроса необязательно.
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	h.respondStatus(w, r)(h.service.Approve(r.Context(), chi.URLParam(r, "id"), req.ExpectedTotal))
}

// Cancel отменяет заказ.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.respondStatus(w, r)(h.service.Cancel(r.Context(), chi.URLParam(r, "id")))
}

func (h *Handler) respondOrder(w http.ResponseWriter, r *http.Request) func(*model.Order, error) {
	return func(o *model.Order, err error) {
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newOrderResponse(o))
	}
}

func (h *Handler) respondStatus(w http.ResponseWriter, r *http.Request) func(model.OrderStatus, error) {
	return func(status model.OrderStatus, err error) {
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, statusResponse{Status: string(status)})
	}
}

// GenerateDocument выпускает фискальный документ. Ключ идемпотентности берётся
// из заголовка Idempotency-Key.
func (h *Handler) GenerateDocument(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}

	key, _ := middleware.GetIdempotencyKeyFromContext(r.Context())
	res, err := h.service.GenerateDocument(r.Context(), chi.URLParam(r, "id"), service.GenerateOptions{
		IdempotencyKey: key,
		SendEmail:      req.SendEmail,
	})
	if err != nil {
		if res != nil && apperr.KindOf(err) == apperr.ExternalFailure {
			writeJSON(w, http.StatusBadGateway, errorResponse{
				Error:  string(apperr.ExternalFailure),
				Detail: err.Error(),
				Status: string(res.Status),
			})
			return
		}
		h.handleError(w, r, err)
		return
	}

	resp := generateResponse{
		Status:   string(res.Status),
		Document: newDocumentResponse(res.Document),
		Delivery: res.Delivery,
	}
	if res.Replayed {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// GetDocument возвращает фискальный документ заказа.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.service.GetDocument(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newDocumentResponse(doc))
}

// ResendDocument повторно отправляет документ на почту.
func (h *Handler) ResendDocument(w http.ResponseWriter, r *http.Request) {
	var req resendRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}

	res, err := h.service.ResendDocument(r.Context(), chi.URLParam(r, "id"), req.Recipient)
	if err != nil {
		if res.Status == model.DeliveryStatusFailed {
			writeJSON(w, statusFor(apperr.KindOf(err)), errorResponse{
				Error:    string(apperr.KindOf(err)),
				Detail:   err.Error(),
				Delivery: &res,
			})
			return
		}
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListGenerationAttempts возвращает журнал попыток выпуска документа.
func (h *Handler) ListGenerationAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := h.service.ListGenerationAttempts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if len(attempts) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		resp = append(resp, attemptResponse{
			IdempotencyKey: a.IdempotencyKey,
			Outcome:        string(a.Outcome),
			Reason:         a.Reason,
			AttemptedAt:    a.AttemptedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	if kind == "" {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "", http.StatusText(http.StatusInternalServerError))
		return
	}

	if kind == apperr.ExternalFailure {
		h.logger.Warn("external failure", zap.String("path", r.URL.Path), zap.Error(err))
	}

	var ae *apperr.Error
	detail := err.Error()
	if errors.As(err, &ae) && ae.Detail != "" && ae.Kind != apperr.ExternalFailure {
		detail = ae.Detail
	}
	writeError(w, statusFor(kind), kind, detail)
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.InvalidInput:
		return http.StatusUnprocessableEntity
	case apperr.StaleTotals, apperr.DocumentRequired, apperr.TerminalState, apperr.Conflict:
		return http.StatusConflict
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.ExternalFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func itemIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		writeError(w, http.StatusBadRequest, apperr.InvalidInput, "item index must be a non-negative integer")
		return 0, false
	}
	return index, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, apperr.InvalidInput, "malformed JSON body")
		return false
	}
	return true
}

// decodeOptionalJSON допускает пустое тело, в том числе при chunked-передаче.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, apperr.InvalidInput, "malformed JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind apperr.Kind, detail string) {
	writeJSON(w, status, errorResponse{Error: string(kind), Detail: detail})
}
