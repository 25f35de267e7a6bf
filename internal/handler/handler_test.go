package handler

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/orderflow/internal/apperr"
	"github.com/mmeshcher/orderflow/internal/model"
	"github.com/mmeshcher/orderflow/internal/service"
)

type stubService struct {
	order    *model.Order
	orderErr error

	status    model.OrderStatus
	statusErr error

	generateRes *service.GenerateResult
	generateErr error

	delivery    model.DeliveryResult
	deliveryErr error

	doc    *model.FiscalDocument
	docErr error

	attempts []model.GenerationAttempt

	gotInput         service.OrderInput
	gotItem          service.ItemInput
	gotIndex         int
	gotExpectedTotal *decimal.Decimal
	gotOpts          service.GenerateOptions
	gotRecipient     string
}

func (s *stubService) CreateOrder(ctx context.Context, in service.OrderInput) (*model.Order, error) {
	s.gotInput = in
	return s.order, s.orderErr
}

func (s *stubService) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.order, s.orderErr
}

func (s *stubService) AddItem(ctx context.Context, id string, in service.ItemInput) (*model.Order, error) {
	s.gotItem = in
	return s.order, s.orderErr
}

func (s *stubService) UpdateItem(ctx context.Context, id string, index int, in service.ItemInput) (*model.Order, error) {
	s.gotIndex = index
	s.gotItem = in
	return s.order, s.orderErr
}

func (s *stubService) RemoveItem(ctx context.Context, id string, index int) (*model.Order, error) {
	s.gotIndex = index
	return s.order, s.orderErr
}

func (s *stubService) SetCosts(ctx context.Context, id string, shipping, other decimal.Decimal) (*model.Order, error) {
	return s.order, s.orderErr
}

func (s *stubService) SetCustomer(ctx context.Context, id string, c model.Customer) (*model.Order, error) {
	return s.order, s.orderErr
}

func (s *stubService) Recalculate(ctx context.Context, id string) (*model.Order, error) {
	return s.order, s.orderErr
}

func (s *stubService) Submit(ctx context.Context, id string) (model.OrderStatus, error) {
	return s.status, s.statusErr
}

func (s *stubService) Approve(ctx context.Context, id string, expectedTotal *decimal.Decimal) (model.OrderStatus, error) {
	s.gotExpectedTotal = expectedTotal
	return s.status, s.statusErr
}

func (s *stubService) Cancel(ctx context.Context, id string) (model.OrderStatus, error) {
	return s.status, s.statusErr
}

func (s *stubService) GenerateDocument(ctx context.Context, id string, opts service.GenerateOptions) (*service.GenerateResult, error) {
	s.gotOpts = opts
	return s.generateRes, s.generateErr
}

func (s *stubService) ResendDocument(ctx context.Context, id, recipient string) (model.DeliveryResult, error) {
	s.gotRecipient = recipient
	return s.delivery, s.deliveryErr
}

func (s *stubService) GetDocument(ctx context.Context, id string) (*model.FiscalDocument, error) {
	return s.doc, s.docErr
}

func (s *stubService) ListGenerationAttempts(ctx context.Context, id string) ([]model.GenerationAttempt, error) {
	return s.attempts, nil
}

func newTestRouter(t *testing.T, svc Service) http.Handler {
	t.Helper()
	return NewHandler(svc, zap.NewNop()).SetupRouter()
}

func sampleOrder() *model.Order {
	return &model.Order{
		ID:     "ord-1",
		Number: "PED-000001",
		Status: model.OrderStatusDraft,
		Items: []model.OrderItem{{
			ProductCode: "P-1",
			Quantity:    decimal.NewFromInt(3),
			UnitPrice:   decimal.NewFromInt(100),
			TaxRate:     decimal.NewFromInt(10),
			Subtotal:    decimal.NewFromInt(270),
			TaxAmount:   decimal.NewFromInt(27),
			Total:       decimal.NewFromInt(297),
		}},
		ShippingCost: decimal.NewFromInt(50),
		Totals: model.Totals{
			Subtotal:    decimal.NewFromInt(270),
			TaxTotal:    decimal.NewFromInt(27),
			TotalAmount: decimal.NewFromInt(347),
		},
		IssueDate: time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		Version:   1,
	}
}

func sampleDocument() *model.FiscalDocument {
	return &model.FiscalDocument{
		ID:             "doc-1",
		OrderID:        "ord-1",
		Number:         "1001",
		Series:         "1",
		AccessKey:      "35260312345678000190550010000010011000010010",
		DeliveryStatus: model.DeliveryStatusNotSent,
		IssuedAt:       time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC),
	}
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

func TestCreateOrder_Created(t *testing.T) {
	svc := &stubService{order: sampleOrder()}
	h := newTestRouter(t, svc)

	body := `{
		"customer": {"id": "c-1", "name": "Comercial Silva", "document": "12345678000190"},
		"items": [{"product_code": "P-1", "quantity": 3, "unit_price": "100", "discount_percent": 10}],
		"shipping_cost": 50,
		"issue_date": "2026-03-10",
		"delivery_date": "2026-03-20"
	}`
	rec := do(t, h, http.MethodPost, "/api/orders", body, nil)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	resp := decodeBody(t, rec)
	assert.Equal(t, "347.00", resp["total_amount"])
	assert.Equal(t, "2026-03-10", resp["issue_date"])

	require.Len(t, svc.gotInput.Items, 1)
	assert.True(t, svc.gotInput.Items[0].Quantity.Equal(decimal.NewFromInt(3)))
	assert.True(t, svc.gotInput.Items[0].UnitPrice.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), svc.gotInput.IssueDate)
	require.NotNil(t, svc.gotInput.DeliveryDate)
	assert.Equal(t, "Comercial Silva", svc.gotInput.Customer.Name)
}

func TestCreateOrder_BadRequest(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{"items": [`},
		{name: "bad issue date", body: `{"issue_date": "10/03/2026"}`},
		{name: "bad quantity", body: `{"items": [{"quantity": "three"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestRouter(t, &stubService{order: sampleOrder()})
			rec := do(t, h, http.MethodPost, "/api/orders", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantKind string
	}{
		{"invalid input", apperr.New(apperr.InvalidInput, "quantity must be positive"), http.StatusUnprocessableEntity, "InvalidInput"},
		{"stale totals", apperr.New(apperr.StaleTotals, "changed"), http.StatusConflict, "StaleTotals"},
		{"document required", apperr.New(apperr.DocumentRequired, "no document"), http.StatusConflict, "DocumentRequired"},
		{"terminal", apperr.New(apperr.TerminalState, "order is invoiced"), http.StatusConflict, "TerminalState"},
		{"conflict", apperr.New(apperr.Conflict, "version"), http.StatusConflict, "Conflict"},
		{"not found", apperr.New(apperr.NotFound, "order not found"), http.StatusNotFound, "NotFound"},
		{"external", apperr.New(apperr.ExternalFailure, "sefaz down"), http.StatusBadGateway, "ExternalFailure"},
		{"internal", errors.New("connection reset"), http.StatusInternalServerError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestRouter(t, &stubService{orderErr: tt.err})

			rec := do(t, h, http.MethodGet, "/api/orders/ord-1", "", nil)
			assert.Equal(t, tt.wantCode, rec.Code)

			resp := decodeBody(t, rec)
			if tt.wantKind == "" {
				assert.NotContains(t, resp, "error")
				assert.NotContains(t, resp["detail"], "connection reset")
				return
			}
			assert.Equal(t, tt.wantKind, resp["error"])
		})
	}
}

func TestItems(t *testing.T) {
	svc := &stubService{order: sampleOrder()}
	h := newTestRouter(t, svc)

	rec := do(t, h, http.MethodPost, "/api/orders/ord-1/items", `{"product_code":"P-2","quantity":"1.5","unit_price":"10.00"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "P-2", svc.gotItem.ProductCode)
	assert.Equal(t, "1.5", svc.gotItem.Quantity.String())

	rec = do(t, h, http.MethodPut, "/api/orders/ord-1/items/2", `{"product_code":"P-3","quantity":1}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, svc.gotIndex)

	rec = do(t, h, http.MethodDelete, "/api/orders/ord-1/items/0", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, svc.gotIndex)

	rec = do(t, h, http.MethodDelete, "/api/orders/ord-1/items/x", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransitions(t *testing.T) {
	svc := &stubService{status: model.OrderStatusApproved}
	h := newTestRouter(t, svc)

	rec := do(t, h, http.MethodPost, "/api/orders/ord-1/approve", `{"expected_total":"644.00"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "approved", decodeBody(t, rec)["status"])
	require.NotNil(t, svc.gotExpectedTotal)
	assert.Equal(t, "644", svc.gotExpectedTotal.String())

	rec = do(t, h, http.MethodPost, "/api/orders/ord-1/approve", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, svc.gotExpectedTotal)

	svc.statusErr = apperr.New(apperr.InvalidInput, "order has no items")
	rec = do(t, h, http.MethodPost, "/api/orders/ord-1/submit", "", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "order has no items", decodeBody(t, rec)["detail"])
}

func TestGenerateDocument(t *testing.T) {
	svc := &stubService{generateRes: &service.GenerateResult{
		Status:   model.OrderStatusInvoiced,
		Document: sampleDocument(),
	}}
	h := newTestRouter(t, svc)

	rec := do(t, h, http.MethodPost, "/api/orders/ord-1/document", `{"send_email":true}`,
		map[string]string{"Idempotency-Key": "key-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "key-1", svc.gotOpts.IdempotencyKey)
	assert.True(t, svc.gotOpts.SendEmail)

	resp := decodeBody(t, rec)
	assert.Equal(t, "invoiced", resp["status"])
	doc, ok := resp["document"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "1001", doc["number"])

	svc.generateRes.Replayed = true
	rec = do(t, h, http.MethodPost, "/api/orders/ord-1/document", "", map[string]string{"Idempotency-Key": "key-1"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/orders/ord-1/document", "", map[string]string{"Idempotency-Key": "bad key"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenerateDocument_Rejected(t *testing.T) {
	svc := &stubService{
		generateRes: &service.GenerateResult{Status: model.OrderStatusRejected},
		generateErr: apperr.New(apperr.ExternalFailure, "CNPJ do destinatário inválido"),
	}
	h := newTestRouter(t, svc)

	rec := do(t, h, http.MethodPost, "/api/orders/ord-1/document", "", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	resp := decodeBody(t, rec)
	assert.Equal(t, "rejected", resp["status"])
	assert.Contains(t, resp["detail"], "CNPJ do destinatário inválido")
	assert.Empty(t, svc.gotOpts.IdempotencyKey)
}

func TestGenerateDocument_Terminal(t *testing.T) {
	h := newTestRouter(t, &stubService{generateErr: apperr.New(apperr.TerminalState, "order is rejected")})

	rec := do(t, h, http.MethodPost, "/api/orders/ord-1/document", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestResendDocument(t *testing.T) {
	svc := &stubService{delivery: model.DeliveryResult{
		Recipient: "fiscal@silva.com.br",
		Status:    model.DeliveryStatusSent,
	}}
	h := newTestRouter(t, svc)

	rec := do(t, h, http.MethodPost, "/api/orders/ord-1/document/resend", `{"recipient":"fiscal@silva.com.br"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fiscal@silva.com.br", svc.gotRecipient)
	assert.Equal(t, "sent", decodeBody(t, rec)["status"])

	svc.delivery = model.DeliveryResult{Status: model.DeliveryStatusFailed, Message: "mailbox unavailable"}
	svc.deliveryErr = apperr.New(apperr.ExternalFailure, "mail service refused message: mailbox unavailable")
	rec = do(t, h, http.MethodPost, "/api/orders/ord-1/document/resend", "", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "mailbox unavailable"))
	assert.Empty(t, svc.gotRecipient)
}

func TestGetDocument(t *testing.T) {
	h := newTestRouter(t, &stubService{doc: sampleDocument()})

	rec := do(t, h, http.MethodGet, "/api/orders/ord-1/document", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "35260312345678000190550010000010011000010010", decodeBody(t, rec)["access_key"])

	h = newTestRouter(t, &stubService{docErr: apperr.New(apperr.DocumentRequired, "order has no fiscal document")})
	rec = do(t, h, http.MethodGet, "/api/orders/ord-1/document", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListGenerationAttempts(t *testing.T) {
	svc := &stubService{}
	h := newTestRouter(t, svc)

	rec := do(t, h, http.MethodGet, "/api/orders/ord-1/document/attempts", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	svc.attempts = []model.GenerationAttempt{{
		OrderID:     "ord-1",
		Outcome:     model.AttemptAmbiguous,
		Reason:      "timeout",
		AttemptedAt: time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC),
	}}
	rec = do(t, h, http.MethodGet, "/api/orders/ord-1/document/attempts", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []attemptResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	assert.Equal(t, "ambiguous", resp[0].Outcome)
}

func TestGetOrder_NextStatuses(t *testing.T) {
	tests := []struct {
		name   string
		status model.OrderStatus
		want   []any
	}{
		{name: "draft", status: model.OrderStatusDraft, want: []any{"pending", "cancelled"}},
		{name: "approved", status: model.OrderStatusApproved, want: []any{"invoiced", "rejected"}},
		{name: "expired", status: model.OrderStatusExpired, want: []any{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := sampleOrder()
			o.Status = tt.status
			h := newTestRouter(t, &stubService{order: o})

			rec := do(t, h, http.MethodGet, "/api/orders/ord-1", "", nil)
			require.Equal(t, http.StatusOK, rec.Code)

			resp := decodeBody(t, rec)
			assert.Equal(t, string(tt.status), resp["status"])
			assert.ElementsMatch(t, tt.want, resp["next_statuses"])
		})
	}
}

func TestOptionalBody_Chunked(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
	}{
		{name: "approve without body", path: "/api/orders/ord-1/approve", wantStatus: http.StatusOK},
		{name: "generate without body", path: "/api/orders/ord-1/document", wantStatus: http.StatusCreated},
		{name: "resend without body", path: "/api/orders/ord-1/document/resend", wantStatus: http.StatusOK},
		{name: "approve with body", path: "/api/orders/ord-1/approve", body: `{"expected_total":"347"}`, wantStatus: http.StatusOK},
		{name: "malformed body", path: "/api/orders/ord-1/approve", body: `{"expected_total":`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{
				status:      model.OrderStatusApproved,
				generateRes: &service.GenerateResult{Status: model.OrderStatusInvoiced, Document: sampleDocument()},
				delivery:    model.DeliveryResult{Status: model.DeliveryStatusSent},
			}
			h := newTestRouter(t, svc)

			// Обёртка скрывает длину тела, как при Transfer-Encoding: chunked.
			req := httptest.NewRequest(http.MethodPost, tt.path, struct{ io.Reader }{strings.NewReader(tt.body)})
			require.Equal(t, int64(-1), req.ContentLength)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
		})
	}
}

func TestRouter_GzipOrderRoundTrip(t *testing.T) {
	type want struct {
		statusCode      int
		contentEncoding string
		totalAmount     string
	}

	tests := []struct {
		name           string
		compressBody   bool
		acceptEncoding string
		want           want
	}{
		{
			name:           "compressed request, compressed response",
			compressBody:   true,
			acceptEncoding: "gzip",
			want:           want{statusCode: http.StatusCreated, contentEncoding: "gzip", totalAmount: "347.00"},
		},
		{
			name:         "compressed request, plain response",
			compressBody: true,
			want:         want{statusCode: http.StatusCreated, totalAmount: "347.00"},
		},
		{
			name:           "plain request, compressed response",
			acceptEncoding: "gzip",
			want:           want{statusCode: http.StatusCreated, contentEncoding: "gzip", totalAmount: "347.00"},
		},
	}

	body := `{"customer":{"name":"Comercial Silva"},"items":[{"product_code":"P-1","quantity":3,"unit_price":"100","discount_percent":10}],"shipping_cost":50}`

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{order: sampleOrder()}
			h := newTestRouter(t, svc)

			var reqBody io.Reader = strings.NewReader(body)
			if tt.compressBody {
				var buf bytes.Buffer
				gz := gzip.NewWriter(&buf)
				_, err := gz.Write([]byte(body))
				require.NoError(t, err)
				require.NoError(t, gz.Close())
				reqBody = &buf
			}

			req := httptest.NewRequest(http.MethodPost, "/api/orders", reqBody)
			req.Header.Set("Content-Type", "application/json")
			if tt.compressBody {
				req.Header.Set("Content-Encoding", "gzip")
			}
			if tt.acceptEncoding != "" {
				req.Header.Set("Accept-Encoding", tt.acceptEncoding)
			}

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			res := rec.Result()
			defer res.Body.Close()

			require.Equal(t, tt.want.statusCode, res.StatusCode)
			assert.Equal(t, tt.want.contentEncoding, res.Header.Get("Content-Encoding"))
			assert.Equal(t, "application/json", res.Header.Get("Content-Type"))

			var rd io.Reader = res.Body
			if res.Header.Get("Content-Encoding") == "gzip" {
				gr, err := gzip.NewReader(res.Body)
				require.NoError(t, err)
				defer gr.Close()
				rd = gr
			}

			var resp map[string]any
			require.NoError(t, json.NewDecoder(rd).Decode(&resp))
			assert.Equal(t, tt.want.totalAmount, resp["total_amount"])

			require.Len(t, svc.gotInput.Items, 1)
			assert.Equal(t, "P-1", svc.gotInput.Items[0].ProductCode)
			assert.Equal(t, "Comercial Silva", svc.gotInput.Customer.Name)
		})
	}
}
