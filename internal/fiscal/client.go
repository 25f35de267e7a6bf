package fiscal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// AuthorizationItem описывает позицию в запросе на выпуск документа.
type AuthorizationItem struct {
	ProductCode     string `json:"productCode"`
	ProductName     string `json:"productName"`
	Unit            string `json:"unit"`
	Quantity        string `json:"quantity"`
	UnitPrice       string `json:"unitPrice"`
	DiscountPercent string `json:"discountPercent"`
	TaxRate         string `json:"taxRate"`
	Subtotal        string `json:"subtotal"`
	Total           string `json:"total"`
}

// AuthorizationRequest: снимок заказа, передаваемый фискальному органу.
type AuthorizationRequest struct {
	OrderNumber      string              `json:"orderNumber"`
	CustomerDocument string              `json:"customerDocument"`
	CustomerName     string              `json:"customerName"`
	Items            []AuthorizationItem `json:"items"`
	Subtotal         string              `json:"subtotal"`
	TaxTotal         string              `json:"taxTotal"`
	ShippingCost     string              `json:"shippingCost"`
	OtherCosts       string              `json:"otherCosts"`
	TotalAmount      string              `json:"totalAmount"`
	PaymentMethod    string              `json:"paymentMethod"`
	PaymentTerm      string              `json:"paymentTerm"`
	IssueDate        string              `json:"issueDate"`
}

// ArtifactRefs содержит ссылки на печатную форму и XML документа.
type ArtifactRefs struct {
	Danfe string `json:"danfe,omitempty"`
	XML   string `json:"xml,omitempty"`
}

// AuthorizationResponse описывает ответ фискального органа.
type AuthorizationResponse struct {
	Success        bool         `json:"success"`
	DocumentNumber string       `json:"documentNumber,omitempty"`
	Series         string       `json:"series,omitempty"`
	AccessKey      string       `json:"accessKey,omitempty"`
	ArtifactRefs   ArtifactRefs `json:"artifactRefs"`
	FailureReason  string       `json:"failureReason,omitempty"`
	// Rejected выставляется, когда отказ является окончательным решением органа.
	Rejected bool `json:"rejected,omitempty"`
}

// ErrNotSent означает, что запрос не покинул процесс и документ не мог быть выпущен.
var ErrNotSent = errors.New("authorization request not sent")

// StatusError описывает ответ фискального органа с неожиданным HTTP-статусом.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status: %d: %s", e.Code, e.Body)
}

// HTTPAuthority инкапсулирует HTTP-взаимодействие с фискальным органом.
type HTTPAuthority struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPAuthority создаёт HTTP-клиент фискального органа по указанному адресу.
func NewHTTPAuthority(baseURL string, timeout time.Duration) *HTTPAuthority {
	return &HTTPAuthority{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Authorize отправляет запрос на выпуск документа.
// Ответы 200 и 422 содержат тело AuthorizationResponse, остальные статусы возвращаются как *StatusError.
func (c *HTTPAuthority) Authorize(ctx context.Context, req AuthorizationRequest) (*AuthorizationResponse, error) {
	if c == nil || c.baseURL == "" {
		return nil, ErrNotConfigured
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %w", ErrNotSent, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/v1/nfe", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %w", ErrNotSent, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusUnprocessableEntity {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var result AuthorizationResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &result, nil
}
