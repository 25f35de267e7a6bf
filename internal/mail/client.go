package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Message описывает письмо, передаваемое почтовому сервису.
type Message struct {
	To             string   `json:"to"`
	Subject        string   `json:"subject"`
	BodySummary    string   `json:"bodySummary"`
	AttachmentRefs []string `json:"attachmentRefs"`
}

// SendResult описывает ответ почтового сервиса.
type SendResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// HTTPSender инкапсулирует HTTP-взаимодействие с почтовым сервисом.
type HTTPSender struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPSender создаёт HTTP-клиент почтового сервиса по указанному адресу.
func NewHTTPSender(baseURL string, timeout time.Duration) *HTTPSender {
	return &HTTPSender{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Send отправляет письмо. Ответ с success=false возвращается без ошибки.
func (c *HTTPSender) Send(ctx context.Context, msg Message) (*SendResult, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("mail client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected status: %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var result SendResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &result, nil
}
