package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"carechat-go/internal/chattypes"
	"carechat-go/internal/config"
)

// Backend is the slice of the REST API the messaging core depends on.
// The concrete implementation talks HTTP; tests substitute an in-memory fake.
type Backend interface {
	// SendMessage submits a send request and returns the confirmed message,
	// with the clientRef echoed back for provisional reconciliation.
	SendMessage(ctx context.Context, req *chattypes.SendRequest) (*chattypes.Message, error)
	GetConversation(ctx context.Context, partnerID string, limit, offset int) ([]*chattypes.Message, error)
	MarkConversationRead(ctx context.Context, partnerID string) error
	CreditBalance(ctx context.Context) (int, error)
	SendTyping(ctx context.Context, partnerID string, isTyping bool) error
}

// httpBackend implements Backend against the portal API server.
type httpBackend struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPBackend 创建一个连接 API 服务器的 Backend 实例。
func NewHTTPBackend(cfg config.ClientConfig, token string) Backend {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &httpBackend{
		baseURL: cfg.BackendBaseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (b *httpBackend) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("序列化请求体失败: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("构造请求失败: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+b.token)

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("请求 %s %s 失败: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusPaymentRequired {
		return ErrCreditExhausted
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s 返回 %d: %s", method, path, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("%s %s 返回 %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("解析响应失败: %w", err)
		}
	}
	return nil
}

func (b *httpBackend) SendMessage(ctx context.Context, req *chattypes.SendRequest) (*chattypes.Message, error) {
	var confirmed chattypes.Message
	if err := b.do(ctx, http.MethodPost, "/api/messages", req, &confirmed); err != nil {
		return nil, err
	}
	return &confirmed, nil
}

func (b *httpBackend) GetConversation(ctx context.Context, partnerID string, limit, offset int) ([]*chattypes.Message, error) {
	path := fmt.Sprintf("/api/conversations/%s/messages?limit=%d&offset=%d", url.PathEscape(partnerID), limit, offset)
	var messages []*chattypes.Message
	if err := b.do(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (b *httpBackend) MarkConversationRead(ctx context.Context, partnerID string) error {
	path := fmt.Sprintf("/api/conversations/%s/read", url.PathEscape(partnerID))
	return b.do(ctx, http.MethodPost, path, nil, nil)
}

func (b *httpBackend) CreditBalance(ctx context.Context) (int, error) {
	var balance chattypes.CreditBalance
	if err := b.do(ctx, http.MethodGet, "/api/credits", nil, &balance); err != nil {
		return 0, err
	}
	return balance.Balance, nil
}

func (b *httpBackend) SendTyping(ctx context.Context, partnerID string, isTyping bool) error {
	path := fmt.Sprintf("/api/conversations/%s/typing", url.PathEscape(partnerID))
	body := map[string]bool{"isTyping": isTyping}
	return b.do(ctx, http.MethodPost, path, body, nil)
}
