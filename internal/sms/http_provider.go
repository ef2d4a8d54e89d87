package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Compile-time interface satisfaction check.
var _ Provider = (*HTTPProvider)(nil)

// httpDoer is a narrow, consumer-defined interface for the single HTTP
// operation the provider needs. The real *http.Client satisfies it.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPProviderConfig configures an HTTPProvider.
type HTTPProviderConfig struct {
	Name     string
	Endpoint string
	AuthKey  string
	Client   httpDoer
}

// HTTPProvider delivers OTP codes through a vendor's JSON-over-HTTP send
// API.
type HTTPProvider struct {
	name     string
	endpoint string
	authKey  string
	client   httpDoer
}

// NewHTTPProvider creates an HTTPProvider from cfg. A nil Client defaults
// to an http.Client with a 10-second timeout.
func NewHTTPProvider(cfg HTTPProviderConfig) *HTTPProvider {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	name := cfg.Name
	if name == "" {
		name = "http"
	}
	return &HTTPProvider{
		name:     name,
		endpoint: cfg.Endpoint,
		authKey:  cfg.AuthKey,
		client:   client,
	}
}

type sendRequest struct {
	Mobile string `json:"mobile"`
	OTP    string `json:"otp"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
	Type      string `json:"type"`
	Message   string `json:"message"`
}

// Send posts the OTP to the vendor endpoint and returns its message ID.
func (p *HTTPProvider) Send(ctx context.Context, phone, otp string) (SendResult, error) {
	body, err := json.Marshal(sendRequest{Mobile: phone, OTP: otp})
	if err != nil {
		return SendResult{}, fmt.Errorf("encode sms request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, fmt.Errorf("build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("authkey", p.authKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return SendResult{}, fmt.Errorf("sms provider %s: %w", p.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return SendResult{}, fmt.Errorf("read sms provider response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SendResult{}, fmt.Errorf("sms provider %s: status %d: %s", p.name, resp.StatusCode, raw)
	}

	var parsed sendResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return SendResult{}, fmt.Errorf("decode sms provider response: %w", err)
	}
	if parsed.Type == "error" {
		return SendResult{}, fmt.Errorf("sms provider %s: %s", p.name, parsed.Message)
	}

	return SendResult{Provider: p.name, MessageID: parsed.MessageID}, nil
}
