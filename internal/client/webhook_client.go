package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/LeventeLantos/market-broadcast/internal/transport"
)

// WebhookClient sends broadcast messages through an HTTP webhook gateway.
// It implements transport.Sender and classifies HTTP failures so the engine
// can decide between retrying and failing a delivery permanently.
type WebhookClient struct {
	url    string
	client *http.Client
}

func NewWebhookClient(url string) *WebhookClient {
	return &WebhookClient{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type sendRequest struct {
	Address     string   `json:"address"`
	Message     string   `json:"message"`
	Attachments []string `json:"attachments,omitempty"`
}

type sendResponse struct {
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
}

func (c *WebhookClient) Send(ctx context.Context, address, message string, attachments []string) (string, error) {
	reqBody, err := json.Marshal(sendRequest{
		Address:     address,
		Message:     message,
		Attachments: attachments,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		// Network errors stay unclassified; the engine treats them as transient.
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusAccepted {
		return "", classify(resp.StatusCode, body)
	}

	var sr sendResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}
	if sr.MessageID == "" {
		return "", fmt.Errorf("missing messageId in response body=%q", string(body))
	}

	return sr.MessageID, nil
}

// classify maps a non-202 gateway response to a transport.SendError.
// 404 and 410 mean the recipient no longer exists at the gateway; 408, 429
// and 5xx are transient; every other status is a permanent rejection of
// this message.
func classify(status int, body []byte) *transport.SendError {
	se := &transport.SendError{
		StatusCode: status,
		Body:       string(body),
	}
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		se.Permanent = true
		se.AddressGone = true
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
	case status >= 500:
	default:
		se.Permanent = true
	}
	return se
}
