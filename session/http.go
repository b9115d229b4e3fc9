package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"sms-interchange/message"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// HTTPConsumer is a permanent session that posts messages and receipts to a webhook.
// The receiver must answer 2xx; anything else is a failed push.
type HTTPConsumer struct {
	id         string
	messageURL string
	receiptURL string
	client     *http.Client
}

func NewHTTPConsumer(id, messageURL, receiptURL string, timeout time.Duration) *HTTPConsumer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPConsumer{id: id, messageURL: messageURL, receiptURL: receiptURL, client: &http.Client{Timeout: timeout}}
}

func (c *HTTPConsumer) ID() string { return c.id }

type inboundPayload struct {
	ID       string `json:"id"`
	From     string `json:"from"`
	To       string `json:"to"`
	Content  string `json:"content"`
	Coding   string `json:"coding"`
	Origin   string `json:"origin_connector"`
	Received string `json:"received_at"`
}

func (c *HTTPConsumer) DeliverMessage(ctx context.Context, m *message.Message) error {
	if c.messageURL == "" {
		return fmt.Errorf("consumer %s: no message url", c.id)
	}
	return c.post(ctx, c.messageURL, inboundPayload{
		ID:       m.ID,
		From:     m.From,
		To:       m.To,
		Content:  m.Text(),
		Coding:   string(m.Encoding),
		Origin:   m.Origin,
		Received: m.CreatedAt.Format(time.RFC3339),
	})
}

func (c *HTTPConsumer) DeliverReceipt(ctx context.Context, r message.DeliveryReceipt) error {
	if c.receiptURL == "" {
		return fmt.Errorf("consumer %s: no receipt url", c.id)
	}
	return c.post(ctx, c.receiptURL, r)
}

func (c *HTTPConsumer) post(ctx context.Context, url string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("consumer %s: webhook returned %d", c.id, resp.StatusCode)
	}
	return nil
}
