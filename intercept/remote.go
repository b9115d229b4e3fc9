package intercept

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

// Verdict is the body a remote interceptor answers with.
type Verdict struct {
	Action  string           `json:"action"` // allow | reject
	Reason  string           `json:"reason,omitempty"`
	Message *message.Message `json:"message,omitempty"`
}

// Remote posts each message as JSON to an external service and applies its verdict.
// A returned message replaces the original; the id and direction are always kept.
type Remote struct {
	URL    string
	APIKey string
	Client *http.Client
}

func NewRemote(url, apiKey string, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Remote{URL: url, APIKey: apiKey, Client: &http.Client{Timeout: timeout}}
}

func (r *Remote) Intercept(ctx context.Context, m *message.Message) (*message.Message, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.APIKey)
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("interceptor request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read interceptor response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("interceptor returned status %d: %s", resp.StatusCode, string(raw))
	}

	var v Verdict
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode interceptor verdict: %w", err)
	}

	switch v.Action {
	case "allow", "":
		if v.Message == nil {
			return m, nil
		}
		out := *v.Message
		out.ID = m.ID
		out.Direction = m.Direction
		if out.CreatedAt.IsZero() {
			out.CreatedAt = m.CreatedAt
		}
		return &out, nil
	case "reject":
		if v.Reason == "" {
			v.Reason = "rejected by interceptor"
		}
		return nil, Reject(v.Reason)
	}
	return nil, fmt.Errorf("unknown interceptor action %q", v.Action)
}
