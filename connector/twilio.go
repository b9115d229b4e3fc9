package connector

import (
	"context"
	"fmt"
	"sync"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"sms-interchange/message"
)

// TwilioBinder opens REST "sessions" against Twilio. Binding fetches the account to
// check the credentials. Inbound messages and status callbacks arrive over HTTP and are
// handled by the web surface, not by the session.
type TwilioBinder struct {
	// NewClient overrides client construction; nil uses the Twilio REST client.
	NewClient func(cfg Config) TwilioAPI
}

// TwilioAPI is the part of the Twilio REST API a session uses.
type TwilioAPI interface {
	FetchAccount(sid string) (*twilioApi.ApiV2010Account, error)
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

func (b *TwilioBinder) Bind(ctx context.Context, cfg Config, _ Inbound) (Session, error) {
	var api TwilioAPI
	if b.NewClient != nil {
		api = b.NewClient(cfg)
	} else {
		client := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		})
		api = client.Api
	}

	if _, err := api.FetchAccount(cfg.AccountSID); err != nil {
		return nil, fmt.Errorf("twilio account %s: %w", cfg.AccountSID, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &twilioSession{cfg: cfg, api: api, done: make(chan struct{})}, nil
}

type twilioSession struct {
	cfg  Config
	api  TwilioAPI
	once sync.Once
	done chan struct{}
}

func (s *twilioSession) Submit(ctx context.Context, m *message.Message) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(m.To)
	params.SetFrom(m.From)
	params.SetBody(m.Text())
	if m.RegisteredDelivery && s.cfg.StatusCallback != "" {
		params.SetStatusCallback(s.cfg.StatusCallback)
	}
	if m.Validity > 0 {
		params.SetValidityPeriod(int(m.Validity.Seconds()))
	}

	resp, err := s.api.CreateMessage(params)
	if err != nil {
		return nil, fmt.Errorf("twilio create message: %w", err)
	}
	if resp.Sid == nil {
		return nil, fmt.Errorf("twilio create message: no sid in response")
	}
	return []string{*resp.Sid}, nil
}

func (s *twilioSession) Done() <-chan struct{} { return s.done }

func (s *twilioSession) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// TwilioStatus maps a Twilio MessageStatus to a receipt status. ok is false for
// intermediate states that are not receipts.
func TwilioStatus(status string) (message.ReceiptStatus, bool) {
	switch status {
	case "delivered", "read":
		return message.StatusDelivered, true
	case "failed", "undelivered", "canceled":
		return message.StatusFailed, true
	}
	return message.StatusUnknown, false
}
