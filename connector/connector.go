package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sms-interchange/message"
)

// State is the lifecycle state of a connector.
type State string

const (
	StateStopped    State = "STOPPED"
	StateConnecting State = "CONNECTING"
	StateBound      State = "BOUND"
)

var (
	ErrConnectorUnavailable = errors.New("connector-unavailable")
	ErrQueueFull            = errors.New("queue-full")
	ErrUnknownConnector     = errors.New("unknown connector")
	ErrDuplicateConnector   = errors.New("connector already exists")
)

// RejectedError is returned by Dispatch when a message is refused. Reason wraps
// ErrConnectorUnavailable, ErrQueueFull or ErrUnknownConnector.
type RejectedError struct {
	ConnectorID string
	Reason      error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("connector %s: rejected: %v", e.ConnectorID, e.Reason)
}

func (e *RejectedError) Unwrap() error { return e.Reason }

// Config is the bind configuration of one connector.
type Config struct {
	ID   string `yaml:"id" json:"id"`
	Kind string `yaml:"kind" json:"kind"` // smpp | twilio

	Host       string `yaml:"host,omitempty" json:"host,omitempty"`
	Port       int    `yaml:"port,omitempty" json:"port,omitempty"`
	SystemID   string `yaml:"system_id,omitempty" json:"system_id,omitempty"`
	Password   string `yaml:"password,omitempty" json:"-"`
	SystemType string `yaml:"system_type,omitempty" json:"system_type,omitempty"`

	AccountSID     string `yaml:"account_sid,omitempty" json:"account_sid,omitempty"`
	AuthToken      string `yaml:"auth_token,omitempty" json:"-"`
	StatusCallback string `yaml:"status_callback,omitempty" json:"status_callback,omitempty"`

	// SubmitRate is the maximum submits per second; zero is unlimited.
	SubmitRate        float64       `yaml:"submit_rate,omitempty" json:"submit_rate,omitempty"`
	Burst             int           `yaml:"burst,omitempty" json:"burst,omitempty"`
	QueueCap          int           `yaml:"queue_cap,omitempty" json:"queue_cap,omitempty"`
	MaxSubmitAttempts int           `yaml:"max_submit_attempts,omitempty" json:"max_submit_attempts,omitempty"`
	EnquireLink       time.Duration `yaml:"enquire_link,omitempty" json:"enquire_link,omitempty"`
	AutoStart         bool          `yaml:"autostart,omitempty" json:"autostart"`
}

func (c Config) Validate() error {
	if c.ID == "" {
		return errors.New("connector id is required")
	}
	switch c.Kind {
	case "smpp":
		if c.Host == "" || c.Port == 0 {
			return fmt.Errorf("connector %s: smpp needs host and port", c.ID)
		}
	case "twilio":
		if c.AccountSID == "" || c.AuthToken == "" {
			return fmt.Errorf("connector %s: twilio needs account_sid and auth_token", c.ID)
		}
	case "":
		return fmt.Errorf("connector %s: kind is required", c.ID)
	}
	return nil
}

// Status is a read-only view of a connector.
type Status struct {
	ID                  string    `json:"id"`
	Kind                string    `json:"kind"`
	State               State     `json:"state"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Pending             int64     `json:"pending"`
	BoundSince          time.Time `json:"bound_since,omitempty"`
}

// Session is a live carrier session returned by a Binder.
type Session interface {
	// Submit sends m and returns the carrier message ids, one per segment.
	Submit(ctx context.Context, m *message.Message) ([]string, error)
	// Done is closed when the session is lost.
	Done() <-chan struct{}
	Close() error
}

// Binder opens carrier sessions for one connector kind.
type Binder interface {
	Bind(ctx context.Context, cfg Config, inbound Inbound) (Session, error)
}

// BinderFunc adapts a function to Binder.
type BinderFunc func(ctx context.Context, cfg Config, inbound Inbound) (Session, error)

func (f BinderFunc) Bind(ctx context.Context, cfg Config, inbound Inbound) (Session, error) {
	return f(ctx, cfg, inbound)
}

// Inbound takes what a carrier sends back: MO messages and delivery receipts.
type Inbound interface {
	Inbound(ctx context.Context, connectorID string, m *message.Message) error
	Receipt(ctx context.Context, r message.DeliveryReceipt) error
}

// Topic is the broker topic holding the submit queue of a connector.
func Topic(connectorID string) string {
	return "submit." + connectorID
}
