package message

import (
	"time"

	"github.com/google/uuid"
)

// Direction is the traffic direction a message travels relative to the carrier network.
type Direction string

const (
	// MO is mobile-originated: carrier -> gateway -> consumer.
	MO Direction = "mo"
	// MT is mobile-terminated: consumer -> gateway -> carrier.
	MT Direction = "mt"
)

// Encoding is the data coding tag attached to the content bytes.
type Encoding string

var MessageEncoding = struct {
	GSM7   Encoding
	ASCII  Encoding
	Latin1 Encoding
	UCS2   Encoding
	Binary Encoding
}{
	GSM7:   "gsm7",
	ASCII:  "ascii",
	Latin1: "latin1",
	UCS2:   "ucs2",
	Binary: "binary",
}

// Message is created once at ingress and never mutated after that. Every stage after
// ingress holds a pointer to the same value.
type Message struct {
	ID                 string        `json:"id"`
	Direction          Direction     `json:"direction"`
	From               string        `json:"from_number"`
	To                 string        `json:"to_number"`
	Content            []byte        `json:"content"`
	Encoding           Encoding      `json:"encoding"`
	Priority           int           `json:"priority"`
	Validity           time.Duration `json:"validity,omitempty"`
	RegisteredDelivery bool          `json:"registered_delivery"`

	// Origin is the submitting user for MT and the receiving connector for MO.
	Origin    string    `json:"origin"`
	Tags      []string  `json:"tags,omitempty"`
	CostClass string    `json:"cost_class,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessage stamps a fresh id and creation time.
func NewMessage(dir Direction, from, to string, content []byte, enc Encoding) *Message {
	if enc == "" {
		enc = MessageEncoding.GSM7
	}
	return &Message{
		ID:        uuid.NewString(),
		Direction: dir,
		From:      from,
		To:        to,
		Content:   content,
		Encoding:  enc,
		CreatedAt: time.Now().UTC(),
	}
}

// Expired reports whether the validity window has elapsed at now.
func (m *Message) Expired(now time.Time) bool {
	if m.Validity <= 0 {
		return false
	}
	return now.After(m.CreatedAt.Add(m.Validity))
}

// HasTag reports whether tag is attached to the message.
func (m *Message) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
