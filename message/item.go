package message

import (
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ItemKind tags the payload shape carried by an Item.
type ItemKind string

var QueueItemKind = struct {
	Submit     ItemKind
	Deliver    ItemKind
	Receipt    ItemKind
	DeadLetter ItemKind
}{
	Submit:     "submit",
	Deliver:    "deliver",
	Receipt:    "receipt",
	DeadLetter: "dead_letter",
}

// Item is the envelope placed on a broker topic. Attempts and the timestamps are only
// touched by the component consuming the topic.
type Item struct {
	ID            string              `json:"id"`
	Kind          ItemKind            `json:"kind"`
	Target        string              `json:"target"`
	Attempts      int                 `json:"attempts"`
	FirstEnqueued time.Time           `json:"first_enqueued"`
	LastAttempt   time.Time           `json:"last_attempt"`
	LastError     string              `json:"last_error,omitempty"`
	Payload       jsoniter.RawMessage `json:"payload"`
}

// NewItem marshals payload into a fresh envelope addressed to target.
func NewItem(kind ItemKind, target string, payload any) (*Item, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Item{
		ID:            uuid.NewString(),
		Kind:          kind,
		Target:        target,
		FirstEnqueued: time.Now().UTC(),
		Payload:       raw,
	}, nil
}

// Decode unmarshals the payload into v.
func (it *Item) Decode(v any) error {
	return json.Unmarshal(it.Payload, v)
}

// Touch records the start of a new attempt.
func (it *Item) Touch(now time.Time) {
	it.Attempts++
	it.LastAttempt = now
}

// Clone returns a copy that shares the payload bytes.
func (it *Item) Clone() *Item {
	c := *it
	return &c
}
