package thrower

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"sms-interchange/deadletter"
	"sms-interchange/dlrstore"
	"sms-interchange/logging"
	"sms-interchange/message"
	"sms-interchange/queue"
	"sms-interchange/session"
)

const (
	// DeliverTopic carries inbound (MO) messages addressed to a consumer id.
	DeliverTopic = "deliver"
	// ReceiptTopic carries carrier receipts keyed by connector and carrier message id.
	ReceiptTopic = "dlr"
)

// Common is what the deliver and receipt throwers share.
type Common struct {
	Broker     queue.Broker
	Sessions   *session.Registry
	Policy     Policy
	DeadLetter deadletter.Sink
	Logs       *logging.LogManager
	// WrapMessages and WrapReceipts decorate the session sinks, e.g. with dedupe or breaker wrappers.
	WrapMessages func(Sink[*message.Message]) Sink[*message.Message]
	WrapReceipts func(Sink[message.DeliveryReceipt]) Sink[message.DeliveryReceipt]
}

// MessageSink pushes inbound messages to the consumer session bound under the target id.
func MessageSink(sessions *session.Registry) Sink[*message.Message] {
	return SinkFunc[*message.Message](func(ctx context.Context, target string, m *message.Message) error {
		s, ok := sessions.Get(target)
		if !ok {
			return fmt.Errorf("%w: %s", ErrTargetUnavailable, target)
		}
		return s.DeliverMessage(ctx, m)
	})
}

// ReceiptSink pushes receipts to the session of the consumer that submitted the message.
func ReceiptSink(sessions *session.Registry) Sink[message.DeliveryReceipt] {
	return SinkFunc[message.DeliveryReceipt](func(ctx context.Context, target string, r message.DeliveryReceipt) error {
		s, ok := sessions.Get(target)
		if !ok {
			return fmt.Errorf("%w: %s", ErrTargetUnavailable, target)
		}
		return s.DeliverReceipt(ctx, r)
	})
}

func resolveMessage(_ context.Context, item *message.Item) (string, *message.Message, error) {
	var m message.Message
	if err := item.Decode(&m); err != nil {
		return "", nil, Permanent(fmt.Errorf("decode message: %w", err))
	}
	if item.Target == "" {
		return "", nil, Permanent(errors.New("deliver item has no target"))
	}
	return item.Target, &m, nil
}

// NewDeliverThrower throws inbound messages to bound consumer sessions.
func NewDeliverThrower(c Common) (*Thrower[*message.Message], error) {
	var sink Sink[*message.Message]
	if c.Sessions != nil {
		sink = MessageSink(c.Sessions)
	}
	if sink != nil && c.WrapMessages != nil {
		sink = c.WrapMessages(sink)
	}
	return New(Options[*message.Message]{
		Name:       "deliver",
		Topic:      DeliverTopic,
		Broker:     c.Broker,
		Resolver:   resolveMessage,
		Sink:       sink,
		Policy:     c.Policy,
		DeadLetter: c.DeadLetter,
		Logs:       c.Logs,
	})
}

// receiptResolver maps a carrier receipt back to the gateway message id and the
// submitter. A missing mapping is retried: the receipt can overtake the mapping write.
func receiptResolver(store dlrstore.Store) Resolver[message.DeliveryReceipt] {
	return func(ctx context.Context, item *message.Item) (string, message.DeliveryReceipt, error) {
		var r message.DeliveryReceipt
		if err := item.Decode(&r); err != nil {
			return "", r, Permanent(fmt.Errorf("decode receipt: %w", err))
		}
		mapping, err := store.Lookup(ctx, r.ConnectorID, r.CarrierMessageID)
		if err != nil {
			return "", r, fmt.Errorf("receipt %s/%s: %w", r.ConnectorID, r.CarrierMessageID, err)
		}
		r.MessageID = mapping.MessageID
		r.From, r.To = mapping.From, mapping.To
		return mapping.Submitter, r, nil
	}
}

// forgetFinal drops the mapping once a final receipt has been delivered.
func forgetFinal(next Sink[message.DeliveryReceipt], store dlrstore.Store, logs *logging.LogManager) Sink[message.DeliveryReceipt] {
	return SinkFunc[message.DeliveryReceipt](func(ctx context.Context, target string, r message.DeliveryReceipt) error {
		if err := next.Push(ctx, target, r); err != nil {
			return err
		}
		if r.Status == message.StatusUnknown {
			return nil
		}
		if err := store.Delete(ctx, r.ConnectorID, r.CarrierMessageID); err != nil && !errors.Is(err, dlrstore.ErrNotFound) {
			logs.SendLog(logs.BuildLog("Thrower.dlr.Forget", "MappingDeleteFailed", logrus.WarnLevel,
				map[string]interface{}{"connector_id": r.ConnectorID, "carrier_message_id": r.CarrierMessageID}, err))
		}
		return nil
	})
}

// NewReceiptThrower throws delivery receipts back to the submitting consumer.
func NewReceiptThrower(c Common, store dlrstore.Store) (*Thrower[message.DeliveryReceipt], error) {
	if store == nil {
		return nil, errors.New("thrower: dlr store is required")
	}
	if c.Logs == nil {
		c.Logs = logging.Discard()
	}
	var sink Sink[message.DeliveryReceipt]
	if c.Sessions != nil {
		sink = ReceiptSink(c.Sessions)
		if c.WrapReceipts != nil {
			sink = c.WrapReceipts(sink)
		}
		sink = forgetFinal(sink, store, c.Logs)
	}
	return New(Options[message.DeliveryReceipt]{
		Name:       "dlr",
		Topic:      ReceiptTopic,
		Broker:     c.Broker,
		Resolver:   receiptResolver(store),
		Sink:       sink,
		Policy:     c.Policy,
		DeadLetter: c.DeadLetter,
		Logs:       c.Logs,
	})
}
