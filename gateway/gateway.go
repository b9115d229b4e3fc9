package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"sms-interchange/connector"
	"sms-interchange/deadletter"
	"sms-interchange/dlrstore"
	"sms-interchange/intercept"
	"sms-interchange/logging"
	"sms-interchange/message"
	"sms-interchange/queue"
	"sms-interchange/routing"
	"sms-interchange/thrower"
)

const (
	defaultReceiptTTL = 72 * time.Hour
	// ReasonNoRoute is the dead-letter reason of an MO message nothing routes.
	ReasonNoRoute = "no-route"
	// maxRematch bounds re-matching when a picked connector drops between match and dispatch.
	maxRematch = 3
)

var ErrWrongDirection = errors.New("gateway: message has the wrong direction")

type Options struct {
	Router      *routing.Router
	Broker      queue.Broker
	Interceptor intercept.Interceptor
	Receipts    dlrstore.Store
	ReceiptTTL  time.Duration
	DeadLetter  deadletter.Sink
	// Connectors configures the manager the gateway owns. Inbound and OnSubmitted are
	// set by the gateway.
	Connectors connector.Options
	Logs       *logging.LogManager
}

// Gateway ties ingress to routing and the connector pool, and carrier traffic to the
// deliver and receipt topics.
type Gateway struct {
	router      *routing.Router
	broker      queue.Broker
	interceptor intercept.Interceptor
	receipts    dlrstore.Store
	receiptTTL  time.Duration
	deadLetter  deadletter.Sink
	connectors  *connector.Manager
	logs        *logging.LogManager
}

// Accepted describes a queued MT message.
type Accepted struct {
	MessageID    string `json:"message_id"`
	ConnectorID  string `json:"connector_id"`
	Route        string `json:"route"`
	TableVersion uint64 `json:"table_version"`
}

func New(opts Options) (*Gateway, error) {
	if opts.Broker == nil {
		return nil, errors.New("gateway: broker is required")
	}
	if opts.DeadLetter == nil {
		return nil, errors.New("gateway: dead-letter sink is required")
	}
	if opts.Router == nil {
		opts.Router = routing.NewRouter(nil)
	}
	if opts.Receipts == nil {
		opts.Receipts = dlrstore.NewMemoryStore()
	}
	if opts.ReceiptTTL <= 0 {
		opts.ReceiptTTL = defaultReceiptTTL
	}
	if opts.Logs == nil {
		opts.Logs = logging.Discard()
	}

	g := &Gateway{
		router:      opts.Router,
		broker:      opts.Broker,
		interceptor: opts.Interceptor,
		receipts:    opts.Receipts,
		receiptTTL:  opts.ReceiptTTL,
		deadLetter:  opts.DeadLetter,
		logs:        opts.Logs,
	}

	copts := opts.Connectors
	copts.Broker = opts.Broker
	if copts.DeadLetter == nil {
		copts.DeadLetter = opts.DeadLetter
	}
	if copts.Logs == nil {
		copts.Logs = opts.Logs
	}
	copts.Inbound = g
	copts.OnSubmitted = g.submitted
	g.connectors = connector.NewManager(copts)
	return g, nil
}

func (g *Gateway) log(path, msg string, level logrus.Level, fields map[string]interface{}, err error) {
	g.logs.SendLog(g.logs.BuildLog("Gateway."+path, msg, level, fields, err))
}

func (g *Gateway) Connectors() *connector.Manager { return g.connectors }
func (g *Gateway) Router() *routing.Router        { return g.router }

// Submit routes an MT message and queues it on the chosen connector. An interceptor
// reject is reported as routing.ErrNoRoute. Rejections by the connector manager come
// back as *connector.RejectedError.
func (g *Gateway) Submit(ctx context.Context, m *message.Message) (Accepted, error) {
	if m.Direction != message.MT {
		return Accepted{}, fmt.Errorf("%w: %s", ErrWrongDirection, m.Direction)
	}
	fields := map[string]interface{}{"message_id": m.ID, "user": m.Origin, "to": m.To}

	m, err := intercept.Apply(ctx, g.interceptor, m)
	if err != nil {
		if intercept.IsRejected(err) {
			g.log("Submit", "Intercepted", logrus.InfoLevel, fields, err)
			return Accepted{}, fmt.Errorf("%w: %w", routing.ErrNoRoute, err)
		}
		g.log("Submit", "InterceptorFailed", logrus.ErrorLevel, fields, err)
		return Accepted{}, err
	}

	excluded := make(map[string]bool)
	eligible := func(id string) bool {
		return !excluded[id] && g.connectors.IsBound(id)
	}

	for i := 0; ; i++ {
		match, err := g.router.Match(m, message.MT, eligible)
		if err != nil {
			g.log("Submit", "NoRoute", logrus.InfoLevel, fields, err)
			return Accepted{}, err
		}
		fields["connector"] = match.Connector
		fields["route"] = match.Route.Name

		err = g.connectors.Dispatch(ctx, match.Connector, m)
		if err == nil {
			g.log("Submit", "Queued", logrus.DebugLevel, fields, nil)
			return Accepted{
				MessageID:    m.ID,
				ConnectorID:  match.Connector,
				Route:        match.Route.Name,
				TableVersion: match.Version,
			}, nil
		}
		// the connector dropped after it was picked
		if errors.Is(err, connector.ErrConnectorUnavailable) && i+1 < maxRematch {
			excluded[match.Connector] = true
			continue
		}
		g.log("Submit", "DispatchRejected", logrus.WarnLevel, fields, err)
		return Accepted{}, err
	}
}

// Inbound takes an MO message from a carrier session, routes it to a consumer and queues
// it for the deliver thrower. An MO message with no route is dead-lettered.
func (g *Gateway) Inbound(ctx context.Context, connectorID string, m *message.Message) error {
	if m.Direction != message.MO {
		return fmt.Errorf("%w: %s", ErrWrongDirection, m.Direction)
	}
	fields := map[string]interface{}{"message_id": m.ID, "connector": connectorID, "from": m.From}

	out, err := intercept.Apply(ctx, g.interceptor, m)
	if err != nil && !intercept.IsRejected(err) {
		g.log("Inbound", "InterceptorFailed", logrus.ErrorLevel, fields, err)
		return err
	}
	if err != nil {
		// the record keeps the message as received
		return g.deadLetterMO(ctx, m, ReasonNoRoute+": "+err.Error(), fields)
	}
	m = out

	// consumers may be offline; the deliver thrower waits for them
	match, err := g.router.Match(m, message.MO, nil)
	if err != nil {
		return g.deadLetterMO(ctx, m, ReasonNoRoute, fields)
	}

	fields["consumer"] = match.Connector
	item, err := message.NewItem(message.QueueItemKind.Deliver, match.Connector, m)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	if err := g.broker.Enqueue(ctx, thrower.DeliverTopic, item); err != nil {
		g.log("Inbound", "EnqueueFailed", logrus.ErrorLevel, fields, err)
		return fmt.Errorf("enqueue message %s: %w", m.ID, err)
	}
	g.log("Inbound", "Queued", logrus.DebugLevel, fields, nil)
	return nil
}

func (g *Gateway) deadLetterMO(ctx context.Context, m *message.Message, reason string, fields map[string]interface{}) error {
	item, err := message.NewItem(message.QueueItemKind.Deliver, "", m)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	if err := g.deadLetter.DeadLetter(ctx, deadletter.NewRecord(thrower.DeliverTopic, item, reason)); err != nil {
		g.log("Inbound", "DeadLetterFailed", logrus.ErrorLevel, fields, err)
		return fmt.Errorf("dead-letter message %s: %w", m.ID, err)
	}
	g.log("Inbound", "DeadLettered", logrus.WarnLevel, fields, nil)
	return nil
}

// Receipt queues a carrier receipt for the receipt thrower.
func (g *Gateway) Receipt(ctx context.Context, r message.DeliveryReceipt) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	item, err := message.NewItem(message.QueueItemKind.Receipt, r.ConnectorID, r)
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}
	if err := g.broker.Enqueue(ctx, thrower.ReceiptTopic, item); err != nil {
		g.log("Receipt", "EnqueueFailed", logrus.ErrorLevel, map[string]interface{}{
			"connector": r.ConnectorID, "carrier_message_id": r.CarrierMessageID,
		}, err)
		return fmt.Errorf("enqueue receipt %s: %w", r.CarrierMessageID, err)
	}
	return nil
}

// submitted records where receipts for m must go once the carrier accepted it.
func (g *Gateway) submitted(ctx context.Context, connectorID string, m *message.Message, carrierIDs []string) {
	if !m.RegisteredDelivery || m.Origin == "" {
		return
	}
	mapping := dlrstore.Mapping{
		MessageID:   m.ID,
		Submitter:   m.Origin,
		ConnectorID: connectorID,
		From:        m.From,
		To:          m.To,
		SubmittedAt: time.Now().UTC(),
	}
	for _, id := range carrierIDs {
		if err := g.receipts.Save(ctx, id, mapping, g.receiptTTL); err != nil {
			g.log("Submitted", "ReceiptMappingFailed", logrus.ErrorLevel, map[string]interface{}{
				"message_id": m.ID, "connector": connectorID, "carrier_message_id": id,
			}, err)
		}
	}
}
