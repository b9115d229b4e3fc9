package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sms-interchange/backoff"
	"sms-interchange/connector"
	"sms-interchange/deadletter"
	"sms-interchange/dlrstore"
	"sms-interchange/intercept"
	"sms-interchange/message"
	"sms-interchange/queue"
	"sms-interchange/routing"
	"sms-interchange/session"
	"sms-interchange/thrower"
)

const routingYAML = `
mt:
  - name: north-america
    priority: 1
    filter: {kind: destination_prefix, operand: "1"}
    connector: carrier-a
  - name: fallback
    default: true
    connector: carrier-b
mo:
  - name: from-a
    priority: 1
    filter: {kind: connector, operand: carrier-a}
    connector: alice
  - name: rest
    default: true
    connector: bob
`

type carrierSession struct {
	id string

	mu        sync.Mutex
	submitted []*message.Message
	seq       int
	done      chan struct{}
	closeOnce sync.Once
}

func (s *carrierSession) Submit(_ context.Context, m *message.Message) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, m)
	s.seq++
	return []string{fmt.Sprintf("%s-%d", s.id, s.seq)}, nil
}

func (s *carrierSession) Done() <-chan struct{} { return s.done }

func (s *carrierSession) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *carrierSession) messages() []*message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*message.Message(nil), s.submitted...)
}

type carrierNet struct {
	mu       sync.Mutex
	sessions map[string]*carrierSession
}

func (n *carrierNet) Bind(_ context.Context, cfg connector.Config, _ connector.Inbound) (connector.Session, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := &carrierSession{id: cfg.ID, done: make(chan struct{})}
	n.sessions[cfg.ID] = s
	return s, nil
}

func (n *carrierNet) session(id string) *carrierSession {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sessions[id]
}

type deadRecorder struct {
	mu      sync.Mutex
	records []deadletter.Record
}

func (d *deadRecorder) DeadLetter(_ context.Context, r deadletter.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = append(d.records, r)
	return nil
}

func (d *deadRecorder) all() []deadletter.Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]deadletter.Record(nil), d.records...)
}

type consumer struct {
	id       string
	mu       sync.Mutex
	messages []*message.Message
	receipts []message.DeliveryReceipt
}

func (c *consumer) ID() string { return c.id }

func (c *consumer) DeliverMessage(_ context.Context, m *message.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, m)
	return nil
}

func (c *consumer) DeliverReceipt(_ context.Context, r message.DeliveryReceipt) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receipts = append(c.receipts, r)
	return nil
}

func (c *consumer) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages), len(c.receipts)
}

type fixture struct {
	gw       *Gateway
	broker   *queue.MemoryBroker
	net      *carrierNet
	dead     *deadRecorder
	receipts *dlrstore.MemoryStore
}

func newFixture(t *testing.T, ic intercept.Interceptor, start ...string) *fixture {
	t.Helper()
	f := &fixture{
		broker:   queue.NewMemoryBroker(),
		net:      &carrierNet{sessions: make(map[string]*carrierSession)},
		dead:     &deadRecorder{},
		receipts: dlrstore.NewMemoryStore(),
	}
	table, err := routing.ParseTable([]byte(routingYAML))
	require.NoError(t, err)

	f.gw, err = New(Options{
		Router:      routing.NewRouter(table),
		Broker:      f.broker,
		Interceptor: ic,
		Receipts:    f.receipts,
		DeadLetter:  f.dead,
		Connectors: connector.Options{
			Binders: map[string]connector.Binder{"fake": f.net},
			Backoff: backoff.Exponential{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond},
		},
	})
	require.NoError(t, err)

	for _, id := range []string{"carrier-a", "carrier-b"} {
		require.NoError(t, f.gw.Connectors().Add(connector.Config{ID: id, Kind: "fake"}))
	}
	for _, id := range start {
		require.NoError(t, f.gw.StartConnector(id))
		require.Eventually(t, func() bool { return f.gw.Connectors().IsBound(id) }, 2*time.Second, 5*time.Millisecond)
	}
	return f
}

func (f *fixture) close() {
	f.gw.Shutdown()
	f.broker.Close()
}

func mt(to string) *message.Message {
	m := message.NewMessage(message.MT, "+15550100", to, []byte("hi"), "")
	m.Origin = "alice"
	return m
}

func TestSubmitRoutesByPrefix(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t, nil, "carrier-a", "carrier-b")
	defer f.close()
	ctx := context.Background()

	acc, err := f.gw.Submit(ctx, mt("+15551234"))
	require.NoError(t, err)
	assert.Equal(t, "carrier-a", acc.ConnectorID)
	assert.Equal(t, "north-america", acc.Route)
	assert.Equal(t, uint64(1), acc.TableVersion)

	acc, err = f.gw.Submit(ctx, mt("+447700900123"))
	require.NoError(t, err)
	assert.Equal(t, "carrier-b", acc.ConnectorID)

	require.Eventually(t, func() bool {
		return len(f.net.session("carrier-a").messages()) == 1 && len(f.net.session("carrier-b").messages()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSubmitFallsThroughToStartedConnector(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t, nil, "carrier-b")
	defer f.close()

	acc, err := f.gw.Submit(context.Background(), mt("+15551234"))
	require.NoError(t, err)
	assert.Equal(t, "carrier-b", acc.ConnectorID)
}

func TestSubmitNoRouteWhenNothingBound(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t, nil)
	defer f.close()

	_, err := f.gw.Submit(context.Background(), mt("+15551234"))
	assert.ErrorIs(t, err, routing.ErrNoRoute)

	_, err = f.gw.Submit(context.Background(), message.NewMessage(message.MO, "1", "2", nil, ""))
	assert.ErrorIs(t, err, ErrWrongDirection)
}

func TestInterceptorRejectIsNoRoute(t *testing.T) {
	defer leaktest.Check(t)()
	ic := intercept.Func(func(_ context.Context, m *message.Message) (*message.Message, error) {
		if m.To == "+15550000" {
			return nil, intercept.Reject("blocked destination")
		}
		return m, nil
	})
	f := newFixture(t, ic, "carrier-a")
	defer f.close()

	_, err := f.gw.Submit(context.Background(), mt("+15550000"))
	assert.ErrorIs(t, err, routing.ErrNoRoute)
	assert.True(t, intercept.IsRejected(err))

	_, err = f.gw.Submit(context.Background(), mt("+15551111"))
	assert.NoError(t, err)
}

func TestInterceptorFailureSurfaces(t *testing.T) {
	defer leaktest.Check(t)()
	boom := errors.New("interceptor unreachable")
	ic := intercept.Func(func(context.Context, *message.Message) (*message.Message, error) { return nil, boom })
	f := newFixture(t, ic, "carrier-a")
	defer f.close()

	_, err := f.gw.Submit(context.Background(), mt("+15551111"))
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, routing.ErrNoRoute)
}

func TestSubmitQueueFull(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t, nil)
	defer f.close()
	require.NoError(t, f.gw.Connectors().Remove("carrier-a"))
	require.NoError(t, f.gw.Connectors().Add(connector.Config{ID: "carrier-a", Kind: "fake", QueueCap: 1, SubmitRate: 0.001}))
	require.NoError(t, f.gw.StartConnector("carrier-a"))
	require.Eventually(t, func() bool { return f.gw.Connectors().IsBound("carrier-a") }, 2*time.Second, 5*time.Millisecond)

	// the first submit uses the only token, the second waits in the limiter
	_, err := f.gw.Submit(context.Background(), mt("+15551111"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.net.session("carrier-a").messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
	_, err = f.gw.Submit(context.Background(), mt("+15551112"))
	require.NoError(t, err)

	_, err = f.gw.Submit(context.Background(), mt("+15551113"))
	var rejected *connector.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.ErrorIs(t, err, connector.ErrQueueFull)
}

func TestInboundQueuesForConsumer(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t, nil)
	defer f.close()
	ctx := context.Background()

	m := message.NewMessage(message.MO, "+15550001", "+15550100", []byte("reply"), "")
	m.Origin = "carrier-a"
	require.NoError(t, f.gw.Inbound(ctx, "carrier-a", m))

	other := message.NewMessage(message.MO, "+15550002", "+15550100", []byte("other"), "")
	other.Origin = "carrier-b"
	require.NoError(t, f.gw.Inbound(ctx, "carrier-b", other))

	depth, err := f.gw.QueueDepth(ctx, thrower.DeliverTopic)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	lease, err := f.broker.Consume(ctx, thrower.DeliverTopic)
	require.NoError(t, err)
	assert.Equal(t, "alice", lease.Item().Target)
	require.NoError(t, lease.Ack())

	lease, err = f.broker.Consume(ctx, thrower.DeliverTopic)
	require.NoError(t, err)
	assert.Equal(t, "bob", lease.Item().Target)
	require.NoError(t, lease.Ack())
	assert.Empty(t, f.dead.all())
}

func TestInboundWithoutRouteIsDeadLettered(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t, nil)
	defer f.close()

	table, err := routing.NewTable(routing.StrategyRandom, routing.Route{
		Name: "mt-only", Direction: message.MT, Default: true, Target: routing.Single("carrier-a"),
	})
	require.NoError(t, err)
	_, err = f.gw.LoadRoutingTable(table)
	require.NoError(t, err)

	m := message.NewMessage(message.MO, "+15550001", "+15550100", []byte("lost"), "")
	require.NoError(t, f.gw.Inbound(context.Background(), "carrier-a", m))

	records := f.dead.all()
	require.Len(t, records, 1)
	assert.Equal(t, ReasonNoRoute, records[0].Reason)
	assert.Equal(t, thrower.DeliverTopic, records[0].Topic)

	depth, err := f.gw.QueueDepth(context.Background(), thrower.DeliverTopic)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestInboundInterceptorRejectKeepsMessage(t *testing.T) {
	defer leaktest.Check(t)()
	ic := intercept.Func(func(_ context.Context, m *message.Message) (*message.Message, error) {
		return nil, intercept.Reject("spam")
	})
	f := newFixture(t, ic)
	defer f.close()

	m := message.NewMessage(message.MO, "+15550001", "+15550100", []byte("important"), "")
	require.NoError(t, f.gw.Inbound(context.Background(), "carrier-a", m))

	records := f.dead.all()
	require.Len(t, records, 1)
	assert.Contains(t, records[0].Reason, ReasonNoRoute)
	assert.Contains(t, records[0].Reason, "spam")

	item := &message.Item{Payload: records[0].Payload}
	var got message.Message
	require.NoError(t, item.Decode(&got))
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, "important", got.Text())
	assert.Equal(t, "+15550001", got.From)
}

func TestReceiptMappingAndDelivery(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t, nil, "carrier-a")
	defer f.close()
	ctx := context.Background()

	registry := session.NewRegistry()
	alice := &consumer{id: "alice"}
	registry.Register(alice)
	receipts, err := thrower.NewReceiptThrower(thrower.Common{
		Broker:     f.broker,
		Sessions:   registry,
		Policy:     thrower.Policy{MaxAttempts: 3, Backoff: backoff.Exponential{Base: time.Millisecond}},
		DeadLetter: f.dead,
	}, f.receipts)
	require.NoError(t, err)
	deliver, err := thrower.NewDeliverThrower(thrower.Common{
		Broker:     f.broker,
		Sessions:   registry,
		Policy:     thrower.Policy{MaxAttempts: 3, Backoff: backoff.Exponential{Base: time.Millisecond}},
		DeadLetter: f.dead,
	})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = receipts.Run(runCtx) }()
	go func() { defer wg.Done(); _ = deliver.Run(runCtx) }()
	defer func() { cancel(); wg.Wait() }()

	m := mt("+15551234")
	m.RegisteredDelivery = true
	acc, err := f.gw.Submit(ctx, m)
	require.NoError(t, err)

	var mapping dlrstore.Mapping
	require.Eventually(t, func() bool {
		mapping, err = f.receipts.Lookup(ctx, "carrier-a", "carrier-a-1")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, acc.MessageID, mapping.MessageID)
	assert.Equal(t, "alice", mapping.Submitter)

	require.NoError(t, f.gw.Receipt(ctx, message.DeliveryReceipt{
		CarrierMessageID: "carrier-a-1", ConnectorID: "carrier-a", Status: message.StatusDelivered,
	}))
	reply := message.NewMessage(message.MO, "+15551234", "+15550100", []byte("thanks"), "")
	reply.Origin = "carrier-a"
	require.NoError(t, f.gw.Inbound(ctx, "carrier-a", reply))

	require.Eventually(t, func() bool {
		msgs, rcpts := alice.counts()
		return msgs == 1 && rcpts == 1
	}, 2*time.Second, 5*time.Millisecond)

	alice.mu.Lock()
	assert.Equal(t, acc.MessageID, alice.receipts[0].MessageID)
	assert.Equal(t, "+15550100", alice.receipts[0].From)
	assert.Equal(t, "+15551234", alice.receipts[0].To)
	assert.Equal(t, "thanks", alice.messages[0].Text())
	alice.mu.Unlock()
}

func TestLoadRoutingYAML(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t, nil)
	defer f.close()

	_, err := f.gw.LoadRoutingYAML([]byte("mt: [{name: x, priority: 1}]"))
	var cfgErr *routing.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, uint64(1), f.gw.Router().Version(), "bad table must not replace the live one")

	v, err := f.gw.LoadRoutingYAML([]byte(routingYAML))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	_, err = f.gw.LoadRoutingTable(nil)
	assert.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, uint64(2), f.gw.Router().Version())
	_, err = f.gw.Submit(context.Background(), mt("+15551234"))
	assert.ErrorIs(t, err, routing.ErrNoRoute, "no connector is bound in this fixture")
}

func TestConnectorAdmin(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t, nil, "carrier-a")
	defer f.close()

	st, err := f.gw.ConnectorStatus("carrier-a")
	require.NoError(t, err)
	assert.Equal(t, connector.StateBound, st.State)

	require.NoError(t, f.gw.StopConnector("carrier-a"))
	st, err = f.gw.ConnectorStatus("carrier-a")
	require.NoError(t, err)
	assert.Equal(t, connector.StateStopped, st.State)

	_, err = f.gw.ConnectorStatus("nope")
	assert.ErrorIs(t, err, connector.ErrUnknownConnector)

	list := f.gw.ListConnectors()
	require.Len(t, list, 2)
	assert.Equal(t, "carrier-a", list[0].ID)
}
