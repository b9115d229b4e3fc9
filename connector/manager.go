package connector

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"sms-interchange/backoff"
	"sms-interchange/deadletter"
	"sms-interchange/logging"
	"sms-interchange/message"
	"sms-interchange/queue"
)

const (
	defaultQueueCap          = 1000
	defaultMaxSubmitAttempts = 3
)

// SubmittedFunc is called after a message was accepted by the carrier.
type SubmittedFunc func(ctx context.Context, connectorID string, m *message.Message, carrierIDs []string)

type Options struct {
	Broker  queue.Broker
	Binders map[string]Binder // by Config.Kind
	Backoff backoff.Exponential

	// QueueCap and MaxSubmitAttempts apply to connectors that do not set their own.
	QueueCap          int
	MaxSubmitAttempts int

	DeadLetter  deadletter.Sink
	Inbound     Inbound
	OnSubmitted SubmittedFunc
	Logs        *logging.LogManager
}

// Manager owns the connector pool. Connector state is only written by the manager and
// the lifecycle goroutine it starts per connector.
type Manager struct {
	opts Options

	mu         sync.RWMutex
	connectors map[string]*connector
	wg         sync.WaitGroup
}

type connector struct {
	cfg     Config
	binder  Binder
	limiter *rate.Limiter

	// guarded by Manager.mu
	state      State
	lastErr    error
	failures   int
	session    Session
	boundSince time.Time
	cancel     context.CancelFunc
	done       chan struct{}

	pending atomic.Int64

	// only touched by the lifecycle goroutine
	submitFailures map[string]int
}

func NewManager(opts Options) *Manager {
	if opts.QueueCap <= 0 {
		opts.QueueCap = defaultQueueCap
	}
	if opts.MaxSubmitAttempts <= 0 {
		opts.MaxSubmitAttempts = defaultMaxSubmitAttempts
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = backoff.Exponential{Base: time.Second, Max: time.Minute}
	}
	return &Manager{opts: opts, connectors: make(map[string]*connector)}
}

func (m *Manager) log(path, msg string, level logrus.Level, fields map[string]interface{}, err error) {
	m.opts.Logs.SendLog(m.opts.Logs.BuildLog("Connector.Manager."+path, msg, level, fields, err))
}

// Add registers a connector in STOPPED state.
func (m *Manager) Add(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	binder, ok := m.opts.Binders[cfg.Kind]
	if !ok {
		return fmt.Errorf("connector %s: no binder for kind %q", cfg.ID, cfg.Kind)
	}
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = m.opts.QueueCap
	}
	if cfg.MaxSubmitAttempts <= 0 {
		cfg.MaxSubmitAttempts = m.opts.MaxSubmitAttempts
	}

	limit := rate.Inf
	burst := cfg.Burst
	if cfg.SubmitRate > 0 {
		limit = rate.Limit(cfg.SubmitRate)
		if burst <= 0 {
			burst = 1
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.connectors[cfg.ID]; exists {
		return fmt.Errorf("connector %s: %w", cfg.ID, ErrDuplicateConnector)
	}
	m.connectors[cfg.ID] = &connector{
		cfg:            cfg,
		binder:         binder,
		limiter:        rate.NewLimiter(limit, burst),
		state:          StateStopped,
		submitFailures: make(map[string]int),
	}
	m.log("Add", "ConnectorAdded", logrus.InfoLevel, map[string]interface{}{"connector": cfg.ID, "kind": cfg.Kind}, nil)
	return nil
}

// Remove stops the connector and forgets it. Queued submits stay on the broker.
func (m *Manager) Remove(id string) error {
	if err := m.Stop(id); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.connectors, id)
	m.mu.Unlock()
	m.log("Remove", "ConnectorRemoved", logrus.InfoLevel, map[string]interface{}{"connector": id}, nil)
	return nil
}

// Start moves a STOPPED connector to CONNECTING and starts binding in the background.
// Starting a connector that is already running is a no-op.
func (m *Manager) Start(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connectors[id]
	if !ok {
		return fmt.Errorf("connector %s: %w", id, ErrUnknownConnector)
	}
	if c.state != StateStopped {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.state = StateConnecting
	c.failures = 0
	c.lastErr = nil
	c.cancel = cancel
	c.done = make(chan struct{})

	m.wg.Add(1)
	go m.run(ctx, c, c.done)
	m.log("Start", "ConnectorStarting", logrus.InfoLevel, map[string]interface{}{"connector": id}, nil)
	return nil
}

// Stop cancels binding and in-flight submits and releases the session. The connector is
// STOPPED when Stop returns, whatever state it was in.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	c, ok := m.connectors[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("connector %s: %w", id, ErrUnknownConnector)
	}
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	m.mu.Lock()
	sess := c.session
	c.session = nil
	c.state = StateStopped
	c.boundSince = time.Time{}
	m.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}
	m.log("Stop", "ConnectorStopped", logrus.InfoLevel, map[string]interface{}{"connector": id}, nil)
	return nil
}

// Shutdown stops every connector.
func (m *Manager) Shutdown() {
	for _, id := range m.ids() {
		_ = m.Stop(id)
	}
	m.wg.Wait()
}

func (m *Manager) ids() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.connectors))
	for id := range m.connectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) Status(id string) (Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connectors[id]
	if !ok {
		return Status{}, fmt.Errorf("connector %s: %w", id, ErrUnknownConnector)
	}
	return c.status(), nil
}

// caller holds Manager.mu
func (c *connector) status() Status {
	s := Status{
		ID:                  c.cfg.ID,
		Kind:                c.cfg.Kind,
		State:               c.state,
		ConsecutiveFailures: c.failures,
		Pending:             c.pending.Load(),
		BoundSince:          c.boundSince,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// List returns the status of every connector sorted by id.
func (m *Manager) List() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.connectors))
	for _, c := range m.connectors {
		out = append(out, c.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Config returns the bind configuration of id, credentials included.
func (m *Manager) Config(id string) (Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connectors[id]
	if !ok {
		return Config{}, fmt.Errorf("connector %s: %w", id, ErrUnknownConnector)
	}
	return c.cfg, nil
}

// IsBound reports whether id can take dispatches right now.
func (m *Manager) IsBound(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connectors[id]
	return ok && c.state == StateBound
}

// Pending is the number of dispatched messages not yet submitted or dead-lettered.
func (m *Manager) Pending(id string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connectors[id]
	if !ok {
		return 0, fmt.Errorf("connector %s: %w", id, ErrUnknownConnector)
	}
	return c.pending.Load(), nil
}

// Dispatch queues msg for submission through connector id. The connector must be
// BOUND and its queue below its cap; otherwise a RejectedError is returned and nothing
// is queued.
func (m *Manager) Dispatch(ctx context.Context, id string, msg *message.Message) error {
	m.mu.RLock()
	c, ok := m.connectors[id]
	if !ok {
		m.mu.RUnlock()
		return &RejectedError{ConnectorID: id, Reason: ErrUnknownConnector}
	}
	state := c.state
	m.mu.RUnlock()

	if state != StateBound {
		return &RejectedError{ConnectorID: id, Reason: ErrConnectorUnavailable}
	}
	if c.pending.Add(1) > int64(c.cfg.QueueCap) {
		c.pending.Add(-1)
		return &RejectedError{ConnectorID: id, Reason: ErrQueueFull}
	}

	item, err := message.NewItem(message.QueueItemKind.Submit, id, msg)
	if err != nil {
		c.pending.Add(-1)
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	if err := m.opts.Broker.Enqueue(ctx, Topic(id), item); err != nil {
		c.pending.Add(-1)
		return fmt.Errorf("enqueue message %s: %w", msg.ID, err)
	}
	return nil
}

func (m *Manager) run(ctx context.Context, c *connector, done chan struct{}) {
	defer m.wg.Done()
	defer close(done)

	id := c.cfg.ID
	for {
		sess, err := c.binder.Bind(ctx, c.cfg, m.opts.Inbound)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.mu.Lock()
			c.failures++
			c.lastErr = err
			failures := c.failures
			m.mu.Unlock()

			delay := m.opts.Backoff.Delay(failures)
			m.log("Bind", "BindFailed", logrus.WarnLevel, map[string]interface{}{
				"connector": id, "failures": failures, "retry_in": delay.String(),
			}, err)
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		m.seedPending(ctx, c)

		m.mu.Lock()
		if ctx.Err() != nil {
			m.mu.Unlock()
			_ = sess.Close()
			return
		}
		c.state = StateBound
		c.session = sess
		c.failures = 0
		c.lastErr = nil
		c.boundSince = time.Now()
		m.mu.Unlock()
		m.log("Bind", "ConnectorBound", logrus.InfoLevel, map[string]interface{}{"connector": id}, nil)

		m.drain(ctx, c, sess)
		_ = sess.Close()

		m.mu.Lock()
		c.session = nil
		if ctx.Err() != nil {
			m.mu.Unlock()
			return
		}
		c.state = StateConnecting
		c.boundSince = time.Time{}
		c.failures = 1
		c.lastErr = fmt.Errorf("session lost")
		m.mu.Unlock()

		delay := m.opts.Backoff.Delay(1)
		m.log("Bind", "SessionLost", logrus.WarnLevel, map[string]interface{}{"connector": id, "retry_in": delay.String()}, nil)
		if !sleep(ctx, delay) {
			return
		}
	}
}

// seedPending counts items already on the topic, left by an earlier run or another
// gateway, so the queue cap holds for a durable broker. Nothing is leased while binding.
func (m *Manager) seedPending(ctx context.Context, c *connector) {
	depth, err := m.opts.Broker.Depth(ctx, Topic(c.cfg.ID))
	if err != nil {
		m.log("Bind", "QueueDepthFailed", logrus.WarnLevel, map[string]interface{}{"connector": c.cfg.ID}, err)
		return
	}
	for {
		cur := c.pending.Load()
		if cur >= int64(depth) || c.pending.CompareAndSwap(cur, int64(depth)) {
			return
		}
	}
}

// release drops one item from the pending count, never below zero.
func (c *connector) release() {
	for {
		cur := c.pending.Load()
		if cur <= 0 || c.pending.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// sleep waits d or until ctx is done; it reports whether the full delay elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
