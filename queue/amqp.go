package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"sms-interchange/logging"
	"sms-interchange/message"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	reconnectDelay = 5 * time.Second
	reInitDelay    = 2 * time.Second
	publishTimeout = 30 * time.Second

	retrySuffix = ".retry"
)

var errNotReady = errors.New("queue: amqp channel not ready")

// AMQPBroker is a Broker on RabbitMQ. Each topic is a durable queue. A delayed nack is
// published to "<topic>.retry.<ms>", a queue whose TTL is that delay and which
// dead-letters back to the topic. One queue per delay keeps a short retry from waiting
// behind a longer one; RabbitMQ only expires messages at the head of a queue.
type AMQPBroker struct {
	m               sync.Mutex
	logs            *logging.LogManager
	connection      *amqp.Connection
	channel         *amqp.Channel
	declared        map[string]bool
	retryDelays     map[string]map[int64]bool // topic -> delay ms, declared on the live channel or not
	consumers       map[string]<-chan amqp.Delivery
	done            chan struct{}
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	isReady         bool
	ready           chan struct{}
}

// NewAMQPBroker starts connecting in the background and returns immediately. topics are
// declared on every (re)connect; other topics are declared on first use.
func NewAMQPBroker(addr string, topics []string, logs *logging.LogManager) *AMQPBroker {
	b := &AMQPBroker{
		logs:        logs,
		declared:    make(map[string]bool),
		retryDelays: make(map[string]map[int64]bool),
		consumers:   make(map[string]<-chan amqp.Delivery),
		done:        make(chan struct{}),
		ready:       make(chan struct{}),
	}
	for _, t := range topics {
		b.declared[t] = true
	}
	go b.handleReconnect(addr)
	return b
}

func (b *AMQPBroker) log(message string, level logrus.Level, fields map[string]interface{}, err error) {
	b.logs.SendLog(b.logs.BuildLog("Queue.AMQP", message, level, fields, err))
}

func (b *AMQPBroker) handleReconnect(addr string) {
	for {
		b.setReady(false)

		b.log("Connecting", logrus.InfoLevel, nil, nil)
		conn, err := b.connect(addr)
		if err != nil {
			b.log("ConnectFailed", logrus.WarnLevel, nil, err)
			select {
			case <-b.done:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		if done := b.handleReInit(conn); done {
			return
		}
	}
}

func (b *AMQPBroker) connect(addr string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(addr)
	if err != nil {
		return nil, err
	}
	b.m.Lock()
	b.connection = conn
	b.notifyConnClose = make(chan *amqp.Error, 1)
	conn.NotifyClose(b.notifyConnClose)
	b.m.Unlock()
	b.log("Connected", logrus.InfoLevel, nil, nil)
	return conn, nil
}

func (b *AMQPBroker) handleReInit(conn *amqp.Connection) bool {
	for {
		b.setReady(false)

		if err := b.init(conn); err != nil {
			b.log("ChannelInitFailed", logrus.WarnLevel, nil, err)
			select {
			case <-b.done:
				return true
			case <-b.notifyConnClose:
				b.log("ConnectionClosed", logrus.WarnLevel, nil, nil)
				return false
			case <-time.After(reInitDelay):
			}
			continue
		}

		select {
		case <-b.done:
			return true
		case <-b.notifyConnClose:
			b.log("ConnectionClosed", logrus.WarnLevel, nil, nil)
			return false
		case <-b.notifyChanClose:
			b.log("ChannelClosed", logrus.WarnLevel, nil, nil)
		}
	}
}

func (b *AMQPBroker) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		return err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	b.m.Lock()
	defer b.m.Unlock()
	for topic := range b.declared {
		if err := declareTopic(ch, topic); err != nil {
			return err
		}
	}
	for _, delays := range b.retryDelays {
		for ms := range delays {
			delays[ms] = false
		}
	}
	b.channel = ch
	b.notifyChanClose = make(chan *amqp.Error, 1)
	ch.NotifyClose(b.notifyChanClose)
	b.consumers = make(map[string]<-chan amqp.Delivery)
	b.isReady = true
	close(b.ready)
	b.log("ChannelReady", logrus.InfoLevel, map[string]interface{}{"topics": len(b.declared)}, nil)
	return nil
}

func (b *AMQPBroker) setReady(ready bool) {
	b.m.Lock()
	defer b.m.Unlock()
	if b.isReady == ready {
		return
	}
	b.isReady = ready
	if !ready {
		b.ready = make(chan struct{})
	}
}

func retryQueue(topic string, ms int64) string {
	return topic + retrySuffix + "." + strconv.FormatInt(ms, 10)
}

func declareTopic(ch *amqp.Channel, topic string) error {
	if _, err := ch.QueueDeclare(topic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue '%s': %w", topic, err)
	}
	return nil
}

func declareRetry(ch *amqp.Channel, topic string, ms int64) error {
	q := retryQueue(topic, ms)
	_, err := ch.QueueDeclare(q, true, false, false, false, amqp.Table{
		"x-message-ttl":             ms,
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": topic,
	})
	if err != nil {
		return fmt.Errorf("failed to declare queue '%s': %w", q, err)
	}
	return nil
}

// retryQueueFor declares the retry queue for delay on ch. Caller holds b.m.
func (b *AMQPBroker) retryQueueFor(ch *amqp.Channel, topic string, delay time.Duration) (string, error) {
	ms := delay.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	delays := b.retryDelays[topic]
	if delays == nil {
		delays = make(map[int64]bool)
		b.retryDelays[topic] = delays
	}
	if !delays[ms] {
		if err := declareRetry(ch, topic, ms); err != nil {
			return "", err
		}
		delays[ms] = true
	}
	return retryQueue(topic, ms), nil
}

// channelFor waits for a ready channel and makes sure topic is declared on it.
func (b *AMQPBroker) channelFor(ctx context.Context, topic string) (*amqp.Channel, error) {
	for {
		b.m.Lock()
		if b.isReady && b.channel != nil {
			ch := b.channel
			if !b.declared[topic] {
				if err := declareTopic(ch, topic); err != nil {
					b.m.Unlock()
					return nil, err
				}
				b.declared[topic] = true
			}
			b.m.Unlock()
			return ch, nil
		}
		ready := b.ready
		b.m.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.done:
			return nil, ErrClosed
		case <-ready:
		}
	}
}

// publish sends item to topic, or to the topic's retry queue for delay when delay > 0,
// and retries until the broker confirms or ctx ends.
func (b *AMQPBroker) publish(ctx context.Context, topic string, item *message.Item, delay time.Duration) error {
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode item %s: %w", item.ID, err)
	}

	for {
		ch, err := b.channelFor(ctx, topic)
		if err != nil {
			return err
		}

		queue := topic
		if delay > 0 {
			b.m.Lock()
			queue, err = b.retryQueueFor(ch, topic, delay)
			b.m.Unlock()
			if err != nil {
				return err
			}
		}

		pub := amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    item.ID,
			Timestamp:    time.Now(),
			Body:         body,
		}

		pctx, cancel := context.WithTimeout(ctx, publishTimeout)
		confirm, err := ch.PublishWithDeferredConfirmWithContext(pctx, "", queue, false, false, pub)
		if err == nil {
			var acked bool
			acked, err = confirm.WaitContext(pctx)
			if err == nil && !acked {
				err = fmt.Errorf("publish to %s nacked by broker", queue)
			}
		}
		cancel()
		if err == nil {
			return nil
		}

		b.log("PublishFailed", logrus.WarnLevel, map[string]interface{}{"queue": queue, "item_id": item.ID}, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return ErrClosed
		case <-time.After(reInitDelay):
		}
	}
}

// Enqueue publishes item and waits for the broker confirm.
func (b *AMQPBroker) Enqueue(ctx context.Context, topic string, item *message.Item) error {
	return b.publish(ctx, topic, item, 0)
}

func (b *AMQPBroker) deliveries(ctx context.Context, topic string) (<-chan amqp.Delivery, error) {
	ch, err := b.channelFor(ctx, topic)
	if err != nil {
		return nil, err
	}
	b.m.Lock()
	defer b.m.Unlock()
	if d, ok := b.consumers[topic]; ok {
		return d, nil
	}
	d, err := ch.Consume(topic, "", false, false, false, false, nil)
	if err != nil {
		return nil, err
	}
	b.consumers[topic] = d
	return d, nil
}

func (b *AMQPBroker) Consume(ctx context.Context, topic string) (Lease, error) {
	for {
		d, err := b.deliveries(ctx, topic)
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return nil, err
			}
			b.log("ConsumeFailed", logrus.WarnLevel, map[string]interface{}{"topic": topic}, err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(reInitDelay):
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.done:
			return nil, ErrClosed
		case delivery, ok := <-d:
			if !ok {
				// channel went away; the next iteration waits for a fresh one
				b.m.Lock()
				if b.consumers[topic] == d {
					delete(b.consumers, topic)
				}
				b.m.Unlock()
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(reInitDelay):
				}
				continue
			}

			var item message.Item
			if err := json.Unmarshal(delivery.Body, &item); err != nil {
				b.log("DecodeFailed", logrus.ErrorLevel, map[string]interface{}{"topic": topic, "message_id": delivery.MessageId}, err)
				_ = delivery.Reject(false)
				continue
			}
			return &amqpLease{
				delivery: delivery,
				item:     &item,
				retry:    b.retryFunc(ctx, topic),
			}, nil
		}
	}
}

// retryFunc publishes a delayed retry within publishTimeout and gives up when ctx, the
// consumer's context, ends. The lease requeues the original when it fails.
func (b *AMQPBroker) retryFunc(ctx context.Context, topic string) func(*message.Item, time.Duration) error {
	return func(it *message.Item, delay time.Duration) error {
		rctx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()
		return b.publish(rctx, topic, it, delay)
	}
}

// Depth counts ready messages on the topic and on the retry queues this broker has
// used for it. Unacked leases are not counted.
func (b *AMQPBroker) Depth(ctx context.Context, topic string) (int, error) {
	if _, err := b.channelFor(ctx, topic); err != nil {
		return 0, err
	}
	b.m.Lock()
	conn := b.connection
	b.m.Unlock()

	// passive declare on a missing queue closes the channel, so use a throwaway one
	ch, err := conn.Channel()
	if err != nil {
		return 0, err
	}
	defer ch.Close()

	queues := []string{topic}
	b.m.Lock()
	for ms := range b.retryDelays[topic] {
		queues = append(queues, retryQueue(topic, ms))
	}
	b.m.Unlock()

	total := 0
	for _, q := range queues {
		info, err := ch.QueueDeclarePassive(q, true, false, false, false, nil)
		if err != nil {
			return 0, fmt.Errorf("inspect queue '%s': %w", q, err)
		}
		total += info.Messages
	}
	return total, nil
}

// Close shuts down the channel and connection.
func (b *AMQPBroker) Close() error {
	b.m.Lock()
	defer b.m.Unlock()

	select {
	case <-b.done:
		return fmt.Errorf("connection already closed")
	default:
	}
	close(b.done)
	b.isReady = false
	if b.channel != nil {
		if err := b.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			return err
		}
	}
	if b.connection != nil {
		if err := b.connection.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			return err
		}
	}
	return nil
}

type amqpLease struct {
	delivery amqp.Delivery
	item     *message.Item
	retry    func(it *message.Item, delay time.Duration) error
	mu       sync.Mutex
	settled  bool
}

func (l *amqpLease) Item() *message.Item { return l.item }

func (l *amqpLease) settle() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.settled {
		return ErrLeaseSettled
	}
	l.settled = true
	return nil
}

func (l *amqpLease) Ack() error {
	if err := l.settle(); err != nil {
		return err
	}
	return l.delivery.Ack(false)
}

func (l *amqpLease) Nack(delay time.Duration) error {
	if err := l.settle(); err != nil {
		return err
	}
	if delay <= 0 {
		return l.delivery.Nack(false, true)
	}
	if err := l.retry(l.item, delay); err != nil {
		// keep the original visible rather than lose it
		_ = l.delivery.Nack(false, true)
		return fmt.Errorf("schedule retry of %s: %w", l.item.ID, err)
	}
	return l.delivery.Ack(false)
}
