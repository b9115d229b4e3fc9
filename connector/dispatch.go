package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"sms-interchange/deadletter"
	"sms-interchange/message"
	"sms-interchange/queue"
)

const consumeRetryDelay = time.Second

// drain submits queued messages through sess in FIFO order until ctx is cancelled or
// the session is lost. A failed submit goes back to the head of the queue; once it has
// failed MaxSubmitAttempts times it is dead-lettered.
func (m *Manager) drain(ctx context.Context, c *connector, sess Session) {
	dctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-sess.Done():
			cancel()
		case <-dctx.Done():
		}
	}()

	topic := Topic(c.cfg.ID)
	for {
		lease, err := m.opts.Broker.Consume(dctx, topic)
		if err != nil {
			if dctx.Err() != nil {
				return
			}
			m.log("Drain", "ConsumeFailed", logrus.ErrorLevel, map[string]interface{}{"connector": c.cfg.ID}, err)
			if errors.Is(err, queue.ErrClosed) || !sleep(dctx, consumeRetryDelay) {
				<-dctx.Done()
				return
			}
			continue
		}

		if !m.submit(dctx, c, sess, lease) {
			return
		}
	}
}

// submit handles one leased item and reports whether draining should continue.
func (m *Manager) submit(ctx context.Context, c *connector, sess Session, lease queue.Lease) bool {
	item := lease.Item()
	id := c.cfg.ID

	var msg message.Message
	if err := item.Decode(&msg); err != nil {
		return m.deadLetter(ctx, c, lease, fmt.Sprintf("decode: %v", err))
	}
	if msg.Expired(time.Now()) {
		return m.deadLetter(ctx, c, lease, "validity expired")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		_ = lease.Nack(0)
		return false
	}

	carrierIDs, err := sess.Submit(ctx, &msg)
	if err != nil {
		if ctx.Err() != nil {
			// stopped or session lost mid-submit; leave it for redelivery
			_ = lease.Nack(0)
			return false
		}

		c.submitFailures[item.ID]++
		failures := c.submitFailures[item.ID]
		fields := map[string]interface{}{"connector": id, "message_id": msg.ID, "attempt": failures}
		if failures >= c.cfg.MaxSubmitAttempts {
			m.log("Submit", "SubmitGaveUp", logrus.ErrorLevel, fields, err)
			item.Attempts = failures
			return m.deadLetter(ctx, c, lease, err.Error())
		}

		m.log("Submit", "SubmitFailed", logrus.WarnLevel, fields, err)
		_ = lease.Nack(0)
		return sleep(ctx, m.opts.Backoff.Delay(failures))
	}

	delete(c.submitFailures, item.ID)
	if err := lease.Ack(); err != nil {
		m.log("Submit", "AckFailed", logrus.WarnLevel, map[string]interface{}{"connector": id, "message_id": msg.ID}, err)
	}
	c.release()

	m.log("Submit", "Submitted", logrus.DebugLevel, map[string]interface{}{
		"connector": id, "message_id": msg.ID, "carrier_ids": carrierIDs,
	}, nil)
	if m.opts.OnSubmitted != nil {
		m.opts.OnSubmitted(ctx, id, &msg, carrierIDs)
	}
	return true
}

// deadLetter settles the lease as dead. When the sink fails the item is put back and
// draining pauses before the next consume.
func (m *Manager) deadLetter(ctx context.Context, c *connector, lease queue.Lease, reason string) bool {
	item := lease.Item()
	item.LastError = reason

	if m.opts.DeadLetter != nil {
		if err := m.opts.DeadLetter.DeadLetter(ctx, deadletter.NewRecord(Topic(c.cfg.ID), item, reason)); err != nil {
			m.log("DeadLetter", "DeadLetterFailed", logrus.ErrorLevel, map[string]interface{}{"connector": c.cfg.ID, "item_id": item.ID}, err)
			_ = lease.Nack(0)
			return sleep(ctx, consumeRetryDelay)
		}
	}
	_ = lease.Ack()
	delete(c.submitFailures, item.ID)
	c.release()
	m.log("DeadLetter", "SubmitDeadLettered", logrus.WarnLevel, map[string]interface{}{
		"connector": c.cfg.ID, "item_id": item.ID, "reason": reason,
	}, nil)
	return true
}
