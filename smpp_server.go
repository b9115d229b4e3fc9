package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/M2MGateway/go-smpp"
	"github.com/M2MGateway/go-smpp/coding"
	"github.com/M2MGateway/go-smpp/pdu"
	"github.com/pires/go-proxyproto"
	"github.com/sirupsen/logrus"

	"sms-interchange/connector"
	"sms-interchange/gateway"
	"sms-interchange/logging"
	"sms-interchange/message"
	"sms-interchange/routing"
	"sms-interchange/session"
)

// SMPP command_status values returned to consumers
const (
	esmeROK         = 0x00
	esmeRInvBndSts  = 0x04
	esmeRBindFail   = 0x0D
	esmeRInvDstAdr  = 0x0B
	esmeRMsgQFul    = 0x14
	esmeRSubmitFail = 0x45
	esmeRThrottled  = 0x58
)

// esm_class message type 0x04 >> 2
const esmSMSCReceipt = 1

const (
	serverEnquireLink = 15 * time.Second
	enquireLinkWait   = 5 * time.Second
)

// SMPPServer accepts consumer binds. A bound consumer submits MT traffic and is
// registered as the live session for its MO messages and receipts.
type SMPPServer struct {
	Addr          string
	ProxyProtocol bool

	gateway  *gateway.Gateway
	sessions *session.Registry
	auth     func(username, password string) bool
	logs     *logging.LogManager

	wg sync.WaitGroup
}

func NewSMPPServer(addr string, gw *gateway.Gateway, sessions *session.Registry, auth func(string, string) bool, logs *logging.LogManager) *SMPPServer {
	return &SMPPServer{Addr: addr, gateway: gw, sessions: sessions, auth: auth, logs: logs}
}

// Serve accepts connections until ctx is cancelled, then waits for open sessions to end.
func (s *SMPPServer) Serve(ctx context.Context) error {
	list, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("smpp listen %s: %w", s.Addr, err)
	}
	return s.serve(ctx, list)
}

func (s *SMPPServer) serve(ctx context.Context, list net.Listener) error {
	if s.ProxyProtocol {
		list = &proxyproto.Listener{Listener: list}
	}
	go func() {
		<-ctx.Done()
		_ = list.Close()
	}()

	s.logs.SendLog(s.logs.BuildLog("Server.SMPP.Serve", "SMPPServerListening", logrus.InfoLevel,
		map[string]interface{}{"addr": list.Addr().String(), "proxy_protocol": s.ProxyProtocol}))

	for {
		conn, err := list.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("smpp accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

// boundConsumer is one consumer connection; it becomes a session.Session once bound.
type boundConsumer struct {
	server *SMPPServer
	conn   net.Conn
	sess   *smpp.Session
	cancel context.CancelFunc

	mu       sync.Mutex
	username string
}

func (s *SMPPServer) serveConn(ctx context.Context, conn net.Conn) {
	cctx, cancel := context.WithCancel(ctx)
	c := &boundConsumer{server: s, conn: conn, sess: smpp.NewSession(cctx, conn), cancel: cancel}
	defer func() {
		cancel()
		if c.user() != "" && s.sessions.Unregister(c) {
			c.log("HandleUnbind", "SessionUnregistered", logrus.InfoLevel, nil, nil)
		}
		closeCtx, done := context.WithTimeout(context.Background(), enquireLinkWait)
		defer done()
		_ = c.sess.Close(closeCtx)
	}()

	for {
		select {
		case <-cctx.Done():
			return
		case packet, ok := <-c.sess.PDU():
			if !ok {
				return
			}
			c.handlePDU(cctx, packet)
		}
	}
}

func (c *boundConsumer) user() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

func (c *boundConsumer) log(op, msg string, level logrus.Level, fields map[string]interface{}, err error) {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["ip"] = clientIP(c.conn)
	if u := c.user(); u != "" {
		fields["username"] = u
	}
	c.server.logs.SendLog(c.server.logs.BuildLog("Server.SMPP."+op, msg, level, fields, err))
}

func (c *boundConsumer) send(op string, p any) {
	if err := c.sess.Send(p); err != nil {
		c.log(op, "SMPPPDUError", logrus.ErrorLevel, map[string]interface{}{"pdu": fmt.Sprintf("%T", p)}, err)
	}
}

func (c *boundConsumer) handlePDU(ctx context.Context, packet any) {
	switch p := packet.(type) {
	case *pdu.BindTransceiver:
		c.handleBind(ctx, p)
	case *pdu.SubmitSM:
		c.handleSubmitSM(ctx, p)
	case *pdu.Unbind:
		c.send("HandleUnbind", p.Resp())
		c.log("HandleUnbind", "UnbindReceived", logrus.InfoLevel, nil, nil)
		c.cancel()
	case pdu.Responsable:
		c.send("HandlePDU", p.Resp())
	default:
		c.log("HandlePDU", "SMPPUnhandledPDU", logrus.WarnLevel, map[string]interface{}{"pdu": fmt.Sprintf("%T", p)}, nil)
	}
}

func (c *boundConsumer) handleBind(ctx context.Context, p *pdu.BindTransceiver) {
	resp := p.Resp().(*pdu.BindTransceiverResp)
	if c.user() != "" {
		resp.Header.CommandStatus = esmeRInvBndSts
		c.send("HandleBind", resp)
		return
	}
	if p.SystemID == "" || !c.server.auth(p.SystemID, p.Password) {
		resp.Header.CommandStatus = esmeRBindFail
		c.send("HandleBind", resp)
		c.log("HandleBind", "AuthFailed", logrus.WarnLevel, map[string]interface{}{"system_id": p.SystemID}, nil)
		return
	}

	c.mu.Lock()
	c.username = p.SystemID
	c.mu.Unlock()
	c.send("HandleBind", resp)

	if prev := c.server.sessions.Register(c); prev != nil {
		c.log("HandleBind", "SessionReplaced", logrus.InfoLevel, nil, nil)
	}
	c.log("HandleBind", "AuthSuccess", logrus.InfoLevel, nil, nil)
	go c.keepalive(ctx)
}

func (c *boundConsumer) keepalive(ctx context.Context) {
	if err := c.sess.EnquireLink(ctx, serverEnquireLink, enquireLinkWait); err != nil && ctx.Err() == nil {
		c.log("EnquireLink", "SMPPEnquireLinkError", logrus.WarnLevel, nil, err)
		c.cancel()
	}
}

func (c *boundConsumer) handleSubmitSM(ctx context.Context, p *pdu.SubmitSM) {
	resp := p.Resp().(*pdu.SubmitSMResp)
	username := c.user()
	if username == "" {
		resp.Header.CommandStatus = esmeRInvBndSts
		c.send("HandleSubmitSM", resp)
		return
	}

	m := message.NewMessage(message.MT, normalizeNumber(p.SourceAddr.No), normalizeNumber(p.DestAddr.No),
		p.Message.Message, connector.SMPPEncoding(p.Message.DataCoding))
	m.Origin = username
	m.RegisteredDelivery = p.RegisteredDelivery.MCDeliveryReceipt != 0

	acc, err := c.server.gateway.Submit(ctx, m)
	resp.MessageID = m.ID
	setSubmitStatus(&resp.Header, err)
	c.send("HandleSubmitSM", resp)

	fields := map[string]interface{}{"message_id": m.ID, "to": m.To}
	if err != nil {
		c.log("HandleSubmitSM", "SubmitRejected", logrus.InfoLevel, fields, err)
		return
	}
	fields["connector"] = acc.ConnectorID
	c.log("HandleSubmitSM", "SubmitAccepted", logrus.DebugLevel, fields, nil)
}

// setSubmitStatus maps a gateway submit error to a submit_sm_resp command_status.
func setSubmitStatus(h *pdu.Header, err error) {
	switch {
	case err == nil:
		h.CommandStatus = esmeROK
	case errors.Is(err, routing.ErrNoRoute):
		h.CommandStatus = esmeRInvDstAdr
	case errors.Is(err, connector.ErrQueueFull):
		h.CommandStatus = esmeRMsgQFul
	case errors.Is(err, connector.ErrConnectorUnavailable):
		h.CommandStatus = esmeRThrottled
	default:
		h.CommandStatus = esmeRSubmitFail
	}
}

func (c *boundConsumer) ID() string { return c.user() }

// DeliverMessage pushes an MO message as deliver_sm and waits for each part's response.
func (c *boundConsumer) DeliverMessage(ctx context.Context, m *message.Message) error {
	parts, err := connector.SMPPParts(m)
	if err != nil {
		return err
	}
	for _, part := range parts {
		if err := c.deliver(ctx, &pdu.DeliverSM{
			SourceAddr: pdu.Address{TON: 0x01, NPI: 0x01, No: m.From},
			DestAddr:   pdu.Address{TON: 0x01, NPI: 0x01, No: m.To},
			ESMClass:   pdu.ESMClass{UDHIndicator: part.UDHeader != nil},
			Message:    part,
		}); err != nil {
			return err
		}
	}
	return nil
}

// DeliverReceipt pushes a receipt as a deliver_sm carrying the receipt text.
func (c *boundConsumer) DeliverReceipt(ctx context.Context, r message.DeliveryReceipt) error {
	return c.deliver(ctx, receiptDeliverSM(r))
}

// receiptDeliverSM flags the PDU as an SMSC delivery receipt. The addresses are those of
// the original submission, reversed.
func receiptDeliverSM(r message.DeliveryReceipt) *pdu.DeliverSM {
	text := message.FormatReceiptText(r, time.Time{})
	return &pdu.DeliverSM{
		SourceAddr: pdu.Address{TON: 0x01, NPI: 0x01, No: r.To},
		DestAddr:   pdu.Address{TON: 0x01, NPI: 0x01, No: r.From},
		ESMClass:   pdu.ESMClass{MessageType: esmSMSCReceipt},
		Message:    pdu.ShortMessage{Message: []byte(text), DataCoding: coding.ASCIICoding},
	}
}

func (c *boundConsumer) deliver(ctx context.Context, p *pdu.DeliverSM) error {
	resp, err := c.sess.Submit(ctx, p)
	if err != nil {
		return fmt.Errorf("%w: deliver_sm to %s: %v", session.ErrClosed, c.user(), err)
	}
	r, ok := resp.(*pdu.DeliverSMResp)
	if !ok {
		return fmt.Errorf("deliver_sm to %s: unexpected response %T", c.user(), resp)
	}
	if r.Header.CommandStatus != esmeROK {
		return fmt.Errorf("deliver_sm to %s: command status %#x", c.user(), uint32(r.Header.CommandStatus))
	}
	return nil
}

// normalizeNumber formats an address as E.164 and keeps it unchanged when it is not a number.
func normalizeNumber(addr string) string {
	if n, err := routing.FormatToE164(addr); err == nil {
		return n
	}
	return addr
}

func clientIP(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
