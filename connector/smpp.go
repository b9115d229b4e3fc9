package connector

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/M2MGateway/go-smpp"
	"github.com/M2MGateway/go-smpp/coding"
	"github.com/M2MGateway/go-smpp/pdu"
	"github.com/sirupsen/logrus"

	"sms-interchange/logging"
	"sms-interchange/message"
)

const (
	// 140 octets less a 6-octet concatenation UDH
	smppSegmentLimit   = 134
	maxConcatParts     = 254
	enquireLinkTimeout = 5 * time.Second
	defaultEnquireLink = 30 * time.Second
)

// binaryCoding is the 8-bit data coding; go-smpp has no named constant for it.
const binaryCoding = coding.DataCoding(0x04)

// SMPPBinder binds transceiver sessions to SMPP carriers.
type SMPPBinder struct {
	Logs        *logging.LogManager
	DialTimeout time.Duration
}

func (b *SMPPBinder) Bind(ctx context.Context, cfg Config, inbound Inbound) (Session, error) {
	timeout := b.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("dial %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	sess := smpp.NewSession(sctx, conn)

	resp, err := sess.Submit(ctx, &pdu.BindTransceiver{
		SystemID:   cfg.SystemID,
		Password:   cfg.Password,
		SystemType: cfg.SystemType,
		Version:    pdu.SMPPVersion34,
	})
	if err != nil {
		cancel()
		_ = conn.Close()
		return nil, fmt.Errorf("bind_transceiver: %w", err)
	}
	bindResp, ok := resp.(*pdu.BindTransceiverResp)
	if !ok {
		cancel()
		_ = conn.Close()
		return nil, fmt.Errorf("bind_transceiver: unexpected response %T", resp)
	}
	if bindResp.Header.CommandStatus != 0 {
		cancel()
		_ = conn.Close()
		return nil, fmt.Errorf("bind_transceiver: command status %#x", uint32(bindResp.Header.CommandStatus))
	}

	s := &smppSession{
		cfg:      cfg,
		sess:     sess,
		cancel:   cancel,
		lost:     make(chan struct{}),
		inbound:  inbound,
		logs:     b.Logs,
		accepted: make(map[string][]string),
	}
	interval := cfg.EnquireLink
	if interval <= 0 {
		interval = defaultEnquireLink
	}
	go s.readLoop(sctx)
	go s.keepalive(sctx, interval)
	return s, nil
}

type smppSession struct {
	cfg     Config
	sess    *smpp.Session
	cancel  context.CancelFunc
	inbound Inbound
	logs    *logging.LogManager

	lostOnce  sync.Once
	lost      chan struct{}
	closeOnce sync.Once

	// carrier ids of the parts already accepted, by message id, until every part is in
	mu       sync.Mutex
	accepted map[string][]string
}

func (s *smppSession) log(msg string, level logrus.Level, fields map[string]interface{}, err error) {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["connector"] = s.cfg.ID
	s.logs.SendLog(s.logs.BuildLog("Connector.SMPP", msg, level, fields, err))
}

func (s *smppSession) Done() <-chan struct{} { return s.lost }

func (s *smppSession) lose(err error) {
	s.lostOnce.Do(func() {
		if err != nil {
			s.log("SessionLost", logrus.WarnLevel, nil, err)
		}
		close(s.lost)
	})
}

func (s *smppSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = s.sess.Close(ctx)
		s.cancel()
		s.lose(nil)
	})
	return err
}

func (s *smppSession) keepalive(ctx context.Context, interval time.Duration) {
	err := s.sess.EnquireLink(ctx, interval, enquireLinkTimeout)
	if ctx.Err() == nil {
		if err == nil {
			err = errors.New("enquire_link stopped")
		}
		s.lose(err)
	}
}

func (s *smppSession) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case packet, ok := <-s.sess.PDU():
			if !ok {
				s.lose(errors.New("connection closed"))
				return
			}
			s.handlePDU(ctx, packet)
		}
	}
}

func (s *smppSession) handlePDU(ctx context.Context, packet any) {
	switch p := packet.(type) {
	case *pdu.DeliverSM:
		s.handleDeliverSM(ctx, p)
	case *pdu.Unbind:
		_ = s.sess.Send(p.Resp())
		s.lose(errors.New("unbound by carrier"))
	case pdu.Responsable:
		if err := s.sess.Send(p.Resp()); err != nil {
			s.log("SendResponseFailed", logrus.WarnLevel, map[string]interface{}{"pdu": fmt.Sprintf("%T", p)}, err)
		}
	default:
		s.log("UnhandledPDU", logrus.DebugLevel, map[string]interface{}{"pdu": fmt.Sprintf("%T", p)}, nil)
	}
}

// handleDeliverSM acks the PDU and hands it on as a receipt when its text parses as
// one, otherwise as an MO message. The PDU is acked even when the hand-off fails; the
// carrier must not resend what is already queued.
func (s *smppSession) handleDeliverSM(ctx context.Context, p *pdu.DeliverSM) {
	content := p.Message.Message
	if receipt, ok := message.ParseReceiptText(string(content)); ok {
		receipt.ConnectorID = s.cfg.ID
		if err := s.inbound.Receipt(ctx, receipt); err != nil {
			s.log("ReceiptHandoffFailed", logrus.ErrorLevel, map[string]interface{}{"carrier_message_id": receipt.CarrierMessageID}, err)
		}
	} else {
		m := message.NewMessage(message.MO, p.SourceAddr.No, p.DestAddr.No, content, fromDataCoding(p.Message.DataCoding))
		m.Origin = s.cfg.ID
		if err := s.inbound.Inbound(ctx, s.cfg.ID, m); err != nil {
			s.log("InboundHandoffFailed", logrus.ErrorLevel, map[string]interface{}{"message_id": m.ID}, err)
		}
	}
	if err := s.sess.Send(p.Resp()); err != nil {
		s.log("SendResponseFailed", logrus.WarnLevel, map[string]interface{}{"pdu": "deliver_sm_resp"}, err)
	}
}

// Submit sends m as one submit_sm per part and returns the carrier id of each. When a
// part fails, a later Submit of the same message on this session resumes after the parts
// the carrier already accepted.
func (s *smppSession) Submit(ctx context.Context, m *message.Message) ([]string, error) {
	parts, err := SMPPParts(m)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	ids := append([]string(nil), s.accepted[m.ID]...)
	s.mu.Unlock()

	for i := len(ids); i < len(parts); i++ {
		sm := &pdu.SubmitSM{
			SourceAddr: pdu.Address{TON: 0x01, NPI: 0x01, No: m.From},
			DestAddr:   pdu.Address{TON: 0x01, NPI: 0x01, No: m.To},
			ESMClass:   pdu.ESMClass{UDHIndicator: parts[i].UDHeader != nil},
			Message:    parts[i],
		}
		if m.RegisteredDelivery {
			sm.RegisteredDelivery.MCDeliveryReceipt = 1
		}

		id, err := s.submitPart(ctx, sm)
		if err != nil {
			s.mu.Lock()
			s.accepted[m.ID] = ids
			s.mu.Unlock()
			return ids, fmt.Errorf("submit_sm part %d/%d: %w", i+1, len(parts), err)
		}
		ids = append(ids, id)
	}

	s.mu.Lock()
	delete(s.accepted, m.ID)
	s.mu.Unlock()
	return ids, nil
}

func (s *smppSession) submitPart(ctx context.Context, sm *pdu.SubmitSM) (string, error) {
	resp, err := s.sess.Submit(ctx, sm)
	if err != nil {
		return "", err
	}
	r, ok := resp.(*pdu.SubmitSMResp)
	if !ok {
		return "", fmt.Errorf("unexpected response %T", resp)
	}
	if r.Header.CommandStatus != 0 {
		return "", fmt.Errorf("command status %#x", uint32(r.Header.CommandStatus))
	}
	return r.MessageID, nil
}

// SMPPParts encodes m into short_message fields, one per part. Parts of a multipart
// message carry a concatenation UDH whose reference comes from the message id, so a
// resent part joins the same set on the handset.
func SMPPParts(m *message.Message) ([]pdu.ShortMessage, error) {
	dc := toDataCoding(m.Encoding)
	segments, err := encodeSegments(m, dc)
	if err != nil {
		return nil, err
	}
	if len(segments) > maxConcatParts {
		return nil, fmt.Errorf("message %s: %d parts: %w", m.ID, len(segments), pdu.ErrMultipartTooMuch)
	}

	parts := make([]pdu.ShortMessage, len(segments))
	header := pdu.ConcatenatedHeader{Reference: concatReference(m.ID), TotalParts: byte(len(segments))}
	for i, segment := range segments {
		parts[i] = pdu.ShortMessage{Message: segment, DataCoding: dc}
		if len(segments) > 1 {
			header.Sequence = byte(i + 1)
			parts[i].UDHeader = make(pdu.UserDataHeader)
			header.Set(parts[i].UDHeader)
		}
	}
	return parts, nil
}

// concatReference fits the 8-bit reference element.
func concatReference(id string) uint16 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return uint16(h.Sum32() % 0xFF)
}

// SMPPEncoding maps a received data_coding to the message encoding tag.
func SMPPEncoding(dc coding.DataCoding) message.Encoding {
	return fromDataCoding(dc)
}

func toDataCoding(enc message.Encoding) coding.DataCoding {
	switch enc {
	case message.MessageEncoding.UCS2:
		return coding.UCS2Coding
	case message.MessageEncoding.Latin1:
		return coding.Latin1Coding
	case message.MessageEncoding.Binary:
		return binaryCoding
	default:
		// unpacked GSM 03.38 travels as ASCII
		return coding.ASCIICoding
	}
}

func fromDataCoding(dc coding.DataCoding) message.Encoding {
	switch dc {
	case coding.UCS2Coding:
		return message.MessageEncoding.UCS2
	case coding.Latin1Coding:
		return message.MessageEncoding.Latin1
	case binaryCoding:
		return message.MessageEncoding.Binary
	default:
		return message.MessageEncoding.GSM7
	}
}

// encodeSegments splits the message text the way the data coding counts characters
// and encodes each part.
func encodeSegments(m *message.Message, dc coding.DataCoding) ([][]byte, error) {
	if dc == binaryCoding {
		if len(m.Content) <= pdu.MaxShortMessageLength {
			return [][]byte{m.Content}, nil
		}
		var out [][]byte
		for rest := m.Content; len(rest) > 0; {
			n := smppSegmentLimit
			if len(rest) < n {
				n = len(rest)
			}
			out = append(out, rest[:n])
			rest = rest[n:]
		}
		return out, nil
	}

	text := m.Text()
	segments := []string{text}
	if splitter := dc.Splitter(); splitter != nil {
		segments = splitter.Split(text, smppSegmentLimit)
	}
	if len(segments) == 0 {
		segments = []string{""}
	}

	encoder := dc.Encoding().NewEncoder()
	out := make([][]byte, 0, len(segments))
	for _, segment := range segments {
		encoded, err := encoder.Bytes([]byte(segment))
		if err != nil {
			return nil, fmt.Errorf("encode segment: %w", err)
		}
		out = append(out, encoded)
	}
	return out, nil
}
