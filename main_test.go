package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/M2MGateway/go-smpp"
	"github.com/M2MGateway/go-smpp/pdu"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sms-interchange/connector"
	"sms-interchange/deadletter"
	"sms-interchange/gateway"
	"sms-interchange/logging"
	"sms-interchange/message"
	"sms-interchange/queue"
	"sms-interchange/routing"
	"sms-interchange/session"
	"sms-interchange/thrower"
)

const gatewayYAML = `
connectors:
  - id: carrier-a
    kind: smpp
    host: smsc.example.net
    port: 2775
    system_id: gw
    password: secret
    enquire_link: 15s
    autostart: true
  - id: twilio-us
    kind: twilio
users:
  - username: alice
    password: pw
    message_url: http://consumer.example.net/mo
routing:
  mt:
    - name: us
      priority: 1
      filter: {kind: destination_prefix, operand: "1"}
      connector: carrier-a
    - default: true
      connector: twilio-us
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "AC123")
	t.Setenv("TWILIO_AUTH_TOKEN", "token")
	t.Setenv("THROWER_MAX_ATTEMPTS", "7")
	t.Setenv("CONNECTOR_QUEUE_CAP", "")

	cfg, err := loadConfig(writeConfig(t, gatewayYAML))
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Thrower.MaxAttempts)
	assert.Equal(t, thrower.DefaultPolicy().PushTimeout, cfg.Thrower.PushTimeout)
	assert.Equal(t, 1000, cfg.ConnectorQueueCap)
	assert.Equal(t, "0.0.0.0:2775", cfg.SMPPListen)

	require.Len(t, cfg.File.Connectors, 2)
	assert.Equal(t, 15*time.Second, cfg.File.Connectors[0].EnquireLink)
	assert.True(t, cfg.File.Connectors[0].AutoStart)
	assert.Equal(t, "AC123", cfg.File.Connectors[1].AccountSID)
	assert.Equal(t, "token", cfg.File.Connectors[1].AuthToken)

	table, err := cfg.File.Routing.Build()
	require.NoError(t, err)
	assert.Equal(t, 2, table.Len())

	assert.True(t, cfg.authUser("alice", "pw"))
	assert.False(t, cfg.authUser("alice", "nope"))
	assert.False(t, cfg.authUser("mallory", "pw"))
}

func TestLoadConfigErrors(t *testing.T) {
	t.Run("duplicate user", func(t *testing.T) {
		_, err := loadConfig(writeConfig(t, "users:\n  - {username: a, password: x}\n  - {username: a, password: y}\n"))
		assert.ErrorContains(t, err, "duplicate user a")
	})
	t.Run("twilio without credentials", func(t *testing.T) {
		t.Setenv("TWILIO_ACCOUNT_SID", "")
		t.Setenv("TWILIO_AUTH_TOKEN", "")
		_, err := loadConfig(writeConfig(t, "connectors:\n  - {id: t, kind: twilio}\n"))
		assert.ErrorContains(t, err, "twilio needs account_sid")
	})
	t.Run("unknown archive", func(t *testing.T) {
		t.Setenv("DEADLETTER_ARCHIVE", "s3")
		_, err := loadConfig("")
		assert.ErrorContains(t, err, "unknown archive")
	})
	t.Run("bad duration", func(t *testing.T) {
		t.Setenv("THROWER_PUSH_TIMEOUT", "soon")
		_, err := loadConfig("")
		assert.ErrorContains(t, err, "THROWER_PUSH_TIMEOUT")
	})
}

type fakeCarrier struct {
	mu        sync.Mutex
	submitted []*message.Message
	done      chan struct{}
	once      sync.Once
}

func (s *fakeCarrier) Submit(_ context.Context, m *message.Message) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, m)
	return []string{fmt.Sprintf("c-%d", len(s.submitted))}, nil
}

func (s *fakeCarrier) Done() <-chan struct{} { return s.done }

func (s *fakeCarrier) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

type webFixture struct {
	handler http.Handler
	gateway *gateway.Gateway
	broker  *queue.MemoryBroker
}

const webRouting = `
mt:
  - name: us
    priority: 1
    filter: {kind: destination_prefix, operand: "1"}
    connector: carrier-a
  - default: true
    connector: carrier-b
`

const twilioToken = "twilio-token"

var fakeBinder = connector.BinderFunc(func(context.Context, connector.Config, connector.Inbound) (connector.Session, error) {
	return &fakeCarrier{done: make(chan struct{})}, nil
})

// twilioSignature signs a form post the way Twilio does: HMAC-SHA1 over the URL
// followed by every parameter name and value in name order.
func twilioSignature(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	data := fullURL
	for _, k := range keys {
		data += k + form.Get(k)
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (f *webFixture) twilio(path string, form url.Values, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", signature)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *webFixture) signedTwilio(path string, form url.Values) *httptest.ResponseRecorder {
	return f.twilio(path, form, twilioSignature(twilioToken, "https://gw.example.net"+path, form))
}

func newWebFixture(t *testing.T) *webFixture {
	t.Helper()
	broker := queue.NewMemoryBroker()
	table, err := routing.ParseTable([]byte(webRouting))
	require.NoError(t, err)

	gw, err := gateway.New(gateway.Options{
		Router:     routing.NewRouter(table),
		Broker:     broker,
		DeadLetter: deadletter.QueueSink{Broker: broker, Topic: deadLetterTopic},
		Connectors: connector.Options{
			Binders: map[string]connector.Binder{
				"fake":   fakeBinder,
				"twilio": fakeBinder,
			},
		},
		Logs: logging.Discard(),
	})
	require.NoError(t, err)
	require.NoError(t, gw.Connectors().Add(connector.Config{ID: "carrier-a", Kind: "fake"}))
	require.NoError(t, gw.Connectors().Add(connector.Config{ID: "carrier-b", Kind: "fake"}))
	require.NoError(t, gw.Connectors().Add(connector.Config{ID: "twilio-us", Kind: "twilio", AccountSID: "AC1", AuthToken: twilioToken}))
	require.NoError(t, gw.StartConnector("carrier-a"))
	require.Eventually(t, func() bool { return gw.Connectors().IsBound("carrier-a") }, time.Second, 5*time.Millisecond)

	cfg := &Config{
		APIKey:    "admin-key",
		PublicURL: "https://gw.example.net",
		users:     map[string]User{"alice": {Username: "alice", Password: "pw"}},
	}
	handler, err := NewWebServer("127.0.0.1:0", gw, cfg, logging.Discard()).Handler()
	require.NoError(t, err)

	t.Cleanup(func() {
		gw.Shutdown()
		_ = broker.Close()
	})
	return &webFixture{handler: handler, gateway: gw, broker: broker}
}

func (f *webFixture) do(method, target string, form url.Values, apiKey string) *httptest.ResponseRecorder {
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if apiKey != "" {
		req.SetBasicAuth("admin", apiKey)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestWebSend(t *testing.T) {
	f := newWebFixture(t)

	rec := f.do(http.MethodPost, "/send", url.Values{
		"username": {"alice"}, "password": {"pw"},
		"to": {"15551234567"}, "from": {"15557654321"}, "content": {"hello"}, "dlr": {"yes"},
	}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var acc gateway.Accepted
	require.NoError(t, jsoniter.Unmarshal(rec.Body.Bytes(), &acc))
	assert.Equal(t, "carrier-a", acc.ConnectorID)
	assert.Equal(t, "us", acc.Route)
	assert.NotEmpty(t, acc.MessageID)
}

func TestWebSendErrors(t *testing.T) {
	f := newWebFixture(t)

	cases := []struct {
		name string
		form url.Values
		code int
	}{
		{"bad password", url.Values{"username": {"alice"}, "password": {"x"}, "to": {"15551234567"}, "content": {"hi"}}, http.StatusForbidden},
		{"missing content", url.Values{"username": {"alice"}, "password": {"pw"}, "to": {"15551234567"}}, http.StatusBadRequest},
		{"bad coding", url.Values{"username": {"alice"}, "password": {"pw"}, "to": {"15551234567"}, "content": {"hi"}, "coding": {"9"}}, http.StatusBadRequest},
		// the default route's connector is stopped
		{"no route", url.Values{"username": {"alice"}, "password": {"pw"}, "to": {"442071234567"}, "content": {"hi"}}, http.StatusPreconditionFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, "/send", tc.form, "")
			assert.Equal(t, tc.code, rec.Code, rec.Body.String())
		})
	}
}

func TestSubmitHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusPreconditionFailed, submitHTTPStatus(fmt.Errorf("x: %w", routing.ErrNoRoute)))
	assert.Equal(t, http.StatusTooManyRequests, submitHTTPStatus(&connector.RejectedError{ConnectorID: "a", Reason: connector.ErrQueueFull}))
	assert.Equal(t, http.StatusServiceUnavailable, submitHTTPStatus(&connector.RejectedError{ConnectorID: "a", Reason: connector.ErrConnectorUnavailable}))
	assert.Equal(t, http.StatusInternalServerError, submitHTTPStatus(errors.New("boom")))
}

func TestWebAdmin(t *testing.T) {
	f := newWebFixture(t)

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/admin/connectors", nil, "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/admin/connectors", nil, "wrong").Code)

	rec := f.do(http.MethodGet, "/admin/connectors", nil, "admin-key")
	require.Equal(t, http.StatusOK, rec.Code)
	var statuses []connector.Status
	require.NoError(t, jsoniter.Unmarshal(rec.Body.Bytes(), &statuses))
	assert.Len(t, statuses, 3)

	rec = f.do(http.MethodPost, "/admin/connectors/carrier-a/stop", nil, "admin-key")
	require.Equal(t, http.StatusOK, rec.Code)
	var st connector.Status
	require.NoError(t, jsoniter.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, connector.StateStopped, st.State)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/admin/connectors/nope", nil, "admin-key").Code)

	rec = f.do(http.MethodGet, "/admin/queues/"+thrower.ReceiptTopic+"/depth", nil, "admin-key")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"topic":"dlr","depth":0}`, rec.Body.String())
}

func TestWebAdminRouting(t *testing.T) {
	f := newWebFixture(t)
	before := f.gateway.Router().Version()

	req := httptest.NewRequest(http.MethodPut, "/admin/routing", strings.NewReader("mt:\n  - default: true\n    connector: carrier-a\n"))
	req.SetBasicAuth("admin", "admin-key")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, before+1, f.gateway.Router().Version())

	req = httptest.NewRequest(http.MethodPut, "/admin/routing", strings.NewReader("mt:\n  - filter: {kind: bogus}\n    connector: a\n"))
	req.SetBasicAuth("admin", "admin-key")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, before+1, f.gateway.Router().Version())

	rec = f.do(http.MethodGet, "/admin/routing", nil, "admin-key")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"target":"carrier-a"`)
}

func TestWebTwilioCallbacks(t *testing.T) {
	f := newWebFixture(t)
	ctx := context.Background()
	const statusPath = "/callbacks/twilio/twilio-us/status"

	rec := f.signedTwilio(statusPath, url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"sent"}})
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	depth, err := f.broker.Depth(ctx, thrower.ReceiptTopic)
	require.NoError(t, err)
	assert.Zero(t, depth)

	rec = f.signedTwilio(statusPath, url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"delivered"}})
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	depth, err = f.broker.Depth(ctx, thrower.ReceiptTopic)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	rec = f.signedTwilio("/inbound/twilio/twilio-us", url.Values{"From": {"+15550001111"}, "To": {"+15550002222"}, "Body": {"hi"}})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "<Response>")
}

func TestWebTwilioRejectsUnsignedAndUnknown(t *testing.T) {
	f := newWebFixture(t)
	ctx := context.Background()
	form := url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"delivered"}}

	rec := f.twilio("/callbacks/twilio/twilio-us/status", form, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = f.twilio("/callbacks/twilio/twilio-us/status", form, twilioSignature("other-token", "https://gw.example.net/callbacks/twilio/twilio-us/status", form))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// unknown connectors and non-twilio connectors are not accepted
	assert.Equal(t, http.StatusNotFound, f.signedTwilio("/callbacks/twilio/missing/status", form).Code)
	assert.Equal(t, http.StatusNotFound, f.signedTwilio("/callbacks/twilio/carrier-a/status", form).Code)
	assert.Equal(t, http.StatusNotFound, f.signedTwilio("/inbound/twilio/missing", url.Values{"Body": {"hi"}}).Code)

	depth, err := f.broker.Depth(ctx, thrower.ReceiptTopic)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestSMPPSubmitStatus(t *testing.T) {
	cases := []struct {
		err    error
		status uint32
	}{
		{nil, esmeROK},
		{fmt.Errorf("%w: rejected", routing.ErrNoRoute), esmeRInvDstAdr},
		{&connector.RejectedError{ConnectorID: "a", Reason: connector.ErrQueueFull}, esmeRMsgQFul},
		{&connector.RejectedError{ConnectorID: "a", Reason: connector.ErrConnectorUnavailable}, esmeRThrottled},
		{errors.New("boom"), esmeRSubmitFail},
	}
	for _, tc := range cases {
		var h pdu.Header
		setSubmitStatus(&h, tc.err)
		assert.EqualValues(t, tc.status, h.CommandStatus, "%v", tc.err)
	}
}

// readResp sends p from the consumer side and waits for the server's reply.
func readResp(t *testing.T, peer *smpp.Session, p any, seq int32) any {
	t.Helper()
	pdu.WriteSequence(p, seq)
	require.NoError(t, peer.Send(p))
	select {
	case resp := <-peer.PDU():
		return resp
	case <-time.After(2 * time.Second):
		t.Fatalf("no response to %T", p)
		return nil
	}
}

func TestSMPPServerBindAndSubmit(t *testing.T) {
	f := newWebFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client, server := net.Pipe()
	defer client.Close()

	sessions := session.NewRegistry()
	srv := NewSMPPServer("127.0.0.1:0", f.gateway, sessions, func(u, p string) bool {
		return u == "alice" && p == "pw"
	}, logging.Discard())
	go srv.serveConn(ctx, server)
	peer := smpp.NewSession(ctx, client)

	sm := &pdu.SubmitSM{
		SourceAddr: pdu.Address{TON: 1, NPI: 1, No: "15557654321"},
		DestAddr:   pdu.Address{TON: 1, NPI: 1, No: "15551234567"},
		Message:    pdu.ShortMessage{Message: []byte("hello")},
	}
	resp, ok := readResp(t, peer, sm, 1).(*pdu.SubmitSMResp)
	require.True(t, ok)
	assert.EqualValues(t, esmeRInvBndSts, resp.Header.CommandStatus)

	bind, ok := readResp(t, peer, &pdu.BindTransceiver{SystemID: "alice", Password: "bad"}, 2).(*pdu.BindTransceiverResp)
	require.True(t, ok)
	assert.EqualValues(t, esmeRBindFail, bind.Header.CommandStatus)

	bind, ok = readResp(t, peer, &pdu.BindTransceiver{SystemID: "alice", Password: "pw"}, 3).(*pdu.BindTransceiverResp)
	require.True(t, ok)
	assert.EqualValues(t, esmeROK, bind.Header.CommandStatus)
	assert.EqualValues(t, 3, bind.Header.Sequence)
	require.Eventually(t, func() bool {
		_, ok := sessions.Get("alice")
		return ok
	}, time.Second, 5*time.Millisecond)

	resp, ok = readResp(t, peer, sm, 4).(*pdu.SubmitSMResp)
	require.True(t, ok)
	assert.EqualValues(t, esmeROK, resp.Header.CommandStatus)
	assert.NotEmpty(t, resp.MessageID)
}

func TestReceiptDeliverSM(t *testing.T) {
	p := receiptDeliverSM(message.DeliveryReceipt{
		MessageID:        "msg-1",
		CarrierMessageID: "c-1",
		ConnectorID:      "carrier-a",
		From:             "+15557654321",
		To:               "+15551234567",
		Status:           message.StatusDelivered,
	})

	esm, err := p.ESMClass.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0x04), esm)
	assert.Equal(t, "+15551234567", p.SourceAddr.No)
	assert.Equal(t, "+15557654321", p.DestAddr.No)

	r, ok := message.ParseReceiptText(string(p.Message.Message))
	require.True(t, ok)
	assert.Equal(t, "msg-1", r.CarrierMessageID)
	assert.Equal(t, message.StatusDelivered, r.Status)
}

func TestNormalizeNumber(t *testing.T) {
	assert.Equal(t, "+15551234567", normalizeNumber("15551234567"))
	assert.Equal(t, "SHORTCODE", normalizeNumber("SHORTCODE"))
}
