package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/kataras/iris/v12"
	"github.com/sirupsen/logrus"
	"github.com/twilio/twilio-go/client"

	"sms-interchange/connector"
	"sms-interchange/gateway"
	"sms-interchange/logging"
	"sms-interchange/message"
	"sms-interchange/routing"
)

// WebServer is the HTTP surface: /send ingress, admin operations and carrier callbacks.
type WebServer struct {
	Addr string

	gateway *gateway.Gateway
	cfg     *Config
	logs    *logging.LogManager
	app     *iris.Application
}

func NewWebServer(addr string, gw *gateway.Gateway, cfg *Config, logs *logging.LogManager) *WebServer {
	w := &WebServer{Addr: addr, gateway: gw, cfg: cfg, logs: logs, app: iris.New()}
	w.app.Logger().SetLevel("disable")

	w.app.Get("/health", webHealthCheck)
	w.app.Post("/send", w.webSend)
	w.app.Get("/send", w.webSend)
	w.app.Post("/inbound/twilio/{connector}", w.webInboundTwilio)
	w.app.Post("/callbacks/twilio/{connector}/status", w.webTwilioStatus)

	admin := w.app.Party("/admin", w.basicAuthMiddleware)
	admin.Get("/routing", w.webGetRouting)
	admin.Put("/routing", w.webPutRouting)
	admin.Get("/connectors", w.webListConnectors)
	admin.Get("/connectors/{id}", w.webConnectorStatus)
	admin.Post("/connectors/{id}/start", w.webStartConnector)
	admin.Post("/connectors/{id}/stop", w.webStopConnector)
	admin.Get("/queues/{topic}/depth", w.webQueueDepth)
	return w
}

// Handler builds the router; used by Serve and by tests.
func (w *WebServer) Handler() (http.Handler, error) {
	if err := w.app.Build(); err != nil {
		return nil, err
	}
	return w.app, nil
}

// Serve listens until ctx is cancelled.
func (w *WebServer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = w.app.Shutdown(context.Background())
	}()
	w.logs.SendLog(w.logs.BuildLog("Server.Web.Serve", "WebServerListening", logrus.InfoLevel,
		map[string]interface{}{"addr": w.Addr}))
	return w.app.Listen(w.Addr, iris.WithoutStartupLog, iris.WithoutServerError(iris.ErrServerClosed))
}

func (w *WebServer) log(path, msg string, level logrus.Level, ctx iris.Context, fields map[string]interface{}, err error) {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["client_ip"] = ctx.RemoteAddr()
	w.logs.SendLog(w.logs.BuildLog("Server.Web."+path, msg, level, fields, err))
}

// basicAuthMiddleware enforces basic auth with API_KEY as the password.
func (w *WebServer) basicAuthMiddleware(ctx iris.Context) {
	if w.cfg.APIKey == "" {
		w.log("Auth", "APIKeyNotSet", logrus.ErrorLevel, ctx, nil, nil)
		ctx.StatusCode(http.StatusInternalServerError)
		ctx.WriteString("Internal Server Error")
		return
	}

	_, apiKey, ok := ctx.Request().BasicAuth()
	if !ok {
		w.unauthorized(ctx, "Invalid Authorization header")
		return
	}
	if apiKey != w.cfg.APIKey {
		w.unauthorized(ctx, "Invalid API key")
		return
	}
	ctx.Next()
}

func (w *WebServer) unauthorized(ctx iris.Context, reason string) {
	w.log("Auth", "Unauthorized", logrus.WarnLevel, ctx, map[string]interface{}{"reason": reason}, nil)
	ctx.Header("WWW-Authenticate", `Basic realm="Restricted"`)
	ctx.StatusCode(http.StatusUnauthorized)
	ctx.WriteString("Unauthorized")
}

func writeError(ctx iris.Context, status int, err error) {
	ctx.StopWithJSON(status, iris.Map{"error": err.Error()})
}

// submitHTTPStatus maps a gateway submit error to the /send response status.
func submitHTTPStatus(err error) int {
	switch {
	case errors.Is(err, routing.ErrNoRoute):
		return http.StatusPreconditionFailed
	case errors.Is(err, connector.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, connector.ErrConnectorUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func webHealthCheck(ctx iris.Context) {
	ctx.StatusCode(http.StatusOK)
	ctx.WriteString("OK")
}

// parseCoding reads the jasmin-style coding parameter. An empty value picks GSM7 when
// the text allows it and UCS2 otherwise.
func parseCoding(v, text string) (message.Encoding, error) {
	switch v {
	case "":
		return message.BestEncoding(text), nil
	case "0":
		return message.MessageEncoding.GSM7, nil
	case "1":
		return message.MessageEncoding.ASCII, nil
	case "3":
		return message.MessageEncoding.Latin1, nil
	case "4":
		return message.MessageEncoding.Binary, nil
	case "8":
		return message.MessageEncoding.UCS2, nil
	}
	return "", fmt.Errorf("unsupported coding %q", v)
}

// webSend is the HTTP ingress for MT messages.
func (w *WebServer) webSend(ctx iris.Context) {
	username := ctx.FormValue("username")
	if !w.cfg.authUser(username, ctx.FormValue("password")) {
		w.log("Send", "AuthFailed", logrus.WarnLevel, ctx, map[string]interface{}{"username": username}, nil)
		writeError(ctx, http.StatusForbidden, errors.New("authentication failure"))
		return
	}

	to, from, content := ctx.FormValue("to"), ctx.FormValue("from"), ctx.FormValue("content")
	if to == "" || content == "" {
		writeError(ctx, http.StatusBadRequest, errors.New("to and content are required"))
		return
	}
	enc, err := parseCoding(ctx.FormValue("coding"), content)
	if err != nil {
		writeError(ctx, http.StatusBadRequest, err)
		return
	}
	body, err := message.EncodeText(content, enc)
	if err != nil {
		writeError(ctx, http.StatusBadRequest, fmt.Errorf("encode content: %w", err))
		return
	}

	m := message.NewMessage(message.MT, normalizeNumber(from), normalizeNumber(to), body, enc)
	m.Origin = username
	switch strings.ToLower(ctx.FormValue("dlr")) {
	case "yes", "1", "true":
		m.RegisteredDelivery = true
	}
	if p := ctx.FormValue("priority"); p != "" {
		if m.Priority, err = strconv.Atoi(p); err != nil {
			writeError(ctx, http.StatusBadRequest, fmt.Errorf("priority: %w", err))
			return
		}
	}

	acc, err := w.gateway.Submit(ctx.Request().Context(), m)
	if err != nil {
		w.log("Send", "SubmitRejected", logrus.InfoLevel, ctx, map[string]interface{}{
			"username": username, "message_id": m.ID,
		}, err)
		writeError(ctx, submitHTTPStatus(err), err)
		return
	}
	ctx.JSON(acc)
}

// twilioConnector resolves the {connector} parameter to a Twilio connector and checks
// the X-Twilio-Signature against its auth token. It writes the error response itself.
func (w *WebServer) twilioConnector(ctx iris.Context) (string, bool) {
	id := ctx.Params().Get("connector")
	cc, err := w.gateway.ConnectorConfig(id)
	if err != nil {
		writeError(ctx, http.StatusNotFound, err)
		return "", false
	}
	if cc.Kind != "twilio" {
		writeError(ctx, http.StatusNotFound, fmt.Errorf("connector %s is not a twilio connector", id))
		return "", false
	}

	req := ctx.Request()
	if err := req.ParseForm(); err != nil {
		writeError(ctx, http.StatusBadRequest, err)
		return "", false
	}
	params := make(map[string]string, len(req.PostForm))
	for k, v := range req.PostForm {
		params[k] = v[0]
	}
	validator := client.NewRequestValidator(cc.AuthToken)
	if !validator.Validate(w.webhookURL(req), params, req.Header.Get("X-Twilio-Signature")) {
		w.log("Twilio", "SignatureRejected", logrus.WarnLevel, ctx, map[string]interface{}{"connector": id}, nil)
		writeError(ctx, http.StatusForbidden, errors.New("invalid twilio signature"))
		return "", false
	}
	return id, true
}

// webhookURL is the URL the carrier called, as it signed it.
func (w *WebServer) webhookURL(req *http.Request) string {
	base := w.cfg.PublicURL
	if base == "" {
		scheme := "http"
		if req.TLS != nil {
			scheme = "https"
		}
		if p := req.Header.Get("X-Forwarded-Proto"); p != "" {
			scheme = p
		}
		base = scheme + "://" + req.Host
	}
	return base + req.URL.RequestURI()
}

// webInboundTwilio takes Twilio's inbound message webhook.
func (w *WebServer) webInboundTwilio(ctx iris.Context) {
	id, ok := w.twilioConnector(ctx)
	if !ok {
		return
	}

	body := ctx.FormValue("Body")
	m := message.NewMessage(message.MO, ctx.FormValue("From"), ctx.FormValue("To"), []byte(body), message.BestEncoding(body))
	m.Origin = id
	if m.Encoding == message.MessageEncoding.UCS2 {
		// Twilio posts UTF-8; content is stored in its tagged encoding
		encoded, err := message.EncodeText(body, m.Encoding)
		if err != nil {
			writeError(ctx, http.StatusBadRequest, err)
			return
		}
		m.Content = encoded
	}

	fields := map[string]interface{}{"connector": id, "message_sid": ctx.FormValue("MessageSid"), "message_id": m.ID}
	if err := w.gateway.Inbound(ctx.Request().Context(), id, m); err != nil {
		w.log("InboundTwilio", "InboundFailed", logrus.ErrorLevel, ctx, fields, err)
		writeError(ctx, http.StatusInternalServerError, errors.New("failed to process inbound message"))
		return
	}
	w.log("InboundTwilio", "InboundAccepted", logrus.DebugLevel, ctx, fields, nil)
	ctx.ContentType("application/xml")
	ctx.WriteString("<Response></Response>")
}

// webTwilioStatus turns a Twilio status callback into a receipt. Intermediate states are
// acknowledged and dropped.
func (w *WebServer) webTwilioStatus(ctx iris.Context) {
	id, ok := w.twilioConnector(ctx)
	if !ok {
		return
	}
	sid := ctx.FormValue("MessageSid")
	if sid == "" {
		writeError(ctx, http.StatusBadRequest, errors.New("MessageSid is required"))
		return
	}
	status, final := connector.TwilioStatus(ctx.FormValue("MessageStatus"))
	if !final {
		ctx.StatusCode(http.StatusNoContent)
		return
	}

	r := message.DeliveryReceipt{
		CarrierMessageID: sid,
		ConnectorID:      id,
		Status:           status,
		ErrorCode:        ctx.FormValue("ErrorCode"),
	}
	if err := w.gateway.Receipt(ctx.Request().Context(), r); err != nil {
		w.log("TwilioStatus", "ReceiptFailed", logrus.ErrorLevel, ctx, map[string]interface{}{
			"connector": id, "message_sid": sid,
		}, err)
		writeError(ctx, http.StatusInternalServerError, errors.New("failed to queue receipt"))
		return
	}
	ctx.StatusCode(http.StatusNoContent)
}

type routeView struct {
	Name      string `json:"name"`
	Direction string `json:"direction"`
	Priority  int    `json:"priority"`
	Default   bool   `json:"default"`
	Target    string `json:"target"`
}

func (w *WebServer) webGetRouting(ctx iris.Context) {
	router := w.gateway.Router()
	t := router.Snapshot()
	if t == nil {
		writeError(ctx, http.StatusNotFound, errors.New("no routing table loaded"))
		return
	}
	routes := make([]routeView, 0, t.Len())
	for _, dir := range []message.Direction{message.MT, message.MO} {
		for _, r := range t.Routes(dir) {
			routes = append(routes, routeView{
				Name:      r.Name,
				Direction: string(r.Direction),
				Priority:  r.Priority,
				Default:   r.Default,
				Target:    r.Target.String(),
			})
		}
	}
	ctx.JSON(iris.Map{"version": router.Version(), "strategy": t.Strategy(), "routes": routes})
}

func (w *WebServer) webPutRouting(ctx iris.Context) {
	body, err := ctx.GetBody()
	if err != nil {
		writeError(ctx, http.StatusBadRequest, err)
		return
	}
	version, err := w.gateway.LoadRoutingYAML(body)
	if err != nil {
		writeError(ctx, http.StatusBadRequest, err)
		return
	}
	w.log("Routing", "RoutingTableReplaced", logrus.InfoLevel, ctx, map[string]interface{}{"version": version}, nil)
	ctx.JSON(iris.Map{"version": version})
}

func (w *WebServer) webListConnectors(ctx iris.Context) {
	ctx.JSON(w.gateway.ListConnectors())
}

func connectorErrorStatus(err error) int {
	if errors.Is(err, connector.ErrUnknownConnector) {
		return http.StatusNotFound
	}
	return http.StatusConflict
}

func (w *WebServer) webConnectorStatus(ctx iris.Context) {
	st, err := w.gateway.ConnectorStatus(ctx.Params().Get("id"))
	if err != nil {
		writeError(ctx, connectorErrorStatus(err), err)
		return
	}
	ctx.JSON(st)
}

func (w *WebServer) webStartConnector(ctx iris.Context) {
	id := ctx.Params().Get("id")
	if err := w.gateway.StartConnector(id); err != nil {
		writeError(ctx, connectorErrorStatus(err), err)
		return
	}
	w.log("Connectors", "ConnectorStartRequested", logrus.InfoLevel, ctx, map[string]interface{}{"connector": id}, nil)
	w.webConnectorStatus(ctx)
}

func (w *WebServer) webStopConnector(ctx iris.Context) {
	id := ctx.Params().Get("id")
	if err := w.gateway.StopConnector(id); err != nil {
		writeError(ctx, connectorErrorStatus(err), err)
		return
	}
	w.log("Connectors", "ConnectorStopRequested", logrus.InfoLevel, ctx, map[string]interface{}{"connector": id}, nil)
	w.webConnectorStatus(ctx)
}

func (w *WebServer) webQueueDepth(ctx iris.Context) {
	topic := ctx.Params().Get("topic")
	depth, err := w.gateway.QueueDepth(ctx.Request().Context(), topic)
	if err != nil {
		writeError(ctx, http.StatusInternalServerError, err)
		return
	}
	ctx.JSON(iris.Map{"topic": topic, "depth": depth})
}
