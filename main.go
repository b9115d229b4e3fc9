package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"

	"sms-interchange/connector"
	"sms-interchange/deadletter"
	"sms-interchange/dlrstore"
	"sms-interchange/gateway"
	"sms-interchange/intercept"
	"sms-interchange/logging"
	"sms-interchange/message"
	"sms-interchange/queue"
	"sms-interchange/routing"
	"sms-interchange/session"
	"sms-interchange/thrower"
)

const (
	deadLetterTopic   = "deadletter"
	dedupeSize        = 10000
	breakerThreshold  = 5
	breakerCooldown   = 30 * time.Second
	consumerTimeout   = 10 * time.Second
	interceptTimeout  = 2 * time.Second
	mongoDatabase     = "sms_interchange"
	mongoDeadLetters  = "dead_letters"
	connectStoreLimit = 15 * time.Second
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Error loading .env file. Using existing environment variables.")
	}

	app := &cli.App{
		Name:  "sms-interchange",
		Usage: "SMS interchange gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "gateway.yaml", Usage: "gateway YAML with connectors, users and routing", EnvVars: []string{"GATEWAY_CONFIG"}},
			&cli.BoolFlag{Name: "disable-smpp-server", Usage: "do not accept consumer SMPP binds"},
			&cli.BoolFlag{Name: "disable-deliver-thrower", Usage: "do not push MO messages to consumers"},
			&cli.BoolFlag{Name: "disable-dlr-thrower", Usage: "do not push delivery receipts to consumers"},
			&cli.BoolFlag{Name: "disable-http-api", Usage: "do not serve /send, /admin and carrier callbacks"},
			&cli.BoolFlag{Name: "enable-interceptor", Usage: "call INTERCEPTOR_URL before routing"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var loki *logging.LokiClient
	if cfg.LokiURL != "" {
		loki = logging.NewLokiClient(cfg.LokiURL, cfg.LokiUsername, cfg.LokiPassword)
	}
	logs := logging.NewLogManager(logging.Options{Level: cfg.LogLevel, ServerID: cfg.ServerID, Loki: loki})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	table, err := cfg.File.Routing.Build()
	if err != nil {
		return fmt.Errorf("routing table: %w", err)
	}

	connectors, store, err := loadConnectors(ctx, cfg)
	if err != nil {
		return err
	}

	topics := []string{thrower.DeliverTopic, thrower.ReceiptTopic, deadLetterTopic}
	for _, cc := range connectors {
		topics = append(topics, connector.Topic(cc.ID))
	}
	broker := newBroker(cfg, topics, logs)
	defer broker.Close()

	deadLetters, closeArchive, err := newDeadLetterSink(ctx, cfg, broker)
	if err != nil {
		return err
	}
	defer closeArchive()

	receipts := newReceiptStore(cfg)

	var interceptor intercept.Interceptor
	if c.Bool("enable-interceptor") {
		if cfg.InterceptorURL == "" {
			return errors.New("--enable-interceptor needs INTERCEPTOR_URL")
		}
		interceptor = intercept.NewRemote(cfg.InterceptorURL, cfg.APIKey, interceptTimeout)
	}

	gw, err := gateway.New(gateway.Options{
		Router:      routing.NewRouter(table),
		Broker:      broker,
		Interceptor: interceptor,
		Receipts:    receipts,
		DeadLetter:  deadLetters,
		Connectors: connector.Options{
			Binders: map[string]connector.Binder{
				"smpp":   &connector.SMPPBinder{Logs: logs},
				"twilio": &connector.TwilioBinder{},
			},
			Backoff:  cfg.ConnectorBackoff,
			QueueCap: cfg.ConnectorQueueCap,
		},
		Logs: logs,
	})
	if err != nil {
		return err
	}
	defer gw.Shutdown()

	for _, cc := range connectors {
		if err := gw.Connectors().Add(cc); err != nil {
			return fmt.Errorf("add connector: %w", err)
		}
		if store != nil {
			if err := store.Save(ctx, cc); err != nil {
				logs.SendLog(logs.BuildLog("Main.Connectors", "ConnectorSaveFailed", logrus.WarnLevel,
					map[string]interface{}{"connector": cc.ID}, err))
			}
		}
	}
	for _, cc := range connectors {
		if cc.AutoStart {
			if err := gw.StartConnector(cc.ID); err != nil {
				return err
			}
		}
	}

	sessions := session.NewRegistry()
	for _, u := range cfg.File.Users {
		if u.MessageURL != "" || u.ReceiptURL != "" {
			sessions.Register(session.NewHTTPConsumer(u.Username, u.MessageURL, u.ReceiptURL, consumerTimeout))
		}
	}

	common := thrower.Common{
		Broker:     broker,
		Sessions:   sessions,
		Policy:     cfg.Thrower,
		DeadLetter: deadLetters,
		Logs:       logs,
		WrapMessages: func(s thrower.Sink[*message.Message]) thrower.Sink[*message.Message] {
			return guardSink(s, func(m *message.Message) string { return m.ID })
		},
		WrapReceipts: func(s thrower.Sink[message.DeliveryReceipt]) thrower.Sink[message.DeliveryReceipt] {
			return guardSink(s, func(r message.DeliveryReceipt) string {
				return r.ConnectorID + "/" + r.CarrierMessageID + "/" + string(r.Status)
			})
		},
	}
	deliverThrower, err := thrower.NewDeliverThrower(common)
	if err != nil {
		return err
	}
	receiptThrower, err := thrower.NewReceiptThrower(common, receipts)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(NewMetricExporter(cfg.ServerID, gw, sessions,
		[]statsSource{deliverThrower, receiptThrower},
		[]string{thrower.DeliverTopic, thrower.ReceiptTopic, deadLetterTopic}))

	g, gctx := errgroup.WithContext(ctx)
	if !c.Bool("disable-deliver-thrower") {
		g.Go(func() error { return deliverThrower.Run(gctx) })
	}
	if !c.Bool("disable-dlr-thrower") {
		g.Go(func() error { return receiptThrower.Run(gctx) })
	}
	if !c.Bool("disable-smpp-server") {
		srv := NewSMPPServer(cfg.SMPPListen, gw, sessions, cfg.authUser, logs)
		srv.ProxyProtocol = cfg.ProxyProtocol
		g.Go(func() error { return srv.Serve(gctx) })
	}
	if !c.Bool("disable-http-api") {
		web := NewWebServer(cfg.WebListen, gw, cfg, logs)
		g.Go(func() error { return web.Serve(gctx) })
	}
	exporter := &PrometheusExporter{Path: "/metrics", Listen: cfg.PromListen, Registry: registry, Logs: logs}
	g.Go(func() error { return exporter.Serve(gctx) })

	logs.SendLog(logs.BuildLog("Main.Run", "GatewayStarted", logrus.InfoLevel, map[string]interface{}{
		"connectors": len(connectors), "users": len(cfg.File.Users), "routes": table.Len(), "topics": len(topics),
	}))

	err = g.Wait()
	logs.SendLog(logs.BuildLog("Main.Run", "GatewayStopping", logrus.InfoLevel, nil, err))
	if errors.Is(err, queue.ErrClosed) {
		return nil
	}
	return err
}

// loadConnectors merges the YAML connectors with the ones stored in Postgres.
func loadConnectors(ctx context.Context, cfg *Config) ([]connector.Config, *connector.GormStore, error) {
	if cfg.PostgresDSN == "" {
		return cfg.File.Connectors, nil, nil
	}
	store, err := connector.OpenGormStore(cfg.PostgresDSN, cfg.EncryptionKey)
	if err != nil {
		return nil, nil, err
	}
	lctx, cancel := context.WithTimeout(ctx, connectStoreLimit)
	defer cancel()
	stored, err := store.Load(lctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load stored connectors: %w", err)
	}
	return connector.Merge(cfg.File.Connectors, stored), store, nil
}

func newBroker(cfg *Config, topics []string, logs *logging.LogManager) queue.Broker {
	if cfg.AMQPURL == "" {
		return queue.NewMemoryBroker()
	}
	return queue.NewAMQPBroker(cfg.AMQPURL, topics, logs)
}

// newDeadLetterSink always publishes to the dead-letter topic and also archives to the
// store DEADLETTER_ARCHIVE names.
func newDeadLetterSink(ctx context.Context, cfg *Config, broker queue.Broker) (deadletter.Sink, func(), error) {
	topicSink := deadletter.QueueSink{Broker: broker, Topic: deadLetterTopic}

	switch cfg.DeadLetterArchive {
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, nil, errors.New("DEADLETTER_ARCHIVE=postgres needs POSTGRES_DSN")
		}
		pool, err := deadletter.NewPostgresPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		archive, err := deadletter.NewPostgresSink(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return deadletter.Fanout{topicSink, archive}, pool.Close, nil

	case "mongo":
		if cfg.MongoURI == "" {
			return nil, nil, errors.New("DEADLETTER_ARCHIVE=mongo needs MONGODB_URI")
		}
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		archive := deadletter.NewMongoSink(client.Database(mongoDatabase).Collection(mongoDeadLetters))
		closeFn := func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(dctx)
		}
		return deadletter.Fanout{topicSink, archive}, closeFn, nil
	}
	return topicSink, func() {}, nil
}

func newReceiptStore(cfg *Config) dlrstore.Store {
	if cfg.RedisAddr == "" {
		return dlrstore.NewMemoryStore()
	}
	return dlrstore.NewRedisStore(redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}))
}

// guardSink puts the breaker next to the session and the dedupe cache outside it.
func guardSink[P any](s thrower.Sink[P], key func(P) string) thrower.Sink[P] {
	guarded := thrower.Sink[P](thrower.NewBreakerSink(s, breakerThreshold, breakerCooldown))
	dedupe, err := thrower.NewDedupeSink(guarded, dedupeSize, key)
	if err != nil {
		return guarded
	}
	return dedupe
}
