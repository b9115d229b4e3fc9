package main

import (
	"crypto/subtle"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sms-interchange/backoff"
	"sms-interchange/connector"
	"sms-interchange/routing"
	"sms-interchange/thrower"
)

// User is a consumer account. Users bind over SMPP or post to /send; users with a
// message_url also get MO messages and receipts pushed to that webhook.
type User struct {
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	MessageURL string `yaml:"message_url,omitempty"`
	ReceiptURL string `yaml:"receipt_url,omitempty"`
}

// GatewayFile is the YAML file named by --config.
type GatewayFile struct {
	Connectors []connector.Config `yaml:"connectors"`
	Users      []User             `yaml:"users"`
	Routing    routing.TableSpec  `yaml:"routing"`
}

type Config struct {
	ServerID     string
	LogLevel     string
	LokiURL      string
	LokiUsername string
	LokiPassword string

	AMQPURL           string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	PostgresDSN       string
	MongoURI          string
	DeadLetterArchive string
	EncryptionKey     string

	SMPPListen string
	WebListen  string
	// PublicURL is the base URL carriers call back on; Twilio signs it
	PublicURL     string
	PromListen    string
	APIKey        string
	ProxyProtocol bool

	InterceptorURL string

	Thrower           thrower.Policy
	ConnectorBackoff  backoff.Exponential
	ConnectorQueueCap int

	TwilioAccountSID string
	TwilioAuthToken  string

	File  GatewayFile
	users map[string]User
}

func loadConfig(path string) (*Config, error) {
	cfg := &Config{
		ServerID:     envString("SERVER_ID", "sms-interchange"),
		LogLevel:     envString("LOG_LEVEL", "info"),
		LokiURL:      os.Getenv("LOKI_URL"),
		LokiUsername: os.Getenv("LOKI_USERNAME"),
		LokiPassword: os.Getenv("LOKI_PASSWORD"),

		AMQPURL:           os.Getenv("AMQP_URL"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		PostgresDSN:       os.Getenv("POSTGRES_DSN"),
		MongoURI:          os.Getenv("MONGODB_URI"),
		DeadLetterArchive: envString("DEADLETTER_ARCHIVE", "queue"),
		EncryptionKey:     os.Getenv("ENCRYPTION_KEY"),

		SMPPListen:    envString("SMPP_LISTEN", "0.0.0.0:2775"),
		WebListen:     envString("WEB_LISTEN", "0.0.0.0:3000"),
		PublicURL:     strings.TrimRight(os.Getenv("WEB_PUBLIC_URL"), "/"),
		PromListen:    envString("PROM_LISTEN", "0.0.0.0:2550"),
		APIKey:        os.Getenv("API_KEY"),
		ProxyProtocol: os.Getenv("HAPROXY_PROXY_PROTOCOL") == "true",

		InterceptorURL: os.Getenv("INTERCEPTOR_URL"),

		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
	}

	var err error
	if cfg.RedisDB, err = envInt("REDIS_DB", 0); err != nil {
		return nil, err
	}

	def := thrower.DefaultPolicy()
	if cfg.Thrower.MaxAttempts, err = envInt("THROWER_MAX_ATTEMPTS", def.MaxAttempts); err != nil {
		return nil, err
	}
	if cfg.Thrower.Backoff.Base, err = envDuration("THROWER_BASE_DELAY", def.Backoff.Base); err != nil {
		return nil, err
	}
	if cfg.Thrower.Backoff.Max, err = envDuration("THROWER_MAX_DELAY", def.Backoff.Max); err != nil {
		return nil, err
	}
	if cfg.Thrower.PushTimeout, err = envDuration("THROWER_PUSH_TIMEOUT", def.PushTimeout); err != nil {
		return nil, err
	}
	if cfg.ConnectorBackoff.Base, err = envDuration("CONNECTOR_BASE_DELAY", time.Second); err != nil {
		return nil, err
	}
	if cfg.ConnectorBackoff.Max, err = envDuration("CONNECTOR_MAX_DELAY", time.Minute); err != nil {
		return nil, err
	}
	if cfg.ConnectorQueueCap, err = envInt("CONNECTOR_QUEUE_CAP", 1000); err != nil {
		return nil, err
	}

	switch cfg.DeadLetterArchive {
	case "queue", "postgres", "mongo":
	default:
		return nil, fmt.Errorf("DEADLETTER_ARCHIVE: unknown archive %q", cfg.DeadLetterArchive)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg.File); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.users = make(map[string]User, len(cfg.File.Users))
	for _, u := range cfg.File.Users {
		if u.Username == "" {
			return nil, fmt.Errorf("user without username")
		}
		if _, dup := cfg.users[u.Username]; dup {
			return nil, fmt.Errorf("duplicate user %s", u.Username)
		}
		cfg.users[u.Username] = u
	}

	for i := range cfg.File.Connectors {
		c := &cfg.File.Connectors[i]
		if c.Kind == "twilio" {
			if c.AccountSID == "" {
				c.AccountSID = cfg.TwilioAccountSID
			}
			if c.AuthToken == "" {
				c.AuthToken = cfg.TwilioAuthToken
			}
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// authUser checks consumer credentials.
func (c *Config) authUser(username, password string) bool {
	u, ok := c.users[username]
	if !ok || u.Password == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(u.Password), []byte(password)) == 1
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
