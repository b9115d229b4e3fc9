package logging

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// LokiClient pushes log lines to Loki's push API.
type LokiClient struct {
	PushURL  string
	Username string
	Password string
	client   *http.Client
}

type lokiPushData struct {
	Streams []lokiStream `json:"streams"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

func NewLokiClient(pushURL, username, password string) *LokiClient {
	return &LokiClient{
		PushURL:  pushURL,
		Username: username,
		Password: password,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// PushLog sends a single line with the given labels.
func (c *LokiClient) PushLog(labels map[string]string, ts time.Time, line string) error {
	payload := lokiPushData{
		Streams: []lokiStream{{
			Stream: labels,
			Values: [][2]string{{strconv.FormatInt(ts.UnixNano(), 10), line}},
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("error marshaling json: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.PushURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Username != "" && c.Password != "" {
		req.SetBasicAuth(c.Username, c.Password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("error sending request to Loki: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("received unexpected response status: %d", resp.StatusCode)
	}
	return nil
}

// LokiHook ships every logrus entry to Loki.
type LokiHook struct {
	client    *LokiClient
	serverID  string
	formatter logrus.Formatter
}

func NewLokiHook(client *LokiClient, serverID string) *LokiHook {
	return &LokiHook{client: client, serverID: serverID, formatter: &logrus.JSONFormatter{}}
}

func (h *LokiHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *LokiHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}

	labels := map[string]string{
		"job":   "sms-interchange",
		"level": entry.Level.String(),
	}
	if h.serverID != "" {
		labels["server_id"] = h.serverID
	}
	if path, ok := entry.Data["path"].(string); ok {
		labels["path"] = path
	}

	return h.client.PushLog(labels, entry.Time, string(bytes.TrimRight(line, "\n")))
}
