package logging

import (
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// LogManager builds and emits structured entries. Path is a dotted component name,
// Message a short CamelCase event tag.
type LogManager struct {
	logger   *logrus.Logger
	serverID string
}

// LogEntry is one structured log line.
type LogEntry struct {
	Path    string
	Message string
	Level   logrus.Level
	Fields  map[string]interface{}
	Err     error
	Time    time.Time
}

type Options struct {
	Level    string
	ServerID string
	Output   io.Writer
	Loki     *LokiClient
}

func NewLogManager(opts Options) *LogManager {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	if opts.Output != nil {
		logger.SetOutput(opts.Output)
	} else {
		logger.SetOutput(os.Stdout)
	}

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if opts.Loki != nil {
		logger.AddHook(NewLokiHook(opts.Loki, opts.ServerID))
	}

	return &LogManager{logger: logger, serverID: opts.ServerID}
}

// Discard returns a manager that drops everything; used by tests.
func Discard() *LogManager {
	return NewLogManager(Options{Level: "panic", Output: io.Discard})
}

// BuildLog assembles an entry. Only the first non-nil error is kept.
func (lm *LogManager) BuildLog(path, message string, level logrus.Level, fields map[string]interface{}, errs ...error) LogEntry {
	entry := LogEntry{
		Path:    path,
		Message: message,
		Level:   level,
		Fields:  fields,
		Time:    time.Now(),
	}
	for _, err := range errs {
		if err != nil {
			entry.Err = err
			break
		}
	}
	return entry
}

func (lm *LogManager) SendLog(entry LogEntry) {
	if lm == nil || !lm.logger.IsLevelEnabled(entry.Level) {
		return
	}

	fields := logrus.Fields{"path": entry.Path}
	if lm.serverID != "" {
		fields["server_id"] = lm.serverID
	}
	for k, v := range entry.Fields {
		fields[k] = v
	}

	e := lm.logger.WithFields(fields).WithTime(entry.Time)
	if entry.Err != nil {
		e = e.WithError(entry.Err)
	}
	e.Log(entry.Level, entry.Message)
}

// Logger exposes the underlying logrus logger for libraries that want one.
func (lm *LogManager) Logger() *logrus.Logger {
	return lm.logger
}
