package observability

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig selects the logrus backend behaviour.
type LogConfig struct {
	Level  string
	Format string // json or text
	// File enables rotating file output in addition to stdout when set.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// LogrusLogger adapts logrus to the Logger interface.
type LogrusLogger struct {
	entry  *logrus.Entry
	closer io.Closer
}

// NewLogrus builds a logrus-backed Logger.
func NewLogrus(cfg LogConfig) (*LogrusLogger, error) {
	logger := logrus.New()

	level := strings.ToLower(strings.TrimSpace(cfg.Level))
	if level == "" {
		level = "info"
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	logger.SetLevel(parsed)

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339Nano})
	default:
		return nil, fmt.Errorf("log format %q: expected json or text", cfg.Format)
	}

	out := &LogrusLogger{entry: logrus.NewEntry(logger)}
	if path := strings.TrimSpace(cfg.File); path != "" {
		rotating := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    positiveOr(cfg.MaxSizeMB, 100),
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		logger.SetOutput(io.MultiWriter(os.Stdout, rotating))
		out.closer = rotating
	} else {
		logger.SetOutput(os.Stdout)
	}
	return out, nil
}

// NewLogrusWithWriter builds a JSON logger writing to w; intended for tests and tools.
func NewLogrusWithWriter(w io.Writer, level logrus.Level) *LogrusLogger {
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	return &LogrusLogger{entry: logrus.NewEntry(logger)}
}

func (l *LogrusLogger) Debug(msg string, fields ...Field) { l.with(fields).Debug(msg) }
func (l *LogrusLogger) Info(msg string, fields ...Field)  { l.with(fields).Info(msg) }
func (l *LogrusLogger) Error(msg string, fields ...Field) { l.with(fields).Error(msg) }

// Close releases the rotating file handle, if any.
func (l *LogrusLogger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func (l *LogrusLogger) with(fields []Field) *logrus.Entry {
	if len(fields) == 0 {
		return l.entry
	}
	data := make(logrus.Fields, len(fields))
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		if err, ok := f.Value.(error); ok {
			data[f.Key] = err.Error()
			continue
		}
		data[f.Key] = f.Value
	}
	return l.entry.WithFields(data)
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
