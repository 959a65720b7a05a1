// Package observability defines shared logging primitives.
package observability

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for building a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

// WithComponent returns a logger that tags every entry with the component name.
// A nil base resolves to the global logger at call time.
func WithComponent(base Logger, component string) Logger {
	return componentLogger{base: base, component: component}
}

type componentLogger struct {
	base      Logger
	component string
}

func (c componentLogger) target() Logger {
	if c.base != nil {
		return c.base
	}
	return Log()
}

func (c componentLogger) with(fields []Field) []Field {
	out := make([]Field, 0, len(fields)+1)
	out = append(out, Field{Key: "component", Value: c.component})
	return append(out, fields...)
}

func (c componentLogger) Debug(msg string, fields ...Field) { c.target().Debug(msg, c.with(fields)...) }
func (c componentLogger) Info(msg string, fields ...Field)  { c.target().Info(msg, c.with(fields)...) }
func (c componentLogger) Error(msg string, fields ...Field) { c.target().Error(msg, c.with(fields)...) }

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}
