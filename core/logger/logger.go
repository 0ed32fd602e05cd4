package logger

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Type for the context keys
type contextKeyRegistrationLoggerType struct{}

var contextKeyRegistrationLogger = &contextKeyRegistrationLoggerType{}

const (
	registrationIDLoggerKey string = "registrationID"
	requestIDLoggerKey      string = "requestID"
	componentLoggerKey      string = "component"
)

// InitLogger sets up the custom time formatter for all log statements.
func InitLogger(logLevel logrus.Level) {
	customFormatter := new(logrus.TextFormatter)
	customFormatter.TimestampFormat = "2006-01-02 15:04:05"
	customFormatter.FullTimestamp = true
	logrus.SetFormatter(customFormatter)
	logrus.SetLevel(logLevel)
}

// InitLoggerFromString is InitLogger for a textual level such as "debug" or "warning".
func InitLoggerFromString(level string) error {
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	InitLogger(logLevel)
	return nil
}

// Default returns a logger without any registration fields.
func Default() *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger())
}

// ForRegistration returns a logger which carries the given registration ID.
func ForRegistration(registrationID string) *logrus.Entry {
	return logrus.WithField(registrationIDLoggerKey, registrationID)
}

// ForComponent returns a logger derived from rlog which is tagged with the component name.
// If rlog is nil, the default logger is used.
func ForComponent(rlog *logrus.Entry, component string) *logrus.Entry {
	if rlog == nil {
		rlog = Default()
	}
	return rlog.WithField(componentLoggerKey, component)
}

// WithRequestID returns a logger which carries the given request ID.
func WithRequestID(rlog *logrus.Entry, requestID string) *logrus.Entry {
	if rlog == nil {
		rlog = Default()
	}
	return rlog.WithField(requestIDLoggerKey, requestID)
}

// ContextWithLogger returns a new context with a logger for the given registration ID, if the
// given context has no logger yet. If the context already has a logger the given context
// will be returned.
func ContextWithLogger(ctx context.Context, registrationID string) (context.Context, *logrus.Entry) {
	if ctx == nil {
		ctx = context.Background()
	} else {
		rlog := loggerFromContext(ctx)
		if rlog != nil {
			return ctx, rlog
		}
	}
	rlog := ForRegistration(registrationID)
	return context.WithValue(ctx, contextKeyRegistrationLogger, rlog), rlog
}

func loggerFromContext(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return nil
	}
	rlog, ok := ctx.Value(contextKeyRegistrationLogger).(*logrus.Entry)
	if !ok {
		return nil
	}
	return rlog
}

// FromContext returns the logger from the context. If the context does not have a logger
// a new logger is returned. If the provided context is nil, the default logger will be
// returned.
func FromContext(ctx context.Context) *logrus.Entry {
	rlog := loggerFromContext(ctx)
	if rlog == nil {
		return Default()
	}
	return rlog
}

// RegistrationIDFromContext returns the registration id of the context's logger, or an empty
// string if there is none.
func RegistrationIDFromContext(ctx context.Context) string {
	rlog := loggerFromContext(ctx)
	if rlog == nil {
		return ""
	}
	if s, ok := rlog.Data[registrationIDLoggerKey].(string); ok {
		return s
	}
	return ""
}
