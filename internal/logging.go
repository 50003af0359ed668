package internal

import (
	"context"
	"log"
	"os"
	"strings"
)

const loggerPrefix = "shipnotes"

type requestIDKey struct{}

// NewLogger returns a logger prefixed with component.
func NewLogger(component string) *log.Logger {
	prefix := loggerPrefix
	if component != "" {
		prefix = prefix + "/" + component
	}
	return log.New(os.Stdout, prefix+" ", log.LstdFlags|log.Lmicroseconds)
}

// WithRequestID returns a logger whose prefix carries the request id.
func WithRequestID(logger *log.Logger, requestID string) *log.Logger {
	if logger == nil {
		logger = NewLogger("")
	}
	if requestID == "" {
		return logger
	}
	prefix := strings.TrimSpace(logger.Prefix())
	return log.New(logger.Writer(), prefix+" request_id="+requestID+" ", logger.Flags())
}

// ContextWithRequestID stores the request id for downstream loggers.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext returns the request id stored in ctx, if any.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
