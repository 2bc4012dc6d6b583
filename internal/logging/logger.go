package logging

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey ContextKey = "requestID"
)

// NewLogger creates a new structured logger.
// format is "json" or "console"; level is one of debug, info, warn, error.
func NewLogger(level, format string) (*zap.Logger, error) {
	var config zap.Config
	switch format {
	case "console":
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "json", "":
		config = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}

	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	config.Level = zap.NewAtomicLevelAt(lvl)

	// Always use ISO8601 time encoding
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return config.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
}

// ParseLevel maps a level name to a zap level. An empty name means info.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info", "":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", level)
	}
}

// NewZapLogger creates a logr.Logger from a zap.Logger for libraries that log through logr
func NewZapLogger(zapLogger *zap.Logger) logr.Logger {
	return zapr.NewLogger(zapLogger)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context) context.Context {
	return context.WithValue(ctx, RequestIDKey, uuid.New().String())
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// WithRequestIDField adds request ID field to logger if present in context
func WithRequestIDField(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if requestID := GetRequestID(ctx); requestID != "" {
		return logger.With(zap.String("requestID", requestID))
	}
	return logger
}

// LogAPICall logs a RunPod API call
func LogAPICall(logger *zap.Logger, method, endpoint string, requestID string) {
	logger.Debug("RunPod API call",
		zap.String("method", method),
		zap.String("endpoint", endpoint),
		zap.String("requestID", requestID),
	)
}

// LogAPIResponse logs a RunPod API response
func LogAPIResponse(logger *zap.Logger, method, endpoint string, statusCode int, duration string, requestID string) {
	logger.Debug("RunPod API response",
		zap.String("method", method),
		zap.String("endpoint", endpoint),
		zap.Int("statusCode", statusCode),
		zap.String("duration", duration),
		zap.String("requestID", requestID),
	)
}

// LogAPIError logs a RunPod API error
func LogAPIError(logger *zap.Logger, method, endpoint string, statusCode int, err error, requestID string) {
	logger.Error("RunPod API error",
		zap.String("method", method),
		zap.String("endpoint", endpoint),
		zap.Int("statusCode", statusCode),
		zap.Error(err),
		zap.String("requestID", requestID),
	)
}

// LogAPIRetry logs a retry of a RunPod API call after a transient failure
func LogAPIRetry(logger *zap.Logger, method, endpoint string, attempt int, backoff string, err error) {
	logger.Warn("Retrying RunPod API call",
		zap.String("method", method),
		zap.String("endpoint", endpoint),
		zap.Int("attempt", attempt),
		zap.String("backoff", backoff),
		zap.Error(err),
	)
}

// LogNodeOperationStart logs the start of a node lifecycle operation
func LogNodeOperationStart(logger *zap.Logger, operation, cluster, nodeID string) {
	logger.Info("Starting node operation",
		zap.String("operation", operation),
		zap.String("cluster", cluster),
		zap.String("node", nodeID),
	)
}

// LogNodeOperationComplete logs the completion of a node lifecycle operation
func LogNodeOperationComplete(logger *zap.Logger, operation, cluster, nodeID string, duration string) {
	logger.Info("Node operation completed",
		zap.String("operation", operation),
		zap.String("cluster", cluster),
		zap.String("node", nodeID),
		zap.String("duration", duration),
	)
}

// LogNodeOperationFailed logs a failed node lifecycle operation
func LogNodeOperationFailed(logger *zap.Logger, operation, cluster, nodeID string, err error) {
	logger.Error("Node operation failed",
		zap.String("operation", operation),
		zap.String("cluster", cluster),
		zap.String("node", nodeID),
		zap.Error(err),
	)
}

// LogCacheRefresh logs a completed node cache refresh
func LogCacheRefresh(logger *zap.Logger, cluster string, listed, cached int, generation uint64, duration string) {
	logger.Debug("Node cache refreshed",
		zap.String("cluster", cluster),
		zap.Int("listed", listed),
		zap.Int("cached", cached),
		zap.Uint64("generation", generation),
		zap.String("duration", duration),
	)
}
