package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

type contextKey string

const (
	loggerKey  contextKey = "logger"
	traceIDKey contextKey = "trace_id"
)

// GenerateTraceID generates a new trace ID
func GenerateTraceID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// FromContext retrieves the logger from context
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return Default()
}

// NewContext creates a new context with the logger
func NewContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// WithTraceContext adds a trace ID to the context and returns a logger with it
func WithTraceContext(ctx context.Context) (context.Context, *Logger) {
	traceID := GenerateTraceID()
	l := Default().WithTraceID(traceID)
	newCtx := context.WithValue(ctx, traceIDKey, traceID)
	newCtx = context.WithValue(newCtx, loggerKey, l)
	return newCtx, l
}

// TradeContext creates a logger context for logical-trade operations
func TradeContext(cloid, symbol, posSide string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"cloid":    cloid,
		"symbol":   symbol,
		"pos_side": posSide,
	}).WithComponent("trade")
}

// OrderContext creates a logger context for order-stream operations
func OrderContext(oid, cloid, symbol string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"oid":    oid,
		"cloid":  cloid,
		"symbol": symbol,
	}).WithComponent("order")
}

// PositionContext creates a logger context for position-stream operations
func PositionContext(pid, symbol, posSide string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"pid":      pid,
		"symbol":   symbol,
		"pos_side": posSide,
	}).WithComponent("position")
}

// WebSocketContext creates a logger context for session-transport operations
func WebSocketContext(channel string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"channel": channel,
	}).WithComponent("websocket")
}

// DatabaseContext creates a logger context for persistence operations
func DatabaseContext(operation, table string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"operation": operation,
		"table":     table,
	}).WithComponent("database")
}
