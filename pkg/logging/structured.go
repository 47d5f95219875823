package logging

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps both slog and zap loggers
type Logger struct {
	slog *slog.Logger
	zap  *zap.Logger
}

// Config holds logging configuration
type Config struct {
	Level     string
	Format    string // "json" or "console"
	Output    string // "stdout" or "stderr"
	AddCaller bool
	AddStack  bool
}

// NewLogger creates a new structured logger
func NewLogger(config Config) (*Logger, error) {
	slogLevel := parseSlogLevel(config.Level)
	slogHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slogLevel,
	})
	slogLogger := slog.New(slogHandler)

	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = parseZapLevel(config.Level)
	zapConfig.Encoding = config.Format
	zapConfig.OutputPaths = []string{config.Output}
	zapConfig.ErrorOutputPaths = []string{config.Output}
	zapConfig.DisableCaller = !config.AddCaller
	zapConfig.DisableStacktrace = !config.AddStack

	zapLogger, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}

	return &Logger{
		slog: slogLogger,
		zap:  zapLogger,
	}, nil
}

// NewNop returns a logger that discards everything; used by tests.
func NewNop() *Logger {
	return &Logger{
		slog: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(127)})),
		zap:  zap.NewNop(),
	}
}

// parseSlogLevel parses slog level from string
func parseSlogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// parseZapLevel parses zap level from string
func parseZapLevel(level string) zap.AtomicLevel {
	switch level {
	case "debug":
		return zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "info":
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	case "warn":
		return zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		return zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
}

// WithRunID adds the run ID to logger context
func (l *Logger) WithRunID(runID string) *Logger {
	return &Logger{
		slog: l.slog.With("run_id", runID),
		zap:  l.zap.With(zap.String("run_id", runID)),
	}
}

// WithFields adds fields to logger context
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	slogAttrs := make([]any, 0, len(fields)*2)
	zapFields := make([]zap.Field, 0, len(fields))

	for key, value := range fields {
		slogAttrs = append(slogAttrs, key, value)
		zapFields = append(zapFields, zap.Any(key, value))
	}

	return &Logger{
		slog: l.slog.With(slogAttrs...),
		zap:  l.zap.With(zapFields...),
	}
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.slog.Debug(msg, args...)
	l.zap.Debug(msg, convertToZapFields(args)...)
}

// Info logs an info message
func (l *Logger) Info(msg string, args ...interface{}) {
	l.slog.Info(msg, args...)
	l.zap.Info(msg, convertToZapFields(args)...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.slog.Warn(msg, args...)
	l.zap.Warn(msg, convertToZapFields(args)...)
}

// Error logs an error message
func (l *Logger) Error(msg string, args ...interface{}) {
	l.slog.Error(msg, args...)
	l.zap.Error(msg, convertToZapFields(args)...)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(msg string, args ...interface{}) {
	l.slog.Error(msg, args...)
	l.zap.Fatal(msg, convertToZapFields(args)...)
}

// convertToZapFields converts interface{} args to zap.Field
func convertToZapFields(args []interface{}) []zap.Field {
	if len(args) == 0 {
		return nil
	}

	fields := make([]zap.Field, 0, len(args)/2)
	for i := 0; i < len(args)-1; i += 2 {
		if key, ok := args[i].(string); ok {
			fields = append(fields, zap.Any(key, args[i+1]))
		}
	}
	return fields
}

// LogDispatch logs the terminal outcome of one dispatch unit
func (l *Logger) LogDispatch(ctx context.Context, runID, pairID, side, model string, ok bool, errKind string, duration time.Duration, tokens int) {
	fields := map[string]interface{}{
		"run_id":      runID,
		"pair_id":     pairID,
		"side":        side,
		"model":       model,
		"ok":          ok,
		"duration_ms": float64(duration.Nanoseconds()) / 1e6,
		"tokens":      tokens,
	}
	if errKind != "" {
		fields["error_kind"] = errKind
	}

	logger := l.WithFields(fields)
	if ok {
		logger.Info("dispatch completed")
	} else {
		logger.Warn("dispatch failed")
	}
}

// LogRunTransition logs a run lifecycle state change
func (l *Logger) LogRunTransition(ctx context.Context, runID, from, to string, completed, failed, total int) {
	l.WithFields(map[string]interface{}{
		"run_id":    runID,
		"from":      from,
		"to":        to,
		"completed": completed,
		"failed":    failed,
		"total":     total,
	}).Info("run state changed")
}

// LogJudgeEvaluation logs the outcome of one judge evaluation
func (l *Logger) LogJudgeEvaluation(ctx context.Context, judgeRunID, pairID, sourceRunID string, ok bool, volatility float64, duration time.Duration) {
	fields := map[string]interface{}{
		"judge_run_id":  judgeRunID,
		"pair_id":       pairID,
		"source_run_id": sourceRunID,
		"ok":            ok,
		"duration_ms":   float64(duration.Nanoseconds()) / 1e6,
	}
	if ok {
		fields["volatility"] = volatility
	}

	logger := l.WithFields(fields)
	if ok {
		logger.Info("judge evaluation completed")
	} else {
		logger.Warn("judge evaluation failed")
	}
}

// LogRetry logs a retry operation
func (l *Logger) LogRetry(ctx context.Context, model, reason string, attempt int) {
	l.WithFields(map[string]interface{}{
		"model":   model,
		"reason":  reason,
		"attempt": attempt,
	}).Warn("request retry")
}

// LogCircuitBreaker logs a circuit breaker state change
func (l *Logger) LogCircuitBreaker(ctx context.Context, model, from, to string) {
	l.WithFields(map[string]interface{}{
		"model": model,
		"from":  from,
		"to":    to,
	}).Warn("circuit breaker state changed")
}

// Sync syncs the logger
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

// GetSlog returns the slog logger
func (l *Logger) GetSlog() *slog.Logger {
	return l.slog
}

// GetZap returns the zap logger
func (l *Logger) GetZap() *zap.Logger {
	return l.zap
}
