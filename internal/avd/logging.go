// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
)

var (
	logLevel  = new(slog.LevelVar)
	avdLogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
)

// ConfigureLogging replaces the package logger. Format is "json" or "text".
func ConfigureLogging(w io.Writer, level slog.Level, format string) {
	logLevel.Set(level)
	opts := &slog.HandlerOptions{Level: logLevel}
	if format == "text" {
		avdLogger = slog.New(slog.NewTextHandler(w, opts))
		return
	}
	avdLogger = slog.New(slog.NewJSONHandler(w, opts))
}

func logEvent(ctx context.Context, env Env, message string, fields ...any) {
	emit(ctx, env, slog.LevelInfo, message, fields...)
}

func logWarning(ctx context.Context, env Env, message string, fields ...any) {
	emit(ctx, env, slog.LevelWarn, message, fields...)
}

func logDebug(ctx context.Context, env Env, message string, fields ...any) {
	emit(ctx, env, slog.LevelDebug, message, fields...)
}

func emit(ctx context.Context, env Env, level slog.Level, message string, fields ...any) {
	if ctx == nil {
		ctx = context.Background()
	}
	baseFields := []any{"timestamp_ns", time.Now().UTC().UnixNano()}
	if env.CorrelationID != "" {
		baseFields = append(baseFields, "correlation_id", env.CorrelationID)
	}
	allFields := append(baseFields, fields...)
	avdLogger.Log(ctx, level, message, allFields...)
	mirrorOTel(ctx, level, message, allFields)
}

// mirrorOTel forwards the record to the global OpenTelemetry LoggerProvider.
// It is a no-op until a provider is installed.
func mirrorOTel(ctx context.Context, level slog.Level, message string, fields []any) {
	logger := global.Logger("emurunner")
	var rec otellog.Record
	rec.SetTimestamp(time.Now())
	rec.SetBody(otellog.StringValue(message))
	rec.SetSeverityText(level.String())
	switch {
	case level >= slog.LevelError:
		rec.SetSeverity(otellog.SeverityError)
	case level >= slog.LevelWarn:
		rec.SetSeverity(otellog.SeverityWarn)
	case level >= slog.LevelInfo:
		rec.SetSeverity(otellog.SeverityInfo)
	default:
		rec.SetSeverity(otellog.SeverityDebug)
	}
	if !logger.Enabled(ctx, otellog.EnabledParameters{Severity: rec.Severity()}) {
		return
	}
	for i := 0; i+1 < len(fields); i += 2 {
		key := fmt.Sprint(fields[i])
		rec.AddAttributes(otelKeyValue(key, fields[i+1]))
	}
	logger.Emit(ctx, rec)
}

func otelKeyValue(key string, v any) otellog.KeyValue {
	switch val := v.(type) {
	case string:
		return otellog.String(key, val)
	case int:
		return otellog.Int(key, val)
	case int64:
		return otellog.Int64(key, val)
	case bool:
		return otellog.Bool(key, val)
	case float64:
		return otellog.Float64(key, val)
	case error:
		return otellog.String(key, val.Error())
	default:
		return otellog.String(key, fmt.Sprint(val))
	}
}

type lineLogWriter struct {
	ctx    context.Context
	env    Env
	fields []any
	msg    string
	// onLine, if set, sees every non-empty line before it is logged.
	onLine func(line string)

	mu     sync.Mutex
	buffer []byte
}

func (writer *lineLogWriter) Write(payload []byte) (int, error) {
	writer.mu.Lock()
	defer writer.mu.Unlock()
	writer.buffer = append(writer.buffer, payload...)
	for {
		newlineIndex := bytes.IndexByte(writer.buffer, '\n')
		if newlineIndex == -1 {
			break
		}
		line := strings.TrimSpace(string(writer.buffer[:newlineIndex]))
		writer.buffer = writer.buffer[newlineIndex+1:]
		if line == "" {
			continue
		}
		if writer.onLine != nil {
			writer.onLine(line)
		}
		logEvent(writer.ctx, writer.env, writer.msg, append(writer.fields, "line", line)...)
	}
	return len(payload), nil
}

func newLineLogWriterWithMessage(ctx context.Context, env Env, message string, fields ...any) *lineLogWriter {
	return &lineLogWriter{
		ctx:    ctx,
		env:    env,
		fields: fields,
		msg:    message,
	}
}

func newEmulatorLogWriter(ctx context.Context, env Env, onLine func(string), fields ...any) io.Writer {
	w := newLineLogWriterWithMessage(ctx, env, "emulator output", fields...)
	w.onLine = onLine
	return w
}

func newCommandLogWriter(ctx context.Context, env Env, command string, args []string) io.Writer {
	fields := []any{"command", command, "stream", "stderr"}
	if len(args) > 0 {
		fields = append(fields, "args", strings.Join(args, " "))
	}
	return newLineLogWriterWithMessage(ctx, env, "command stderr", fields...)
}
