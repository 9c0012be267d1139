// Package logging wraps zap with key/value helpers and masks credential-like keys.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a sugared zap logger with masking applied to every key/value pair.
type Logger struct {
	sugar *zap.SugaredLogger
	file  *RotatingWriter
}

// Options control construction.
type Options struct {
	// Mode is "production" (JSON) or anything else (console).
	Mode  string
	Level string
	// File, when set, adds a rotating file sink next to stdout.
	File         string
	FileMaxBytes int64
}

// New builds a logger writing to stdout and optionally to a rotating file.
func New(opts Options) (*Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(strings.ToLower(firstNonEmpty(opts.Level, "info")))); err != nil {
		return nil, fmt.Errorf("log level %q: %w", opts.Level, err)
	}

	var encCfg zapcore.EncoderConfig
	var enc zapcore.Encoder
	switch strings.ToLower(opts.Mode) {
	case "prod", "production":
		encCfg = zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		encCfg = zap.NewDevelopmentEncoderConfig()
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	sinks := []zapcore.WriteSyncer{zapcore.Lock(os.Stdout)}
	var file *RotatingWriter
	if path := strings.TrimSpace(opts.File); path != "" && path != "-" {
		rw, err := NewRotatingWriter(path, opts.FileMaxBytes)
		if err != nil {
			return nil, err
		}
		file = rw
		sinks = append(sinks, rw)
	}

	core := zapcore.NewCore(enc, zapcore.NewMultiWriteSyncer(sinks...), level)
	return &Logger{sugar: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar(), file: file}, nil
}

// NewNop discards everything. Used in tests and as the nil-logger fallback.
func NewNop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar()}
}

// Zap exposes the underlying logger for libraries that want one.
func (l *Logger) Zap() *zap.Logger { return l.sugar.Desugar() }

func (l *Logger) Debug(msg string, kv ...any) { l.sugar.Debugw(msg, mask(kv)...) }
func (l *Logger) Info(msg string, kv ...any)  { l.sugar.Infow(msg, mask(kv)...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.sugar.Warnw(msg, mask(kv)...) }
func (l *Logger) Error(msg string, kv ...any) { l.sugar.Errorw(msg, mask(kv)...) }

// With returns a child logger carrying kv on every entry.
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{sugar: l.sugar.With(mask(kv)...), file: l.file}
}

// Sync flushes buffered entries and closes the file sink.
func (l *Logger) Sync() error {
	err := l.sugar.Sync()
	if l.file != nil {
		if cerr := l.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// OrNop returns l, or a discarding logger when l is nil.
func OrNop(l *Logger) *Logger {
	if l == nil {
		return NewNop()
	}
	return l
}

func mask(kv []any) []any {
	if len(kv) == 0 {
		return kv
	}
	out := make([]any, len(kv))
	copy(out, kv)
	for i := 0; i+1 < len(out); i += 2 {
		key, ok := out[i].(string)
		if ok && sensitive(key) {
			out[i+1] = "[REDACTED]"
		}
	}
	return out
}

func sensitive(key string) bool {
	key = strings.ToLower(key)
	for _, s := range []string{"api_key", "apikey", "authorization", "token", "secret", "password"} {
		if strings.Contains(key, s) {
			return !strings.HasSuffix(key, "_count") && !strings.HasPrefix(key, "tokens")
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
