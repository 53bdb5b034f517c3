// Package log defines the leveled, named-channel Logger contract the core
// collaborates with (spec §6) and a zap-backed default implementation.
package log

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the collaborator interface every package in this module accepts
// through its config record instead of reaching for a package-level logger.
type Logger interface {
	Trace(msg string, kv ...interface{})
	Debug(msg string, kv ...interface{})
	Info(msg string, kv ...interface{})
	Warn(msg string, kv ...interface{})
	Error(msg string, kv ...interface{})
	// Named returns a child Logger whose output is tagged with channel,
	// e.g. "reliability", "observe", "dispatcher".
	Named(channel string) Logger
}

// Rotation configures lumberjack-based log file rotation. Zero value means
// "write to stderr only, no file sink".
type Rotation struct {
	Filename   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Config controls the default Logger's behaviour.
type Config struct {
	// Level is one of "trace", "debug", "info", "warn", "error".
	Level    string
	Rotation *Rotation
}

func DefaultConfig() Config {
	return Config{Level: "info"}
}

// zapLogger adapts *zap.SugaredLogger to Logger. zap has no "trace" level,
// so Trace logs at zap's Debug level, behind the same gate as Debug.
type zapLogger struct {
	z *zap.SugaredLogger
}

// New builds the default Logger from cfg.
func New(cfg Config) (Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var sink zapcore.WriteSyncer
	if cfg.Rotation != nil && cfg.Rotation.Filename != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.Rotation.Filename,
			MaxSize:    cfg.Rotation.MaxSizeMB,
			MaxBackups: cfg.Rotation.MaxBackups,
			MaxAge:     cfg.Rotation.MaxAgeDays,
			Compress:   cfg.Rotation.Compress,
		})
	} else {
		sink = zapcore.Lock(os.Stderr)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), sink, level)
	return &zapLogger{z: zap.New(core).Sugar()}, nil
}

func parseLevel(s string) (zapcore.Level, error) {
	switch s {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "trace", "debug":
		return zapcore.DebugLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(s)); err != nil {
			return 0, err
		}
		return lvl, nil
	}
}

func (l *zapLogger) Trace(msg string, kv ...interface{}) { l.z.Debugw(msg, kv...) }
func (l *zapLogger) Debug(msg string, kv ...interface{}) { l.z.Debugw(msg, kv...) }
func (l *zapLogger) Info(msg string, kv ...interface{})  { l.z.Infow(msg, kv...) }
func (l *zapLogger) Warn(msg string, kv ...interface{})  { l.z.Warnw(msg, kv...) }
func (l *zapLogger) Error(msg string, kv ...interface{}) { l.z.Errorw(msg, kv...) }

func (l *zapLogger) Named(channel string) Logger {
	return &zapLogger{z: l.z.Named(channel)}
}

// Nop is a Logger that discards everything, used as the default when no
// Logger is supplied to a config record.
type nopLogger struct{}

func Nop() Logger { return nopLogger{} }

func (nopLogger) Trace(string, ...interface{}) {}
func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Named(string) Logger          { return nopLogger{} }
