// Package logger builds the logr.Logger used across bcdebug, backed by zap.
package logger

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// EnvLogLevel overrides the configured log level.
	EnvLogLevel = "BCDEBUG_LOG_LEVEL"

	// debugLevel enables V(1) and V(2) output.
	debugLevel = zapcore.Level(-2)
)

var levelStrings = map[string]zapcore.Level{
	"debug":   debugLevel,
	"info":    zapcore.InfoLevel,
	"warn":    zapcore.WarnLevel,
	"warning": zapcore.WarnLevel,
	"error":   zapcore.ErrorLevel,
}

// Logger is a logr.Logger whose level can be changed at runtime.
type Logger struct {
	logr.Logger
	atomicLevel zap.AtomicLevel
	flush       func()
}

// New creates a console logger writing to stderr.
func New(name string) *Logger {
	return NewWithWriter(name, os.Stderr)
}

// NewWithWriter creates a console logger writing to w.
func NewWithWriter(name string, w io.Writer) *Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	atomicLevel := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	all := zap.LevelEnablerFunc(func(zapcore.Level) bool { return true })
	core := &warnCore{
		Core:  zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.Lock(zapcore.AddSync(w)), all),
		level: atomicLevel,
	}
	zapLogger := zap.New(core)

	return &Logger{
		Logger:      zapr.NewLogger(zapLogger).WithName(name),
		atomicLevel: atomicLevel,
		flush: func() {
			_ = zapLogger.Sync()
		},
	}
}

// SetLevel changes the minimum level written.
func (l *Logger) SetLevel(level zapcore.Level) {
	l.atomicLevel.SetLevel(level)
}

// SetLevelString parses and applies a level name or verbosity number.
func (l *Logger) SetLevelString(value string) error {
	level, err := ParseLevel(value)
	if err != nil {
		return err
	}
	l.SetLevel(level)
	return nil
}

// Flush writes any buffered entries.
func (l *Logger) Flush() {
	l.flush()
}

// ParseLevel accepts debug, info, warn, error or a positive verbosity
// number, where N enables logr V(N) output.
func ParseLevel(value string) (zapcore.Level, error) {
	if level, ok := levelStrings[strings.ToLower(value)]; ok {
		return level, nil
	}

	v, err := strconv.Atoi(value)
	if err != nil || v <= 0 || v > 127 {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q (must be debug, info, warn, error or a positive number)", value)
	}
	// Zap has the levels backwards.
	return zapcore.Level(int8(-v)), nil
}

// logr has no warn level. Warnings are logged as Info with a level=warn
// pair; warnCore writes those entries at zap's warn level, so a minimum
// level of warn keeps them and drops plain info.
type warnCore struct {
	zapcore.Core
	level zap.AtomicLevel
}

func (c *warnCore) Enabled(l zapcore.Level) bool {
	return c.level.Enabled(l) || (l == zapcore.InfoLevel && c.level.Enabled(zapcore.WarnLevel))
}

func (c *warnCore) With(fields []zapcore.Field) zapcore.Core {
	return &warnCore{Core: c.Core.With(fields), level: c.level}
}

func (c *warnCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(e.Level) {
		return ce.AddCore(e, c)
	}
	return ce
}

func (c *warnCore) Write(e zapcore.Entry, fields []zapcore.Field) error {
	if e.Level == zapcore.InfoLevel {
		for i, f := range fields {
			if f.Key == "level" && f.Type == zapcore.StringType && f.String == "warn" {
				e.Level = zapcore.WarnLevel
				fields = append(fields[:i:i], fields[i+1:]...)
				break
			}
		}
	}
	if !c.level.Enabled(e.Level) {
		return nil
	}
	return c.Core.Write(e, fields)
}
