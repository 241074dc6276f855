package logger

import (
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/hashicorp/go-hclog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapRaftLogger lets a zap.Logger serve as the hclog.Logger that
// hashicorp/raft expects.
type ZapRaftLogger struct {
	logger *zap.Logger
	name   string
	level  zap.AtomicLevel
	// implied holds the key/value pairs added through With.
	implied []interface{}
}

var _ hclog.Logger = (*ZapRaftLogger)(nil)

// NewZapRaftLogger wraps zapLogger. The adapter starts at debug if the
// underlying core has debug enabled, info otherwise.
func NewZapRaftLogger(zapLogger *zap.Logger) *ZapRaftLogger {
	initial := zap.InfoLevel
	if zapLogger.Core().Enabled(zap.DebugLevel) {
		initial = zap.DebugLevel
	}
	return &ZapRaftLogger{
		logger: zapLogger,
		level:  zap.NewAtomicLevelAt(initial),
	}
}

func (z *ZapRaftLogger) Log(level hclog.Level, msg string, args ...interface{}) {
	switch level {
	case hclog.Off:
		return
	case hclog.Trace, hclog.Debug:
		z.log(zap.DebugLevel, msg, args...)
	case hclog.Warn:
		z.log(zap.WarnLevel, msg, args...)
	case hclog.Error:
		z.log(zap.ErrorLevel, msg, args...)
	default:
		z.log(zap.InfoLevel, msg, args...)
	}
}

func (z *ZapRaftLogger) Trace(msg string, args ...interface{}) { z.log(zap.DebugLevel, msg, args...) }
func (z *ZapRaftLogger) Debug(msg string, args ...interface{}) { z.log(zap.DebugLevel, msg, args...) }
func (z *ZapRaftLogger) Info(msg string, args ...interface{})  { z.log(zap.InfoLevel, msg, args...) }
func (z *ZapRaftLogger) Warn(msg string, args ...interface{})  { z.log(zap.WarnLevel, msg, args...) }
func (z *ZapRaftLogger) Error(msg string, args ...interface{}) { z.log(zap.ErrorLevel, msg, args...) }

func (z *ZapRaftLogger) log(level zapcore.Level, msg string, args ...interface{}) {
	// bolt log store chatter on every snapshot.
	if strings.Contains(msg, "tx closed") {
		return
	}
	if !z.level.Enabled(level) {
		return
	}
	if ce := z.logger.Check(level, msg); ce != nil {
		ce.Write(argsToFields(args)...)
	}
}

func (z *ZapRaftLogger) IsTrace() bool { return z.level.Enabled(zap.DebugLevel) }
func (z *ZapRaftLogger) IsDebug() bool { return z.level.Enabled(zap.DebugLevel) }
func (z *ZapRaftLogger) IsInfo() bool  { return z.level.Enabled(zap.InfoLevel) }
func (z *ZapRaftLogger) IsWarn() bool  { return z.level.Enabled(zap.WarnLevel) }
func (z *ZapRaftLogger) IsError() bool { return z.level.Enabled(zap.ErrorLevel) }

func (z *ZapRaftLogger) ImpliedArgs() []interface{} { return z.implied }

func (z *ZapRaftLogger) With(args ...interface{}) hclog.Logger {
	implied := make([]interface{}, 0, len(z.implied)+len(args))
	implied = append(implied, z.implied...)
	implied = append(implied, args...)
	return &ZapRaftLogger{
		logger:  z.logger.With(argsToFields(args)...),
		name:    z.name,
		level:   z.level,
		implied: implied,
	}
}

func (z *ZapRaftLogger) Name() string { return z.name }

func (z *ZapRaftLogger) Named(name string) hclog.Logger {
	full := name
	if z.name != "" {
		full = z.name + "." + name
	}
	return &ZapRaftLogger{logger: z.logger.Named(name), name: full, level: z.level, implied: z.implied}
}

func (z *ZapRaftLogger) ResetNamed(name string) hclog.Logger {
	return &ZapRaftLogger{logger: z.logger.Named(name), name: name, level: z.level, implied: z.implied}
}

func (z *ZapRaftLogger) GetLevel() hclog.Level {
	switch z.level.Level() {
	case zapcore.DebugLevel:
		return hclog.Debug
	case zapcore.InfoLevel:
		return hclog.Info
	case zapcore.WarnLevel:
		return hclog.Warn
	case zapcore.ErrorLevel:
		return hclog.Error
	default:
		return hclog.NoLevel
	}
}

func (z *ZapRaftLogger) SetLevel(level hclog.Level) {
	switch level {
	case hclog.Trace, hclog.Debug:
		z.level.SetLevel(zap.DebugLevel)
	case hclog.Warn:
		z.level.SetLevel(zap.WarnLevel)
	case hclog.Error, hclog.Off:
		z.level.SetLevel(zap.ErrorLevel)
	default:
		z.level.SetLevel(zap.InfoLevel)
	}
}

// StandardLogger returns a *log.Logger that writes into zap at info, or at
// the level forced by opts.
func (z *ZapRaftLogger) StandardLogger(opts *hclog.StandardLoggerOptions) *log.Logger {
	level := zap.InfoLevel
	if opts != nil && opts.ForceLevel != hclog.NoLevel {
		switch opts.ForceLevel {
		case hclog.Trace, hclog.Debug:
			level = zap.DebugLevel
		case hclog.Warn:
			level = zap.WarnLevel
		case hclog.Error:
			level = zap.ErrorLevel
		}
	}
	std, err := zap.NewStdLogAt(z.logger, level)
	if err != nil {
		return zap.NewStdLog(z.logger)
	}
	return std
}

func (z *ZapRaftLogger) StandardWriter(opts *hclog.StandardLoggerOptions) io.Writer {
	return z.StandardLogger(opts).Writer()
}

func argsToFields(args []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, (len(args)+1)/2)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("arg_%d", i)
		}
		if i+1 >= len(args) {
			fields = append(fields, zap.String(key, "(missing)"))
			break
		}
		fields = append(fields, zap.Any(key, args[i+1]))
	}
	return fields
}
