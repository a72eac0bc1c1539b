// Package logger provides structured, file-backed logging for the agent
// engine. The call-site API (Info/Warn/Error/Debug with a scope and an
// optional field map) is unchanged across the engine; internally it is
// backed by zap so every log line is structured JSON rather than a
// hand-rolled tab-separated format.
package logger

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents log levels.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case INFO:
		return zapcore.InfoLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger wraps a zap.SugaredLogger with the engine's scope/service
// conventions.
type Logger struct {
	sugar   *zap.SugaredLogger
	Service string
}

var globalLogger *Logger

// Init initializes the global logger. Log lines are written only to
// logPath — events are displayed to the user via the event system, not
// logs, so nothing here writes to stdout on the happy path.
func Init(logPath string, level Level, serviceName string) error {
	logDir := filepath.Dir(logPath)
	if logDir != "." {
		if err := os.MkdirAll(logDir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to create log directory %s: %v\n", logDir, err)
			fmt.Fprintf(os.Stderr, "Logging to stdout only\n")
			globalLogger = newLogger(zapcore.Lock(os.Stdout), level, serviceName)
			return nil
		}
	}

	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to open log file %s: %v\n", logPath, err)
		fmt.Fprintf(os.Stderr, "Logging to stdout only\n")
		globalLogger = newLogger(zapcore.Lock(os.Stdout), level, serviceName)
		return nil
	}

	globalLogger = newLogger(zapcore.AddSync(file), level, serviceName)
	return nil
}

func newLogger(sink zapcore.WriteSyncer, level Level, serviceName string) *Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.CallerKey = "caller"

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), sink, level.zapLevel())
	l := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2))
	if serviceName != "" {
		l = l.With(zap.String("service", serviceName))
	}
	return &Logger{sugar: l.Sugar(), Service: serviceName}
}

// log is the core logging method, kept for field-map-to-zap-field translation.
func (l *Logger) log(level Level, scope string, msg string, ctx map[string]interface{}) {
	fields := make([]interface{}, 0, len(ctx)*2+2)
	fields = append(fields, "scope", scope)
	for k, v := range ctx {
		fields = append(fields, k, v)
	}

	switch level {
	case DEBUG:
		l.sugar.Debugw(msg, fields...)
	case WARN:
		l.sugar.Warnw(msg, fields...)
	case ERROR:
		l.sugar.Errorw(msg, fields...)
	default:
		l.sugar.Infow(msg, fields...)
	}
}

// Global functions

func Info(scope string, msg string, args ...map[string]interface{}) {
	if globalLogger == nil {
		return
	}
	globalLogger.log(INFO, scope, msg, getCtx(args))
}

func Error(scope string, msg string, args ...map[string]interface{}) {
	if globalLogger == nil {
		return
	}
	globalLogger.log(ERROR, scope, msg, getCtx(args))
}

func Debug(scope string, msg string, args ...map[string]interface{}) {
	if globalLogger == nil {
		return
	}
	globalLogger.log(DEBUG, scope, msg, getCtx(args))
}

func Warn(scope string, msg string, args ...map[string]interface{}) {
	if globalLogger == nil {
		return
	}
	globalLogger.log(WARN, scope, msg, getCtx(args))
}

// Sync flushes any buffered log entries. Callers should defer this after Init.
func Sync() {
	if globalLogger == nil {
		return
	}
	_ = globalLogger.sugar.Sync()
}

func getCtx(args []map[string]interface{}) map[string]interface{} {
	if len(args) > 0 {
		return args[0]
	}
	return nil
}
