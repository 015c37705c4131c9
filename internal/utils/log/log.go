package log

import (
	"os"
	"path/filepath"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Verbosity levels of the command line, 0 (critical) to 7 (extreme).
const (
	LevelCritical = 0
	LevelError    = 1
	LevelWarning  = 2
	LevelNotice   = 3
	LevelInfo     = 4
	LevelVerbose  = 5
	LevelDebug    = 6
	LevelExtreme  = 7
)

// Rotation limits of the service log file.
const (
	maxFileSizeMB = 5
	maxBackups    = 1
)

type Options struct {
	Level int
	// File switches output from stderr to a rotated log file.
	File string
}

var logger atomic.Pointer[zap.Logger]

func init() {
	logger.Store(zap.NewNop())
}

// Init replaces the process logger. It is safe to call more than once.
func Init(opts Options) (*zap.Logger, error) {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var (
		sink    zapcore.WriteSyncer
		encoder zapcore.Encoder
	)
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, err
		}
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    maxFileSizeMB,
			MaxBackups: maxBackups,
		})
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		sink = zapcore.Lock(os.Stderr)
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	l := zap.New(zapcore.NewCore(encoder, sink, ZapLevel(opts.Level)))
	Set(l)
	return l, nil
}

// ZapLevel maps the command line verbosity onto a zap level.
func ZapLevel(level int) zapcore.Level {
	switch {
	case level <= LevelCritical:
		return zapcore.DPanicLevel
	case level == LevelError:
		return zapcore.ErrorLevel
	case level == LevelWarning:
		return zapcore.WarnLevel
	case level <= LevelInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

func Set(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logger.Store(l)
}

func L() *zap.Logger {
	return logger.Load()
}

func Debug(msg string, fields ...zap.Field) {
	L().Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	L().Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	L().Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	L().Error(msg, fields...)
}

func Fatal(msg string, fields ...zap.Field) {
	L().Fatal(msg, fields...)
}

func Sync() error {
	return L().Sync()
}
