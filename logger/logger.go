package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	componentKey = "component"
	separator    = "/"
)

// DebugLevel etc. mirror zerolog levels so callers never import zerolog directly
type Level string

const (
	TraceLevel Level = "trace"
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

type Config struct {
	// When set, logs are written as json to this file and rotated
	FilePath string

	// Human readable output, usually os.Stdout when debugging
	ConsoleWriters []io.Writer

	Level Level

	// Size in megabytes before the log file is rotated
	MaxFileSize int
	MaxBackups  int
}

type Logger struct {
	logger    zerolog.Logger
	component string
}

func New(config *Config) (*Logger, error) {
	writers := []io.Writer{}

	if config.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(config.FilePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		maxSize := config.MaxFileSize
		if maxSize == 0 {
			maxSize = 50
		}

		writers = append(writers, &lumberjack.Logger{
			Filename:   config.FilePath,
			MaxSize:    maxSize,
			MaxBackups: config.MaxBackups,
			Compress:   true,
		})
	}

	for _, writer := range config.ConsoleWriters {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        writer,
			TimeFormat: "15:04:05.000",
		})
	}

	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	level, err := parseLevel(config.Level)
	if err != nil {
		return nil, err
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Logger()

	return &Logger{
		logger: zl,
	}, nil
}

func parseLevel(level Level) (zerolog.Level, error) {
	if level == "" {
		return zerolog.DebugLevel, nil
	}

	parsed, err := zerolog.ParseLevel(strings.ToLower(string(level)))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return parsed, nil
}

// GetComponentLogger returns a child logger whose component field is nested under
// this logger's component, e.g. "Realtime/ConnectionManager"
func (l *Logger) GetComponentLogger(component string) *Logger {
	name := component
	if l.component != "" {
		name = l.component + separator + component
	}

	return &Logger{
		logger:    l.logger.With().Str(componentKey, name).Logger(),
		component: name,
	}
}

// With adds a fixed key/value pair to every line this logger writes
func (l *Logger) With(key string, value string) *Logger {
	return &Logger{
		logger:    l.logger.With().Str(key, value).Logger(),
		component: l.component,
	}
}

func (l *Logger) Component() string {
	return l.component
}

func (l *Logger) Trace(msg string) {
	l.logger.Trace().Msg(msg)
}

func (l *Logger) Tracef(format string, a ...interface{}) {
	l.logger.Trace().Msgf(format, a...)
}

func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

func (l *Logger) Debugf(format string, a ...interface{}) {
	l.logger.Debug().Msgf(format, a...)
}

func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

func (l *Logger) Infof(format string, a ...interface{}) {
	l.logger.Info().Msgf(format, a...)
}

func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

func (l *Logger) Warnf(format string, a ...interface{}) {
	l.logger.Warn().Msgf(format, a...)
}

func (l *Logger) Error(err error) {
	l.logger.Error().Msg(err.Error())
}

func (l *Logger) Errorf(format string, a ...interface{}) {
	l.logger.Error().Msgf(format, a...)
}
