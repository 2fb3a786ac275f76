// Package logging provides centralized logging configuration for the
// LiteLLM WebSocket client.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// globalLogger is the application-wide logger
	globalLogger *slog.Logger
	globalMu     sync.RWMutex

	// logWriter holds the log file writer (if any) for cleanup
	logWriter   io.WriteCloser
	logWriterMu sync.Mutex
)

// FileConfig holds configuration for file-based logging with rotation.
type FileConfig struct {
	// Path is the file path for the log file.
	// Empty string disables file logging.
	Path string

	// MaxSizeMB is the maximum size of the log file in megabytes before
	// rotation. Default: 10MB
	MaxSizeMB int

	// MaxBackups is the maximum number of old log files to retain.
	// Default: 3
	MaxBackups int

	// Compress determines if rotated log files should be compressed.
	Compress bool
}

// Config holds logging configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error)
	Level string
	// File is the optional file logging configuration with rotation.
	File *FileConfig
	// JSON enables JSON output format
	JSON bool
}

// Initialize sets up the global logger with the given configuration.
// Logs go to stderr; if File is configured, they are additionally written
// to the file with rotation via lumberjack.
func Initialize(cfg Config) error {
	level := parseLevel(cfg.Level)

	logWriterMu.Lock()
	defer logWriterMu.Unlock()

	w := io.Writer(os.Stderr)
	if cfg.File != nil && cfg.File.Path != "" {
		maxSize := cfg.File.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		maxBackups := cfg.File.MaxBackups
		if maxBackups < 0 {
			maxBackups = 3
		}
		lj := &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			Compress:   cfg.File.Compress,
		}
		logWriter = lj
		w = io.MultiWriter(os.Stderr, lj)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)

	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()

	slog.SetDefault(logger)
	return nil
}

// Get returns the global logger.
// If Initialize hasn't been called, returns slog.Default().
func Get() *slog.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger != nil {
		return globalLogger
	}
	return slog.Default()
}

// Close flushes and closes the log file writer, if any.
func Close() error {
	logWriterMu.Lock()
	defer logWriterMu.Unlock()
	if logWriter == nil {
		return nil
	}
	err := logWriter.Close()
	logWriter = nil
	if err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	return nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent returns a logger tagged with a component name.
func WithComponent(component string) *slog.Logger {
	return Get().With("component", component)
}

// Client returns a logger for the public client.
func Client() *slog.Logger {
	return WithComponent("client")
}

// Transport returns a logger for the WebSocket transport.
func Transport() *slog.Logger {
	return WithComponent("transport")
}

// Correlation returns a logger for the correlation engine.
func Correlation() *slog.Logger {
	return WithComponent("correlation")
}
