package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/pscheid92/logcast/internal/platform/correlation"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the application-wide structured logger instance.
var Logger *slog.Logger

// FileOptions configures an optional rotating log file next to stdout.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
}

// InitLogger initializes the global logger with the specified level and format.
// level: "debug", "info", "warn", "error" (defaults to "info")
// format: "json" or "text" (defaults to "text")
// The returned closer releases the log file, if any.
func InitLogger(level, format string, file FileOptions) io.Closer {
	w, closer := Output(os.Stdout, file)
	Logger = New(w, level, format)
	slog.SetDefault(Logger)
	return closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Output tees stdout into a rotating file when file.Path is set.
func Output(stdout io.Writer, file FileOptions) (io.Writer, io.Closer) {
	if file.Path == "" {
		return stdout, nopCloser{}
	}
	rotating := &lumberjack.Logger{
		Filename:   file.Path,
		MaxSize:    file.MaxSizeMB,
		MaxBackups: file.MaxBackups,
		Compress:   true,
	}
	return io.MultiWriter(stdout, rotating), rotating
}

// New builds a correlation-aware logger writing to w.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(correlation.NewHandler(handler))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithChannel returns a logger with the channel_key field.
func WithChannel(key string) *slog.Logger {
	return slog.Default().With("channel_key", key)
}
