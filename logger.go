package stepflow

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// LoggerOptions configures NewLoggerWithOptions
type LoggerOptions struct {
	// Writer defaults to stdout
	Writer io.Writer
	Level  slog.Leveler
	// JSON selects the JSON handler instead of the colorized text handler
	JSON bool
}

// NewLogger returns a colorized text logger on stdout at info level
func NewLogger() *slog.Logger {
	return NewLoggerWithOptions(LoggerOptions{})
}

// NewJSONLogger returns a JSON logger on stdout at info level
func NewJSONLogger() *slog.Logger {
	return NewLoggerWithOptions(LoggerOptions{JSON: true})
}

// NewLoggerWithOptions builds a logger. Color is used only when the writer
// is a terminal.
func NewLoggerWithOptions(opts LoggerOptions) *slog.Logger {
	if opts.Writer == nil {
		opts.Writer = os.Stdout
	}
	if opts.Level == nil {
		opts.Level = slog.LevelInfo
	}
	if opts.JSON {
		return slog.New(slog.NewJSONHandler(opts.Writer, &slog.HandlerOptions{Level: opts.Level}))
	}
	noColor := true
	if f, ok := opts.Writer.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
	}
	return slog.New(tint.NewHandler(opts.Writer, &tint.Options{
		Level:      opts.Level,
		TimeFormat: time.RFC3339,
		NoColor:    noColor,
	}))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
