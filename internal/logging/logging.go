// Package logging builds the zerolog logger shared by the scheduler, the
// observer and the CLI: a console writer plus an optional JSON file sink.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/msageha/exprun/internal/model"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// DisabledFile turns the file sink off when used as logging.file.
const DisabledFile = "-"

type Options struct {
	Level string
	// FilePath receives JSON lines; empty disables the file sink.
	FilePath string
	// Console defaults to os.Stderr.
	Console io.Writer
	NoColor bool
}

// Logger bundles the root logger with the file it writes to.
type Logger struct {
	zerolog.Logger
	file *os.File
}

func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// New builds a logger. An unknown level is an error so typos in the config
// surface at startup.
func New(opts Options) (*Logger, error) {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	zerolog.TimeFieldFormat = consoleTimeFormat
	zerolog.ErrorFieldName = "err"

	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	writers := []io.Writer{zerolog.ConsoleWriter{Out: console, TimeFormat: consoleTimeFormat, NoColor: opts.NoColor}}

	l := &Logger{}
	if path := strings.TrimSpace(opts.FilePath); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		l.file = f
		writers = append(writers, zerolog.SyncWriter(f))
	}

	l.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(lvl).With().Timestamp().Logger()
	return l, nil
}

// ParseLevel accepts trace, debug, info, warn|warning and error; empty means info.
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return zerolog.TraceLevel, nil
	case "DEBUG":
		return zerolog.DebugLevel, nil
	case "", "INFO":
		return zerolog.InfoLevel, nil
	case "WARN", "WARNING":
		return zerolog.WarnLevel, nil
	case "ERROR":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// FilePath resolves where the scheduler log goes for a state dir.
func FilePath(stateDir string, cfg model.LoggingConfig) string {
	switch strings.TrimSpace(cfg.File) {
	case DisabledFile:
		return ""
	case "":
		return filepath.Join(stateDir, "logs", "scheduler.log")
	default:
		return cfg.File
	}
}

// Console returns a console-only logger for commands that never touch a
// state dir.
func Console(level string) zerolog.Logger {
	lvl, _ := ParseLevel(level)
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: consoleTimeFormat}).
		Level(lvl).With().Timestamp().Logger()
}
