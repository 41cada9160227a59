// logger.go - Structured logging for the shared note node
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps the node's zerolog logger with its file and audit outputs.
type Logger struct {
	zerolog.Logger
	file  *os.File
	audit *os.File
	trail zerolog.Logger
}

// auditWriter forwards only warnings and above to the audit trail.
type auditWriter struct {
	w io.Writer
}

func (a auditWriter) Write(p []byte) (int, error) { return len(p), nil }

func (a auditWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < zerolog.WarnLevel {
		return len(p), nil
	}
	return a.w.Write(p)
}

// NewLogger creates a logger writing to the console, to logFile and, for warnings and
// audit events, to auditFile. Empty paths disable the corresponding output.
func NewLogger(level string, logFile string, auditFile string) (*Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	l := &Logger{trail: zerolog.Nop()}
	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.DateTime}}

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.file = f
		writers = append(writers, f)
	}

	if auditFile != "" {
		f, err := os.OpenFile(auditFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("failed to open audit file: %w", err)
		}
		l.audit = f
		l.trail = zerolog.New(f).With().Timestamp().Str("stream", "audit").Logger()
		writers = append(writers, auditWriter{w: f})
	}

	l.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(lvl).With().Timestamp().Logger()
	return l, nil
}

// Audit records an audit event regardless of the log level.
func (l *Logger) Audit(event string, fields map[string]any) {
	l.trail.Log().Str("event", event).Fields(fields).Msg("audit")
}

// Close closes the log files.
func (l *Logger) Close() error {
	var first error
	for _, f := range []*os.File{l.file, l.audit} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
