// Package obslog builds the run-scoped zerolog.Logger every stage is given:
// console output in a TTY, plain JSON otherwise, and every event additionally
// appended to logs.jsonl in the run directory. This is the Go equivalent of
// original_source/scanner/obs/logging.py's build_logger/log_event, using
// zerolog hooks instead of a custom logging.Formatter.
package obslog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/cryptorun-scanner/scanner/internal/runstore"
)

// Settings mirrors the Python reference's LogSettings dataclass.
type Settings struct {
	RunID   string
	Level   zerolog.Level
	Console bool // true when stderr is a TTY
	Store   *runstore.Store
	LogFile string // logs.jsonl, relative to Store
}

// New builds the run's logger. Console mode writes a human-readable line to
// stderr via zerolog's ConsoleWriter; non-console mode writes structured
// JSON to stderr. Either way, every event is additionally appended to
// logs.jsonl through an io.Writer tee so the durable JSONL sink always
// carries the full structured payload regardless of the console format.
func New(settings Settings) zerolog.Logger {
	var consoleOut io.Writer = os.Stderr
	if settings.Console {
		consoleOut = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	writers := []io.Writer{consoleOut}
	if settings.Store != nil {
		name := settings.LogFile
		if name == "" {
			name = "logs.jsonl"
		}
		writers = append(writers, &jsonlWriter{store: settings.Store, name: name})
	}

	multi := zerolog.MultiLevelWriter(writers...)
	logger := zerolog.New(multi).Level(settings.Level).With().
		Timestamp().
		Str("run_id", settings.RunID).
		Logger()
	return logger
}

// jsonlWriter adapts runstore.AppendLine to io.Writer so zerolog can write
// directly into logs.jsonl as a second sink.
type jsonlWriter struct {
	store *runstore.Store
	name  string
}

func (w *jsonlWriter) Write(p []byte) (int, error) {
	line := p
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}
	trimmed := make([]byte, len(line))
	copy(trimmed, line)
	if err := w.store.AppendLine(w.name, trimmed); err != nil {
		return 0, err
	}
	return len(p), nil
}
