package logging

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
)

// LineWriter turns a byte stream into one log record per line. Encoder
// stderr is piped into it.
type LineWriter struct {
	logger *slog.Logger
	level  slog.Level
	msg    string

	mu   sync.Mutex
	tail bytes.Buffer
}

// NewLineWriter logs each line at level with msg as the record message and
// the line text under "line".
func NewLineWriter(logger *slog.Logger, level slog.Level, msg string) *LineWriter {
	return &LineWriter{logger: OrDefault(logger), level: level, msg: msg}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rest := p
	for {
		nl := bytes.IndexByte(rest, '\n')
		if nl < 0 {
			w.tail.Write(rest)
			return len(p), nil
		}
		w.tail.Write(rest[:nl])
		w.flushLocked()
		rest = rest[nl+1:]
	}
}

// Flush logs a trailing line that has no newline yet.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushLocked()
}

func (w *LineWriter) flushLocked() {
	line := bytes.TrimSpace(w.tail.Bytes())
	if len(line) > 0 {
		w.logger.Log(context.Background(), w.level, w.msg, "line", string(line))
	}
	w.tail.Reset()
}
