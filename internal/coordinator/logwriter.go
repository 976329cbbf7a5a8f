package coordinator

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

const maxLineBuffer = 64 * 1024

// logWriter turns a child's output stream into log entries, one per line.
// Lines that are already JSON log entries are nested as-is.
type logWriter struct {
	logger zerolog.Logger
	stream string

	mu  sync.Mutex
	buf []byte
}

func newLogWriter(logger zerolog.Logger, stream string) *logWriter {
	return &logWriter{logger: logger, stream: stream}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxLineBuffer {
		w.emit(w.buf)
		w.buf = nil
	}
	return len(p), nil
}

func (w *logWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	evt := w.logger.Info().Str("stream", w.stream)
	if line[0] == '{' && json.Valid(line) {
		evt.RawJSON("child", line).Msg("worker log")
		return
	}
	evt.Msg(string(line))
}
