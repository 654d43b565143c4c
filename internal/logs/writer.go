package logs

import (
	"bytes"
	"sync"

	"go.uber.org/zap"
)

// maxLine bounds how much is buffered before a partial line is flushed.
const maxLine = 4096

// Writer is an io.Writer that logs each complete line it receives.
// Call Close to flush a trailing partial line.
type Writer struct {
	log *zap.SugaredLogger
	msg string

	m   sync.Mutex
	buf bytes.Buffer
}

// NewWriter returns a Writer that logs lines at info level with the given message,
// the line itself in the "line" field.
func NewWriter(log *zap.SugaredLogger, msg string) *Writer {
	return &Writer{log: log, msg: msg}
}

func (w *Writer) Write(p []byte) (int, error) {
	w.m.Lock()
	defer w.m.Unlock()

	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := w.buf.Next(i + 1)
		w.emit(line[:i])
	}
	if w.buf.Len() >= maxLine {
		w.emit(w.buf.Next(w.buf.Len()))
	}
	return len(p), nil
}

func (w *Writer) Close() error {
	w.m.Lock()
	defer w.m.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.Next(w.buf.Len()))
	}
	return nil
}

func (w *Writer) emit(line []byte) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	w.log.Infow(w.msg, "line", string(line))
}
