package remote

import (
	"bytes"
	"io"
	"sync"
)

// Output serializes writes from several hosts onto one writer, tagging
// every line with its host.
type Output struct {
	mu  sync.Mutex
	out io.Writer
}

// NewOutput returns an Output writing to w.
func NewOutput(w io.Writer) *Output {
	return &Output{out: w}
}

// For returns a writer whose lines are prefixed with "[host] ". Call Flush
// on it once the host's command has finished.
func (o *Output) For(host string) *HostWriter {
	return &HostWriter{o: o, prefix: []byte("[" + host + "] ")}
}

// HostWriter is the per-host side of Output.
type HostWriter struct {
	o       *Output
	prefix  []byte
	pending []byte
}

func (w *HostWriter) Write(p []byte) (int, error) {
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(w.pending[:i], []byte("\r"))
		if err := w.emit(line); err != nil {
			return 0, err
		}
		w.pending = w.pending[i+1:]
	}
	return len(p), nil
}

// Flush writes any trailing partial line.
func (w *HostWriter) Flush() error {
	if len(w.pending) == 0 {
		return nil
	}
	line := w.pending
	w.pending = nil
	return w.emit(line)
}

func (w *HostWriter) emit(line []byte) error {
	w.o.mu.Lock()
	defer w.o.mu.Unlock()
	buf := make([]byte, 0, len(w.prefix)+len(line)+1)
	buf = append(buf, w.prefix...)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	_, err := w.o.out.Write(buf)
	return err
}
