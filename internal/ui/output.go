package ui

import (
	"bytes"
	"io"
	"sync"

	"homie/internal/protocol"
)

// OutputSink writes remote output as it arrives, starting every line with the
// peer name. A carriage return also starts a new prefixed segment so progress
// bars redraw with their prefix.
type OutputSink struct {
	mu      sync.Mutex
	stdout  io.Writer
	stderr  io.Writer
	midLine map[protocol.Type]bool
}

func NewOutputSink(stdout, stderr io.Writer) *OutputSink {
	return &OutputSink{stdout: stdout, stderr: stderr, midLine: make(map[protocol.Type]bool)}
}

func (s *OutputSink) Output(peer string, stream protocol.Type, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.writer(stream)
	for len(data) > 0 {
		if !s.midLine[stream] {
			_, _ = io.WriteString(w, s.prefix(peer, stream)+" ")
			s.midLine[stream] = true
		}
		i := bytes.IndexAny(data, "\r\n")
		if i < 0 {
			_, _ = w.Write(data)
			return
		}
		// \r\n 作为一个换行
		if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
			i++
		}
		_, _ = w.Write(data[:i+1])
		s.midLine[stream] = false
		data = data[i+1:]
	}
}

// Flush terminates any unfinished line.
func (s *OutputSink) Flush(peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stream := range []protocol.Type{protocol.TypeStdout, protocol.TypeStderr} {
		if s.midLine[stream] {
			_, _ = io.WriteString(s.writer(stream), "\n")
			s.midLine[stream] = false
		}
	}
}

func (s *OutputSink) writer(stream protocol.Type) io.Writer {
	if stream == protocol.TypeStderr {
		return s.stderr
	}
	return s.stdout
}

func (s *OutputSink) prefix(peer string, stream protocol.Type) string {
	if stream == protocol.TypeStderr {
		return ErrorStyle.Render("[" + peer + "]")
	}
	return AccentStyle.Render("[" + peer + "]")
}
