// Package protocol implements the framed binary stream shared by UDP discovery
// and TCP job transport: [1 byte type][4 bytes big-endian length][payload].
package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// HeaderSize is the fixed number of bytes before every payload.
const HeaderSize = 5

// DefaultMaxPayload bounds a single frame's payload.
const DefaultMaxPayload = 100 << 20

// ErrProtocol marks malformed frames, truncated streams and oversize lengths.
var ErrProtocol = errors.New("protocol error")

type Type byte

const (
	TypeJobSubmit Type = 'J'
	TypeStdout    Type = 'O'
	TypeStderr    Type = 'E'
	TypeDone      Type = 'D'
	TypeError     Type = 'X'
	TypeHeartbeat Type = 'H'
	TypeListJobs  Type = 'L'
	TypeJobList   Type = 'S'
	TypeKillJob   Type = 'K'
	TypeAck       Type = 'A'
)

func (t Type) String() string {
	switch t {
	case TypeJobSubmit:
		return "JobSubmit"
	case TypeStdout:
		return "Stdout"
	case TypeStderr:
		return "Stderr"
	case TypeDone:
		return "Done"
	case TypeError:
		return "Error"
	case TypeHeartbeat:
		return "Heartbeat"
	case TypeListJobs:
		return "ListJobs"
	case TypeJobList:
		return "JobList"
	case TypeKillJob:
		return "KillJob"
	case TypeAck:
		return "Ack"
	default:
		return fmt.Sprintf("Type(0x%02x)", byte(t))
	}
}

// Known reports whether t is a frame type this protocol defines.
func (t Type) Known() bool {
	switch t {
	case TypeJobSubmit, TypeStdout, TypeStderr, TypeDone, TypeError,
		TypeHeartbeat, TypeListJobs, TypeJobList, TypeKillJob, TypeAck:
		return true
	}
	return false
}

// Encode returns the wire form of one frame.
func Encode(t Type, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = byte(t)
	binary.BigEndian.PutUint32(buf[1:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf
}

// Decode parses exactly one frame from a complete buffer, as used for datagrams.
func Decode(b []byte, max uint32) (Type, []byte, error) {
	if len(b) < HeaderSize {
		return 0, nil, fmt.Errorf("%w: short frame (%d bytes)", ErrProtocol, len(b))
	}
	n := binary.BigEndian.Uint32(b[1:HeaderSize])
	if max > 0 && n > max {
		return 0, nil, fmt.Errorf("%w: frame length %d exceeds limit %d", ErrProtocol, n, max)
	}
	if uint64(len(b)-HeaderSize) != uint64(n) {
		return 0, nil, fmt.Errorf("%w: frame declares %d bytes, got %d", ErrProtocol, n, len(b)-HeaderSize)
	}
	return Type(b[0]), b[HeaderSize:], nil
}

// Reader decodes frames from a stream.
type Reader struct {
	r   *bufio.Reader
	max uint32
}

// NewReader wraps r; max <= 0 selects DefaultMaxPayload.
func NewReader(r io.Reader, max int) *Reader {
	if max <= 0 {
		max = DefaultMaxPayload
	}
	return &Reader{r: bufio.NewReader(r), max: uint32(max)}
}

// ReadHeader reads the type tag and declared length without consuming the payload.
func (r *Reader) ReadHeader() (Type, uint32, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, 0, io.EOF
		}
		return 0, 0, truncated(err)
	}
	n := binary.BigEndian.Uint32(hdr[1:])
	if n > r.max {
		return 0, 0, fmt.Errorf("%w: frame length %d exceeds limit %d", ErrProtocol, n, r.max)
	}
	return Type(hdr[0]), n, nil
}

// ReadPayload reads the n payload bytes announced by the preceding header.
func (r *Reader) ReadPayload(n uint32) ([]byte, error) {
	payload := make([]byte, n)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return nil, truncated(err)
	}
	return payload, nil
}

// ReadFrame reads one complete frame. A clean EOF before any header byte is
// returned as io.EOF; a stream that ends mid-frame is ErrProtocol.
func (r *Reader) ReadFrame() (Type, []byte, error) {
	t, n, err := r.ReadHeader()
	if err != nil {
		return 0, nil, err
	}
	payload, err := r.ReadPayload(n)
	if err != nil {
		return 0, nil, err
	}
	return t, payload, nil
}

// Discard skips n payload bytes.
func (r *Reader) Discard(n uint32) error {
	_, err := r.r.Discard(int(n))
	return err
}

func truncated(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: stream closed mid-frame", ErrProtocol)
	}
	return err
}

// Writer encodes frames onto a stream. It is safe for concurrent use; each
// frame is written whole so output pumps can share one connection.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) WriteFrame(t Type, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.w.Write(Encode(t, payload))
	return err
}
