package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"homie/internal/auth"
	"homie/pkg/model"
)

// ErrorCode is the first payload byte of an Error frame.
type ErrorCode byte

const (
	CodeBusy               ErrorCode = 1
	CodeAuthRejected       ErrorCode = 2
	CodeSandboxUnavailable ErrorCode = 3
	CodeProtocol           ErrorCode = 4
	CodeBadJob             ErrorCode = 5
	CodeInternal           ErrorCode = 6
)

func (c ErrorCode) String() string {
	switch c {
	case CodeBusy:
		return "Busy"
	case CodeAuthRejected:
		return "AuthRejected"
	case CodeSandboxUnavailable:
		return "SandboxUnavailable"
	case CodeProtocol:
		return "Protocol"
	case CodeBadJob:
		return "BadJob"
	case CodeInternal:
		return "Internal"
	default:
		return fmt.Sprintf("Code(%d)", byte(c))
	}
}

// EncodeError lays out an Error payload: code byte then UTF-8 message.
func EncodeError(code ErrorCode, msg string) []byte {
	out := make([]byte, 1+len(msg))
	out[0] = byte(code)
	copy(out[1:], msg)
	return out
}

func DecodeError(payload []byte) (ErrorCode, string, error) {
	if len(payload) < 1 {
		return 0, "", fmt.Errorf("%w: empty error payload", ErrProtocol)
	}
	return ErrorCode(payload[0]), string(payload[1:]), nil
}

// Done is the final frame of a successful execution.
type Done struct {
	ExitCode  int               `json:"exit_code"`
	TimedOut  bool              `json:"timed_out"`
	ElapsedMS int64             `json:"elapsed_ms"`
	Files     map[string][]byte `json:"files"`
	Digests   map[string]string `json:"digests,omitempty"`
}

// Result converts the wire form back into a JobResult.
func (d *Done) Result() *model.JobResult {
	files := d.Files
	if files == nil {
		files = map[string][]byte{}
	}
	return &model.JobResult{
		ExitCode: d.ExitCode,
		TimedOut: d.TimedOut,
		Elapsed:  time.Duration(d.ElapsedMS) * time.Millisecond,
		Files:    files,
	}
}

func EncodeDone(d *Done) ([]byte, error) {
	if d.Files == nil {
		d.Files = map[string][]byte{}
	}
	return json.Marshal(d)
}

func DecodeDone(payload []byte) (*Done, error) {
	var d Done
	if err := json.Unmarshal(payload, &d); err != nil {
		return nil, fmt.Errorf("%w: decode done: %v", ErrProtocol, err)
	}
	return &d, nil
}

// Control is the signed body of ListJobs and KillJob requests. For ListJobs the
// signed id is the literal "list"; for KillJob it is the target job id.
type Control struct {
	JobID     string `json:"job_id,omitempty"`
	Requester string `json:"requester"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"sig"`
}

// ListControlID is the id signed by ListJobs requests.
const ListControlID = "list"

// Purpose returns the signing purpose of a control request of type t.
func (c *Control) Purpose(t Type) auth.Purpose {
	if t == TypeListJobs {
		return auth.PurposeList
	}
	return auth.PurposeKill
}

// SignedID returns the identifier covered by the control request's signature.
func (c *Control) SignedID(t Type) string {
	if t == TypeListJobs {
		return ListControlID
	}
	return c.JobID
}

// EncodeJSON / DecodeJSON wrap JSON payloads so decode failures surface as ErrProtocol.
func EncodeJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

func DecodeJSON(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return nil
}
