package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// maxLineBytes caps a single stdout line from a provider (1 MiB).
const maxLineBytes = 1 << 20

// EncodeRequest serializes a Request to JSON and writes it to w.
// Returns an error if marshaling or writing fails.
func EncodeRequest(w io.Writer, req *Request) error {
	if req.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}

	encoder := json.NewEncoder(w)
	if err := encoder.Encode(req); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	return nil
}

// StreamDecoder reads provider stdout as a sequence of NDJSON messages.
type StreamDecoder struct {
	scanner *bufio.Scanner
}

// NewStreamDecoder wraps r for message-at-a-time decoding.
func NewStreamDecoder(r io.Reader) *StreamDecoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &StreamDecoder{scanner: sc}
}

// Next returns the next message from the stream. It skips blank lines and
// returns io.EOF when the stream is exhausted.
func (d *StreamDecoder) Next() (*Message, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("provider output is not valid JSON: %w", err)
		}

		switch msg.Kind {
		case KindProgress:
			if msg.Progress == nil {
				return nil, fmt.Errorf("progress message missing progress body")
			}
		case KindResult:
			if msg.Result == nil {
				return nil, fmt.Errorf("result message missing result body")
			}
			if err := ValidateResult(msg.Result); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unknown message kind: %q", msg.Kind)
		}

		return &msg, nil
	}

	if err := d.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read provider output: %w", err)
	}
	return nil, io.EOF
}

// ValidateResult checks the required fields of a terminal result.
func ValidateResult(res *Result) error {
	if res.Status == "" {
		return fmt.Errorf("result missing required field: status")
	}
	if res.Status != "ok" && res.Status != "error" {
		return fmt.Errorf("invalid status value: %q (must be 'ok' or 'error')", res.Status)
	}
	if res.Status == "error" && res.Error == "" {
		return fmt.Errorf("result has status=error but no error message")
	}
	return nil
}

// DecodeResult reads messages until the terminal result, discarding any
// progress lines. Used for non-streaming commands where progress is not
// surfaced to callers.
func DecodeResult(r io.Reader) (*Result, error) {
	dec := NewStreamDecoder(r)
	for {
		msg, err := dec.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("provider produced no result on stdout")
		}
		if err != nil {
			return nil, err
		}
		if msg.Kind == KindResult {
			return msg.Result, nil
		}
	}
}
