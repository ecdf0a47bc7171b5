package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EncodeCommand renders cmd as a single JSON line terminated by '\n'.
func EncodeCommand(cmd Command) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encoding command: %w", err)
	}
	return append(data, '\n'), nil
}

// EncodeEvent renders ev as a single JSON line terminated by '\n'.
func EncodeEvent(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding event: %w", err)
	}
	return append(data, '\n'), nil
}

// DecodeCommand parses one JSON line into a Command. Unknown kinds decode
// without error; callers dispatch on Type.
func DecodeCommand(line []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(line, &cmd); err != nil {
		return Command{}, fmt.Errorf("decoding command: %w", err)
	}
	return cmd, nil
}

// DecodeEventLine parses one JSON line into an Event. A malformed line is
// turned into a decode_error event rather than an error so a damaged line
// never kills the stream.
func DecodeEventLine(line []byte) Event {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return Event{Type: EventDecodeError, Error: err.Error()}
	}
	return ev
}

// Reassembler turns arbitrary byte chunks back into complete lines. It
// buffers a trailing partial line across calls and skips whitespace-only
// lines.
type Reassembler struct {
	buf []byte
}

// Push appends chunk and returns every completed line (without the trailing
// newline). Returned slices are copies; they stay valid after the next Push.
func (r *Reassembler) Push(chunk []byte) [][]byte {
	r.buf = append(r.buf, chunk...)

	var lines [][]byte
	for {
		idx := bytes.IndexByte(r.buf, '\n')
		if idx < 0 {
			return lines
		}
		line := bytes.TrimSpace(r.buf[:idx])
		r.buf = r.buf[idx+1:]
		if len(line) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		lines = append(lines, out)
	}
}

// PushEvents is Push followed by DecodeEventLine on each completed line.
func (r *Reassembler) PushEvents(chunk []byte) []Event {
	lines := r.Push(chunk)
	if len(lines) == 0 {
		return nil
	}
	events := make([]Event, 0, len(lines))
	for _, line := range lines {
		events = append(events, DecodeEventLine(line))
	}
	return events
}

// Pending reports whether a partial line is buffered.
func (r *Reassembler) Pending() bool {
	return len(bytes.TrimSpace(r.buf)) > 0
}
