// Package sse parses text/event-stream bodies. Frames may be split across
// reads; a carry buffer reassembles them before delivery.
package sse

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// Event is one server-sent event. Data holds the concatenated data lines.
type Event struct {
	Name string
	Data []byte
}

// Reader yields events from a stream. It is not safe for concurrent use.
type Reader struct {
	scanner *bufio.Scanner

	// carry accumulates the fields of the frame being assembled.
	name string
	data bytes.Buffer
}

// MaxFrameSize bounds a single SSE frame. Upstreams ship whole JSON payloads
// per frame, so this needs headroom beyond bufio's default.
const MaxFrameSize = 1 << 20

// NewReader wraps a stream body. Cancellation is inherited from the body:
// when the request context ends, reads fail and Next returns the error.
func NewReader(body io.Reader) *Reader {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), MaxFrameSize)
	return &Reader{scanner: scanner}
}

// Next returns the next complete event, io.EOF at end of stream, or the
// underlying read error.
func (r *Reader) Next() (Event, error) {
	for r.scanner.Scan() {
		line := strings.TrimRight(r.scanner.Text(), "\r")

		switch {
		case line == "":
			// Blank line terminates a frame.
			if r.data.Len() > 0 || r.name != "" {
				ev := Event{Name: r.name, Data: append([]byte(nil), r.data.Bytes()...)}
				r.name = ""
				r.data.Reset()
				return ev, nil
			}
		case strings.HasPrefix(line, ":"):
			// Comment, ignore.
		case strings.HasPrefix(line, "event:"):
			r.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if r.data.Len() > 0 {
				r.data.WriteByte('\n')
			}
			r.data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}

	// Flush a final unterminated frame before EOF.
	if r.data.Len() > 0 || r.name != "" {
		ev := Event{Name: r.name, Data: append([]byte(nil), r.data.Bytes()...)}
		r.name = ""
		r.data.Reset()
		return ev, nil
	}
	return Event{}, io.EOF
}
