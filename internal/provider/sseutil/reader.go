// Package sseutil provides a shared Server-Sent Events reader for provider
// adapters.
package sseutil

import (
	"bufio"
	"bytes"
	"io"
)

// maxLineSize caps a single SSE line. Completion deltas are small, but
// message_start events can carry the full request echo on some upstreams.
const maxLineSize = 256 * 1024

// Event is one decoded SSE event. Name is empty for data-only streams
// (OpenAI-style); Data holds the payload bytes with the "data: " prefix
// stripped.
type Event struct {
	Name string
	Data []byte
}

// Reader decodes an SSE byte stream into Events.
type Reader struct {
	s     *bufio.Scanner
	event string
}

// NewReader wraps r in an SSE decoder.
func NewReader(r io.Reader) *Reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return &Reader{s: s}
}

var (
	eventPrefix = []byte("event:")
	dataPrefix  = []byte("data:")
)

// Next returns the next event in the stream, or io.EOF when it ends. Blank
// lines, comments, and unknown fields are skipped; an "event:" line applies
// to the next "data:" line, matching how upstreams emit named events.
func (r *Reader) Next() (Event, error) {
	for r.s.Scan() {
		line := r.s.Bytes()
		switch {
		case len(line) == 0 || line[0] == ':':
			continue
		case bytes.HasPrefix(line, eventPrefix):
			r.event = string(trimFieldValue(line[len(eventPrefix):]))
		case bytes.HasPrefix(line, dataPrefix):
			data := trimFieldValue(line[len(dataPrefix):])
			// The scanner reuses its buffer across lines; the event owns
			// its bytes.
			ev := Event{Name: r.event, Data: bytes.Clone(data)}
			r.event = ""
			return ev, nil
		}
	}
	if err := r.s.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

// trimFieldValue strips the single optional leading space after the colon
// per the SSE spec.
func trimFieldValue(v []byte) []byte {
	if len(v) > 0 && v[0] == ' ' {
		return v[1:]
	}
	return v
}
