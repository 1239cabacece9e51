package coach

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"time"
)

// maxLine bounds a single SSE line. Insight payloads can be long markdown
// documents, but never this long.
const maxLine = 1 << 20

// frame is one dispatched server-sent event.
type frame struct {
	event string
	id    string
	data  []byte
}

// sseReader parses a text/event-stream body.
//
// Named events are dispatched even without a data field, so that bare
// "event: session_end" blocks arrive. Comment lines are skipped. An event
// cut short by EOF is discarded.
type sseReader struct {
	sc *bufio.Scanner

	lastID string        // persists across events, as the id field does
	retry  time.Duration // last retry hint from the server, or 0
}

func newSSEReader(r io.Reader) *sseReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLine)
	return &sseReader{sc: sc}
}

// Next returns the next event. It returns io.EOF when the body ends.
func (s *sseReader) Next() (frame, error) {
	var (
		event string
		data  bytes.Buffer
		seen  bool // any data line in this block
	)
	for s.sc.Scan() {
		line := s.sc.Bytes()
		if len(line) == 0 {
			if !seen && event == "" {
				continue
			}
			f := frame{event: event, id: s.lastID, data: bytes.Clone(data.Bytes())}
			if f.event == "" {
				f.event = "message"
			}
			return f, nil
		}
		if line[0] == ':' {
			continue
		}

		field, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))

		switch string(field) {
		case "event":
			event = string(value)
		case "data":
			if seen {
				data.WriteByte('\n')
			}
			data.Write(value)
			seen = true
		case "id":
			if bytes.IndexByte(value, 0) < 0 {
				s.lastID = string(value)
			}
		case "retry":
			if ms, err := strconv.Atoi(string(value)); err == nil && ms >= 0 {
				s.retry = time.Duration(ms) * time.Millisecond
			}
		}
	}
	if err := s.sc.Err(); err != nil {
		return frame{}, err
	}
	return frame{}, io.EOF
}
