package event

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrFrameTooLarge is reported when a single frame exceeds the scanner's
// size ceiling before its terminating blank line arrives.
var ErrFrameTooLarge = errors.New("event frame exceeds maximum size")

// Frame is one unit of the stream: either a comment (heartbeat filler,
// no semantic payload) or a named event carrying JSON data. For named
// events Raw holds the exact bytes of the frame including its
// terminating blank line, so the relay can republish it verbatim
// without re-encoding.
type Frame struct {
	Comment bool
	Type    string
	Data    string
	Raw     []byte
}

// Payload decodes the frame's data line as an event payload.
func (f *Frame) Payload() (*Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(f.Data), &p); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", f.Type, err)
	}
	return &p, nil
}

// Scanner reassembles frames from a server-sent event stream. Frames are
// delimited by blank lines; a frame may span multiple physical reads, so
// the trailing incomplete fragment is buffered until the next read
// completes it. Comment lines are surfaced as Comment frames (they reset
// liveness bookkeeping in callers) instead of being swallowed.
//
//	scanner := event.NewScanner(body, maxFrame)
//	for scanner.Next() {
//	    frame := scanner.Frame()
//	    ...
//	}
//	if err := scanner.Err(); err != nil {
//	    ...
//	}
type Scanner struct {
	reader   *bufio.Reader
	maxFrame int

	// Partially assembled named event, carried across Next calls when a
	// comment frame interleaves mid-block.
	pendingType string
	pendingData []string
	pendingRaw  bytes.Buffer

	current Frame
	err     error
}

// NewScanner creates a scanner over reader. Frames larger than maxFrame
// bytes terminate the scan with ErrFrameTooLarge; maxFrame <= 0 means no
// limit.
func NewScanner(reader io.Reader, maxFrame int) *Scanner {
	return &Scanner{
		reader:   bufio.NewReader(reader),
		maxFrame: maxFrame,
	}
}

// Next advances to the next frame. Returns false at end of stream or on
// error; Err distinguishes a clean EOF from a failure.
func (s *Scanner) Next() bool {
	if s.err != nil {
		return false
	}

	for {
		line, err := s.reader.ReadString('\n')

		if err != nil && line == "" {
			if err == io.EOF {
				// A frame is only complete once its blank line arrives.
				// An undelimited tail at EOF means the producer was cut
				// off mid-frame; discard it so the stream ends with no
				// terminal frame and classifies as an abrupt close.
				if len(s.pendingData) > 0 {
					s.resetPending()
				}
				return false
			}
			s.err = err
			return false
		}

		s.pendingRaw.WriteString(line)
		if s.maxFrame > 0 && s.pendingRaw.Len() > s.maxFrame {
			s.err = ErrFrameTooLarge
			return false
		}

		trimmed := strings.TrimRight(line, "\r\n")

		// Blank line: frame boundary.
		if trimmed == "" {
			if len(s.pendingData) > 0 {
				s.emitPending()
				return true
			}
			// Empty block, nothing to dispatch.
			s.resetPending()
			continue
		}

		// Comment line: surface immediately so liveness bookkeeping can
		// reset, without disturbing a partially assembled event block.
		if strings.HasPrefix(trimmed, ":") {
			s.current = Frame{
				Comment: true,
				Data:    strings.TrimPrefix(strings.TrimPrefix(trimmed, ":"), " "),
			}
			// The comment's bytes don't belong to the pending event.
			s.pendingRaw.Truncate(s.pendingRaw.Len() - len(line))
			return true
		}

		field, value, hasColon := strings.Cut(trimmed, ":")
		if !hasColon {
			field, value = trimmed, ""
		} else {
			value = strings.TrimPrefix(value, " ")
		}

		switch field {
		case "data":
			s.pendingData = append(s.pendingData, value)
		case "event":
			s.pendingType = value
		default:
			// id, retry and unknown fields: ignored, but kept in Raw so
			// republication stays byte-faithful.
		}
	}
}

// Frame returns the most recently scanned frame. Valid only after Next
// returned true.
func (s *Scanner) Frame() Frame {
	return s.current
}

// Err returns the error that stopped the scan, or nil after a clean EOF.
func (s *Scanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}

func (s *Scanner) emitPending() {
	raw := make([]byte, s.pendingRaw.Len())
	copy(raw, s.pendingRaw.Bytes())
	s.current = Frame{
		Type: s.pendingType,
		Data: strings.Join(s.pendingData, "\n"),
		Raw:  raw,
	}
	s.resetPending()
}

func (s *Scanner) resetPending() {
	s.pendingType = ""
	s.pendingData = nil
	s.pendingRaw.Reset()
}
