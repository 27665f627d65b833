package event

import (
	"fmt"
	"io"

	"github.com/gin-contrib/sse"
)

// WriteFrame encodes one named event frame. Non-string payloads are
// JSON-encoded on the data line.
func WriteFrame(w io.Writer, eventType string, payload any) error {
	return sse.Encode(w, sse.Event{Event: eventType, Data: payload})
}

// WriteError encodes a terminal error frame.
func WriteError(w io.Writer, code Code, message, hint string) error {
	return WriteFrame(w, TypeError, Payload{
		Message:   message,
		ErrorCode: code,
		Hint:      hint,
	})
}

// WriteComment encodes a comment frame. Comments carry no semantics and
// exist to keep idle connections alive through intermediaries.
func WriteComment(w io.Writer, text string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", text)
	return err
}
