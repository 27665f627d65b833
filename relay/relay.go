package relay

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"genrelay/event"

	"github.com/lithammer/shortuuid/v4"
)

// Relay republishes one upstream event stream to one downstream consumer,
// injecting heartbeats and shaping failures into exactly one terminal
// error frame. It never reorders, batches or coalesces frames, and it
// never mutates job state.
//
// The downstream consumer may disconnect at any moment while the
// heartbeat timer or the read loop holds a frame to write, so every
// write path checks the closed flag under the mutex and becomes a no-op
// after the stream has closed.
type Relay struct {
	id        string
	heartbeat time.Duration
	maxFrame  int

	mu     sync.Mutex
	writer writeFlusher
	closed bool
}

var errStreamingUnsupported = errors.New("response writer does not support streaming")

type writeFlusher interface {
	io.Writer
	http.Flusher
}

// New prepares a relay over an HTTP response writer and commits the SSE
// response headers. Returns an error if the writer cannot flush, since
// an unflushable stream would sit in a proxy buffer until it times out.
func New(w http.ResponseWriter, heartbeat time.Duration, maxFrame int64) (*Relay, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errStreamingUnsupported
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &Relay{
		id:        shortuuid.New(),
		heartbeat: heartbeat,
		maxFrame:  int(maxFrame),
		writer: struct {
			io.Writer
			http.Flusher
		}{w, flusher},
	}, nil
}

// ID is the correlation id used in log lines for this stream.
func (r *Relay) ID() string {
	return r.id
}

// Run pumps frames from the upstream body to the downstream writer until
// a terminal frame, an upstream failure, the context deadline, or a
// downstream disconnect. The context must carry the stream deadline; its
// expiry aborts the blocked upstream read. Run always closes body and
// resolves every exit path to at most one terminal frame before the
// stream closes.
func (r *Relay) Run(ctx context.Context, body io.ReadCloser) {
	defer body.Close()

	stopHeartbeat := make(chan struct{})
	defer close(stopHeartbeat)
	go r.heartbeatLoop(stopHeartbeat)

	scanner := event.NewScanner(body, r.maxFrame)
	for scanner.Next() {
		frame := scanner.Frame()

		if frame.Comment {
			// Upstream liveness filler: forward normalized so the
			// downstream consumer's liveness bookkeeping resets too.
			if !r.writeComment(frame.Data) {
				log.Printf("[stream %s] downstream disconnected", r.id)
				return
			}
			continue
		}

		if event.IsTerminal(frame.Type) {
			// Write and close under one lock so no heartbeat can land
			// after the terminal frame.
			r.writeFinalRaw(frame.Raw)
			log.Printf("[stream %s] terminal frame %q relayed", r.id, frame.Type)
			return
		}

		if !r.writeRaw(frame.Raw) {
			log.Printf("[stream %s] downstream disconnected", r.id)
			return
		}
	}

	r.resolve(ctx, scanner.Err())
}

// resolve turns a non-terminal stream end into the taxonomy's terminal
// error frame. The deadline context disambiguates: Canceled means the
// downstream left (nobody to tell), DeadlineExceeded means the job ran
// over its ceiling.
func (r *Relay) resolve(ctx context.Context, scanErr error) {
	if ctx.Err() == context.Canceled {
		log.Printf("[stream %s] downstream context canceled", r.id)
		r.close()
		return
	}

	code := event.Classify(scanErr)
	switch code {
	case event.CodeStreamTimeout:
		log.Printf("[stream %s] deadline exceeded with no terminal frame", r.id)
		r.fail(code, "stream timed out before the job finished", event.HintTimeout)
	case event.CodeStreamClosed:
		log.Printf("[stream %s] upstream closed without a terminal frame: %v", r.id, scanErr)
		r.fail(code, "stream closed by server before the job finished", event.HintServerClosed)
	default:
		log.Printf("[stream %s] upstream read failed: %v", r.id, scanErr)
		r.fail(code, scanErr.Error(), "")
	}
}

func (r *Relay) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !r.writeComment("heartbeat") {
				return
			}
		}
	}
}

// writeRaw republishes one frame byte-for-byte. Returns false once the
// stream is closed or the downstream write fails.
func (r *Relay) writeRaw(raw []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if _, err := r.writer.Write(raw); err != nil {
		r.closed = true
		return false
	}
	r.writer.Flush()
	return true
}

// writeFinalRaw relays the stream's terminal frame and closes in the
// same critical section.
func (r *Relay) writeFinalRaw(raw []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	if _, err := r.writer.Write(raw); err != nil {
		return
	}
	r.writer.Flush()
}

func (r *Relay) writeComment(text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if text == "" {
		text = "heartbeat"
	}
	if err := event.WriteComment(r.writer, text); err != nil {
		r.closed = true
		return false
	}
	r.writer.Flush()
	return true
}

// fail emits the stream's single terminal error frame, then closes. A
// no-op if the stream already closed.
func (r *Relay) fail(code event.Code, message, hint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	if err := event.WriteError(r.writer, code, message, hint); err != nil {
		return
	}
	r.writer.Flush()
}

func (r *Relay) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}
