package consumer

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"genrelay/event"
)

// State names a position in the stream lifecycle.
type State string

const (
	StateIdle            State = "idle"
	StateRequesting      State = "requesting"
	StateStreaming       State = "streaming"
	StateArtifactPartial State = "artifact_partial"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
	StateCancelled       State = "cancelled"
)

// Snapshot is a point-in-time copy of the consumer's visible state,
// safe to hand to a UI while the read loop keeps running.
type Snapshot struct {
	State        State
	Progress     int
	Message      string
	Artifact     *event.ArtifactRef
	ErrorCode    event.Code
	ErrorMessage string
	Hint         string
	LastEventAt  time.Time
}

// Consumer drives one job's event stream: it opens the relay stream,
// reassembles frames, and advances the state machine
// Idle → Requesting → Streaming → {ArtifactPartial} → Completed | Failed
// | Cancelled. Progress never regresses within a run. A Consumer owns at
// most one active stream; starting a new run tears down the prior one.
type Consumer struct {
	baseURL    string
	credential string
	client     *http.Client
	maxFrame   int

	mu           sync.Mutex
	state        State
	progress     int
	message      string
	artifact     *event.ArtifactRef
	errCode      event.Code
	errMsg       string
	hint         string
	lastEvent    time.Time
	jobID        int64
	cancelStream context.CancelFunc
	body         io.ReadCloser
	bodyOnce     *sync.Once

	cancelRequested atomic.Bool
}

// New creates a consumer for the relay at baseURL authenticating with
// credential. A nil httpClient gets a client over its own explicit
// transport with no client-level timeout: long streams are bounded by
// the relay's deadline, not by us.
func New(baseURL, credential string, httpClient *http.Client, maxFrame int64) *Consumer {
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				IdleConnTimeout: 90 * time.Second,
			},
		}
	}
	return &Consumer{
		baseURL:    baseURL,
		credential: credential,
		client:     httpClient,
		maxFrame:   int(maxFrame),
		state:      StateIdle,
	}
}

// Run opens the stream for jobID and blocks until a terminal state,
// returning the final snapshot. Any previous stream is torn down first.
// Run never panics out of the state machine: every exit path lands in
// Completed, Failed or Cancelled.
func (c *Consumer) Run(ctx context.Context, jobID int64) Snapshot {
	c.teardown()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.jobID = jobID
	c.state = StateRequesting
	c.progress = 0
	c.message = ""
	c.artifact = nil
	c.errCode, c.errMsg, c.hint = "", "", ""
	// Reset the cancel flag before this run's cancel func becomes
	// visible, so a Cancel issued from here on targets this stream.
	c.cancelRequested.Store(false)
	c.cancelStream = cancel
	c.body = nil
	c.bodyOnce = &sync.Once{}
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet,
		fmt.Sprintf("%s/api/v1/jobs/%d/stream", c.baseURL, jobID), nil)
	if err != nil {
		c.setFailed(event.CodeStreamError, err.Error(), "")
		return c.Snapshot()
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if c.credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.credential)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// The request itself failed: go straight to Failed (or
		// Cancelled if the user beat the response), never Streaming.
		if c.cancelRequested.Load() {
			c.setCancelled()
			return c.Snapshot()
		}
		code := event.Classify(err)
		c.setFailed(code, err.Error(), event.HintFor(code))
		return c.Snapshot()
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		c.failFromStatus(resp.StatusCode, string(body))
		return c.Snapshot()
	}

	c.mu.Lock()
	c.body = resp.Body
	c.state = StateStreaming
	c.lastEvent = time.Now()
	c.mu.Unlock()

	c.readLoop(resp.Body)
	return c.Snapshot()
}

// Cancel stops the active stream. It (1) cancels the stream context so
// the read loop exits promptly, (2) releases the stream reader exactly
// once even when racing an in-flight read, and (3) fires one best-effort
// upstream cancellation without blocking the caller on its result.
// Repeat calls are no-ops until the next Run.
func (c *Consumer) Cancel() {
	if !c.cancelRequested.CompareAndSwap(false, true) {
		return
	}

	c.mu.Lock()
	cancel := c.cancelStream
	jobID := c.jobID
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.closeBody()

	if jobID > 0 {
		go c.notifyCancel(jobID)
	}
}

// Snapshot returns a copy of the current visible state.
func (c *Consumer) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		State:        c.state,
		Progress:     c.progress,
		Message:      c.message,
		Artifact:     c.artifact,
		ErrorCode:    c.errCode,
		ErrorMessage: c.errMsg,
		Hint:         c.hint,
		LastEventAt:  c.lastEvent,
	}
}

func (c *Consumer) readLoop(body io.ReadCloser) {
	scanner := event.NewScanner(body, c.maxFrame)
	for scanner.Next() {
		frame := scanner.Frame()

		c.mu.Lock()
		c.lastEvent = time.Now()
		c.mu.Unlock()

		if frame.Comment || frame.Type == event.TypeHeartbeat {
			continue
		}

		payload, err := frame.Payload()
		if err != nil {
			log.Printf("consumer: dropping malformed %q frame: %v", frame.Type, err)
			continue
		}

		switch {
		case frame.Type == event.TypeJobStarted:
			c.setMessage(payload.Message)

		case event.IsProgress(frame.Type):
			c.applyProgress(payload)

		case frame.Type == event.TypeArtifactReady:
			c.applyArtifact(payload)

		case event.IsSuccess(frame.Type):
			c.setCompleted(payload)
			c.closeBody()
			return

		case event.IsFailure(frame.Type):
			code := payload.ErrorCode
			if code == "" {
				code = event.CodeStreamError
			}
			hint := payload.Hint
			if hint == "" {
				hint = event.HintFor(code)
			}
			c.setFailed(code, payload.Message, hint)
			c.closeBody()
			return

		default:
			// Forward compatibility: unknown types are a no-op.
			log.Printf("consumer: ignoring unknown event type %q", frame.Type)
		}
	}

	// Stream ended with no terminal frame.
	c.closeBody()
	if c.cancelRequested.Load() {
		c.setCancelled()
		return
	}
	code := event.Classify(scanner.Err())
	switch code {
	case event.CodeStreamTimeout:
		c.setFailed(code, "stream timed out before the job finished", event.HintTimeout)
	case event.CodeStreamClosed:
		c.setFailed(code, "stream closed by server before the job finished", event.HintServerClosed)
	default:
		c.setFailed(code, scanner.Err().Error(), "")
	}
}

// applyProgress enforces the monotonic progress rule: displayed progress
// is the max of all values seen, even when the stream regresses.
func (c *Consumer) applyProgress(payload *event.Payload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if payload.Progress != nil && *payload.Progress > c.progress {
		c.progress = *payload.Progress
	}
	if payload.Message != "" {
		c.message = payload.Message
	}
}

// applyArtifact makes the artifact reference usable before any terminal
// frame arrives, so a UI can start consuming it speculatively.
func (c *Consumer) applyArtifact(payload *event.Payload) {
	ref := payload.ArtifactRef()
	if ref == nil {
		log.Printf("consumer: artifact_ready frame without a storage url")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.artifact = ref
	if c.state == StateStreaming {
		c.state = StateArtifactPartial
	}
}

func (c *Consumer) setCompleted(payload *event.Payload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Reconcile: prefer the terminal frame's reference, else retain the
	// one announced by artifact_ready.
	if ref := payload.ArtifactRef(); ref != nil {
		c.artifact = ref
	}
	c.progress = 100
	c.state = StateCompleted
	if payload.Message != "" {
		c.message = payload.Message
	}
}

func (c *Consumer) setFailed(code event.Code, message, hint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateFailed
	c.errCode = code
	c.errMsg = message
	c.hint = hint
}

// setCancelled preserves progress and message so a retry has context.
// Cancellation is not an error and records no error code.
func (c *Consumer) setCancelled() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateCancelled
	c.message = "stopped"
}

func (c *Consumer) setMessage(message string) {
	if message == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.message = message
}

func (c *Consumer) failFromStatus(status int, body string) {
	switch status {
	case http.StatusUnauthorized:
		c.setFailed(event.CodeAuthInvalid, "authentication failed", event.HintReauth)
	case http.StatusBadRequest:
		c.setFailed(event.CodeValidation, body, "")
	default:
		c.setFailed(event.CodeStreamError, fmt.Sprintf("stream request returned %d: %s", status, body), "")
	}
}

// closeBody releases the stream reader exactly once; racing callers
// (read loop finishing vs. Cancel) both funnel through the same Once.
func (c *Consumer) closeBody() {
	c.mu.Lock()
	once := c.bodyOnce
	body := c.body
	c.mu.Unlock()
	if once == nil || body == nil {
		return
	}
	once.Do(func() {
		body.Close()
	})
}

// teardown fully dismantles any prior stream before a new one starts.
func (c *Consumer) teardown() {
	c.mu.Lock()
	cancel := c.cancelStream
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.closeBody()
}

// notifyCancel is the best-effort leg of cancellation. Its failure is a
// soft warning: local teardown already happened and must not depend on
// the upstream accepting the call.
func (c *Consumer) notifyCancel(jobID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/v1/jobs/%d/cancel", c.baseURL, jobID), nil)
	if err != nil {
		log.Printf("consumer: building cancel request for job %d: %v", jobID, err)
		return
	}
	if c.credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.credential)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		log.Printf("consumer: cancel call for job %d failed: %v", jobID, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Printf("consumer: cancel call for job %d returned %d", jobID, resp.StatusCode)
	}
}
