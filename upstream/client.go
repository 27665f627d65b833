package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"genrelay/config"
)

// Job kinds accepted by the generation backend.
const (
	KindGeneration  = "generation"
	KindVoiceover   = "voiceover"
	KindVideoRender = "video_render"
)

// ValidKind reports whether kind names a supported job kind.
func ValidKind(kind string) bool {
	switch kind {
	case KindGeneration, KindVoiceover, KindVideoRender:
		return true
	}
	return false
}

// JobRequest are the parameters for a new generation job.
type JobRequest struct {
	Topic string   `json:"topic"`
	Kinds []string `json:"kinds"`
}

// ErrAuthInvalid is returned when the upstream rejects the caller's
// credential. Callers remap it to a re-authentication prompt instead of
// forwarding the raw 401.
var ErrAuthInvalid = errors.New("credential rejected by upstream")

// StatusError is a non-success upstream response, preserved verbatim so
// callers can forward status and body downstream.
type StatusError struct {
	StatusCode  int
	ContentType string
	Body        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Body)
}

// Client talks to the generation backend. It owns two HTTP clients over
// one explicitly constructed transport: a short-timeout client for
// control calls, and a stream client with no client-level timeout so the
// per-request context deadline alone bounds long-lived streams. Nothing
// here touches http.DefaultTransport; concurrent jobs never share
// mutable transport state.
type Client struct {
	base    string
	control *http.Client
	stream  *http.Client
}

func NewClient(cfg *config.Config) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Client{
		base:    cfg.UpstreamBase,
		control: &http.Client{Transport: transport, Timeout: cfg.RequestTimeout},
		stream:  &http.Client{Transport: transport},
	}
}

// CreateJob registers a new job upstream and returns its id. A 401 is
// remapped to ErrAuthInvalid; other non-success statuses surface as a
// StatusError carrying the upstream body verbatim.
func (c *Client) CreateJob(ctx context.Context, credential string, jobReq JobRequest) (int64, error) {
	body, err := json.Marshal(jobReq)
	if err != nil {
		return 0, fmt.Errorf("marshaling job request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/internal/jobs", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	setCredential(req, credential)

	resp, err := c.control.Do(req)
	if err != nil {
		return 0, fmt.Errorf("creating job upstream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return 0, ErrAuthInvalid
	}
	if resp.StatusCode != http.StatusOK {
		return 0, readStatusError(resp)
	}

	var created struct {
		JobID int64 `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return 0, fmt.Errorf("decoding job response: %w", err)
	}
	return created.JobID, nil
}

// OpenStream opens the upstream event stream for a job. On success the
// caller owns the response body and must close it. A non-200 status is
// consumed into a StatusError and the body is closed here.
func (c *Client) OpenStream(ctx context.Context, credential string, jobID int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/internal/jobs/%d/events", c.base, jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("creating stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	setCredential(req, credential)

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("opening upstream stream: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrAuthInvalid
		}
		return nil, readStatusError(resp)
	}

	return resp, nil
}

// CancelJob asks the upstream to cancel a job. The upstream status and
// body are returned verbatim; callers treat any failure as soft.
func (c *Client) CancelJob(ctx context.Context, credential string, jobID int64) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/internal/jobs/%d/cancel", c.base, jobID), nil)
	if err != nil {
		return 0, nil, fmt.Errorf("creating cancel request: %w", err)
	}
	setCredential(req, credential)

	resp, err := c.control.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("cancelling job upstream: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, body, nil
}

func setCredential(req *http.Request, credential string) {
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}
}

func readStatusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        string(body),
	}
}
