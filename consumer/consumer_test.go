package consumer

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"genrelay/event"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJobID = 7

// newRelayServer fakes the relay: one stream endpoint driven by script
// and one cancel endpoint counting calls.
func newRelayServer(t *testing.T, cancelCalls *atomic.Int32, script func(w http.ResponseWriter, r *http.Request, flush func())) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("/api/v1/jobs/%d/stream", testJobID), func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		script(w, r, flusher.Flush)
	})
	mux.HandleFunc(fmt.Sprintf("/api/v1/jobs/%d/cancel", testJobID), func(w http.ResponseWriter, r *http.Request) {
		if cancelCalls != nil {
			cancelCalls.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	})
	return httptest.NewServer(mux)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestConsumer_CompletedWithArtifact(t *testing.T) {
	// job_started → status 10 → artifact_ready → tts_completed.
	server := newRelayServer(t, nil, func(w http.ResponseWriter, r *http.Request, flush func()) {
		fmt.Fprint(w, "event: job_started\ndata: {\"job_id\":7}\n\n")
		fmt.Fprint(w, "event: status\ndata: {\"message\":\"synthesizing\",\"progress\":10}\n\n")
		fmt.Fprint(w, ": heartbeat\n\n")
		fmt.Fprint(w, "event: artifact_ready\ndata: {\"artifact_type\":\"audio\",\"metadata\":{\"storage_url\":\"a.wav\"}}\n\n")
		fmt.Fprint(w, "event: tts_completed\ndata: {\"storage_url\":\"a.wav\"}\n\n")
		flush()
	})
	defer server.Close()

	c := New(server.URL, "tok.en.sig", nil, 0)
	snap := c.Run(context.Background(), testJobID)

	assert.Equal(t, StateCompleted, snap.State)
	assert.Equal(t, 100, snap.Progress)
	require.NotNil(t, snap.Artifact)
	assert.Equal(t, "a.wav", snap.Artifact.URL)
	assert.Empty(t, snap.ErrorCode)
}

func TestConsumer_ProgressNeverRegresses(t *testing.T) {
	// 80 then 50: displayed progress must stay at 80.
	server := newRelayServer(t, nil, func(w http.ResponseWriter, r *http.Request, flush func()) {
		fmt.Fprint(w, "event: tts_progress\ndata: {\"progress\":80}\n\n")
		fmt.Fprint(w, "event: tts_progress\ndata: {\"progress\":50}\n\n")
		fmt.Fprint(w, "event: tts_failed\ndata: {\"message\":\"synthesis failed\"}\n\n")
		flush()
	})
	defer server.Close()

	c := New(server.URL, "tok.en.sig", nil, 0)
	snap := c.Run(context.Background(), testJobID)

	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, 80, snap.Progress)
}

func TestConsumer_SilenceUntilDeadlineFails(t *testing.T) {
	server := newRelayServer(t, nil, func(w http.ResponseWriter, r *http.Request, flush func()) {
		fmt.Fprint(w, "event: job_started\ndata: {\"job_id\":7}\n\n")
		flush()
		<-r.Context().Done()
	})
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	c := New(server.URL, "tok.en.sig", nil, 0)
	start := time.Now()
	snap := c.Run(ctx, testJobID)

	assert.Less(t, time.Since(start), 2*time.Second, "must never hang indefinitely")
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, event.CodeStreamTimeout, snap.ErrorCode)
	assert.NotEmpty(t, snap.Hint)
}

func TestConsumer_TruncatedTerminalFrameFailsNotCompletes(t *testing.T) {
	// The terminal frame arrives without its closing blank line before
	// the connection drops. It must not count as a clean completion.
	server := newRelayServer(t, nil, func(w http.ResponseWriter, r *http.Request, flush func()) {
		fmt.Fprint(w, "event: tts_progress\ndata: {\"progress\":40}\n\n")
		fmt.Fprint(w, "event: tts_completed\ndata: {\"storage_url\":\"a.wav\"}\n")
		flush()
	})
	defer server.Close()

	c := New(server.URL, "tok.en.sig", nil, 0)
	snap := c.Run(context.Background(), testJobID)

	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, event.CodeStreamClosed, snap.ErrorCode)
	assert.Equal(t, 40, snap.Progress)
	assert.Nil(t, snap.Artifact)
}

func TestConsumer_CancelDuringRequestingCancels(t *testing.T) {
	// Cancel lands while the stream request is still in flight: the
	// run must settle in Cancelled, not Failed.
	var cancelCalls atomic.Int32
	requested := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("/api/v1/jobs/%d/stream", testJobID), func(w http.ResponseWriter, r *http.Request) {
		close(requested)
		// Hold the response until the consumer gives up.
		<-r.Context().Done()
	})
	mux.HandleFunc(fmt.Sprintf("/api/v1/jobs/%d/cancel", testJobID), func(w http.ResponseWriter, r *http.Request) {
		cancelCalls.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := New(server.URL, "tok.en.sig", nil, 0)
	done := make(chan Snapshot, 1)
	go func() { done <- c.Run(context.Background(), testJobID) }()

	<-requested
	require.Equal(t, StateRequesting, c.Snapshot().State)
	c.Cancel()

	snap := <-done
	assert.Equal(t, StateCancelled, snap.State)
	assert.Empty(t, snap.ErrorCode)
	waitFor(t, func() bool { return cancelCalls.Load() == 1 })
}

func TestConsumer_AbruptCloseFailsNotCompletes(t *testing.T) {
	// job_started → tts_progress 40 → connection closes, no terminal.
	server := newRelayServer(t, nil, func(w http.ResponseWriter, r *http.Request, flush func()) {
		fmt.Fprint(w, "event: job_started\ndata: {\"job_id\":7}\n\n")
		fmt.Fprint(w, "event: tts_progress\ndata: {\"progress\":40}\n\n")
		flush()
	})
	defer server.Close()

	c := New(server.URL, "tok.en.sig", nil, 0)
	snap := c.Run(context.Background(), testJobID)

	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, event.CodeStreamClosed, snap.ErrorCode)
	assert.Equal(t, 40, snap.Progress)
}

func TestConsumer_CancelMidStream(t *testing.T) {
	// tts_progress 30 → user clicks stop, repeatedly.
	var cancelCalls atomic.Int32
	server := newRelayServer(t, &cancelCalls, func(w http.ResponseWriter, r *http.Request, flush func()) {
		fmt.Fprint(w, "event: job_started\ndata: {\"job_id\":7}\n\n")
		fmt.Fprint(w, "event: tts_progress\ndata: {\"progress\":30}\n\n")
		flush()
		<-r.Context().Done()
	})
	defer server.Close()

	c := New(server.URL, "tok.en.sig", nil, 0)
	done := make(chan Snapshot, 1)
	go func() {
		done <- c.Run(context.Background(), testJobID)
	}()

	waitFor(t, func() bool { return c.Snapshot().Progress == 30 })

	c.Cancel()
	c.Cancel()
	c.Cancel()

	var snap Snapshot
	select {
	case snap = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish after cancel")
	}

	assert.Equal(t, StateCancelled, snap.State)
	assert.Equal(t, 30, snap.Progress, "cancellation preserves last known progress")
	assert.Empty(t, snap.ErrorCode, "cancellation is not an error")

	waitFor(t, func() bool { return cancelCalls.Load() == 1 })
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), cancelCalls.Load(), "repeated clicks issue one upstream call")
}

func TestConsumer_ArtifactUsableBeforeTerminalFrame(t *testing.T) {
	server := newRelayServer(t, nil, func(w http.ResponseWriter, r *http.Request, flush func()) {
		fmt.Fprint(w, "event: artifact_ready\ndata: {\"artifact_type\":\"audio\",\"metadata\":{\"storage_url\":\"draft.wav\"}}\n\n")
		flush()
		<-r.Context().Done()
	})
	defer server.Close()

	c := New(server.URL, "tok.en.sig", nil, 0)
	done := make(chan Snapshot, 1)
	go func() {
		done <- c.Run(context.Background(), testJobID)
	}()

	waitFor(t, func() bool { return c.Snapshot().State == StateArtifactPartial })
	snap := c.Snapshot()
	require.NotNil(t, snap.Artifact)
	assert.Equal(t, "draft.wav", snap.Artifact.URL)

	c.Cancel()
	<-done
}

func TestConsumer_TerminalFrameReconcilesArtifact(t *testing.T) {
	// The terminal frame's reference wins over artifact_ready's.
	server := newRelayServer(t, nil, func(w http.ResponseWriter, r *http.Request, flush func()) {
		fmt.Fprint(w, "event: artifact_ready\ndata: {\"metadata\":{\"storage_url\":\"draft.wav\"}}\n\n")
		fmt.Fprint(w, "event: tts_completed\ndata: {\"storage_url\":\"final.wav\"}\n\n")
		flush()
	})
	defer server.Close()

	c := New(server.URL, "tok.en.sig", nil, 0)
	snap := c.Run(context.Background(), testJobID)

	assert.Equal(t, StateCompleted, snap.State)
	require.NotNil(t, snap.Artifact)
	assert.Equal(t, "final.wav", snap.Artifact.URL)
}

func TestConsumer_TerminalWithoutReferenceKeepsArtifactReady(t *testing.T) {
	server := newRelayServer(t, nil, func(w http.ResponseWriter, r *http.Request, flush func()) {
		fmt.Fprint(w, "event: artifact_ready\ndata: {\"metadata\":{\"storage_url\":\"only.wav\"}}\n\n")
		fmt.Fprint(w, "event: tts_completed\ndata: {}\n\n")
		flush()
	})
	defer server.Close()

	c := New(server.URL, "tok.en.sig", nil, 0)
	snap := c.Run(context.Background(), testJobID)

	assert.Equal(t, StateCompleted, snap.State)
	require.NotNil(t, snap.Artifact)
	assert.Equal(t, "only.wav", snap.Artifact.URL)
}

func TestConsumer_UnknownEventTypesIgnored(t *testing.T) {
	server := newRelayServer(t, nil, func(w http.ResponseWriter, r *http.Request, flush func()) {
		fmt.Fprint(w, "event: shiny_new_thing\ndata: {\"whatever\":true}\n\n")
		fmt.Fprint(w, "event: generation_completed\ndata: {}\n\n")
		flush()
	})
	defer server.Close()

	c := New(server.URL, "tok.en.sig", nil, 0)
	snap := c.Run(context.Background(), testJobID)

	assert.Equal(t, StateCompleted, snap.State)
}

func TestConsumer_ErrorFramePropagatesCodeAndHint(t *testing.T) {
	server := newRelayServer(t, nil, func(w http.ResponseWriter, r *http.Request, flush func()) {
		fmt.Fprint(w, "event: error\ndata: {\"message\":\"stream timed out\",\"error_code\":\"stream_timeout\",\"hint\":\"retry with a shorter input\"}\n\n")
		flush()
	})
	defer server.Close()

	c := New(server.URL, "tok.en.sig", nil, 0)
	snap := c.Run(context.Background(), testJobID)

	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, event.CodeStreamTimeout, snap.ErrorCode)
	assert.Equal(t, "retry with a shorter input", snap.Hint)
}

func TestConsumer_RequestFailureSkipsStreaming(t *testing.T) {
	t.Run("unauthorized", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"bad token"}`, http.StatusUnauthorized)
		}))
		defer server.Close()

		c := New(server.URL, "tok.en.sig", nil, 0)
		snap := c.Run(context.Background(), testJobID)

		assert.Equal(t, StateFailed, snap.State)
		assert.Equal(t, event.CodeAuthInvalid, snap.ErrorCode)
	})

	t.Run("connection refused", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		server.Close() // nothing listening anymore

		c := New(server.URL, "tok.en.sig", nil, 0)
		snap := c.Run(context.Background(), testJobID)

		assert.Equal(t, StateFailed, snap.State)
		assert.Equal(t, event.CodeStreamError, snap.ErrorCode)
	})
}

func TestConsumer_NewRunResetsState(t *testing.T) {
	var completions atomic.Int32
	server := newRelayServer(t, nil, func(w http.ResponseWriter, r *http.Request, flush func()) {
		completions.Add(1)
		fmt.Fprint(w, "event: tts_progress\ndata: {\"progress\":60}\n\n")
		fmt.Fprint(w, "event: tts_completed\ndata: {\"storage_url\":\"a.wav\"}\n\n")
		flush()
	})
	defer server.Close()

	c := New(server.URL, "tok.en.sig", nil, 0)
	first := c.Run(context.Background(), testJobID)
	require.Equal(t, StateCompleted, first.State)

	second := c.Run(context.Background(), testJobID)
	assert.Equal(t, StateCompleted, second.State)
	assert.Equal(t, int32(2), completions.Load())
	assert.Equal(t, 100, second.Progress)
}
