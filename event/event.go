package event

import "strings"

// Event type names shared by the upstream producer, the relay and the
// client consumer. Producer-specific types (tts_progress, video_completed,
// ...) are matched by suffix so new job kinds don't require a code change.
const (
	TypeJobStarted    = "job_started"
	TypeStatus        = "status"
	TypeArtifactReady = "artifact_ready"
	TypeError         = "error"
	TypeHeartbeat     = "heartbeat"

	suffixProgress  = "_progress"
	suffixCompleted = "_completed"
	suffixFailed    = "_failed"
)

// Payload is the JSON body carried by every named event. Fields are a
// union over all event types; absent fields are omitted on the wire.
type Payload struct {
	JobID        int64          `json:"job_id,omitempty"`
	Message      string         `json:"message,omitempty"`
	Progress     *int           `json:"progress,omitempty"`
	ArtifactType string         `json:"artifact_type,omitempty"`
	StorageURL   string         `json:"storage_url,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ErrorCode    Code           `json:"error_code,omitempty"`
	Hint         string         `json:"hint,omitempty"`
}

// ArtifactRef identifies a generated deliverable by storage location.
type ArtifactRef struct {
	URL      string         `json:"url"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ArtifactRef extracts an artifact reference from a payload. The URL may
// arrive either as a top-level storage_url (terminal frames) or inside
// metadata (artifact_ready frames). Returns nil if neither is present.
func (p *Payload) ArtifactRef() *ArtifactRef {
	url := p.StorageURL
	if url == "" {
		if u, ok := p.Metadata["storage_url"].(string); ok {
			url = u
		}
	}
	if url == "" {
		return nil
	}
	return &ArtifactRef{URL: url, Metadata: p.Metadata}
}

// IsTerminal reports whether an event type ends the stream. Exactly one
// terminal frame is emitted per stream.
func IsTerminal(eventType string) bool {
	return eventType == TypeError ||
		strings.HasSuffix(eventType, suffixCompleted) ||
		strings.HasSuffix(eventType, suffixFailed)
}

// IsSuccess reports whether an event type is a terminal success frame.
func IsSuccess(eventType string) bool {
	return strings.HasSuffix(eventType, suffixCompleted)
}

// IsFailure reports whether an event type is a terminal failure frame.
func IsFailure(eventType string) bool {
	return eventType == TypeError || strings.HasSuffix(eventType, suffixFailed)
}

// IsProgress reports whether an event type carries a progress update.
func IsProgress(eventType string) bool {
	return eventType == TypeStatus || strings.HasSuffix(eventType, suffixProgress)
}
