// Package events publishes upload lifecycle notifications to interested
// consumers outside the process.
package events

import (
	"context"
	"time"
)

// EventType names an upload lifecycle transition
type EventType string

const (
	// UploadCompleted fires once, when a session's artifact is first written.
	UploadCompleted EventType = "upload.completed"
	// UploadExpired fires when the janitor reclaims an idle session.
	UploadExpired EventType = "upload.expired"
)

// Event is the payload published for an upload lifecycle transition
type Event struct {
	Type        EventType `json:"type"`
	SessionID   string    `json:"session_id"`
	Filename    string    `json:"filename,omitempty"`
	ChunkCount  int       `json:"chunk_count,omitempty"`
	Size        int64     `json:"size,omitempty"`
	ArtifactKey string    `json:"artifact_key,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Publisher delivers upload events
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NopPublisher discards every event
type NopPublisher struct{}

// Publish implements Publisher
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Close implements Publisher
func (NopPublisher) Close() error { return nil }
