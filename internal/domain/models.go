// Path: internal/domain/models.go
package domain

import (
	"time"
)

// StreamName identifies a live stream. It is unique among active streams
// only; a name may be reused once its stream has ended.
type StreamName string

// Frame is one opaque text payload of a stream.
type Frame string

// ViewerID identifies one subscription for the lifetime of the process.
type ViewerID uint64

// --- Presence ---

// PresenceType describes what happened to a stream.
type PresenceType string

const (
	// PresenceCreated is announced once a stream is registered and discoverable.
	PresenceCreated PresenceType = "created"
	// PresenceRemoved is announced once a stream has been unregistered.
	PresenceRemoved PresenceType = "removed"
)

// Presence is the notification sent to listeners when a stream appears or
// disappears.
type Presence struct {
	Type   PresenceType `json:"type"`
	Stream StreamName   `json:"stream"`
	At     time.Time    `json:"at"`
}

// --- Session history ---

// EndReason records how a stream's producer stopped.
type EndReason string

const (
	// EndCompleted means the producer sequence ended normally.
	EndCompleted EndReason = "completed"
	// EndCancelled means the producer was stopped by its context.
	EndCancelled EndReason = "cancelled"
	// EndFailed means the producer sequence raised an error.
	EndFailed EndReason = "failed"
)

// StreamSession is the history record of one stream's lifetime, from
// registration to teardown.
// It includes struct tags for JSON serialization and BSON mapping for MongoDB.
type StreamSession struct {
	ID          string     `json:"id" bson:"_id"`
	Stream      StreamName `json:"stream" bson:"stream"`
	StartedAt   time.Time  `json:"startedAt" bson:"startedAt"`
	EndedAt     time.Time  `json:"endedAt" bson:"endedAt"`
	Frames      uint64     `json:"frames" bson:"frames"`
	Viewers     uint64     `json:"viewers" bson:"viewers"`
	PeakViewers int        `json:"peakViewers" bson:"peakViewers"`
	Dropped     uint64     `json:"dropped" bson:"dropped"`
	EndReason   EndReason  `json:"endReason" bson:"endReason"`
	Error       string     `json:"error,omitempty" bson:"error,omitempty"`
}

// Duration returns how long the stream was live.
func (s StreamSession) Duration() time.Duration {
	return s.EndedAt.Sub(s.StartedAt)
}
