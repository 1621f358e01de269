// Path: internal/stream/storage.go
package stream

import (
	"context"

	"framecast/internal/domain"
)

// SessionStorage defines the interface for keeping a history of finished
// streams. It is an audit trail only; streams are never restored from it.
type SessionStorage interface {
	// RecordSession stores the record of a stream that has been torn down.
	RecordSession(ctx context.Context, session domain.StreamSession) error

	// RecentSessions returns up to limit records, most recently ended first.
	RecentSessions(ctx context.Context, limit int64) ([]domain.StreamSession, error)
}

// Notifier receives presence announcements. The events broker satisfies it.
type Notifier interface {
	Publish(topic string, data any)
}
