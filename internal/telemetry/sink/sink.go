// Package sink defines the remote sink contract for uploaded batches and its implementations
// (Firebase Realtime Database REST, Kafka, Loki, OTLP logs, Postgres).
package sink

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// RemoteSink accepts one serialized batch ({"events": [...]}) at a path-addressed location.
// Network, protocol and application-level failures all surface as a non-nil error; the uploader
// does not distinguish transient from permanent failures.
type RemoteSink interface {
	Post(ctx context.Context, path string, payload []byte) error
}

// Func adapts a function to RemoteSink.
type Func func(ctx context.Context, path string, payload []byte) error

// Post calls f.
func (f Func) Post(ctx context.Context, path string, payload []byte) error { return f(ctx, path, payload) }

// UploadPath returns userEvents/{userID}/{sessionID}/{yyyyMMddTHHmmssfffZ}.json for a batch uploaded at at.
func UploadPath(userID, sessionID string, at time.Time) string {
	return fmt.Sprintf("userEvents/%s/%s/%s.json", userID, sessionID, UploadStamp(at))
}

// SessionPath returns userEvents/{userID}/{sessionID}.json, the per-session variant.
func SessionPath(userID, sessionID string) string {
	return fmt.Sprintf("userEvents/%s/%s.json", userID, sessionID)
}

// UploadStamp formats at in UTC as yyyyMMddTHHmmssfffZ (millisecond precision, no separators).
func UploadStamp(at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("%s%03dZ", at.Format("20060102T150405"), at.Nanosecond()/int(time.Millisecond))
}

// ParsePath splits an upload path into user and session IDs. ok is false for paths not under userEvents/.
func ParsePath(path string) (userID, sessionID string, ok bool) {
	parts := strings.Split(strings.TrimSuffix(strings.TrimPrefix(path, "/"), ".json"), "/")
	if len(parts) < 3 || parts[0] != "userEvents" {
		return "", "", false
	}
	return parts[1], parts[2], true
}
