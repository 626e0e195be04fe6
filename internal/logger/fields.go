package logger

import (
	"log/slog"
)

// Standard field keys. Use them consistently so log lines can be queried.
const (
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	KeyService = "service" // files, containers, or a flusher id
	KeyMode    = "mode"    // master or slave

	// Records
	KeyFileID      = "file_id"
	KeyContainerID = "container_id"
	KeyName        = "name"
	KeyClock       = "clock"
	KeyRecordType  = "record_type"

	// Journal
	KeyPath     = "path"
	KeyOffset   = "offset"
	KeyBoundary = "boundary"
	KeySize     = "size"
	KeyState    = "state"

	// Remote store and flusher
	KeyCluster = "cluster"
	KeyFlusher = "flusher"
	KeyIndex   = "index"
	KeyPending = "pending"
	KeyKey     = "key"
	KeyAttempt = "attempt"

	KeyCount      = "count"
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
)

// FileID returns a file id attribute
func FileID(id uint64) slog.Attr {
	return slog.Uint64(KeyFileID, id)
}

// ContainerID returns a container id attribute
func ContainerID(id uint64) slog.Attr {
	return slog.Uint64(KeyContainerID, id)
}

// Offset returns a journal offset attribute
func Offset(off uint64) slog.Attr {
	return slog.Uint64(KeyOffset, off)
}

// Index returns a flusher index attribute
func Index(idx int64) slog.Attr {
	return slog.Int64(KeyIndex, idx)
}

// Err returns an error attribute. A nil error gives an empty attribute.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// DurationMs returns a duration attribute in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}
