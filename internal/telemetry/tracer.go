package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for namespace operations.
const (
	// ========================================================================
	// Record attributes
	// ========================================================================
	AttrFileID      = "ns.file_id"
	AttrContainerID = "ns.container_id"
	AttrRecordKind  = "ns.record_kind" // file or container
	AttrName        = "ns.name"
	AttrUID         = "ns.uid"
	AttrGID         = "ns.gid"

	// ========================================================================
	// Journal attributes
	// ========================================================================
	AttrJournalPath = "journal.path"
	AttrOffset      = "journal.offset"
	AttrRecords     = "journal.records"
	AttrPhase       = "compaction.phase"

	// ========================================================================
	// Remote store attributes
	// ========================================================================
	AttrCluster = "kv.cluster"
	AttrKey     = "kv.key"
	AttrFlusher = "flusher.id"
	AttrCount   = "batch.count"
	AttrIndex   = "flusher.index"

	// ========================================================================
	// Cache attributes
	// ========================================================================
	AttrCacheHit = "cache.hit"

	// ========================================================================
	// Archive attributes
	// ========================================================================
	AttrBucket     = "storage.bucket"
	AttrStorageKey = "storage.key"
)

// FileID returns an attribute for a file id
func FileID(id uint64) attribute.KeyValue {
	return attribute.Int64(AttrFileID, int64(id))
}

// ContainerID returns an attribute for a container id
func ContainerID(id uint64) attribute.KeyValue {
	return attribute.Int64(AttrContainerID, int64(id))
}

// RecordKind returns an attribute for the record kind
func RecordKind(kind string) attribute.KeyValue {
	return attribute.String(AttrRecordKind, kind)
}

// Name returns an attribute for an entry name
func Name(name string) attribute.KeyValue {
	return attribute.String(AttrName, name)
}

// UID returns an attribute for user ID
func UID(uid uint32) attribute.KeyValue {
	return attribute.Int64(AttrUID, int64(uid))
}

// GID returns an attribute for group ID
func GID(gid uint32) attribute.KeyValue {
	return attribute.Int64(AttrGID, int64(gid))
}

// JournalPath returns an attribute for a journal file
func JournalPath(path string) attribute.KeyValue {
	return attribute.String(AttrJournalPath, path)
}

// Offset returns an attribute for a journal offset
func Offset(offset uint64) attribute.KeyValue {
	return attribute.Int64(AttrOffset, int64(offset))
}

// Records returns an attribute for a number of journal records
func Records(n int) attribute.KeyValue {
	return attribute.Int(AttrRecords, n)
}

// Phase returns an attribute for a compaction phase
func Phase(phase string) attribute.KeyValue {
	return attribute.String(AttrPhase, phase)
}

// Cluster returns an attribute for a KV cluster string
func Cluster(cluster string) attribute.KeyValue {
	return attribute.String(AttrCluster, cluster)
}

// Key returns an attribute for a KV key
func Key(key string) attribute.KeyValue {
	return attribute.String(AttrKey, key)
}

// FlusherID returns an attribute for a flusher id
func FlusherID(id string) attribute.KeyValue {
	return attribute.String(AttrFlusher, id)
}

// Count returns an attribute for a batch size
func Count(n int) attribute.KeyValue {
	return attribute.Int(AttrCount, n)
}

// Index returns an attribute for a flusher queue index
func Index(index int64) attribute.KeyValue {
	return attribute.Int64(AttrIndex, index)
}

// CacheHit returns an attribute for cache hit/miss
func CacheHit(hit bool) attribute.KeyValue {
	return attribute.Bool(AttrCacheHit, hit)
}

// Bucket returns an attribute for S3 bucket name
func Bucket(name string) attribute.KeyValue {
	return attribute.String(AttrBucket, name)
}

// StorageKey returns an attribute for S3 object key
func StorageKey(key string) attribute.KeyValue {
	return attribute.String(AttrStorageKey, key)
}

// StartFlusherSpan starts a span for a flusher operation.
func StartFlusherSpan(ctx context.Context, operation, id string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{FlusherID(id)}
	allAttrs = append(allAttrs, attrs...)
	return StartSpan(ctx, "flusher."+operation, trace.WithAttributes(allAttrs...))
}

// StartRemoteSpan starts a span for a remote metadata operation.
func StartRemoteSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, "remote."+operation, trace.WithAttributes(attrs...))
}

// StartJournalSpan starts a span for a journal operation.
func StartJournalSpan(ctx context.Context, operation, path string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{JournalPath(path)}
	allAttrs = append(allAttrs, attrs...)
	return StartSpan(ctx, "changelog."+operation, trace.WithAttributes(allAttrs...))
}

// StartArchiveSpan starts a span for an object storage upload.
func StartArchiveSpan(ctx context.Context, operation, bucket, key string) (context.Context, trace.Span) {
	return StartSpan(ctx, "archive."+operation, trace.WithAttributes(Bucket(bucket), StorageKey(key)))
}
