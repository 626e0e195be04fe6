package remote

import (
	"strconv"
)

// Key layout of the remote store.
const (
	fileBucketSuffix      = ":f_bucket"
	containerBucketSuffix = ":c_bucket"
	filesMapSuffix        = ":map_files"
	containersMapSuffix   = ":map_conts"

	// MetaMapKey holds the id allocator high-water marks.
	MetaMapKey  = "meta_map"
	LastUsedFID = "last_used_fid"
	LastUsedCID = "last_used_cid"

	// CheckFilesKey is the set of file ids whose views need verifying.
	CheckFilesKey = "files_check_set"

	// NoReplicasKey is the set of files without any replica.
	NoReplicasKey = "fsview_noreplicas"

	fsviewPrefix         = "fsview:"
	fsviewFilesSuffix    = ":files"
	fsviewUnlinkedSuffix = ":unlinked"

	quotaPrefix         = "quota:"
	quotaUIDSuffix      = ":map_uid"
	quotaGIDSuffix      = ":map_gid"
	quotaLogicalSuffix  = ":logical_size"
	quotaPhysicalSuffix = ":physical_size"
	quotaFilesSuffix    = ":files"
)

// DefaultNumBuckets is the bucket count used when qdb_num_buckets is unset.
const DefaultNumBuckets uint64 = 1 << 20

// bucket maps an id to its bucket. numBuckets is a power of two.
func bucket(id, numBuckets uint64) uint64 {
	return id & (numBuckets - 1)
}

// FileBucketKey returns the hash holding the record of file id.
func FileBucketKey(id, numBuckets uint64) string {
	return strconv.FormatUint(bucket(id, numBuckets), 10) + fileBucketSuffix
}

// ContainerBucketKey returns the hash holding the record of container id.
func ContainerBucketKey(id, numBuckets uint64) string {
	return strconv.FormatUint(bucket(id, numBuckets), 10) + containerBucketSuffix
}

// FilesMapKey returns the name -> file id hash of container cid.
func FilesMapKey(cid uint64) string {
	return strconv.FormatUint(cid, 10) + filesMapSuffix
}

// ContainersMapKey returns the name -> container id hash of container cid.
// The top level is cid 0.
func ContainersMapKey(cid uint64) string {
	return strconv.FormatUint(cid, 10) + containersMapSuffix
}

// FilesystemFilesKey returns the set of files with a replica on fsid.
func FilesystemFilesKey(fsid uint32) string {
	return fsviewPrefix + strconv.FormatUint(uint64(fsid), 10) + fsviewFilesSuffix
}

// FilesystemUnlinkedKey returns the set of files with an unlinked replica
// on fsid.
func FilesystemUnlinkedKey(fsid uint32) string {
	return fsviewPrefix + strconv.FormatUint(uint64(fsid), 10) + fsviewUnlinkedSuffix
}

// QuotaUIDKey returns the per-uid counters of container cid.
func QuotaUIDKey(cid uint64) string {
	return quotaPrefix + strconv.FormatUint(cid, 10) + quotaUIDSuffix
}

// QuotaGIDKey returns the per-gid counters of container cid.
func QuotaGIDKey(cid uint64) string {
	return quotaPrefix + strconv.FormatUint(cid, 10) + quotaGIDSuffix
}

// Quota counter fields of one uid or gid.
func quotaLogicalField(id uint32) string {
	return strconv.FormatUint(uint64(id), 10) + quotaLogicalSuffix
}

func quotaPhysicalField(id uint32) string {
	return strconv.FormatUint(uint64(id), 10) + quotaPhysicalSuffix
}

func quotaFilesField(id uint32) string {
	return strconv.FormatUint(uint64(id), 10) + quotaFilesSuffix
}

func idField(id uint64) string {
	return strconv.FormatUint(id, 10)
}
