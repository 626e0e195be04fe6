package remote

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/synnove/eos/internal/logger"
	"github.com/synnove/eos/internal/telemetry"
	mderrors "github.com/synnove/eos/pkg/metadata/errors"
)

// checkConcurrency bounds the files verified in parallel by CheckFiles.
const checkConcurrency = 16

// Mapping names used in repair metrics.
const (
	MappingLocations        = "locations"
	MappingUnlinked         = "unlinked"
	MappingNoReplicaAdded   = "noreplica_added"
	MappingNoReplicaRemoved = "noreplica_removed"
)

// RepairCounts counts the fixes made to each file-system view.
type RepairCounts struct {
	Locations        int
	Unlinked         int
	NoReplicaAdded   int
	NoReplicaRemoved int
}

// Total returns the number of repairs.
func (r RepairCounts) Total() int {
	return r.Locations + r.Unlinked + r.NoReplicaAdded + r.NoReplicaRemoved
}

func (r *RepairCounts) add(o RepairCounts) {
	r.Locations += o.Locations
	r.Unlinked += o.Unlinked
	r.NoReplicaAdded += o.NoReplicaAdded
	r.NoReplicaRemoved += o.NoReplicaRemoved
}

// CheckReport summarizes one CheckFiles run.
type CheckReport struct {
	// Checked is the number of ids taken from the verify set.
	Checked int
	// Missing counts ids whose file no longer exists.
	Missing  int
	Repaired RepairCounts
	Duration time.Duration
}

// CheckFiles verifies the file-system views of every file in the verify
// set and repairs them through the metadata flusher. Every id taken from
// the set is removed from it, including ids of vanished files.
func (s *FileService) CheckFiles(ctx context.Context) (*CheckReport, error) {
	ctx, span := telemetry.StartRemoteSpan(ctx, "check_files")
	defer span.End()

	if err := s.ready(); err != nil {
		return nil, err
	}
	started := time.Now()

	// The views are read straight from the store, so queued updates must
	// land first.
	if err := s.b.flusher.Synchronize(ctx, -1); err != nil {
		return nil, err
	}
	members, err := s.b.client.SMembers(ctx, CheckFilesKey)
	if err != nil {
		return nil, mderrors.NewRemoteError("read "+CheckFilesKey, err)
	}

	var (
		mu       sync.Mutex
		report   = &CheckReport{Checked: len(members)}
		verified = make([]string, 0, len(members))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(checkConcurrency)

	for _, member := range members {
		id, err := strconv.ParseUint(member, 10, 64)
		if err != nil {
			logger.WarnCtx(ctx, "Dropping malformed id from verify set", logger.KeyKey, member)
			mu.Lock()
			verified = append(verified, member)
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			repaired, missing, err := s.checkFile(gctx, id)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			report.Repaired.add(repaired)
			if missing {
				report.Missing++
			}
			verified = append(verified, member)
			return nil
		})
	}
	err = g.Wait()

	// Ids checked before a failure are still dropped from the set.
	s.b.flusher.SRemList(CheckFilesKey, verified)
	report.Duration = time.Since(started)
	s.observeRepairs(report.Repaired)

	if err != nil {
		telemetry.RecordError(ctx, err)
		return report, err
	}

	logger.InfoCtx(ctx, "Checked files",
		logger.KeyCount, report.Checked,
		"missing", report.Missing,
		"repaired", report.Repaired.Total(),
		logger.KeyDurationMs, logger.Duration(started))
	return report, nil
}

// checkFile repairs the view memberships of one file. A vanished file
// reports missing and is left alone.
func (s *FileService) checkFile(ctx context.Context, id uint64) (RepairCounts, bool, error) {
	var repaired RepairCounts

	f, err := s.GetFileMD(ctx, id)
	if mderrors.IsNotFoundError(err) {
		logger.DebugCtx(ctx, "File in verify set no longer exists", logger.KeyFileID, id)
		return repaired, true, nil
	}
	if err != nil {
		return repaired, false, err
	}
	sid := idField(id)

	member := func(key string) (bool, error) {
		ok, err := s.b.client.SIsMember(ctx, key, sid)
		if err != nil {
			return false, mderrors.NewRemoteError("read "+key, err)
		}
		return ok, nil
	}

	for _, loc := range f.Locations {
		key := FilesystemFilesKey(loc)
		ok, err := member(key)
		if err != nil {
			return repaired, false, err
		}
		if !ok {
			s.b.flusher.SAdd(key, sid)
			repaired.Locations++
		}
	}
	for _, loc := range f.Unlinked {
		key := FilesystemUnlinkedKey(loc)
		ok, err := member(key)
		if err != nil {
			return repaired, false, err
		}
		if !ok {
			s.b.flusher.SAdd(key, sid)
			repaired.Unlinked++
		}
	}

	noReplica, err := member(NoReplicasKey)
	if err != nil {
		return repaired, false, err
	}
	empty := len(f.Locations) == 0 && len(f.Unlinked) == 0
	switch {
	case empty && !noReplica:
		s.b.flusher.SAdd(NoReplicasKey, sid)
		repaired.NoReplicaAdded++
	case !empty && noReplica:
		s.b.flusher.SRem(NoReplicasKey, sid)
		repaired.NoReplicaRemoved++
	}

	if n := repaired.Total(); n > 0 {
		logger.WarnCtx(ctx, "Repaired file-system views", logger.KeyFileID, id, logger.KeyCount, n)
	}
	return repaired, false, nil
}

func (s *FileService) observeRepairs(r RepairCounts) {
	if s.metrics == nil {
		return
	}
	for mapping, n := range map[string]int{
		MappingLocations:        r.Locations,
		MappingUnlinked:         r.Unlinked,
		MappingNoReplicaAdded:   r.NoReplicaAdded,
		MappingNoReplicaRemoved: r.NoReplicaRemoved,
	} {
		if n > 0 {
			s.metrics.ObserveRepair(mapping, n)
		}
	}
}
