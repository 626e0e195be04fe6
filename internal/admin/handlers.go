package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/synnove/eos/internal/logger"
	mderrors "github.com/synnove/eos/pkg/metadata/errors"
)

// Response wraps every reply of the endpoint.
type Response struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// CompactionReport is the payload of POST /compact.
type CompactionReport struct {
	ID       string             `json:"id"`
	Journals []CompactedJournal `json:"journals"`
	Archived bool               `json:"archived"`
	// ArchiveError is set when compaction succeeded but the upload did not.
	ArchiveError string `json:"archive_error,omitempty"`
}

// CompactedJournal describes one compacted journal.
type CompactedJournal struct {
	OldPath    string `json:"old_path"`
	NewPath    string `json:"new_path"`
	Records    int    `json:"records"`
	Removed    uint64 `json:"removed_bytes"`
	DurationMs int64  `json:"duration_ms"`
}

// CheckSummary is the payload of POST /check.
type CheckSummary struct {
	Checked    int            `json:"checked"`
	Missing    int            `json:"missing"`
	Repaired   map[string]int `json:"repaired"`
	DurationMs int64          `json:"duration_ms"`
}

type handler struct {
	deps      Deps
	startTime time.Time
}

func newHandler(deps Deps) *handler {
	return &handler{deps: deps, startTime: time.Now()}
}

// Liveness handles GET /healthz.
func (h *handler) Liveness(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.startTime)
	writeJSON(w, http.StatusOK, okResponse("healthy", map[string]any{
		"service":    "eosns",
		"started_at": h.startTime.UTC().Format(time.RFC3339),
		"uptime":     uptime.Round(time.Second).String(),
	}))
}

// Status handles GET /status.
func (h *handler) Status(w http.ResponseWriter, r *http.Request) {
	if h.deps.Namespace == nil {
		writeError(w, http.StatusServiceUnavailable, "namespace not open")
		return
	}
	writeJSON(w, http.StatusOK, okResponse("ok", h.deps.Namespace.Status()))
}

// Compact handles POST /compact. Replaced journals are archived when an
// archiver is configured; an upload failure does not fail the request.
func (h *handler) Compact(w http.ResponseWriter, r *http.Request) {
	if h.deps.Namespace == nil {
		writeError(w, http.StatusServiceUnavailable, "namespace not open")
		return
	}
	ctx := r.Context()
	report := CompactionReport{ID: uuid.NewString()}

	results, err := h.deps.Namespace.Compact(ctx)
	if err != nil {
		logger.WarnCtx(ctx, "Online compaction failed", "compaction_id", report.ID, logger.KeyError, err)
		writeError(w, statusFor(err), err.Error())
		return
	}

	oldPaths := make([]string, 0, len(results))
	for _, res := range results {
		report.Journals = append(report.Journals, CompactedJournal{
			OldPath:    res.OldPath,
			NewPath:    res.NewPath,
			Records:    res.Records,
			Removed:    res.Removed,
			DurationMs: res.Duration.Milliseconds(),
		})
		oldPaths = append(oldPaths, res.OldPath)
	}

	if h.deps.Archiver != nil {
		if err := h.deps.Archiver.UploadAll(ctx, oldPaths...); err != nil {
			report.ArchiveError = err.Error()
		} else {
			report.Archived = true
		}
	}

	logger.InfoCtx(ctx, "Online compaction done",
		"compaction_id", report.ID,
		logger.KeyCount, len(results),
		"archived", report.Archived)
	writeJSON(w, http.StatusOK, okResponse("ok", report))
}

// Check handles POST /check.
func (h *handler) Check(w http.ResponseWriter, r *http.Request) {
	if h.deps.Namespace == nil {
		writeError(w, http.StatusServiceUnavailable, "namespace not open")
		return
	}
	rep, err := h.deps.Namespace.CheckFiles(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, okResponse("ok", CheckSummary{
		Checked: rep.Checked,
		Missing: rep.Missing,
		Repaired: map[string]int{
			"locations":          rep.Repaired.Locations,
			"unlinked":           rep.Repaired.Unlinked,
			"no_replica_added":   rep.Repaired.NoReplicaAdded,
			"no_replica_removed": rep.Repaired.NoReplicaRemoved,
		},
		DurationMs: rep.Duration.Milliseconds(),
	}))
}

func statusFor(err error) int {
	switch mderrors.CodeOf(err) {
	case mderrors.ErrReadOnly:
		return http.StatusConflict
	case mderrors.ErrInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func okResponse(status string, data any) Response {
	return Response{Status: status, Timestamp: time.Now().UTC(), Data: data}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, Response{Status: "error", Timestamp: time.Now().UTC(), Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("Failed to encode admin response", logger.KeyError, err)
	}
}
