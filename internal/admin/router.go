package admin

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/synnove/eos/internal/logger"
	"github.com/synnove/eos/internal/telemetry"
	"github.com/synnove/eos/pkg/metadata/store/changelog"
	"github.com/synnove/eos/pkg/metadata/store/remote"
	"github.com/synnove/eos/pkg/namespace"
)

// Namespace is the part of *namespace.Namespace the endpoint drives.
type Namespace interface {
	Status() namespace.Status
	Compact(ctx context.Context) ([]*changelog.CompactionResult, error)
	CheckFiles(ctx context.Context) (*remote.CheckReport, error)
}

// Archiver uploads replaced journals. Satisfied by *archive.Uploader.
type Archiver interface {
	UploadAll(ctx context.Context, paths ...string) error
}

// Deps are the collaborators of the router. Archiver and Gatherer are
// optional.
type Deps struct {
	Namespace Namespace
	Archiver  Archiver
	Gatherer  prometheus.Gatherer
}

// NewRouter builds the admin routes:
//   - GET /healthz
//   - GET /status
//   - GET /metrics (when a gatherer is set)
//   - POST /compact
//   - POST /check
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	h := newHandler(deps)

	r.Get("/healthz", h.Liveness)
	r.Get("/status", h.Status)
	r.Post("/compact", h.Compact)
	r.Post("/check", h.Check)

	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func isQuietPath(path string) bool {
	return path == "/healthz" || strings.HasPrefix(path, "/metrics")
}

// requestLogger wraps every request in a span and logs it through the
// internal logger with the trace ids attached. Health check and scrape requests are
// logged at DEBUG.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		ctx, span := telemetry.StartSpan(r.Context(), "admin."+r.Method+" "+r.URL.Path)
		defer span.End()
		lc := &logger.LogContext{Service: "admin"}
		ctx = logger.WithContext(ctx, lc.WithTrace(telemetry.TraceID(ctx), telemetry.SpanID(ctx)))
		r = r.WithContext(ctx)

		next.ServeHTTP(ww, r)

		args := []any{
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			logger.KeyDurationMs, logger.Duration(start),
		}
		if isQuietPath(r.URL.Path) {
			logger.DebugCtx(ctx, "Admin request completed", args...)
		} else {
			logger.InfoCtx(ctx, "Admin request completed", args...)
		}
	})
}
