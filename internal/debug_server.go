package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"roomlab/engine"
	"roomlab/observability"
	"roomlab/repositories"
)

// DebugServer is the operator surface: session stats, process stats,
// Prometheus metrics and the archive browser. It binds its own port so
// it can stay firewalled away from the client-facing gateway.
type DebugServer struct {
	log      *slog.Logger
	registry *engine.Registry
	archive  repositories.IArchiveRepository
	gatherer prometheus.Gatherer
}

func NewDebugServer(log *slog.Logger, registry *engine.Registry,
	archive repositories.IArchiveRepository, gatherer prometheus.Gatherer) *DebugServer {
	return &DebugServer{
		log:      log,
		registry: registry,
		archive:  archive,
		gatherer: gatherer,
	}
}

func (d *DebugServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sessions", d.handleSessions)
	mux.HandleFunc("GET /stats", d.handleStats)
	mux.HandleFunc("GET /archive", d.handleArchive)
	if d.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(d.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start runs the debug listener until ctx ends.
func (d *DebugServer) Start(ctx context.Context, host string, port int) {
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           d.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		d.log.Info("Debug server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.log.Error("Debug server failed", "error", err)
		}
	}()
}

func (d *DebugServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	sessions := d.registry.Sessions()
	stats := make([]engine.SessionStats, 0, len(sessions))
	for _, s := range sessions {
		st, err := s.Stats(ctx)
		if err != nil {
			// A busy or closing session is skipped, not an error page.
			d.log.Warn("Session stats unavailable", "project", s.Project(), "error", err)
			continue
		}
		stats = append(stats, st)
	}
	writeJSON(w, http.StatusOK, stats)
}

func (d *DebugServer) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats, err := observability.SelfStats()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		observability.ProcessStats
		Sessions int `json:"sessions"`
	}{stats, len(d.registry.Sessions())})
}

func (d *DebugServer) handleArchive(w http.ResponseWriter, r *http.Request) {
	if d.archive == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "archive disabled"})
		return
	}
	project := r.URL.Query().Get("project")
	if project == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "project is required"})
		return
	}
	var cursor *string
	if c := r.URL.Query().Get("cursor"); c != "" {
		cursor = &c
	}

	records, next, err := d.archive.Recent(project, cursor)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Records []repositories.ArchiveRecord `json:"records"`
		Next    *string                      `json:"next,omitempty"`
	}{records, next})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
