// Package api exposes scan ingestion, findings and live progress over HTTP
// and WebSocket.
package api

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/SiriusScan/vulnpatch-api/vulnpatch/cve"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/events"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/ingest"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/llm"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/postgres"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/progress"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/scan"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/snapshot"
)

const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
	RoleAdmin      = "admin"
)

// Submitter accepts uploaded scan documents.
type Submitter interface {
	Submit(ctx context.Context, up ingest.Upload) (*postgres.ScanJob, error)
	MaxFileSize() int64
}

// CVEDetails resolves a single CVE by id.
type CVEDetails interface {
	Details(ctx context.Context, id string) (cve.Result, bool, error)
}

// Analyzer runs an ad-hoc analysis of a stored finding.
type Analyzer interface {
	Analyze(ctx context.Context, req llm.Request) (*llm.Analysis, error)
}

// EventLister reads stored lifecycle events.
type EventLister interface {
	List(ctx context.Context, f events.Filters) ([]postgres.Event, int, error)
}

// SnapshotReader reads an owner's stored snapshots.
type SnapshotReader interface {
	Trend(ctx context.Context, owner string, limit int) ([]*snapshot.Snapshot, error)
	Get(ctx context.Context, owner, id string) (*snapshot.Snapshot, error)
}

// Deps are the collaborators behind the routes. Recorder may be nil.
type Deps struct {
	Ingest         Submitter
	Scans          scan.Repository
	Vulns          scan.VulnerabilityRepository
	Hub            *progress.Hub
	CVEs           CVEDetails
	Analyzer       Analyzer
	Events         EventLister
	Snapshots      SnapshotReader
	Recorder       *events.Recorder
	AllowedOrigins []string
}

// Server is the HTTP surface of the service.
type Server struct {
	deps   Deps
	router *mux.Router
	ws     *wsHandler
	server *http.Server
}

// NewServer builds the router and an http.Server listening on addr.
func NewServer(addr string, deps Deps) *Server {
	s := &Server{
		deps:   deps,
		router: mux.NewRouter(),
		ws:     newWSHandler(deps.Hub, deps.AllowedOrigins),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         addr,
		Handler:      otelhttp.NewHandler(s.router, "vulnpatch-api"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(logRequests)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.Use(requireOwner)

	v1.HandleFunc("/scans/upload", s.handleUpload).Methods(http.MethodPost)
	v1.HandleFunc("/scans", s.handleListScans).Methods(http.MethodGet)
	v1.HandleFunc("/scans/{id:[0-9]+}", s.handleGetScan).Methods(http.MethodGet)
	v1.HandleFunc("/scans/{id:[0-9]+}", s.handleDeleteScan).Methods(http.MethodDelete)
	v1.HandleFunc("/scans/{id:[0-9]+}/vulnerabilities", s.handleListVulnerabilities).Methods(http.MethodGet)

	v1.HandleFunc("/vulnerabilities/{id:[0-9]+}/status", s.handleUpdateVulnerability).Methods(http.MethodPut)
	v1.HandleFunc("/vulnerabilities/{id:[0-9]+}/analyze", s.handleAnalyze).Methods(http.MethodPost)
	v1.HandleFunc("/cve/{id}", s.handleCVE).Methods(http.MethodGet)

	v1.HandleFunc("/ws/connect", s.ws.handleConnect).Methods(http.MethodGet)
	v1.HandleFunc("/ws/status", s.handleWSStatus).Methods(http.MethodGet)
	v1.HandleFunc("/admin/broadcast", s.handleBroadcast).Methods(http.MethodPost)

	v1.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	v1.HandleFunc("/snapshots", s.handleListSnapshots).Methods(http.MethodGet)
	v1.HandleFunc("/snapshots/{id}", s.handleGetSnapshot).Methods(http.MethodGet)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.server.Handler.ServeHTTP(w, r)
}

func (s *Server) Start() error {
	slog.Info("Starting API server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown stops accepting requests and closes every websocket.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Stopping API server")
	s.ws.closeAll()
	return s.server.Shutdown(ctx)
}

type ownerKey struct{}

// requireOwner rejects requests without the owner header set by the
// upstream proxy.
func requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.Header.Get(HeaderUserID)
		if owner == "" {
			writeError(w, http.StatusUnauthorized, "Missing "+HeaderUserID+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
	})
}

func ownerFrom(r *http.Request) string {
	owner, _ := r.Context().Value(ownerKey{}).(string)
	return owner
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}
