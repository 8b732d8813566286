package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/SiriusScan/vulnpatch-api/vulnpatch"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/events"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/ingest"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/llm"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/postgres"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/progress"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/scan"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/store"
)

// multipart overhead allowed on top of the maximum document size
const formOverhead = 1 << 20

var cvePattern = regexp.MustCompile(`^CVE-\d{4}-\d{4,}$`)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   "vulnpatch-api",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	maxSize := s.deps.Ingest.MaxFileSize()
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+formOverhead)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, ingest.ErrFileTooLarge.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "Missing multipart field \"file\"")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read uploaded file")
		return
	}

	job, err := s.deps.Ingest.Submit(r.Context(), ingest.Upload{
		OwnerID:  ownerFrom(r),
		Filename: header.Filename,
		Data:     data,
	})
	switch {
	case err == nil:
	case errors.Is(err, ingest.ErrFileTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	case errors.Is(err, ingest.ErrUnsupportedType),
		errors.Is(err, ingest.ErrEmptyDocument),
		errors.Is(err, ingest.ErrInvalidEncoding):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	default:
		slog.Error("Failed to submit scan", "owner_id", ownerFrom(r), "filename", header.Filename, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to schedule scan")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":   job.ID,
		"filename": job.Filename,
		"status":   job.Status,
		"message":  "Scan accepted for processing",
	})
}

func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := scan.Page{Skip: intParam(q.Get("skip"), 0), Limit: intParam(q.Get("limit"), scan.DefaultLimit)}
	jobs, err := s.deps.Scans.List(r.Context(), ownerFrom(r), page)
	if err != nil {
		s.internalError(w, "Failed to list scans", err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := s.deps.Scans.GetForOwner(r.Context(), ownerFrom(r), id)
	if err != nil {
		s.repoError(w, "Scan not found", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteScan(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	owner := ownerFrom(r)
	if err := s.deps.Scans.Delete(r.Context(), owner, id); err != nil {
		s.repoError(w, "Scan not found", err)
		return
	}
	s.deps.Hub.Forget(owner, id)
	s.deps.Recorder.Record(events.Entry{
		OwnerID:    owner,
		EventType:  postgres.EventTypeScanDeleted,
		Title:      fmt.Sprintf("Scan %d deleted", id),
		EntityType: postgres.EntityTypeScan,
		EntityID:   strconv.FormatUint(uint64(id), 10),
	})
	writeJSON(w, http.StatusOK, map[string]string{"message": "Scan deleted"})
}

func (s *Server) handleListVulnerabilities(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	vulns, err := s.deps.Vulns.ListForJob(r.Context(), ownerFrom(r), id)
	if err != nil {
		s.repoError(w, "Scan not found", err)
		return
	}
	writeJSON(w, http.StatusOK, vulns)
}

type statusUpdate struct {
	Status vulnpatch.VulnerabilityStatus `json:"status"`
}

func (s *Server) handleUpdateVulnerability(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req statusUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON request body")
		return
	}
	if !req.Status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid status %q", req.Status))
		return
	}

	owner := ownerFrom(r)
	v, err := s.deps.Vulns.UpdateStatus(r.Context(), owner, id, req.Status)
	if err != nil {
		s.repoError(w, "Vulnerability not found", err)
		return
	}
	s.deps.Recorder.Record(events.Entry{
		OwnerID:    owner,
		EventType:  postgres.EventTypeVulnerabilityUpdated,
		Title:      fmt.Sprintf("Vulnerability %d marked %s", id, req.Status),
		EntityType: postgres.EntityTypeVulnerability,
		EntityID:   strconv.FormatUint(uint64(id), 10),
		Metadata:   map[string]any{"status": req.Status, "scan_job_id": v.ScanJobID},
	})
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	typ, err := llm.ParseEnrichmentType(r.URL.Query().Get("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	v, err := s.deps.Vulns.Get(r.Context(), ownerFrom(r), id)
	if err != nil {
		s.repoError(w, "Vulnerability not found", err)
		return
	}

	analysis, err := s.deps.Analyzer.Analyze(r.Context(), llm.Request{
		Service:     v.ServiceName,
		Version:     v.Version,
		Port:        v.Port,
		Description: v.Description,
		CVEID:       v.CVEID,
		Type:        typ,
	})
	if err != nil {
		if errors.Is(err, llm.ErrUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "AI analysis is not configured")
			return
		}
		slog.Warn("Ad-hoc analysis failed", "vulnerability_id", id, "type", typ, "error", err)
		writeError(w, http.StatusBadGateway, "AI analysis failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"vulnerability_id": v.ID,
		"type":             typ,
		"analysis":         analysis,
	})
}

func (s *Server) handleCVE(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	normalized := normalizeCVE(id)
	if !cvePattern.MatchString(normalized) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid CVE id %q", id))
		return
	}
	result, found, err := s.deps.CVEs.Details(r.Context(), normalized)
	if err != nil {
		slog.Warn("CVE details lookup failed", "cve_id", normalized, "error", err)
		writeError(w, http.StatusBadGateway, "CVE database unavailable")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "CVE not found")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleWSStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Hub.Stats())
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(HeaderUserRole) != RoleAdmin {
		writeError(w, http.StatusForbidden, "Admin role required")
		return
	}
	var a progress.Announcement
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON request body")
		return
	}
	if a.Message == "" {
		writeError(w, http.StatusBadRequest, "Missing required field: message")
		return
	}
	if a.Level == "" {
		a.Level = "info"
	}
	n := s.deps.Hub.Broadcast(progress.Message{Type: progress.TypeAnnouncement, Data: a})
	slog.Info("Announcement broadcast", "by", ownerFrom(r), "delivered", n)
	writeJSON(w, http.StatusOK, map[string]int{"delivered": n})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := events.Filters{
		OwnerID:    ownerFrom(r),
		Limit:      intParam(q.Get("limit"), 0),
		Offset:     intParam(q.Get("offset"), 0),
		Severity:   q.Get("severity"),
		EventType:  q.Get("event_type"),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
	}
	for name, dst := range map[string]**time.Time{"start_time": &f.StartTime, "end_time": &f.EndTime} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s, expected RFC3339", name))
			return
		}
		*dst = &t
	}

	list, total, err := s.deps.Events.List(r.Context(), f)
	if err != nil {
		s.internalError(w, "Failed to list events", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": list, "total": total})
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.deps.Snapshots.Trend(r.Context(), ownerFrom(r), intParam(r.URL.Query().Get("limit"), 0))
	if err != nil {
		s.internalError(w, "Failed to list snapshots", err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Snapshots.Get(r.Context(), ownerFrom(r), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Snapshot not found")
			return
		}
		s.internalError(w, "Failed to load snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) repoError(w http.ResponseWriter, notFoundMsg string, err error) {
	if errors.Is(err, scan.ErrNotFound) {
		writeError(w, http.StatusNotFound, notFoundMsg)
		return
	}
	s.internalError(w, "Request failed", err)
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	slog.Error(msg, "error", err)
	writeError(w, http.StatusInternalServerError, msg)
}

func pathID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "Invalid id")
		return 0, false
	}
	return uint(id), true
}

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func normalizeCVE(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
