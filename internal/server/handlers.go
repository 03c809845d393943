package server

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/vitalred/vrbackup/internal/collect"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	remote, _ := strconv.ParseBool(r.URL.Query().Get("remote"))
	backups, err := s.backend.List(r.Context(), remote)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "", backups)
}

type createRequest struct {
	Type          string `json:"type"`
	Compress      *bool  `json:"compress"`
	Format        string `json:"format"`
	Encrypt       *bool  `json:"encrypt"`
	RetentionDays *int   `json:"retention_days"`
	KeepLast      *int   `json:"keep_last"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req := s.backend.DefaultBackupRequest()
	req.IgnoreWindow = true
	if body.Type != "" {
		req.Type = body.Type
	}
	if !collect.IncludesDatabase(req.Type) && !collect.IncludesFiles(req.Type) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("type must be one of database, files, full (got %q)", req.Type))
		return
	}
	if body.Compress != nil {
		req.Compress = *body.Compress
	}
	if body.Format != "" {
		req.Format = body.Format
	}
	if body.Encrypt != nil {
		req.Encrypt = *body.Encrypt
	}
	if body.RetentionDays != nil {
		req.Retention.KeepDays = *body.RetentionDays
	}
	if body.KeepLast != nil {
		req.Retention.KeepLast = *body.KeepLast
	}

	ctx, cancel := s.operationContext(r)
	defer cancel()
	res, err := s.backend.BackupWithRetry(ctx, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, "backup created", res)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.backend.Stats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "", stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.backend.Health(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if !h.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, envelope{Success: h.Healthy, Data: h})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	p, err := s.backend.Locate(chi.URLParam(r, "name"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	f, err := os.Open(p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if info.IsDir() {
		writeError(w, http.StatusConflict, "uncompressed backups cannot be downloaded")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(p)))
	http.ServeContent(w, r, filepath.Base(p), info.ModTime(), f)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.operationContext(r)
	defer cancel()
	report, err := s.backend.Verify(ctx, chi.URLParam(r, "name"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !report.Verified() {
		writeData(w, http.StatusUnprocessableEntity, report.Err().Error(), report)
		return
	}
	writeData(w, http.StatusOK, "backup verified", report)
}

type restoreRequest struct {
	Confirm      bool `json:"confirm"`
	DryRun       bool `json:"dry_run"`
	Remote       bool `json:"remote"`
	SkipDatabase bool `json:"skip_database"`
	SkipFiles    bool `json:"skip_files"`
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	var body restoreRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !body.Confirm {
		writeError(w, http.StatusBadRequest, `restore requires {"confirm": true}`)
		return
	}
	req := s.backend.DefaultRestoreRequest(chi.URLParam(r, "name"))
	req.Remote = body.Remote
	req.DryRun = req.DryRun || body.DryRun
	req.SkipDatabase = req.SkipDatabase || body.SkipDatabase
	req.SkipFiles = req.SkipFiles || body.SkipFiles

	ctx, cancel := s.operationContext(r)
	defer cancel()
	res, err := s.backend.Restore(ctx, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "backup restored", res)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	remote, _ := strconv.ParseBool(r.URL.Query().Get("remote"))
	if err := s.backend.Delete(r.Context(), chi.URLParam(r, "name"), remote); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeBody reads an optional JSON body. An empty body leaves v zero.
func decodeBody(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
