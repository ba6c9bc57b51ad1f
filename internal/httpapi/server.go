// Package httpapi exposes uploads, progress polling and storefront sync over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"gorm.io/gorm"

	"github.com/bartek5186/partsync/internal/db"
	"github.com/bartek5186/partsync/internal/ingest"
	"github.com/bartek5186/partsync/internal/progress"
	"github.com/bartek5186/partsync/internal/storefront"
	"github.com/bartek5186/partsync/internal/tabular"
)

type Uploads interface {
	ProcessUpload(ctx context.Context, in ingest.Incoming) (*ingest.Result, error)
	RetryFailedChunks(ctx context.Context, uploadID uint) (int, error)
}

type Progress interface {
	GetProgress(ctx context.Context, uploadID uint, fresh bool) (*progress.Snapshot, error)
	CheckStuckUploads(ctx context.Context) ([]progress.StuckUpload, error)
}

type Catalog interface {
	SyncPart(ctx context.Context, partID uint) (*db.StorefrontSnapshot, error)
	SyncParts(ctx context.Context, ids []uint) (*storefront.BatchResult, error)
}

type Options struct {
	MaxUploadBytes int64
	MediaRoot      string // served under /media/ when set
}

type Server struct {
	log      zerolog.Logger
	uploads  Uploads
	progress Progress
	catalog  Catalog
	opts     Options
}

func New(log zerolog.Logger, uploads Uploads, prog Progress, catalog Catalog, opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 512 << 20
	}
	return &Server{
		log:      log.With().Str("component", "http").Logger(),
		uploads:  uploads,
		progress: prog,
		catalog:  catalog,
		opts:     opts,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(s.log))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.RemoteAddrHandler("ip"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/uploads", func(r chi.Router) {
		r.Post("/", s.handleUpload)
		r.Get("/stuck", s.handleStuck)
		r.Get("/{id}/progress", s.handleProgress)
		r.Post("/{id}/retry", s.handleRetry)
	})
	r.Route("/parts", func(r chi.Router) {
		r.Post("/storefront-sync", s.handleSyncParts)
		r.Post("/{id}/storefront-sync", s.handleSyncPart)
	})

	if s.opts.MediaRoot != "" {
		r.Handle("/media/*", http.StripPrefix("/media/", http.FileServer(http.Dir(s.opts.MediaRoot))))
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func idParam(r *http.Request) (uint, bool) {
	n, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || n == 0 {
		return 0, false
	}
	return uint(n), true
}

// POST /uploads (multipart, field "file")
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	name := filepath.Base(hdr.Filename)
	if tabular.DetectKind(name) == tabular.KindUnknown {
		writeError(w, http.StatusUnsupportedMediaType, "unsupported file type: "+name)
		return
	}

	tmp, err := os.CreateTemp("", "partsync-upload-*"+filepath.Ext(name))
	if err != nil {
		log.Error().Err(err).Msg("temp file")
		writeError(w, http.StatusInternalServerError, "could not store upload")
		return
	}
	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		writeError(w, http.StatusBadRequest, "upload interrupted")
		return
	}
	tmp.Close()

	res, err := s.uploads.ProcessUpload(r.Context(), ingest.Incoming{Path: tmp.Name(), OriginalName: name})
	if err != nil {
		// the orchestrator owns the file once it accepted it
		if _, statErr := os.Stat(tmp.Name()); statErr == nil {
			os.Remove(tmp.Name())
		}
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, ingest.ErrUnsupported):
			status = http.StatusUnsupportedMediaType
		case errors.Is(err, tabular.ErrIO), errors.Is(err, tabular.ErrFormat), errors.Is(err, tabular.ErrEmptyFile):
			status = http.StatusUnprocessableEntity
		}
		if res != nil {
			writeJSON(w, status, res)
			return
		}
		writeError(w, status, err.Error())
		return
	}
	status := http.StatusOK
	if res.Method == db.MethodChunked {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// GET /uploads/{id}/progress[?fresh=1]
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid upload id")
		return
	}
	fresh, _ := strconv.ParseBool(r.URL.Query().Get("fresh"))
	snap, err := s.progress.GetProgress(r.Context(), id, fresh)
	if errors.Is(err, progress.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Uint("upload_id", id).Msg("progress")
		writeError(w, http.StatusInternalServerError, "progress unavailable")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// POST /uploads/{id}/retry
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid upload id")
		return
	}
	n, err := s.uploads.RetryFailedChunks(r.Context(), id)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, "upload not found")
	case errors.Is(err, ingest.ErrNothingToRetry):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]int{"requeued_chunks": n})
	}
}

// GET /uploads/stuck
func (s *Server) handleStuck(w http.ResponseWriter, r *http.Request) {
	stuck, err := s.progress.CheckStuckUploads(r.Context())
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("stuck uploads")
		writeError(w, http.StatusInternalServerError, "stuck check failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stuck": stuck})
}

// POST /parts/{id}/storefront-sync
func (s *Server) handleSyncPart(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid part id")
		return
	}
	snap, err := s.catalog.SyncPart(r.Context(), id)
	switch {
	case errors.Is(err, storefront.ErrNotFound):
		writeError(w, http.StatusNotFound, "no reference entry for part")
	case errors.Is(err, gorm.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, "part not found")
	case err != nil:
		hlog.FromRequest(r).Error().Err(err).Uint("part_id", id).Msg("storefront sync")
		writeError(w, http.StatusBadGateway, "sync failed")
	default:
		writeJSON(w, http.StatusOK, snap)
	}
}

// POST /parts/storefront-sync {"part_ids":[...]}
func (s *Server) handleSyncParts(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PartIDs []uint `json:"part_ids"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil || len(req.PartIDs) == 0 {
		writeError(w, http.StatusBadRequest, "part_ids required")
		return
	}
	res, err := s.catalog.SyncParts(r.Context(), req.PartIDs)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Int("parts", len(req.PartIDs)).Msg("batch storefront sync")
		writeError(w, http.StatusBadGateway, "sync failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
