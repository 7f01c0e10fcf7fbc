package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"bulkimg/internal/ingest"
	"bulkimg/internal/models"
)

type Submitter interface {
	Submit(ctx context.Context, manifest io.Reader) (uuid.UUID, error)
}

type StatusReader interface {
	SubmissionStatus(ctx context.Context, id uuid.UUID) (models.SubmissionStatus, error)
	Submission(ctx context.Context, id uuid.UUID) (*models.Submission, error)
	Ping(ctx context.Context) error
}

type Server struct {
	cfg    *models.Config
	router *gin.Engine
	http   *http.Server
	ingest Submitter
	store  StatusReader
	log    zerolog.Logger
}

func NewServer(cfg *models.Config, submitter Submitter, store StatusReader, log zerolog.Logger) *Server {
	if cfg.AppEnv != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))
	r.MaxMultipartMemory = cfg.MaxUploadMB << 20

	if cfg.ObjectStore.Driver == models.ObjectStoreFile {
		r.Static("/files", cfg.ObjectStore.Path)
	}

	s := &Server{cfg: cfg, router: r, ingest: submitter, store: store, log: log}

	r.POST("/upload", s.handleUpload)
	r.GET("/status/:id", s.handleStatus)
	r.GET("/submissions/:id", s.handleSubmission)
	r.GET("/healthz", s.handleHealth)

	s.http = &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving HTTP until Stop is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.cfg.ServerAddr).Msg("server: listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Start: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleUpload(c *gin.Context) {
	const op = "server.handleUpload"

	maxBytes := s.cfg.MaxUploadMB << 20
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes+1<<20)

	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File too large"})
			return
		}
		s.log.Error().Err(err).Msg("server: no file part in the request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file part"})
		return
	}
	if header.Filename == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No selected file"})
		return
	}
	if !strings.HasSuffix(strings.ToLower(header.Filename), ".csv") {
		s.log.Error().Str("filename", header.Filename).Msg("server: invalid file type")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid file type"})
		return
	}

	f, err := header.Open()
	if err != nil {
		s.log.Error().Err(fmt.Errorf("%s: %w", op, err)).Msg("server: cannot open upload")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "File processing error"})
		return
	}
	defer f.Close()

	if header.Size > 0 && !isText(f) {
		s.log.Error().Str("filename", header.Filename).Msg("server: upload is not a text manifest")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid file type"})
		return
	}

	id, err := s.ingest.Submit(c.Request.Context(), f)
	switch {
	case errors.Is(err, ingest.ErrEmptyManifest), errors.Is(err, ingest.ErrInvalidManifest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid manifest"})
		return
	case err != nil:
		s.log.Error().Err(err).Msg("server: error during file processing")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "File processing error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "File is being processed", "request_id": id.String()})
}

// isText sniffs the upload and rewinds it.
func isText(f multipart.File) bool {
	mt, err := mimetype.DetectReader(f)
	if err != nil {
		return false
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return false
	}
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

func (s *Server) handleStatus(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Request ID not found"})
		return
	}

	status, err := s.store.SubmissionStatus(c.Request.Context(), id)
	switch {
	case errors.Is(err, models.ErrNotFound):
		s.log.Warn().Str("submission_id", id.String()).Msg("server: request id not found")
		c.JSON(http.StatusNotFound, gin.H{"error": "Request ID not found"})
		return
	case err != nil:
		s.log.Error().Err(err).Str("submission_id", id.String()).Msg("server: status lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error while fetching status"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"request_id": id.String(), "status": status})
}

func (s *Server) handleSubmission(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Request ID not found"})
		return
	}

	sub, err := s.store.Submission(c.Request.Context(), id)
	switch {
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Request ID not found"})
		return
	case err != nil:
		s.log.Error().Err(err).Str("submission_id", id.String()).Msg("server: submission lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error while fetching submission"})
		return
	}

	c.JSON(http.StatusOK, sub)
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.log.Error().Err(err).Msg("server: health check failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
