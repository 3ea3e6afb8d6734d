package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jaywantadh/tusbyte/internal/checksum"
	"github.com/jaywantadh/tusbyte/internal/metadata"
	"github.com/jaywantadh/tusbyte/internal/upload"
	"github.com/sirupsen/logrus"
)

// Uploads is the server-side session API. *upload.Service implements it.
type Uploads interface {
	Create(ctx context.Context, totalSize uint64, meta metadata.Pairs) (metadata.UploadInfo, error)
	Status(ctx context.Context, id string) (metadata.UploadInfo, error)
	Append(ctx context.Context, id string, offset uint64, body io.Reader, expected *checksum.Expected) (uint64, error)
	Terminate(ctx context.Context, id string) error
	Open(ctx context.Context, id string) (io.ReadCloser, metadata.UploadInfo, error)
	MaxSize() uint64
}

// ServerOptions configures the HTTP front end.
type ServerOptions struct {
	BasePath       string
	AllowedOrigins []string
}

// Server exposes an upload service over the tus protocol.
type Server struct {
	uploads  Uploads
	basePath string
	log      logrus.FieldLogger
	engine   *gin.Engine
}

// NewServer builds the router. BasePath defaults to /files.
func NewServer(uploads Uploads, opts ServerOptions, log logrus.FieldLogger) *Server {
	basePath := strings.TrimRight(opts.BasePath, "/")
	if basePath == "" {
		basePath = "/files"
	}

	s := &Server{
		uploads:  uploads,
		basePath: basePath,
		log:      log,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log))
	r.Use(cors.New(corsConfig(opts.AllowedOrigins)))

	files := r.Group(basePath)
	files.Use(s.tusResumable)
	{
		files.OPTIONS("", s.handleOptions)
		files.OPTIONS("/:id", s.handleOptions)
		files.POST("", s.handleCreate)
		files.HEAD("/:id", s.handleStatus)
		files.PATCH("/:id", s.handleAppend)
		files.DELETE("/:id", s.handleTerminate)
		files.GET("/:id", s.handleDownload)
	}

	s.engine = r
	return s
}

// Handler returns the http.Handler serving the upload routes.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithFields(logrus.Fields{"addr": addr, "base_path": s.basePath}).Info("Upload server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.WithError(err).Warn("Server forced to shutdown")
		return err
	}
	s.log.Info("Upload server stopped")
	return nil
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{
			http.MethodPost, http.MethodGet, http.MethodHead,
			http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowHeaders:  append([]string{"Origin", "Content-Type", "Content-Length", "X-Requested-With"}, tusRequestHeaders...),
		ExposeHeaders: tusResponseHeaders,
		MaxAge:        24 * time.Hour,
	}
	allowAll := len(origins) == 0
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
	}
	if allowAll {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}).Debug("Request handled")
	}
}

// tusResumable stamps the protocol version on every response and rejects
// clients speaking another version. OPTIONS and GET are exempt.
func (s *Server) tusResumable(c *gin.Context) {
	c.Header(HeaderTusResumable, TusResumable)

	switch c.Request.Method {
	case http.MethodOptions, http.MethodGet:
		c.Next()
		return
	}
	if c.GetHeader(HeaderTusResumable) != TusResumable {
		c.Header(HeaderTusVersion, TusResumable)
		c.AbortWithStatus(http.StatusPreconditionFailed)
		return
	}
	c.Next()
}

func (s *Server) handleOptions(c *gin.Context) {
	c.Header(HeaderTusVersion, TusResumable)
	c.Header(HeaderTusExtension, strings.Join(Extensions, ","))
	if limit := s.uploads.MaxSize(); limit > 0 {
		c.Header(HeaderTusMaxSize, strconv.FormatUint(limit, 10))
	}
	c.Header(HeaderTusChecksumAlgorithm, strings.Join(checksum.Algorithms(), ","))
	c.Status(http.StatusNoContent)
}

func (s *Server) handleCreate(c *gin.Context) {
	if c.GetHeader(HeaderUploadDeferLength) != "" {
		s.fail(c, http.StatusBadRequest, "deferred length is not supported")
		return
	}
	size, err := strconv.ParseUint(c.GetHeader(HeaderUploadLength), 10, 64)
	if err != nil {
		s.fail(c, http.StatusBadRequest, "invalid Upload-Length")
		return
	}
	meta, err := metadata.ParseHeader(c.GetHeader(HeaderUploadMetadata))
	if err != nil {
		s.fail(c, http.StatusBadRequest, err.Error())
		return
	}

	info, err := s.uploads.Create(c.Request.Context(), size, meta)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.Header("Location", s.location(c.Request, info.ID))
	setExpires(c, info)
	c.Status(http.StatusCreated)
}

func (s *Server) handleStatus(c *gin.Context) {
	info, err := s.uploads.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.Header("Cache-Control", "no-store")
	c.Header(HeaderUploadOffset, strconv.FormatUint(info.Offset, 10))
	c.Header(HeaderUploadLength, strconv.FormatUint(info.Size, 10))
	if len(info.Metadata) > 0 {
		c.Header(HeaderUploadMetadata, info.Metadata.Header())
	}
	setExpires(c, info)
	c.Status(http.StatusOK)
}

func (s *Server) handleAppend(c *gin.Context) {
	if ct := c.GetHeader("Content-Type"); ct != ContentTypeOffset {
		s.fail(c, http.StatusUnsupportedMediaType, "Content-Type must be "+ContentTypeOffset)
		return
	}
	offset, err := strconv.ParseUint(c.GetHeader(HeaderUploadOffset), 10, 64)
	if err != nil {
		s.fail(c, http.StatusBadRequest, "invalid Upload-Offset")
		return
	}

	var expected *checksum.Expected
	if h := c.GetHeader(HeaderUploadChecksum); h != "" {
		if expected, err = checksum.Parse(h); err != nil {
			s.fail(c, http.StatusBadRequest, err.Error())
			return
		}
	}

	id := c.Param("id")
	ctx := c.Request.Context()

	// Refuse an announced oversized body before reading it. The service
	// still enforces the limit on the bytes actually received.
	if cl := c.Request.ContentLength; cl > 0 {
		if info, err := s.uploads.Status(ctx, id); err == nil && info.Offset == offset && uint64(cl) > info.Size-offset {
			s.writeError(c, upload.ErrOversizedChunk)
			return
		}
	}

	newOffset, err := s.uploads.Append(ctx, id, offset, c.Request.Body, expected)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.Header(HeaderUploadOffset, strconv.FormatUint(newOffset, 10))
	if info, err := s.uploads.Status(ctx, id); err == nil {
		setExpires(c, info)
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleTerminate(c *gin.Context) {
	if err := s.uploads.Terminate(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDownload(c *gin.Context) {
	rc, info, err := s.uploads.Open(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	defer rc.Close()

	contentType := "application/octet-stream"
	if ft, ok := info.Metadata.Get("filetype"); ok && ft != "" {
		contentType = ft
	}
	extra := map[string]string{}
	if name, ok := info.Metadata.Get("filename"); ok && name != "" {
		extra["Content-Disposition"] = fmt.Sprintf("attachment; filename=%q", name)
	}
	c.DataFromReader(http.StatusOK, int64(info.Size), contentType, rc, extra)
}

func (s *Server) location(r *http.Request, id string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	host := r.Host
	if h := r.Header.Get("X-Forwarded-Host"); h != "" {
		host = h
	}
	return fmt.Sprintf("%s://%s%s/%s", scheme, host, s.basePath, id)
}

func setExpires(c *gin.Context, info metadata.UploadInfo) {
	if info.State == metadata.StateActive && !info.ExpiresAt.IsZero() {
		c.Header(HeaderUploadExpires, info.ExpiresAt.UTC().Format(http.TimeFormat))
	}
}

// writeError maps service errors onto response codes.
func (s *Server) writeError(c *gin.Context, err error) {
	var conflict *upload.ConflictError
	switch {
	case errors.As(err, &conflict):
		c.Header(HeaderUploadOffset, strconv.FormatUint(conflict.Offset, 10))
		s.fail(c, http.StatusConflict, err.Error())
	case errors.Is(err, upload.ErrUnknownSession), errors.Is(err, upload.ErrIncomplete):
		s.fail(c, http.StatusNotFound, err.Error())
	case errors.Is(err, upload.ErrOversizedChunk):
		s.fail(c, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, upload.ErrInvalidSize):
		status := http.StatusBadRequest
		if n, perr := strconv.ParseUint(c.GetHeader(HeaderUploadLength), 10, 64); perr == nil && n > 0 {
			status = http.StatusRequestEntityTooLarge
		}
		s.fail(c, status, err.Error())
	case errors.Is(err, upload.ErrChecksumMismatch):
		s.fail(c, StatusChecksumMismatch, err.Error())
	case errors.Is(err, checksum.ErrUnsupportedAlgorithm), errors.Is(err, checksum.ErrMalformedHeader):
		s.fail(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, upload.ErrStorageFailure):
		s.log.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
		}).WithError(err).Error("Upload storage failed")
		s.fail(c, http.StatusInsufficientStorage, "storage failure")
	default:
		s.log.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
		}).WithError(err).Error("Upload request failed")
		s.fail(c, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) fail(c *gin.Context, status int, msg string) {
	if c.Request.Method == http.MethodHead {
		c.AbortWithStatus(status)
		return
	}
	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.String(status, "%s\n", msg)
	c.Abort()
}
