package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"depot/internal/server/database"
	"depot/internal/server/service"
	"depot/internal/server/transform"
)

// Handler contains the HTTP handlers for the depot API.
type Handler struct {
	tokens    *service.TokenService
	uploads   *service.UploadService
	downloads *service.DownloadService
	db        *database.DB
	baseURL   string
}

// NewHandler creates a new handler with the given service dependencies.
func NewHandler(tokens *service.TokenService, uploads *service.UploadService, downloads *service.DownloadService, db *database.DB, baseURL string) *Handler {
	return &Handler{
		tokens:    tokens,
		uploads:   uploads,
		downloads: downloads,
		db:        db,
		baseURL:   strings.TrimRight(baseURL, "/"),
	}
}

type generateTokenRequest struct {
	Category       string            `json:"category"`
	MaxFileSize    *int64            `json:"max_file_size"`
	MaxUses        int               `json:"max_uses"`
	ExpiresInHours float64           `json:"expires_in_hours"`
	CreatedBy      string            `json:"created_by"`
	Metadata       map[string]string `json:"metadata"`
}

// HandleGenerateToken handles POST /api/tokens.
// Mints an upload token and returns the secret. The secret appears in
// this response only; the server keeps just its digest.
func (h *Handler) HandleGenerateToken(c echo.Context) error {
	var req generateTokenRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	gen, err := h.tokens.Generate(c.Request().Context(), service.GenerateParams{
		Category:    req.Category,
		MaxFileSize: req.MaxFileSize,
		MaxUses:     req.MaxUses,
		ExpiresIn:   time.Duration(req.ExpiresInHours * float64(time.Hour)),
		CreatedBy:   req.CreatedBy,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, echo.Map{
		"token":         gen.Secret,
		"token_id":      gen.Token.ID,
		"category":      gen.Token.Category,
		"max_file_size": gen.Token.MaxFileSize,
		"max_uses":      gen.Token.MaxUses,
		"expires_at":    gen.Token.ExpiresAt,
	})
}

// HandleUpload handles POST /api/upload.
// Accepts a multipart form with a "file" field; the upload token is
// resolved by TokenAuth beforehand.
func (h *Handler) HandleUpload(c echo.Context) error {
	tok, ok := tokenFromContext(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "upload token required"})
	}

	// Read the uploaded file from the multipart form
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "file is required (use form field 'file')",
		})
	}

	src, err := fileHeader.Open()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "failed to read uploaded file",
		})
	}
	defer src.Close()

	result, err := h.uploads.Process(c.Request().Context(), service.UploadInput{
		Data:         src,
		Filename:     fileHeader.Filename,
		DeclaredMIME: fileHeader.Header.Get("Content-Type"),
		Token:        tok,
		ClientIP:     c.RealIP(),
		UserAgent:    c.Request().UserAgent(),
	})
	if err != nil {
		return mapServiceError(c, err)
	}

	// A duplicate is not a new resource.
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	return c.JSON(status, h.fileResponse(result.Record, result.Duplicate))
}

// HandleDownload handles GET /f/:identifier.
// Serves the stored bytes, optionally transformed when the file is an
// image and w/h/q/format query parameters are present.
func (h *Handler) HandleDownload(c echo.Context) error {
	rec, err := h.downloads.Resolve(c.Request().Context(), c.Param("identifier"))
	if err != nil {
		return mapServiceError(c, err)
	}

	if opts, requested := transformOptions(c); requested && rec.Optimizable {
		data, contentType, terr := h.downloads.Transform(rec, opts)
		if terr == nil {
			h.downloads.CountDownload(c.Request().Context(), rec.ID)
			c.Response().Header().Set("Cache-Control", "public, max-age=31536000, immutable")
			return c.Blob(http.StatusOK, contentType, data)
		}
		// A broken transform must not take the file offline.
		slog.Warn("transform failed, serving original",
			"file_id", rec.ID,
			"error", terr,
		)
	}

	f, err := h.downloads.OpenOriginal(rec)
	if err != nil {
		return mapServiceError(c, err)
	}
	defer f.Close()

	h.downloads.CountDownload(c.Request().Context(), rec.ID)

	header := c.Response().Header()
	header.Set("Cache-Control", "public, max-age=31536000, immutable")
	header.Set("Content-Type", rec.MimeType)
	if c.QueryParam("download") == "1" {
		header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.OriginalName))
	}

	http.ServeContent(c.Response(), c.Request(), rec.OriginalName, rec.UpdatedAt, f)
	return nil
}

// HandleFileInfo handles GET /api/files/:identifier.
// Returns file metadata without serving the bytes.
func (h *Handler) HandleFileInfo(c echo.Context) error {
	rec, err := h.downloads.Resolve(c.Request().Context(), c.Param("identifier"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, h.fileResponse(rec, false))
}

// HandleSweepTokens handles POST /api/admin/tokens/sweep.
// Deletes expired tokens; files and audit entries survive with their
// token reference cleared.
func (h *Handler) HandleSweepTokens(c echo.Context) error {
	removed, err := h.tokens.SweepExpired(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "sweep failed"})
	}
	return c.JSON(http.StatusOK, echo.Map{"removed_tokens": removed})
}

// HandleHealth handles GET /health.
// Returns the health status of the server, including database connectivity.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	dbStatus := "connected"

	if err := h.db.HealthCheck(c.Request().Context()); err != nil {
		status = "degraded"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":   status,
		"database": dbStatus,
	})
}

// HandleStats handles GET /api/stats.
// Returns aggregate server statistics.
func (h *Handler) HandleStats(c echo.Context) error {
	stats, err := h.downloads.Stats(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "failed to retrieve stats",
		})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"total_files":        stats.TotalFiles,
		"total_downloads":    stats.TotalDownloads,
		"active_tokens":      stats.ActiveTokens,
		"storage_used_bytes": stats.TotalBytes,
		"storage_used_human": humanizeBytes(stats.TotalBytes),
	})
}

func (h *Handler) fileResponse(rec *database.FileRecord, duplicate bool) echo.Map {
	return echo.Map{
		"id":             rec.ID,
		"filename":       rec.OriginalName,
		"stored_name":    rec.StoredName,
		"category":       rec.Category,
		"mime_type":      rec.MimeType,
		"size_bytes":     rec.SizeBytes,
		"sha256":         rec.HashSHA256,
		"optimizable":    rec.Optimizable,
		"download_count": rec.DownloadCount,
		"duplicate":      duplicate,
		"created_at":     rec.CreatedAt,
		"url":            fmt.Sprintf("%s/f/%s", h.baseURL, rec.StoredName),
	}
}

// transformOptions reads the w/h/q/format query parameters. The second
// return value reports whether any were present.
func transformOptions(c echo.Context) (transform.Options, bool) {
	var opts transform.Options
	requested := false

	if v := c.QueryParam("w"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Width = n
			requested = true
		}
	}
	if v := c.QueryParam("h"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Height = n
			requested = true
		}
	}
	if v := c.QueryParam("q"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Quality = n
			requested = true
		}
	}
	if v := c.QueryParam("format"); v != "" {
		opts.Format = v
		requested = true
	}

	return opts, requested
}

// mapServiceError translates service-layer errors into appropriate HTTP responses.
func mapServiceError(c echo.Context, err error) error {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{
			"error":   "file failed content validation",
			"reasons": verr.Reasons,
		})
	case errors.Is(err, service.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "file not found"})
	case errors.Is(err, service.ErrCategoryMismatch):
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "file category not allowed by this token",
		})
	case errors.Is(err, service.ErrEmptyFile):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "uploaded file is empty"})
	case errors.Is(err, service.ErrFileTooLarge):
		return c.JSON(http.StatusRequestEntityTooLarge, echo.Map{
			"error": "file exceeds maximum allowed size",
		})
	case errors.Is(err, service.ErrUnknownCategory):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrTokenNotFound),
		errors.Is(err, service.ErrTokenInactive),
		errors.Is(err, service.ErrTokenExpired),
		errors.Is(err, service.ErrTokenUsed),
		errors.Is(err, service.ErrTokenLimit):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": tokenRejection(err)})
	default:
		slog.Error("request failed", "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
}

// humanizeBytes formats a byte count into a human-readable string.
func humanizeBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
