package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"depot/internal/server/category"
	"depot/internal/server/database"
	"depot/internal/server/storage"
	"depot/internal/server/validation"
)

var uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "depot_uploads_total",
	Help: "Upload attempts by outcome.",
}, []string{"outcome"})

// RecordStore is the persistence surface for file records.
type RecordStore interface {
	Create(ctx context.Context, f *database.FileRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*database.FileRecord, error)
	GetByStoredName(ctx context.Context, name string) (*database.FileRecord, error)
	FindSafeByHash(ctx context.Context, hash string) (*database.FileRecord, error)
	MarkValidated(ctx context.Context, id uuid.UUID, state string) error
	IncrementDownloadCount(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
	GetStats(ctx context.Context) (*database.Stats, error)
}

// UploadInput carries one upload request through the pipeline.
type UploadInput struct {
	Data         io.Reader
	Filename     string
	DeclaredMIME string
	Token        *database.UploadToken
	ClientIP     string
	UserAgent    string
}

// UploadResult is returned for an admitted upload. Duplicate is set
// when the returned record belongs to previously stored content.
type UploadResult struct {
	Record    *database.FileRecord
	Duplicate bool
}

// UploadService owns the upload admission pipeline.
type UploadService struct {
	tokens    *TokenService
	records   RecordStore
	store     storage.Store
	validator *validation.Validator
	table     category.Table
}

// NewUploadService creates a new upload service.
func NewUploadService(tokens *TokenService, records RecordStore, store storage.Store, validator *validation.Validator, table category.Table) *UploadService {
	return &UploadService{
		tokens:    tokens,
		records:   records,
		store:     store,
		validator: validator,
		table:     table,
	}
}

// Process runs the upload admission pipeline. Once bytes hit the disk,
// every rejection or failure removes them (and the metadata row, once
// it exists) before the error propagates, so no half-admitted upload
// survives. The token is consumed strictly after the record is in
// place, never for a failed upload.
func (s *UploadService) Process(ctx context.Context, in UploadInput) (*UploadResult, error) {
	tok := in.Token

	// 1. Classify and enforce the token's category restriction before
	//    anything is written.
	cat := s.table.Classify(in.Filename, in.DeclaredMIME)
	if tok.Category != category.Wildcard && tok.Category != cat.Name {
		s.rejected(ctx, in, fmt.Sprintf("category %s not permitted by token", cat.Name))
		return nil, fmt.Errorf("%w: token allows %s, file is %s", ErrCategoryMismatch, tok.Category, cat.Name)
	}

	// 2. Stream to storage, hashing on the way through.
	saved, err := s.store.Save(cat.Name, in.Filename, in.Data)
	if err != nil {
		s.failed(ctx, in, "storage write failed")
		return nil, fmt.Errorf("failed to store file: %w", err)
	}
	discard := func() {
		if err := s.store.Delete(cat.Name, saved.StoredName); err != nil {
			slog.Error("failed to remove stored file during rollback",
				"stored_name", saved.StoredName, "error", err)
		}
	}

	// 3. Size checks now that the true size is known.
	if saved.Size == 0 {
		discard()
		s.rejected(ctx, in, "empty file")
		return nil, ErrEmptyFile
	}
	limit := effectiveLimit(cat, tok)
	if saved.Size > limit {
		discard()
		s.rejected(ctx, in, fmt.Sprintf("file size %d exceeds limit %d", saved.Size, limit))
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrFileTooLarge, saved.Size, limit)
	}

	// 4. Deduplicate against already-validated content.
	existing, err := s.records.FindSafeByHash(ctx, saved.SHA256)
	if err != nil {
		discard()
		s.failed(ctx, in, "dedup lookup failed")
		return nil, fmt.Errorf("failed to check for duplicates: %w", err)
	}
	if existing != nil {
		discard()
		return s.finishDuplicate(ctx, in, existing)
	}

	// 5. Validate the stored content.
	path, err := s.store.GetPath(cat.Name, saved.StoredName)
	if err != nil {
		discard()
		s.failed(ctx, in, "stored file unreadable")
		return nil, fmt.Errorf("failed to locate stored file: %w", err)
	}
	res, err := s.validator.Validate(path, cat, validation.Options{
		OriginalName: in.Filename,
		DeclaredMIME: in.DeclaredMIME,
		SizeLimit:    limit,
	})
	if err != nil {
		discard()
		s.failed(ctx, in, "content validation errored")
		return nil, fmt.Errorf("failed to validate file: %w", err)
	}
	if !res.Valid {
		discard()
		s.rejected(ctx, in, strings.Join(res.Reasons, "; "))
		return nil, &ValidationError{Reasons: res.Reasons, DetectedMIME: res.DetectedMIME}
	}
	if len(res.Warnings) > 0 {
		slog.Warn("content admitted with warnings",
			"filename", in.Filename,
			"warnings", res.Warnings,
		)
	}

	// 6. Insert the metadata row in the pending state.
	now := time.Now().UTC()
	rec := &database.FileRecord{
		ID:              uuid.New(),
		OriginalName:    sanitizeFilename(in.Filename),
		StoredName:      saved.StoredName,
		Category:        cat.Name,
		MimeType:        category.NormalizeMIME(in.DeclaredMIME),
		SizeBytes:       saved.Size,
		Extension:       strings.ToLower(filepath.Ext(saved.StoredName)),
		StoragePath:     saved.Path,
		Optimizable:     cat.Optimizable,
		HashSHA256:      saved.SHA256,
		ValidationState: database.StatePending,
		DownloadCount:   0,
		TokenID:         &tok.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.records.Create(ctx, rec); err != nil {
		discard()
		s.failed(ctx, in, "metadata insert failed")
		return nil, fmt.Errorf("failed to create file record: %w", err)
	}
	rollback := func() {
		if err := s.records.Delete(ctx, rec.ID); err != nil {
			slog.Error("failed to remove file record during rollback",
				"file_id", rec.ID, "error", err)
		}
		discard()
	}

	// 7. Flip the record to safe. Losing the flip means a concurrent
	//    upload of identical content was validated first; this upload
	//    then resolves as a duplicate of the winner.
	if err := s.records.MarkValidated(ctx, rec.ID, database.StateSafe); err != nil {
		rollback()
		if errors.Is(err, database.ErrHashConflict) {
			winner, werr := s.records.FindSafeByHash(ctx, saved.SHA256)
			if werr != nil || winner == nil {
				s.failed(ctx, in, "duplicate resolution failed")
				return nil, fmt.Errorf("failed to resolve duplicate content: %w", werr)
			}
			return s.finishDuplicate(ctx, in, winner)
		}
		s.failed(ctx, in, "validation state update failed")
		return nil, fmt.Errorf("failed to finalize file record: %w", err)
	}
	rec.ValidationState = database.StateSafe
	rec.Validated = true

	// 8. Consume the token last, once the record exists.
	if err := s.tokens.Consume(ctx, tok); err != nil {
		rollback()
		if errors.Is(err, ErrTokenUsed) || errors.Is(err, ErrTokenLimit) {
			s.rejected(ctx, in, "token has no uses left")
			return nil, err
		}
		s.failed(ctx, in, "token consumption failed")
		return nil, err
	}

	s.tokens.LogUsage(ctx, usageEntry(in, &rec.ID, database.OutcomeSuccess, ""))
	uploadsTotal.WithLabelValues("created").Inc()

	slog.Info("upload processed",
		"file_id", rec.ID,
		"category", rec.Category,
		"size", rec.SizeBytes,
		"hash", rec.HashSHA256,
		"token_id", tok.ID,
	)
	return &UploadResult{Record: rec}, nil
}

// finishDuplicate completes an upload whose content already exists as
// a safe record. The caller has discarded this upload's own bytes; the
// token is still consumed because an upload did happen.
func (s *UploadService) finishDuplicate(ctx context.Context, in UploadInput, existing *database.FileRecord) (*UploadResult, error) {
	if err := s.tokens.Consume(ctx, in.Token); err != nil {
		if errors.Is(err, ErrTokenUsed) || errors.Is(err, ErrTokenLimit) {
			s.rejected(ctx, in, "token has no uses left")
			return nil, err
		}
		s.failed(ctx, in, "token consumption failed")
		return nil, err
	}

	s.tokens.LogUsage(ctx, usageEntry(in, &existing.ID, database.OutcomeSuccess, "duplicate content"))
	uploadsTotal.WithLabelValues("duplicate").Inc()

	slog.Info("duplicate upload resolved",
		"existing_file_id", existing.ID,
		"hash", existing.HashSHA256,
		"token_id", in.Token.ID,
	)
	return &UploadResult{Record: existing, Duplicate: true}, nil
}

func (s *UploadService) rejected(ctx context.Context, in UploadInput, reason string) {
	s.tokens.LogUsage(ctx, usageEntry(in, nil, database.OutcomeRejected, reason))
	uploadsTotal.WithLabelValues("rejected").Inc()
}

func (s *UploadService) failed(ctx context.Context, in UploadInput, reason string) {
	s.tokens.LogUsage(ctx, usageEntry(in, nil, database.OutcomeFailed, reason))
	uploadsTotal.WithLabelValues("failed").Inc()
}

func usageEntry(in UploadInput, fileID *uuid.UUID, outcome, detail string) *database.UsageEntry {
	entry := &database.UsageEntry{
		TokenID: &in.Token.ID,
		FileID:  fileID,
		Outcome: outcome,
	}
	if detail != "" {
		entry.Detail = &detail
	}
	if in.ClientIP != "" {
		entry.ClientIP = &in.ClientIP
	}
	if in.UserAgent != "" {
		entry.UserAgent = &in.UserAgent
	}
	return entry
}

// effectiveLimit is the stricter of the category limit and the token's
// own size cap.
func effectiveLimit(cat category.Category, tok *database.UploadToken) int64 {
	limit := cat.MaxBytes
	if tok.MaxFileSize != nil && *tok.MaxFileSize > 0 && *tok.MaxFileSize < limit {
		limit = *tok.MaxFileSize
	}
	return limit
}

// sanitizeFilename strips directory components and limits length.
func sanitizeFilename(name string) string {
	// Normalize Windows-style backslashes to forward slashes before
	// calling filepath.Base, which is platform-specific.
	name = strings.ReplaceAll(name, "\\", "/")

	// Take only the base name
	name = filepath.Base(name)

	// Limit length
	if len(name) > 255 {
		ext := filepath.Ext(name)
		name = name[:255-len(ext)] + ext
	}

	if name == "" || name == "." || name == "/" {
		name = "unnamed"
	}

	return name
}
