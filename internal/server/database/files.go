package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrFileNotFound = errors.New("file not found")

	// ErrHashConflict means another record with the same content hash
	// reached the safe state first.
	ErrHashConflict = errors.New("a safe copy of this content already exists")
)

// FileRepository provides persistence for file records.
type FileRepository struct {
	db *DB
}

// NewFileRepository creates a new FileRepository.
func NewFileRepository(db *DB) *FileRepository {
	return &FileRepository{db: db}
}

// Create inserts a new file record.
func (r *FileRepository) Create(ctx context.Context, f *FileRecord) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO files (
			id, original_name, stored_name, category, mime_type, size_bytes,
			extension, storage_path, optimizable, hash_sha256, validation_state,
			validated, download_count, token_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		f.ID,
		f.OriginalName,
		f.StoredName,
		f.Category,
		f.MimeType,
		f.SizeBytes,
		f.Extension,
		f.StoragePath,
		f.Optimizable,
		f.HashSHA256,
		f.ValidationState,
		f.Validated,
		f.DownloadCount,
		f.TokenID,
		f.CreatedAt,
		f.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create file record: %w", err)
	}
	return nil
}

// GetByID retrieves a file record by its UUID.
func (r *FileRepository) GetByID(ctx context.Context, id uuid.UUID) (*FileRecord, error) {
	f := &FileRecord{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, original_name, stored_name, category, mime_type, size_bytes,
			   extension, storage_path, optimizable, hash_sha256, validation_state,
			   validated, download_count, token_id, created_at, updated_at
		FROM files WHERE id = $1
	`, id).Scan(
		&f.ID,
		&f.OriginalName,
		&f.StoredName,
		&f.Category,
		&f.MimeType,
		&f.SizeBytes,
		&f.Extension,
		&f.StoragePath,
		&f.Optimizable,
		&f.HashSHA256,
		&f.ValidationState,
		&f.Validated,
		&f.DownloadCount,
		&f.TokenID,
		&f.CreatedAt,
		&f.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to get file record: %w", err)
	}
	return f, nil
}

// GetByStoredName retrieves a file record by its stored (disk) name.
func (r *FileRepository) GetByStoredName(ctx context.Context, name string) (*FileRecord, error) {
	f := &FileRecord{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, original_name, stored_name, category, mime_type, size_bytes,
			   extension, storage_path, optimizable, hash_sha256, validation_state,
			   validated, download_count, token_id, created_at, updated_at
		FROM files WHERE stored_name = $1
	`, name).Scan(
		&f.ID,
		&f.OriginalName,
		&f.StoredName,
		&f.Category,
		&f.MimeType,
		&f.SizeBytes,
		&f.Extension,
		&f.StoragePath,
		&f.Optimizable,
		&f.HashSHA256,
		&f.ValidationState,
		&f.Validated,
		&f.DownloadCount,
		&f.TokenID,
		&f.CreatedAt,
		&f.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to get file record: %w", err)
	}
	return f, nil
}

// FindSafeByHash finds the validated-safe record with a matching
// content hash, for deduplication. Returns (nil, nil) when no safe
// copy exists; pending or rejected copies never count.
func (r *FileRepository) FindSafeByHash(ctx context.Context, hash string) (*FileRecord, error) {
	f := &FileRecord{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, original_name, stored_name, category, mime_type, size_bytes,
			   extension, storage_path, optimizable, hash_sha256, validation_state,
			   validated, download_count, token_id, created_at, updated_at
		FROM files WHERE hash_sha256 = $1 AND validation_state = 'safe'
		LIMIT 1
	`, hash).Scan(
		&f.ID,
		&f.OriginalName,
		&f.StoredName,
		&f.Category,
		&f.MimeType,
		&f.SizeBytes,
		&f.Extension,
		&f.StoragePath,
		&f.Optimizable,
		&f.HashSHA256,
		&f.ValidationState,
		&f.Validated,
		&f.DownloadCount,
		&f.TokenID,
		&f.CreatedAt,
		&f.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // No duplicate found (not an error)
		}
		return nil, fmt.Errorf("failed to query by hash: %w", err)
	}
	return f, nil
}

// MarkValidated flips a pending record to its final validation state.
// Flipping to safe can collide with a concurrent upload of identical
// content on the partial unique hash index; that surfaces as
// ErrHashConflict and the caller resolves the duplicate.
func (r *FileRepository) MarkValidated(ctx context.Context, id uuid.UUID, state string) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE files
		SET validation_state = $2, validated = TRUE, updated_at = NOW()
		WHERE id = $1
	`, id, state)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrHashConflict
		}
		return fmt.Errorf("failed to update validation state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFileNotFound
	}
	return nil
}

// IncrementDownloadCount atomically increments the download counter.
func (r *FileRepository) IncrementDownloadCount(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Pool.Exec(ctx,
		"UPDATE files SET download_count = download_count + 1 WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to increment download count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFileNotFound
	}
	return nil
}

// Delete removes a file record by ID.
func (r *FileRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Pool.Exec(ctx, "DELETE FROM files WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete file record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFileNotFound
	}
	return nil
}

// GetStats returns aggregate server statistics.
func (r *FileRepository) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := r.db.Pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE validation_state = 'safe'),
			COALESCE(SUM(size_bytes) FILTER (WHERE validation_state = 'safe'), 0),
			COALESCE(SUM(download_count), 0),
			(SELECT COUNT(*) FROM upload_tokens
			 WHERE is_active
			   AND used_count < max_uses
			   AND (expires_at IS NULL OR expires_at > NOW()))
		FROM files
	`).Scan(
		&stats.TotalFiles,
		&stats.TotalBytes,
		&stats.TotalDownloads,
		&stats.ActiveTokens,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return stats, nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique
// constraint violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
