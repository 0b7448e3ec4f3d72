package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var (
	ErrTokenNotFound = errors.New("upload token not found")

	// ErrTokenExhausted means the conditional consume matched no row:
	// every use is spent, or the token was revoked or expired meanwhile.
	ErrTokenExhausted = errors.New("upload token has no uses left")
)

// TokenRepository provides persistence for upload tokens and their
// usage audit log.
type TokenRepository struct {
	db *DB
}

// NewTokenRepository creates a new TokenRepository.
func NewTokenRepository(db *DB) *TokenRepository {
	return &TokenRepository{db: db}
}

// Create inserts a new token row and fills in the generated ID and
// creation timestamp.
func (r *TokenRepository) Create(ctx context.Context, tok *UploadToken) error {
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO upload_tokens (
			token_digest, category, max_file_size, max_uses, used_count,
			created_by, metadata, is_active, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`,
		tok.TokenDigest,
		tok.Category,
		tok.MaxFileSize,
		tok.MaxUses,
		tok.UsedCount,
		tok.CreatedBy,
		tok.Metadata,
		tok.IsActive,
		tok.ExpiresAt,
	).Scan(&tok.ID, &tok.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create token: %w", err)
	}
	return nil
}

// GetByDigest retrieves a token by the SHA-256 digest of its secret.
func (r *TokenRepository) GetByDigest(ctx context.Context, digest string) (*UploadToken, error) {
	tok := &UploadToken{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, token_digest, category, max_file_size, max_uses, used_count,
			   created_by, metadata, is_active, created_at, expires_at, last_used_at
		FROM upload_tokens WHERE token_digest = $1
	`, digest).Scan(
		&tok.ID,
		&tok.TokenDigest,
		&tok.Category,
		&tok.MaxFileSize,
		&tok.MaxUses,
		&tok.UsedCount,
		&tok.CreatedBy,
		&tok.Metadata,
		&tok.IsActive,
		&tok.CreatedAt,
		&tok.ExpiresAt,
		&tok.LastUsedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return tok, nil
}

// Consume spends one use of the token. The guard conditions live in
// the UPDATE itself, so two concurrent uploads with the same single-use
// token cannot both succeed: exactly one statement matches the row.
func (r *TokenRepository) Consume(ctx context.Context, id int64) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE upload_tokens
		SET used_count = used_count + 1, last_used_at = NOW()
		WHERE id = $1
		  AND is_active
		  AND used_count < max_uses
		  AND (expires_at IS NULL OR expires_at > NOW())
	`, id)
	if err != nil {
		return fmt.Errorf("failed to consume token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTokenExhausted
	}
	return nil
}

// LogUsage appends one entry to the token usage audit log.
func (r *TokenRepository) LogUsage(ctx context.Context, entry *UsageEntry) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO token_usage_log (token_id, file_id, outcome, detail, client_ip, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		entry.TokenID,
		entry.FileID,
		entry.Outcome,
		entry.Detail,
		entry.ClientIP,
		entry.UserAgent,
	)
	if err != nil {
		return fmt.Errorf("failed to log token usage: %w", err)
	}
	return nil
}

// DeleteExpired removes tokens whose expiry has passed and returns how
// many were deleted. Files and audit entries survive; their token_id
// references are nulled by the foreign keys.
func (r *TokenRepository) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		DELETE FROM upload_tokens
		WHERE expires_at IS NOT NULL AND expires_at < NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}
