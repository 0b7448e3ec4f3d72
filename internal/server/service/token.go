package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"depot/internal/server/category"
	"depot/internal/server/database"
)

// tokenSecretBytes is the entropy of a generated secret; the
// hex-encoded secret handed to the caller is twice as many characters.
const tokenSecretBytes = 32

// TokenStore is the persistence surface the token service needs.
type TokenStore interface {
	Create(ctx context.Context, tok *database.UploadToken) error
	GetByDigest(ctx context.Context, digest string) (*database.UploadToken, error)
	Consume(ctx context.Context, id int64) error
	LogUsage(ctx context.Context, entry *database.UsageEntry) error
	DeleteExpired(ctx context.Context) (int64, error)
}

// GenerateParams describe the token to mint.
type GenerateParams struct {
	Category    string        // empty means wildcard
	MaxFileSize *int64        // nil or <=0 means the category limit applies
	MaxUses     int           // <=0 means single use
	ExpiresIn   time.Duration // 0 uses the configured default, negative never expires
	CreatedBy   string
	Metadata    map[string]string
}

// GeneratedToken pairs the freshly minted secret with its stored row.
// The secret exists only here; the database keeps its digest.
type GeneratedToken struct {
	Secret string
	Token  *database.UploadToken
}

// TokenService manages the upload token lifecycle.
type TokenService struct {
	store         TokenStore
	table         category.Table
	defaultExpiry time.Duration
}

// NewTokenService creates a new token service.
func NewTokenService(store TokenStore, table category.Table, defaultExpiry time.Duration) *TokenService {
	return &TokenService{
		store:         store,
		table:         table,
		defaultExpiry: defaultExpiry,
	}
}

// Generate mints a new upload token and stores its digest.
func (s *TokenService) Generate(ctx context.Context, p GenerateParams) (*GeneratedToken, error) {
	cat := p.Category
	if cat == "" {
		cat = category.Wildcard
	}
	if cat != category.Wildcard {
		if _, ok := s.table.ByName(cat); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCategory, cat)
		}
	}

	maxUses := p.MaxUses
	if maxUses <= 0 {
		maxUses = 1
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, err
	}

	var expiresAt *time.Time
	switch {
	case p.ExpiresIn < 0:
		// never expires
	case p.ExpiresIn > 0:
		t := time.Now().UTC().Add(p.ExpiresIn)
		expiresAt = &t
	case s.defaultExpiry > 0:
		t := time.Now().UTC().Add(s.defaultExpiry)
		expiresAt = &t
	}

	var createdBy *string
	if p.CreatedBy != "" {
		createdBy = &p.CreatedBy
	}
	var maxSize *int64
	if p.MaxFileSize != nil && *p.MaxFileSize > 0 {
		maxSize = p.MaxFileSize
	}

	tok := &database.UploadToken{
		TokenDigest: digestSecret(secret),
		Category:    cat,
		MaxFileSize: maxSize,
		MaxUses:     maxUses,
		CreatedBy:   createdBy,
		Metadata:    p.Metadata,
		IsActive:    true,
		ExpiresAt:   expiresAt,
	}
	if err := s.store.Create(ctx, tok); err != nil {
		return nil, fmt.Errorf("failed to store token: %w", err)
	}

	slog.Info("upload token generated",
		"token_id", tok.ID,
		"category", tok.Category,
		"max_uses", tok.MaxUses,
	)
	return &GeneratedToken{Secret: secret, Token: tok}, nil
}

// Validate resolves a presented secret to its token and checks that it
// is usable. Any secret that matches no digest gets the same not-found
// answer. For a known but unusable token, the token is returned along
// with the error so callers can attribute the rejection in the audit
// log.
func (s *TokenService) Validate(ctx context.Context, secret string) (*database.UploadToken, error) {
	tok, err := s.store.GetByDigest(ctx, digestSecret(secret))
	if err != nil {
		if errors.Is(err, database.ErrTokenNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to look up token: %w", err)
	}

	switch {
	case !tok.IsActive:
		return tok, ErrTokenInactive
	case tok.Expired(time.Now()):
		return tok, ErrTokenExpired
	case tok.Exhausted():
		return tok, exhaustionError(tok)
	}
	return tok, nil
}

// Consume spends one use of the token. The store performs the check
// and the increment as a single guarded update, so a single-use token
// presented by two concurrent uploads is consumed exactly once.
func (s *TokenService) Consume(ctx context.Context, tok *database.UploadToken) error {
	if err := s.store.Consume(ctx, tok.ID); err != nil {
		if errors.Is(err, database.ErrTokenExhausted) {
			return exhaustionError(tok)
		}
		return fmt.Errorf("failed to consume token: %w", err)
	}
	return nil
}

// LogUsage appends an audit entry. Audit failures are logged and
// swallowed; they never fail the upload they describe.
func (s *TokenService) LogUsage(ctx context.Context, entry *database.UsageEntry) {
	if err := s.store.LogUsage(ctx, entry); err != nil {
		slog.Error("failed to write token usage log", "error", err)
	}
}

// SweepExpired removes expired tokens. It runs only when called; there
// is no background timer, so the caller controls when deletion work
// happens.
func (s *TokenService) SweepExpired(ctx context.Context) (int64, error) {
	removed, err := s.store.DeleteExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired tokens: %w", err)
	}
	if removed > 0 {
		slog.Info("expired tokens swept", "removed", removed)
	}
	return removed, nil
}

func exhaustionError(tok *database.UploadToken) error {
	if tok.MaxUses == 1 {
		return ErrTokenUsed
	}
	return ErrTokenLimit
}

// generateSecret produces a 64-character hex secret from crypto/rand.
func generateSecret() (string, error) {
	buf := make([]byte, tokenSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("crypto/rand failure: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// digestSecret returns the hex SHA-256 of a secret, the only form in
// which secrets are ever stored or compared.
func digestSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
