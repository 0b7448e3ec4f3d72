package service

import (
	"errors"
	"strings"
)

// Sentinel errors for the service layer.
var (
	ErrNotFound         = errors.New("file not found")
	ErrTokenNotFound    = errors.New("upload token not found")
	ErrTokenInactive    = errors.New("upload token has been revoked")
	ErrTokenExpired     = errors.New("upload token has expired")
	ErrTokenUsed        = errors.New("upload token has already been used")
	ErrTokenLimit       = errors.New("upload token usage limit reached")
	ErrCategoryMismatch = errors.New("file category not permitted by this token")
	ErrEmptyFile        = errors.New("empty file")
	ErrFileTooLarge     = errors.New("file exceeds maximum allowed size")
	ErrUnknownCategory  = errors.New("unknown category")
)

// ValidationError reports a rejected upload together with every check
// that failed, so clients see the full picture in one round trip.
type ValidationError struct {
	Reasons      []string
	DetectedMIME string
}

func (e *ValidationError) Error() string {
	return "content validation failed: " + strings.Join(e.Reasons, "; ")
}
