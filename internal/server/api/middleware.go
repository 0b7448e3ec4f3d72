package api

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"depot/internal/server/database"
	"depot/internal/server/service"
)

// tokenContextKey is where TokenAuth parks the validated token for the
// upload handler.
const tokenContextKey = "upload_token"

// visitor tracks the rate limit state for a single IP.
type visitor struct {
	tokens    float64
	lastCheck time.Time
}

// RateLimiter is a per-IP token-bucket rate limiter.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     float64 // tokens per second
	burst    int     // max tokens
}

// NewRateLimiter creates a rate limiter with the given rate (requests/sec) and burst size.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rps,
		burst:    burst,
	}

	// Clean up stale entries every 5 minutes
	go func() {
		for {
			time.Sleep(5 * time.Minute)
			rl.cleanup()
		}
	}()

	return rl
}

// Middleware returns an echo middleware function that enforces rate limits.
func (rl *RateLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ip := c.RealIP()
			if !rl.allow(ip) {
				slog.Warn("rate limit exceeded", "ip", ip)
				return c.JSON(http.StatusTooManyRequests, map[string]string{
					"error": "rate limit exceeded, try again later",
				})
			}
			return next(c)
		}
	}
}

func (rl *RateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[ip]
	now := time.Now()

	if !exists {
		rl.visitors[ip] = &visitor{
			tokens:    float64(rl.burst) - 1,
			lastCheck: now,
		}
		return true
	}

	// Add tokens based on elapsed time
	elapsed := now.Sub(v.lastCheck).Seconds()
	v.tokens += elapsed * rl.rate
	if v.tokens > float64(rl.burst) {
		v.tokens = float64(rl.burst)
	}
	v.lastCheck = now

	if v.tokens < 1 {
		return false
	}

	v.tokens--
	return true
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-10 * time.Minute)
	for ip, v := range rl.visitors {
		if v.lastCheck.Before(cutoff) {
			delete(rl.visitors, ip)
		}
	}
}

// TokenAuth resolves the upload token presented in the X-Upload-Token
// header (or the "token" form field) and stores it on the request
// context for the upload handler. Secrets that match no token get one
// uniform answer; a known but unusable token is rejected with its
// specific reason and an audit log entry.
func TokenAuth(tokens *service.TokenService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			secret := c.Request().Header.Get("X-Upload-Token")
			if secret == "" {
				secret = c.FormValue("token")
			}
			if secret == "" {
				return c.JSON(http.StatusUnauthorized, echo.Map{
					"error": "upload token required (X-Upload-Token header or 'token' form field)",
				})
			}

			tok, err := tokens.Validate(c.Request().Context(), secret)
			if err != nil {
				if tok != nil {
					detail := err.Error()
					ip := c.RealIP()
					agent := c.Request().UserAgent()
					tokens.LogUsage(c.Request().Context(), &database.UsageEntry{
						TokenID:   &tok.ID,
						Outcome:   database.OutcomeRejected,
						Detail:    &detail,
						ClientIP:  &ip,
						UserAgent: &agent,
					})
				}
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": tokenRejection(err)})
			}

			c.Set(tokenContextKey, tok)
			return next(c)
		}
	}
}

func tokenRejection(err error) string {
	switch {
	case errors.Is(err, service.ErrTokenInactive):
		return "upload token has been deactivated"
	case errors.Is(err, service.ErrTokenExpired):
		return "upload token has expired"
	case errors.Is(err, service.ErrTokenUsed):
		return "upload token has already been used"
	case errors.Is(err, service.ErrTokenLimit):
		return "upload token has reached its usage limit"
	default:
		return "invalid upload token"
	}
}

func tokenFromContext(c echo.Context) (*database.UploadToken, bool) {
	tok, ok := c.Get(tokenContextKey).(*database.UploadToken)
	return tok, ok
}

// AdminAuth guards administrative routes with a pre-shared key checked
// against a bcrypt hash. An empty hash disables the routes entirely.
func AdminAuth(keyHash string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if keyHash == "" {
				return c.JSON(http.StatusForbidden, echo.Map{"error": "admin interface is disabled"})
			}

			key := c.Request().Header.Get("X-Admin-Key")
			if key == "" {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "admin key required (X-Admin-Key header)"})
			}
			if err := bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(key)); err != nil {
				slog.Warn("admin authentication failed", "ip", c.RealIP())
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid admin key"})
			}
			return next(c)
		}
	}
}

// RequestLogger returns an echo middleware that logs requests using slog.
func RequestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			slog.Info("request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"latency_ms", time.Since(start).Milliseconds(),
				"ip", c.RealIP(),
				"user_agent", req.UserAgent(),
				"bytes_out", res.Size,
			)

			return err
		}
	}
}
