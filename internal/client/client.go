package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
	Reasons []string
}

func (e *APIError) Error() string {
	if len(e.Reasons) > 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Message, e.Status, strings.Join(e.Reasons, "; "))
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
}

// TokenGrant is the answer to a token mint request. Token carries the
// plaintext secret; the server keeps only its digest, so this is the
// one chance to record it.
type TokenGrant struct {
	Token     string     `json:"token"`
	TokenID   int64      `json:"token_id"`
	Category  string     `json:"category"`
	MaxUses   int        `json:"max_uses"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// TokenRequest describes the token to mint.
type TokenRequest struct {
	Category       string            `json:"category,omitempty"`
	MaxFileSize    *int64            `json:"max_file_size,omitempty"`
	MaxUses        int               `json:"max_uses,omitempty"`
	ExpiresInHours float64           `json:"expires_in_hours,omitempty"`
	CreatedBy      string            `json:"created_by,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// FileInfo mirrors the server's file metadata answer.
type FileInfo struct {
	ID            string    `json:"id"`
	Filename      string    `json:"filename"`
	StoredName    string    `json:"stored_name"`
	Category      string    `json:"category"`
	MimeType      string    `json:"mime_type"`
	SizeBytes     int64     `json:"size_bytes"`
	SHA256        string    `json:"sha256"`
	Optimizable   bool      `json:"optimizable"`
	DownloadCount int64     `json:"download_count"`
	Duplicate     bool      `json:"duplicate"`
	CreatedAt     time.Time `json:"created_at"`
	URL           string    `json:"url"`
}

// Stats mirrors the server's aggregate statistics answer.
type Stats struct {
	TotalFiles       int64  `json:"total_files"`
	TotalDownloads   int64  `json:"total_downloads"`
	ActiveTokens     int64  `json:"active_tokens"`
	StorageUsedBytes int64  `json:"storage_used_bytes"`
	StorageUsedHuman string `json:"storage_used_human"`
}

// TransformQuery selects an image variant on download. Zero fields are
// omitted from the request.
type TransformQuery struct {
	Width   int
	Height  int
	Quality int
	Format  string
}

// Client talks to a depot server.
type Client struct {
	baseURL    string
	adminKey   string
	httpClient *http.Client
}

// New creates a client for the given server. The admin key is only
// needed for token minting and sweeping; pass "" otherwise.
func New(baseURL, adminKey string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		adminKey: adminKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Minute,
		},
	}
}

// GenerateToken mints a new upload token. Requires the admin key.
func (c *Client) GenerateToken(ctx context.Context, req TokenRequest) (*TokenGrant, error) {
	var grant TokenGrant
	if err := c.doJSON(ctx, http.MethodPost, "/api/tokens", req, &grant); err != nil {
		return nil, err
	}
	return &grant, nil
}

// Upload sends a local file, detecting its content type from the bytes.
func (c *Client) Upload(ctx context.Context, token, path string) (*FileInfo, error) {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to detect content type: %w", err)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	return c.upload(ctx, token, filepath.Base(path), mtype.String(), file)
}

// UploadDirectory zips a directory and sends the archive.
func (c *Client) UploadDirectory(ctx context.Context, token, dir string) (*FileInfo, error) {
	zipBytes, err := ZipDirectory(dir)
	if err != nil {
		return nil, err
	}
	name := filepath.Base(dir) + ".zip"
	return c.upload(ctx, token, name, "application/zip", bytes.NewReader(zipBytes))
}

// upload streams a multipart request so large files never sit in memory.
func (c *Client) upload(ctx context.Context, token, filename, contentType string, r io.Reader) (*FileInfo, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
		h.Set("Content-Type", contentType)
		part, err := mw.CreatePart(h)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, r); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload", pr)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Upload-Token", token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to upload file: %w", err)
	}
	defer resp.Body.Close()

	// 201 for new content, 200 for a deduplicated upload.
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}

	var info FileInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &info, nil
}

// Download fetches a file's bytes. The caller must close the reader.
func (c *Client) Download(ctx context.Context, identifier string, q *TransformQuery) (io.ReadCloser, string, error) {
	u := c.baseURL + "/f/" + url.PathEscape(identifier)
	if q != nil {
		params := url.Values{}
		if q.Width > 0 {
			params.Set("w", strconv.Itoa(q.Width))
		}
		if q.Height > 0 {
			params.Set("h", strconv.Itoa(q.Height))
		}
		if q.Quality > 0 {
			params.Set("q", strconv.Itoa(q.Quality))
		}
		if q.Format != "" {
			params.Set("format", q.Format)
		}
		if len(params) > 0 {
			u += "?" + params.Encode()
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download file: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		defer resp.Body.Close()
		return nil, "", decodeError(resp)
	}

	return resp.Body, resp.Header.Get("Content-Type"), nil
}

// Info fetches file metadata without the bytes.
func (c *Client) Info(ctx context.Context, identifier string) (*FileInfo, error) {
	var info FileInfo
	if err := c.doJSON(ctx, http.MethodGet, "/api/files/"+url.PathEscape(identifier), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// SweepTokens removes expired tokens on the server. Requires the admin
// key. Returns how many were removed.
func (c *Client) SweepTokens(ctx context.Context) (int64, error) {
	var out struct {
		RemovedTokens int64 `json:"removed_tokens"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/admin/tokens/sweep", nil, &out); err != nil {
		return 0, err
	}
	return out.RemovedTokens, nil
}

// ServerStats fetches aggregate server statistics.
func (c *Client) ServerStats(ctx context.Context) (*Stats, error) {
	var stats Stats
	if err := c.doJSON(ctx, http.MethodGet, "/api/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// doJSON performs a request with an optional JSON body and decodes a
// JSON answer into out.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.adminKey != "" {
		req.Header.Set("X-Admin-Key", c.adminKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	var payload struct {
		Error   string   `json:"error"`
		Reasons []string `json:"reasons"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Error == "" {
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return &APIError{Status: resp.StatusCode, Message: payload.Error, Reasons: payload.Reasons}
}
