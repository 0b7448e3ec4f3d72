package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depot/internal/server/category"
	"depot/internal/server/database"
	"depot/internal/server/storage"
	"depot/internal/server/validation"
)

// --- In-memory stores. Their guard conditions mirror the SQL the real
// repositories run, so the concurrency tests exercise real semantics. ---

type fakeTokenStore struct {
	mu     sync.Mutex
	nextID int64
	tokens map[int64]*database.UploadToken
	usage  []*database.UsageEntry
}

func newFakeTokenStore() *fakeTokenStore {
	return &fakeTokenStore{tokens: make(map[int64]*database.UploadToken)}
}

func (f *fakeTokenStore) Create(_ context.Context, tok *database.UploadToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	tok.ID = f.nextID
	tok.CreatedAt = time.Now().UTC()
	cp := *tok
	f.tokens[tok.ID] = &cp
	return nil
}

func (f *fakeTokenStore) GetByDigest(_ context.Context, digest string) (*database.UploadToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tok := range f.tokens {
		if tok.TokenDigest == digest {
			cp := *tok
			return &cp, nil
		}
	}
	return nil, database.ErrTokenNotFound
}

func (f *fakeTokenStore) Consume(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tok, ok := f.tokens[id]
	if !ok {
		return database.ErrTokenExhausted
	}
	now := time.Now()
	if !tok.IsActive || tok.UsedCount >= tok.MaxUses || tok.Expired(now) {
		return database.ErrTokenExhausted
	}
	tok.UsedCount++
	tok.LastUsedAt = &now
	return nil
}

func (f *fakeTokenStore) LogUsage(_ context.Context, entry *database.UsageEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage = append(f.usage, entry)
	return nil
}

func (f *fakeTokenStore) DeleteExpired(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	var removed int64
	for id, tok := range f.tokens {
		if tok.Expired(now) {
			delete(f.tokens, id)
			removed++
		}
	}
	return removed, nil
}

func (f *fakeTokenStore) get(id int64) database.UploadToken {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.tokens[id]
}

func (f *fakeTokenStore) usageOutcomes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.usage))
	for i, e := range f.usage {
		out[i] = e.Outcome
	}
	return out
}

func (f *fakeTokenStore) lastUsage() *database.UsageEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.usage) == 0 {
		return nil
	}
	return f.usage[len(f.usage)-1]
}

type fakeRecordStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*database.FileRecord
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{records: make(map[uuid.UUID]*database.FileRecord)}
}

func (f *fakeRecordStore) Create(_ context.Context, rec *database.FileRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rec
	f.records[rec.ID] = &cp
	return nil
}

func (f *fakeRecordStore) GetByID(_ context.Context, id uuid.UUID) (*database.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, database.ErrFileNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeRecordStore) GetByStoredName(_ context.Context, name string) (*database.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records {
		if rec.StoredName == name {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, database.ErrFileNotFound
}

func (f *fakeRecordStore) FindSafeByHash(_ context.Context, hash string) (*database.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records {
		if rec.HashSHA256 == hash && rec.ValidationState == database.StateSafe {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

// MarkValidated enforces the partial unique index: at most one safe
// record per hash.
func (f *fakeRecordStore) MarkValidated(_ context.Context, id uuid.UUID, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return database.ErrFileNotFound
	}
	if state == database.StateSafe {
		for other, o := range f.records {
			if other != id && o.HashSHA256 == rec.HashSHA256 && o.ValidationState == database.StateSafe {
				return database.ErrHashConflict
			}
		}
	}
	rec.ValidationState = state
	rec.Validated = true
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *fakeRecordStore) IncrementDownloadCount(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return database.ErrFileNotFound
	}
	rec.DownloadCount++
	return nil
}

func (f *fakeRecordStore) Delete(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[id]; !ok {
		return database.ErrFileNotFound
	}
	delete(f.records, id)
	return nil
}

func (f *fakeRecordStore) GetStats(_ context.Context) (*database.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := &database.Stats{}
	for _, rec := range f.records {
		if rec.ValidationState == database.StateSafe {
			stats.TotalFiles++
			stats.TotalBytes += rec.SizeBytes
		}
		stats.TotalDownloads += rec.DownloadCount
	}
	return stats, nil
}

func (f *fakeRecordStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

// --- Test environment ---

type uploadEnv struct {
	dir     string
	tokens  *fakeTokenStore
	records *fakeRecordStore
	store   *storage.FileSystemStore
	tsvc    *TokenService
	svc     *UploadService
}

func newUploadEnv(t *testing.T) *uploadEnv {
	t.Helper()
	dir := t.TempDir()
	table := category.DefaultTable()

	store := storage.NewFileSystemStore(dir)
	require.NoError(t, store.EnsureDirs(table.Names()))

	tokens := newFakeTokenStore()
	records := newFakeRecordStore()
	tsvc := NewTokenService(tokens, table, time.Hour)
	svc := NewUploadService(tsvc, records, store, validation.New(true, true), table)

	return &uploadEnv{
		dir:     dir,
		tokens:  tokens,
		records: records,
		store:   store,
		tsvc:    tsvc,
		svc:     svc,
	}
}

func (e *uploadEnv) mintToken(t *testing.T, p GenerateParams) *database.UploadToken {
	t.Helper()
	gen, err := e.tsvc.Generate(context.Background(), p)
	require.NoError(t, err)
	return gen.Token
}

// filesOnDisk counts regular files under the files/ partition.
func (e *uploadEnv) filesOnDisk(t *testing.T) int {
	t.Helper()
	count := 0
	err := filepath.WalkDir(filepath.Join(e.dir, "files"), func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			count++
		}
		return nil
	})
	require.NoError(t, err)
	return count
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// --- Pipeline ---

func TestProcess_AdmitsValidUpload(t *testing.T) {
	env := newUploadEnv(t)
	tok := env.mintToken(t, GenerateParams{})
	data := testPNG(t)

	res, err := env.svc.Process(context.Background(), UploadInput{
		Data:         bytes.NewReader(data),
		Filename:     "holiday photo.png",
		DeclaredMIME: "image/png",
		Token:        tok,
		ClientIP:     "192.0.2.1",
		UserAgent:    "test-agent",
	})
	require.NoError(t, err)

	rec := res.Record
	assert.False(t, res.Duplicate)
	assert.True(t, rec.Servable())
	assert.Equal(t, category.Image, rec.Category)
	assert.Equal(t, "holiday photo.png", rec.OriginalName)
	assert.Equal(t, int64(len(data)), rec.SizeBytes)
	assert.True(t, rec.Optimizable)

	assert.Equal(t, 1, env.filesOnDisk(t))
	assert.Equal(t, 1, env.records.count())
	assert.Equal(t, 1, env.tokens.get(tok.ID).UsedCount)

	last := env.tokens.lastUsage()
	require.NotNil(t, last)
	assert.Equal(t, database.OutcomeSuccess, last.Outcome)
	require.NotNil(t, last.FileID)
	assert.Equal(t, rec.ID, *last.FileID)
	require.NotNil(t, last.ClientIP)
	assert.Equal(t, "192.0.2.1", *last.ClientIP)
}

func TestProcess_RejectsCategoryMismatchBeforeWriting(t *testing.T) {
	env := newUploadEnv(t)
	tok := env.mintToken(t, GenerateParams{Category: category.Document})

	_, err := env.svc.Process(context.Background(), UploadInput{
		Data:         bytes.NewReader(testPNG(t)),
		Filename:     "photo.png",
		DeclaredMIME: "image/png",
		Token:        tok,
	})
	assert.ErrorIs(t, err, ErrCategoryMismatch)

	assert.Equal(t, 0, env.filesOnDisk(t), "nothing may be written before the category check")
	assert.Equal(t, 0, env.tokens.get(tok.ID).UsedCount)
	assert.Equal(t, []string{database.OutcomeRejected}, env.tokens.usageOutcomes())
}

func TestProcess_RejectsEmptyFile(t *testing.T) {
	env := newUploadEnv(t)
	tok := env.mintToken(t, GenerateParams{})

	_, err := env.svc.Process(context.Background(), UploadInput{
		Data:         bytes.NewReader(nil),
		Filename:     "empty.txt",
		DeclaredMIME: "text/plain",
		Token:        tok,
	})
	assert.ErrorIs(t, err, ErrEmptyFile)

	assert.Equal(t, 0, env.filesOnDisk(t))
	assert.Equal(t, 0, env.tokens.get(tok.ID).UsedCount)
}

func TestProcess_EnforcesTokenSizeCap(t *testing.T) {
	env := newUploadEnv(t)
	cap := int64(10)
	tok := env.mintToken(t, GenerateParams{MaxFileSize: &cap})

	_, err := env.svc.Process(context.Background(), UploadInput{
		Data:         strings.NewReader(strings.Repeat("a", 100)),
		Filename:     "notes.txt",
		DeclaredMIME: "text/plain",
		Token:        tok,
	})
	assert.ErrorIs(t, err, ErrFileTooLarge)

	assert.Equal(t, 0, env.filesOnDisk(t))
	assert.Equal(t, 0, env.records.count())
	assert.Equal(t, 0, env.tokens.get(tok.ID).UsedCount)

	last := env.tokens.lastUsage()
	require.NotNil(t, last)
	assert.Equal(t, database.OutcomeRejected, last.Outcome)
	assert.Contains(t, *last.Detail, "exceeds limit")
}

func TestProcess_SizeLimitBoundary(t *testing.T) {
	env := newUploadEnv(t)
	limit := int64(10)

	res, err := env.svc.Process(context.Background(), UploadInput{
		Data:         strings.NewReader(strings.Repeat("a", 10)),
		Filename:     "exact.txt",
		DeclaredMIME: "text/plain",
		Token:        env.mintToken(t, GenerateParams{MaxFileSize: &limit}),
	})
	require.NoError(t, err, "a file exactly at the limit is accepted")
	assert.Equal(t, limit, res.Record.SizeBytes)

	_, err = env.svc.Process(context.Background(), UploadInput{
		Data:         strings.NewReader(strings.Repeat("a", 11)),
		Filename:     "over.txt",
		DeclaredMIME: "text/plain",
		Token:        env.mintToken(t, GenerateParams{MaxFileSize: &limit}),
	})
	assert.ErrorIs(t, err, ErrFileTooLarge, "one byte over the limit is rejected")
}

func TestProcess_RejectsMaliciousContent(t *testing.T) {
	env := newUploadEnv(t)
	tok := env.mintToken(t, GenerateParams{})
	payload := append([]byte("MZ"), bytes.Repeat([]byte{0x90}, 32)...)

	_, err := env.svc.Process(context.Background(), UploadInput{
		Data:         bytes.NewReader(payload),
		Filename:     "setup.txt",
		DeclaredMIME: "text/plain",
		Token:        tok,
	})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.NotEmpty(t, verr.Reasons)

	assert.Equal(t, 0, env.filesOnDisk(t), "rejected bytes must be removed")
	assert.Equal(t, 0, env.records.count(), "rejected uploads leave no record")
	assert.Equal(t, 0, env.tokens.get(tok.ID).UsedCount, "rejected uploads must not consume the token")

	last := env.tokens.lastUsage()
	require.NotNil(t, last, "a rejected upload still leaves an audit row")
	assert.Equal(t, database.OutcomeRejected, last.Outcome)
	require.NotNil(t, last.TokenID)
	assert.Equal(t, tok.ID, *last.TokenID)
}

func TestProcess_DeduplicatesByHash(t *testing.T) {
	env := newUploadEnv(t)
	data := testPNG(t)

	first := env.mintToken(t, GenerateParams{})
	res1, err := env.svc.Process(context.Background(), UploadInput{
		Data:         bytes.NewReader(data),
		Filename:     "one.png",
		DeclaredMIME: "image/png",
		Token:        first,
	})
	require.NoError(t, err)

	second := env.mintToken(t, GenerateParams{})
	res2, err := env.svc.Process(context.Background(), UploadInput{
		Data:         bytes.NewReader(data),
		Filename:     "two.png",
		DeclaredMIME: "image/png",
		Token:        second,
	})
	require.NoError(t, err)

	assert.True(t, res2.Duplicate)
	assert.Equal(t, res1.Record.ID, res2.Record.ID)
	assert.Equal(t, 1, env.filesOnDisk(t), "duplicate bytes must be discarded")
	assert.Equal(t, 1, env.records.count())

	// The duplicate upload still consumed its token.
	assert.Equal(t, 1, env.tokens.get(second.ID).UsedCount)
}

func TestProcess_RollsBackWhenConsumptionFails(t *testing.T) {
	env := newUploadEnv(t)
	tok := env.mintToken(t, GenerateParams{})

	// Spend the only use behind the pipeline's back, simulating a
	// concurrent upload winning the token. The stale copy still looks
	// fresh when the pipeline starts.
	require.NoError(t, env.tsvc.Consume(context.Background(), tok))

	_, err := env.svc.Process(context.Background(), UploadInput{
		Data:         bytes.NewReader(testPNG(t)),
		Filename:     "photo.png",
		DeclaredMIME: "image/png",
		Token:        tok,
	})
	assert.ErrorIs(t, err, ErrTokenUsed)

	assert.Equal(t, 0, env.filesOnDisk(t), "failed upload must remove its bytes")
	assert.Equal(t, 0, env.records.count(), "failed upload must remove its record")
}

func TestProcess_SingleUseTokenUnderContention(t *testing.T) {
	env := newUploadEnv(t)
	tok := env.mintToken(t, GenerateParams{})

	const attempts = 8
	errs := make([]error, attempts)

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Distinct contents keep deduplication out of the picture.
			body := fmt.Sprintf("attempt number %d\n", i)
			_, errs[i] = env.svc.Process(context.Background(), UploadInput{
				Data:         strings.NewReader(body),
				Filename:     fmt.Sprintf("note-%d.txt", i),
				DeclaredMIME: "text/plain",
				Token:        tok,
			})
		}(i)
	}
	wg.Wait()

	var succeeded, used int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrTokenUsed):
			used++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, succeeded, "exactly one upload may win a single-use token")
	assert.Equal(t, attempts-1, used)
	assert.Equal(t, 1, env.records.count())
	assert.Equal(t, 1, env.filesOnDisk(t))
	assert.Equal(t, 1, env.tokens.get(tok.ID).UsedCount)
}

func TestProcess_ConcurrentIdenticalContentConverges(t *testing.T) {
	env := newUploadEnv(t)
	data := testPNG(t)

	tokens := []*database.UploadToken{
		env.mintToken(t, GenerateParams{}),
		env.mintToken(t, GenerateParams{}),
	}
	results := make([]*UploadResult, 2)
	errs := make([]error, 2)

	var wg sync.WaitGroup
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.svc.Process(context.Background(), UploadInput{
				Data:         bytes.NewReader(data),
				Filename:     fmt.Sprintf("copy-%d.png", i),
				DeclaredMIME: "image/png",
				Token:        tokens[i],
			})
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	assert.Equal(t, results[0].Record.ID, results[1].Record.ID, "both uploads must converge on one record")
	assert.Equal(t, 1, env.records.count())
	assert.Equal(t, 1, env.filesOnDisk(t))

	duplicates := 0
	for _, res := range results {
		if res.Duplicate {
			duplicates++
		}
	}
	assert.Equal(t, 1, duplicates, "exactly one side resolves as the duplicate")

	for _, tok := range tokens {
		assert.Equal(t, 1, env.tokens.get(tok.ID).UsedCount)
	}
}

// --- Helpers ---

func TestEffectiveLimit(t *testing.T) {
	table := category.DefaultTable()
	img, _ := table.ByName(category.Image)

	small := int64(1000)
	huge := int64(1 << 40)

	tests := []struct {
		name string
		tok  *database.UploadToken
		want int64
	}{
		{"no token cap", &database.UploadToken{}, img.MaxBytes},
		{"token cap below category", &database.UploadToken{MaxFileSize: &small}, small},
		{"token cap above category", &database.UploadToken{MaxFileSize: &huge}, img.MaxBytes},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := effectiveLimit(img, tt.tok); got != tt.want {
				t.Errorf("effectiveLimit = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"simple name", "file.png", "file.png"},
		{"strips directory", "/path/to/file.png", "file.png"},
		{"strips windows path", "C:\\Users\\test\\file.png", "file.png"},
		{"empty name", "", "unnamed"},
		{"dot name", ".", "unnamed"},
		{"replaces slashes", "a/b/c.png", "c.png"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := sanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}
