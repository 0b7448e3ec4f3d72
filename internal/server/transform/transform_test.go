package transform

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depot/internal/server/category"
	"depot/internal/server/storage"
)

func newTestStore(t *testing.T) *storage.FileSystemStore {
	t.Helper()
	store := storage.NewFileSystemStore(t.TempDir())
	require.NoError(t, store.EnsureDirs([]string{category.Image}))
	return store
}

// saveTestImage stores a 100x60 gradient PNG and returns its stored name.
func saveTestImage(t *testing.T, store *storage.FileSystemStore) string {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 100, 60))
	for x := 0; x < 100; x++ {
		for y := 0; y < 60; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 100, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	saved, err := store.Save(category.Image, "source.png", &buf)
	require.NoError(t, err)
	return saved.StoredName
}

func decodeDims(t *testing.T, data []byte) (int, int) {
	t.Helper()
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	return cfg.Width, cfg.Height
}

func TestProcess_ResizesToWidth(t *testing.T) {
	store := newTestStore(t)
	name := saveTestImage(t, store)
	p := NewProcessor(store)

	data, ct, err := p.Process(category.Image, name, Options{Width: 50})
	require.NoError(t, err)

	assert.Equal(t, "image/webp", ct)
	w, h := decodeDims(t, data)
	assert.Equal(t, 50, w)
	assert.Equal(t, 30, h, "aspect ratio must be preserved")
}

func TestProcess_FitsInsideBox(t *testing.T) {
	store := newTestStore(t)
	name := saveTestImage(t, store)
	p := NewProcessor(store)

	data, _, err := p.Process(category.Image, name, Options{Width: 80, Height: 30})
	require.NoError(t, err)

	w, h := decodeDims(t, data)
	assert.Equal(t, 50, w)
	assert.Equal(t, 30, h)
}

func TestProcess_NeverUpscales(t *testing.T) {
	store := newTestStore(t)
	name := saveTestImage(t, store)
	p := NewProcessor(store)

	data, _, err := p.Process(category.Image, name, Options{Width: 500, Height: 500})
	require.NoError(t, err)

	w, h := decodeDims(t, data)
	assert.Equal(t, 100, w)
	assert.Equal(t, 60, h)
}

func TestProcess_JPEGFormat(t *testing.T) {
	store := newTestStore(t)
	name := saveTestImage(t, store)
	p := NewProcessor(store)

	data, ct, err := p.Process(category.Image, name, Options{Width: 40, Format: "jpg", Quality: 70})
	require.NoError(t, err)

	assert.Equal(t, "image/jpeg", ct)
	_, format, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
}

func TestProcess_ServesCachedArtifact(t *testing.T) {
	store := newTestStore(t)
	name := saveTestImage(t, store)
	p := NewProcessor(store)

	opts := Options{Width: 50}
	first, _, err := p.Process(category.Image, name, opts)
	require.NoError(t, err)

	// Replace the cached artifact; a second request must serve the
	// replacement, proving it never re-generates on a hit.
	key := CacheKey(name, opts)
	require.NoError(t, store.WriteCache(category.Image, key, []byte("sentinel")))

	second, _, err := p.Process(category.Image, name, opts)
	require.NoError(t, err)

	assert.Equal(t, []byte("sentinel"), second)
	assert.NotEqual(t, first, second)
}

func TestProcess_MissingSource(t *testing.T) {
	store := newTestStore(t)
	p := NewProcessor(store)

	_, _, err := p.Process(category.Image, "nonexistent.png", Options{Width: 50})
	assert.ErrorIs(t, err, ErrSourceMissing)
}

func TestProcess_UndecodableSource(t *testing.T) {
	store := newTestStore(t)
	p := NewProcessor(store)

	saved, err := store.Save(category.Image, "junk.png", strings.NewReader("not an image"))
	require.NoError(t, err)

	_, _, err = p.Process(category.Image, saved.StoredName, Options{Width: 50})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSourceMissing)
}

func TestCacheKey(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want string
	}{
		{"width only", Options{Width: 100}, "ab12_w100_q80.webp"},
		{"width and height", Options{Width: 100, Height: 80}, "ab12_w100_h80_q80.webp"},
		{"no resize", Options{}, "ab12_q80.webp"},
		{"explicit quality", Options{Quality: 55, Format: "jpeg"}, "ab12_q55.jpeg"},
		{"quality clamped", Options{Quality: 500}, "ab12_q100.webp"},
		{"jpg aliases jpeg", Options{Format: "jpg"}, "ab12_q80.jpeg"},
		{"unknown format falls back", Options{Format: "tiff"}, "ab12_q80.webp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CacheKey("ab12.png", tt.opts))
		})
	}
}

func TestCacheKeyDeterministic(t *testing.T) {
	a := CacheKey("ab12.png", Options{Width: 10, Height: 20, Quality: 90, Format: "png"})
	b := CacheKey("ab12.png", Options{Width: 10, Height: 20, Quality: 90, Format: "png"})
	assert.Equal(t, a, b)
}
