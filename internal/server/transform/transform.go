package transform

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	_ "image/gif"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"depot/internal/server/storage"
)

// ErrSourceMissing is returned when the stored source image no longer
// exists on disk.
var ErrSourceMissing = errors.New("source file missing from storage")

// DefaultQuality is the encode quality used when none is requested.
const DefaultQuality = 80

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "depot_transform_cache_hits_total",
		Help: "Transform requests served from the artifact cache.",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "depot_transform_cache_misses_total",
		Help: "Transform requests that had to be generated.",
	})
	generateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "depot_transform_generate_duration_seconds",
		Help:    "Time spent decoding, resizing and re-encoding on a cache miss.",
		Buckets: prometheus.DefBuckets,
	})
)

// Options are the requested transform parameters. Zero width and
// height mean no resizing; Quality 0 means DefaultQuality; an empty or
// unknown Format falls back to webp.
type Options struct {
	Width   int
	Height  int
	Quality int
	Format  string
}

func (o Options) normalized() Options {
	if o.Width < 0 {
		o.Width = 0
	}
	if o.Height < 0 {
		o.Height = 0
	}
	if o.Quality <= 0 {
		o.Quality = DefaultQuality
	}
	if o.Quality > 100 {
		o.Quality = 100
	}
	o.Format = normalizeFormat(o.Format)
	return o
}

func normalizeFormat(f string) string {
	switch strings.ToLower(f) {
	case "jpeg", "jpg":
		return "jpeg"
	case "png":
		return "png"
	default:
		return "webp"
	}
}

// CacheKey derives the deterministic artifact name for a stored file
// and a set of transform options, e.g. "ab12_w100_h80_q80.webp".
// Identical requests always map to the same key.
func CacheKey(storedName string, opts Options) string {
	o := opts.normalized()

	var b strings.Builder
	b.WriteString(strings.TrimSuffix(storedName, filepath.Ext(storedName)))
	if o.Width > 0 {
		fmt.Fprintf(&b, "_w%d", o.Width)
	}
	if o.Height > 0 {
		fmt.Fprintf(&b, "_h%d", o.Height)
	}
	fmt.Fprintf(&b, "_q%d", o.Quality)
	b.WriteString(".")
	b.WriteString(o.Format)
	return b.String()
}

// Processor generates transformed image variants and caches the
// results on disk next to the originals.
type Processor struct {
	store storage.Store
}

// NewProcessor creates a new transform processor.
func NewProcessor(store storage.Store) *Processor {
	return &Processor{store: store}
}

// Process returns the transformed bytes and their content type for a
// stored image. Cached artifacts are served as-is; otherwise the
// source is decoded, resized to fit the requested box without ever
// upscaling, re-encoded, and the artifact persisted for next time.
func (p *Processor) Process(category, storedName string, opts Options) ([]byte, string, error) {
	o := opts.normalized()
	key := CacheKey(storedName, o)

	cached, err := p.store.ReadCache(category, key)
	if err != nil {
		slog.Warn("transform cache read failed", "key", key, "error", err)
	} else if cached != nil {
		cacheHits.Inc()
		return cached, contentType(o.Format), nil
	}
	cacheMisses.Inc()
	timer := prometheus.NewTimer(generateDuration)
	defer timer.ObserveDuration()

	src, err := p.store.Open(category, storedName)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", ErrSourceMissing
		}
		return nil, "", err
	}
	defer src.Close()

	img, _, err := image.Decode(src)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode source image: %w", err)
	}

	img = resizeToFit(img, o.Width, o.Height)

	data, err := encode(img, o)
	if err != nil {
		return nil, "", err
	}

	// Persisting the artifact is best-effort: a failed write only costs
	// a regeneration on the next request.
	if err := p.store.WriteCache(category, key, data); err != nil {
		slog.Warn("failed to persist transform artifact", "key", key, "error", err)
	}

	return data, contentType(o.Format), nil
}

// resizeToFit scales the image down to fit within the given box,
// preserving aspect ratio. Images already inside the box are returned
// unchanged; there is no upscaling.
func resizeToFit(img image.Image, maxW, maxH int) image.Image {
	b := img.Bounds()
	sw, sh := b.Dx(), b.Dy()

	tw, th := fitWithin(sw, sh, maxW, maxH)
	if tw == sw && th == sh {
		return img
	}
	return imaging.Resize(img, tw, th, imaging.Lanczos)
}

func fitWithin(sw, sh, maxW, maxH int) (int, int) {
	if sw <= 0 || sh <= 0 {
		return sw, sh
	}

	scale := 1.0
	if maxW > 0 && maxW < sw {
		scale = float64(maxW) / float64(sw)
	}
	if maxH > 0 && maxH < sh {
		if s := float64(maxH) / float64(sh); s < scale {
			scale = s
		}
	}
	if scale >= 1 {
		return sw, sh
	}

	tw := int(math.Round(float64(sw) * scale))
	th := int(math.Round(float64(sh) * scale))
	if tw < 1 {
		tw = 1
	}
	if th < 1 {
		th = 1
	}
	return tw, th
}

func encode(img image.Image, o Options) ([]byte, error) {
	var buf bytes.Buffer
	var err error

	switch o.Format {
	case "jpeg":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: o.Quality})
	case "png":
		err = png.Encode(&buf, img)
	default:
		err = webp.Encode(&buf, img, &webp.Options{Quality: float32(o.Quality)})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", o.Format, err)
	}
	return buf.Bytes(), nil
}

func contentType(format string) string {
	return "image/" + format
}
