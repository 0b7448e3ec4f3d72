package category

import (
	"path/filepath"
	"slices"
	"strings"
)

// Category names used across storage partitions, token restrictions,
// and validation rules.
const (
	Image    = "image"
	Video    = "video"
	Document = "document"
	Audio    = "audio"
	Archive  = "archive"
	Other    = "other"

	// Wildcard is the token category that admits files of any category.
	Wildcard = "*"
)

// Category bundles the classification and validation rules for one
// class of files: which extensions and MIME types it admits, how large
// a file may be, and whether stored files can be transformed.
type Category struct {
	Name        string
	Extensions  []string
	MIMETypes   []string
	MaxBytes    int64
	Optimizable bool
}

// Table is an ordered list of categories. Classification checks
// categories in order, so earlier entries win on overlap.
type Table []Category

const mib = 1 << 20

// DefaultTable returns the built-in category rules.
// Only raster images are admitted to the image category so that every
// stored image can be decoded for integrity checks and transforms.
func DefaultTable() Table {
	return Table{
		{
			Name:        Image,
			Extensions:  []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp"},
			MIMETypes:   []string{"image/jpeg", "image/png", "image/gif", "image/webp", "image/bmp"},
			MaxBytes:    10 * mib,
			Optimizable: true,
		},
		{
			Name:       Video,
			Extensions: []string{".mp4", ".webm", ".mov", ".mkv", ".avi"},
			MIMETypes: []string{
				"video/mp4", "video/webm", "video/quicktime",
				"video/x-matroska", "video/x-msvideo",
			},
			MaxBytes: 500 * mib,
		},
		{
			Name: Document,
			Extensions: []string{
				".pdf", ".txt", ".md", ".csv", ".rtf",
				".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx", ".odt",
			},
			MIMETypes: []string{
				"application/pdf", "text/plain", "text/markdown", "text/csv",
				"application/rtf", "application/msword",
				"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
				"application/vnd.ms-excel",
				"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
				"application/vnd.ms-powerpoint",
				"application/vnd.openxmlformats-officedocument.presentationml.presentation",
				"application/vnd.oasis.opendocument.text",
			},
			MaxBytes: 50 * mib,
		},
		{
			Name:       Audio,
			Extensions: []string{".mp3", ".wav", ".ogg", ".flac", ".m4a"},
			MIMETypes: []string{
				"audio/mpeg", "audio/wav", "audio/x-wav",
				"audio/ogg", "audio/flac", "audio/mp4",
			},
			MaxBytes: 100 * mib,
		},
		{
			Name:       Archive,
			Extensions: []string{".zip", ".tar", ".gz", ".tgz", ".7z", ".rar"},
			MIMETypes: []string{
				"application/zip", "application/x-tar", "application/gzip",
				"application/x-7z-compressed", "application/vnd.rar",
			},
			MaxBytes: 200 * mib,
		},
		{
			Name:       Other,
			Extensions: []string{".json", ".xml", ".yaml", ".yml", ".toml", ".ics"},
			MIMETypes: []string{
				"application/json", "application/xml", "text/xml",
				"application/x-yaml", "application/toml", "text/calendar",
			},
			MaxBytes: 25 * mib,
		},
	}
}

// Classify maps a filename and declared MIME type to a category. The
// two signals are evaluated independently; a MIME match outranks the
// extension match because filenames are the easier of the two to
// spoof. Files matching neither fall back to the "other" category,
// whose own whitelist then decides their fate during validation.
func (t Table) Classify(filename, declaredMIME string) Category {
	if m := NormalizeMIME(declaredMIME); m != "" {
		for _, c := range t {
			if c.AllowsMIME(m) {
				return c
			}
		}
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if ext != "" {
		for _, c := range t {
			if c.AllowsExtension(ext) {
				return c
			}
		}
	}

	// The table always contains "other"; the zero Category is only
	// reachable with a custom table that dropped it.
	fallback, _ := t.ByName(Other)
	return fallback
}

// ByName looks up a category by name.
func (t Table) ByName(name string) (Category, bool) {
	for _, c := range t {
		if c.Name == name {
			return c, true
		}
	}
	return Category{}, false
}

// Names returns all category names in table order.
func (t Table) Names() []string {
	names := make([]string, len(t))
	for i, c := range t {
		names[i] = c.Name
	}
	return names
}

// MaxBodyBytes returns the largest per-category size limit,
// used to cap request bodies before any per-token limit applies.
func (t Table) MaxBodyBytes() int64 {
	var max int64
	for _, c := range t {
		if c.MaxBytes > max {
			max = c.MaxBytes
		}
	}
	return max
}

// AllowsExtension reports whether the category admits the given
// extension (lowercase, with leading dot).
func (c Category) AllowsExtension(ext string) bool {
	return slices.Contains(c.Extensions, strings.ToLower(ext))
}

// AllowsMIME reports whether the category admits the given MIME type.
func (c Category) AllowsMIME(mime string) bool {
	return slices.Contains(c.MIMETypes, NormalizeMIME(mime))
}

// NormalizeMIME lowercases a MIME type and strips parameters,
// so "Text/Plain; charset=utf-8" becomes "text/plain".
func NormalizeMIME(mime string) string {
	mime = strings.TrimSpace(mime)
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return strings.ToLower(strings.TrimSpace(mime))
}
