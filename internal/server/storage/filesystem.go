package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidName is returned when a category or stored name would
// escape the storage root.
var ErrInvalidName = errors.New("invalid storage name")

const (
	filesDir = "files"
	cacheDir = "cache"
)

// SavedFile describes a file after it has been written to storage.
type SavedFile struct {
	StoredName string
	Path       string // relative to the storage root
	Size       int64
	SHA256     string
}

// Store defines the interface for file storage backends.
// This allows swapping filesystem for S3 or other backends later.
type Store interface {
	Save(category, originalName string, data io.Reader) (*SavedFile, error)
	Open(category, storedName string) (io.ReadSeekCloser, error)
	GetPath(category, storedName string) (string, error)
	Delete(category, storedName string) error
	ReadCache(category, key string) ([]byte, error)
	WriteCache(category, key string, data []byte) error
	EnsureDirs(categories []string) error
}

// FileSystemStore keeps uploaded files on the local filesystem,
// partitioned by category, with a parallel partition for cached
// transform artifacts:
//
//	<root>/files/<category>/<storedName>
//	<root>/cache/<category>/<cacheKey>
type FileSystemStore struct {
	root string
}

// NewFileSystemStore creates a new filesystem storage backend.
func NewFileSystemStore(root string) *FileSystemStore {
	return &FileSystemStore{root: root}
}

// EnsureDirs creates the file and cache directories for every category.
func (fs *FileSystemStore) EnsureDirs(categories []string) error {
	for _, c := range categories {
		if !validName(c) {
			return fmt.Errorf("%w: category %q", ErrInvalidName, c)
		}
		for _, sub := range []string{filesDir, cacheDir} {
			dir := filepath.Join(fs.root, sub, c)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create storage directory %s: %w", dir, err)
			}
		}
	}
	return nil
}

// Save streams data to a new file under the category partition while
// computing its SHA-256. The file is written to a temporary path and
// renamed into place so no partial file is ever visible, and it is
// stored under a random name so uploads cannot choose their own paths.
func (fs *FileSystemStore) Save(category, originalName string, data io.Reader) (*SavedFile, error) {
	name, err := randomName(safeExt(originalName))
	if err != nil {
		return nil, err
	}

	finalPath, err := fs.filePath(category, name)
	if err != nil {
		return nil, err
	}
	tmpPath := finalPath + ".tmp"

	file, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create file %s: %w", tmpPath, err)
	}

	hasher := sha256.New()
	size, err := io.Copy(file, io.TeeReader(data, hasher))
	if err != nil {
		file.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to sync file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to close file: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to finalize file: %w", err)
	}

	return &SavedFile{
		StoredName: name,
		Path:       filepath.Join(filesDir, category, name),
		Size:       size,
		SHA256:     hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Open opens a stored file for reading. The returned error wraps
// fs.ErrNotExist when the file is missing.
func (fs *FileSystemStore) Open(category, storedName string) (io.ReadSeekCloser, error) {
	path, err := fs.filePath(category, storedName)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open stored file: %w", err)
	}
	return file, nil
}

// GetPath returns the absolute path to a stored file.
// Returns an error if the file does not exist.
func (fs *FileSystemStore) GetPath(category, storedName string) (string, error) {
	path, err := fs.filePath(category, storedName)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file not found in storage: %w", err)
		}
		return "", fmt.Errorf("failed to stat file: %w", err)
	}
	return path, nil
}

// Delete removes a stored file. Deleting a missing file is not an error.
func (fs *FileSystemStore) Delete(category, storedName string) error {
	path, err := fs.filePath(category, storedName)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file %s: %w", path, err)
	}
	return nil
}

// ReadCache returns a cached transform artifact, or (nil, nil) when the
// key has not been cached yet.
func (fs *FileSystemStore) ReadCache(category, key string) ([]byte, error) {
	path, err := fs.cachePath(category, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}
	return data, nil
}

// WriteCache persists a transform artifact under the cache partition.
// The artifact is written to a unique temporary file and renamed into
// place, so concurrent writers of the same key race harmlessly and
// readers never observe a partial artifact.
func (fs *FileSystemStore) WriteCache(category, key string, data []byte) error {
	path, err := fs.cachePath(category, key)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), key+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create cache temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close cache entry: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize cache entry: %w", err)
	}
	return nil
}

func (fs *FileSystemStore) filePath(category, name string) (string, error) {
	return fs.join(filesDir, category, name)
}

func (fs *FileSystemStore) cachePath(category, key string) (string, error) {
	return fs.join(cacheDir, category, key)
}

// join builds a path under the storage root, rejecting any component
// that could traverse outside of it.
func (fs *FileSystemStore) join(sub, category, name string) (string, error) {
	if !validName(category) {
		return "", fmt.Errorf("%w: category %q", ErrInvalidName, category)
	}
	if !validName(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(fs.root, sub, category, name), nil
}

// validName accepts a single path component: no separators, no
// parent-directory references, not empty.
func validName(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, `/\`)
}

// randomName produces a random hex file name with a sanitized extension.
func randomName(ext string) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("crypto/rand failure: %w", err)
	}
	return hex.EncodeToString(buf) + ext, nil
}

// safeExt extracts a lowercase extension from the original filename,
// keeping it only when it is short and purely alphanumeric. Anything
// else is dropped rather than stored.
func safeExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) < 2 || len(ext) > 13 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
