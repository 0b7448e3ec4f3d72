package client

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
)

// helpers

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func verifyZipContents(t *testing.T, zipBytes []byte, expectedFiles map[string]string) {
	t.Helper()

	reader, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	if err != nil {
		t.Fatalf("failed to create zip reader: %v", err)
	}

	if len(reader.File) != len(expectedFiles) {
		t.Errorf("expected %d files in zip, got %d", len(expectedFiles), len(reader.File))
	}

	for _, f := range reader.File {
		expectedContent, exists := expectedFiles[f.Name]
		if !exists {
			t.Errorf("unexpected file in zip: %s", f.Name)
			continue
		}

		rc, err := f.Open()
		if err != nil {
			t.Errorf("failed to open file %s in zip: %v", f.Name, err)
			continue
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Errorf("failed to read file %s: %v", f.Name, err)
			continue
		}

		if string(content) != expectedContent {
			t.Errorf("file %s: expected content %q, got %q", f.Name, expectedContent, string(content))
		}
	}
}

// Tests

func TestZipDirectory(t *testing.T) {
	t.Run("flat directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "mydir")
		writeTree(t, dir, map[string]string{
			"file1.txt": "content1",
			"file2.txt": "content2",
		})

		zipBytes, err := ZipDirectory(dir)
		if err != nil {
			t.Fatalf("failed to compress: %v", err)
		}

		verifyZipContents(t, zipBytes, map[string]string{
			"mydir/file1.txt": "content1",
			"mydir/file2.txt": "content2",
		})
	})

	t.Run("nested directories", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "project")
		writeTree(t, dir, map[string]string{
			"README.md":     "# Project",
			"src/main.go":   "package main",
			"src/utils.go":  "package utils",
			"tests/test.go": "package test",
		})

		zipBytes, err := ZipDirectory(dir)
		if err != nil {
			t.Fatalf("failed to compress: %v", err)
		}

		verifyZipContents(t, zipBytes, map[string]string{
			"project/README.md":     "# Project",
			"project/src/main.go":   "package main",
			"project/src/utils.go":  "package utils",
			"project/tests/test.go": "package test",
		})
	})

	t.Run("empty directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "empty")
		if err := os.Mkdir(dir, 0o755); err != nil {
			t.Fatal(err)
		}

		zipBytes, err := ZipDirectory(dir)
		if err != nil {
			t.Fatalf("failed to compress: %v", err)
		}

		reader, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
		if err != nil {
			t.Fatal(err)
		}
		if len(reader.File) != 0 {
			t.Errorf("expected 0 files for empty directory, got %d", len(reader.File))
		}
	})

	t.Run("rejects regular file", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file.txt")
		if err := os.WriteFile(file, []byte("not a dir"), 0o644); err != nil {
			t.Fatal(err)
		}

		if _, err := ZipDirectory(file); err == nil {
			t.Fatal("expected error for regular file")
		}
	})

	t.Run("rejects missing path", func(t *testing.T) {
		if _, err := ZipDirectory(filepath.Join(t.TempDir(), "nope")); err == nil {
			t.Fatal("expected error for missing path")
		}
	})

	t.Run("preserves file permissions", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "bin")
		writeTree(t, dir, map[string]string{"run.sh": "echo hello"})
		if err := os.Chmod(filepath.Join(dir, "run.sh"), 0o755); err != nil {
			t.Fatal(err)
		}

		zipBytes, err := ZipDirectory(dir)
		if err != nil {
			t.Fatalf("failed to compress: %v", err)
		}

		reader, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
		if err != nil {
			t.Fatal(err)
		}
		if len(reader.File) != 1 {
			t.Fatalf("expected 1 file, got %d", len(reader.File))
		}
		if mode := reader.File[0].Mode(); mode&0o111 == 0 {
			t.Error("expected file to be executable")
		}
	})
}
