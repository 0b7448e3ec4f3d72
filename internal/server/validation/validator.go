package validation

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"depot/internal/server/category"
)

// scanLimit caps how much of a file the signature scan reads.
const scanLimit = 1 << 20

// scriptSignatures are byte patterns treated as malicious when found in
// the head of an uploaded file. Matching is case-insensitive.
var scriptSignatures = []string{
	"<?php",
	"<script",
	"eval(base64_decode",
	"shell_exec(",
	"passthru(",
	"powershell -enc",
	"cmd.exe /c",
	"document.write(unescape(",
}

// Options carries the per-upload inputs to validation.
type Options struct {
	OriginalName string
	DeclaredMIME string
	SizeLimit    int64 // effective limit; 0 falls back to the category limit
}

// Result aggregates the outcome of every check. All failing checks
// contribute a reason; Valid is true only when none failed. Warnings
// record checks that passed without being conclusive.
type Result struct {
	Valid        bool
	Reasons      []string
	Warnings     []string
	DetectedMIME string
}

// Validator runs the acceptance checks for uploaded file content.
type Validator struct {
	verifyMIME  bool
	scanMalware bool
}

// New creates a validator. The two flags switch the content sniffing
// and malware scanning checks; whitelist and size checks always run.
func New(verifyMIME, scanMalware bool) *Validator {
	return &Validator{verifyMIME: verifyMIME, scanMalware: scanMalware}
}

// Validate inspects a stored file against the category rules and the
// declared upload metadata. It returns an error only for I/O failures;
// content problems are reported through the Result.
func (v *Validator) Validate(path string, cat category.Category, opts Options) (*Result, error) {
	result := &Result{}

	// 1. Extension whitelist
	ext := strings.ToLower(filepath.Ext(opts.OriginalName))
	switch {
	case ext == "":
		result.Reasons = append(result.Reasons, "missing file extension")
	case !cat.AllowsExtension(ext):
		result.Reasons = append(result.Reasons,
			fmt.Sprintf("extension %s is not allowed for category %s", ext, cat.Name))
	}

	// 2. Declared MIME whitelist
	declared := category.NormalizeMIME(opts.DeclaredMIME)
	switch {
	case declared == "":
		result.Reasons = append(result.Reasons, "missing declared content type")
	case !cat.AllowsMIME(declared):
		result.Reasons = append(result.Reasons,
			fmt.Sprintf("declared type %s is not allowed for category %s", declared, cat.Name))
	}

	// 3. Content sniffing against the declared type
	if v.verifyMIME {
		detected, err := mimetype.DetectFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to sniff file content: %w", err)
		}
		result.DetectedMIME = category.NormalizeMIME(detected.String())

		if declared != "" && !detected.Is(declared) {
			// Sniffers cannot tell text formats apart; a generic text or
			// unknown detection is acceptable only for text-like declared
			// types.
			if undetermined(detected) && textLike(declared) {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("declared type %s could not be confirmed by sniffing", declared))
			} else {
				result.Reasons = append(result.Reasons,
					fmt.Sprintf("content sniffed as %s, declared as %s", result.DetectedMIME, declared))
			}
		}
	}

	// 4. Size limit
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	limit := cat.MaxBytes
	if opts.SizeLimit > 0 && opts.SizeLimit < limit {
		limit = opts.SizeLimit
	}
	if info.Size() > limit {
		result.Reasons = append(result.Reasons,
			fmt.Sprintf("file size %d exceeds limit of %d bytes", info.Size(), limit))
	}

	// 5. Malware signature scan
	if v.scanMalware {
		head, err := readHead(path, scanLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to read file for scanning: %w", err)
		}
		if sig := executableSignature(head); sig != "" {
			result.Reasons = append(result.Reasons,
				fmt.Sprintf("executable content detected (%s)", sig))
		}
		lowered := strings.ToLower(string(head))
		for _, sig := range scriptSignatures {
			if strings.Contains(lowered, sig) {
				result.Reasons = append(result.Reasons,
					fmt.Sprintf("malware signature detected (%q)", sig))
				break
			}
		}
	}

	// 6. Image integrity, only when everything above is clean
	if cat.Name == category.Image && len(result.Reasons) == 0 {
		if err := decodeImage(path); err != nil {
			result.Reasons = append(result.Reasons, "corrupt or undecodable image")
		}
	}

	result.Valid = len(result.Reasons) == 0
	return result, nil
}

// undetermined reports whether the sniffer produced a generic result
// that carries no real format information.
func undetermined(m *mimetype.MIME) bool {
	return m.Is("application/octet-stream") || m.Is("text/plain")
}

// textLike reports whether a declared MIME type plausibly sniffs as
// plain text.
func textLike(declared string) bool {
	if strings.HasPrefix(declared, "text/") {
		return true
	}
	switch declared {
	case "application/json", "application/xml", "application/x-yaml", "application/toml":
		return true
	}
	return false
}

// executableSignature checks the first bytes for well-known executable
// headers and returns the matched format name, or "".
func executableSignature(head []byte) string {
	switch {
	case len(head) >= 2 && head[0] == 'M' && head[1] == 'Z':
		return "PE/MZ"
	case bytes.HasPrefix(head, []byte{0x7F, 'E', 'L', 'F'}):
		return "ELF"
	case bytes.HasPrefix(head, []byte("#!")):
		return "script shebang"
	case len(head) >= 4 && isMachO(binary.BigEndian.Uint32(head)):
		return "Mach-O"
	}
	return ""
}

func isMachO(magic uint32) bool {
	switch magic {
	case 0xFEEDFACE, 0xFEEDFACF, 0xCEFAEDFE, 0xCFFAEDFE, 0xCAFEBABE:
		return true
	}
	return false
}

// readHead returns up to limit bytes from the start of the file.
func readHead(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return io.ReadAll(io.LimitReader(f, limit))
}

// decodeImage fully decodes the image to prove it is structurally
// sound, not just that its header looks right.
func decodeImage(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, _, err := image.Decode(f); err != nil {
		return err
	}
	return nil
}
