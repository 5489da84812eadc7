// ABOUTME: Atomic JSON file writes via temp file + rename, shared by checkpoint and telemetry storage.
// ABOUTME: Also provides filename sanitization for ids that become path components.
package fsutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WriteJSONAtomic writes a JSON-encoded value to path using a temp file in the
// same directory and a rename, so readers never observe a partial file.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}

var unsafeName = strings.NewReplacer("/", "_", "\\", "_", "..", "_", string(os.PathSeparator), "_", " ", "-")

// SanitizeName makes an id safe to use as a single path component.
func SanitizeName(id string) string {
	return unsafeName.Replace(id)
}

// ValidName reports whether id can be used as a file name without
// escaping its directory.
func ValidName(id string) bool {
	return id != "" && id == SanitizeName(id) && id != "."
}
