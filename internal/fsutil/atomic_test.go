// ABOUTME: Tests for atomic JSON writes and filename sanitization.
package fsutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteJSONAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	if err := WriteJSONAtomic(path, map[string]int{"a": 1}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteJSONAtomic(path, map[string]int{"a": 2}); err != nil {
		t.Fatalf("second write: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]int
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got["a"] != 2 {
		t.Errorf("expected overwritten value 2, got %d", got["a"])
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected no leftover temp files, found %d entries", len(entries))
	}
}

func TestWriteJSONAtomicMissingDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope", "x.json")
	if err := WriteJSONAtomic(path, 1); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"session-1":   "session-1",
		"../etc":      "__etc",
		"a/b":         "a_b",
		"with space":  "with-space",
		`back\slash`:  "back_slash",
	}
	for in, want := range cases {
		if got := SanitizeName(in); got != want {
			t.Errorf("SanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidName(t *testing.T) {
	if !ValidName("abc_planning_20260101T000000.000000000Z") {
		t.Error("expected checkpoint-style id to be valid")
	}
	for _, bad := range []string{"", ".", "../x", "a/b"} {
		if ValidName(bad) {
			t.Errorf("expected %q to be invalid", bad)
		}
	}
}
