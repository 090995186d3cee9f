package fsafe

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/renameio/v2"
)

func TestWriteFileAtomic_CreatesParentsAndContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a", "b", "doc.json")
	if err := WriteFileAtomic(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(b) != "hello" {
		t.Fatalf("content: got %q want %q", b, "hello")
	}
}

func TestWriteFileAtomic_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")
	for i := 0; i < 3; i++ {
		if err := WriteFileAtomic(path, []byte("v"), 0o644); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "doc.json" {
		t.Fatalf("expected only doc.json, got %v", entries)
	}
}

func TestWriteFileAtomic_InterruptedWriteKeepsOldContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")
	if err := WriteFileAtomic(path, []byte("old"), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}

	// A writer that dies mid-write leaves an orphaned temp file but never
	// renames it into place. Readers keep seeing the previous document.
	pending, err := renameio.TempFile("", path)
	if err != nil {
		t.Fatalf("TempFile: %v", err)
	}
	t.Cleanup(func() { _ = pending.Cleanup() })
	if _, err := pending.Write([]byte(`{"half": `)); err != nil {
		t.Fatalf("write temp: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(b) != "old" {
		t.Fatalf("content after interrupted write: got %q want %q", b, "old")
	}

	// A later complete write still replaces the document.
	if err := WriteFileAtomic(path, []byte("new"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	b, err = os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(b) != "new" {
		t.Fatalf("content after rewrite: got %q want %q", b, "new")
	}
}

func TestWriteJSONFile_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")
	in := map[string]int{"n": 7}
	if err := WriteJSONFile(path, in); err != nil {
		t.Fatalf("WriteJSONFile: %v", err)
	}
	var out map[string]int
	if err := ReadJSONFile(path, &out); err != nil {
		t.Fatalf("ReadJSONFile: %v", err)
	}
	if out["n"] != 7 {
		t.Fatalf("round trip: got %v want n=7", out)
	}
	b, _ := os.ReadFile(path)
	if len(b) == 0 || b[len(b)-1] != '\n' {
		t.Fatalf("expected trailing newline")
	}
}

func TestMkdirAllNoSymlink_RejectsSymlinkComponent(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "real")
	if err := os.Mkdir(real, 0o755); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink(real, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	err := MkdirAllNoSymlink(filepath.Join(link, "child"), 0o755)
	if !errors.Is(err, ErrPathSafety) {
		t.Fatalf("got %v, want ErrPathSafety", err)
	}
}

func TestOpenNoFollow_RejectsSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target.json")
	if err := os.WriteFile(target, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link.json")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if _, err := OpenNoFollow(link); !errors.Is(err, ErrPathSafety) {
		t.Fatalf("got %v, want ErrPathSafety", err)
	}
	f, err := OpenNoFollow(target)
	if err != nil {
		t.Fatalf("regular file: %v", err)
	}
	_ = f.Close()
}

func TestValidateRelPath(t *testing.T) {
	root := t.TempDir()
	cases := []struct {
		rel  string
		safe bool
	}{
		{"figures/plot.png", true},
		{"a/b/../c", true}, // cleans to a/c, still inside
		{"", false},
		{"/etc/passwd", false},
		{"../outside", false},
		{"a/../../outside", false},
	}
	for _, tc := range cases {
		_, err := ValidateRelPath(root, tc.rel)
		if tc.safe && err != nil {
			t.Fatalf("%q: unexpected error %v", tc.rel, err)
		}
		if !tc.safe && !errors.Is(err, ErrPathSafety) {
			t.Fatalf("%q: got %v, want ErrPathSafety", tc.rel, err)
		}
	}
}

func TestPathSafetyErrorsAreDistinguishable(t *testing.T) {
	// I/O failures must not classify as path-safety violations.
	_, err := OpenNoFollow(filepath.Join(t.TempDir(), "missing.json"))
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
	if errors.Is(err, ErrPathSafety) {
		t.Fatalf("missing file misclassified as path safety violation: %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("got %v, want os.ErrNotExist", err)
	}
}

func TestContained(t *testing.T) {
	if !Contained("/a/b", "/a/b/c") {
		t.Fatalf("child should be contained")
	}
	if !Contained("/a/b", "/a/b") {
		t.Fatalf("root should contain itself")
	}
	if Contained("/a/b", "/a/bc") {
		t.Fatalf("sibling prefix must not be contained")
	}
}
