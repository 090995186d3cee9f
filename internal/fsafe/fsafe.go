// Package fsafe is the durable file substrate: atomic writes, path
// containment checks, and symlink-safe opens. Everything that Gyoshu
// persists goes through this package.
package fsafe

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/renameio/v2"
)

// WriteFileAtomic writes data to path so that readers observe either the
// previous content or the new content, never a partial write. The temp file
// is created in the same directory (exclusive create), fsynced, renamed
// over path, and the containing directory is fsynced afterwards.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := MkdirAllNoSymlink(dir, 0o755); err != nil {
		return err
	}
	if err := renameio.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("atomic write %s: %w", path, err)
	}
	return syncDir(dir)
}

// WriteJSONFile marshals v as 2-space pretty JSON and writes it atomically.
func WriteJSONFile(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return WriteFileAtomic(path, append(b, '\n'), 0o644)
}

// ReadJSONFile opens path symlink-safely and decodes it into v.
func ReadJSONFile(path string, v any) error {
	f, err := OpenNoFollow(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	dec := json.NewDecoder(f)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// MkdirAllNoSymlink creates dir and any missing parents, refusing to
// traverse a symlink in any component. Each existing component is lstat-ed
// and must be a real directory.
func MkdirAllNoSymlink(dir string, perm os.FileMode) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dir, err)
	}
	sep := string(filepath.Separator)
	parts := strings.Split(strings.TrimPrefix(abs, sep), sep)
	cur := sep
	for _, part := range parts {
		if part == "" {
			continue
		}
		cur = filepath.Join(cur, part)
		fi, err := os.Lstat(cur)
		if errors.Is(err, os.ErrNotExist) {
			if err := os.Mkdir(cur, perm); err != nil && !errors.Is(err, os.ErrExist) {
				return fmt.Errorf("mkdir %s: %w", cur, err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("lstat %s: %w", cur, err)
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("%w: %s is a symlink", ErrPathSafety, cur)
		}
		if !fi.IsDir() {
			return fmt.Errorf("%w: %s is not a directory", ErrPathSafety, cur)
		}
	}
	return nil
}

// OpenNoFollow opens path for reading without following a symlink at the
// final component, and verifies the opened handle is a regular file.
func OpenNoFollow(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NOFOLLOW, 0)
	if err != nil {
		if isSymlinkOpenError(err) {
			return nil, fmt.Errorf("%w: %s is a symlink", ErrPathSafety, path)
		}
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrPathSafety, path)
	}
	return f, nil
}

// ValidateRelPath checks that rel is a safe relative path under root and
// returns the joined absolute path. Absolute rel, any ".." component, and
// results that escape root are rejected.
func ValidateRelPath(root, rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return "", fmt.Errorf("%w: empty relative path", ErrPathSafety)
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: absolute path %q", ErrPathSafety, rel)
	}
	cleaned := filepath.Clean(rel)
	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return "", fmt.Errorf("%w: %q escapes root", ErrPathSafety, rel)
		}
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root %s: %w", root, err)
	}
	joined := filepath.Join(absRoot, cleaned)
	if !Contained(absRoot, joined) {
		return "", fmt.Errorf("%w: %q resolves outside %s", ErrPathSafety, rel, root)
	}
	return joined, nil
}

// ContainedRealPath re-resolves path through any symlinks and checks the
// real path is still inside root. This is the post-open TOCTOU check.
func ContainedRealPath(root, path string) error {
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return fmt.Errorf("resolve root %s: %w", root, err)
	}
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	if !Contained(realRoot, real) {
		return fmt.Errorf("%w: real path %s escapes %s", ErrPathSafety, real, realRoot)
	}
	return nil
}

// Contained reports whether path equals root or lies strictly under it.
func Contained(root, path string) bool {
	root = filepath.Clean(root)
	path = filepath.Clean(path)
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

func isSymlinkOpenError(err error) bool {
	// O_NOFOLLOW on a symlink yields ELOOP on Linux, EMLINK on some BSDs.
	return errors.Is(err, syscall.ELOOP) || errors.Is(err, syscall.EMLINK)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil {
		// Some filesystems refuse directory fsync; the rename is already
		// durable enough for crash-consistency of the document itself.
		if errors.Is(err, syscall.EINVAL) {
			return nil
		}
		return err
	}
	return nil
}
