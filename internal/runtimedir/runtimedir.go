// Package runtimedir resolves and lays out the ephemeral runtime region:
// lock files and per-session bridge state. Nothing under the runtime root
// is ever durable.
package runtimedir

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// EnvOverride names the environment variable that pins the runtime root.
const EnvOverride = "GYOSHU_RUNTIME_DIR"

const appDirName = "gyoshu"

// Resolve returns the runtime root, creating it with user-only permissions.
// Precedence: explicit env override, XDG_RUNTIME_DIR, user cache dir,
// os.TempDir.
func Resolve() (string, error) {
	root := resolveCandidate()
	if err := os.MkdirAll(root, 0o700); err != nil {
		return "", fmt.Errorf("create runtime dir %s: %w", root, err)
	}
	// The directory may predate us with looser permissions.
	if err := os.Chmod(root, 0o700); err != nil {
		return "", fmt.Errorf("chmod runtime dir %s: %w", root, err)
	}
	return root, nil
}

func resolveCandidate() string {
	if v := strings.TrimSpace(os.Getenv(EnvOverride)); v != "" {
		return v
	}
	if v := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); v != "" {
		return filepath.Join(v, appDirName)
	}
	if cache, err := os.UserCacheDir(); err == nil && strings.TrimSpace(cache) != "" {
		return filepath.Join(cache, appDirName, "runtime")
	}
	return filepath.Join(os.TempDir(), appDirName)
}

// ShortHash derives the 12-hex short form used for on-disk session and lock
// directory names.
func ShortHash(id string) string {
	sum := blake3.Sum256([]byte(id))
	return hex.EncodeToString(sum[:6])
}

// SessionDir returns the runtime directory for one bridge session.
func SessionDir(root, sessionID string) string {
	return filepath.Join(root, ShortHash(sessionID))
}

// LocksDir returns the root of the lock-file tree.
func LocksDir(root string) string {
	return filepath.Join(root, "locks")
}

// ValidateReportTitle checks that a report title is a single path segment
// that survives normalization unchanged. It is the namespace for all
// durable per-research state, so traversal characters are rejected
// outright.
func ValidateReportTitle(title string) error {
	t := strings.TrimSpace(title)
	if t == "" {
		return fmt.Errorf("report title is required")
	}
	if strings.ContainsAny(t, `/\`) || strings.Contains(t, "..") {
		return fmt.Errorf("invalid report title %q: must be a single path segment", title)
	}
	if filepath.Clean(t) != t {
		return fmt.Errorf("invalid report title %q: does not survive normalization", title)
	}
	return nil
}

// ReportRoot returns the durable root for one report under projectRoot.
func ReportRoot(projectRoot, reportTitle string) (string, error) {
	if err := ValidateReportTitle(reportTitle); err != nil {
		return "", err
	}
	return filepath.Join(projectRoot, "reports", reportTitle), nil
}
