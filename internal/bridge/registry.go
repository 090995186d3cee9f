// Package bridge tracks REPL bridge sessions. Each session owns a small
// metadata file under the runtime root; consumers must prove identity
// (pid alive and start time matching) before signalling the process, and
// must treat validation failures as poisoned metadata to reap, never as
// processes to kill.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/boshu2/gyoshu/internal/dbglog"
	"github.com/boshu2/gyoshu/internal/fsafe"
	"github.com/boshu2/gyoshu/internal/lockfile"
	"github.com/boshu2/gyoshu/internal/procutil"
	"github.com/boshu2/gyoshu/internal/runtimedir"
)

// MetaFileName is the per-session metadata file.
const MetaFileName = "bridge_meta.json"

var (
	// ErrPoisonedMeta marks metadata that failed validation. The file must
	// be reaped; its pid must never be signalled.
	ErrPoisonedMeta = errors.New("poisoned bridge metadata")

	// ErrIdentityMismatch means (pid, start time) no longer refer to the
	// recorded process. Treat the process as dead and reap the metadata.
	ErrIdentityMismatch = errors.New("bridge identity mismatch")

	// ErrNotFound means no metadata exists for the session.
	ErrNotFound = errors.New("bridge session not found")
)

// PythonEnv describes the interpreter backing a bridge.
type PythonEnv struct {
	Type       string `json:"type"`
	PythonPath string `json:"pythonPath"`
}

// Meta is the on-disk bridge session record. Unknown fields survive
// read-modify-write via Extra.
type Meta struct {
	SessionID        string         `json:"sessionId"`
	PID              int            `json:"pid"`
	ProcessStartTime int64          `json:"processStartTime,omitempty"`
	SocketPath       string         `json:"socketPath"`
	BridgeStarted    string         `json:"bridgeStarted,omitempty"`
	StartedAt        string         `json:"startedAt,omitempty"`
	NotebookPath     string         `json:"notebookPath"`
	ReportTitle      string         `json:"reportTitle,omitempty"`
	PythonEnv        PythonEnv      `json:"pythonEnv,omitempty"`
	Verification     map[string]any `json:"verification,omitempty"`
	LastActivity     string         `json:"lastActivity,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

const metaSchemaJSON = `{
  "type": "object",
  "required": ["sessionId", "pid", "socketPath", "notebookPath"],
  "properties": {
    "sessionId": {"type": "string", "minLength": 1},
    "pid": {"type": "integer", "minimum": 1},
    "processStartTime": {"type": "integer", "minimum": 1},
    "socketPath": {"type": "string", "minLength": 1},
    "notebookPath": {"type": "string", "minLength": 1}
  }
}`

var metaSchema = jsonschema.MustCompileString("bridge_meta.json", metaSchemaJSON)

// Registry reads and reaps session metadata under one runtime root.
type Registry struct {
	Root  string
	Locks *lockfile.Manager
}

func NewRegistry(runtimeRoot string) *Registry {
	return &Registry{Root: runtimeRoot, Locks: lockfile.NewManager(runtimeRoot)}
}

// MetaPath returns the metadata path for a session.
func (r *Registry) MetaPath(sessionID string) string {
	return filepath.Join(runtimedir.SessionDir(r.Root, sessionID), MetaFileName)
}

// Load reads and validates a session's metadata. Structural or semantic
// violations return ErrPoisonedMeta; the caller should Reap.
func (r *Registry) Load(sessionID string) (*Meta, error) {
	return r.loadPath(r.MetaPath(sessionID))
}

func (r *Registry) loadPath(path string) (*Meta, error) {
	f, err := fsafe.OpenNoFollow(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(f).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrPoisonedMeta, path, err)
	}
	meta, err := decodeMeta(raw)
	if err != nil {
		return nil, err
	}
	if err := r.validate(meta, filepath.Dir(path)); err != nil {
		return nil, err
	}
	return meta, nil
}

func decodeMeta(raw map[string]json.RawMessage) (*Meta, error) {
	// Round-trip through generic JSON for schema validation first.
	var doc any
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPoisonedMeta, err)
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPoisonedMeta, err)
	}
	if err := metaSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPoisonedMeta, err)
	}

	var meta Meta
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPoisonedMeta, err)
	}
	known := map[string]struct{}{
		"sessionId": {}, "pid": {}, "processStartTime": {}, "socketPath": {},
		"bridgeStarted": {}, "startedAt": {}, "notebookPath": {},
		"reportTitle": {}, "pythonEnv": {}, "verification": {}, "lastActivity": {},
	}
	for k, v := range raw {
		if _, ok := known[k]; !ok {
			if meta.Extra == nil {
				meta.Extra = map[string]json.RawMessage{}
			}
			meta.Extra[k] = v
		}
	}
	return &meta, nil
}

// validate applies the semantic half of the poisoned-meta contract.
func (r *Registry) validate(meta *Meta, sessionDir string) error {
	if meta.PID <= 0 {
		return fmt.Errorf("%w: pid %d is not positive", ErrPoisonedMeta, meta.PID)
	}
	if !filepath.IsAbs(meta.SocketPath) {
		return fmt.Errorf("%w: socketPath %q is not absolute", ErrPoisonedMeta, meta.SocketPath)
	}
	if !fsafe.Contained(sessionDir, meta.SocketPath) {
		return fmt.Errorf("%w: socketPath %q escapes session dir", ErrPoisonedMeta, meta.SocketPath)
	}
	if strings.TrimSpace(meta.NotebookPath) == "" {
		return fmt.Errorf("%w: notebookPath is empty", ErrPoisonedMeta)
	}
	if meta.ProcessStartTime < 0 {
		return fmt.Errorf("%w: processStartTime %d is negative", ErrPoisonedMeta, meta.ProcessStartTime)
	}
	if strings.TrimSpace(meta.BridgeStarted) == "" && strings.TrimSpace(meta.StartedAt) == "" {
		return fmt.Errorf("%w: neither bridgeStarted nor startedAt is set", ErrPoisonedMeta)
	}
	return nil
}

// VerifyIdentity proves (pid, processStartTime) still refer to a live
// process. On mismatch no signal may ever be sent; the caller reaps.
func (r *Registry) VerifyIdentity(meta *Meta) error {
	if meta == nil {
		return fmt.Errorf("%w: nil meta", ErrIdentityMismatch)
	}
	if !procutil.SameIdentity(meta.PID, meta.ProcessStartTime) {
		return fmt.Errorf("%w: pid %d (recorded start %d)", ErrIdentityMismatch, meta.PID, meta.ProcessStartTime)
	}
	return nil
}

// Reap removes a session's metadata and socket under the session's own
// lock. It never signals the recorded pid.
func (r *Registry) Reap(ctx context.Context, sessionID string) error {
	guard, err := r.Locks.Acquire(ctx, lockfile.Notebook, "bridge:"+sessionID, 0)
	if err != nil {
		return err
	}
	defer guard.Release()

	dir := runtimedir.SessionDir(r.Root, sessionID)
	metaPath := filepath.Join(dir, MetaFileName)

	if meta, err := r.loadPath(metaPath); err == nil {
		r.cleanupSocket(dir, meta.SocketPath)
	}
	if err := os.Remove(metaPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove meta %s: %w", metaPath, err)
	}
	// Best-effort: the directory may still hold the socket or stray files.
	dbglog.Ignored("bridge: remove session dir", os.Remove(dir))
	return nil
}

// cleanupSocket unlinks the socket only when lstat confirms a socket type
// and the path is contained in the owning session's directory.
func (r *Registry) cleanupSocket(sessionDir, socketPath string) {
	if !fsafe.Contained(sessionDir, socketPath) {
		dbglog.Printf("bridge: refusing to unlink %s outside %s", socketPath, sessionDir)
		return
	}
	fi, err := os.Lstat(socketPath)
	if err != nil {
		dbglog.Ignored("bridge: lstat socket", err)
		return
	}
	if fi.Mode()&os.ModeSocket == 0 {
		dbglog.Printf("bridge: %s is not a socket, leaving in place", socketPath)
		return
	}
	dbglog.Ignored("bridge: unlink socket", os.Remove(socketPath))
}

// Session pairs a session directory with its load outcome.
type Session struct {
	Dir  string
	Meta *Meta
	Err  error
}

// List enumerates all session directories under the runtime root. Entries
// whose metadata fails validation carry the error instead of a Meta.
func (r *Registry) List() ([]Session, error) {
	entries, err := os.ReadDir(r.Root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Session
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "locks" {
			continue
		}
		dir := filepath.Join(r.Root, e.Name())
		metaPath := filepath.Join(dir, MetaFileName)
		if _, err := os.Lstat(metaPath); errors.Is(err, os.ErrNotExist) {
			continue
		}
		meta, err := r.loadPath(metaPath)
		out = append(out, Session{Dir: dir, Meta: meta, Err: err})
	}
	return out, nil
}

// LastActivityBefore reports whether a session has been idle since cutoff.
// Sessions without a parseable lastActivity are treated as idle.
func LastActivityBefore(meta *Meta, cutoff time.Time) bool {
	if meta == nil {
		return true
	}
	raw := strings.TrimSpace(meta.LastActivity)
	if raw == "" {
		return true
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		if at, err = time.Parse(time.RFC3339, raw); err != nil {
			return true
		}
	}
	return at.Before(cutoff)
}
