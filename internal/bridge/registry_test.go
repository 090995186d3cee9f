package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/boshu2/gyoshu/internal/procutil"
	"github.com/boshu2/gyoshu/internal/runtimedir"
)

func writeMeta(t *testing.T, reg *Registry, sessionID string, mutate func(m map[string]any)) string {
	t.Helper()
	dir := runtimedir.SessionDir(reg.Root, sessionID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	start, err := procutil.StartTime(os.Getpid())
	if err != nil {
		t.Fatalf("StartTime: %v", err)
	}
	m := map[string]any{
		"sessionId":        sessionID,
		"pid":              os.Getpid(),
		"processStartTime": start,
		"socketPath":       filepath.Join(dir, "bridge.sock"),
		"notebookPath":     "/tmp/research.ipynb",
		"bridgeStarted":    time.Now().UTC().Format(time.RFC3339Nano),
	}
	if mutate != nil {
		mutate(m)
	}
	b, _ := json.MarshalIndent(m, "", "  ")
	path := filepath.Join(dir, MetaFileName)
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestLoad_ValidMeta(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	writeMeta(t, reg, "s1", nil)

	meta, err := reg.Load("s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if meta.SessionID != "s1" {
		t.Fatalf("sessionId: got %q want %q", meta.SessionID, "s1")
	}
	if meta.PID != os.Getpid() {
		t.Fatalf("pid: got %d want %d", meta.PID, os.Getpid())
	}
}

func TestLoad_PreservesUnknownFields(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	writeMeta(t, reg, "s1", func(m map[string]any) {
		m["futureField"] = map[string]any{"nested": true}
	})
	meta, err := reg.Load("s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := meta.Extra["futureField"]; !ok {
		t.Fatalf("unknown field dropped: %v", meta.Extra)
	}
}

func TestLoad_PoisonedMeta(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(m map[string]any)
	}{
		{"zero pid", func(m map[string]any) { m["pid"] = 0 }},
		{"relative socket", func(m map[string]any) { m["socketPath"] = "bridge.sock" }},
		{"socket escapes session dir", func(m map[string]any) { m["socketPath"] = "/tmp/elsewhere.sock" }},
		{"empty notebook", func(m map[string]any) { delete(m, "notebookPath") }},
		{"no start timestamps", func(m map[string]any) { delete(m, "bridgeStarted") }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := NewRegistry(t.TempDir())
			writeMeta(t, reg, "s1", tc.mutate)
			_, err := reg.Load("s1")
			if !errors.Is(err, ErrPoisonedMeta) {
				t.Fatalf("got %v, want ErrPoisonedMeta", err)
			}
		})
	}
}

func TestLoad_NotFound(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	if _, err := reg.Load("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestVerifyIdentity(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	writeMeta(t, reg, "s1", nil)
	meta, err := reg.Load("s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := reg.VerifyIdentity(meta); err != nil {
		t.Fatalf("own identity should verify: %v", err)
	}
	meta.ProcessStartTime += 9999
	if err := reg.VerifyIdentity(meta); !errors.Is(err, ErrIdentityMismatch) {
		t.Fatalf("got %v, want ErrIdentityMismatch", err)
	}
}

func TestReap_RemovesMetaAndSocket(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	dir := writeMeta(t, reg, "s1", nil)

	sock := filepath.Join(dir, "bridge.sock")
	l, err := net.Listen("unix", sock)
	if err != nil {
		t.Skipf("unix sockets unavailable: %v", err)
	}
	defer func() { _ = l.Close() }()

	if err := reg.Reap(context.Background(), "s1"); err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(dir, MetaFileName)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("meta should be gone, lstat: %v", err)
	}
	if _, err := os.Lstat(sock); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("socket should be gone, lstat: %v", err)
	}
}

func TestReap_LeavesNonSocketInPlace(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	dir := writeMeta(t, reg, "s1", nil)
	// A regular file squatting at the socket path must survive.
	squatter := filepath.Join(dir, "bridge.sock")
	if err := os.WriteFile(squatter, []byte("not a socket"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := reg.Reap(context.Background(), "s1"); err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if _, err := os.Lstat(squatter); err != nil {
		t.Fatalf("regular file should survive reap: %v", err)
	}
}

func TestList_SkipsLocksAndReportsPoisoned(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	writeMeta(t, reg, "good", nil)
	writeMeta(t, reg, "bad", func(m map[string]any) { m["pid"] = -1 })
	if err := os.MkdirAll(filepath.Join(reg.Root, "locks", "queue"), 0o700); err != nil {
		t.Fatal(err)
	}

	sessions, err := reg.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions: got %d want 2", len(sessions))
	}
	var poisoned int
	for _, s := range sessions {
		if s.Err != nil {
			poisoned++
		}
	}
	if poisoned != 1 {
		t.Fatalf("poisoned: got %d want 1", poisoned)
	}
}

func TestLastActivityBefore(t *testing.T) {
	cutoff := time.Now()
	recent := &Meta{LastActivity: cutoff.Add(time.Minute).Format(time.RFC3339Nano)}
	if LastActivityBefore(recent, cutoff) {
		t.Fatalf("recent activity should not be idle")
	}
	old := &Meta{LastActivity: cutoff.Add(-time.Hour).Format(time.RFC3339Nano)}
	if !LastActivityBefore(old, cutoff) {
		t.Fatalf("old activity should be idle")
	}
	if !LastActivityBefore(&Meta{}, cutoff) {
		t.Fatalf("missing lastActivity should count as idle")
	}
	if !LastActivityBefore(&Meta{LastActivity: "garbage"}, cutoff) {
		t.Fatalf("unparseable lastActivity should count as idle")
	}
}
