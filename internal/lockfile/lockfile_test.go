package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/boshu2/gyoshu/internal/dbglog"
)

func TestAcquireRelease(t *testing.T) {
	m := NewManager(t.TempDir())
	guard, err := m.Acquire(context.Background(), Queue, "q1", 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	path := m.Path(Queue, "q1")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("lock file should exist: %v", err)
	}
	guard.Release()
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("lock file should be gone, stat: %v", err)
	}
	// Idempotent.
	guard.Release()
}

func TestAcquire_ContendedTimesOut(t *testing.T) {
	m := NewManager(t.TempDir())
	guard, err := m.Acquire(context.Background(), Queue, "q1", 0)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer guard.Release()

	// A live in-process holder: the second caller must time out, not reclaim.
	_, err = m.Acquire(context.Background(), Queue, "q1", 150*time.Millisecond)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("got %v, want ErrLockTimeout", err)
	}
}

func TestAcquire_ReclaimsDeadOwner(t *testing.T) {
	m := NewManager(t.TempDir())
	path := m.Path(Queue, "q1")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatal(err)
	}

	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadPID := cmd.Process.Pid
	_ = cmd.Wait()

	doc := lockDoc{
		PID:        deadPID,
		AcquiredAt: time.Now().UTC().Format(time.RFC3339Nano),
		TimeoutMS:  30000,
	}
	b, _ := json.Marshal(doc)
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatal(err)
	}

	guard, err := m.Acquire(context.Background(), Queue, "q1", 2*time.Second)
	if err != nil {
		t.Fatalf("expected reclaim of dead owner's lock, got %v", err)
	}
	guard.Release()
}

func TestAcquire_ReclaimsExpiredLease(t *testing.T) {
	m := NewManager(t.TempDir())
	path := m.Path(Notebook, "nb")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatal(err)
	}
	// Live pid but lease older than twice its timeout.
	doc := lockDoc{
		PID:        os.Getpid(),
		AcquiredAt: time.Now().Add(-time.Minute).UTC().Format(time.RFC3339Nano),
		TimeoutMS:  100,
	}
	b, _ := json.Marshal(doc)
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatal(err)
	}
	guard, err := m.Acquire(context.Background(), Notebook, "nb", 2*time.Second)
	if err != nil {
		t.Fatalf("expected reclaim of expired lease, got %v", err)
	}
	guard.Release()
}

func TestAcquire_OrderViolationRefusedWhenDebugging(t *testing.T) {
	dbglog.SetEnabled(true)
	defer dbglog.SetEnabled(false)

	m := NewManager(t.TempDir())
	report, err := m.Acquire(context.Background(), Report, "r", 0)
	if err != nil {
		t.Fatalf("Acquire report: %v", err)
	}
	defer report.Release()

	_, err = m.Acquire(context.Background(), Queue, "q", time.Second)
	if !errors.Is(err, ErrLockOrder) {
		t.Fatalf("got %v, want ErrLockOrder", err)
	}

	// Same-rank acquisition is not a violation.
	r2, err := m.Acquire(context.Background(), Report, "r2", time.Second)
	if err != nil {
		t.Fatalf("same-rank acquire should pass: %v", err)
	}
	r2.Release()
}

func TestAcquire_AscendingOrderAllowed(t *testing.T) {
	dbglog.SetEnabled(true)
	defer dbglog.SetEnabled(false)

	m := NewManager(t.TempDir())
	q, err := m.Acquire(context.Background(), Queue, "k", 0)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	nb, err := m.Acquire(context.Background(), Notebook, "k", 0)
	if err != nil {
		t.Fatalf("notebook after queue: %v", err)
	}
	r, err := m.Acquire(context.Background(), Report, "k", 0)
	if err != nil {
		t.Fatalf("report after notebook: %v", err)
	}
	got := HeldCategories()
	want := []Category{Queue, Notebook, Report}
	if len(got) < len(want) {
		t.Fatalf("held: got %v want at least %v", got, want)
	}
	r.Release()
	nb.Release()
	q.Release()
}

func TestAcquire_ContextCancellation(t *testing.T) {
	m := NewManager(t.TempDir())
	guard, err := m.Acquire(context.Background(), Queue, "q1", 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer guard.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err = m.Acquire(ctx, Queue, "q1", 10*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}
