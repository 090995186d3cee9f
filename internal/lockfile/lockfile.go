// Package lockfile implements advisory file locks with a lease. A lock is
// a small JSON file recording the owner pid, acquisition time, and timeout;
// a lock whose owner is dead or whose age exceeds twice its timeout may be
// reclaimed by the next caller.
//
// Three categories exist with a fixed global acquisition order:
// QUEUE(1) < NOTEBOOK(2) < REPORT(3). A caller needing several categories
// must acquire ascending and release descending; holding a later lock while
// requesting an earlier one is a deadlock precondition and is refused when
// debugging is enabled.
package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/boshu2/gyoshu/internal/backoff"
	"github.com/boshu2/gyoshu/internal/dbglog"
	"github.com/boshu2/gyoshu/internal/procutil"
	"github.com/boshu2/gyoshu/internal/runtimedir"
)

// Category orders the lock classes. Numeric value is acquisition rank.
type Category int

const (
	Queue    Category = 1
	Notebook Category = 2
	Report   Category = 3
)

func (c Category) String() string {
	switch c {
	case Queue:
		return "queue"
	case Notebook:
		return "notebook"
	case Report:
		return "report"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// DefaultTimeout bounds lock acquisition; callers never spin indefinitely.
const DefaultTimeout = 30 * time.Second

var (
	// ErrLockTimeout is returned when the deadline elapses before the lock
	// is acquired. Callers may retry with backoff.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrLockOrder is returned when debugging is enabled and a caller
	// requests a category lower than one it already holds.
	ErrLockOrder = errors.New("lock acquisition order violation")
)

// held tracks this process's lock holdings for order checking.
var (
	heldMu sync.Mutex
	held   = map[string]Category{} // lock path -> category
)

type lockDoc struct {
	PID        int    `json:"pid"`
	AcquiredAt string `json:"acquiredAt"`
	TimeoutMS  int64  `json:"timeoutMs"`
}

// Manager creates locks under one runtime root.
type Manager struct {
	Root string // runtime root; lock files live under Root/locks/<category>/
}

func NewManager(runtimeRoot string) *Manager {
	return &Manager{Root: runtimeRoot}
}

// Path returns the lock file path for (category, key).
func (m *Manager) Path(cat Category, key string) string {
	return filepath.Join(runtimedir.LocksDir(m.Root), cat.String(), runtimedir.ShortHash(key)+".lock")
}

// Guard is a held lock. Release is idempotent and must run on all exit
// paths; defer it immediately after a successful Acquire.
type Guard struct {
	path     string
	category Category
	released bool
	mu       sync.Mutex
}

// Release removes the lock file and clears the holding record.
func (g *Guard) Release() {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return
	}
	g.released = true
	if err := os.Remove(g.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		dbglog.Printf("lockfile: release %s: %v", g.path, err)
	}
	heldMu.Lock()
	delete(held, g.path)
	heldMu.Unlock()
}

// Acquire takes the (category, key) lock, waiting up to timeout. A zero
// timeout uses DefaultTimeout. Stale locks (owner dead, or older than twice
// their recorded timeout) are forcibly reclaimed with a debug log line.
func (m *Manager) Acquire(ctx context.Context, cat Category, key string, timeout time.Duration) (*Guard, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	path := m.Path(cat, key)
	if err := checkOrder(path, cat); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	deadline := time.Now().Add(timeout)
	seed := fmt.Sprintf("%s:%s:%d", cat, key, os.Getpid())
	cfg := backoff.Default()

	for attempt := 1; ; attempt++ {
		ok, err := tryCreate(path, timeout)
		if err != nil {
			return nil, err
		}
		if ok {
			heldMu.Lock()
			held[path] = cat
			heldMu.Unlock()
			return &Guard{path: path, category: cat}, nil
		}

		if reclaimed := m.reclaimIfStale(path); reclaimed {
			continue
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s %s after %s", ErrLockTimeout, cat, key, timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff.DelayForAttempt(attempt, cfg, seed)):
		}
	}
}

// tryCreate attempts an exclusive create of the lock file with our lease.
func tryCreate(path string, timeout time.Duration) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, os.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create lock %s: %w", path, err)
	}
	doc := lockDoc{
		PID:        os.Getpid(),
		AcquiredAt: time.Now().UTC().Format(time.RFC3339Nano),
		TimeoutMS:  timeout.Milliseconds(),
	}
	b, err := json.Marshal(doc)
	if err == nil {
		_, err = f.Write(b)
	}
	if cerr := f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return false, fmt.Errorf("write lock %s: %w", path, err)
	}
	return true, nil
}

// reclaimIfStale removes a lock whose owner is dead or whose age exceeds
// twice its recorded timeout. Returns true if the lock was removed.
func (m *Manager) reclaimIfStale(path string) bool {
	b, err := os.ReadFile(path)
	if err != nil {
		// Racing release; the next create attempt will tell.
		return errors.Is(err, os.ErrNotExist)
	}
	var doc lockDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		dbglog.Printf("lockfile: reclaiming unreadable lock %s: %v", path, err)
		return removeLock(path)
	}

	stale := false
	if doc.PID > 0 && !procutil.PIDAlive(doc.PID) {
		stale = true
	}
	if at, err := time.Parse(time.RFC3339Nano, doc.AcquiredAt); err == nil {
		maxAge := 2 * time.Duration(doc.TimeoutMS) * time.Millisecond
		if maxAge > 0 && time.Since(at) > maxAge {
			stale = true
		}
	}
	if !stale {
		return false
	}
	dbglog.Printf("lockfile: reclaiming stale lock %s (pid=%d acquiredAt=%s)", path, doc.PID, doc.AcquiredAt)
	return removeLock(path)
}

func removeLock(path string) bool {
	err := os.Remove(path)
	return err == nil || errors.Is(err, os.ErrNotExist)
}

// checkOrder refuses out-of-order acquisition while debugging. The check is
// advisory in production builds to keep the hot path cheap.
func checkOrder(path string, cat Category) error {
	if !dbglog.Enabled() {
		return nil
	}
	heldMu.Lock()
	defer heldMu.Unlock()
	var worst Category
	for p, c := range held {
		if p == path {
			continue
		}
		if c > worst {
			worst = c
		}
	}
	if worst > cat {
		return fmt.Errorf("%w: requesting %s while holding %s", ErrLockOrder, cat, worst)
	}
	return nil
}

// HeldCategories returns the categories currently held by this process, in
// ascending order. Used by tests asserting the global acquisition order.
func HeldCategories() []Category {
	heldMu.Lock()
	defer heldMu.Unlock()
	out := make([]Category, 0, len(held))
	for _, c := range held {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
