// Package dbglog writes diagnostics to standard error, gated on the
// GYOSHU_DEBUG environment variable so production output stays quiet.
package dbglog

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

var (
	once    sync.Once
	enabled bool
)

// Enabled reports whether debug logging is on. The env var is read once.
func Enabled() bool {
	once.Do(func() {
		v := strings.ToLower(strings.TrimSpace(os.Getenv("GYOSHU_DEBUG")))
		enabled = v != "" && v != "0" && v != "false"
	})
	return enabled
}

// SetEnabled overrides the env gate. Intended for tests that exercise
// debug-only checks.
func SetEnabled(v bool) {
	once.Do(func() {})
	enabled = v
}

// Printf logs to stderr when debugging is enabled.
func Printf(format string, args ...any) {
	if !Enabled() {
		return
	}
	fmt.Fprintf(os.Stderr, "[gyoshu] "+format+"\n", args...)
}

// Ignored routes a deliberately discarded error through the debug sink so
// background sweeps never swallow failures invisibly.
func Ignored(op string, err error) {
	if err == nil {
		return
	}
	Printf("%s: logged_and_ignored: %v", op, err)
}
