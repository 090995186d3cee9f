// Package procutil provides process liveness and identity introspection.
// Identity is (pid, start time): a recycled pid has a different start time,
// so consumers can prove a metadata file still describes a live process
// before signalling it.
package procutil

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ProcFSAvailable reports whether procfs is available for process introspection.
func ProcFSAvailable() bool {
	_, err := os.Stat("/proc/self/stat")
	return err == nil
}

// PIDAlive reports whether a process exists and is not a zombie.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if PIDZombie(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// PIDZombie checks whether a PID is in a zombie/dead state.
func PIDZombie(pid int) bool {
	if !ProcFSAvailable() {
		return pidZombieFromPS(pid)
	}
	state, _, err := readProcStat(pid)
	if err != nil {
		return false
	}
	return state == 'Z' || state == 'X'
}

// StartTime returns the process start time in clock ticks since boot, as
// recorded by the kernel (field 22 of /proc/<pid>/stat). Returns 0 with an
// error when the process does not exist or procfs is unavailable.
func StartTime(pid int) (int64, error) {
	if pid <= 0 {
		return 0, fmt.Errorf("invalid pid %d", pid)
	}
	if !ProcFSAvailable() {
		return startTimeFromPS(pid)
	}
	_, fields, err := readProcStat(pid)
	if err != nil {
		return 0, err
	}
	// fields holds everything after the comm field; starttime is the 22nd
	// stat field overall, i.e. index 19 after state.
	if len(fields) < 20 {
		return 0, fmt.Errorf("pid %d: short stat line", pid)
	}
	ticks, err := strconv.ParseInt(fields[19], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("pid %d: parse starttime: %w", pid, err)
	}
	return ticks, nil
}

// SameIdentity reports whether pid is alive and its start time matches the
// recorded value. A zero recorded value matches any live process (legacy
// metadata written before start times were captured).
func SameIdentity(pid int, recordedStart int64) bool {
	if !PIDAlive(pid) {
		return false
	}
	if recordedStart <= 0 {
		return true
	}
	actual, err := StartTime(pid)
	if err != nil {
		return false
	}
	return actual == recordedStart
}

// readProcStat parses /proc/<pid>/stat, returning the state byte and the
// fields following the parenthesized comm (which may contain spaces).
func readProcStat(pid int) (byte, []string, error) {
	statPath := filepath.Join("/proc", strconv.Itoa(pid), "stat")
	b, err := os.ReadFile(statPath)
	if err != nil {
		return 0, nil, err
	}
	line := string(b)
	closeIdx := strings.LastIndexByte(line, ')')
	if closeIdx < 0 || closeIdx+2 >= len(line) {
		return 0, nil, fmt.Errorf("pid %d: malformed stat line", pid)
	}
	rest := strings.Fields(line[closeIdx+2:])
	if len(rest) == 0 {
		return 0, nil, fmt.Errorf("pid %d: empty stat fields", pid)
	}
	return line[closeIdx+2], rest, nil
}

func pidZombieFromPS(pid int) bool {
	out, err := exec.Command("ps", "-o", "state=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return false
	}
	state := strings.TrimSpace(string(out))
	if state == "" {
		return false
	}
	c := state[0]
	return c == 'Z' || c == 'X'
}

func startTimeFromPS(pid int) (int64, error) {
	// Without procfs the best available identity anchor is the lstart
	// timestamp, which is stable across reads for the same process.
	out, err := exec.Command("ps", "-o", "lstart=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return 0, fmt.Errorf("pid %d: ps lstart: %w", pid, err)
	}
	raw := strings.TrimSpace(string(out))
	if raw == "" {
		return 0, fmt.Errorf("pid %d: no lstart", pid)
	}
	ts, err := parseLstart(raw)
	if err != nil {
		return 0, fmt.Errorf("pid %d: %w", pid, err)
	}
	return ts, nil
}

func parseLstart(raw string) (int64, error) {
	for _, layout := range []string{
		"Mon Jan 2 15:04:05 2006",
		"Mon Jan  2 15:04:05 2006",
	} {
		if t, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			return t.Unix(), nil
		}
	}
	return 0, fmt.Errorf("parse lstart %q", raw)
}
