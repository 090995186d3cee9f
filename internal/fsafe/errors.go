package fsafe

import "errors"

// ErrPathSafety marks containment, traversal, and symlink violations.
// Callers must be able to tell these apart from transient I/O failures,
// so every rejecting check wraps this sentinel.
var ErrPathSafety = errors.New("path safety violation")
