package domain

import "errors"

// ErrPatchFailed is returned when a redirection could not be installed and
// the process is configured to fail closed.
var ErrPatchFailed = errors.New("patch install failed")
