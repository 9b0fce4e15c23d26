package hook

import "errors"

var (
	ErrNilTarget     = errors.New("hook: nil target")
	ErrNilPatch      = errors.New("hook: nil patch")
	ErrUnknownKind   = errors.New("hook: unknown redirection kind")
	ErrKindMismatch  = errors.New("hook: patch does not match redirection kind")
	ErrNotRewritable = errors.New("hook: target has no instruction stream")
	ErrWrapConflict  = errors.New("hook: target is already wrapped")
	ErrModuleExists  = errors.New("hook: module already loaded")
	ErrTargetExists  = errors.New("hook: target already defined")
)
