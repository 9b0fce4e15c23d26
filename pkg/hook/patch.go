// Package hook implements call-target redirection for host applications that
// route their calls through a hook Table.
//
// A host registers its modules and call targets in a Table and always invokes
// them through Target.Call. An Engine installs redirections on those targets:
// prefixes that may veto the original, postfixes that may rewrite the result,
// transpilers that rewrite a program target's instruction stream, a wrapper that
// replaces the call while keeping access to the original, and finalizers that
// observe or replace the error.
package hook

import (
	"fmt"
	"strings"
)

// Kind identifies how a redirection relates to its target.
type Kind int

const (
	// Before runs ahead of the target and may veto it.
	Before Kind = iota
	// After runs once the target returned and may rewrite its result.
	After
	// Rewrite replaces the target's instruction stream.
	Rewrite
	// Wrap replaces the whole call and receives the original logic.
	Wrap
	// TerminatingHandler sees the error raised by the target and may replace it.
	TerminatingHandler
)

var kindNames = map[Kind]string{
	Before:             "before",
	After:              "after",
	Rewrite:            "rewrite",
	Wrap:               "wrap",
	TerminatingHandler: "terminating",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind accepts both the hook names and the names used by patch manifests
// (prefix, postfix, transpiler, reverse, finalizer).
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "before", "prefix":
		return Before, nil
	case "after", "postfix":
		return After, nil
	case "rewrite", "transpiler":
		return Rewrite, nil
	case "wrap", "reverse":
		return Wrap, nil
	case "terminating", "finalizer":
		return TerminatingHandler, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Func is the calling convention shared by every target.
type Func func(args ...any) (any, error)

// Call carries a single invocation through the redirection chain.
// Prefixes may replace Args; postfixes and finalizers may replace Result and Err.
type Call struct {
	Target *Target
	Args   []any
	Result any
	Err    error
}

// Instruction is one opaque step of a program target. The engine never
// interprets instructions, only hands them to transpilers and the executor.
type Instruction struct {
	Op      string
	Operand any
}

// Executor runs a program target's instruction stream.
type Executor func(body []Instruction, args ...any) (any, error)

// Patch is implemented by the five redirection function types below.
type Patch interface {
	Kind() Kind
}

// Prefix returning false skips the target's own body.
type Prefix func(c *Call) bool

// Postfix observes the finished call.
type Postfix func(c *Call)

// Transpiler returns the replacement instruction stream.
type Transpiler func(body []Instruction) ([]Instruction, error)

// Wrapper fully replaces the call. original always runs the unmodified target.
type Wrapper func(original Func, args ...any) (any, error)

// Finalizer receives the call's error (possibly nil) and returns the error the
// caller sees. Returning nil suppresses it.
type Finalizer func(c *Call, err error) error

func (Prefix) Kind() Kind     { return Before }
func (Postfix) Kind() Kind    { return After }
func (Transpiler) Kind() Kind { return Rewrite }
func (Wrapper) Kind() Kind    { return Wrap }
func (Finalizer) Kind() Kind  { return TerminatingHandler }

// Skip is a prefix that vetoes every call.
func Skip(*Call) bool { return false }

// isNilPatch reports whether p carries no function.
func isNilPatch(p Patch) bool {
	switch v := p.(type) {
	case nil:
		return true
	case Prefix:
		return v == nil
	case Postfix:
		return v == nil
	case Transpiler:
		return v == nil
	case Wrapper:
		return v == nil
	case Finalizer:
		return v == nil
	}
	return false
}
