// Package backport selects and applies version- and fork-scoped fixes to the
// host.
package backport

import (
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/eliteGoblin/focusd/patchd/pkg/hook"
)

// ErrMisconfigured marks a backport whose constraints contradict each other.
var ErrMisconfigured = errors.New("backport: misconfigured")

// Constraints scope a backport. Every declared constraint must hold.
type Constraints struct {
	Exact *semver.Version
	Min   *semver.Version // inclusive
	Max   *semver.Version // inclusive
	Fork  string
	// Any marks a backport that applies to every host version. It can be
	// switched off globally.
	Any bool
}

// Backport is a fix shipped with the engine for particular host builds.
type Backport struct {
	Name         string
	TargetType   string
	TargetMethod string
	// Content backports target the content layer and run in the second pass.
	Content bool
	Kind    hook.Kind
	Patch   hook.Patch
	// Apply replaces the default single-redirection install when set.
	Apply func(e *hook.Engine, t *hook.Target) error

	Constraints Constraints
}

// TargetName is the qualified name resolved in the hook table.
func (b *Backport) TargetName() string {
	return b.TargetType + "." + b.TargetMethod
}

// Validate rejects contradictory or incomplete declarations.
func (b *Backport) Validate() error {
	c := b.Constraints
	switch {
	case b.TargetType == "" || b.TargetMethod == "":
		return fmt.Errorf("%w: %s has no target", ErrMisconfigured, b.Name)
	case c.Exact != nil && (c.Min != nil || c.Max != nil):
		return fmt.Errorf("%w: %s combines an exact version with a range", ErrMisconfigured, b.Name)
	case c.Min != nil && c.Max != nil && c.Min.GreaterThan(c.Max):
		return fmt.Errorf("%w: %s has min %s above max %s", ErrMisconfigured, b.Name, c.Min, c.Max)
	case c.Any && (c.Exact != nil || c.Min != nil || c.Max != nil):
		return fmt.Errorf("%w: %s is marked any-version but also version-scoped", ErrMisconfigured, b.Name)
	case b.Patch == nil && b.Apply == nil:
		return fmt.Errorf("%w: %s carries no patch", ErrMisconfigured, b.Name)
	case b.Patch != nil && b.Patch.Kind() != b.Kind:
		return fmt.Errorf("%w: %s declares %s but its patch is %s", ErrMisconfigured, b.Name, b.Kind, b.Patch.Kind())
	}
	return nil
}

// Matches reports whether the backport applies to the given host. A nil host
// version fails every version constraint.
func (b *Backport) Matches(host *semver.Version, fork string, allowAny bool) bool {
	c := b.Constraints
	if c.Any && !allowAny {
		return false
	}
	if c.Fork != "" && c.Fork != fork {
		return false
	}
	if c.Exact == nil && c.Min == nil && c.Max == nil {
		return true
	}
	if host == nil {
		return false
	}
	if c.Exact != nil && !host.Equal(c.Exact) {
		return false
	}
	if c.Min != nil && host.LessThan(c.Min) {
		return false
	}
	if c.Max != nil && host.GreaterThan(c.Max) {
		return false
	}
	return true
}

// Select keeps the candidates matching the host, preserving order.
func Select(candidates []*Backport, host *semver.Version, fork string, allowAny bool) []*Backport {
	var out []*Backport
	for _, b := range candidates {
		if b.Matches(host, fork, allowAny) {
			out = append(out, b)
		}
	}
	return out
}

// MustVersion parses v and panics on malformed input. It is meant for
// constraint literals.
func MustVersion(v string) *semver.Version {
	return semver.MustParse(v)
}
