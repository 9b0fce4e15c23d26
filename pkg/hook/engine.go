package hook

import (
	"fmt"

	"github.com/google/uuid"
)

// record is one installed redirection. It is kept on the target so that
// engines with different owners compose on the same chain.
type record struct {
	id    uuid.UUID
	owner string
	kind  Kind
	patch Patch
}

// Engine installs and removes redirections under a single owner id.
// Removal only ever touches redirections the same owner installed.
type Engine struct {
	id string
}

// NewEngine returns an engine owned by id. An empty id gets a random one.
func NewEngine(id string) *Engine {
	if id == "" {
		id = uuid.NewString()
	}
	return &Engine{id: id}
}

// ID returns the owner id.
func (e *Engine) ID() string { return e.id }

// Intercept installs p on t. The kind is taken from the patch type.
func (e *Engine) Intercept(t *Target, p Patch) error {
	if t == nil {
		return ErrNilTarget
	}
	if isNilPatch(p) {
		return ErrNilPatch
	}
	return t.install(&record{id: uuid.New(), owner: e.id, kind: p.Kind(), patch: p})
}

// InterceptAs installs p on t, failing when p is not of kind k.
func (e *Engine) InterceptAs(t *Target, k Kind, p Patch) error {
	if !isNilPatch(p) && p.Kind() != k {
		return fmt.Errorf("%w: want %s, got %s", ErrKindMismatch, k, p.Kind())
	}
	return e.Intercept(t, p)
}

// Remove drops this owner's redirections of kind k from t.
// Removing something that is not installed is a no-op.
func (e *Engine) Remove(t *Target, k Kind) error {
	if t == nil {
		return ErrNilTarget
	}
	return t.remove(e.id, k)
}

// RemoveAll drops every redirection this owner installed on t.
func (e *Engine) RemoveAll(t *Target) error {
	for k := range kindNames {
		if err := e.Remove(t, k); err != nil {
			return err
		}
	}
	return nil
}

// Installed reports whether this owner has a redirection of kind k on t.
func (e *Engine) Installed(t *Target, k Kind) bool {
	return t != nil && t.has(e.id, k)
}
