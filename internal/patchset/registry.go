// Package patchset discovers patch plugins and keeps the descriptors of the
// current load pass.
package patchset

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/eliteGoblin/focusd/patchd/internal/backport"
	"github.com/eliteGoblin/focusd/patchd/internal/domain"
)

var (
	ErrDuplicate         = errors.New("patchset: duplicate patch")
	ErrSubverterConflict = errors.New("patchset: subverter already claimed by another origin")
	ErrMalformed         = errors.New("patchset: malformed patch module")
)

// Registry holds the descriptors of a load pass, keyed by kind. Enumeration
// follows insertion order.
type Registry struct {
	mu          sync.RWMutex
	patches     []*domain.PatchDescriptor
	subversions []*domain.PatchDescriptor
	backports   []*backport.Backport

	// subverter is claimed once per process and survives Reset.
	subverter atomic.Pointer[domain.PatchDescriptor]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a patch or subversion descriptor. A second descriptor with
// the same source path is rejected, as is an ordinary patch loaded from the
// subverter's origin.
func (r *Registry) Register(d *domain.PatchDescriptor) error {
	if d == nil {
		return fmt.Errorf("%w: nil descriptor", ErrMalformed)
	}
	if s := r.subverter.Load(); s != nil && d.Kind == domain.KindPatch && s.SourcePath == d.SourcePath {
		return fmt.Errorf("%w: %s is the subverter origin", ErrDuplicate, d.SourcePath)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	list := &r.patches
	if d.Kind == domain.KindSubverter {
		list = &r.subversions
	}
	for _, existing := range *list {
		if existing.SourcePath == d.SourcePath {
			return fmt.Errorf("%w: %s", ErrDuplicate, d.SourcePath)
		}
	}
	*list = append(*list, d)
	return nil
}

// remove drops d from its list.
func (r *Registry) remove(d *domain.PatchDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := &r.patches
	if d.Kind == domain.KindSubverter {
		list = &r.subversions
	}
	for i, existing := range *list {
		if existing == d {
			*list = append((*list)[:i:i], (*list)[i+1:]...)
			return
		}
	}
}

// RegisterBackport validates and adds a backport. Misconfigured backports are
// rejected with backport.ErrMisconfigured.
func (r *Registry) RegisterBackport(b *backport.Backport) error {
	if err := b.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.backports {
		if existing.Name == b.Name {
			return fmt.Errorf("%w: backport %s", ErrDuplicate, b.Name)
		}
	}
	r.backports = append(r.backports, b)
	return nil
}

// ClaimSubverter fills the subverter slot. Claiming again from the same
// origin is a no-op; any other origin is rejected.
func (r *Registry) ClaimSubverter(d *domain.PatchDescriptor) error {
	if r.subverter.CompareAndSwap(nil, d) {
		return nil
	}
	if cur := r.subverter.Load(); cur.SourcePath == d.SourcePath {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrSubverterConflict, d.SourcePath)
}

// promote takes every subversion called name out of the list. The first one
// to claim the slot is returned; each other one is rejected with
// ErrSubverterConflict.
func (r *Registry) promote(name string) (*domain.PatchDescriptor, []error) {
	r.mu.Lock()
	var named []*domain.PatchDescriptor
	kept := make([]*domain.PatchDescriptor, 0, len(r.subversions))
	for _, d := range r.subversions {
		if d.Name == name {
			named = append(named, d)
			continue
		}
		kept = append(kept, d)
	}
	r.subversions = kept
	r.mu.Unlock()

	var claimed *domain.PatchDescriptor
	var rejected []error
	for _, d := range named {
		if claimed != nil {
			rejected = append(rejected, fmt.Errorf("%w: %s", ErrSubverterConflict, d.SourcePath))
			continue
		}
		if err := r.ClaimSubverter(d); err != nil {
			rejected = append(rejected, err)
			continue
		}
		d.Kind = domain.KindSubverter
		claimed = d
	}
	return claimed, rejected
}

// Subverter returns the claimed subverter, or nil.
func (r *Registry) Subverter() *domain.PatchDescriptor {
	return r.subverter.Load()
}

// List returns the descriptors of kind in insertion order. Ordinary patches
// sharing the subverter's origin are left out.
func (r *Registry) List(kind domain.PatchKind) []*domain.PatchDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if kind == domain.KindSubverter {
		return append([]*domain.PatchDescriptor(nil), r.subversions...)
	}
	sub := r.subverter.Load()
	out := make([]*domain.PatchDescriptor, 0, len(r.patches))
	for _, d := range r.patches {
		if sub != nil && sub.SourcePath == d.SourcePath {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Enabled returns the enabled descriptors of kind in insertion order.
func (r *Registry) Enabled(kind domain.PatchKind) []*domain.PatchDescriptor {
	var out []*domain.PatchDescriptor
	for _, d := range r.List(kind) {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out
}

// SetEnabled toggles every descriptor loaded from path. It reports whether
// any descriptor matched.
func (r *Registry) SetEnabled(path string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	found := false
	for _, list := range [][]*domain.PatchDescriptor{r.patches, r.subversions} {
		for _, d := range list {
			if d.SourcePath == path {
				d.Enabled = enabled
				found = true
			}
		}
	}
	return found
}

// Backports returns the registered backports in insertion order.
func (r *Registry) Backports() []*backport.Backport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*backport.Backport(nil), r.backports...)
}

// Reset clears the patches and subversions of the finished pass. Backports
// and the subverter slot are process-wide and stay.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patches = nil
	r.subversions = nil
}
