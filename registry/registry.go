// Package registry implements the package manager's package table: the
// single shared mutable structure in the whole daemon (spec §5), guarded by
// one mutex. Per design note §9/SPEC_FULL §5, this is the "blocking
// registry layer" half of the split; the bus package's non-blocking publish
// layer never re-enters this lock.
package registry

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/victronenergy/package-manager/version"
)

// ErrDuplicateName is returned by Add when a package with the same name is
// already present (spec invariant 2: "inserting a duplicate name is
// rejected and leaves the registry unchanged").
var ErrDuplicateName = errors.New("registry: duplicate package name")

// ErrNotFound is returned when a named package does not exist.
var ErrNotFound = errors.New("registry: package not found")

// Registry is the ordered table of package records (spec §4.3). Names are
// unique at all times (invariant 2); by-name lookup is a linear scan
// performed under the lock (invariant 1), matching the source, which never
// indexes packages by anything but position in its dbus Settings list.
type Registry struct {
	mu       sync.Mutex
	packages []*Package
}

func New() *Registry {
	return &Registry{}
}

// Lock/Unlock expose the registry's mutex directly for the rare multi-step
// sequences (fetch-unpack-swap, media-swap) that must hold the lock across
// a filesystem rename per spec §5. Everything else should prefer the
// higher-level methods below, which lock internally.
func (r *Registry) Lock()   { r.mu.Lock() }
func (r *Registry) Unlock() { r.mu.Unlock() }

// Len returns the current package count.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.packages)
}

// indexLocked returns the slice index of name, or -1. Caller must hold the lock.
func (r *Registry) indexLocked(name string) int {
	for i, p := range r.packages {
		if p.Name == name {
			return i
		}
	}
	return -1
}

// Add inserts a new package record. Returns ErrDuplicateName if name is
// already present.
func (r *Registry) Add(p *Package) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexLocked(p.Name) >= 0 {
		return errors.Wrapf(ErrDuplicateName, "name %q", p.Name)
	}
	r.packages = append(r.packages, p)
	return nil
}

// Has reports whether name is present, without copying the record out.
func (r *Registry) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.indexLocked(name) >= 0
}

// Get returns a value copy of the named package.
func (r *Registry) Get(name string) (Package, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(name)
	if i < 0 {
		return Package{}, errors.Wrapf(ErrNotFound, "name %q", name)
	}
	return r.packages[i].Clone(), nil
}

// Mutate runs fn against the live record named name while holding the lock,
// letting a caller make a coordinated multi-field update (e.g. set three
// version fields in one critical section) without a read-modify-write race.
func (r *Registry) Mutate(name string, fn func(p *Package)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(name)
	if i < 0 {
		return errors.Wrapf(ErrNotFound, "name %q", name)
	}
	fn(r.packages[i])
	return nil
}

// Remove deletes the named package by compaction: shift subsequent records
// down one slot, blank the vacated tail slot, and shrink the slice (spec
// §4.3 "Removal is a compaction"). Returns ErrNotFound if absent.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(name)
	if i < 0 {
		return errors.Wrapf(ErrNotFound, "name %q", name)
	}
	last := len(r.packages) - 1
	removed := r.packages[i]
	copy(r.packages[i:last], r.packages[i+1:])
	removed.reset()
	r.packages[last] = nil
	r.packages = r.packages[:last]
	return nil
}

// Snapshot returns value copies of every package, in order, under one lock
// acquisition. Used by the main loop and by scans that need a consistent
// view without holding the lock across I/O.
func (r *Registry) Snapshot() []Package {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Package, len(r.packages))
	for i, p := range r.packages {
		out[i] = p.Clone()
	}
	return out
}

// Names returns the set of current package names (an unordered map), under
// one lock acquisition.
func (r *Registry) Names() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool, len(r.packages))
	for _, p := range r.packages {
		out[p.Name] = true
	}
	return out
}

// IndexAndGet returns the current index and a value copy of the named
// package, or (0, Package{}, false) if absent. Used by the bus façade to
// republish a single record after a by-name mutation without the caller
// needing to track position itself.
func (r *Registry) IndexAndGet(name string) (int, Package, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(name)
	if i < 0 {
		return 0, Package{}, false
	}
	return i, r.packages[i].Clone(), true
}

// At returns a value copy of the package at position i and true, or a zero
// value and false if i is out of range. Used by the download worker's
// cursor walk (spec §4.6).
func (r *Registry) At(i int) (Package, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < 0 || i >= len(r.packages) {
		return Package{}, false
	}
	return r.packages[i].Clone(), true
}

// NameAt returns the name of the package at position i, or "" if out of
// range. Cheap helper for loops that only need the key to re-enter via
// Mutate/Get.
func (r *Registry) NameAt(i int) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < 0 || i >= len(r.packages) {
		return "", false
	}
	return r.packages[i].Name, true
}

// FirstDownloadEligible scans from the start of the registry for the first
// package eligible for an automatic download (spec §4.6 step 7). The scan
// aborts (returns "", false) the instant it finds any earlier package with
// DownloadPending set, since §4.6 requires every prior package to have
// cleared its pending flag first.
func (r *Registry) FirstDownloadEligible() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.packages {
		if p.DownloadPending {
			return "", false
		}
		if downloadEligibleLocked(p) {
			return p.Name, true
		}
	}
	return "", false
}

// downloadEligibleLocked implements spec §4.6 step 7's eligibility rule.
// Caller must hold the registry lock (or otherwise own an unshared copy).
func downloadEligibleLocked(p *Package) bool {
	if p.UpstreamVersion == "" || p.UpstreamVersion[0] != 'v' {
		return false
	}
	if p.StoredVersion == NoStoredVersion {
		return false
	}
	if len(p.UpstreamBranch) > 0 && p.UpstreamBranch[0] == 'v' {
		return p.UpstreamVersion != p.StoredVersion
	}
	return versionStringGreater(p.UpstreamVersion, p.StoredVersion)
}

// versionStringGreater reports whether a's encoded Number strictly exceeds
// b's, per spec §4.1's codec.
func versionStringGreater(a, b string) bool {
	return version.Parse(a) > version.Parse(b)
}

// DownloadEligible exports the eligibility predicate for direct testing
// (testable property 6) without needing a populated registry.
func DownloadEligible(p Package) bool {
	return downloadEligibleLocked(&p)
}

// FirstAutoInstallEligible scans for the first package eligible for an
// automatic install (spec §4.7 step 2): compatible, StoredVersion !=
// InstalledVersion, InstallState == Ok, and no DO_NOT_AUTO_INSTALL marker.
// hasDoNotAutoInstall is injected so callers can consult the probe layer
// without this package depending on it.
func (r *Registry) FirstAutoInstallEligible(hasDoNotAutoInstall func(name string) bool) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.packages {
		if p.Incompatibility != IncompatibilityNone {
			continue
		}
		if p.StoredVersion == p.InstalledVersion {
			continue
		}
		if p.InstallState != InstallOk {
			continue
		}
		if hasDoNotAutoInstall(p.Name) {
			continue
		}
		return p.Name, true
	}
	return "", false
}
