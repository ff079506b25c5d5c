// Package buildhash collects the per-package hash triple of one build from
// its remote hash logs and caches the result on local disk.
package buildhash

import (
	"fmt"
	"path"
	"sort"

	"github.com/open-edge-platform/bhyze/internal/abuild"
)

// Token is a hash value as printed in a hash log.
type Token string

// NotAvailable fills the Deps slot when a package's log has no dependency
// signature event. It compares equal to itself.
const NotAvailable Token = "NA"

// Record is the hash triple of one package. An empty field means the slot was
// never filled; a package that never reached hashing has no Record at all.
type Record struct {
	Content Token `json:"content,omitempty"`
	Deps    Token `json:"deps,omitempty"`
	Final   Token `json:"final,omitempty"`
}

// Snapshot is everything collected for one build.
type Snapshot struct {
	Descriptor abuild.Descriptor `json:"descriptor"`
	// HashLogs is the sorted set of packages with a hash log.
	HashLogs []string `json:"hashLogs"`
	// DepOrder is the package build order recorded in Abuild.log.
	DepOrder  []string          `json:"depOrder"`
	Hashes    map[string]Record `json:"hashes"`
	Populated bool              `json:"populated"`
}

// NewSnapshot returns an empty, unpopulated snapshot for d.
func NewSnapshot(d abuild.Descriptor) *Snapshot {
	return &Snapshot{
		Descriptor: d,
		Hashes:     map[string]Record{},
	}
}

// HasHashLog reports whether pkg has a hash log in this build.
func (s *Snapshot) HasHashLog(pkg string) bool {
	i := sort.SearchStrings(s.HashLogs, pkg)
	return i < len(s.HashLogs) && s.HashLogs[i] == pkg
}

// Record returns the hash triple of pkg, if one was collected.
func (s *Snapshot) Record(pkg string) (Record, bool) {
	r, ok := s.Hashes[pkg]
	return r, ok
}

// Validate checks that every hashed package is part of the dependency order.
func (s *Snapshot) Validate() error {
	inOrder := make(map[string]struct{}, len(s.DepOrder))
	for _, p := range s.DepOrder {
		inOrder[p] = struct{}{}
	}
	for pkg := range s.Hashes {
		if _, ok := inOrder[pkg]; !ok {
			return fmt.Errorf("snapshot for build %d: package %s has hashes but is not in the dependency order",
				s.Descriptor.BuildID, pkg)
		}
	}
	return nil
}

// EffectiveLimit resolves a package limit against the dependency order:
// zero, negative or oversized limits cover the whole order.
func EffectiveLimit(limit, n int) int {
	if limit <= 0 || limit > n {
		return n
	}
	return limit
}

// Layout locates build artifacts on a build server.
type Layout struct {
	WorkspaceRoot string
}

// HashLogDir is the directory with one hash log per package.
func (l Layout) HashLogDir(d *abuild.Descriptor) string {
	return path.Join(d.Workspace(l.WorkspaceRoot), "tmp", "buildhash")
}

// AbuildLog is the build's top-level log.
func (l Layout) AbuildLog(d *abuild.Descriptor) string {
	return path.Join(d.Workspace(l.WorkspaceRoot), "Abuild.log")
}

// PackageHashLog is the hash log of pkg.
func (l Layout) PackageHashLog(d *abuild.Descriptor, pkg string) string {
	return path.Join(l.HashLogDir(d), pkg+".log")
}

// PackageDepsLog is the dependency-signature log of pkg.
func (l Layout) PackageDepsLog(d *abuild.Descriptor, pkg string) string {
	return path.Join(l.HashLogDir(d), pkg+".depsContentSig.log")
}
