package engine

import "sort"

// ScopeKind tags the variant held by a Scope.
type ScopeKind int

const (
	ScopeAllBranches ScopeKind = iota
	ScopeSingleBranch
	ScopeBranchSet
)

// Scope is the set of branches a caller may see. The zero value covers
// all branches.
type Scope struct {
	kind     ScopeKind
	branches []BranchID
}

func AllBranches() Scope { return Scope{kind: ScopeAllBranches} }

func SingleBranch(id BranchID) Scope {
	return Scope{kind: ScopeSingleBranch, branches: []BranchID{id}}
}

// BranchSet returns a scope over the given branches, deduplicated and
// sorted. One id collapses to SingleBranch. An empty set matches nothing.
func BranchSet(ids ...BranchID) Scope {
	seen := make(map[BranchID]bool, len(ids))
	var unique []BranchID
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		unique = append(unique, id)
	}
	if len(unique) == 1 {
		return SingleBranch(unique[0])
	}
	sort.Slice(unique, func(i, j int) bool { return unique[i] < unique[j] })
	return Scope{kind: ScopeBranchSet, branches: unique}
}

func (s Scope) Kind() ScopeKind { return s.kind }

// Branches returns the branch ids of a restricted scope, nil for AllBranches.
func (s Scope) Branches() []BranchID {
	if s.kind == ScopeAllBranches {
		return nil
	}
	out := make([]BranchID, len(s.branches))
	copy(out, s.branches)
	return out
}

// Contains reports whether the branch is visible in the scope.
func (s Scope) Contains(id BranchID) bool {
	if s.kind == ScopeAllBranches {
		return true
	}
	for _, b := range s.branches {
		if b == id {
			return true
		}
	}
	return false
}
