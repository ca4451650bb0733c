package queue

import (
	"github.com/RoaringBitmap/roaring/v2"
)

// NoScopeOnly is the pseudo scope a client may declare to restrict its view
// to jobs that belong to no scope at all.
const NoScopeOnly = "no-scope-only"

// ScopeRegistry tracks client scopes and which jobs belong to each. A job
// belongs to at most one scope; scopeless jobs are visible to everyone.
type ScopeRegistry struct {
	tokenRegistry

	// allScoped is the union of every scope's job set, kept incrementally
	// so scope filtering on the dispatch path is one subtraction.
	allScoped *roaring.Bitmap
}

func NewScopeRegistry(limits RegistryLimits) *ScopeRegistry {
	return &ScopeRegistry{
		tokenRegistry: newTokenRegistry("scope", limits),
		allScoped:     roaring.New(),
	}
}

// AddJob places a job into a scope. Pseudo scopes are never materialized.
func (r *ScopeRegistry) AddJob(scope string, jobID uint32) uint32 {
	if scope == "" || scope == NoScopeOnly {
		return 0
	}
	id := r.ResolveToken(scope, jobID)
	r.allScoped.Add(jobID)
	return id
}

// AddJobByID attaches a job to an already-resolved scope id, used on load.
func (r *ScopeRegistry) AddJobByID(id, jobID uint32) {
	r.tokenRegistry.AddJob(id, jobID)
	r.allScoped.Add(jobID)
}

func (r *ScopeRegistry) RemoveJob(jobID, id uint32) {
	if id == 0 {
		return
	}
	r.tokenRegistry.RemoveJob(jobID, id)
	r.allScoped.Remove(jobID)
}

// JobsInScope returns the job set for a scope token, empty when unknown.
// Read-only for callers.
func (r *ScopeRegistry) JobsInScope(scope string) *roaring.Bitmap {
	id, ok := r.TokenID(scope)
	if !ok {
		return emptyBitmap
	}
	return r.JobsWith(id)
}

// AllScopedJobs is the union of every scope's members. Read-only.
func (r *ScopeRegistry) AllScopedJobs() *roaring.Bitmap {
	return r.allScoped
}

// RestrictByScope narrows a candidate set in place for a client scope:
// empty scope or NoScopeOnly removes every scoped job, a real scope keeps
// the intersection with that scope's members.
func (r *ScopeRegistry) RestrictByScope(candidates *roaring.Bitmap, scope string) {
	if scope == "" || scope == NoScopeOnly {
		candidates.AndNot(r.allScoped)
		return
	}
	candidates.And(r.JobsInScope(scope))
}

func (r *ScopeRegistry) Clear() {
	r.tokenRegistry.Clear()
	r.allScoped.Clear()
}
