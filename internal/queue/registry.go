package queue

import (
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
)

// RegistryLimits bounds one token registry and tunes its garbage
// collection. Percentages apply to MaxRecords.
type RegistryLimits struct {
	MaxRecords         int
	LowMarkPercentage  int
	HighMarkPercentage int
	DirtPercentage     int
	LowRemoval         int
	HighRemoval        int
}

func DefaultRegistryLimits() RegistryLimits {
	return RegistryLimits{
		MaxRecords:         10000,
		LowMarkPercentage:  50,
		HighMarkPercentage: 90,
		DirtPercentage:     20,
		LowRemoval:         100,
		HighRemoval:        1000,
	}
}

// TokenEntry is a snapshot row for administrative listings and dumps.
type TokenEntry struct {
	ID       uint32
	Token    string
	JobCount uint64
}

// tokenRegistry maps string tokens to integer ids and keeps the reverse
// index id -> set of referencing job ids. Ids are never reused while the
// registry lives; entries whose reference set drains become garbage
// collection candidates.
type tokenRegistry struct {
	kind   string
	limits RegistryLimits

	byToken map[string]uint32
	tokens  map[uint32]string
	jobs    map[uint32]*roaring.Bitmap

	nextID uint32

	// candidates holds ids whose job set is currently empty.
	candidates *roaring.Bitmap
}

func newTokenRegistry(kind string, limits RegistryLimits) tokenRegistry {
	return tokenRegistry{
		kind:       kind,
		limits:     limits,
		byToken:    map[string]uint32{},
		tokens:     map[uint32]string{},
		jobs:       map[uint32]*roaring.Bitmap{},
		nextID:     1,
		candidates: roaring.New(),
	}
}

func (r *tokenRegistry) SetLimits(limits RegistryLimits) { r.limits = limits }

// CanAccept reports whether resolving the token would fit the capacity.
// Existing tokens are always accepted.
func (r *tokenRegistry) CanAccept(token string) bool {
	if token == "" {
		return true
	}
	if _, ok := r.byToken[token]; ok {
		return true
	}
	return len(r.byToken) < r.limits.MaxRecords
}

// ResolveToken returns the token's id, creating the entry on first use, and
// registers jobID as a reference. jobID 0 resolves without referencing.
func (r *tokenRegistry) ResolveToken(token string, jobID uint32) uint32 {
	if token == "" {
		return 0
	}
	id, ok := r.byToken[token]
	if !ok {
		id = r.nextID
		r.nextID++
		r.byToken[token] = id
		r.tokens[id] = token
		r.jobs[id] = roaring.New()
		r.candidates.Add(id)
	}
	if jobID != 0 {
		r.jobs[id].Add(jobID)
		r.candidates.Remove(id)
	}
	return id
}

func (r *tokenRegistry) TokenID(token string) (uint32, bool) {
	id, ok := r.byToken[token]
	return id, ok
}

func (r *tokenRegistry) Token(id uint32) string {
	return r.tokens[id]
}

func (r *tokenRegistry) Size() int { return len(r.byToken) }

// AddJob registers one more job referencing an existing id.
func (r *tokenRegistry) AddJob(id, jobID uint32) {
	set, ok := r.jobs[id]
	if !ok {
		return
	}
	set.Add(jobID)
	r.candidates.Remove(id)
}

// RemoveJob drops a job reference; a drained entry becomes a GC candidate.
func (r *tokenRegistry) RemoveJob(jobID, id uint32) {
	set, ok := r.jobs[id]
	if !ok {
		return
	}
	set.Remove(jobID)
	if set.IsEmpty() {
		r.candidates.Add(id)
	}
}

// JobsWith returns the reference set for an id. The returned bitset is the
// registry's own; callers must treat it as read-only and clone to mutate.
func (r *tokenRegistry) JobsWith(id uint32) *roaring.Bitmap {
	if set, ok := r.jobs[id]; ok {
		return set
	}
	return emptyBitmap
}

// CheckRemoveCandidates counts entries with zero references.
func (r *tokenRegistry) CheckRemoveCandidates() int {
	return int(r.candidates.GetCardinality())
}

// GarbageLimit applies the water-mark policy: no collection below the low
// mark; between the marks only when the share of drained entries crosses
// the dirt percentage, and then in small batches; past the high mark in
// large batches unconditionally.
func (r *tokenRegistry) GarbageLimit() int {
	size := len(r.byToken)
	if size*100 < r.limits.LowMarkPercentage*r.limits.MaxRecords {
		return 0
	}
	limit := r.limits.HighRemoval
	if size*100 < r.limits.HighMarkPercentage*r.limits.MaxRecords {
		if r.CheckRemoveCandidates()*100 < size*r.limits.DirtPercentage {
			return 0
		}
		limit = r.limits.LowRemoval
	}
	return limit
}

// CollectGarbage removes up to limit drained entries and returns how many
// went away. Ids are retired, never reused.
func (r *tokenRegistry) CollectGarbage(limit int) int {
	if limit <= 0 || r.candidates.IsEmpty() {
		return 0
	}
	removed := 0
	it := r.candidates.Iterator()
	victims := make([]uint32, 0, limit)
	for it.HasNext() && removed < limit {
		id := it.Next()
		victims = append(victims, id)
		removed++
	}
	for _, id := range victims {
		token := r.tokens[id]
		delete(r.byToken, token)
		delete(r.tokens, id)
		delete(r.jobs, id)
		r.candidates.Remove(id)
	}
	return removed
}

// Entries snapshots the registry sorted by token, for listings and dumps.
func (r *tokenRegistry) Entries() []TokenEntry {
	out := make([]TokenEntry, 0, len(r.byToken))
	for token, id := range r.byToken {
		out = append(out, TokenEntry{ID: id, Token: token, JobCount: r.jobs[id].GetCardinality()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

// LoadEntry rebuilds one entry from a dump. FinalizeLoad must follow.
func (r *tokenRegistry) LoadEntry(id uint32, token string) {
	r.byToken[token] = id
	r.tokens[id] = token
	r.jobs[id] = roaring.New()
	r.candidates.Add(id)
}

// FinalizeLoad restores the next-id counter after all entries are loaded.
func (r *tokenRegistry) FinalizeLoad() {
	var maxID uint32
	for id := range r.tokens {
		if id > maxID {
			maxID = id
		}
	}
	if maxID >= r.nextID {
		r.nextID = maxID + 1
	}
}

func (r *tokenRegistry) Clear() {
	r.byToken = map[string]uint32{}
	r.tokens = map[uint32]string{}
	r.jobs = map[uint32]*roaring.Bitmap{}
	r.candidates = roaring.New()
	r.nextID = 1
}

// emptyBitmap is the shared read-only "no jobs" answer.
var emptyBitmap = roaring.New()

// AffinityRegistry maps affinity tags to ids and referencing jobs.
type AffinityRegistry struct {
	tokenRegistry
}

func NewAffinityRegistry(limits RegistryLimits) *AffinityRegistry {
	return &AffinityRegistry{tokenRegistry: newTokenRegistry("affinity", limits)}
}

// GroupRegistry maps group names to ids and member jobs.
type GroupRegistry struct {
	tokenRegistry
}

func NewGroupRegistry(limits RegistryLimits) *GroupRegistry {
	return &GroupRegistry{tokenRegistry: newTokenRegistry("group", limits)}
}

// ResolveTokens resolves a list of tokens without creating job references,
// reporting the tokens that do not exist.
func resolveTokens(r *tokenRegistry, tokens []string) (ids *roaring.Bitmap, missing []string) {
	ids = roaring.New()
	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		if id, ok := r.TokenID(tok); ok {
			ids.Add(id)
		} else {
			missing = append(missing, tok)
		}
	}
	return ids, missing
}
