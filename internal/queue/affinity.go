package queue

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
)

// ChangeAffinity adds and removes preferred affinities incrementally.
// Unknown or already-absent tokens produce warnings, not errors; only a
// capacity overrun is fatal.
func (q *Queue) ChangeAffinity(client ClientID, group CommandGroup, add, remove []string, now PreciseTime) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handleTouch(client, q.clients.Touch(client, now), now)
	q.clients.MarkRole(client, roleFor(group))

	var warnings []string
	if q.clients.ConsumeGarbageCollected(client.Node) {
		warnings = append(warnings,
			fmt.Sprintf("eClientGarbageCollected: client %s was garbage collected, preferred affinities were lost", client.Node))
	}

	current := q.clients.PreferredAffinities(client.Node, group)
	newCount := 0
	for _, tok := range add {
		if id, ok := q.affinities.TokenID(tok); !ok || !current.Contains(id) {
			newCount++
		}
	}
	if q.clients.PreferredCount(client.Node, group)+newCount > q.params.AffinityLimits.MaxRecords {
		return warnings, ErrTooManyPreferredAffinities
	}

	for _, tok := range remove {
		id, ok := q.affinities.TokenID(tok)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("eAffinityNotFound: affinity %s is not found", tok))
			continue
		}
		if !current.Contains(id) {
			warnings = append(warnings, fmt.Sprintf("eAffinityNotPreferred: affinity %s is not in the preferred list", tok))
			continue
		}
		q.clients.RemovePreferredAffinity(client, group, id)
	}
	for _, tok := range add {
		if tok == "" {
			continue
		}
		id := q.affinities.ResolveToken(tok, 0)
		if current.Contains(id) {
			warnings = append(warnings, fmt.Sprintf("eAffinityAlreadyPreferred: affinity %s is already in the preferred list", tok))
			continue
		}
		q.clients.AddPreferredAffinity(client, group, id)
	}
	return warnings, nil
}

// SetAffinity replaces the whole preferred set in one shot.
func (q *Queue) SetAffinity(client ClientID, group CommandGroup, affinities []string, now PreciseTime) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handleTouch(client, q.clients.Touch(client, now), now)
	q.clients.MarkRole(client, roleFor(group))
	q.clients.ConsumeGarbageCollected(client.Node)

	if len(affinities) > q.params.AffinityLimits.MaxRecords {
		return ErrTooManyPreferredAffinities
	}

	ids := roaring.New()
	for _, tok := range affinities {
		if tok == "" {
			continue
		}
		ids.Add(q.affinities.ResolveToken(tok, 0))
	}
	q.clients.SetPreferredAffinities(client, group, ids)
	return nil
}

func roleFor(group CommandGroup) ClientRole {
	if group == GroupRead {
		return RoleReader
	}
	return RoleWorkerNode
}
