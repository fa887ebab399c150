package dispatch

import (
	"sort"

	"github.com/modelgate-io/modelgate/internal/registry"
)

// SelectAgent picks the agent that should serve a request for the given
// internal model from a registry snapshot.
//
// Candidates are agents with the model installed, ordered by:
//
//  1. fewest pending requests — spreads load, minimizes tail latency;
//  2. model already loaded — avoids a load (and its eviction cost) when
//     equally loaded agents are available;
//  3. lexicographic agent id — makes the choice reproducible.
//
// Returns ErrNoAvailableAgents when no candidate remains.
func SelectAgent(snapshot []registry.Snapshot, model string) (registry.Snapshot, error) {
	candidates := make([]registry.Snapshot, 0, len(snapshot))
	for _, a := range snapshot {
		if _, ok := a.Installed[model]; ok {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return registry.Snapshot{}, ErrNoAvailableAgents
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Pending != b.Pending {
			return a.Pending < b.Pending
		}
		ar, br := loadRank(a, model), loadRank(b, model)
		if ar != br {
			return ar < br
		}
		return a.ID < b.ID
	})
	return candidates[0], nil
}

func loadRank(a registry.Snapshot, model string) int {
	if _, ok := a.Loaded[model]; ok {
		return 0
	}
	return 1
}
