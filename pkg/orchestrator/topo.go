package orchestrator

import (
	"sort"

	"github.com/incus-tools/converge/pkg/types"
)

// validate checks descriptor set integrity before any API call: unique
// identities per kind, no dangling dependsOn references, no cycles.
// Dangling references fail only the referencing descriptor (and later its
// dependents); duplicates and cycles are fatal for the whole pass.
func validate(descs []*types.ResourceDescriptor) (map[string]*types.ResourceDescriptor, error) {
	byID := make(map[string]*types.ResourceDescriptor, len(descs))
	for _, d := range descs {
		id := d.ID()
		if _, dup := byID[id]; dup {
			return nil, &types.ValidationError{ID: id, Reason: "duplicate identity in descriptor set"}
		}
		byID[id] = d
	}

	if cycle := findCycle(byID); cycle != "" {
		return nil, &types.ValidationError{ID: cycle, Reason: "dependency cycle"}
	}

	return byID, nil
}

// findCycle runs a coloring DFS over dependsOn edges and returns the ID of
// a descriptor on a cycle, or "". Dangling edges are ignored here; they are
// reported per-descriptor during execution.
func findCycle(byID map[string]*types.ResourceDescriptor) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(byID))

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, dep := range byID[id].DependsOn {
			next, ok := byID[dep]
			if !ok {
				continue
			}
			switch color[next.ID()] {
			case gray:
				return next.ID()
			case white:
				if c := visit(next.ID()); c != "" {
					return c
				}
			}
		}
		color[id] = black
		return ""
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if color[id] == white {
			if c := visit(id); c != "" {
				return c
			}
		}
	}
	return ""
}

// order sorts descriptors for execution: ascending static kind tier, then
// topologically by dependsOn within a tier, then by ID for determinism.
func order(descs []*types.ResourceDescriptor) []*types.ResourceDescriptor {
	sorted := append([]*types.ResourceDescriptor(nil), descs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ti, tj := sorted[i].Kind.Tier(), sorted[j].Kind.Tier()
		if ti != tj {
			return ti < tj
		}
		return sorted[i].ID() < sorted[j].ID()
	})

	// Kahn's pass within the tier-sorted slice so same-tier dependsOn
	// edges still execute dependency-first.
	byID := make(map[string]*types.ResourceDescriptor, len(sorted))
	for _, d := range sorted {
		byID[d.ID()] = d
	}

	done := make(map[string]bool, len(sorted))
	var out []*types.ResourceDescriptor
	for len(out) < len(sorted) {
		progressed := false
		for _, d := range sorted {
			id := d.ID()
			if done[id] {
				continue
			}
			ready := true
			for _, dep := range d.DependsOn {
				if _, exists := byID[dep]; exists && !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				done[id] = true
				out = append(out, d)
				progressed = true
			}
		}
		if !progressed {
			// Cycles are rejected by validate before ordering; this
			// guards against misuse.
			for _, d := range sorted {
				if !done[d.ID()] {
					done[d.ID()] = true
					out = append(out, d)
				}
			}
		}
	}
	return out
}

// tiers groups an ordered descriptor slice into consecutive same-tier
// batches, preserving order within each batch.
func tiers(ordered []*types.ResourceDescriptor) [][]*types.ResourceDescriptor {
	var out [][]*types.ResourceDescriptor
	for _, d := range ordered {
		n := len(out)
		if n == 0 || out[n-1][0].Kind.Tier() != d.Kind.Tier() {
			out = append(out, []*types.ResourceDescriptor{d})
		} else {
			out[n-1] = append(out[n-1], d)
		}
	}
	return out
}
