package scan

import "github.com/beakfs/beak/internal/patharena"

// linkKey identifies the inode an Entry's content lives on. Two entries
// sharing a linkKey are the same on-disk file reached through different
// names (spec.md §4.4, C4).
type linkKey struct {
	dev uint64
	ino uint64
}

// linkCanonical resolves hard-link groups: for every set of entries sharing
// a device/inode pair with Nlink > 1, one entry is chosen canonical and
// stored in full; the rest become LinkHard records pointing at it.
//
// Canonical selection is depth-first: the deepest path wins, ties broken by
// earliest scan order (spec.md open question, resolved in SPEC_FULL.md §6).
// This matches directories being bottom-up significant elsewhere in the
// pipeline and gives a stable, content-independent choice.
func linkCanonical(res *Result) {
	groups := make(map[linkKey][]patharena.PathID)
	order := make(map[patharena.PathID]int, len(res.ScanOrder))
	for i, id := range res.ScanOrder {
		order[id] = i
	}

	for _, id := range res.ScanOrder {
		e := res.Files[id]
		if e == nil || e.IsDir || e.LinkKind == LinkSymbolic {
			continue
		}
		if e.Nlink <= 1 {
			continue
		}
		k := linkKey{dev: e.Dev, ino: e.Ino}
		groups[k] = append(groups[k], id)
	}

	for _, ids := range groups {
		if len(ids) < 2 {
			continue
		}

		canonicalID := ids[0]
		canonicalPath := res.Arena.PathFromID(canonicalID)
		for _, id := range ids[1:] {
			p := res.Arena.PathFromID(id)
			switch {
			case p.Depth() > canonicalPath.Depth():
				canonicalID, canonicalPath = id, p
			case p.Depth() == canonicalPath.Depth() && order[id] < order[canonicalID]:
				canonicalID, canonicalPath = id, p
			}
		}

		for _, id := range ids {
			if id == canonicalID {
				continue
			}
			e := res.Files[id]
			e.LinkKind = LinkHard
			e.LinkCanonicalID = canonicalID
		}
	}
}
