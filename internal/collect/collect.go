// Package collect implements the collection-dir selector (spec.md §4.5,
// component C5): the two-pass, bottom-up algorithm that decides which
// directories root their own set of archives, and attaches every other
// entry to the nearest such ancestor.
package collect

import (
	"fmt"
	"hash/fnv"
	"path"
	"sort"
	"strings"

	"github.com/beakfs/beak/internal/patharena"
	"github.com/beakfs/beak/internal/scan"
	"github.com/beakfs/beak/internal/tario"
)

// DefaultForcedDepth makes every top-level subdirectory of the source root
// its own collection dir (spec.md §4.5(b)).
const DefaultForcedDepth = 2

// DefaultTargetArchiveSize is the default target archive size S (spec.md
// §4.6), 10 MiB.
const DefaultTargetArchiveSize = 10 << 20

// Options configures collection-dir selection.
type Options struct {
	// ForcedDepth makes any directory at this depth (root has depth 1) a
	// collection dir regardless of size. Zero selects DefaultForcedDepth.
	ForcedDepth int
	// TriggerGlobs force a directory whose tar-relative path matches one
	// of these globs to become a collection dir.
	TriggerGlobs []string
	// TargetArchiveSize is S; used only to derive the default TriggerSize.
	TargetArchiveSize int64
	// TriggerSize is the children_size threshold above which a directory
	// becomes a collection dir. Zero selects 2 * TargetArchiveSize.
	TriggerSize int64
}

func (o *Options) setDefaults() {
	if o.ForcedDepth == 0 {
		o.ForcedDepth = DefaultForcedDepth
	}
	if o.TargetArchiveSize == 0 {
		o.TargetArchiveSize = DefaultTargetArchiveSize
	}
	if o.TriggerSize == 0 {
		o.TriggerSize = 2 * o.TargetArchiveSize
	}
}

// DirInfo decorates a scanned directory entry with the outcome of
// collection-dir selection.
type DirInfo struct {
	Entry        *scan.Entry
	IsCollection bool
	// Entries lists every descendant (file or non-collection directory)
	// that is logically embedded in this collection dir's archives,
	// sorted by source path string, followed by any hard-link members
	// promoted here from another collection dir (promoteCrossDirHardLinks).
	// Populated only when IsCollection is true.
	Entries []patharena.PathID
}

// Result is the pruned, tar-path-annotated view of a scan.Result.
type Result struct {
	Scan *scan.Result
	// Dirs retains only collection dirs and the ancestors needed to list
	// them (spec.md §4.5); every other directory has been folded into its
	// nearest collection-dir ancestor.
	Dirs map[patharena.PathID]*DirInfo
}

// ErrCaseCollision is returned when two retained directories differ only by
// case, which would be ambiguous on case-insensitive restore targets.
type ErrCaseCollision struct {
	A, B string
}

func (e *ErrCaseCollision) Error() string {
	return fmt.Sprintf("case-insensitive path collision between %q and %q", e.A, e.B)
}

// Collect runs the two-pass selector over a completed scan and assigns
// TarPath/TarpathHash to every entry.
func Collect(sr *scan.Result, opts Options) (*Result, error) {
	opts.setDefaults()

	computeBlockedSizes(sr)

	childrenOf := buildChildrenIndex(sr)

	// Pass 1: accumulate blocked_size bottom-up into children_size. Deepest
	// directories first so a parent's contribution already reflects every
	// descendant by the time it is visited.
	for _, id := range sr.DepthFirstDirs {
		dir := sr.Directories[id]
		var sum int64
		for _, childID := range childrenOf[id] {
			child := sr.Files[childID]
			if child.IsDir {
				sum += child.BlockedSize + child.ChildrenSize
			} else {
				sum += child.BlockedSize
			}
		}
		dir.ChildrenSize = sum
	}

	// Pass 2: mark collection dirs and subtract their children_size from
	// every ancestor, deepest-first so an ancestor's own evaluation sees
	// its descendants' subtractions already applied.
	isCollection := make(map[patharena.PathID]bool, len(sr.Directories))
	isCollection[sr.Root.ID()] = true

	for _, id := range sr.DepthFirstDirs {
		dir := sr.Directories[id]
		p := sr.Arena.PathFromID(id)

		marked := isCollection[id]
		if !marked {
			switch {
			case p.Depth() == opts.ForcedDepth:
				marked = true
			case matchesAnyTrigger(opts.TriggerGlobs, p.String()):
				marked = true
			case dir.ChildrenSize > opts.TriggerSize:
				marked = true
			}
		}
		if !marked {
			continue
		}
		isCollection[id] = true
		subtractFromAncestors(sr, id, dir.ChildrenSize)
	}

	result := &Result{Scan: sr, Dirs: make(map[patharena.PathID]*DirInfo)}
	for id, dir := range sr.Directories {
		if isCollection[id] || isAncestorOfCollection(sr, id, isCollection) {
			result.Dirs[id] = &DirInfo{Entry: dir, IsCollection: isCollection[id]}
		}
	}

	if err := detectCaseCollisions(sr, result.Dirs); err != nil {
		return nil, err
	}

	owners := attachEntries(sr, result)
	promoteCrossDirHardLinks(sr, result, owners)
	assignTarPaths(sr, result)
	resolveHardLinkTargets(sr)

	return result, nil
}

func computeBlockedSizes(sr *scan.Result) {
	for _, e := range sr.Files {
		linkTarget := ""
		isHardLink := e.LinkKind == scan.LinkHard
		if e.LinkKind == scan.LinkSymbolic {
			linkTarget = e.LinkTarget
		}
		// Tar paths aren't assigned until assignTarPaths runs; this first
		// pass uses the source path length as a placeholder so Pass 1's
		// size accumulation has something to work with. assignTarPaths
		// recomputes both fields once the real tar path (always shorter
		// than or equal to the source path) is known. Neither pass counts a
		// long-link record for a hard link, whose target is only resolved
		// after both have run.
		e.HeaderSize = tario.CalculateHeaderSize(e.SourcePath.String(), linkTarget, isHardLink, tario.StyleFull)
		if e.IsDir || e.LinkKind != scan.LinkNone {
			e.BlockedSize = e.HeaderSize
		} else {
			e.BlockedSize = e.HeaderSize + roundUp512(e.Size)
		}
	}
}

func roundUp512(n int64) int64 {
	if n <= 0 {
		return 0
	}
	return (n + 511) &^ 511
}

func buildChildrenIndex(sr *scan.Result) map[patharena.PathID][]patharena.PathID {
	idx := make(map[patharena.PathID][]patharena.PathID)
	for id, e := range sr.Files {
		if id == sr.Root.ID() {
			continue
		}
		parentID := e.SourcePath.Parent().ID()
		idx[parentID] = append(idx[parentID], id)
	}
	for parentID, kids := range idx {
		sort.Slice(kids, func(i, j int) bool {
			return sr.Arena.PathFromID(kids[i]).String() < sr.Arena.PathFromID(kids[j]).String()
		})
		idx[parentID] = kids
	}
	return idx
}

func matchesAnyTrigger(globs []string, p string) bool {
	for _, g := range globs {
		if pathMatch(g, p) {
			return true
		}
	}
	return false
}

// pathMatch is deliberately minimal: trigger globs are evaluated against
// full collection-dir paths, not source-relative match paths, so they don't
// need the scan package's directory-trailing-slash convention.
func pathMatch(pattern, p string) bool {
	if strings.Contains(pattern, "**") {
		parts := strings.SplitN(pattern, "**", 2)
		return strings.HasPrefix(p, parts[0]) && strings.HasSuffix(p, parts[1])
	}
	ok, err := path.Match(pattern, p)
	return err == nil && ok
}

func subtractFromAncestors(sr *scan.Result, id patharena.PathID, amount int64) {
	p := sr.Arena.PathFromID(id)
	for p.Depth() > 1 {
		p = p.Parent()
		if ancestor, ok := sr.Directories[p.ID()]; ok {
			ancestor.ChildrenSize -= amount
		}
	}
}

func isAncestorOfCollection(sr *scan.Result, id patharena.PathID, isCollection map[patharena.PathID]bool) bool {
	for cid := range isCollection {
		if !isCollection[cid] {
			continue
		}
		p := sr.Arena.PathFromID(cid)
		for p.Depth() > 1 {
			p = p.Parent()
			if p.ID() == id {
				return true
			}
		}
	}
	return false
}

func detectCaseCollisions(sr *scan.Result, dirs map[patharena.PathID]*DirInfo) error {
	seen := make(map[string]string, len(dirs))
	ids := make([]patharena.PathID, 0, len(dirs))
	for id := range dirs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return sr.Arena.PathFromID(ids[i]).String() < sr.Arena.PathFromID(ids[j]).String()
	})
	for _, id := range ids {
		p := sr.Arena.PathFromID(id).String()
		key := strings.ToLower(p)
		if existing, ok := seen[key]; ok && existing != p {
			return &ErrCaseCollision{A: existing, B: p}
		}
		seen[key] = p
	}
	return nil
}

// attachEntries assigns every non-collection entry to its nearest
// collection-dir ancestor and returns that assignment, keyed by entry ID, so
// later passes (promoteCrossDirHardLinks) can look up and revise ownership
// without recomputing it.
func attachEntries(sr *scan.Result, result *Result) map[patharena.PathID]patharena.PathID {
	ids := make([]patharena.PathID, 0, len(sr.Files))
	for id := range sr.Files {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return sr.Arena.PathFromID(ids[i]).String() < sr.Arena.PathFromID(ids[j]).String()
	})

	owners := make(map[patharena.PathID]patharena.PathID, len(ids))
	for _, id := range ids {
		if id == sr.Root.ID() {
			continue
		}
		if info, ok := result.Dirs[id]; ok && info.IsCollection {
			continue // collection dirs are listed, not embedded
		}
		owner := nearestCollectionDir(sr, result, id)
		result.Dirs[owner].Entries = append(result.Dirs[owner].Entries, id)
		owners[id] = owner
	}
	return owners
}

func nearestCollectionDir(sr *scan.Result, result *Result, id patharena.PathID) patharena.PathID {
	return nearestCollectionDirFromPath(sr, result, sr.Arena.PathFromID(id).Parent())
}

// nearestCollectionDirFromPath walks p and its ancestors, returning the
// first one marked as a collection dir (p itself included).
func nearestCollectionDirFromPath(sr *scan.Result, result *Result, p patharena.Path) patharena.PathID {
	for {
		if info, ok := result.Dirs[p.ID()]; ok && info.IsCollection {
			return p.ID()
		}
		if p.Depth() <= 1 {
			return sr.Root.ID()
		}
		p = p.Parent()
	}
}

// promoteCrossDirHardLinks handles hard links whose members don't all share
// the same collection dir (spec.md §4.4 resolves only intra-dir groups;
// spec.md:142 requires cross-boundary groups to move their whole record up
// to the nearest common-ancestor collection dir). Left as per-owner
// entries, a link's TarPath would be relative to its own collection dir
// while its canonical's TarPath is relative to a different one, so the
// recorded link target (spec.md §4.8 "link to target") would point at a
// tar path that doesn't exist in the link's own archive set.
//
// The directories between a promoted member's natural owner and its new
// common-ancestor owner need no separate mtime bookkeeping: every directory
// on that path is already either a collection dir or an embedded entry with
// its own recorded mtime, and restore's directory-last ordering (internal/
// restore, spec.md §4.11) re-applies every directory's mtime after all
// files are written regardless of which archive a given file came from.
func promoteCrossDirHardLinks(sr *scan.Result, result *Result, owners map[patharena.PathID]patharena.PathID) {
	groups := make(map[patharena.PathID][]patharena.PathID)
	for id, e := range sr.Files {
		if e.LinkKind != scan.LinkHard {
			continue
		}
		groups[e.LinkCanonicalID] = append(groups[e.LinkCanonicalID], id)
	}

	for canonicalID, linkIDs := range groups {
		members := append([]patharena.PathID{canonicalID}, linkIDs...)

		firstOwner, ok := owners[canonicalID]
		if !ok {
			// The canonical itself is a collection dir's own record; that
			// can't happen for a regular file, but guard rather than panic.
			continue
		}
		allSameOwner := true
		for _, id := range members[1:] {
			if owners[id] != firstOwner {
				allSameOwner = false
				break
			}
		}
		if allSameOwner {
			continue
		}

		commonPath := sr.Arena.PathFromID(members[0])
		for _, id := range members[1:] {
			commonPath = patharena.CommonPrefix(commonPath, sr.Arena.PathFromID(id))
		}
		newOwner := nearestCollectionDirFromPath(sr, result, commonPath)

		for _, id := range members {
			oldOwner := owners[id]
			if oldOwner == newOwner {
				continue
			}
			result.Dirs[oldOwner].Entries = removeEntry(result.Dirs[oldOwner].Entries, id)
			result.Dirs[newOwner].Entries = append(result.Dirs[newOwner].Entries, id)
			owners[id] = newOwner
		}
	}
}

func removeEntry(entries []patharena.PathID, id patharena.PathID) []patharena.PathID {
	for i, e := range entries {
		if e == id {
			return append(entries[:i], entries[i+1:]...)
		}
	}
	return entries
}

// assignTarPaths gives every entry (collection dir or embedded) a TarPath
// relative to its owning collection dir, and hashes it for bucket
// assignment (spec.md §4.6).
func assignTarPaths(sr *scan.Result, result *Result) {
	for ownerID, info := range result.Dirs {
		if !info.IsCollection {
			continue
		}
		owner := sr.Arena.PathFromID(ownerID)
		info.Entry.TarPath = owner.Subpath(owner.Depth() + 1)
		hashAndSizeTarPath(info.Entry)

		for _, memberID := range info.Entries {
			e := sr.Files[memberID]
			sourcePath := sr.Arena.PathFromID(memberID)
			e.TarPath = sourcePath.Subpath(owner.Depth() + 1)
			hashAndSizeTarPath(e)
		}
	}
}

func hashAndSizeTarPath(e *scan.Entry) {
	e.TarpathHash = fnv32a(e.TarPath.String())

	linkTarget := ""
	isHardLink := e.LinkKind == scan.LinkHard
	if e.LinkKind == scan.LinkSymbolic {
		linkTarget = e.LinkTarget
	}
	e.HeaderSize = tario.CalculateHeaderSize(e.TarPath.String(), linkTarget, isHardLink, tario.StyleFull)
	if e.IsDir || e.LinkKind != scan.LinkNone {
		e.BlockedSize = e.HeaderSize
	} else {
		e.BlockedSize = e.HeaderSize + roundUp512(e.Size)
	}
}

func fnv32a(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

// resolveHardLinkTargets fills in LinkTarget for every hard-link entry now
// that tar paths are assigned, using the canonical entry's tar path as the
// stable identifier recorded in the index (spec.md §4.8 "link to target").
func resolveHardLinkTargets(sr *scan.Result) {
	for _, e := range sr.Files {
		if e.LinkKind != scan.LinkHard {
			continue
		}
		canonical := sr.Files[e.LinkCanonicalID]
		e.LinkTarget = canonical.TarPath.String()
	}
}
