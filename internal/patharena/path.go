package patharena

import "strings"

// Path is a lightweight handle into an Arena. Two paths with equal string
// form are represented by the same PathID, so identity comparison
// (ID == ID) is equivalent to path equality.
type Path struct {
	arena *Arena
	id    PathID
}

// RootPath returns the arena's root path.
func (a *Arena) RootPath() Path {
	return Path{arena: a, id: a.Root()}
}

// PathFromID reconstructs a Path handle from a PathID previously obtained
// via Path.ID(), for callers (e.g. map iteration) that only stored the ID.
func (a *Arena) PathFromID(id PathID) Path {
	return Path{arena: a, id: id}
}

// Parse interns every segment of a '/'-separated absolute path and returns
// the resulting Path. "/" and "" both resolve to the root.
func (a *Arena) Parse(s string) Path {
	p := a.RootPath()
	for _, seg := range strings.Split(s, "/") {
		if seg == "" {
			continue
		}
		p = p.Append(seg)
	}
	return p
}

// ID returns the arena-local handle for this path, stable across calls for
// equal path strings.
func (p Path) ID() PathID { return p.id }

// IsZero reports whether p is the zero Path value (no arena attached).
func (p Path) IsZero() bool { return p.arena == nil }

// Depth returns the path's depth; root has depth 1.
func (p Path) Depth() int { return p.arena.record(p.id).depth }

// Name returns the path's final segment ("" for root).
func (p Path) Name() string {
	rec := p.arena.record(p.id)
	return p.arena.atomName(rec.name)
}

// Parent returns the path's parent. Calling Parent on root returns root.
func (p Path) Parent() Path {
	rec := p.arena.record(p.id)
	return Path{arena: p.arena, id: rec.parent}
}

// Append interns the child path p/name.
func (p Path) Append(name string) Path {
	return Path{arena: p.arena, id: p.arena.Append(p.id, name)}
}

// Equal reports whether two paths are the same interned path.
func (p Path) Equal(o Path) bool {
	return p.arena == o.arena && p.id == o.id
}

// segments returns the path's name atoms from root to leaf, excluding root.
func (p Path) segments() []string {
	out := make([]string, 0, p.Depth())
	for cur := p; cur.Depth() > 1; cur = cur.Parent() {
		out = append(out, cur.Name())
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// String renders the path in its canonical absolute form.
func (p Path) String() string {
	segs := p.segments()
	if len(segs) == 0 {
		return "/"
	}
	return "/" + strings.Join(segs, "/")
}

// Subpath returns the path made of this path's segments from fromDepth
// (inclusive, 1-indexed against the full path, not against root) onward,
// re-rooted at the arena's root. It is used to compute a tar path relative
// to a collection dir: entry.Subpath(collectionDir.Depth() + 1).
func (p Path) Subpath(fromDepth int) Path {
	segs := p.segments()
	start := fromDepth - 2 // segments() is 0-indexed at depth 2
	if start < 0 {
		start = 0
	}
	if start > len(segs) {
		start = len(segs)
	}
	out := p.arena.RootPath()
	for _, seg := range segs[start:] {
		out = out.Append(seg)
	}
	return out
}

// IsBelowOrEqual reports whether p is other, or a descendant of other.
func (p Path) IsBelowOrEqual(other Path) bool {
	if p.arena != other.arena {
		return false
	}
	cur := p
	for {
		if cur.id == other.id {
			return true
		}
		if cur.Depth() <= other.Depth() {
			return false
		}
		cur = cur.Parent()
	}
}

// CommonPrefix walks both paths up to a shared ancestor, starting from the
// deeper of the two. It always terminates at root, which is common to any
// two paths from the same arena.
func CommonPrefix(a, b Path) Path {
	for a.Depth() > b.Depth() {
		a = a.Parent()
	}
	for b.Depth() > a.Depth() {
		b = b.Parent()
	}
	for a.id != b.id {
		a = a.Parent()
		b = b.Parent()
	}
	return a
}

// ByDepthFirst orders paths deeper-first, breaking ties lexicographically.
// Used when selecting collection dirs bottom-up (spec.md §3).
type ByDepthFirst []Path

func (s ByDepthFirst) Len() int      { return len(s) }
func (s ByDepthFirst) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s ByDepthFirst) Less(i, j int) bool {
	if s[i].Depth() != s[j].Depth() {
		return s[i].Depth() > s[j].Depth()
	}
	return s[i].String() < s[j].String()
}

// ByTarOrder orders paths the way a tar stream lists a tree: a directory
// immediately precedes its children, which precede its siblings. Paths are
// compared lexicographically with "/" ranked below every other byte, so a
// child ("/a/z") sorts before a sibling that extends its parent's name
// ("/a-b").
type ByTarOrder []Path

func (s ByTarOrder) Len() int      { return len(s) }
func (s ByTarOrder) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s ByTarOrder) Less(i, j int) bool {
	return strings.ReplaceAll(s[i].String(), "/", "\x00") < strings.ReplaceAll(s[j].String(), "/", "\x00")
}
