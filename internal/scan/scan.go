// Package scan implements the source scanner (spec.md §4.3, component C3)
// and the hard-link resolver that runs immediately after it (§4.4, C4).
package scan

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/beakfs/beak/internal/patharena"
)

// LinkKind classifies how an entry's payload is represented in an archive.
type LinkKind int

const (
	LinkNone LinkKind = iota
	LinkSymbolic
	LinkHard
)

// Entry is an immutable snapshot of one scanned source object (spec.md §3).
type Entry struct {
	SourcePath patharena.Path
	TarPath    patharena.Path // zero until the collection-dir selector sets it

	IsDir bool
	Mode  uint32
	Uid   uint32
	Gid   uint32
	Size  int64
	Rdev  uint64
	Nlink uint32
	Dev   uint64
	Ino   uint64

	MtimeSec  int64
	MtimeNsec int64

	LinkKind   LinkKind
	LinkTarget string // symlink target, verbatim from readlink

	// LinkCanonicalID is set when LinkKind is LinkHard: it names the entry
	// this one is a hard link to. The tar-path-relative link target isn't
	// known until internal/collect assigns tar paths, so resolving it to a
	// string happens there, not here.
	LinkCanonicalID patharena.PathID

	TarpathHash        uint32
	BlockedSize        int64
	HeaderSize         int64
	ShouldContentSplit bool

	Parent *Entry

	// ChildrenSize accumulates descendants' BlockedSize during collection-dir
	// selection (spec.md §4.5 Pass 1). It is mutated in place by
	// internal/collect and is not part of the entry's content identity.
	ChildrenSize int64
}

// Options controls a single scan pass.
type Options struct {
	// Rules is an ordered include/exclude list of glob rules; the last matching
	// rule wins, default is include.
	Rules []GlobRule
	// ContentSplitGlobs flags entries that should become their own
	// content-split-large archive once partitioned.
	ContentSplitGlobs []string
	// RelaxTimeChecks allows future-dated source files instead of failing
	// the scan.
	RelaxTimeChecks bool
	// Now overrides the wall-clock reference used for future-dated checks
	// (defaults to time.Now() if zero); tests pin it for determinism.
	Now time.Time
}

// Result is the output of a scan: every entry, keyed by interned path, plus
// the directory subset, both depth-first sorted for bottom-up passes.
type Result struct {
	Arena       *patharena.Arena
	Root        patharena.Path
	Files       map[patharena.PathID]*Entry
	Directories map[patharena.PathID]*Entry
	// DepthFirstDirs lists Directories' keys sorted deepest-first, computed
	// once so later passes don't re-sort.
	DepthFirstDirs []patharena.PathID

	// ScanOrder records every accepted entry's path ID in traversal order
	// (parent before child, siblings in name order). The hard-link
	// resolver uses it to break depth ties deterministically (spec.md §4.4).
	ScanOrder []patharena.PathID
}

// ErrFutureDated is returned when a file's mtime is ahead of the scan's
// wall-clock reference and RelaxTimeChecks is not set.
type ErrFutureDated struct {
	Path string
	Mtime time.Time
}

func (e *ErrFutureDated) Error() string {
	return fmt.Sprintf("future-dated file %q (mtime %s)", e.Path, e.Mtime)
}

// Scan walks root depth-first without following symlinks, building the
// entry table described in spec.md §4.3. Traversal uses an explicit stack
// rather than recursion (spec.md §9) so very wide/deep trees don't exhaust
// the goroutine stack.
func Scan(root string, opts Options) (*Result, error) {
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	arena := patharena.New()
	res := &Result{
		Arena:       arena,
		Root:        arena.RootPath(),
		Files:       make(map[patharena.PathID]*Entry),
		Directories: make(map[patharena.PathID]*Entry),
	}

	rootEntry, err := buildEntry(root, "", res.Root, opts)
	if err != nil {
		return nil, err
	}
	rootEntry.IsDir = true
	res.Files[res.Root.ID()] = rootEntry
	res.Directories[res.Root.ID()] = rootEntry
	res.ScanOrder = append(res.ScanOrder, res.Root.ID())

	type frame struct {
		fsPath   string
		relPath  patharena.Path
	}
	stack := []frame{{fsPath: root, relPath: res.Root}}

	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		// godirwalk.ReadDirents uses the raw getdents(2) d_type instead of an
		// Lstat per entry (teacher's own directory walks use godirwalk.Walk
		// for the same reason: pkg/clip/archive.go, pkg/archive/archive.go).
		// We still drive our own explicit stack rather than godirwalk.Walk's
		// recursive callback, so very deep trees can't exhaust the goroutine
		// stack (spec.md §9).
		children, err := godirwalk.ReadDirents(cur.fsPath, nil)
		if err != nil {
			return nil, fmt.Errorf("reading directory %q: %w", cur.fsPath, err)
		}
		children.Sort()

		for _, child := range children {
			childFSPath := filepath.Join(cur.fsPath, child.Name())
			childRelPath := relString(cur.relPath, child.Name())
			childPath := cur.relPath.Append(child.Name())

			if child.ModeType()&os.ModeSocket != 0 {
				log.Debug().Str("path", childFSPath).Msg("skipping socket")
				continue
			}

			// A directory whose own contents contain a .beak marker is
			// ignored entirely, per original_source/src/backup.cc's
			// RecurseSkipSubTree: the directory and everything beneath it
			// is excluded, not just its children (spec.md §4.3).
			if child.IsDir() {
				marked, err := dirHasBeakMarker(childFSPath)
				if err != nil {
					return nil, fmt.Errorf("reading directory %q: %w", childFSPath, err)
				}
				if marked {
					log.Debug().Str("path", childFSPath).Msg("skipping subtree with .beak marker")
					continue
				}
			}

			e, err := buildEntry(childFSPath, childRelPath, childPath, opts)
			if err != nil {
				return nil, err
			}
			if e == nil {
				continue // filtered out by include/exclude globs
			}

			res.Files[childPath.ID()] = e
			res.ScanOrder = append(res.ScanOrder, childPath.ID())
			if e.IsDir {
				res.Directories[childPath.ID()] = e
				stack = append(stack, frame{fsPath: childFSPath, relPath: childPath})
			}
		}
	}

	res.DepthFirstDirs = make([]patharena.PathID, 0, len(res.Directories))
	dirPaths := make([]patharena.Path, 0, len(res.Directories))
	for id := range res.Directories {
		dirPaths = append(dirPaths, arena.PathFromID(id))
	}
	sort.Sort(patharena.ByDepthFirst(dirPaths))
	for _, p := range dirPaths {
		res.DepthFirstDirs = append(res.DepthFirstDirs, p.ID())
	}

	linkCanonical(res)

	return res, nil
}

// relString joins a parent's already-rendered relative path string with a
// child name; used only for glob matching against the pre-tar source path.
func relString(parent patharena.Path, name string) string {
	if parent.Depth() == 1 {
		return "/" + name
	}
	return parent.String() + "/" + name
}

// dirHasBeakMarker reports whether fsPath directly contains a ".beak" entry.
func dirHasBeakMarker(fsPath string) (bool, error) {
	children, err := godirwalk.ReadDirents(fsPath, nil)
	if err != nil {
		return false, err
	}
	for _, c := range children {
		if c.Name() == ".beak" {
			return true, nil
		}
	}
	return false, nil
}

func buildEntry(fsPath, relPath string, treePath patharena.Path, opts Options) (*Entry, error) {
	lst, err := os.Lstat(fsPath)
	if err != nil {
		return nil, fmt.Errorf("stat %q: %w", fsPath, err)
	}

	var st unix.Stat_t
	if err := unix.Lstat(fsPath, &st); err != nil {
		return nil, fmt.Errorf("lstat %q: %w", fsPath, err)
	}

	if relPath != "" {
		// Directories get a synthetic trailing slash for glob purposes,
		// mirroring the original's addTarEntry (spec.md §4.3).
		matchPath := relPath
		if lst.IsDir() {
			matchPath += "/"
		}
		if !evaluateGlobs(opts.Rules, matchPath) {
			return nil, nil
		}
	}

	e := &Entry{
		SourcePath: treePath,
		Mode:       st.Mode,
		Uid:        st.Uid,
		Gid:        st.Gid,
		Size:       st.Size,
		Rdev:       uint64(st.Rdev),
		Nlink:      uint32(st.Nlink),
		Dev:        uint64(st.Dev),
		Ino:        st.Ino,
		MtimeSec:   int64(st.Mtim.Sec),
		MtimeNsec:  int64(st.Mtim.Nsec),
	}

	mtime := time.Unix(e.MtimeSec, e.MtimeNsec)
	if mtime.After(opts.Now) && !opts.RelaxTimeChecks {
		return nil, &ErrFutureDated{Path: fsPath, Mtime: mtime}
	}

	switch lst.Mode() & os.ModeType {
	case os.ModeDir:
		e.IsDir = true
	case os.ModeSymlink:
		target, err := os.Readlink(fsPath)
		if err != nil {
			return nil, fmt.Errorf("readlink %q: %w", fsPath, err)
		}
		e.LinkKind = LinkSymbolic
		e.LinkTarget = target
	default:
		// regular, char, block, fifo: header-only metadata already captured.
	}

	if relPath != "" {
		e.ShouldContentSplit = matchAny(opts.ContentSplitGlobs, relPath)
	}

	return e, nil
}
