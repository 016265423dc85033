package collect

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/beakfs/beak/internal/patharena"
	"github.com/beakfs/beak/internal/scan"
)

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestCollectForcedDepthMakesTopLevelDirsCollections(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "nested"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "b"), 0o755))
	writeFile(t, filepath.Join(root, "a", "nested", "f.txt"), "hi")
	writeFile(t, filepath.Join(root, "b", "g.txt"), "bye")

	sr, err := scan.Scan(root, scan.Options{Now: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	cr, err := Collect(sr, Options{})
	require.NoError(t, err)

	var aIsCollection, bIsCollection bool
	for id, info := range cr.Dirs {
		name := sr.Arena.PathFromID(id).Name()
		if name == "a" {
			aIsCollection = info.IsCollection
		}
		if name == "b" {
			bIsCollection = info.IsCollection
		}
	}
	require.True(t, aIsCollection)
	require.True(t, bIsCollection)
}

func TestCollectNonCollectionEntriesAttachToNearestAncestor(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "nested"), 0o755))
	writeFile(t, filepath.Join(root, "a", "nested", "f.txt"), "hi")

	sr, err := scan.Scan(root, scan.Options{Now: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	cr, err := Collect(sr, Options{})
	require.NoError(t, err)

	var aID uint32
	for id := range cr.Dirs {
		if sr.Arena.PathFromID(id).Name() == "a" {
			aID = uint32(id)
		}
	}
	require.NotZero(t, aID)

	var found bool
	for id, info := range cr.Dirs {
		if sr.Arena.PathFromID(id).Name() != "a" {
			continue
		}
		for _, memberID := range info.Entries {
			if sr.Arena.PathFromID(memberID).Name() == "f.txt" {
				found = true
				require.Equal(t, "/nested/f.txt", sr.Files[memberID].TarPath.String())
			}
		}
	}
	require.True(t, found)
}

func TestCollectTriggerSizePromotesLargeSubtree(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "top", "big"), 0o755))
	big := make([]byte, 1<<20)
	writeFile(t, filepath.Join(root, "top", "big", "payload.bin"), string(big))

	sr, err := scan.Scan(root, scan.Options{Now: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	cr, err := Collect(sr, Options{ForcedDepth: 1, TargetArchiveSize: 1 << 19, TriggerSize: 1 << 19})
	require.NoError(t, err)

	var bigIsCollection bool
	for id, info := range cr.Dirs {
		if sr.Arena.PathFromID(id).Name() == "big" {
			bigIsCollection = info.IsCollection
		}
	}
	require.True(t, bigIsCollection)
}

func TestCollectPromotesCrossCollectionDirHardLinks(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "b"), 0o755))
	writeFile(t, filepath.Join(root, "a", "x.txt"), "shared")
	require.NoError(t, os.Link(filepath.Join(root, "a", "x.txt"), filepath.Join(root, "b", "y.txt")))

	sr, err := scan.Scan(root, scan.Options{Now: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	// ForcedDepth 2 makes "a" and "b" distinct collection dirs, so x.txt and
	// y.txt would naturally be owned by two different archive sets even
	// though they're the same inode.
	cr, err := Collect(sr, Options{ForcedDepth: 2})
	require.NoError(t, err)

	var aID, bID patharena.PathID
	for id := range cr.Dirs {
		switch sr.Arena.PathFromID(id).Name() {
		case "a":
			aID = id
		case "b":
			bID = id
		}
	}
	require.NotZero(t, aID)
	require.NotZero(t, bID)
	require.Empty(t, cr.Dirs[aID].Entries, "x.txt must have been promoted out of its natural owner \"a\"")
	require.Empty(t, cr.Dirs[bID].Entries, "y.txt must have been promoted out of its natural owner \"b\"")

	var xID, yID patharena.PathID
	for _, memberID := range cr.Dirs[sr.Root.ID()].Entries {
		switch sr.Arena.PathFromID(memberID).Name() {
		case "x.txt":
			xID = memberID
		case "y.txt":
			yID = memberID
		}
	}
	require.NotZero(t, xID, "x.txt must be promoted up to the root collection dir")
	require.NotZero(t, yID, "y.txt must be promoted up to the root collection dir")

	xEntry, yEntry := sr.Files[xID], sr.Files[yID]
	require.Equal(t, scan.LinkHard, xEntry.LinkKind)
	require.Equal(t, yEntry.TarPath.String(), xEntry.LinkTarget,
		"the hard link's recorded target must resolve within the same archive set as its canonical")
}

func TestCollectCaseCollisionDetected(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "Dir"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "dir"), 0o755))
	writeFile(t, filepath.Join(root, "Dir", "a.txt"), "x")
	writeFile(t, filepath.Join(root, "dir", "b.txt"), "y")

	sr, err := scan.Scan(root, scan.Options{Now: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	_, err = Collect(sr, Options{ForcedDepth: 2})
	require.Error(t, err)
	var collisionErr *ErrCaseCollision
	require.ErrorAs(t, err, &collisionErr)
}
