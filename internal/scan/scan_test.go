package scan

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestScanBasicTree(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	writeFile(t, filepath.Join(root, "a.txt"), "hello")
	writeFile(t, filepath.Join(root, "sub", "b.txt"), "world")

	res, err := Scan(root, Options{Now: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	require.Len(t, res.Directories, 2) // root + sub
	require.Len(t, res.Files, 4)       // root, sub, a.txt, sub/b.txt
}

func TestScanFutureDatedFails(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "hello")
	require.NoError(t, os.Chtimes(filepath.Join(root, "a.txt"), time.Now().Add(24*time.Hour), time.Now().Add(24*time.Hour)))

	_, err := Scan(root, Options{Now: time.Now()})
	require.Error(t, err)
	var futureErr *ErrFutureDated
	require.ErrorAs(t, err, &futureErr)
}

func TestScanRelaxTimeChecksAllowsFutureDated(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "hello")
	require.NoError(t, os.Chtimes(filepath.Join(root, "a.txt"), time.Now().Add(24*time.Hour), time.Now().Add(24*time.Hour)))

	res, err := Scan(root, Options{Now: time.Now(), RelaxTimeChecks: true})
	require.NoError(t, err)
	require.NotNil(t, res)
}

func TestScanExcludeGlob(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "hello")
	writeFile(t, filepath.Join(root, "a.log"), "noisy")

	res, err := Scan(root, Options{
		Now:   time.Now().Add(time.Hour),
		Rules: []GlobRule{{Pattern: "**/*.log", Include: false}},
	})
	require.NoError(t, err)

	names := map[string]bool{}
	for id, e := range res.Files {
		if e.IsDir {
			continue
		}
		names[res.Arena.PathFromID(id).Name()] = true
	}
	require.True(t, names["a.txt"])
	require.False(t, names["a.log"])
}

func TestScanSkipsBeakMarkedSubtree(t *testing.T) {
	root := t.TempDir()
	marked := filepath.Join(root, "skip")
	require.NoError(t, os.MkdirAll(marked, 0o755))
	writeFile(t, filepath.Join(marked, ".beak"), "")
	writeFile(t, filepath.Join(marked, "inside.txt"), "x")
	writeFile(t, filepath.Join(root, "kept.txt"), "y")

	res, err := Scan(root, Options{Now: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	for id := range res.Files {
		name := res.Arena.PathFromID(id).Name()
		require.NotEqual(t, "inside.txt", name)
		require.NotEqual(t, "skip", name, "the .beak-marked directory itself must not be scanned either")
	}
}

func TestScanSymlinkRecorded(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "target.txt"), "hi")
	require.NoError(t, os.Symlink("target.txt", filepath.Join(root, "link.txt")))

	res, err := Scan(root, Options{Now: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	var found bool
	for id, e := range res.Files {
		if res.Arena.PathFromID(id).Name() == "link.txt" {
			found = true
			require.Equal(t, LinkSymbolic, e.LinkKind)
			require.Equal(t, "target.txt", e.LinkTarget)
		}
	}
	require.True(t, found)
}

func TestScanHardLinkCanonicalIsDeepest(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "deep", "deeper"), 0o755))
	writeFile(t, filepath.Join(root, "shallow.txt"), "content")
	require.NoError(t, os.Link(filepath.Join(root, "shallow.txt"), filepath.Join(root, "deep", "deeper", "also.txt")))

	res, err := Scan(root, Options{Now: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	var shallow, deep *Entry
	var shallowID, deepID = res.Root.ID(), res.Root.ID()
	for id, e := range res.Files {
		switch res.Arena.PathFromID(id).Name() {
		case "shallow.txt":
			shallow, shallowID = e, id
		case "also.txt":
			deep, deepID = e, id
		}
	}
	require.NotNil(t, shallow)
	require.NotNil(t, deep)
	_ = shallowID

	require.Equal(t, LinkHard, shallow.LinkKind)
	require.Equal(t, LinkNone, deep.LinkKind)
	require.Equal(t, deepID, shallow.LinkCanonicalID)
}
