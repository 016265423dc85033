package restore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/beakfs/beak/internal/index"
)

type fakeArchives map[string][]byte

func (f fakeArchives) ReadArchiveAt(name string, buf []byte, off int64) (int, error) {
	data, ok := f[name]
	if !ok {
		return 0, os.ErrNotExist
	}
	if off >= int64(len(data)) {
		return 0, nil
	}
	end := off + int64(len(buf))
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return copy(buf, data[off:end]), nil
}

func TestRestoreRegularFileWritesArchiveBytes(t *testing.T) {
	dest := t.TempDir()
	archives := fakeArchives{"s01_001700000000.000000000_1024_00_0.tar": []byte("payload-bytes-here")}

	mtime := time.Unix(1700000000, 0)
	idx := &index.Index{Entries: []index.Entry{
		{
			Mode:            0o100644,
			Size:            int64(len("payload-bytes-here")),
			Sec:             1700000000,
			TarPath:         "a.txt",
			ArchiveFilename: "s01_001700000000.000000000_1024_00_0.tar",
			Offset:          0,
			Multipart:       "1",
		},
	}}

	require.NoError(t, Restore(idx, archives, dest, Options{}))

	got, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "payload-bytes-here", string(got))

	fi, err := os.Stat(filepath.Join(dest, "a.txt"))
	require.NoError(t, err)
	require.True(t, fi.ModTime().Equal(mtime))
}

func TestRestoreSkipsUpToDateFile(t *testing.T) {
	dest := t.TempDir()
	path := filepath.Join(dest, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("same"), 0o644))
	mtime := time.Unix(1700000000, 0)
	require.NoError(t, os.Chtimes(path, mtime, mtime))

	archives := fakeArchives{} // never consulted if skip logic works
	idx := &index.Index{Entries: []index.Entry{
		{Mode: 0o100644, Size: 4, Sec: 1700000000, TarPath: "a.txt", ArchiveFilename: "missing.tar"},
	}}

	require.NoError(t, Restore(idx, archives, dest, Options{}))
}

func TestRestoreSymlinkRecreatesOnTargetMismatch(t *testing.T) {
	dest := t.TempDir()
	link := filepath.Join(dest, "link")
	require.NoError(t, os.Symlink("old-target", link))

	idx := &index.Index{Entries: []index.Entry{
		{Mode: 0o120777, TarPath: "link", LinkKind: "symlink", LinkTarget: "new-target", Sec: 1700000000},
	}}

	require.NoError(t, Restore(idx, fakeArchives{}, dest, Options{}))

	target, err := os.Readlink(link)
	require.NoError(t, err)
	require.Equal(t, "new-target", target)
}

func TestRestoreHardLinkAfterRegularFile(t *testing.T) {
	dest := t.TempDir()
	archives := fakeArchives{"s01_001700000000.000000000_1024_00_0.tar": []byte("canonical")}

	idx := &index.Index{Entries: []index.Entry{
		{
			Mode:            0o100644,
			Size:            int64(len("canonical")),
			Sec:             1700000000,
			TarPath:         "canonical.txt",
			ArchiveFilename: "s01_001700000000.000000000_1024_00_0.tar",
		},
		{
			Mode:       0o100644,
			TarPath:    "dup.txt",
			LinkKind:   "hardlink",
			LinkTarget: "canonical.txt",
		},
	}}

	require.NoError(t, Restore(idx, archives, dest, Options{}))

	a, err := os.Stat(filepath.Join(dest, "canonical.txt"))
	require.NoError(t, err)
	b, err := os.Stat(filepath.Join(dest, "dup.txt"))
	require.NoError(t, err)
	require.True(t, os.SameFile(a, b))
}

func TestRestoreDirectorySetsPermsAndMtime(t *testing.T) {
	dest := t.TempDir()
	idx := &index.Index{Entries: []index.Entry{
		{Mode: 0o040755, TarPath: "sub", Sec: 1700000000},
	}}

	require.NoError(t, Restore(idx, fakeArchives{}, dest, Options{}))

	fi, err := os.Stat(filepath.Join(dest, "sub"))
	require.NoError(t, err)
	require.True(t, fi.IsDir())
	require.True(t, fi.ModTime().Equal(time.Unix(1700000000, 0)))
}
