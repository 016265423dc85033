package index

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleIndex() *Index {
	meta := sha256.Sum256([]byte("a.txt\x0010\x001700000000\x000"))
	return &Index{
		Config: "--target-size 10M /src",
		Size:   4096,
		Uids:   []uint32{0, 1000},
		Gids:   []uint32{0, 1000},
		Entries: []Entry{
			{
				Mode:            0o100644,
				Uid:             1000,
				Gid:             1000,
				Size:            10,
				Sec:             1700000000,
				Nsec:            0,
				TarPath:         "/a.txt",
				ArchiveFilename: "s01_001700000000.000000000_1024_00_0.tar",
				Offset:          512,
				Multipart:       "1",
				MetaSHA256:      meta,
			},
			{
				Mode:            0o120777,
				Uid:             1000,
				Gid:             1000,
				TarPath:         "/link.txt",
				LinkKind:        "symlink",
				LinkTarget:      "a.txt",
				ArchiveFilename: "s01_001700000000.000000000_1024_00_0.tar",
				Multipart:       "1",
				MetaSHA256:      meta,
			},
		},
		Archives: []ArchiveListing{{Names: []string{"s01_001700000000.000000000_1024_00_0.tar"}}},
		Parts:    nil,
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	idx := sampleIndex()

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, idx))

	got, version, err := Read(&buf)
	require.NoError(t, err)
	require.Equal(t, "0.81", version)
	require.Equal(t, idx.Config, got.Config)
	require.Equal(t, idx.Size, got.Size)
	require.Len(t, got.Entries, 2)
	require.Equal(t, "/a.txt", got.Entries[0].TarPath)
	require.Equal(t, "symlink", got.Entries[1].LinkKind)
	require.Equal(t, "a.txt", got.Entries[1].LinkTarget)
}

func TestReadRejectsCorruptedChecksum(t *testing.T) {
	idx := sampleIndex()
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, idx))

	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0xFF // flip a byte inside the gzip stream

	_, _, err := Read(bytes.NewReader(raw))
	require.Error(t, err)
}

func TestMultipartArchiveListingRendersFirstAndLast(t *testing.T) {
	a := ArchiveListing{Names: []string{"part0.tar", "part1.tar", "part2.tar"}}
	require.Equal(t, "part0.tar ... part2.tar", a.Render())

	parsed := splitArchiveListing(a.Render())
	require.Equal(t, []string{"part0.tar", "part2.tar"}, parsed)
}
