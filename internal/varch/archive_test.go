package varch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/beakfs/beak/internal/bucket"
	"github.com/beakfs/beak/internal/collect"
	"github.com/beakfs/beak/internal/scan"
	"github.com/beakfs/beak/internal/tario"
)

func TestBuildArchiveSizeIsMultipleOf512(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "top"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "top", "a.txt"), []byte("hello world"), 0o644))

	sr, err := scan.Scan(root, scan.Options{Now: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	cr, err := collect.Collect(sr, collect.Options{ForcedDepth: 2})
	require.NoError(t, err)

	plans := bucket.Partition(cr, collect.DefaultTargetArchiveSize)

	var built *Archive
	for _, plan := range plans {
		for _, a := range plan.Archives {
			if a.Kind != bucket.KindSmall && a.Kind != bucket.KindMedium {
				continue
			}
			built, err = Build(sr, root, a, tario.StyleSimple, 0)
			require.NoError(t, err)
		}
	}
	require.NotNil(t, built)
	require.Equal(t, int64(0), built.Size()%512)
}

func TestArchiveReadAtReturnsPayloadBytes(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "top"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "top", "a.txt"), []byte("hello world"), 0o644))

	sr, err := scan.Scan(root, scan.Options{Now: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	cr, err := collect.Collect(sr, collect.Options{ForcedDepth: 2})
	require.NoError(t, err)

	plans := bucket.Partition(cr, collect.DefaultTargetArchiveSize)

	var built *Archive
	for _, plan := range plans {
		for _, a := range plan.Archives {
			if a.Kind != bucket.KindSmall && a.Kind != bucket.KindMedium {
				continue
			}
			built, err = Build(sr, root, a, tario.StyleSimple, 0)
			require.NoError(t, err)
		}
	}
	require.NotNil(t, built)

	buf := make([]byte, built.Size())
	n, err := built.ReadAt(buf, 0, 0)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Contains(t, string(buf), "hello world")
	require.Contains(t, string(buf), "a.txt")
}

func TestNumPartsRespectsSplitSize(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "top"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "top", "a.txt"), make([]byte, 4096), 0o644))

	sr, err := scan.Scan(root, scan.Options{Now: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	cr, err := collect.Collect(sr, collect.Options{ForcedDepth: 2})
	require.NoError(t, err)

	plans := bucket.Partition(cr, collect.DefaultTargetArchiveSize)

	var plan *bucket.Archive
	for _, p := range plans {
		for _, a := range p.Archives {
			if a.Kind == bucket.KindSmall || a.Kind == bucket.KindMedium {
				plan = a
			}
		}
	}
	require.NotNil(t, plan)

	built, err := Build(sr, root, plan, tario.StyleSimple, 1024)
	require.NoError(t, err)
	require.True(t, built.NumParts() > 1)
}
