package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := expandPath(filepath.Join("~", "backups"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "backups"), got)

	got, err = expandPath("/already/absolute")
	require.NoError(t, err)
	require.Equal(t, "/already/absolute", got)

	got, err = expandPath("")
	require.NoError(t, err)
	require.Equal(t, "", got)
}

func TestIndexPath(t *testing.T) {
	require.Equal(t, "/tmp/store/z01.gz", indexPath("/tmp/store", "z01.gz"))
	require.Equal(t, "/tmp/store/z01.gz", indexPath("/tmp/store/", "z01.gz"))
}
