package localblob

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "a/b.tar", 5, bytes.NewReader([]byte("hello"))))

	r, err := s.Get(ctx, "a/b.tar", 0, -1)
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

func TestGetRangedRead(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "f.tar", 11, bytes.NewReader([]byte("hello world"))))

	r, err := s.Get(ctx, "f.tar", 6, 5)
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "world", string(got))
}

func TestListReturnsPrefixedKeys(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "dir/a.tar", 1, bytes.NewReader([]byte("a"))))
	require.NoError(t, s.Put(ctx, "dir/b.tar", 1, bytes.NewReader([]byte("b"))))
	require.NoError(t, s.Put(ctx, "other.tar", 1, bytes.NewReader([]byte("c"))))

	objs, err := s.List(ctx, "dir/")
	require.NoError(t, err)
	require.Len(t, objs, 2)
}

func TestDeleteMissingIsNotError(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.Delete(context.Background(), "missing.tar"))
}
