package tario

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodePrimaryBlockSize(t *testing.T) {
	h := Header{
		Style:    StyleSimple,
		Path:     "a.txt",
		Typeflag: TypeRegular,
		Meta:     Metadata{Mode: 0o644, Size: 10, Mtime: 1500000000},
	}
	b, err := Encode(h)
	require.NoError(t, err)
	require.Equal(t, BlockSize, len(b))
}

func TestEncodeChecksumVerifies(t *testing.T) {
	h := Header{
		Style:    StyleSimple,
		Path:     "a.txt",
		Typeflag: TypeRegular,
		Meta:     Metadata{Mode: 0o644, Size: 10, Mtime: 1500000000},
	}
	b, err := Encode(h)
	require.NoError(t, err)

	// Recompute checksum the way a reader would: sum all bytes with the
	// checksum field blanked to spaces.
	buf := append([]byte(nil), b...)
	for i := 148; i < 156; i++ {
		buf[i] = ' '
	}
	var sum int64
	for _, c := range buf {
		sum += int64(c)
	}

	var recorded int64
	_, err = fmtSscanOctal(b[148:156], &recorded)
	require.NoError(t, err)
	require.Equal(t, sum, recorded)
}

func fmtSscanOctal(field []byte, out *int64) (int, error) {
	s := strings.TrimRight(strings.TrimSpace(string(field)), "\x00")
	s = strings.TrimSpace(s)
	var v int64
	for _, c := range s {
		if c < '0' || c > '7' {
			continue
		}
		v = v*8 + int64(c-'0')
	}
	*out = v
	return len(s), nil
}

func TestLongNameProducesLongLinkRecordAndExtraBlocks(t *testing.T) {
	longPath := strings.Repeat("a", 150)
	h := Header{
		Style:    StyleSimple,
		Path:     longPath,
		Typeflag: TypeRegular,
		Meta:     Metadata{Mode: 0o644, Size: 0, Mtime: 0},
	}
	b, err := Encode(h)
	require.NoError(t, err)

	expectedSize := CalculateHeaderSize(longPath, "", false, StyleSimple)
	require.Equal(t, expectedSize, int64(len(b)))
	require.True(t, len(b) > BlockSize)

	require.Equal(t, byte(TypeLongName), b[156])
}

func TestCalculateHeaderSizeShortPath(t *testing.T) {
	require.Equal(t, int64(BlockSize), CalculateHeaderSize("short.txt", "", false, StyleFull))
}

func TestCalculateHeaderSizeLongLinkTarget(t *testing.T) {
	longLink := strings.Repeat("b", 120)
	size := CalculateHeaderSize("short", longLink, true, StyleFull)
	require.True(t, size > BlockSize)
}

func Test100ByteBoundary(t *testing.T) {
	exact100 := strings.Repeat("x", 100)
	over100 := strings.Repeat("x", 101)
	require.Equal(t, int64(BlockSize), CalculateHeaderSize(exact100, "", false, StyleFull))
	require.True(t, CalculateHeaderSize(over100, "", false, StyleFull) > BlockSize)
}

func TestCalculateHeaderSizeStyleNoneIsZero(t *testing.T) {
	require.Equal(t, int64(0), CalculateHeaderSize("anything.txt", "", false, StyleNone))
	longPath := strings.Repeat("a", 150)
	require.Equal(t, int64(0), CalculateHeaderSize(longPath, "link-target", true, StyleNone))
}

func TestEncodeStyleNoneEmitsNoBytes(t *testing.T) {
	h := Header{
		Style:    StyleNone,
		Path:     "a.txt",
		Typeflag: TypeRegular,
		Meta:     Metadata{Mode: 0o644, Size: 10, Mtime: 1500000000},
	}
	b, err := Encode(h)
	require.NoError(t, err)
	require.Empty(t, b)
}
