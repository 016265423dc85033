package index

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// permString renders a 10-character ls(1)-style permission string from a
// raw stat mode, the type flag implied by mode's own type bits.
func permString(mode uint32) string {
	var b strings.Builder
	switch mode & 0o170000 {
	case 0o040000:
		b.WriteByte('d')
	case 0o120000:
		b.WriteByte('l')
	case 0o020000:
		b.WriteByte('c')
	case 0o060000:
		b.WriteByte('b')
	case 0o010000:
		b.WriteByte('p')
	case 0o140000:
		b.WriteByte('s')
	default:
		b.WriteByte('-')
	}
	bits := "rwxrwxrwx"
	for i := 0; i < 9; i++ {
		if mode&(1<<uint(8-i)) != 0 {
			b.WriteByte(bits[i])
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

func linkColumn(e Entry) string {
	switch e.LinkKind {
	case "symlink":
		return " -> " + e.LinkTarget
	case "hardlink":
		return " link to " + e.LinkTarget
	default:
		return ""
	}
}

func renderEntryLine(e Entry) string {
	cols := []string{
		permString(e.Mode),
		fmt.Sprintf("%d/%d", e.Uid, e.Gid),
		strconv.FormatInt(e.Size, 10),
		fmt.Sprintf("%d.%d", e.Sec, e.Nsec),
		e.TarPath,
		linkColumn(e),
		e.ArchiveFilename,
		strconv.FormatInt(e.Offset, 10),
		e.Multipart,
		fmt.Sprintf("%x\n", e.MetaSHA256),
	}
	return strings.Join(cols, "\x00")
}

// uintSetSorted renders a set of uint32s as a space-separated ascending
// decimal list.
func uintSetSorted(vals []uint32) string {
	cp := append([]uint32(nil), vals...)
	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })
	parts := make([]string, len(cp))
	for i, v := range cp {
		parts[i] = strconv.FormatUint(uint64(v), 10)
	}
	return strings.Join(parts, " ")
}

// Write renders idx as the full index-file text (uncompressed), computes
// the #end checksum over everything preceding it, and gzips the result to
// w (spec.md §4.8).
func Write(w io.Writer, idx *Index) error {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "#beak %s\n", FormatVersion)
	fmt.Fprintf(&buf, "#config %s\n", idx.Config)
	fmt.Fprintf(&buf, "#size %d\n", idx.Size)
	fmt.Fprintf(&buf, "#uids %s\n", uintSetSorted(idx.Uids))
	fmt.Fprintf(&buf, "#gids %s\n", uintSetSorted(idx.Gids))
	fmt.Fprintf(&buf, "#files %d %d\n", len(idx.Entries), ColumnLayoutVersion)
	buf.WriteByte(0)
	for _, e := range idx.Entries {
		buf.WriteString(renderEntryLine(e))
		buf.WriteByte(0)
	}

	fmt.Fprintf(&buf, "#tars %d\n", len(idx.Archives))
	buf.WriteByte(0)
	for _, a := range idx.Archives {
		buf.WriteString(a.Render())
		buf.WriteByte(0)
	}

	fmt.Fprintf(&buf, "#parts %d\n", len(idx.Parts))
	buf.WriteByte(0)
	for _, p := range idx.Parts {
		fmt.Fprintf(&buf, "%s\x00%d\n", p.TarPath, p.NumParts)
		buf.WriteByte(0)
	}

	sum := sha256.Sum256(buf.Bytes())
	fmt.Fprintf(&buf, "#end %x\n", sum)
	buf.WriteByte(0)

	gz := gzip.NewWriter(w)
	if _, err := gz.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing gzip index: %w", err)
	}
	return gz.Close()
}

// WriteFile is a convenience wrapper around Write that creates (or
// truncates) path.
func WriteFile(path string, idx *Index) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating index file %q: %w", path, err)
	}
	defer f.Close()
	return Write(f, idx)
}
