// Package index implements the index writer and reader (spec.md §4.8-4.9,
// components C8/C9): a NUL-separated, gzip-compressed catalog of every
// source entry, the archive it lives in, and the byte offset of its
// payload within that archive.
package index

import (
	"crypto/sha256"
	"fmt"
)

// FormatVersion is the version this package writes. Readers additionally
// accept 0.7 and 0.8, which predate the #end checksum trailer.
const FormatVersion = "0.81"

// ColumnLayoutVersion is the per-entry column layout version (spec.md §4.8).
const ColumnLayoutVersion = 1

// Entry is one source-tree member's catalog record.
type Entry struct {
	Mode    uint32 // raw stat mode, type bits included
	Uid     uid
	Gid     gid
	Size    int64
	Sec     int64
	Nsec    int64
	TarPath string

	// LinkKind/LinkTarget render the link-indicator-and-target column.
	// LinkKind is one of "" (no link), "symlink", "hardlink".
	LinkKind   string
	LinkTarget string

	ArchiveFilename string
	Offset          int64

	// Multipart is the raw descriptor string: "1" for a single part, or
	// "num,part_header_size,part_size,last_part_size" for a split archive.
	Multipart string

	MetaSHA256 [sha256.Size]byte
}

type uid = uint32
type gid = uint32

// ArchiveListing is one archive's filename record. Multi-part archives are
// written as the first and last part names joined by " ... " (spec.md
// §4.8); Names holds every part in order so the writer can render that.
type ArchiveListing struct {
	Names []string
}

// Render returns the index-file text for this archive listing.
func (a ArchiveListing) Render() string {
	if len(a.Names) <= 1 {
		if len(a.Names) == 0 {
			return ""
		}
		return a.Names[0]
	}
	return a.Names[0] + " ... " + a.Names[len(a.Names)-1]
}

// ContentSplitEntry records a content-split-large archive's part count.
type ContentSplitEntry struct {
	TarPath  string
	NumParts int
}

// Index is the full in-memory catalog for one point in time.
type Index struct {
	Config   string
	Size     int64
	Uids     []uint32
	Gids     []uint32
	Entries  []Entry
	Archives []ArchiveListing
	Parts    []ContentSplitEntry
}

// MetaSHA256 computes an entry's meta-sha256: SHA-256 over
// (tarpath ∥ size ∥ mtime.sec ∥ mtime.nsec). The index writer doesn't call
// this itself — callers populate Entry.MetaSHA256 before handing entries to
// Write, since computing it is cheapest done alongside the archive layout
// pass that already knows each entry's final tar path.
func MetaSHA256(tarPath string, size, sec, nsec int64) [sha256.Size]byte {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%d\x00%d\x00%d", tarPath, size, sec, nsec)
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ArchiveContentHash is SHA-256 over the concatenated meta-sha256 of an
// archive's members, in storage order (spec.md §4.8).
func ArchiveContentHash(members [][sha256.Size]byte) [sha256.Size]byte {
	h := sha256.New()
	for _, m := range members {
		h.Write(m[:])
	}
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}
