package varch

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"github.com/beakfs/beak/internal/bucket"
	"github.com/beakfs/beak/internal/scan"
	"github.com/beakfs/beak/internal/tario"
)

// DefaultTarSplitSizeMultiplier gives tar_split_size, the default bound on
// one archive part's byte length (spec.md §4.7), as a multiple of the target
// archive size: 5 * the target archive size.
const DefaultTarSplitSizeMultiplier = 5

// member is one archive entry's materialized placement.
type member struct {
	header      []byte // encoded tar header blocks, including any GNU long records
	sourcePath  string // absolute source path to pread from; empty when there's no payload
	payloadSize int64  // entry.Size, zero-padded to 512 when laid out
	blockStart  int64  // offset of this member's header within the archive
	blockEnd    int64  // blockStart + len(header) + roundUp512(payloadSize)
	metaHash    [sha256.Size]byte
}

// Archive is a fully planned virtual tar stream: every member's byte range
// is known, but no payload bytes are read or buffered until ReadAt is
// called (spec.md §4.7).
type Archive struct {
	members   []member
	totalSize int64
	mtimeSec  int64
	mtimeNsec int64
	splitSize int64
	hash      [sha256.Size]byte
}

// Build lays out a bucket.Archive's members into a virtual tar stream. style
// controls header fidelity; sourceRoot is the filesystem root the scan was
// taken from, used to resolve each member's payload file for pread.
func Build(sr *scan.Result, sourceRoot string, plan *bucket.Archive, style tario.HeaderStyle, splitSize int64) (*Archive, error) {
	a := &Archive{splitSize: splitSize}

	var offset int64
	var maxMtimeSec, maxMtimeNsec int64
	hasher := sha256.New()

	for _, id := range plan.Members {
		e := sr.Files[id]

		h := tario.Header{
			Style: style,
			Path:  e.TarPath.String(),
			Meta: tario.Metadata{
				Mode:  e.Mode,
				Uid:   e.Uid,
				Gid:   e.Gid,
				Size:  e.Size,
				Mtime: e.MtimeSec,
				Rdev:  e.Rdev,
			},
		}

		var sourcePath string
		switch {
		case e.IsDir:
			h.Typeflag = tario.TypeDir
		case e.LinkKind == scan.LinkHard:
			h.Typeflag = tario.TypeHardLink
			canonical := sr.Files[e.LinkCanonicalID]
			h.LinkTarget = canonical.TarPath.String()
		case e.LinkKind == scan.LinkSymbolic:
			h.Typeflag = tario.TypeSymlink
			h.LinkTarget = e.LinkTarget
		default:
			h.Typeflag = tario.TypeRegular
			sourcePath = e.SourcePath.String()
		}

		encoded, err := tario.Encode(h)
		if err != nil {
			return nil, fmt.Errorf("encoding header for %q: %w", e.TarPath.String(), err)
		}

		payload := int64(0)
		if sourcePath != "" {
			payload = e.Size
		}
		blocked := int64(len(encoded)) + roundUp512(payload)

		m := member{
			header:      encoded,
			sourcePath:  absPath(sourceRoot, sourcePath),
			payloadSize: payload,
			blockStart:  offset,
			blockEnd:    offset + blocked,
			metaHash:    metaSHA256(e),
		}
		a.members = append(a.members, m)
		offset = m.blockEnd

		hasher.Write(m.metaHash[:])

		if e.MtimeSec > maxMtimeSec || (e.MtimeSec == maxMtimeSec && e.MtimeNsec > maxMtimeNsec) {
			maxMtimeSec, maxMtimeNsec = e.MtimeSec, e.MtimeNsec
		}
	}

	// Two trailing zero blocks terminate the archive (spec.md §4.7).
	offset += 2 * tario.BlockSize

	a.totalSize = offset
	a.mtimeSec, a.mtimeNsec = maxMtimeSec, maxMtimeNsec
	copy(a.hash[:], hasher.Sum(nil))

	return a, nil
}

func absPath(root, rel string) string {
	if rel == "" {
		return ""
	}
	return root + rel
}

func roundUp512(n int64) int64 {
	if n <= 0 {
		return 0
	}
	return (n + int64(tario.BlockSize) - 1) &^ (int64(tario.BlockSize) - 1)
}

func metaSHA256(e *scan.Entry) [sha256.Size]byte {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%d\x00%d\x00%d", e.TarPath.String(), e.Size, e.MtimeSec, e.MtimeNsec)
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Size is the archive's total byte length across all parts.
func (a *Archive) Size() int64 { return a.totalSize }

// ContentHash is the archive's content fingerprint: SHA-256 over the
// concatenated meta-sha256 of its members in storage order (spec.md §4.8).
func (a *Archive) ContentHash() [sha256.Size]byte { return a.hash }

func (a *Archive) MtimeSec() int64  { return a.mtimeSec }
func (a *Archive) MtimeNsec() int64 { return a.mtimeNsec }

// NumMembers is the number of entries laid out into this archive, in
// storage order (the same order as the bucket.Archive.Members it was built
// from).
func (a *Archive) NumMembers() int { return len(a.members) }

// MemberPayloadOffset returns the i'th member's archive-relative byte
// offset just past its header, i.e. where its payload (if any) begins. Used
// by the index writer to record each entry's offset-to-payload column
// (spec.md §4.8).
func (a *Archive) MemberPayloadOffset(i int) int64 {
	m := a.members[i]
	return m.blockStart + int64(len(m.header))
}

// LocatePart translates an archive-relative global offset into the
// (zero-indexed) part number and the offset within that part.
func (a *Archive) LocatePart(global int64) (part int, local int64) {
	if a.splitSize <= 0 {
		return 0, global
	}
	return int(global / a.splitSize), global % a.splitSize
}

// NumParts returns how many parts the archive is split into, bounded by
// splitSize (tar_split_size). Zero or negative splitSize means unsplit.
func (a *Archive) NumParts() int {
	if a.splitSize <= 0 || a.totalSize <= a.splitSize {
		return 1
	}
	parts := a.totalSize / a.splitSize
	if a.totalSize%a.splitSize != 0 {
		parts++
	}
	return int(parts)
}

// PartSize returns the byte length of the given zero-indexed part.
func (a *Archive) PartSize(part int) int64 {
	start, end := a.partBounds(part)
	return end - start
}

func (a *Archive) partBounds(part int) (start, end int64) {
	if a.splitSize <= 0 {
		return 0, a.totalSize
	}
	start = int64(part) * a.splitSize
	end = start + a.splitSize
	if end > a.totalSize {
		end = a.totalSize
	}
	return start, end
}

// ReadAt fills buf with the archive's bytes at offset within the given
// part, translating to a global stream offset. It streams payload from the
// source file via pread, synthesizes headers on the fly, and zero-pads the
// trailing blocks and any gap between a member's payload and its next
// 512-byte boundary.
func (a *Archive) ReadAt(buf []byte, offset int64, part int) (int, error) {
	partStart, partEnd := a.partBounds(part)
	global := partStart + offset
	if global >= partEnd {
		return 0, io.EOF
	}
	if remaining := partEnd - global; int64(len(buf)) > remaining {
		buf = buf[:remaining]
	}

	n := 0
	for n < len(buf) {
		cur := global + int64(n)
		m, ok := a.memberAt(cur)
		if !ok {
			// Past the last member: zero-padding / trailing blocks.
			zeroed := copy(buf[n:], make([]byte, len(buf)-n))
			n += zeroed
			continue
		}

		local := cur - m.blockStart
		switch {
		case local < int64(len(m.header)):
			copied := copy(buf[n:], m.header[local:])
			n += copied
		case m.sourcePath != "" && local < int64(len(m.header))+m.payloadSize:
			f, err := os.Open(m.sourcePath)
			if err != nil {
				return n, fmt.Errorf("opening %q: %w", m.sourcePath, err)
			}
			payloadOffset := local - int64(len(m.header))
			readLen := len(buf) - n
			if maxLen := m.payloadSize - payloadOffset; int64(readLen) > maxLen {
				readLen = int(maxLen)
			}
			got, err := f.ReadAt(buf[n:n+readLen], payloadOffset)
			f.Close()
			n += got
			if err != nil && err != io.EOF {
				return n, fmt.Errorf("reading %q: %w", m.sourcePath, err)
			}
		default:
			// Zero padding between payload end and the next 512 boundary.
			zeroed := copy(buf[n:], make([]byte, int(m.blockEnd-cur)))
			n += zeroed
		}
	}

	return n, nil
}

func (a *Archive) memberAt(offset int64) (member, bool) {
	lo, hi := 0, len(a.members)
	for lo < hi {
		mid := (lo + hi) / 2
		if a.members[mid].blockEnd <= offset {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(a.members) && a.members[lo].blockStart <= offset && offset < a.members[lo].blockEnd {
		return a.members[lo], true
	}
	return member{}, false
}
