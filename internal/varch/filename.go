// Package varch implements the archive materializer (spec.md §4.7,
// component C7): on-the-fly tar header synthesis and pread-based payload
// streaming, plus the self-describing archive filename grammar of spec.md
// §6.
package varch

import (
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"
)

// Kind is the archive-filename kind character (spec.md §6).
type Kind byte

const (
	KindIndex          Kind = 'z'
	KindDir            Kind = 'y'
	KindSmall          Kind = 's'
	KindMedium         Kind = 'm'
	KindLarge          Kind = 'l'
	KindContentSplit   Kind = 'p'
	nameVersionLiteral      = "01"
)

// Name is the decoded form of an archive filename.
type Name struct {
	Kind     Kind
	Sec      int64
	Nsec     int64
	Size     int64
	Hash     [sha256.Size]byte
	PartNr   int
	NumParts int
}

func (k Kind) ext() string {
	if k == KindIndex {
		return "gz"
	}
	return "tar"
}

// Encode renders the archive filename grammar:
//
//	<kind>01_<sec:12>.<nsec:9>_<size:dec>_<hash:64-hex>_<partnr:hex>.<ext>
//
// partnr's hex width equals the hex width of (num_parts-1), so that
// lexicographic filename order matches part order.
func (n Name) Encode() string {
	width := hexWidth(n.NumParts - 1)
	return fmt.Sprintf("%c%s_%012d.%09d_%d_%x_%0*x.%s",
		n.Kind, nameVersionLiteral, n.Sec, n.Nsec, n.Size, n.Hash, width, n.PartNr, n.ext())
}

func hexWidth(n int) int {
	if n < 1 {
		return 1
	}
	return len(strconv.FormatInt(int64(n), 16))
}

// ParseName decodes an archive filename produced by Encode. It returns an
// error for anything that doesn't match the grammar. The virtual filesystem
// (internal/beakfs) does not call it; it finds archives by exact name.
func ParseName(s string) (Name, error) {
	dot := strings.LastIndexByte(s, '.')
	if dot < 0 {
		return Name{}, fmt.Errorf("archive filename %q: missing extension", s)
	}
	ext := s[dot+1:]
	body := s[:dot]

	if len(body) < 4 || body[1:3] != nameVersionLiteral || body[3] != '_' {
		return Name{}, fmt.Errorf("archive filename %q: bad header", s)
	}
	kind := Kind(body[0])
	switch kind {
	case KindIndex, KindDir, KindSmall, KindMedium, KindLarge, KindContentSplit:
	default:
		return Name{}, fmt.Errorf("archive filename %q: unknown kind %q", s, string(body[0]))
	}
	if kind.ext() != ext {
		return Name{}, fmt.Errorf("archive filename %q: extension %q doesn't match kind %q", s, ext, string(kind))
	}

	fields := strings.Split(body[4:], "_")
	if len(fields) != 4 {
		return Name{}, fmt.Errorf("archive filename %q: expected 4 fields after header, got %d", s, len(fields))
	}

	secNsec := strings.SplitN(fields[0], ".", 2)
	if len(secNsec) != 2 {
		return Name{}, fmt.Errorf("archive filename %q: bad sec.nsec field", s)
	}
	sec, err := strconv.ParseInt(secNsec[0], 10, 64)
	if err != nil {
		return Name{}, fmt.Errorf("archive filename %q: bad sec: %w", s, err)
	}
	nsec, err := strconv.ParseInt(secNsec[1], 10, 64)
	if err != nil {
		return Name{}, fmt.Errorf("archive filename %q: bad nsec: %w", s, err)
	}

	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return Name{}, fmt.Errorf("archive filename %q: bad size: %w", s, err)
	}

	hashBytes, err := decodeHex(fields[2])
	if err != nil || len(hashBytes) != sha256.Size {
		return Name{}, fmt.Errorf("archive filename %q: bad hash", s)
	}
	var hash [sha256.Size]byte
	copy(hash[:], hashBytes)

	partNr, err := strconv.ParseInt(fields[3], 16, 64)
	if err != nil {
		return Name{}, fmt.Errorf("archive filename %q: bad part number: %w", s, err)
	}

	return Name{
		Kind:   kind,
		Sec:    sec,
		Nsec:   nsec,
		Size:   size,
		Hash:   hash,
		PartNr: int(partNr),
	}, nil
}

func decodeHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		hi, err := hexDigit(s[2*i])
		if err != nil {
			return nil, err
		}
		lo, err := hexDigit(s[2*i+1])
		if err != nil {
			return nil, err
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexDigit(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("invalid hex digit %q", c)
	}
}
