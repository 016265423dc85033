// Package bucket implements the bucket/partitioner (spec.md §4.6, component
// C6): within one collection dir, groups entries into archives by size
// class, using a hash-of-tar-path bucket assignment so that renaming one
// file only ever changes that file's own archive.
package bucket

import (
	"sort"

	"github.com/beakfs/beak/internal/collect"
	"github.com/beakfs/beak/internal/patharena"
	"github.com/beakfs/beak/internal/scan"
)

// Kind names an archive's role within a collection dir.
type Kind int

const (
	KindDir Kind = iota
	KindSmall
	KindMedium
	KindLarge
	KindContentSplitLarge
)

// Archive is one partitioned group of entries destined for a single virtual
// tar file (spec.md §4.7 builds the bytes; this package only decides
// membership and order).
type Archive struct {
	Kind    Kind
	Slot    int // index within its kind, or tarpath_hash for KindLarge/KindContentSplitLarge
	Members []patharena.PathID
}

// Plan is the partitioning of one collection dir's entries.
type Plan struct {
	CollectionDir patharena.PathID
	Archives      []*Archive
}

// Partition runs the classifier and bucket assignment for every collection
// dir in cr.
func Partition(cr *collect.Result, targetArchiveSize int64) map[patharena.PathID]*Plan {
	plans := make(map[patharena.PathID]*Plan, len(cr.Dirs))
	for id, info := range cr.Dirs {
		if !info.IsCollection {
			continue
		}
		plans[id] = partitionOne(cr.Scan, id, info, targetArchiveSize)
	}
	return plans
}

func partitionOne(sr *scan.Result, dirID patharena.PathID, info *collect.DirInfo, targetArchiveSize int64) *Plan {
	smallSize := targetArchiveSize / 100
	mediumSize := targetArchiveSize

	// The collection dir's own directory record is always its dir
	// archive's first member (spec.md §4.6 example 1: "one y-archive
	// containing only the /src directory record"), since its own entry is
	// never embedded in itself via info.Entries.
	dirMembers := []patharena.PathID{dirID}
	var smallMembers, mediumMembers, largeMembers []patharena.PathID
	var smallFilesSize, mediumFilesSize int64

	for _, id := range info.Entries {
		e := sr.Files[id]
		switch {
		case e.IsDir:
			dirMembers = append(dirMembers, id)
		case e.BlockedSize < smallSize:
			smallMembers = append(smallMembers, id)
			smallFilesSize += e.BlockedSize
		case e.BlockedSize < mediumSize:
			mediumMembers = append(mediumMembers, id)
			mediumFilesSize += e.BlockedSize
		default:
			largeMembers = append(largeMembers, id)
		}
	}

	numSmallTars := findNumTarsFromSize(targetArchiveSize, smallFilesSize)
	numMediumTars := findNumTarsFromSize(targetArchiveSize, mediumFilesSize)

	if smallFilesSize <= targetArchiveSize || mediumFilesSize <= targetArchiveSize {
		// The small or the medium tar (or both) is not full on its own:
		// merge them into one set of buckets (spec.md §4.6 merge rule). Every
		// medium entry already satisfies blocked_size < mediumSize, which
		// is exactly the post-merge small/medium boundary, so folding the
		// membership lists together is equivalent to reclassifying them.
		numSmallTars = numSmallTars + numMediumTars - 1
		if numSmallTars < 1 {
			numSmallTars = 1
		}
		smallMembers = append(smallMembers, mediumMembers...)
		mediumMembers = nil
		numMediumTars = 0
	}

	plan := &Plan{CollectionDir: dirID}

	dirArchive := &Archive{Kind: KindDir}
	hardLinks, rest := splitHardLinksFirst(sr, dirMembers)
	dirArchive.Members = append(hardLinks, rest...)
	if len(dirArchive.Members) > 0 {
		plan.Archives = append(plan.Archives, dirArchive)
	}

	plan.Archives = append(plan.Archives, bucketize(sr, KindSmall, smallMembers, numSmallTars)...)
	plan.Archives = append(plan.Archives, bucketize(sr, KindMedium, mediumMembers, numMediumTars)...)
	plan.Archives = append(plan.Archives, largeArchives(sr, largeMembers)...)

	return plan
}

// splitHardLinksFirst splits an archive's members into hard-link entries and
// the rest, each keeping its input order, so callers can place the hard
// links first. It is applied to every archive kind; the dir archive holds
// directories only, so its hard-link half is always empty.
func splitHardLinksFirst(sr *scan.Result, ids []patharena.PathID) (hardLinks, rest []patharena.PathID) {
	for _, id := range ids {
		if sr.Files[id].LinkKind == scan.LinkHard {
			hardLinks = append(hardLinks, id)
		} else {
			rest = append(rest, id)
		}
	}
	return hardLinks, rest
}

func bucketize(sr *scan.Result, kind Kind, members []patharena.PathID, numBuckets int) []*Archive {
	if numBuckets <= 0 || len(members) == 0 {
		return nil
	}
	buckets := make([][]patharena.PathID, numBuckets)
	for _, id := range members {
		e := sr.Files[id]
		slot := int(e.TarpathHash % uint32(numBuckets))
		buckets[slot] = append(buckets[slot], id)
	}
	var out []*Archive
	for slot, members := range buckets {
		if len(members) == 0 {
			continue
		}
		hardLinks, rest := splitHardLinksFirst(sr, members)
		out = append(out, &Archive{Kind: kind, Slot: slot, Members: append(hardLinks, rest...)})
	}
	return out
}

func largeArchives(sr *scan.Result, members []patharena.PathID) []*Archive {
	byHash := make(map[uint32][]patharena.PathID)
	for _, id := range members {
		e := sr.Files[id]
		byHash[e.TarpathHash] = append(byHash[e.TarpathHash], id)
	}
	hashes := make([]uint32, 0, len(byHash))
	for h := range byHash {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })

	var out []*Archive
	for _, h := range hashes {
		ids := byHash[h]
		kind := KindLarge
		for _, id := range ids {
			if sr.Files[id].ShouldContentSplit {
				kind = KindContentSplitLarge
				break
			}
		}
		hardLinks, rest := splitHardLinksFirst(sr, ids)
		out = append(out, &Archive{Kind: kind, Slot: int(h), Members: append(hardLinks, rest...)})
	}
	return out
}

// findNumTarsFromSize returns the smallest power of 2 n such that
// amount*n >= totalSize (spec.md §4.6), grounded on the original's
// doubling loop in forward.cc.
func findNumTarsFromSize(amount, totalSize int64) int {
	if totalSize <= 0 {
		return 0
	}
	n := 1
	for amount < totalSize {
		amount *= 2
		n *= 2
	}
	return n
}
