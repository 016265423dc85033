// Package beak is the public facade over the virtual tar engine: scan,
// collection-dir selection, bucket partitioning, archive materialization,
// the index, the virtual filesystem, and restore. It mirrors the shape the
// teacher's pkg/clip/clip.go exposes its own archiver through, wiring the
// internal/ packages together instead of rewriting their logic at this
// layer.
package beak

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/moby/sys/mountinfo"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/beakfs/beak/internal/beakfs"
	"github.com/beakfs/beak/internal/blobstore"
	"github.com/beakfs/beak/internal/bucket"
	"github.com/beakfs/beak/internal/collect"
	"github.com/beakfs/beak/internal/index"
	"github.com/beakfs/beak/internal/patharena"
	"github.com/beakfs/beak/internal/restore"
	"github.com/beakfs/beak/internal/scan"
	"github.com/beakfs/beak/internal/tario"
	"github.com/beakfs/beak/internal/varch"
)

// SetLogLevel switches the global zerolog level, same knob the teacher's
// clip.SetLogLevel exposes.
func SetLogLevel(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// BackupOptions configures one Backup run.
type BackupOptions struct {
	SourcePath string
	// Config is recorded verbatim into the index's #config line, normally
	// the shell-quoted command line the run was invoked with.
	Config string

	Rules             []scan.GlobRule
	ContentSplitGlobs []string
	RelaxTimeChecks   bool
	Now               time.Time

	ForcedDepth       int
	TriggerGlobs      []string
	TargetArchiveSize int64
	TriggerSize       int64

	HeaderStyle tario.HeaderStyle
	// SplitSize is tar_split_size; zero selects
	// varch.DefaultTarSplitSizeMultiplier * TargetArchiveSize.
	SplitSize int64
}

func (o *BackupOptions) setDefaults() {
	if o.TargetArchiveSize == 0 {
		o.TargetArchiveSize = collect.DefaultTargetArchiveSize
	}
	if o.SplitSize == 0 {
		o.SplitSize = varch.DefaultTarSplitSizeMultiplier * o.TargetArchiveSize
	}
}

// BackupResult is one completed backup pass: the in-memory virtual
// filesystem ready to mount or publish, the in-memory index, and the index's
// gzip-compressed bytes as they'd be written to storage.
type BackupResult struct {
	Tree      *beakfs.Tree
	Index     *index.Index
	IndexData []byte
}

// Backup scans opts.SourcePath, selects collection dirs, partitions them
// into archives, builds the index, and assembles the virtual filesystem
// that serves both (spec.md §2 data flow, backup direction).
func Backup(opts BackupOptions) (*BackupResult, error) {
	opts.setDefaults()

	runID := uuid.New().String()
	log := log.With().Str("run_id", runID).Logger()

	sr, err := scan.Scan(opts.SourcePath, scan.Options{
		Rules:             opts.Rules,
		ContentSplitGlobs: opts.ContentSplitGlobs,
		RelaxTimeChecks:   opts.RelaxTimeChecks,
		Now:               opts.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %q: %w", opts.SourcePath, err)
	}

	cr, err := collect.Collect(sr, collect.Options{
		ForcedDepth:       opts.ForcedDepth,
		TriggerGlobs:      opts.TriggerGlobs,
		TargetArchiveSize: opts.TargetArchiveSize,
		TriggerSize:       opts.TriggerSize,
	})
	if err != nil {
		return nil, fmt.Errorf("selecting collection dirs: %w", err)
	}

	idx, err := buildIndex(cr, opts.Config, opts.TargetArchiveSize, opts.SplitSize, opts.HeaderStyle)
	if err != nil {
		return nil, fmt.Errorf("building index: %w", err)
	}

	var indexBuf strings.Builder
	if err := index.Write(&indexBuf, idx); err != nil {
		return nil, fmt.Errorf("rendering index: %w", err)
	}
	indexData := []byte(indexBuf.String())

	var indexSec, indexNsec int64
	if opts.Now.IsZero() {
		indexSec = time.Now().Unix()
	} else {
		indexSec = opts.Now.Unix()
		indexNsec = int64(opts.Now.Nanosecond())
	}

	tree, err := beakfs.Build(cr, opts.SourcePath, opts.HeaderStyle, opts.TargetArchiveSize, opts.SplitSize, indexData, indexSec, indexNsec)
	if err != nil {
		return nil, fmt.Errorf("building virtual filesystem: %w", err)
	}

	log.Info().Str("source", opts.SourcePath).Int("entries", len(idx.Entries)).Int("archives", len(idx.Archives)).Msg("backup complete")

	return &BackupResult{Tree: tree, Index: idx, IndexData: indexData}, nil
}

// buildIndex runs its own bucket.Partition + varch.Build pass over cr,
// independent of the one beakfs.Build performs, so the index's entry
// offsets can be computed without threading index bookkeeping through the
// virtual filesystem's own tree assembly. The tradeoff (every archive's
// layout is computed twice) is recorded in DESIGN.md; both passes are
// deterministic, so they always agree.
func buildIndex(cr *collect.Result, config string, targetSize, splitSize int64, style tario.HeaderStyle) (*index.Index, error) {
	plans := bucket.Partition(cr, targetSize)

	idx := &index.Index{Config: config}
	uids := map[uint32]bool{}
	gids := map[uint32]bool{}

	// Collection dirs are visited in path order so the index's archive and
	// part listings come out deterministic run over run (spec.md P2/P5).
	var ids []patharena.PathID
	for id, info := range cr.Dirs {
		if info.IsCollection {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return cr.Scan.Arena.PathFromID(ids[i]).String() < cr.Scan.Arena.PathFromID(ids[j]).String()
	})

	for _, id := range ids {
		plan := plans[id]
		if plan == nil {
			continue
		}
		for _, a := range plan.Archives {
			built, err := varch.Build(cr.Scan, "", a, style, splitSize)
			if err != nil {
				return nil, fmt.Errorf("laying out archive for %q: %w", cr.Scan.Arena.PathFromID(id).String(), err)
			}
			idx.Size += built.Size()

			names := make([]string, built.NumParts())
			hash := built.ContentHash()
			for part := 0; part < built.NumParts(); part++ {
				names[part] = varch.Name{
					Kind:     varchKindForIndex(a.Kind),
					Sec:      built.MtimeSec(),
					Nsec:     built.MtimeNsec(),
					Size:     built.PartSize(part),
					Hash:     hash,
					PartNr:   part,
					NumParts: built.NumParts(),
				}.Encode()
			}
			idx.Archives = append(idx.Archives, index.ArchiveListing{Names: names})

			multipart := "1"
			if built.NumParts() > 1 {
				multipart = fmt.Sprintf("%d,%d,%d,%d", built.NumParts(), 0, splitSize, built.PartSize(built.NumParts()-1))
			}

			if a.Kind == bucket.KindContentSplitLarge && len(a.Members) > 0 {
				idx.Parts = append(idx.Parts, index.ContentSplitEntry{
					TarPath:  fullPath(cr, a.Members[0]),
					NumParts: built.NumParts(),
				})
			}

			for i, memberID := range a.Members {
				e := cr.Scan.Files[memberID]
				uids[e.Uid] = true
				gids[e.Gid] = true

				payloadOffset := built.MemberPayloadOffset(i)
				part, local := built.LocatePart(payloadOffset)

				linkKind, linkTarget := "", ""
				switch e.LinkKind {
				case scan.LinkSymbolic:
					linkKind, linkTarget = "symlink", e.LinkTarget
				case scan.LinkHard:
					linkKind, linkTarget = "hardlink", fullPath(cr, e.LinkCanonicalID)
				}

				path := fullPath(cr, memberID)
				idx.Entries = append(idx.Entries, index.Entry{
					Mode:            e.Mode,
					Uid:             e.Uid,
					Gid:             e.Gid,
					Size:            e.Size,
					Sec:             e.MtimeSec,
					Nsec:            e.MtimeNsec,
					TarPath:         path,
					LinkKind:        linkKind,
					LinkTarget:      linkTarget,
					ArchiveFilename: names[part],
					Offset:          local,
					Multipart:       multipart,
					MetaSHA256:      index.MetaSHA256(path, e.Size, e.MtimeSec, e.MtimeNsec),
				})
			}
		}
	}

	idx.Uids = setToSlice(uids)
	idx.Gids = setToSlice(gids)

	return idx, nil
}

func setToSlice(s map[uint32]bool) []uint32 {
	out := make([]uint32, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	return out
}

// fullPath renders id's path relative to the source root, the form
// index.Entry.TarPath and restore's destination-join expect — distinct
// from scan.Entry.TarPath, which internal/collect sets relative to the
// entry's owning collection dir for use inside archive headers.
func fullPath(cr *collect.Result, id patharena.PathID) string {
	return strings.TrimPrefix(cr.Scan.Arena.PathFromID(id).String(), "/")
}

func varchKindForIndex(k bucket.Kind) varch.Kind {
	switch k {
	case bucket.KindDir:
		return varch.KindDir
	case bucket.KindSmall:
		return varch.KindSmall
	case bucket.KindMedium:
		return varch.KindMedium
	case bucket.KindLarge:
		return varch.KindLarge
	case bucket.KindContentSplitLarge:
		return varch.KindContentSplit
	default:
		return varch.KindSmall
	}
}

// Mount starts serving tree as a read-only FUSE mount at mountPoint,
// grounded on the teacher's MountArchive wiring (pkg/clip/clip.go): same
// attr/entry cache timeouts and mount options, same start-closure-plus-
// error-channel return shape.
func Mount(tree *beakfs.Tree, mountPoint string) (func() error, <-chan error, *fuse.Server, error) {
	log.Info().Str("mountpoint", mountPoint).Msg("mounting beak filesystem")

	if _, err := os.Stat(mountPoint); os.IsNotExist(err) {
		if err := os.MkdirAll(mountPoint, 0o755); err != nil {
			return nil, nil, nil, fmt.Errorf("creating mount point directory: %w", err)
		}
	} else if mounted, merr := mountinfo.Mounted(mountPoint); merr == nil && mounted {
		return nil, nil, nil, fmt.Errorf("%q is already a mount point", mountPoint)
	}

	root, err := beakfs.NewFS(tree).Root()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("building filesystem root: %w", err)
	}

	attrTimeout := 60 * time.Second
	entryTimeout := 60 * time.Second
	fsOptions := &fs.Options{
		AttrTimeout:  &attrTimeout,
		EntryTimeout: &entryTimeout,
	}

	server, err := fuse.NewServer(fs.NewNodeFS(root, fsOptions), mountPoint, &fuse.MountOptions{
		MaxBackground:        512,
		DisableXAttrs:        true,
		EnableSymlinkCaching: true,
		SyncRead:             false,
		RememberInodes:       true,
		MaxReadAhead:         1024 * 128,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating fuse server: %w", err)
	}

	serverError := make(chan error, 1)
	start := func() error {
		go func() {
			go server.Serve()

			if err := server.WaitMount(); err != nil {
				serverError <- err
				return
			}

			server.Wait()
			close(serverError)
		}()
		return nil
	}

	return start, serverError, server, nil
}

// publishJob is one file publishFiles uploads: path is its location in the
// tree (for ReadAt), key its flat storage-key name.
type publishJob struct {
	path string
	key  string
	size int64
}

// uploadConcurrency bounds how many archive/index uploads Publish runs at
// once; grounded on the teacher's own golang.org/x/sync usage (singleflight
// in pkg/v2/cdn.go) — errgroup is the sibling package in the same module,
// a better fit here since publishing is a one-shot fan-out rather than a
// request-dedup problem.
const uploadConcurrency = 8

// Publish walks result's virtual filesystem and uploads every archive and
// the index file to store, keyed by their flat filenames (archive names
// already embed a content hash, so there's no need to mirror the
// collection-dir hierarchy in storage keys). Uploads run concurrently,
// bounded by uploadConcurrency.
func Publish(ctx context.Context, result *BackupResult, store blobstore.Store) error {
	var jobs []publishJob
	if err := collectPublishJobs(result.Tree, "/", &jobs); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			if err := publishFile(ctx, result.Tree, j.path, j.key, j.size, store); err != nil {
				return fmt.Errorf("publishing %q: %w", j.path, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func collectPublishJobs(tree *beakfs.Tree, path string, jobs *[]publishJob) error {
	entries, err := tree.Readdir(path)
	if err != nil {
		return fmt.Errorf("listing %q: %w", path, err)
	}
	for _, e := range entries {
		child := path
		if !strings.HasSuffix(child, "/") {
			child += "/"
		}
		child += e.Name

		if e.IsDir {
			if err := collectPublishJobs(tree, child, jobs); err != nil {
				return err
			}
			continue
		}
		*jobs = append(*jobs, publishJob{path: child, key: e.Name, size: e.Size})
	}
	return nil
}

func publishFile(ctx context.Context, tree *beakfs.Tree, path, key string, size int64, store blobstore.Store) error {
	return store.Put(ctx, key, size, &treeFileReader{tree: tree, path: path, size: size})
}

// treeFileReader adapts Tree.ReadAt to io.Reader for blobstore.Store.Put.
type treeFileReader struct {
	tree   *beakfs.Tree
	path   string
	size   int64
	offset int64
}

func (r *treeFileReader) Read(p []byte) (int, error) {
	if r.offset >= r.size {
		return 0, io.EOF
	}
	if remain := r.size - r.offset; int64(len(p)) > remain {
		p = p[:remain]
	}
	n, err := r.tree.ReadAt(r.path, p, r.offset)
	r.offset += int64(n)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// RestoreOptions configures one Restore run.
type RestoreOptions struct {
	DestRoot string
	Force    bool
}

// Restore reads idx and replays it onto opts.DestRoot, pulling archive
// payload bytes straight from store rather than requiring the original
// source tree or an in-memory Tree (spec.md §2 data flow, restore
// direction: "external transport delivers blobs to a read-only view; C9
// parses the index; C11 recreates the tree").
func Restore(ctx context.Context, idx *index.Index, store blobstore.Store, opts RestoreOptions) error {
	reader := &storeArchiveReader{ctx: ctx, store: store}
	return restore.Restore(idx, reader, opts.DestRoot, restore.Options{Force: opts.Force})
}

// storeArchiveReader adapts blobstore.Store's ranged Get to
// restore.ArchiveReader's synchronous (name, buf, offset) shape.
type storeArchiveReader struct {
	ctx   context.Context
	store blobstore.Store
}

func (s *storeArchiveReader) ReadArchiveAt(name string, buf []byte, off int64) (int, error) {
	rc, err := s.store.Get(s.ctx, name, off, int64(len(buf)))
	if err != nil {
		return 0, fmt.Errorf("reading archive %q: %w", name, err)
	}
	defer rc.Close()

	n, err := io.ReadFull(rc, buf)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		err = nil
	}
	return n, err
}
