// Package restore implements the restore writer (spec.md §4.11, component
// C11): it replays a parsed index onto a destination directory tree in the
// fixed five-phase order the spec requires so link and directory-mtime
// dependencies are always satisfied by the time they're needed.
package restore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/beakfs/beak/internal/index"
)

// ArchiveReader is the read half of the virtual FS (internal/beakfs.Tree
// satisfies it) that restore pulls payload bytes from.
type ArchiveReader interface {
	ReadArchiveAt(archiveFilename string, buf []byte, off int64) (int, error)
}

// Options configures one restore run.
type Options struct {
	// Force overwrites destination files that are newer than the index's
	// recorded mtime. Without it, a newer destination file is left alone
	// (spec.md §6 "Restore destination convention").
	Force bool
}

// Error collects the per-entry failures from one Restore call. Restore
// itself still returns a non-nil error whenever len(Errors) > 0 (spec.md §7:
// "the process returns non-zero on any skip").
type Error struct {
	Errors []error
}

func (e *Error) Error() string {
	return fmt.Sprintf("restore: %d entries failed (first: %v)", len(e.Errors), e.Errors[0])
}

// Restore replays idx onto destRoot in the mandatory order: regular files,
// device/fifo nodes, symlinks, hard links, then directories (spec.md §4.11).
// Per-entry errors are collected and logged rather than aborting the whole
// run, matching the restore propagation policy in spec.md §7.
func Restore(idx *index.Index, src ArchiveReader, destRoot string, opts Options) error {
	regular, devices, symlinks, hardlinks, dirs := classify(idx.Entries)

	var errs []error
	run := func(entries []index.Entry, f func(index.Entry) error) {
		for _, e := range entries {
			if err := f(e); err != nil {
				log.Error().Err(err).Str("path", e.TarPath).Msg("restore: entry skipped")
				errs = append(errs, fmt.Errorf("%s: %w", e.TarPath, err))
			}
		}
	}

	run(regular, func(e index.Entry) error { return restoreRegularFile(e, src, destRoot, opts) })
	run(devices, func(e index.Entry) error { return restoreDeviceNode(e, destRoot) })
	run(symlinks, func(e index.Entry) error { return restoreSymlink(e, destRoot) })
	run(hardlinks, func(e index.Entry) error { return restoreHardLink(e, destRoot) })
	// Directories last: permissions and mtimes, so no earlier phase's file
	// creation bumps a directory's mtime after we set it (spec.md §4.11.5).
	run(dirs, func(e index.Entry) error { return restoreDirMeta(e, destRoot) })

	if len(errs) > 0 {
		return &Error{Errors: errs}
	}
	return nil
}

func classify(entries []index.Entry) (regular, devices, symlinks, hardlinks, dirs []index.Entry) {
	for _, e := range entries {
		switch {
		case e.LinkKind == "hardlink":
			hardlinks = append(hardlinks, e)
		case e.LinkKind == "symlink":
			symlinks = append(symlinks, e)
		case e.Mode&unix.S_IFMT == unix.S_IFDIR:
			dirs = append(dirs, e)
		case e.Mode&unix.S_IFMT == unix.S_IFCHR,
			e.Mode&unix.S_IFMT == unix.S_IFBLK,
			e.Mode&unix.S_IFMT == unix.S_IFIFO:
			devices = append(devices, e)
		default:
			regular = append(regular, e)
		}
	}
	return
}

func destPath(destRoot string, tarPath string) string {
	return filepath.Join(destRoot, tarPath)
}

func entryMtime(e index.Entry) time.Time {
	return time.Unix(e.Sec, e.Nsec)
}

// permOf extracts the rwxrwxrwx permission bits from a raw stat mode.
// Go's os.FileMode encodes setuid/setgid/sticky as distinct high bits from
// the raw unix encoding, so those aren't round-tripped here; restore only
// guarantees ownership-triplet permissions, not the special bits.
func permOf(mode uint32) os.FileMode {
	return os.FileMode(mode & 0o777)
}

// sameMtimeSize reports whether dest's (size, mtime) already match the
// index's recorded values, the only cache keys restore has available
// (spec.md §6).
func sameMtimeSize(fi os.FileInfo, e index.Entry) bool {
	return fi.Size() == e.Size && fi.ModTime().Equal(entryMtime(e))
}

// restoreRegularFile implements phase 1 (spec.md §4.11.1): skip if already
// up to date, chmod-only if just the permissions differ, otherwise pread
// from the archive and rewrite. Entries are assumed not to span an archive
// part boundary, so a single ArchiveFilename/Offset pair always resolves the
// whole payload.
func restoreRegularFile(e index.Entry, src ArchiveReader, destRoot string, opts Options) error {
	dest := destPath(destRoot, e.TarPath)

	fi, statErr := os.Lstat(dest)
	if statErr == nil {
		if fi.Mode().Perm() == permOf(e.Mode).Perm() && sameMtimeSize(fi, e) {
			return nil
		}
		if sameMtimeSize(fi, e) {
			return os.Chmod(dest, permOf(e.Mode).Perm())
		}
		if !opts.Force && fi.ModTime().After(entryMtime(e)) {
			return nil // newer destination file kept
		}
	} else if !os.IsNotExist(statErr) {
		return fmt.Errorf("stat: %w", statErr)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("mkdir parent: %w", err)
	}

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, permOf(e.Mode).Perm())
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	defer out.Close()

	buf := make([]byte, 1<<20)
	var written int64
	for written < e.Size {
		want := int64(len(buf))
		if remain := e.Size - written; want > remain {
			want = remain
		}
		got, rerr := src.ReadArchiveAt(e.ArchiveFilename, buf[:want], e.Offset+written)
		if got > 0 {
			if _, werr := out.Write(buf[:got]); werr != nil {
				return fmt.Errorf("write: %w", werr)
			}
			written += int64(got)
		}
		if rerr != nil && rerr != io.EOF {
			return fmt.Errorf("read archive %q: %w", e.ArchiveFilename, rerr)
		}
		if got == 0 {
			break
		}
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return os.Chtimes(dest, entryMtime(e), entryMtime(e))
}

// restoreDeviceNode implements phase 2 (spec.md §4.11.2).
func restoreDeviceNode(e index.Entry, destRoot string) error {
	dest := destPath(destRoot, e.TarPath)

	fi, err := os.Lstat(dest)
	if err == nil && fi.Mode()&os.ModeType == expectedDeviceModeType(e.Mode) {
		return nil
	}
	if err == nil {
		if rmErr := os.Remove(dest); rmErr != nil {
			return fmt.Errorf("remove stale node: %w", rmErr)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("mkdir parent: %w", err)
	}
	// The index grammar (spec.md §4.8) has no rdev column, so a restored
	// device node's major/minor always comes back as 0/0.
	return unix.Mknod(dest, e.Mode, int(unix.Mkdev(0, 0)))
}

func expectedDeviceModeType(mode uint32) os.FileMode {
	switch mode & unix.S_IFMT {
	case unix.S_IFCHR:
		return os.ModeDevice | os.ModeCharDevice
	case unix.S_IFBLK:
		return os.ModeDevice
	case unix.S_IFIFO:
		return os.ModeNamedPipe
	default:
		return 0
	}
}

// restoreSymlink implements phase 3 (spec.md §4.11.3).
func restoreSymlink(e index.Entry, destRoot string) error {
	dest := destPath(destRoot, e.TarPath)

	if fi, err := os.Lstat(dest); err == nil {
		if fi.Mode()&os.ModeSymlink != 0 {
			if target, rerr := os.Readlink(dest); rerr == nil && target == e.LinkTarget && fi.ModTime().Equal(entryMtime(e)) {
				return nil
			}
		}
		if rmErr := os.Remove(dest); rmErr != nil {
			return fmt.Errorf("remove stale symlink: %w", rmErr)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("mkdir parent: %w", err)
	}
	if err := os.Symlink(e.LinkTarget, dest); err != nil {
		return fmt.Errorf("symlink: %w", err)
	}
	ts := unix.NsecToTimespec(entryMtime(e).UnixNano())
	return unix.UtimesNanoAt(unix.AT_FDCWD, dest, []unix.Timespec{ts, ts}, unix.AT_SYMLINK_NOFOLLOW)
}

// restoreHardLink implements phase 4 (spec.md §4.11.4): by now every
// canonical regular file from phase 1 exists, so link() can succeed.
func restoreHardLink(e index.Entry, destRoot string) error {
	dest := destPath(destRoot, e.TarPath)
	target := destPath(destRoot, e.LinkTarget)

	if fi, err := os.Lstat(dest); err == nil {
		if targetFi, terr := os.Lstat(target); terr == nil && os.SameFile(fi, targetFi) {
			return nil
		}
		if rmErr := os.Remove(dest); rmErr != nil {
			return fmt.Errorf("remove stale hard link: %w", rmErr)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat: %w", err)
	}

	if _, err := os.Lstat(target); err != nil {
		return fmt.Errorf("hard link target %q absent: %w", e.LinkTarget, err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("mkdir parent: %w", err)
	}
	return os.Link(target, dest)
}

// restoreDirMeta implements phase 5 (spec.md §4.11.5): permissions and
// mtimes set last so no earlier phase's file creation disturbs them.
func restoreDirMeta(e index.Entry, destRoot string) error {
	dest := destPath(destRoot, e.TarPath)

	if err := os.MkdirAll(dest, permOf(e.Mode).Perm()|0o700); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	if err := os.Chmod(dest, permOf(e.Mode).Perm()); err != nil {
		return fmt.Errorf("chmod: %w", err)
	}
	return os.Chtimes(dest, entryMtime(e), entryMtime(e))
}
