package beakfs

import (
	"context"
	"io"
	"path"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// FS adapts a Tree to go-fuse, mirroring the teacher's ClipFileSystem shape.
// Every node resolves lookups/reads through the Tree rather than holding its
// own state, so the mutex in Tree is the single guard spec.md §5 requires.
type FS struct {
	tree *Tree
	root *fsNode
}

// NewFS wraps tree for mounting with go-fuse's fs.NewNodeFS / server.Mount.
func NewFS(tree *Tree) *FS {
	fsys := &FS{tree: tree}
	fsys.root = &fsNode{fsys: fsys, path: "/"}
	return fsys
}

func (f *FS) Root() (fs.InodeEmbedder, error) {
	return f.root, nil
}

// fsNode is one inode in the mounted tree. It carries no cached attributes;
// every operation re-resolves path against the Tree, which is cheap (map
// lookups) and keeps a single source of truth.
type fsNode struct {
	fs.Inode
	fsys *FS
	path string
}

func fillAttr(a *fuse.Attr, attr Attr) {
	if attr.IsDir {
		a.Mode = syscall.S_IFDIR | 0o555
	} else {
		a.Mode = syscall.S_IFREG | 0o444
	}
	a.Size = uint64(attr.Size)
	a.Mtime = uint64(attr.MtimeSec)
	a.Mtimensec = uint32(attr.MtimeNsec)
	a.Atime = a.Mtime
	a.Ctime = a.Mtime
}

func (n *fsNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	attr, err := n.fsys.tree.Stat(n.path)
	if err != nil {
		return syscall.ENOENT
	}
	fillAttr(&out.Attr, attr)
	return fs.OK
}

func (n *fsNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childPath := path.Join(n.path, name)

	attr, err := n.fsys.tree.Stat(childPath)
	if err != nil {
		return nil, syscall.ENOENT
	}
	fillAttr(&out.Attr, attr)

	mode := uint32(syscall.S_IFREG)
	if attr.IsDir {
		mode = syscall.S_IFDIR
	}
	child := n.NewInode(ctx, &fsNode{fsys: n.fsys, path: childPath}, fs.StableAttr{Mode: mode})
	return child, fs.OK
}

func (n *fsNode) Opendir(ctx context.Context) syscall.Errno {
	return fs.OK
}

func (n *fsNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.fsys.tree.Readdir(n.path)
	if err != nil {
		return nil, syscall.ENOTDIR
	}
	list := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		mode := uint32(syscall.S_IFREG)
		if e.IsDir {
			mode = syscall.S_IFDIR
		}
		list = append(list, fuse.DirEntry{Name: e.Name, Mode: mode})
	}
	return fs.NewListDirStream(list), fs.OK
}

func (n *fsNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, fuse.FOPEN_KEEP_CACHE, fs.OK
}

// Read pread's the archive or index file directly; the Tree releases its
// lock before copying bytes (spec.md §4.10/§5), so concurrent reads of
// different archives don't serialize on each other.
func (n *fsNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	got, err := n.fsys.tree.ReadAt(n.path, dest, off)
	if err != nil && err != io.EOF {
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:got]), fs.OK
}

func (n *fsNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	return nil, syscall.EINVAL
}

// Every mutating operation is rejected: beak's mounted view is read-only
// (spec.md §4.10).

func (n *fsNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	return nil, nil, 0, syscall.EROFS
}

func (n *fsNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return nil, syscall.EROFS
}

func (n *fsNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	return syscall.EROFS
}

func (n *fsNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return syscall.EROFS
}

func (n *fsNode) Rename(ctx context.Context, oldName string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	return syscall.EROFS
}

func (n *fsNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	return syscall.EROFS
}
