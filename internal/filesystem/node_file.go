package filesystem

import (
	"context"
	"io"
	"os"
	"syscall"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/studipfuse/studipfuse/internal/studip"
	"github.com/studipfuse/studipfuse/internal/vtree"
)

var (
	_ fs.Node            = (*fileNode)(nil)
	_ fs.NodeOpener      = (*fileNode)(nil)
	_ fs.NodeGetxattrer  = (*fileNode)(nil)
	_ fs.NodeListxattrer = (*fileNode)(nil)

	_ fs.HandleReader   = (*fileHandle)(nil)
	_ fs.HandleReleaser = (*fileHandle)(nil)
)

// fileNode is a leaf of the virtual view, bound to exactly one remote
// file. The first open pulls the content into the on-disk cache; every
// later read is served from there.
type fileNode struct {
	readOnlyNode

	fsys  *FS          // Pointer to our filesystem.
	inode uint64       // Inode within our filesystem.
	node  *vtree.Node  // Virtual node backing this file.
	file  *studip.File // Bound remote file snapshot.
}

func (f *fileNode) Attr(_ context.Context, a *fuse.Attr) error {
	a.Mode = fileBasePerm
	a.Inode = f.inode
	a.Size = f.file.Size

	mtime := f.file.Chdate.Time
	if mtime.IsZero() {
		mtime = f.fsys.MountTime
	}
	ctime := f.file.Mkdate.Time
	if ctime.IsZero() {
		ctime = mtime
	}

	a.Atime = mtime
	a.Ctime = ctime
	a.Mtime = mtime

	return nil
}

func (f *fileNode) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fs.Handle, error) {
	if !req.Flags.IsReadOnly() {
		return nil, f.fsys.countError(fuse.ToErrno(syscall.EROFS))
	}
	if !f.file.Downloadable {
		return nil, f.fsys.countError(fuse.ToErrno(syscall.EACCES))
	}

	r, err := f.fsys.Cache.Open(ctx, f.file)
	if err != nil {
		f.fsys.rbuf.Printf("%q->Open: %v\n", f.file.Name, err)

		return nil, f.fsys.countError(toFuseErr(err))
	}

	if !f.fsys.Options.StrictCache {
		resp.Flags |= fuse.OpenKeepCache
	}

	f.fsys.Metrics.OpenHandles.Add(1)
	f.fsys.Metrics.TotalOpenedHandles.Add(1)

	return &fileHandle{fsys: f.fsys, r: r}, nil
}

func (f *fileNode) Getxattr(_ context.Context, req *fuse.GetxattrRequest, resp *fuse.GetxattrResponse) error {
	return getxattr(f.fsys, f.node, req, resp)
}

func (f *fileNode) Listxattr(_ context.Context, _ *fuse.ListxattrRequest, resp *fuse.ListxattrResponse) error {
	listxattr(resp)

	return nil
}

// fileHandle reads from the cached on-disk copy.
type fileHandle struct {
	fsys *FS
	r    *os.File
}

func (h *fileHandle) Read(_ context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	buf := make([]byte, req.Size)

	n, err := h.r.ReadAt(buf, req.Offset)
	if err != nil && err != io.EOF {
		return h.fsys.countError(toFuseErr(err))
	}
	resp.Data = buf[:n]

	h.fsys.Metrics.TotalReads.Add(1)
	h.fsys.Metrics.TotalReadBytes.Add(int64(n))

	return nil
}

func (h *fileHandle) Release(_ context.Context, _ *fuse.ReleaseRequest) error {
	h.fsys.Metrics.OpenHandles.Add(-1)

	return h.r.Close() //nolint:wrapcheck
}
