package filesystem

import (
	"context"
	"syscall"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
)

// readOnlyNode rejects every mutating operation with EROFS. The mount
// itself is read-only, but the kernel still forwards some requests.
type readOnlyNode struct{}

func (readOnlyNode) Setattr(_ context.Context, _ *fuse.SetattrRequest, _ *fuse.SetattrResponse) error {
	return fuse.ToErrno(syscall.EROFS)
}

func (readOnlyNode) Setxattr(_ context.Context, _ *fuse.SetxattrRequest) error {
	return fuse.ToErrno(syscall.EROFS)
}

func (readOnlyNode) Removexattr(_ context.Context, _ *fuse.RemovexattrRequest) error {
	return fuse.ToErrno(syscall.EROFS)
}

func (readOnlyNode) Mkdir(_ context.Context, _ *fuse.MkdirRequest) (fs.Node, error) {
	return nil, fuse.ToErrno(syscall.EROFS)
}

func (readOnlyNode) Create(_ context.Context, _ *fuse.CreateRequest, _ *fuse.CreateResponse) (fs.Node, fs.Handle, error) {
	return nil, nil, fuse.ToErrno(syscall.EROFS)
}

func (readOnlyNode) Remove(_ context.Context, _ *fuse.RemoveRequest) error {
	return fuse.ToErrno(syscall.EROFS)
}

func (readOnlyNode) Rename(_ context.Context, _ *fuse.RenameRequest, _ fs.Node) error {
	return fuse.ToErrno(syscall.EROFS)
}

func (readOnlyNode) Mknod(_ context.Context, _ *fuse.MknodRequest) (fs.Node, error) {
	return nil, fuse.ToErrno(syscall.EROFS)
}

func (readOnlyNode) Link(_ context.Context, _ *fuse.LinkRequest, _ fs.Node) (fs.Node, error) {
	return nil, fuse.ToErrno(syscall.EROFS)
}

func (readOnlyNode) Symlink(_ context.Context, _ *fuse.SymlinkRequest) (fs.Node, error) {
	return nil, fuse.ToErrno(syscall.EROFS)
}
