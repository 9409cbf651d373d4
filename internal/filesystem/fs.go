// Package filesystem implements the FUSE filesystem over the virtual
// node tree: a strictly read-only projection of the remote file area.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"syscall"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/studipfuse/studipfuse/internal/cache"
	"github.com/studipfuse/studipfuse/internal/logging"
	"github.com/studipfuse/studipfuse/internal/studip"
	"github.com/studipfuse/studipfuse/internal/vtree"
)

const (
	fileBasePerm = 0o444 // RO
	dirBasePerm  = 0o555 // RO

	statfsBlockSize = 4096
	statfsNameLen   = 255
)

var (
	_ fs.FS               = (*FS)(nil)
	_ fs.FSStatfser       = (*FS)(nil)
	_ fs.FSInodeGenerator = (*FS)(nil)

	errMissingArgument = errors.New("missing argument")
)

// URLResolver renders an entity's web interface URL for the
// studip-fuse.url extended attribute. *studip.Client satisfies it.
type URLResolver interface {
	WebURL(kind, id string) string
}

// Options contains all settings for the operation of the filesystem.
type Options struct {
	// StrictCache disables kernel-side caching of directory contents.
	StrictCache bool
}

// Metrics contains all counters collected within the filesystem.
type Metrics struct {
	// TotalLookups is the amount of path component lookups.
	TotalLookups atomic.Int64

	// TotalReaddirs is the amount of directory listings.
	TotalReaddirs atomic.Int64

	// TotalReads is the amount of read requests served.
	TotalReads atomic.Int64

	// TotalReadBytes is the amount of bytes served to the kernel.
	TotalReadBytes atomic.Int64

	// OpenHandles is the amount of currently open file handles.
	OpenHandles atomic.Int64

	// TotalOpenedHandles is the amount of file handles handed out.
	TotalOpenedHandles atomic.Int64

	// TotalErrors is the amount of operations answered with an error.
	TotalErrors atomic.Int64
}

// FS is the core implementation of the studipfuse filesystem.
type FS struct {
	Tree  *vtree.Tree
	Cache *cache.Cache
	URLs  URLResolver

	Options   *Options
	Metrics   *Metrics
	MountTime time.Time

	rbuf *logging.RingBuffer
}

// NewFS returns a pointer to a new [FS].
func NewFS(tree *vtree.Tree, contentCache *cache.Cache, urls URLResolver, opts *Options, rbuf *logging.RingBuffer) (*FS, error) {
	if tree == nil {
		return nil, fmt.Errorf("%w: need a virtual tree", errMissingArgument)
	}
	if contentCache == nil {
		return nil, fmt.Errorf("%w: need a content cache", errMissingArgument)
	}
	if rbuf == nil {
		return nil, fmt.Errorf("%w: need a ring buffer", errMissingArgument)
	}
	if opts == nil {
		opts = &Options{}
	}

	return &FS{
		Tree:      tree,
		Cache:     contentCache,
		URLs:      urls,
		Options:   opts,
		Metrics:   &Metrics{},
		MountTime: time.Now(),
		rbuf:      rbuf,
	}, nil
}

// Root returns the entry-point [fs.Node] of the filesystem.
func (fsys *FS) Root() (fs.Node, error) {
	return &dirNode{
		fsys:  fsys,
		inode: 1,
		node:  fsys.Tree.Root(),
		mtime: fsys.MountTime,
	}, nil
}

// Statfs answers with synthetic values: the tree has no block device
// underneath, but tools expect plausible numbers.
func (fsys *FS) Statfs(_ context.Context, _ *fuse.StatfsRequest, resp *fuse.StatfsResponse) error {
	resp.Bsize = statfsBlockSize
	resp.Namelen = statfsNameLen

	return nil
}

// GenerateInode implements [fs.FSInodeGenerator] to prevent dynamic
// inode generation by the fallback method inside of the FUSE library.
//
// [FS] handles inodes internally, so a zero inode reaching the library
// means internal inode handling needs fixing up; panic to reveal where.
func (fsys *FS) GenerateInode(_ uint64, _ string) uint64 {
	panic("unhandled zero inode triggered an illegal dynamic generation")
}

// countError passes through an operation error after counting it.
func (fsys *FS) countError(err error) error {
	fsys.Metrics.TotalErrors.Add(1)

	return err
}

// toFuseErr maps the error taxonomy onto errnos: unknown paths become
// ENOENT, auth failures EACCES, everything else EIO. The original
// reason stays retrievable via the contents-exception attribute.
func toFuseErr(err error) error {
	switch {
	case errors.Is(err, vtree.ErrNotExist):
		return fuse.ToErrno(syscall.ENOENT)
	case errors.Is(err, studip.ErrAuth):
		return fuse.ToErrno(syscall.EACCES)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fuse.ToErrno(syscall.EINTR)
	default:
		return fuse.ToErrno(syscall.EIO)
	}
}
