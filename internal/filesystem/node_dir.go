package filesystem

import (
	"context"
	"os"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/studipfuse/studipfuse/internal/vtree"
)

var (
	_ fs.Node               = (*dirNode)(nil)
	_ fs.NodeOpener         = (*dirNode)(nil)
	_ fs.HandleReadDirAller = (*dirNode)(nil)
	_ fs.NodeStringLookuper = (*dirNode)(nil)
	_ fs.NodeGetxattrer     = (*dirNode)(nil)
	_ fs.NodeListxattrer    = (*dirNode)(nil)
)

// dirNode is a directory of the virtual view: a grouping of remote
// entities under one rendered template segment. Children materialize
// on first listing or lookup and stay fixed for the process lifetime.
type dirNode struct {
	readOnlyNode

	fsys  *FS         // Pointer to our filesystem.
	inode uint64      // Inode within our filesystem.
	node  *vtree.Node // Virtual node backing this directory.
	mtime time.Time   // Synthetic modified time (bound entity or mount).
}

func (d *dirNode) Attr(_ context.Context, a *fuse.Attr) error {
	a.Mode = os.ModeDir | dirBasePerm
	a.Inode = d.inode

	a.Atime = d.mtime
	a.Ctime = d.mtime
	a.Mtime = d.mtime

	return nil
}

func (d *dirNode) Open(_ context.Context, _ *fuse.OpenRequest, resp *fuse.OpenResponse) (fs.Handle, error) {
	if !d.fsys.Options.StrictCache {
		resp.Flags |= fuse.OpenKeepCache | fuse.OpenCacheDir
	}

	return d, nil
}

func (d *dirNode) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	d.fsys.Metrics.TotalReaddirs.Add(1)

	children, err := d.node.Children(ctx)
	if err != nil {
		d.fsys.rbuf.Printf("%q->ReadDirAll: %v\n", d.node.Name(), err)

		return nil, d.fsys.countError(toFuseErr(err))
	}

	resp := make([]fuse.Dirent, 0, len(children)+2)
	resp = append(resp,
		fuse.Dirent{Name: ".", Type: fuse.DT_Dir, Inode: d.inode},
		fuse.Dirent{Name: "..", Type: fuse.DT_Dir, Inode: d.inode},
	)

	// Children arrive sorted by display name, stable within a run.
	for _, child := range children {
		de := fuse.Dirent{
			Name:  child.Name(),
			Type:  fuse.DT_Dir,
			Inode: fs.GenerateDynamicInode(d.inode, child.Name()),
		}
		if child.Kind() == vtree.KindFile {
			de.Type = fuse.DT_File
		}
		resp = append(resp, de)
	}

	return resp, nil
}

func (d *dirNode) Lookup(ctx context.Context, name string) (fs.Node, error) {
	d.fsys.Metrics.TotalLookups.Add(1)

	child, err := d.node.Child(ctx, name)
	if err != nil {
		if err != vtree.ErrNotExist {
			d.fsys.rbuf.Printf("%q->Lookup->%q: %v\n", d.node.Name(), name, err)
		}

		return nil, d.fsys.countError(toFuseErr(err))
	}

	inode := fs.GenerateDynamicInode(d.inode, name)
	if child.Kind() == vtree.KindFile {
		return &fileNode{
			fsys:  d.fsys,
			inode: inode,
			node:  child,
			file:  child.File(),
		}, nil
	}

	return &dirNode{
		fsys:  d.fsys,
		inode: inode,
		node:  child,
		mtime: dirMtime(child, d.fsys.MountTime),
	}, nil
}

func (d *dirNode) Getxattr(ctx context.Context, req *fuse.GetxattrRequest, resp *fuse.GetxattrResponse) error {
	return getxattr(d.fsys, d.node, req, resp)
}

func (d *dirNode) Listxattr(_ context.Context, _ *fuse.ListxattrRequest, resp *fuse.ListxattrResponse) error {
	listxattr(resp)

	return nil
}

// dirMtime derives a synthetic directory timestamp from the deepest
// bound entity, falling back to the mount time.
func dirMtime(n *vtree.Node, fallback time.Time) time.Time {
	if b := n.Bindings(); b.Semester != nil && !b.Semester.Begin.IsZero() {
		return b.Semester.Begin.Time
	}

	return fallback
}
