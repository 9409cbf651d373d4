package filesystem

import (
	"encoding/json"
	"strings"

	"bazil.org/fuse"
	"github.com/studipfuse/studipfuse/internal/cache"
	"github.com/studipfuse/studipfuse/internal/studip"
	"github.com/studipfuse/studipfuse/internal/vtree"
)

// Extended attributes exposing per-node diagnostics without disturbing
// the POSIX surface. Tools may ask with or without the "user." prefix.
const (
	xattrKnownTokens = "studip-fuse.known-tokens"
	xattrJSON        = "studip-fuse.json"
	xattrStatus      = "studip-fuse.contents-status"
	xattrException   = "studip-fuse.contents-exception"
	xattrURL         = "studip-fuse.url"

	xattrUserPrefix = "user."
)

var xattrNames = []string{
	xattrKnownTokens,
	xattrJSON,
	xattrStatus,
	xattrException,
	xattrURL,
}

func getxattr(fsys *FS, node *vtree.Node, req *fuse.GetxattrRequest, resp *fuse.GetxattrResponse) error {
	name := strings.TrimPrefix(req.Name, xattrUserPrefix)

	switch name {
	case xattrKnownTokens:
		data, err := json.Marshal(node.TokenValues())
		if err != nil {
			return toFuseErr(err)
		}
		resp.Xattr = data
	case xattrJSON:
		_, entity := node.Entity()
		if entity == nil {
			resp.Xattr = []byte("{}")
		} else {
			resp.Xattr = []byte(studip.Snapshot(entity))
		}
	case xattrStatus:
		resp.Xattr = []byte(contentsStatus(fsys, node))
	case xattrException:
		resp.Xattr = []byte(contentsException(fsys, node))
	case xattrURL:
		kind, entity := node.Entity()
		if fsys.URLs == nil || entity == nil {
			resp.Xattr = []byte{}

			break
		}
		resp.Xattr = []byte(fsys.URLs.WebURL(kind, entityID(node)))
	default:
		return fuse.ErrNoXattr
	}

	return nil
}

func listxattr(resp *fuse.ListxattrResponse) {
	resp.Append(xattrNames...)
}

// contentsStatus renders the node's content state: the expansion state
// for directories, the cache state for file leaves.
func contentsStatus(fsys *FS, node *vtree.Node) string {
	if node.Kind() == vtree.KindFile {
		f := node.File()
		if f != nil && !f.Downloadable {
			return "unavailable"
		}

		switch fsys.Cache.Status(f) {
		case cache.StatusDownloading:
			return "pending"
		case cache.StatusReady:
			return "available"
		case cache.StatusFailed:
			return "failed"
		default:
			return "unknown"
		}
	}

	switch node.State() {
	case vtree.StateExpanding:
		return "pending"
	case vtree.StateExpanded:
		return "available"
	case vtree.StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// contentsException renders the recorded failure, or the empty string.
func contentsException(fsys *FS, node *vtree.Node) string {
	if node.Kind() == vtree.KindFile {
		if err := fsys.Cache.LastErr(node.File()); err != nil {
			return err.Error()
		}

		return ""
	}

	if err := node.Err(); err != nil {
		return err.Error()
	}

	return ""
}

func entityID(node *vtree.Node) string {
	b := node.Bindings()
	switch {
	case b.File != nil:
		return b.File.ID
	case b.Course != nil:
		return b.Course.ID
	case b.Semester != nil:
		return b.Semester.ID
	default:
		return ""
	}
}
