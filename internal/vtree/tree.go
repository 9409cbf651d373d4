// Package vtree implements the lazy virtual directory tree that
// projects the remote semester/course/folder/file hierarchy through a
// user-configurable path template.
package vtree

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/studipfuse/studipfuse/internal/pathtmpl"
	"github.com/studipfuse/studipfuse/internal/studip"
)

// ErrNotExist is returned when a path resolves to no virtual node.
var ErrNotExist = errors.New("vtree: no such node")

// Backend enumerates remote entities. *studip.Client satisfies it; the
// tests substitute a fake.
type Backend interface {
	Semesters(ctx context.Context) ([]studip.Semester, error)
	Courses(ctx context.Context, semesterID string) ([]studip.Course, error)
	FolderTree(ctx context.Context, courseID string) ([]studip.TreeFile, error)
}

// Kind distinguishes directories from file leaves.
type Kind int

const (
	// KindDirectory is any non-leaf node.
	KindDirectory Kind = iota

	// KindFile is a leaf bound to exactly one remote file.
	KindFile
)

// State is the materialization state of a directory node.
type State int

const (
	// StateUnexpanded means the children have not been computed yet.
	StateUnexpanded State = iota

	// StateExpanding means one expansion is in flight.
	StateExpanding

	// StateExpanded means the child set is complete and fixed.
	StateExpanded

	// StateFailed is terminal; the recorded error is replayed.
	StateFailed
)

// ExpansionError is the terminal failure of a directory node. Every
// current and future consumer of the node observes the same error.
type ExpansionError struct {
	Name string
	Err  error
}

func (e *ExpansionError) Error() string {
	return fmt.Sprintf("expanding %q: %v", e.Name, e.Err)
}

func (e *ExpansionError) Unwrap() error {
	return e.Err
}

// candidate is one remote possibility still consistent with a node:
// bindings fixed so far, the next template segment to render, and any
// unconsumed path components of an already-rendered folder segment.
type candidate struct {
	b    pathtmpl.Bindings
	seg  int
	rest []string
}

// Node is one directory or file of the virtual view. Nodes are created
// lazily when their parent is first expanded and persist for the
// process lifetime.
type Node struct {
	tree *Tree
	name string
	kind Kind
	b    pathtmpl.Bindings
	cand []candidate

	mu       sync.Mutex
	state    State
	done     chan struct{}
	err      error
	children map[string]*Node
	order    []string
}

// Tree owns the virtual node arena.
type Tree struct {
	tmpl    *pathtmpl.Template
	tokens  *pathtmpl.TokenProvider
	backend Backend
	root    *Node
}

// New returns a tree whose root pends over all accessible files of the
// authenticated user.
func New(tmpl *pathtmpl.Template, tokens *pathtmpl.TokenProvider, backend Backend) *Tree {
	t := &Tree{tmpl: tmpl, tokens: tokens, backend: backend}
	t.root = &Node{
		tree: t,
		kind: KindDirectory,
		cand: []candidate{{}},
	}

	return t
}

// Root returns the root node.
func (t *Tree) Root() *Node {
	return t.root
}

// Resolve walks the tree segment by segment, expanding nodes as needed.
// It returns [ErrNotExist] when a component has no matching child. A
// failed ancestor poisons the whole subtree: its recorded error is
// returned instead.
func (t *Tree) Resolve(ctx context.Context, path string) (*Node, error) {
	node := t.root
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return node, nil
	}

	for _, comp := range strings.Split(trimmed, "/") {
		if node.kind != KindDirectory {
			return nil, ErrNotExist
		}

		child, err := node.Child(ctx, comp)
		if err != nil {
			return nil, err
		}
		node = child
	}

	return node, nil
}

// Name returns the display name of the node (empty for the root).
func (n *Node) Name() string {
	return n.name
}

// Kind returns whether the node is a directory or a file leaf.
func (n *Node) Kind() Kind {
	return n.kind
}

// Bindings returns the entities fixed at this node.
func (n *Node) Bindings() pathtmpl.Bindings {
	return n.b
}

// File returns the bound remote file of a leaf, or nil.
func (n *Node) File() *studip.File {
	return n.b.File
}

// TokenValues renders all defined tokens under this node's bindings.
func (n *Node) TokenValues() map[pathtmpl.Token]string {
	return n.tree.tokens.Values(n.b)
}

// State returns the materialization state.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.state
}

// Err returns the recorded expansion error, or nil.
func (n *Node) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.err
}

// Expand materializes the child set. At most one expansion is in flight
// per node; concurrent callers wait on the same readiness signal. The
// computation is detached from the caller's context, so one waiter
// leaving never aborts it for the others. Expanding an expanded node is
// a no-op.
func (n *Node) Expand(ctx context.Context) error {
	if n.kind != KindDirectory {
		return nil
	}

	n.mu.Lock()
	switch n.state {
	case StateExpanded:
		n.mu.Unlock()

		return nil
	case StateFailed:
		err := n.err
		n.mu.Unlock()

		return err
	case StateExpanding:
		// fall through to wait
	case StateUnexpanded:
		n.state = StateExpanding
		n.done = make(chan struct{})

		go func(ctx context.Context) {
			children, err := n.tree.computeChildren(ctx, n)

			n.mu.Lock()
			if err != nil {
				n.state = StateFailed
				n.err = &ExpansionError{Name: n.name, Err: err}
			} else {
				n.state = StateExpanded
				n.children = children
				n.order = make([]string, 0, len(children))
				for name := range children {
					n.order = append(n.order, name)
				}
				slices.Sort(n.order)
			}
			close(n.done)
			n.mu.Unlock()
		}(context.WithoutCancel(ctx))
	}
	done := n.done
	n.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck
	case <-done:
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	return n.err
}

// Children expands the node if needed and returns the child nodes
// sorted by display name. The order is stable within a process run.
func (n *Node) Children(ctx context.Context) ([]*Node, error) {
	if err := n.Expand(ctx); err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]*Node, 0, len(n.order))
	for _, name := range n.order {
		out = append(out, n.children[name])
	}

	return out, nil
}

// Child expands the node if needed and returns the named child, or
// [ErrNotExist]. Lookups are case-sensitive.
func (n *Node) Child(ctx context.Context, name string) (*Node, error) {
	if err := n.Expand(ctx); err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	child, ok := n.children[name]
	if !ok {
		return nil, ErrNotExist
	}

	return child, nil
}

// Entity returns the deepest bound entity snapshot and its kind name,
// for the studip-fuse.json and studip-fuse.url extended attributes.
func (n *Node) Entity() (string, any) {
	switch {
	case n.b.File != nil:
		return "file", n.b.File
	case n.b.Course != nil:
		return "course", n.b.Course
	case n.b.Semester != nil:
		return "semester", n.b.Semester
	default:
		return "", nil
	}
}
