package vtree

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/studipfuse/studipfuse/internal/pathtmpl"
)

const disambigDigits = 8

// stepEntry is one prospective child derived from a candidate: its
// display name before disambiguation, the narrowed candidate, whether
// it is a file leaf, and the id of the entity the grouping level bound
// (empty when entries of the same name should simply merge).
type stepEntry struct {
	name string
	cand candidate
	leaf bool
	key  string
}

// computeChildren runs the expansion algorithm: render the node's
// candidates one segment forward, group by display name, disambiguate
// collisions, and construct the child nodes.
func (t *Tree) computeChildren(ctx context.Context, n *Node) (map[string]*Node, error) {
	byName := make(map[string][]stepEntry)
	var names []string

	for _, c := range n.cand {
		entries, err := t.step(ctx, c)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if _, seen := byName[e.name]; !seen {
				names = append(names, e.name)
			}
			byName[e.name] = append(byName[e.name], e)
		}
	}

	children := make(map[string]*Node)
	for _, name := range names {
		t.buildChildren(n, name, byName[name], children)
	}

	return children, nil
}

// step advances one candidate by a single path component. When the
// candidate still carries unconsumed components of a rendered folder
// segment, the next of those is the component; otherwise the next
// template segment is rendered against every matching remote entity. A
// segment rendering to the empty string is collapsed: the candidate
// spills into the following segment (this is how files in a course's
// generic root folder surface directly at the course level).
func (t *Tree) step(ctx context.Context, c candidate) ([]stepEntry, error) {
	if len(c.rest) > 0 {
		next := candidate{b: c.b, seg: c.seg, rest: c.rest[1:]}
		leaf := len(next.rest) == 0 && next.seg == len(t.tmpl.Segments) && c.b.File != nil

		key := ""
		if leaf {
			key = c.b.File.ID
		}

		return []stepEntry{{name: c.rest[0], cand: next, leaf: leaf, key: key}}, nil
	}

	if c.seg >= len(t.tmpl.Segments) {
		return nil, nil
	}
	seg := t.tmpl.Segments[c.seg]

	cands, err := t.enumerate(ctx, c, seg.Level)
	if err != nil {
		return nil, err
	}

	var out []stepEntry
	for _, e := range cands {
		rendered := seg.Render(t.tokens.Values(e.b))
		parts := splitComponents(rendered)
		next := candidate{b: e.b, seg: c.seg + 1}

		if len(parts) == 0 {
			if next.seg >= len(t.tmpl.Segments) {
				// A file whose final segment renders empty cannot be
				// addressed; it is dropped rather than invented a name.
				continue
			}
			spilled, err := t.step(ctx, next)
			if err != nil {
				return nil, err
			}
			out = append(out, spilled...)

			continue
		}

		next.rest = parts[1:]
		leaf := len(next.rest) == 0 && next.seg == len(t.tmpl.Segments) && e.b.File != nil
		out = append(out, stepEntry{
			name: parts[0],
			cand: next,
			leaf: leaf,
			key:  groupKey(seg.Level, e.b),
		})
	}

	return out, nil
}

// enumerate widens a candidate's bindings to the target level, fetching
// remote entities strictly in order: semester, course, then the folder
// subtree (which binds folder path and file together).
func (t *Tree) enumerate(ctx context.Context, c candidate, target pathtmpl.Level) ([]candidate, error) {
	if target <= c.b.Level() {
		return []candidate{c}, nil
	}

	var out []candidate
	switch {
	case c.b.Semester == nil:
		semesters, err := t.backend.Semesters(ctx)
		if err != nil {
			return nil, err
		}
		for i := range semesters {
			next := c
			next.b.Semester = &semesters[i]
			sub, err := t.enumerate(ctx, next, target)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
		}
	case c.b.Course == nil:
		courses, err := t.backend.Courses(ctx, c.b.Semester.ID)
		if err != nil {
			return nil, err
		}
		for i := range courses {
			next := c
			next.b.Course = &courses[i]
			sub, err := t.enumerate(ctx, next, target)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
		}
	case c.b.File == nil:
		files, err := t.backend.FolderTree(ctx, c.b.Course.ID)
		if err != nil {
			return nil, err
		}
		for i := range files {
			next := c
			next.b.File = &files[i].File
			next.b.FolderPath = files[i].Path
			out = append(out, next)
		}
	default:
		return nil, fmt.Errorf("no enumeration towards level %s from %s", target, c.b.Level())
	}

	return out, nil
}

// buildChildren turns one display-name group into child nodes. Entries
// whose grouping keys differ refer to distinct remote entities and
// receive a stable parenthesized id-prefix suffix; entries with equal
// (or empty) keys merge into a single child.
func (t *Tree) buildChildren(parent *Node, name string, entries []stepEntry, children map[string]*Node) {
	byKey := make(map[string][]stepEntry)
	var keys []string
	for _, e := range entries {
		if _, seen := byKey[e.key]; !seen {
			keys = append(keys, e.key)
		}
		byKey[e.key] = append(byKey[e.key], e)
	}
	slices.Sort(keys)

	for _, key := range keys {
		childName := name
		if len(byKey) > 1 && key != "" {
			childName = fmt.Sprintf("%s (%s)", name, idPrefix(key))
		}
		children[childName] = t.buildNode(childName, byKey[key])
	}
}

func (t *Tree) buildNode(name string, entries []stepEntry) *Node {
	allLeaf := true
	cands := make([]candidate, 0, len(entries))
	for _, e := range entries {
		if !e.leaf {
			allLeaf = false
		}
		cands = append(cands, e.cand)
	}

	if allLeaf {
		// Equal keys imply one remote file; any entry's bindings do.
		return &Node{
			tree:  t,
			name:  name,
			kind:  KindFile,
			b:     entries[0].cand.b,
			state: StateExpanded,
		}
	}

	dirCands := make([]candidate, 0, len(cands))
	for i, e := range entries {
		if e.leaf {
			continue // swallowed by a directory of the same entity
		}
		dirCands = append(dirCands, cands[i])
	}

	return &Node{
		tree: t,
		name: name,
		kind: KindDirectory,
		b:    commonBindings(dirCands),
		cand: dirCands,
	}
}

// commonBindings keeps only the entities every candidate agrees on, so
// a node's extended attributes never claim more than is actually fixed.
func commonBindings(cands []candidate) pathtmpl.Bindings {
	if len(cands) == 0 {
		return pathtmpl.Bindings{}
	}

	b := cands[0].b
	for _, c := range cands[1:] {
		if b.Semester != nil && (c.b.Semester == nil || c.b.Semester.ID != b.Semester.ID) {
			b.Semester = nil
		}
		if b.Course != nil && (c.b.Course == nil || c.b.Course.ID != b.Course.ID) {
			b.Course = nil
		}
		if b.File != nil && (c.b.File == nil || c.b.File.ID != b.File.ID) {
			b.File = nil
			b.FolderPath = nil
		}
	}

	return b
}

// groupKey is the id of the entity bound at the segment's level. Folder
// level has no id of its own (same-named folder paths merge), as have
// literal-only segments.
func groupKey(level pathtmpl.Level, b pathtmpl.Bindings) string {
	switch level {
	case pathtmpl.LevelSemester:
		return b.Semester.ID
	case pathtmpl.LevelCourse:
		return b.Course.ID
	case pathtmpl.LevelFile:
		return b.File.ID
	default:
		return ""
	}
}

func idPrefix(id string) string {
	if len(id) > disambigDigits {
		return id[:disambigDigits]
	}

	return id
}

// splitComponents splits a rendered segment on '/', dropping empty
// components. Rendered entity names cannot contain '/' (they are
// escaped); only path tokens contribute separators.
func splitComponents(rendered string) []string {
	var parts []string
	for _, p := range strings.Split(rendered, "/") {
		p = strings.TrimSpace(p)
		if p != "" {
			parts = append(parts, p)
		}
	}

	return parts
}
