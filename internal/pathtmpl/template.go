// Package pathtmpl compiles user-supplied path format strings into
// segment lists and renders entity bindings into display names.
package pathtmpl

import (
	"fmt"
	"strings"
)

// Level is the remote entity level a token is bound to. Levels are
// ordered the way the resolver enumerates them.
type Level int

const (
	// LevelNone is a literal-only segment.
	LevelNone Level = iota

	// LevelSemester requires a bound semester.
	LevelSemester

	// LevelCourse requires a bound course.
	LevelCourse

	// LevelFolder requires a bound folder path (file enumeration).
	LevelFolder

	// LevelFile requires a bound file.
	LevelFile
)

func (l Level) String() string {
	switch l {
	case LevelSemester:
		return "semester"
	case LevelCourse:
		return "course"
	case LevelFolder:
		return "folder"
	case LevelFile:
		return "file"
	default:
		return "none"
	}
}

// TemplateError is a bad path format string, detected before the mount.
type TemplateError struct {
	Format string
	Reason string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("invalid path format %q: %s", e.Format, e.Reason)
}

func tmplErr(format, reason string, args ...any) *TemplateError {
	return &TemplateError{Format: format, Reason: fmt.Sprintf(reason, args...)}
}

// Fragment is one piece of a segment: a literal, or a token reference.
type Fragment struct {
	Literal string
	Token   Token
	IsToken bool
}

// Segment is one '/'-separated unit of the path template.
type Segment struct {
	Raw       string
	Fragments []Fragment
	Tokens    []Token
	Level     Level
}

// Render substitutes token values into the segment.
func (s Segment) Render(values map[Token]string) string {
	var b strings.Builder
	for _, frag := range s.Fragments {
		if frag.IsToken {
			b.WriteString(values[frag.Token])
		} else {
			b.WriteString(frag.Literal)
		}
	}

	return strings.TrimSpace(b.String())
}

// Template is a compiled path format string.
type Template struct {
	Raw      string
	Segments []Segment
}

// Levels returns the level introduction order: the sequence of entity
// levels that become determined along the path, root first.
func (t *Template) Levels() []Level {
	var order []Level
	seen := LevelNone
	for _, seg := range t.Segments {
		for l := seen + 1; l <= seg.Level; l++ {
			order = append(order, l)
		}
		if seg.Level > seen {
			seen = seg.Level
		}
	}

	return order
}

// Parse compiles a format string such as
// "{semester-lexical}/{course}/{short-path}/{file-name}". Rules: no
// leading, trailing or doubled '/', balanced braces, known token names,
// and a file-level final segment (leaves must be files).
func Parse(format string) (*Template, error) {
	if format == "" {
		return nil, tmplErr(format, "empty format string")
	}
	if strings.HasPrefix(format, "/") {
		return nil, tmplErr(format, "leading '/'")
	}
	if strings.HasSuffix(format, "/") {
		return nil, tmplErr(format, "trailing '/'")
	}

	tmpl := &Template{Raw: format}
	for _, raw := range strings.Split(format, "/") {
		if raw == "" {
			return nil, tmplErr(format, "empty segment (two consecutive '/')")
		}

		seg, err := parseSegment(format, raw)
		if err != nil {
			return nil, err
		}
		tmpl.Segments = append(tmpl.Segments, seg)
	}

	last := tmpl.Segments[len(tmpl.Segments)-1]
	if last.Level != LevelFile {
		return nil, tmplErr(format, "final segment %q does not reference a file-level token", last.Raw)
	}

	return tmpl, nil
}

func parseSegment(format, raw string) (Segment, error) {
	seg := Segment{Raw: raw, Level: LevelNone}

	rest := raw
	for rest != "" {
		open := strings.IndexByte(rest, '{')
		closing := strings.IndexByte(rest, '}')

		if open < 0 {
			if closing >= 0 {
				return seg, tmplErr(format, "unbalanced '}' in segment %q", raw)
			}
			seg.Fragments = append(seg.Fragments, Fragment{Literal: rest})

			break
		}
		if closing < open {
			return seg, tmplErr(format, "unbalanced braces in segment %q", raw)
		}

		if open > 0 {
			seg.Fragments = append(seg.Fragments, Fragment{Literal: rest[:open]})
		}

		name := rest[open+1 : closing]
		if strings.ContainsAny(name, "{}") {
			return seg, tmplErr(format, "unbalanced braces in segment %q", raw)
		}

		token := Token(name)
		level, known := tokenLevels[token]
		if !known {
			return seg, tmplErr(format, "unknown token %q", name)
		}

		seg.Fragments = append(seg.Fragments, Fragment{Token: token, IsToken: true})
		seg.Tokens = append(seg.Tokens, token)
		if level > seg.Level {
			seg.Level = level
		}

		rest = rest[closing+1:]
	}

	return seg, nil
}
