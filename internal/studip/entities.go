// Package studip models the Stud.IP REST surface: the remote entities
// (semesters, courses, folders, files) and the HTTP client crawling them.
package studip

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// UnixTime is a timestamp as the Stud.IP API reports it: unix seconds,
// sent either as a JSON number or as a numeric string.
type UnixTime struct {
	time.Time
}

func (t *UnixTime) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}

		return nil
	}

	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("timestamp %q: %w", s, err)
	}
	t.Time = time.Unix(secs, 0).UTC()

	return nil
}

func (t UnixTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}

	return []byte(strconv.FormatInt(t.Unix(), 10)), nil
}

// User is the authenticated Stud.IP user.
type User struct {
	ID       string `json:"user_id"`
	Username string `json:"username"`
}

// Semester is an immutable snapshot of one Stud.IP semester.
type Semester struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Begin       UnixTime `json:"begin"`
	End         UnixTime `json:"end"`
}

// winterTerm reports whether the semester is a winter term (begins
// Oct-Mar) and the calendar year the term is named after. A term that
// begins Jan-Mar belongs to the winter term of the previous year.
func (s Semester) winterTerm() (bool, int) {
	y, m := s.Begin.Year(), s.Begin.Month()
	switch {
	case m >= time.October:
		return true, y
	case m <= time.March:
		return true, y - 1
	default:
		return false, y
	}
}

// LexicalShort renders the semester as "<YYYY><WS|SS>", which sorts
// chronologically when compared as a plain string.
func (s Semester) LexicalShort() string {
	winter, y := s.winterTerm()
	if winter {
		return fmt.Sprintf("%dWS", y)
	}

	return fmt.Sprintf("%dSS", y)
}

// Lexical renders the semester like LexicalShort, with the trailing
// year fragment appended for winter terms (e.g. "2018 WS -19").
func (s Semester) Lexical() string {
	winter, y := s.winterTerm()
	if winter {
		return fmt.Sprintf("%d WS -%02d", y, (y+1)%100)
	}

	return fmt.Sprintf("%d SS", y)
}

// Short renders the semester in the colloquial form "WS 18/19" / "SS 19".
func (s Semester) Short() string {
	winter, y := s.winterTerm()
	if winter {
		return fmt.Sprintf("WS %02d/%02d", y%100, (y+1)%100)
	}

	return fmt.Sprintf("SS %02d", y%100)
}

// Course is an immutable snapshot of one Stud.IP course. TypeName,
// TypeShort and ClassName are resolved from the instance settings
// (SEM_TYPE / SEM_CLASS) when the course is fetched.
type Course struct {
	ID          string `json:"course_id"`
	Number      string `json:"number"`
	Title       string `json:"title"`
	Subtitle    string `json:"subtitle"`
	Description string `json:"description"`
	Location    string `json:"location"`
	GroupID     int    `json:"group"`
	TypeName    string `json:"type"`
	TypeShort   string `json:"type_short"`
	ClassName   string `json:"class"`

	// SemesterIDs are the semesters the course spans, start first.
	SemesterIDs []string `json:"semesters"`
}

// Abbrev abbreviates the course title: per whitespace-separated word it
// keeps leading digits, the first letter (original case) and any further
// uppercase letters, concatenated in order. "Algorithmen und
// Datenstrukturen" becomes "AuD", "Advanced Databases" becomes "AD".
func (c Course) Abbrev() string {
	return Abbreviate(c.Title)
}

// Abbreviate implements the course abbreviation rule on any title.
// Classification uses Unicode categories, so umlauts count as letters.
func Abbreviate(title string) string {
	var b strings.Builder
	for _, word := range strings.Fields(title) {
		runes := []rune(word)
		i := 0
		for ; i < len(runes) && unicode.IsDigit(runes[i]); i++ {
			b.WriteRune(runes[i])
		}
		if i < len(runes) && unicode.IsLetter(runes[i]) {
			b.WriteRune(runes[i])
			i++
		}
		for ; i < len(runes); i++ {
			if unicode.IsUpper(runes[i]) {
				b.WriteRune(runes[i])
			}
		}
	}

	return b.String()
}

// Folder is one folder of a course's file area, child references by id.
type Folder struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	ParentID  string   `json:"parent_id"`
	CourseID  string   `json:"range_id"`
	Mkdate    UnixTime `json:"mkdate"`
	Chdate    UnixTime `json:"chdate"`
	Subfolder []string `json:"-"`
	FileRefs  []string `json:"-"`
}

// File is an immutable snapshot of one Stud.IP file reference.
type File struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Size         uint64   `json:"size"`
	MimeType     string   `json:"mime_type"`
	Storage      string   `json:"storage"`
	Terms        string   `json:"content_terms_of_use_id"`
	Downloads    int64    `json:"downloads"`
	Mkdate       UnixTime `json:"mkdate"`
	Chdate       UnixTime `json:"chdate"`
	Downloadable bool     `json:"is_downloadable"`
}

// ContentHash is the version token keying the content cache. Stud.IP
// exposes no digest for file bytes, so the documented fallback of
// (mtime, size) is used. The form is URL- and filename-safe.
func (f File) ContentHash() string {
	return fmt.Sprintf("%x-%x", f.Chdate.Unix(), f.Size)
}

// TreeFile is one file of a course's folder subtree together with the
// folder names leading to it, starting at the top folder.
type TreeFile struct {
	File File
	Path []string
}

// Snapshot renders the raw entity snapshot for the studip-fuse.json
// extended attribute.
func Snapshot(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}

	return string(data)
}
