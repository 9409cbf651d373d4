package pathtmpl

import (
	"strconv"
	"strings"

	"github.com/studipfuse/studipfuse/internal/studip"
)

// Token is one name from the closed token set of the path template.
type Token string

// The closed token set. Each token has a fixed entity level.
const (
	TokenPath      Token = "path"
	TokenShortPath Token = "short-path"

	TokenSemester             Token = "semester"
	TokenSemesterID           Token = "semester-id"
	TokenSemesterLexical      Token = "semester-lexical"
	TokenSemesterLexicalShort Token = "semester-lexical-short"
	TokenSemesterShort        Token = "semester-short"

	TokenCourse            Token = "course"
	TokenCourseAbbrev      Token = "course-abbrev"
	TokenCourseClass       Token = "course-class"
	TokenCourseDescription Token = "course-description"
	TokenCourseGroup       Token = "course-group"
	TokenCourseID          Token = "course-id"
	TokenCourseLocation    Token = "course-location"
	TokenCourseNumber      Token = "course-number"
	TokenCourseSubtitle    Token = "course-subtitle"
	TokenCourseType        Token = "course-type"
	TokenCourseTypeShort   Token = "course-type-short"

	TokenFileDescription Token = "file-description"
	TokenFileDownloads   Token = "file-downloads"
	TokenFileID          Token = "file-id"
	TokenFileMimeType    Token = "file-mime-type"
	TokenFileName        Token = "file-name"
	TokenFileSize        Token = "file-size"
	TokenFileStorage     Token = "file-storage"
	TokenFileTerms       Token = "file-terms"
)

var tokenLevels = map[Token]Level{
	TokenPath:      LevelFolder,
	TokenShortPath: LevelFolder,

	TokenSemester:             LevelSemester,
	TokenSemesterID:           LevelSemester,
	TokenSemesterLexical:      LevelSemester,
	TokenSemesterLexicalShort: LevelSemester,
	TokenSemesterShort:        LevelSemester,

	TokenCourse:            LevelCourse,
	TokenCourseAbbrev:      LevelCourse,
	TokenCourseClass:       LevelCourse,
	TokenCourseDescription: LevelCourse,
	TokenCourseGroup:       LevelCourse,
	TokenCourseID:          LevelCourse,
	TokenCourseLocation:    LevelCourse,
	TokenCourseNumber:      LevelCourse,
	TokenCourseSubtitle:    LevelCourse,
	TokenCourseType:        LevelCourse,
	TokenCourseTypeShort:   LevelCourse,

	TokenFileDescription: LevelFile,
	TokenFileDownloads:   LevelFile,
	TokenFileID:          LevelFile,
	TokenFileMimeType:    LevelFile,
	TokenFileName:        LevelFile,
	TokenFileSize:        LevelFile,
	TokenFileStorage:     LevelFile,
	TokenFileTerms:       LevelFile,
}

// TokenLevel returns the fixed entity level of a token.
func TokenLevel(t Token) Level {
	return tokenLevels[t]
}

// AllTokens returns the closed token set in no particular order.
func AllTokens() []Token {
	tokens := make([]Token, 0, len(tokenLevels))
	for t := range tokenLevels {
		tokens = append(tokens, t)
	}

	return tokens
}

// Bindings is the partial mapping of entity levels to concrete entities
// fixed along a path from the root.
type Bindings struct {
	Semester *studip.Semester
	Course   *studip.Course

	// FolderPath holds the folder names from the course's top folder
	// to the file's folder; set together with File.
	FolderPath []string
	File       *studip.File
}

// Level returns the deepest bound entity level.
func (b Bindings) Level() Level {
	switch {
	case b.File != nil:
		return LevelFile
	case b.Course != nil:
		return LevelCourse
	case b.Semester != nil:
		return LevelSemester
	default:
		return LevelNone
	}
}

// TokenProvider renders the complete token mapping for a binding set.
// It is a pure function of its inputs: repeated calls yield identical
// strings.
type TokenProvider struct {
	// GenericRoots are top folder names dropped by the short-path rule.
	GenericRoots map[string]bool
}

// DefaultGenericRoots are the stock Stud.IP top folder names.
var DefaultGenericRoots = []string{"Hauptordner", "Allgemeiner Dateiordner"}

// NewTokenProvider returns a [TokenProvider] with the given generic
// root names, or the defaults when none are given.
func NewTokenProvider(genericRoots []string) *TokenProvider {
	if len(genericRoots) == 0 {
		genericRoots = DefaultGenericRoots
	}

	roots := make(map[string]bool, len(genericRoots))
	for _, name := range genericRoots {
		roots[name] = true
	}

	return &TokenProvider{GenericRoots: roots}
}

// Values maps every defined token to its rendered string under the
// given bindings. Tokens of unbound levels render as the empty string.
func (p *TokenProvider) Values(b Bindings) map[Token]string {
	values := make(map[Token]string, len(tokenLevels))
	for t := range tokenLevels {
		values[t] = ""
	}

	if sem := b.Semester; sem != nil {
		values[TokenSemester] = EscapeName(sem.Title)
		values[TokenSemesterID] = sem.ID
		values[TokenSemesterLexical] = sem.Lexical()
		values[TokenSemesterLexicalShort] = sem.LexicalShort()
		values[TokenSemesterShort] = sem.Short()
	}

	if c := b.Course; c != nil {
		values[TokenCourse] = EscapeName(c.Title)
		values[TokenCourseAbbrev] = EscapeName(c.Abbrev())
		values[TokenCourseClass] = EscapeName(c.ClassName)
		values[TokenCourseDescription] = EscapeName(c.Description)
		values[TokenCourseGroup] = strconv.Itoa(c.GroupID)
		values[TokenCourseID] = c.ID
		values[TokenCourseLocation] = EscapeName(c.Location)
		values[TokenCourseNumber] = EscapeName(c.Number)
		values[TokenCourseSubtitle] = EscapeName(c.Subtitle)
		values[TokenCourseType] = EscapeName(c.TypeName)
		values[TokenCourseTypeShort] = EscapeName(c.TypeShort)
	}

	if b.File != nil {
		values[TokenPath] = p.renderPath(b.FolderPath)
		values[TokenShortPath] = p.renderPath(p.ShortPath(b.FolderPath))

		f := b.File
		values[TokenFileDescription] = EscapeName(f.Description)
		values[TokenFileDownloads] = strconv.FormatInt(f.Downloads, 10)
		values[TokenFileID] = f.ID
		values[TokenFileMimeType] = f.MimeType
		values[TokenFileName] = EscapeName(f.Name)
		values[TokenFileSize] = strconv.FormatUint(f.Size, 10)
		values[TokenFileStorage] = EscapeName(f.Storage)
		values[TokenFileTerms] = EscapeName(f.Terms)
	}

	return values
}

// ShortPath drops the outermost folder path component when its name is
// one of the generic roots. Only the first component is considered.
func (p *TokenProvider) ShortPath(folderPath []string) []string {
	if len(folderPath) > 0 && p.GenericRoots[folderPath[0]] {
		return folderPath[1:]
	}

	return folderPath
}

func (p *TokenProvider) renderPath(folderPath []string) string {
	escaped := make([]string, len(folderPath))
	for i, name := range folderPath {
		escaped[i] = EscapeName(name)
	}

	return strings.Join(escaped, "/")
}

// EscapeName makes an entity name usable as a single path component:
// '/' becomes the similar-looking DIVISION SLASH and ':' becomes RATIO,
// surrounding whitespace is trimmed.
func EscapeName(name string) string {
	name = strings.ReplaceAll(name, "/", "∕")
	name = strings.ReplaceAll(name, ":", "∶")

	return strings.TrimSpace(name)
}
