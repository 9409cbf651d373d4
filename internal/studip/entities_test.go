package studip

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func semesterBeginning(year int, month time.Month) Semester {
	return Semester{Begin: UnixTime{Time: time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)}}
}

// Expectation: winter terms should render with the starting year and a
// trailing year fragment; summer terms with the plain year.
func Test_Semester_Renderings_Success(t *testing.T) {
	t.Parallel()

	ws := semesterBeginning(2018, time.October)
	require.Equal(t, "2018WS", ws.LexicalShort())
	require.Equal(t, "2018 WS -19", ws.Lexical())
	require.Equal(t, "WS 18/19", ws.Short())

	ss := semesterBeginning(2019, time.April)
	require.Equal(t, "2019SS", ss.LexicalShort())
	require.Equal(t, "2019 SS", ss.Lexical())
	require.Equal(t, "SS 19", ss.Short())
}

// Expectation: a term beginning January through March belongs to the
// winter term of the previous calendar year.
func Test_Semester_Renderings_JanuaryEdge(t *testing.T) {
	t.Parallel()

	ws := semesterBeginning(2019, time.February)
	require.Equal(t, "2018WS", ws.LexicalShort())
	require.Equal(t, "2018 WS -19", ws.Lexical())
	require.Equal(t, "WS 18/19", ws.Short())
}

// Expectation: Abbreviate should keep per word the leading digits, the
// first letter in its original case and any further uppercase letters.
func Test_Abbreviate_Success(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		title string
		want  string
	}{
		{"Algorithmen und Datenstrukturen", "AuD"},
		{"Advanced Databases", "AD"},
		{"Einführung in TensorFlow", "EiTF"},
		{"3D Modellierung", "3DM"},
		{"", ""},
		{"   ", ""},
	}

	for _, tc := range testCases {
		require.Equal(t, tc.want, Abbreviate(tc.title), "title %q", tc.title)
	}
}

// Expectation: ContentHash should combine change time and size into a
// filename-safe hex form.
func Test_File_ContentHash_Success(t *testing.T) {
	t.Parallel()

	f := File{
		Size:   16,
		Chdate: UnixTime{Time: time.Unix(255, 0)},
	}
	require.Equal(t, "ff-10", f.ContentHash())

	g := f
	g.Size = 17
	require.NotEqual(t, f.ContentHash(), g.ContentHash())
}

// Expectation: UnixTime should accept numbers, numeric strings and null.
func Test_UnixTime_UnmarshalJSON_Success(t *testing.T) {
	t.Parallel()

	var ts UnixTime
	require.NoError(t, json.Unmarshal([]byte(`1538352000`), &ts))
	require.Equal(t, int64(1538352000), ts.Unix())

	require.NoError(t, json.Unmarshal([]byte(`"1538352000"`), &ts))
	require.Equal(t, int64(1538352000), ts.Unix())

	require.NoError(t, json.Unmarshal([]byte(`null`), &ts))
	require.True(t, ts.IsZero())

	require.Error(t, json.Unmarshal([]byte(`"soon"`), &ts))
}

// Expectation: marshalling should round-trip through unix seconds.
func Test_UnixTime_MarshalJSON_Success(t *testing.T) {
	t.Parallel()

	ts := UnixTime{Time: time.Unix(1538352000, 0)}
	data, err := json.Marshal(ts)
	require.NoError(t, err)
	require.Equal(t, "1538352000", string(data))

	data, err = json.Marshal(UnixTime{})
	require.NoError(t, err)
	require.Equal(t, "null", string(data))
}
