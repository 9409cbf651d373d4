package studip

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/studipfuse/studipfuse/internal/logging"
)

// fakeAPI serves a minimal Stud.IP REST surface for one user with one
// winter-term course containing a small folder subtree.
type fakeAPI struct {
	courseRequests atomic.Int64
	folderRequests atomic.Int64
	fileRequests   atomic.Int64
}

func (a *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/user":
		fmt.Fprint(w, `{"user_id":"u1","username":"alice"}`)
	case "/discovery":
		routes := map[string]map[string]string{}
		for _, route := range requiredEndpoints {
			routes[route] = map[string]string{"get": ""}
		}
		_ = json.NewEncoder(w).Encode(routes)
	case "/studip/settings":
		fmt.Fprint(w, `{
			"SEM_TYPE":{"1":{"name":"Vorlesung","class":"1"}},
			"SEM_CLASS":{"1":{"name":"Lehre"}}
		}`)
	case "/semesters":
		fmt.Fprint(w, `{
			"collection":[
				{"id":"s1","title":"WS 2018/19","begin":1538352000},
				{"id":"s2","title":"SS 2019","begin":"1554076800"}
			],
			"pagination":{"total":2,"offset":0,"links":{}}
		}`)
	case "/user/u1/courses":
		a.courseRequests.Add(1)
		if r.URL.Query().Get("semester") != "s1" {
			fmt.Fprint(w, `{"collection":[],"pagination":{}}`)

			return
		}
		fmt.Fprint(w, `{
			"collection":{
				"/course/c1":{"course_id":"c1","title":"Algorithmen und Datenstrukturen","number":"INF-1","group":2,"type":"1"}
			},
			"pagination":{"total":1,"offset":0,"links":{}}
		}`)
	case "/course/c1/top_folder":
		a.folderRequests.Add(1)
		fmt.Fprint(w, `{
			"id":"f1","name":"Hauptordner",
			"subfolders":[{"id":"f2"}],
			"file_refs":[{"id":"x1","name":"A+D141.pdf","size":3666701,"chdate":1540000000,"is_downloadable":true}]
		}`)
	case "/folder/f2":
		fmt.Fprint(w, `{
			"id":"f2","name":"Slides",
			"subfolders":[],
			"file_refs":[{"id":"x2","name":"slides01.pdf","size":100,"chdate":1540000001,"is_downloadable":true}]
		}`)
	case "/file/x1":
		a.fileRequests.Add(1)
		fmt.Fprint(w, `{
			"id":"x1","name":"A+D141.pdf","size":3666701,
			"mime_type":"application/pdf","content_terms_of_use_id":"SELFMADE_NONPUB",
			"chdate":1540000000,"is_downloadable":true
		}`)
	case "/file/x1/download":
		fmt.Fprint(w, "file content bytes")
	default:
		http.NotFound(w, r)
	}
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	rbuf := logging.NewRingBuffer(10, io.Discard)
	c, err := NewClient(srv.URL, "alice", "secret", nil, rbuf)
	require.NoError(t, err)
	c.retryDelay = 10 * time.Millisecond

	return c
}

// Expectation: Login should accept matching credentials and a complete
// discovery document, and record the authenticated user.
func Test_Client_Login_Success(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, &fakeAPI{})

	require.NoError(t, c.Login(t.Context()))
	require.Equal(t, "u1", c.User().ID)
	require.Equal(t, "alice", c.User().Username)
}

// Expectation: Login should fail with ErrAuth when the server reports a
// different user than the one authenticating.
func Test_Client_Login_WrongUser_Error(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"user_id":"u2","username":"mallory"}`)
	}))

	err := c.Login(t.Context())
	require.ErrorIs(t, err, ErrAuth)
}

// Expectation: Login should fail fast when a required route is missing
// from the discovery document.
func Test_Client_Login_EndpointMissing_Error(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/user" {
			fmt.Fprint(w, `{"user_id":"u1","username":"alice"}`)

			return
		}
		fmt.Fprint(w, `{"/user":{"get":""}}`)
	}))

	err := c.Login(t.Context())

	var ce *CrawlError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, KindEndpointMissing, ce.Kind)
}

// Expectation: auth-flavored HTTP statuses should surface as ErrAuth,
// other non-2xx statuses as a CrawlError carrying the status code.
func Test_Client_StatusErrors(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	require.ErrorIs(t, c.Login(t.Context()), ErrAuth)

	c = newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	err := c.Login(t.Context())

	var ce *CrawlError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, KindHTTPStatus, ce.Kind)
	require.Equal(t, http.StatusInternalServerError, ce.Status)
}

// Expectation: Courses should enrich the raw course document with type
// and class names resolved from the instance settings.
func Test_Client_Courses_Success(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, &fakeAPI{})
	require.NoError(t, c.Login(t.Context()))

	courses, err := c.Courses(t.Context(), "s1")
	require.NoError(t, err)
	require.Len(t, courses, 1)

	course := courses[0]
	require.Equal(t, "c1", course.ID)
	require.Equal(t, "Algorithmen und Datenstrukturen", course.Title)
	require.Equal(t, 2, course.GroupID)
	require.Equal(t, "Vorlesung", course.TypeName)
	require.Equal(t, "V", course.TypeShort)
	require.Equal(t, "Lehre", course.ClassName)
	require.Equal(t, []string{"s1"}, course.SemesterIDs)
}

// Expectation: Semesters should keep only semesters holding at least
// one of the user's courses.
func Test_Client_Semesters_FiltersEmpty(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, &fakeAPI{})
	require.NoError(t, c.Login(t.Context()))

	semesters, err := c.Semesters(t.Context())
	require.NoError(t, err)
	require.Len(t, semesters, 1)
	require.Equal(t, "s1", semesters[0].ID)
	require.Equal(t, "2018WS", semesters[0].LexicalShort())
}

// Expectation: listing results should be memoized, so repeated calls
// never touch the remote server again.
func Test_Client_Memoization_SingleFetch(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	c := newTestClient(t, api)
	require.NoError(t, c.Login(t.Context()))

	for range 3 {
		_, err := c.Courses(t.Context(), "s1")
		require.NoError(t, err)
	}
	require.Equal(t, int64(1), api.courseRequests.Load())

	for range 3 {
		_, err := c.FolderTree(t.Context(), "c1")
		require.NoError(t, err)
	}
	require.Equal(t, int64(1), api.folderRequests.Load())
}

// Expectation: FolderTree should return every file of the subtree with
// the folder names leading to it, top folder first.
func Test_Client_FolderTree_Success(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, &fakeAPI{})

	files, err := c.FolderTree(t.Context(), "c1")
	require.NoError(t, err)
	require.Len(t, files, 2)

	require.Equal(t, "A+D141.pdf", files[0].File.Name)
	require.Equal(t, []string{"Hauptordner"}, files[0].Path)
	require.Equal(t, "slides01.pdf", files[1].File.Name)
	require.Equal(t, []string{"Hauptordner", "Slides"}, files[1].Path)
}

// Expectation: FileMeta should fetch the snapshot of a single file
// reference and memoize it, so repeated calls hit the server once.
func Test_Client_FileMeta_Success(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	c := newTestClient(t, api)

	file, err := c.FileMeta(t.Context(), "x1")
	require.NoError(t, err)
	require.Equal(t, "x1", file.ID)
	require.Equal(t, "A+D141.pdf", file.Name)
	require.Equal(t, uint64(3666701), file.Size)
	require.Equal(t, "application/pdf", file.MimeType)
	require.Equal(t, "SELFMADE_NONPUB", file.Terms)
	require.True(t, file.Downloadable)

	again, err := c.FileMeta(t.Context(), "x1")
	require.NoError(t, err)
	require.Equal(t, file, again)
	require.Equal(t, int64(1), api.fileRequests.Load())

	_, err = c.FileMeta(t.Context(), "missing")
	var ce *CrawlError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, KindHTTPStatus, ce.Kind)
	require.Equal(t, http.StatusNotFound, ce.Status)
}

// Expectation: collect should follow pagination links until the
// collection is exhausted, cutting the repeated api.php prefix.
func Test_Client_Collect_Pagination(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("offset") == "1" {
			fmt.Fprint(w, `{"collection":[{"id":"s2"}],"pagination":{"total":2,"offset":1,"links":{}}}`)

			return
		}
		fmt.Fprint(w, `{"collection":[{"id":"s1"}],"pagination":{"total":2,"offset":0,"links":{"next":"/api.php/semesters?offset=1"}}}`)
	}))

	var ids []string
	err := c.collect(t.Context(), "semesters", func(raw json.RawMessage) error {
		var item struct {
			ID string `json:"id"`
		}
		require.NoError(t, json.Unmarshal(raw, &item))
		ids = append(ids, item.ID)

		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"s1", "s2"}, ids)
}

// Expectation: collectionItems should accept both the array and the
// URL-keyed object form, the latter in stable key order.
func Test_collectionItems_Success(t *testing.T) {
	t.Parallel()

	items, err := collectionItems(json.RawMessage(`[{"a":1},{"b":2}]`))
	require.NoError(t, err)
	require.Len(t, items, 2)

	items, err = collectionItems(json.RawMessage(`{"/z":{"id":"z"},"/a":{"id":"a"}}`))
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.JSONEq(t, `{"id":"a"}`, string(items[0]))
	require.JSONEq(t, `{"id":"z"}`, string(items[1]))

	items, err = collectionItems(json.RawMessage(`null`))
	require.NoError(t, err)
	require.Empty(t, items)
}

// Expectation: a timed-out GET should be retried exactly once after the
// retry delay, and succeed when the second attempt does.
func Test_Client_Get_RetriesTimeoutOnce(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) == 1 {
			time.Sleep(300 * time.Millisecond)
		}
		fmt.Fprint(w, `{"user_id":"u1","username":"alice"}`)
	}))
	t.Cleanup(srv.Close)

	opts := DefaultOptions()
	opts.ReadTimeout = 50 * time.Millisecond

	rbuf := logging.NewRingBuffer(10, io.Discard)
	c, err := NewClient(srv.URL, "alice", "secret", opts, rbuf)
	require.NoError(t, err)
	c.retryDelay = 10 * time.Millisecond

	var user User
	require.NoError(t, c.getJSON(t.Context(), "user", &user))
	require.Equal(t, "alice", user.Username)
	require.Equal(t, int64(1), c.Metrics.TotalRetries.Load())
	require.Equal(t, int64(2), attempts.Load())
}

// Expectation: a cancelled context should surface as context.Canceled,
// not as a crawl error.
func Test_Client_Get_ContextCancelled(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, &fakeAPI{})

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := c.get(ctx, "user")
	require.ErrorIs(t, err, context.Canceled)
}

// Expectation: DownloadFile should stream the content into the writer
// and account the transferred bytes.
func Test_Client_DownloadFile_Success(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, &fakeAPI{})

	var buf bytes.Buffer
	n, err := c.DownloadFile(t.Context(), "x1", &buf)
	require.NoError(t, err)
	require.Equal(t, int64(len("file content bytes")), n)
	require.Equal(t, "file content bytes", buf.String())
	require.Equal(t, int64(1), c.Metrics.TotalDownloads.Load())
	require.Equal(t, n, c.Metrics.TotalDownloadBytes.Load())
}

// Expectation: WebURL should derive entity URLs from the API base.
func Test_Client_WebURL_Success(t *testing.T) {
	t.Parallel()

	rbuf := logging.NewRingBuffer(10, io.Discard)
	c, err := NewClient("https://uni.example.edu/studip/api.php/", "alice", "secret", nil, rbuf)
	require.NoError(t, err)

	require.Equal(t,
		"https://uni.example.edu/studip/dispatch.php/course/overview?cid=c1",
		c.WebURL("course", "c1"))
	require.Equal(t,
		"https://uni.example.edu/studip/dispatch.php/file/details/x1",
		c.WebURL("file", "x1"))
	require.Equal(t, "https://uni.example.edu/studip/", c.WebURL("", ""))
}

// Expectation: memoized failures should replay to every later caller
// without touching the remote server again.
func Test_Client_Memoization_ReplaysFailure(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int64
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err1 := c.FolderTree(t.Context(), "c1")
	require.Error(t, err1)

	_, err2 := c.FolderTree(t.Context(), "c1")
	require.Error(t, err2)
	require.Equal(t, err1, err2)
	require.Equal(t, int64(1), attempts.Load())

	var ce *CrawlError
	require.ErrorAs(t, err2, &ce)
	require.Equal(t, KindHTTPStatus, ce.Kind)
}

// Expectation: classifyErr should keep cancellation untouched and map
// everything unknown to a protocol error.
func Test_classifyErr_Success(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, classifyErr("x", context.Canceled), context.Canceled)

	err := classifyErr("x", errors.New("boom"))

	var ce *CrawlError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, KindProtocol, ce.Kind)

	err = classifyErr("x", context.DeadlineExceeded)
	require.ErrorAs(t, err, &ce)
	require.Equal(t, KindTimeout, ce.Kind)
}
