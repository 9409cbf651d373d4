package studip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/klauspost/compress/gzhttp"
	"github.com/studipfuse/studipfuse/internal/logging"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

const (
	defaultMaxConnections = 10
	defaultConnectTimeout = 10 * time.Second
	defaultReadTimeout    = 30 * time.Second
	defaultKeepAlive      = 30 * time.Second
	defaultRetryDelay     = 1 * time.Second
)

// requiredEndpoints must be present in the discovery document with a
// GET route, otherwise the mount fails fast.
var requiredEndpoints = []string{
	"/user",
	"/studip/settings",
	"/semesters",
	"/user/:user_id/courses",
	"/course/:course_id/top_folder",
	"/folder/:folder_id",
	"/file/:file_ref_id",
	"/file/:file_ref_id/download",
}

var errMissingArgument = errors.New("missing argument")

// Options contains all settings for the REST client.
type Options struct {
	// MaxConnections bounds the number of HTTP requests in flight.
	MaxConnections int64

	// ConnectTimeout, ReadTimeout and KeepAlive shape the transport.
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	KeepAlive      time.Duration
}

// DefaultOptions returns a pointer to [Options] with the default values.
func DefaultOptions() *Options {
	return &Options{
		MaxConnections: defaultMaxConnections,
		ConnectTimeout: defaultConnectTimeout,
		ReadTimeout:    defaultReadTimeout,
		KeepAlive:      defaultKeepAlive,
	}
}

// Metrics contains all counters collected within the client.
type Metrics struct {
	// TotalRequests is the amount of HTTP requests issued.
	TotalRequests atomic.Int64

	// TotalRetries is the amount of timed-out GETs retried once.
	TotalRetries atomic.Int64

	// TotalErrors is the amount of failed requests (after retry).
	TotalErrors atomic.Int64

	// TotalDownloads is the amount of file content downloads.
	TotalDownloads atomic.Int64

	// TotalDownloadBytes is the amount of file content bytes received.
	TotalDownloadBytes atomic.Int64
}

type memoEntry struct {
	val any
	err error
}

// Client crawls the Stud.IP REST surface. Listing results are memoized
// for the lifetime of the process; concurrent calls for the same key
// coalesce onto one request.
type Client struct {
	Metrics *Metrics

	base     *url.URL
	username string
	password string
	user     User

	http       *http.Client
	sem        *semaphore.Weighted
	retryDelay time.Duration

	memo *ttlcache.Cache[string, memoEntry]
	sf   singleflight.Group

	rbuf *logging.RingBuffer
}

// NewClient returns a pointer to a new [Client] against the given
// api.php base URL (e.g. "https://studip.example.edu/studip/api.php/").
func NewClient(base, username, password string, opts *Options, rbuf *logging.RingBuffer) (*Client, error) {
	if rbuf == nil {
		return nil, fmt.Errorf("%w: need a ring buffer", errMissingArgument)
	}
	if base == "" {
		return nil, fmt.Errorf("%w: need a base URL", errMissingArgument)
	}
	if opts == nil {
		opts = DefaultOptions()
	}

	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}

	dialer := &net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: opts.KeepAlive,
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: opts.ReadTimeout,
		MaxConnsPerHost:       int(opts.MaxConnections),
	}

	return &Client{
		Metrics:    &Metrics{},
		base:       u,
		username:   username,
		password:   password,
		http:       &http.Client{Transport: gzhttp.Transport(transport)},
		sem:        semaphore.NewWeighted(opts.MaxConnections),
		retryDelay: defaultRetryDelay,
		memo:       ttlcache.New[string, memoEntry](),
		rbuf:       rbuf,
	}, nil
}

// Login verifies the credentials against the user endpoint and checks
// that all required routes are present in the discovery document.
func (c *Client) Login(ctx context.Context) error {
	var user User
	if err := c.getJSON(ctx, "user", &user); err != nil {
		return err
	}
	if user.Username != c.username {
		return fmt.Errorf("%w: server reports user %q", ErrAuth, user.Username)
	}
	c.user = user

	discovery := map[string]map[string]any{}
	if err := c.getJSON(ctx, "discovery", &discovery); err != nil {
		return err
	}
	for _, route := range requiredEndpoints {
		methods, ok := discovery[route]
		if !ok {
			return crawlErr(KindEndpointMissing, route, nil)
		}
		if _, ok := methods["get"]; !ok {
			return crawlErr(KindEndpointMissing, route, nil)
		}
	}

	return nil
}

// User returns the authenticated user, valid after Login.
func (c *Client) User() User {
	return c.user
}

// Semesters lists all semesters containing at least one of the user's
// courses, ordered by begin date as reported by the server.
func (c *Client) Semesters(ctx context.Context) ([]Semester, error) {
	return memoize(c, ctx, "semesters", func(ctx context.Context) ([]Semester, error) {
		all, err := c.allSemesters(ctx)
		if err != nil {
			return nil, err
		}

		active := make([]Semester, 0, len(all))
		for _, sem := range all {
			courses, err := c.Courses(ctx, sem.ID)
			if err != nil {
				return nil, err
			}
			if len(courses) > 0 {
				active = append(active, sem)
			}
		}

		return active, nil
	})
}

func (c *Client) allSemesters(ctx context.Context) ([]Semester, error) {
	return memoize(c, ctx, "semesters/all", func(ctx context.Context) ([]Semester, error) {
		var semesters []Semester
		err := c.collect(ctx, "semesters", func(raw json.RawMessage) error {
			var sem Semester
			if err := json.Unmarshal(raw, &sem); err != nil {
				return crawlErr(KindParse, "semesters", err)
			}
			semesters = append(semesters, sem)

			return nil
		})

		return semesters, err
	})
}

type settingsDoc struct {
	SemTypes map[string]struct {
		Name  string      `json:"name"`
		Class json.Number `json:"class"`
	} `json:"SEM_TYPE"`
	SemClasses map[string]struct {
		Name string `json:"name"`
	} `json:"SEM_CLASS"`
}

func (c *Client) settings(ctx context.Context) (settingsDoc, error) {
	return memoize(c, ctx, "studip/settings", func(ctx context.Context) (settingsDoc, error) {
		var doc settingsDoc
		err := c.getJSON(ctx, "studip/settings", &doc)

		return doc, err
	})
}

type courseDoc struct {
	CourseID    string      `json:"course_id"`
	Number      string      `json:"number"`
	Title       string      `json:"title"`
	Subtitle    string      `json:"subtitle"`
	Description string      `json:"description"`
	Location    string      `json:"location"`
	Group       json.Number `json:"group"`
	Type        json.Number `json:"type"`
}

// Courses lists the user's courses in the given semester, enriched with
// the type and class names from the instance settings.
func (c *Client) Courses(ctx context.Context, semesterID string) ([]Course, error) {
	return memoize(c, ctx, "courses/"+semesterID, func(ctx context.Context) ([]Course, error) {
		settings, err := c.settings(ctx)
		if err != nil {
			return nil, err
		}

		endpoint := fmt.Sprintf("user/%s/courses?semester=%s", c.user.ID, semesterID)
		var courses []Course
		err = c.collect(ctx, endpoint, func(raw json.RawMessage) error {
			var doc courseDoc
			if err := json.Unmarshal(raw, &doc); err != nil {
				return crawlErr(KindParse, endpoint, err)
			}

			course := Course{
				ID:          doc.CourseID,
				Number:      doc.Number,
				Title:       doc.Title,
				Subtitle:    doc.Subtitle,
				Description: doc.Description,
				Location:    doc.Location,
				SemesterIDs: []string{semesterID},
			}
			course.GroupID, _ = numToInt(doc.Group)
			if t, ok := settings.SemTypes[doc.Type.String()]; ok {
				course.TypeName = t.Name
				course.TypeShort = Abbreviate(t.Name)
				if cl, ok := settings.SemClasses[t.Class.String()]; ok {
					course.ClassName = cl.Name
				}
			}
			courses = append(courses, course)

			return nil
		})

		return courses, err
	})
}

func numToInt(n json.Number) (int, error) {
	v, err := n.Int64()

	return int(v), err //nolint:wrapcheck
}

type folderDoc struct {
	Folder
	Subfolders []struct {
		ID string `json:"id"`
	} `json:"subfolders"`
	FileRefs []File `json:"file_refs"`
}

// FolderTree walks the full folder subtree of a course and returns each
// file together with the folder names leading to it, top folder first.
func (c *Client) FolderTree(ctx context.Context, courseID string) ([]TreeFile, error) {
	return memoize(c, ctx, "tree/"+courseID, func(ctx context.Context) ([]TreeFile, error) {
		var files []TreeFile

		var walk func(endpoint string, path []string) error
		walk = func(endpoint string, path []string) error {
			var doc folderDoc
			if err := c.getJSON(ctx, endpoint, &doc); err != nil {
				return err
			}

			path = append(path[:len(path):len(path)], doc.Name)
			for _, ref := range doc.FileRefs {
				files = append(files, TreeFile{File: ref, Path: path})
			}
			for _, sub := range doc.Subfolders {
				if err := walk("folder/"+sub.ID, path); err != nil {
					return err
				}
			}

			return nil
		}

		err := walk("course/"+courseID+"/top_folder", nil)

		return files, err
	})
}

// FileMeta fetches the metadata snapshot of a single file reference.
func (c *Client) FileMeta(ctx context.Context, fileID string) (File, error) {
	return memoize(c, ctx, "file/"+fileID, func(ctx context.Context) (File, error) {
		var file File
		err := c.getJSON(ctx, "file/"+fileID, &file)

		return file, err
	})
}

// DownloadFile streams the file content into w and returns the number
// of bytes written. Deduplication is the content cache's concern.
func (c *Client) DownloadFile(ctx context.Context, fileID string, w io.Writer) (int64, error) {
	endpoint := "file/" + fileID + "/download"

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return 0, fmt.Errorf("fan-out semaphore: %w", err)
	}
	defer c.sem.Release(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpointURL(endpoint), nil)
	if err != nil {
		return 0, crawlErr(KindProtocol, endpoint, err)
	}
	req.SetBasicAuth(c.username, c.password)

	c.Metrics.TotalRequests.Add(1)
	resp, err := c.http.Do(req)
	if err != nil {
		c.Metrics.TotalErrors.Add(1)

		return 0, classifyErr(endpoint, err)
	}
	defer resp.Body.Close()

	if err := c.statusErr(endpoint, resp); err != nil {
		return 0, err
	}

	n, err := io.Copy(w, resp.Body)
	c.Metrics.TotalDownloadBytes.Add(n)
	if err != nil {
		c.Metrics.TotalErrors.Add(1)

		return n, classifyErr(endpoint, err)
	}
	c.Metrics.TotalDownloads.Add(1)

	return n, nil
}

// WebURL returns the absolute URL of an entity in the web interface,
// served through the studip-fuse.url extended attribute.
func (c *Client) WebURL(kind, id string) string {
	web := strings.TrimSuffix(c.base.String(), "api.php/")
	switch kind {
	case "semester":
		return web + "dispatch.php/my_courses/set_semester?sem_select=" + id
	case "course":
		return web + "dispatch.php/course/overview?cid=" + id
	case "file":
		return web + "dispatch.php/file/details/" + id
	default:
		return web
	}
}

// memoize returns the stored result for key, joins an in-flight call,
// or computes the result once. Failures are stored too: every current
// and future consumer of the key observes the same error.
func memoize[T any](c *Client, ctx context.Context, key string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	if item := c.memo.Get(key); item != nil {
		entry := item.Value()
		if entry.err != nil {
			return zero, entry.err
		}

		return entry.val.(T), nil //nolint:forcetypeassert
	}

	type result struct {
		val T
		err error
	}
	ch := c.sf.DoChan(key, func() (any, error) {
		// Detached from the caller: one waiter leaving must not
		// cancel the shared computation for the others.
		val, err := fn(context.WithoutCancel(ctx))
		c.memo.Set(key, memoEntry{val: val, err: err}, ttlcache.NoTTL)

		return result{val: val, err: err}, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err() //nolint:wrapcheck
	case res := <-ch:
		r := res.Val.(result) //nolint:forcetypeassert

		return r.val, r.err
	}
}

type pageDoc struct {
	Collection json.RawMessage `json:"collection"`
	Pagination struct {
		Total  int `json:"total"`
		Offset int `json:"offset"`
		Links  struct {
			Next string `json:"next"`
		} `json:"links"`
	} `json:"pagination"`
}

// collect iterates a paginated collection endpoint, following the
// pagination "next" links until the collection is exhausted.
func (c *Client) collect(ctx context.Context, endpoint string, each func(json.RawMessage) error) error {
	next := endpoint
	for next != "" {
		var page pageDoc
		if err := c.getJSON(ctx, next, &page); err != nil {
			return err
		}

		items, err := collectionItems(page.Collection)
		if err != nil {
			return crawlErr(KindParse, next, err)
		}
		for _, raw := range items {
			if err := each(raw); err != nil {
				return err
			}
		}

		if len(items) == 0 {
			break
		}
		next = page.Pagination.Links.Next
	}

	return nil
}

// collectionItems accepts both forms the API uses: a JSON array, or an
// object mapping entity URLs to entities.
func collectionItems(raw json.RawMessage) ([]json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}

	if strings.HasPrefix(trimmed, "[") {
		var items []json.RawMessage
		err := json.Unmarshal(raw, &items)

		return items, err //nolint:wrapcheck
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err //nolint:wrapcheck
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	// Stable order regardless of map iteration.
	slices.Sort(keys)
	items := make([]json.RawMessage, 0, len(obj))
	for _, k := range keys {
		items = append(items, obj[k])
	}

	return items, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	data, err := c.get(ctx, endpoint)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return crawlErr(KindParse, endpoint, err)
	}

	return nil
}

// get performs one GET with a single retry after a short delay when the
// first attempt timed out. GETs are idempotent, so the retry is safe.
func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	data, err := c.doGet(ctx, endpoint)

	var ce *CrawlError
	if errors.As(err, &ce) && ce.Kind == KindTimeout {
		select {
		case <-ctx.Done():
			return nil, ctx.Err() //nolint:wrapcheck
		case <-time.After(c.retryDelay):
		}

		c.Metrics.TotalRetries.Add(1)
		c.rbuf.Printf("Retrying timed-out request: %q\n", endpoint)
		data, err = c.doGet(ctx, endpoint)
	}

	return data, err
}

func (c *Client) doGet(ctx context.Context, endpoint string) ([]byte, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("fan-out semaphore: %w", err)
	}
	defer c.sem.Release(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpointURL(endpoint), nil)
	if err != nil {
		return nil, crawlErr(KindProtocol, endpoint, err)
	}
	req.SetBasicAuth(c.username, c.password)

	c.Metrics.TotalRequests.Add(1)
	resp, err := c.http.Do(req)
	if err != nil {
		c.Metrics.TotalErrors.Add(1)

		return nil, classifyErr(endpoint, err)
	}
	defer resp.Body.Close()

	if err := c.statusErr(endpoint, resp); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.Metrics.TotalErrors.Add(1)

		return nil, classifyErr(endpoint, err)
	}

	return data, nil
}

func (c *Client) statusErr(endpoint string, resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.Metrics.TotalErrors.Add(1)

		return fmt.Errorf("%w: HTTP %d on %q", ErrAuth, resp.StatusCode, endpoint)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		c.Metrics.TotalErrors.Add(1)

		return &CrawlError{Kind: KindHTTPStatus, Endpoint: endpoint, Status: resp.StatusCode}
	default:
		return nil
	}
}

// endpointURL resolves an endpoint or pagination link against the API
// base. Pagination links repeat the full api.php path, which is cut.
func (c *Client) endpointURL(endpoint string) string {
	const prefix = "api.php"
	if idx := strings.Index(endpoint, prefix); idx >= 0 {
		endpoint = endpoint[idx+len(prefix):]
	}
	endpoint = strings.TrimLeft(endpoint, "/")

	return c.base.String() + endpoint
}

func classifyErr(endpoint string, err error) error {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout(),
		errors.Is(err, context.DeadlineExceeded):
		return crawlErr(KindTimeout, endpoint, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return crawlErr(KindProtocol, endpoint, err)
	}
}
