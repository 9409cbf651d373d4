// Package cache implements the content-addressed on-disk store for
// downloaded file contents, shared across runs and deduplicating
// concurrent downloads of the same fingerprint.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/studipfuse/studipfuse/internal/logging"
	"github.com/studipfuse/studipfuse/internal/studip"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	partSuffix = ".part"
	metaSuffix = ".meta.json"
)

var errMissingArgument = errors.New("missing argument")

// Downloader streams the raw content of a remote file. *studip.Client
// satisfies it.
type Downloader interface {
	DownloadFile(ctx context.Context, fileID string, w io.Writer) (int64, error)
}

// Status of a fingerprint within this process run.
type Status int

const (
	// StatusUnknown means no download has been attempted yet.
	StatusUnknown Status = iota

	// StatusDownloading means a download is in flight.
	StatusDownloading

	// StatusReady means the content is on disk with a valid sentinel.
	StatusReady

	// StatusFailed means the last attempt failed; a new request retries.
	StatusFailed
)

// Metrics contains all counters collected within the cache.
type Metrics struct {
	// TotalHits is the amount of opens served from disk.
	TotalHits atomic.Int64

	// TotalDownloads is the amount of downloads performed.
	TotalDownloads atomic.Int64

	// TotalJoined is the amount of opens that joined an in-flight download.
	TotalJoined atomic.Int64

	// TotalFailures is the amount of failed downloads.
	TotalFailures atomic.Int64

	// TotalPartsCollected is the amount of stale .part files removed at startup.
	TotalPartsCollected atomic.Int64
}

// metaFile is the completion sentinel written next to the content.
type metaFile struct {
	Size     uint64 `json:"size"`
	MimeType string `json:"mimeType"`
	Terms    string `json:"terms"`
	Complete bool   `json:"complete"`
}

type entry struct {
	done chan struct{}
	path string
	err  error
}

// Cache is the on-disk content store. Keys are fingerprints
// (file-id, content-hash); content survives process restarts, the
// in-flight map does not. The cache grows monotonically within a run.
type Cache struct {
	Metrics *Metrics

	dir        string
	downloader Downloader
	rbuf       *logging.RingBuffer

	mu       sync.Mutex
	inflight map[string]*entry
	failed   map[string]error
}

// New returns a pointer to a new [Cache] rooted at dir and removes
// stale partial downloads a previous crash may have left behind.
func New(dir string, downloader Downloader, rbuf *logging.RingBuffer) (*Cache, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: need a cache dir", errMissingArgument)
	}
	if downloader == nil {
		return nil, fmt.Errorf("%w: need a downloader", errMissingArgument)
	}
	if rbuf == nil {
		return nil, fmt.Errorf("%w: need a ring buffer", errMissingArgument)
	}

	c := &Cache{
		Metrics:    &Metrics{},
		dir:        dir,
		downloader: downloader,
		rbuf:       rbuf,
		inflight:   make(map[string]*entry),
		failed:     make(map[string]error),
	}
	if err := os.MkdirAll(filepath.Join(dir, "files"), dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	c.collectParts()

	return c, nil
}

// Fingerprint keys the cache: file id plus the remote content hash.
func Fingerprint(f *studip.File) string {
	return f.ID + "_" + f.ContentHash()
}

// contentDir shards by the first two hex bytes of the file id:
// <cache>/files/<aa>/<bb>/<file-id>_<hash>.
func (c *Cache) contentDir(f *studip.File) string {
	id := f.ID
	aa, bb := "00", "00"
	if len(id) >= 4 {
		aa, bb = id[0:2], id[2:4]
	}

	return filepath.Join(c.dir, "files", aa, bb, Fingerprint(f))
}

func (c *Cache) contentPath(f *studip.File) string {
	return filepath.Join(c.contentDir(f), safeFileName(f.Name))
}

func (c *Cache) metaPath(f *studip.File) string {
	return c.contentDir(f) + metaSuffix
}

// Status reports the fingerprint's state within this run, consulting
// the disk sentinel for fingerprints this process has not touched.
func (c *Cache) Status(f *studip.File) Status {
	key := Fingerprint(f)

	c.mu.Lock()
	if _, ok := c.inflight[key]; ok {
		c.mu.Unlock()

		return StatusDownloading
	}
	if _, ok := c.failed[key]; ok {
		c.mu.Unlock()

		return StatusFailed
	}
	c.mu.Unlock()

	if c.hasSentinel(f) {
		return StatusReady
	}

	return StatusUnknown
}

// LastErr returns the most recent failure recorded for the fingerprint.
func (c *Cache) LastErr(f *studip.File) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.failed[Fingerprint(f)]
}

// Open returns a read-only handle to the file's content, downloading it
// first if necessary. Concurrent opens of the same fingerprint share
// one download; the download keeps running even if every waiter's
// context is cancelled, so a later open observes the completed entry.
// On failure the in-flight entry is removed so a future open retries.
func (c *Cache) Open(ctx context.Context, f *studip.File) (*os.File, error) {
	if c.hasSentinel(f) {
		c.Metrics.TotalHits.Add(1)

		return os.Open(c.contentPath(f)) //nolint:wrapcheck
	}

	return c.openMiss(ctx, f)
}

// openMiss joins or starts a download for a fingerprint whose sentinel
// was absent at the unlocked fast check. The owner may complete and
// leave the in-flight map before the lock is taken here, so the
// sentinel is re-checked under the lock: the fingerprint must never
// download twice.
func (c *Cache) openMiss(ctx context.Context, f *studip.File) (*os.File, error) {
	key := Fingerprint(f)
	path := c.contentPath(f)

	c.mu.Lock()
	e, ok := c.inflight[key]
	if ok {
		c.Metrics.TotalJoined.Add(1)
	} else {
		if c.hasSentinel(f) {
			c.mu.Unlock()
			c.Metrics.TotalHits.Add(1)

			return os.Open(path) //nolint:wrapcheck
		}

		e = &entry{done: make(chan struct{}), path: path}
		c.inflight[key] = e

		go c.download(context.WithoutCancel(ctx), key, f, e)
	}
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err() //nolint:wrapcheck
	case <-e.done:
	}

	if e.err != nil {
		return nil, e.err
	}

	return os.Open(e.path) //nolint:wrapcheck
}

func (c *Cache) download(ctx context.Context, key string, f *studip.File, e *entry) {
	err := c.fetchToDisk(ctx, f)

	c.mu.Lock()
	if err != nil {
		c.Metrics.TotalFailures.Add(1)
		c.failed[key] = err
		e.err = err
	} else {
		c.Metrics.TotalDownloads.Add(1)
		delete(c.failed, key)
	}
	// The entry leaves the map either way: success is served from the
	// disk sentinel, failure must stay retryable.
	delete(c.inflight, key)
	c.mu.Unlock()

	close(e.done)
}

func (c *Cache) fetchToDisk(ctx context.Context, f *studip.File) error {
	dir := c.contentDir(f)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("cache io: %w", err)
	}

	final := c.contentPath(f)
	part := final + partSuffix

	w, err := os.OpenFile(part, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("cache io: %w", err)
	}

	n, err := c.downloader.DownloadFile(ctx, f.ID, w)
	if closeErr := w.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("cache io: %w", closeErr)
	}
	if err != nil {
		os.Remove(part)
		c.rbuf.Printf("Download failed: %q (%d bytes in): %v\n", f.Name, n, err)

		return err
	}

	if err := os.Rename(part, final); err != nil {
		os.Remove(part)

		return fmt.Errorf("cache io: %w", err)
	}
	if !f.Chdate.IsZero() {
		_ = os.Chtimes(final, f.Chdate.Time, f.Chdate.Time)
	}

	return c.writeSentinel(f)
}

func (c *Cache) writeSentinel(f *studip.File) error {
	meta := metaFile{
		Size:     f.Size,
		MimeType: f.MimeType,
		Terms:    f.Terms,
		Complete: true,
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("cache io: %w", err)
	}
	if err := os.WriteFile(c.metaPath(f), data, filePerm); err != nil {
		return fmt.Errorf("cache io: %w", err)
	}

	return nil
}

// hasSentinel reports whether the content is on disk and its sentinel
// marks the download as complete.
func (c *Cache) hasSentinel(f *studip.File) bool {
	data, err := os.ReadFile(c.metaPath(f))
	if err != nil {
		return false
	}

	var meta metaFile
	if err := json.Unmarshal(data, &meta); err != nil {
		return false
	}
	if !meta.Complete {
		return false
	}

	_, err = os.Stat(c.contentPath(f))

	return err == nil
}

// collectParts removes .part files of downloads a previous run did not
// finish. The downloading state is in-memory only, so after a crash
// these are garbage.
func (c *Cache) collectParts() {
	_ = filepath.WalkDir(filepath.Join(c.dir, "files"), func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil //nolint:nilerr
		}
		if strings.HasSuffix(d.Name(), partSuffix) {
			if os.Remove(path) == nil {
				c.Metrics.TotalPartsCollected.Add(1)
				c.rbuf.Printf("Removed stale partial download: %q\n", path)
			}
		}

		return nil
	})
}

// safeFileName keeps the remote file name usable as an on-disk name.
func safeFileName(name string) string {
	name = strings.ReplaceAll(name, "/", "-")
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return "_"
	}

	return name
}
