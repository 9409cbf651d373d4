// Package webserver implements the diagnostics dashboard.
package webserver

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"runtime/debug"
	"slices"
	"text/template"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/studipfuse/studipfuse/internal/cache"
	"github.com/studipfuse/studipfuse/internal/filesystem"
	"github.com/studipfuse/studipfuse/internal/logging"
	"github.com/studipfuse/studipfuse/internal/studip"
)

var (
	//go:embed templates/*.html
	templateFS    embed.FS
	indexTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))

	// errInvalidArgument is for an invalid constructor argument.
	errInvalidArgument = errors.New("invalid argument")
)

// FSDashboard is the implementation of the filesystem dashboard.
type FSDashboard struct {
	version string
	fsys    *filesystem.FS
	client  *studip.Client
	store   *cache.Cache
	rbuf    *logging.RingBuffer
}

// NewFSDashboard returns a pointer to a new [FSDashboard].
func NewFSDashboard(fsys *filesystem.FS, client *studip.Client, store *cache.Cache, rbuf *logging.RingBuffer, version string) (*FSDashboard, error) {
	if fsys == nil {
		return nil, fmt.Errorf("%w: need filesystem", errInvalidArgument)
	}
	if client == nil {
		return nil, fmt.Errorf("%w: need client", errInvalidArgument)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: need content cache", errInvalidArgument)
	}
	if rbuf == nil {
		return nil, fmt.Errorf("%w: need ring buffer", errInvalidArgument)
	}

	return &FSDashboard{
		version: version,
		fsys:    fsys,
		client:  client,
		store:   store,
		rbuf:    rbuf,
	}, nil
}

// Serve serves the diagnostics dashboard as part of a [http.Server].
func (d *FSDashboard) Serve(addr string) *http.Server {
	srv := &http.Server{Addr: addr, Handler: d.dashboardMux()}

	go func() {
		defer func() {
			r := recover()
			if r != nil {
				fmt.Fprintf(os.Stderr, "(webserver) PANIC: %v\n", r)
				debug.PrintStack()
			}
		}()
		d.rbuf.Printf("serving dashboard on %s\n", addr)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.rbuf.Printf("HTTP error: %v\n", err)
		}
	}()

	return srv
}

func (d *FSDashboard) dashboardMux() *mux.Router {
	mux := mux.NewRouter()

	mux.HandleFunc("/", d.dashboardHandler)
	mux.HandleFunc("/metrics.json", d.metricsHandler)
	mux.HandleFunc("/gc", d.gcHandler)
	mux.HandleFunc("/reset", d.resetMetricsHandler)

	return mux
}

type fsDashboardData struct {
	AllocBytes          string   `json:"allocBytes"`
	AvgDownloadSize     string   `json:"avgDownloadSize"`
	CacheHitRatio       string   `json:"cacheHitRatio"`
	CacheHits           int64    `json:"cacheHits"`
	CacheJoined         int64    `json:"cacheJoined"`
	DownloadBytes       string   `json:"downloadBytes"`
	Downloads           int64    `json:"downloads"`
	FailedDownloads     int64    `json:"failedDownloads"`
	Logs                []string `json:"logs"`
	NumGC               uint32   `json:"numGc"`
	OpenHandles         int64    `json:"openHandles"`
	PartsCollected      int64    `json:"partsCollected"`
	RequestErrors       int64    `json:"requestErrors"`
	RequestRetries      int64    `json:"requestRetries"`
	Requests            int64    `json:"requests"`
	RingBufferSize      int      `json:"ringBufferSize"`
	StrictCache         string   `json:"strictCache"`
	SysBytes            string   `json:"sysBytes"`
	TotalAlloc          string   `json:"totalAlloc"`
	TotalErrors         int64    `json:"totalErrors"`
	TotalLookups        int64    `json:"totalLookups"`
	TotalOpenedHandles  int64    `json:"totalOpenedHandles"`
	TotalReadBytes      string   `json:"totalReadBytes"`
	TotalReaddirs       int64    `json:"totalReaddirs"`
	TotalReads          int64    `json:"totalReads"`
	Uptime              string   `json:"uptime"`
	Version             string   `json:"version"`
}

func (d *FSDashboard) collectMetrics() fsDashboardData {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	lines := d.rbuf.Lines()
	slices.Reverse(lines)

	return fsDashboardData{
		AllocBytes:         humanize.IBytes(m.Alloc),
		AvgDownloadSize:    d.avgDownloadSize(),
		CacheHitRatio:      d.cacheHitRatio(),
		CacheHits:          d.store.Metrics.TotalHits.Load(),
		CacheJoined:        d.store.Metrics.TotalJoined.Load(),
		DownloadBytes:      d.totalDownloadBytes(),
		Downloads:          d.client.Metrics.TotalDownloads.Load(),
		FailedDownloads:    d.store.Metrics.TotalFailures.Load(),
		Logs:               lines,
		NumGC:              m.NumGC,
		OpenHandles:        d.fsys.Metrics.OpenHandles.Load(),
		PartsCollected:     d.store.Metrics.TotalPartsCollected.Load(),
		RequestErrors:      d.client.Metrics.TotalErrors.Load(),
		RequestRetries:     d.client.Metrics.TotalRetries.Load(),
		Requests:           d.client.Metrics.TotalRequests.Load(),
		RingBufferSize:     d.rbuf.Size(),
		StrictCache:        enabledOrDisabled(d.fsys.Options.StrictCache),
		SysBytes:           humanize.IBytes(m.Sys),
		TotalAlloc:         humanize.IBytes(m.TotalAlloc),
		TotalErrors:        d.fsys.Metrics.TotalErrors.Load(),
		TotalLookups:       d.fsys.Metrics.TotalLookups.Load(),
		TotalOpenedHandles: d.fsys.Metrics.TotalOpenedHandles.Load(),
		TotalReadBytes:     d.totalReadBytes(),
		TotalReaddirs:      d.fsys.Metrics.TotalReaddirs.Load(),
		TotalReads:         d.fsys.Metrics.TotalReads.Load(),
		Uptime:             humanize.Time(d.fsys.MountTime),
		Version:            d.version,
	}
}

func (d *FSDashboard) dashboardHandler(w http.ResponseWriter, _ *http.Request) {
	data := d.collectMetrics()

	if err := indexTemplate.Execute(w, data); err != nil {
		d.rbuf.Printf("HTTP template execution error: %v\n", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (d *FSDashboard) metricsHandler(w http.ResponseWriter, _ *http.Request) {
	data := d.collectMetrics()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (d *FSDashboard) gcHandler(w http.ResponseWriter, _ *http.Request) {
	runtime.GC()
	debug.FreeOSMemory()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	d.rbuf.Printf("GC forced via API, current heap: %s.\n", humanize.IBytes(m.Alloc))

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "GC forced, current heap: %s.\n", humanize.IBytes(m.Alloc))
}

func (d *FSDashboard) resetMetricsHandler(w http.ResponseWriter, _ *http.Request) {
	d.fsys.Metrics.TotalLookups.Store(0)
	d.fsys.Metrics.TotalReaddirs.Store(0)
	d.fsys.Metrics.TotalReads.Store(0)
	d.fsys.Metrics.TotalReadBytes.Store(0)
	d.fsys.Metrics.TotalOpenedHandles.Store(0)
	d.fsys.Metrics.TotalErrors.Store(0)

	d.client.Metrics.TotalRequests.Store(0)
	d.client.Metrics.TotalRetries.Store(0)
	d.client.Metrics.TotalErrors.Store(0)
	d.client.Metrics.TotalDownloads.Store(0)
	d.client.Metrics.TotalDownloadBytes.Store(0)

	d.store.Metrics.TotalHits.Store(0)
	d.store.Metrics.TotalDownloads.Store(0)
	d.store.Metrics.TotalJoined.Store(0)
	d.store.Metrics.TotalFailures.Store(0)

	d.rbuf.Println("Metrics reset via API.")

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "Metrics reset.")
}
