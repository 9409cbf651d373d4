package webserver

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// avgDownloadSize returns a string of the average download size.
func (d *FSDashboard) avgDownloadSize() string {
	downloads := d.client.Metrics.TotalDownloads.Load()
	bytes := d.client.Metrics.TotalDownloadBytes.Load()

	if downloads == 0 {
		return "0 B"
	}

	return humanize.IBytes(uint64(bytes / downloads))
}

// totalDownloadBytes returns a string of the total downloaded bytes.
func (d *FSDashboard) totalDownloadBytes() string {
	bytes := d.client.Metrics.TotalDownloadBytes.Load()

	if bytes < 0 {
		return humanize.IBytes(0)
	}

	return humanize.IBytes(uint64(bytes))
}

// totalReadBytes returns a string of the total bytes served to the kernel.
func (d *FSDashboard) totalReadBytes() string {
	bytes := d.fsys.Metrics.TotalReadBytes.Load()

	if bytes < 0 {
		return humanize.IBytes(0)
	}

	return humanize.IBytes(uint64(bytes))
}

// cacheHitRatio returns a string of the content cache hit/download ratio.
func (d *FSDashboard) cacheHitRatio() string {
	hits := d.store.Metrics.TotalHits.Load()
	downloads := d.store.Metrics.TotalDownloads.Load()
	total := hits + downloads

	if total == 0 {
		return "0.00%"
	}

	perc := (float64(hits) / float64(total)) * 100

	return fmt.Sprintf("%.2f%%", perc)
}

// enabledOrDisabled returns string "Enabled" or "Disabled" based on a boolean.
func enabledOrDisabled(v bool) string {
	if v {
		return "Enabled"
	}

	return "Disabled"
}
