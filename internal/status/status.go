// Package status implements the append-only milestone status file that
// external tooling (and curious users) can tail to follow the mount
// lifecycle.
package status

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileName is the status file name inside the user data directory.
const FileName = "studip-status.txt"

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

var errMissingArgument = errors.New("missing argument")

// Reporter appends one UTF-8 line per milestone event:
// "<ISO-8601-UTC> <LEVEL> <message>".
type Reporter struct {
	mu sync.Mutex
	f  *os.File
}

// Open returns a pointer to a new [Reporter] appending to the status
// file inside dataDir, creating the directory if needed.
func Open(dataDir string) (*Reporter, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("%w: need a data dir", errMissingArgument)
	}
	if err := os.MkdirAll(dataDir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dataDir, FileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, filePerm)
	if err != nil {
		return nil, fmt.Errorf("failed to open status file: %w", err)
	}

	return &Reporter{f: f}, nil
}

// Info appends an INFO milestone.
func (r *Reporter) Info(msg string) {
	r.append("INFO", msg)
}

// Error appends an ERROR milestone.
func (r *Reporter) Error(msg string) {
	r.append("ERROR", msg)
}

func (r *Reporter) append(level, msg string) {
	line := fmt.Sprintf("%s %s %s\n", time.Now().UTC().Format(time.RFC3339), level, msg)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.f != nil {
		_, _ = r.f.WriteString(line)
	}
}

// Close flushes and closes the status file.
func (r *Reporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil

	return err //nolint:wrapcheck
}
