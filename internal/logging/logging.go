// Package logging implements the handling of logs.
package logging

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// RingBuffer keeps the most recent event lines in memory for the
// diagnostics dashboard, while also writing every line to a stream.
type RingBuffer struct {
	mu    sync.Mutex
	out   io.Writer
	buf   []string
	index int
	full  bool
	size  int
}

// NewRingBuffer returns a pointer to a new [RingBuffer] of fixed size,
// mirroring every message to out. Sizes below one are raised to one;
// the ring must always be able to hold the line being emitted.
func NewRingBuffer(size int, out io.Writer) *RingBuffer {
	if size < 1 {
		size = 1
	}

	return &RingBuffer{
		out:  out,
		buf:  make([]string, size),
		size: size,
	}
}

// Size returns the size of the ring-buffer.
func (b *RingBuffer) Size() int {
	return b.size
}

// Lines returns a copy of the buffered lines, oldest first.
func (b *RingBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.full {
		out := make([]string, b.index)
		copy(out, b.buf[:b.index])

		return out
	}
	out := make([]string, b.size)
	copy(out, b.buf[b.index:])
	copy(out[b.size-b.index:], b.buf[:b.index])

	return out
}

// Reset returns the ring-buffer to zero state.
func (b *RingBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = make([]string, b.size)
	b.index = 0
	b.full = false
}

// Printf adds a formatted message to the ring-buffer and the stream.
func (b *RingBuffer) Printf(format string, args ...any) {
	b.emit(fmt.Sprintf(format, args...))
}

// Println adds a message to the ring-buffer and the stream.
func (b *RingBuffer) Println(args ...any) {
	b.emit(fmt.Sprintln(args...))
}

func (b *RingBuffer) emit(msg string) {
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	line := fmt.Sprintf("%s %s", timestamp, strings.TrimRight(msg, "\n"))

	b.mu.Lock()
	b.buf[b.index] = line
	b.index = (b.index + 1) % b.size
	if b.index == 0 {
		b.full = true
	}
	b.mu.Unlock()

	fmt.Fprintf(b.out, "%s\n", line)
}
