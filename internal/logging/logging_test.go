package logging

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// Expectation: Lines should return the buffered lines oldest first and
// drop the oldest entries once the ring is full.
func Test_RingBuffer_Lines_WrapAround(t *testing.T) {
	t.Parallel()
	b := NewRingBuffer(3, io.Discard)

	b.Println("one")
	b.Println("two")

	lines := b.Lines()
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "one")
	require.Contains(t, lines[1], "two")

	b.Println("three")
	b.Println("four")

	lines = b.Lines()
	require.Len(t, lines, 3)
	require.Contains(t, lines[0], "two")
	require.Contains(t, lines[1], "three")
	require.Contains(t, lines[2], "four")
}

// Expectation: every message should also reach the mirror stream, one
// timestamped line per message.
func Test_RingBuffer_MirrorsToStream(t *testing.T) {
	t.Parallel()

	var out strings.Builder
	b := NewRingBuffer(2, &out)

	b.Printf("count: %d\n", 42)
	b.Println("done")

	streamed := out.String()
	require.Contains(t, streamed, "count: 42")
	require.Contains(t, streamed, "done")
	require.Equal(t, 2, strings.Count(streamed, "\n"))
}

// Expectation: a non-positive size should be raised to one instead of
// producing a ring that cannot hold any line.
func Test_NewRingBuffer_ClampsSize(t *testing.T) {
	t.Parallel()

	for _, size := range []int{0, -5} {
		b := NewRingBuffer(size, io.Discard)
		require.Equal(t, 1, b.Size())

		b.Println("first")
		b.Println("second")

		lines := b.Lines()
		require.Len(t, lines, 1)
		require.Contains(t, lines[0], "second")
	}
}

// Expectation: Reset should return the ring to an empty state while
// keeping its size.
func Test_RingBuffer_Reset(t *testing.T) {
	t.Parallel()
	b := NewRingBuffer(2, io.Discard)

	b.Println("one")
	b.Println("two")
	b.Println("three")
	b.Reset()

	require.Empty(t, b.Lines())
	require.Equal(t, 2, b.Size())

	b.Println("fresh")
	require.Len(t, b.Lines(), 1)
}
