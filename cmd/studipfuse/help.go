package main

const (
	helpTextUse = "studipfuse <studip-api-url> <mountpoint>"

	helpTextShort = "a read-only FUSE filesystem for Stud.IP course files"

	helpTextLong = `studipfuse is a read-only FUSE filesystem that projects the file areas of
all Stud.IP courses of one user as a regular directory tree. The shape of
the tree is entirely up to the user: a path format string of tokens such as
{semester-lexical}/{course}/{short-path}/{file-name} decides which remote
properties become which path components. File contents download on first
open and are then served from an on-disk cache shared across mounts.

The password is read from the STUDIPFUSE_PASSWORD environment variable,
or from a file given with --pwfile.

When mounted, the following OS signals are observed at runtime:
- SIGTERM/SIGINT for gracefully unmounting the FS
- SIGUSR1 for forcing a garbage collection run within Go
- SIGUSR2 for printing a stack trace to standard error (stderr)

When enabled, the diagnostics dashboard exposes the following routes:
- "/" for filesystem dashboard and event ring-buffer
- "/metrics.json" for all metrics as a JSON document
- "/gc" for forcing of a garbage collection (within Go)
- "/reset" for resetting the filesystem metrics at runtime`
)
