/*
studipfuse is a read-only FUSE filesystem that projects the file areas of
all Stud.IP courses of one user as a regular directory tree, shaped by a
user-supplied path format string. File contents download on first open and
are then served from an on-disk cache shared across mounts. It includes a
HTTP dashboard for basic filesystem metrics and the event ring-buffer.

The following signals are observed and handled by the filesystem:
  - SIGTERM or SIGINT (CTRL+C) gracefully unmounts the filesystem
  - SIGUSR1 forces a garbage collection (within Go)
  - SIGUSR2 dumps a diagnostic stacktrace to standard error (stderr)

When enabled, the diagnostics server exposes the following routes over HTTP:
  - "/" for filesystem dashboard and event ring-buffer
  - "/metrics.json" for all metrics as a JSON document
  - "/gc" for forcing of a garbage collection (within Go)
  - "/reset" for resetting the FS metrics at runtime
*/
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"

	"al.essio.dev/pkg/shellescape"
	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/spf13/cobra"
	"github.com/studipfuse/studipfuse/internal/cache"
	"github.com/studipfuse/studipfuse/internal/filesystem"
	"github.com/studipfuse/studipfuse/internal/logging"
	"github.com/studipfuse/studipfuse/internal/pathtmpl"
	"github.com/studipfuse/studipfuse/internal/status"
	"github.com/studipfuse/studipfuse/internal/studip"
	"github.com/studipfuse/studipfuse/internal/vtree"
	"github.com/studipfuse/studipfuse/internal/webserver"
	"golang.org/x/sys/unix"
)

const (
	stackTraceBuffer = 1 << 24

	defaultFormat         = "{semester-lexical}/{course}/{short-path}/{file-name}"
	defaultRingBufferSize = 150

	passwordEnv = "STUDIPFUSE_PASSWORD"
)

// Version is the program version (filled in from the Makefile).
var Version string

type programOpts struct {
	apiURL           string
	mountDir         string
	username         string
	pwFile           string
	format           string
	cacheDir         string
	dataDir          string
	ringSize         int
	strictCache      bool
	allowOther       bool
	dashboardAddress string

	client *studip.Options
}

func rootCmd() *cobra.Command {
	opts := &programOpts{client: studip.DefaultOptions()}

	cmd := &cobra.Command{
		Use:     helpTextUse,
		Short:   helpTextShort,
		Long:    helpTextLong,
		Version: Version,
		Args:    cobra.ExactArgs(2), //nolint:mnd
		RunE: func(_ *cobra.Command, args []string) error {
			opts.apiURL = args[0]
			opts.mountDir = args[1]

			return run(opts)
		},
	}

	cmd.Flags().StringVarP(&opts.username, "user", "u", "", "Stud.IP username to authenticate as (required)")
	cmd.Flags().StringVar(&opts.pwFile, "pwfile", "", "File to read the password from (default: "+passwordEnv+" environment variable)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", defaultFormat, "Path format string deciding the shape of the mounted tree")
	cmd.Flags().StringVar(&opts.cacheDir, "cache-dir", "", "Directory for downloaded file contents (default: user cache dir)")
	cmd.Flags().StringVar(&opts.dataDir, "data-dir", "", "Directory for the status file (default: user cache dir)")
	cmd.Flags().Int64Var(&opts.client.MaxConnections, "connections", opts.client.MaxConnections, "Maximum concurrent HTTP requests against the Stud.IP server")
	cmd.Flags().DurationVar(&opts.client.ConnectTimeout, "connect-timeout", opts.client.ConnectTimeout, "Timeout for establishing HTTP connections")
	cmd.Flags().DurationVar(&opts.client.ReadTimeout, "read-timeout", opts.client.ReadTimeout, "Timeout for awaiting HTTP response headers")
	cmd.Flags().IntVar(&opts.ringSize, "ring-buffer-size", defaultRingBufferSize, "Size of the in-memory event ring-buffer")
	cmd.Flags().BoolVar(&opts.strictCache, "strict-cache", false, "Bypass kernel-side caching of directory contents")
	cmd.Flags().BoolVar(&opts.allowOther, "allow-other", false, "Allow other users to access the mounted filesystem")
	cmd.Flags().StringVarP(&opts.dashboardAddress, "webaddr", "w", "", "Address to serve the diagnostics dashboard on (e.g. :8000; but disabled when empty)")

	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(opts *programOpts) error {
	ctx := context.Background()

	tmpl, err := pathtmpl.Parse(opts.format)
	if err != nil {
		return fmt.Errorf("invalid format string: %w", err)
	}

	password, err := readPassword(opts.pwFile)
	if err != nil {
		return err
	}

	if err := fillDefaultDirs(opts); err != nil {
		return err
	}

	rbuf := logging.NewRingBuffer(opts.ringSize, os.Stderr)

	rep, err := status.Open(opts.dataDir)
	if err != nil {
		return fmt.Errorf("status file error: %w", err)
	}
	defer rep.Close()

	client, err := studip.NewClient(opts.apiURL, opts.username, password, opts.client, rbuf)
	if err != nil {
		rep.Error("client setup failed: " + err.Error())

		return fmt.Errorf("client setup error: %w", err)
	}
	if err := client.Login(ctx); err != nil {
		rep.Error("login failed: " + err.Error())

		return fmt.Errorf("login error: %w", err)
	}
	rep.Info("session open")
	rbuf.Printf("Logged in as %q\n", client.User().Username)

	tree := vtree.New(tmpl, pathtmpl.NewTokenProvider(nil), client)
	if err := tree.Root().Expand(ctx); err != nil {
		rep.Error("root expansion failed: " + err.Error())

		return fmt.Errorf("root expansion error: %w", err)
	}
	rep.Info("resolver root ready")

	store, err := cache.New(opts.cacheDir, client, rbuf)
	if err != nil {
		rep.Error("cache setup failed: " + err.Error())

		return fmt.Errorf("cache setup error: %w", err)
	}

	fsys, err := filesystem.NewFS(tree, store, client, &filesystem.Options{StrictCache: opts.strictCache}, rbuf)
	if err != nil {
		return fmt.Errorf("fs setup error: %w", err)
	}

	mountOpts := []fuse.MountOption{fuse.ReadOnly(), fuse.FSName("studipfuse"), fuse.Subtype("studipfuse")}
	if opts.allowOther {
		mountOpts = append(mountOpts, fuse.AllowOther())
	}

	c, err := fuse.Mount(opts.mountDir, mountOpts...)
	if err != nil {
		rep.Error("mount failed: " + err.Error())

		return fmt.Errorf("fs mount error: %w", err)
	}
	defer c.Close()
	defer fuse.Unmount(opts.mountDir) //nolint:errcheck

	var wg sync.WaitGroup
	errChan := make(chan error, 1)
	wg.Go(func() {
		defer close(errChan)
		if err := fs.Serve(c, fsys); err != nil {
			errChan <- fmt.Errorf("fs serve error: %w", err)
		}
	})

	if opts.dashboardAddress != "" {
		dash, err := webserver.NewFSDashboard(fsys, client, store, rbuf, Version)
		if err != nil {
			return fmt.Errorf("dashboard setup error: %w", err)
		}
		srv := dash.Serve(opts.dashboardAddress)
		defer srv.Close()
	}

	rep.Info("mount ready")
	rbuf.Printf("Mounted on %q (format: %s)\n", opts.mountDir, tmpl.Raw)

	handleSignals(opts.mountDir, rbuf)

	wg.Wait()
	rep.Info("shutdown")

	return <-errChan
}

func handleSignals(mountDir string, rbuf *logging.RingBuffer) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, unix.SIGINT, unix.SIGTERM)
	go func() {
		for range sig {
			rbuf.Println("Signal received, unmounting the filesystem...")

			if err := fuse.Unmount(mountDir); err != nil {
				rbuf.Printf("Unmount error: %v (try: fusermount -u %s)\n", err, shellescape.Quote(mountDir))

				continue
			}

			return
		}
	}()

	sig1 := make(chan os.Signal, 1)
	signal.Notify(sig1, unix.SIGUSR1)
	go func() {
		for range sig1 {
			rbuf.Println("Signal received, forcing garbage collection...")
			runtime.GC()
			debug.FreeOSMemory()
		}
	}()

	sig2 := make(chan os.Signal, 1)
	signal.Notify(sig2, unix.SIGUSR2)
	go func() {
		for range sig2 {
			rbuf.Println("Signal received, printing stacktrace (to stderr)...")
			buf := make([]byte, stackTraceBuffer)
			stacklen := runtime.Stack(buf, true)
			os.Stderr.Write(buf[:stacklen])
		}
	}()
}

// readPassword prefers the password file over the environment variable.
// Trailing newlines of file contents are stripped.
func readPassword(pwFile string) (string, error) {
	if pwFile != "" {
		data, err := os.ReadFile(pwFile)
		if err != nil {
			return "", fmt.Errorf("failed to read password file: %w", err)
		}

		return strings.TrimRight(string(data), "\r\n"), nil
	}

	if pw := os.Getenv(passwordEnv); pw != "" {
		return pw, nil
	}

	return "", fmt.Errorf("no password: set %s or use --pwfile", passwordEnv) //nolint:err113
}

// fillDefaultDirs derives per-user cache and data directories when the
// flags are not given. Downloads are shared across all mounts of a user.
func fillDefaultDirs(opts *programOpts) error {
	if opts.cacheDir == "" || opts.dataDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return fmt.Errorf("failed to derive user cache dir: %w", err)
		}
		if opts.cacheDir == "" {
			opts.cacheDir = filepath.Join(base, "studipfuse")
		}
		if opts.dataDir == "" {
			opts.dataDir = filepath.Join(base, "studipfuse")
		}
	}

	return nil
}
