// Command beak is a thin CLI over the beak package's Backup/Mount/Restore
// entry points. CLI ergonomics are explicitly out of scope for this system
// (spec.md §1 Non-goals), so this wrapper stays deliberately minimal:
// stdlib flag, one subcommand per operation, no config file or shell
// completion.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/mitchellh/go-homedir"
	"github.com/rs/zerolog/log"

	"github.com/beakfs/beak"
	"github.com/beakfs/beak/internal/blobstore/localblob"
	"github.com/beakfs/beak/internal/index"
	"github.com/beakfs/beak/internal/tario"
)

// expandPath resolves a leading "~" the way every other beak flag that
// names a filesystem path needs to, since flag.String gives us the raw
// string a shell didn't get a chance to expand (e.g. inside a config file
// or a non-interactive invocation).
func expandPath(p string) (string, error) {
	if p == "" {
		return p, nil
	}
	return homedir.Expand(p)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "backup":
		err = runBackup(os.Args[2:])
	case "mount":
		err = runMount(os.Args[2:])
	case "restore":
		err = runRestore(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "beak:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: beak <backup|mount|restore> [flags]")
}

func runBackup(args []string) error {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	source := fs.String("source", "", "source directory to back up")
	storageDir := fs.String("storage", "", "local directory to publish archives and the index to")
	forcedDepth := fs.Int("forced-depth", 0, "force every directory at this depth to be its own collection dir")
	targetSize := fs.Int64("target-size", 0, "target archive size in bytes")
	simpleHeaders := fs.Bool("simple-headers", false, "use simplified tar headers (uid/gid 0, owner names \"beak\")")
	logLevel := fs.String("log-level", "info", "zerolog log level")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *source == "" || *storageDir == "" {
		return fmt.Errorf("-source and -storage are required")
	}
	if err := beak.SetLogLevel(*logLevel); err != nil {
		return err
	}

	src, err := expandPath(*source)
	if err != nil {
		return fmt.Errorf("expanding -source: %w", err)
	}
	dir, err := expandPath(*storageDir)
	if err != nil {
		return fmt.Errorf("expanding -storage: %w", err)
	}

	style := tario.StyleFull
	if *simpleHeaders {
		style = tario.StyleSimple
	}

	result, err := beak.Backup(beak.BackupOptions{
		SourcePath:        src,
		Config:            strings.Join(os.Args, " "),
		ForcedDepth:       *forcedDepth,
		TargetArchiveSize: *targetSize,
		HeaderStyle:       style,
	})
	if err != nil {
		return fmt.Errorf("backing up %q: %w", src, err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating storage directory: %w", err)
	}

	// Guards against two beak processes publishing into the same local
	// storage directory at once; there's no equivalent for a remote store
	// like S3, so this lock is CLI/local-storage specific rather than
	// something beak.Publish itself enforces.
	lock := flock.New(strings.TrimSuffix(dir, "/") + "/.beak.lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("locking storage directory: %w", err)
	}
	if !locked {
		return fmt.Errorf("another beak backup is already publishing to %q", dir)
	}
	defer lock.Unlock()

	store := localblob.New(dir)
	if err := beak.Publish(context.Background(), result, store); err != nil {
		return fmt.Errorf("publishing to %q: %w", dir, err)
	}

	log.Info().
		Int("entries", len(result.Index.Entries)).
		Int("archives", len(result.Index.Archives)).
		Int64("size", result.Index.Size).
		Msg("backup published")
	return nil
}

func runMount(args []string) error {
	fs := flag.NewFlagSet("mount", flag.ExitOnError)
	source := fs.String("source", "", "source directory to back up and mount")
	mountPoint := fs.String("mountpoint", "", "directory to mount the virtual filesystem at")
	logLevel := fs.String("log-level", "info", "zerolog log level")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *source == "" || *mountPoint == "" {
		return fmt.Errorf("-source and -mountpoint are required")
	}
	if err := beak.SetLogLevel(*logLevel); err != nil {
		return err
	}

	src, err := expandPath(*source)
	if err != nil {
		return fmt.Errorf("expanding -source: %w", err)
	}
	mp, err := expandPath(*mountPoint)
	if err != nil {
		return fmt.Errorf("expanding -mountpoint: %w", err)
	}

	result, err := beak.Backup(beak.BackupOptions{SourcePath: src, HeaderStyle: tario.StyleFull})
	if err != nil {
		return fmt.Errorf("backing up %q: %w", src, err)
	}

	start, errCh, server, err := beak.Mount(result.Tree, mp)
	if err != nil {
		return fmt.Errorf("mounting %q: %w", mp, err)
	}
	if err := start(); err != nil {
		return fmt.Errorf("starting fuse server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		return server.Unmount()
	case err := <-errCh:
		return err
	}
}

func runRestore(args []string) error {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	storageDir := fs.String("storage", "", "local directory archives and the index were published to")
	indexName := fs.String("index", "", "index filename within -storage, e.g. beak-index.gz")
	dest := fs.String("dest", "", "destination directory to restore into")
	force := fs.Bool("force", false, "overwrite destination files newer than the index's recorded mtime")
	logLevel := fs.String("log-level", "info", "zerolog log level")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *storageDir == "" || *indexName == "" || *dest == "" {
		return fmt.Errorf("-storage, -index, and -dest are required")
	}
	if err := beak.SetLogLevel(*logLevel); err != nil {
		return err
	}

	dir, err := expandPath(*storageDir)
	if err != nil {
		return fmt.Errorf("expanding -storage: %w", err)
	}
	destDir, err := expandPath(*dest)
	if err != nil {
		return fmt.Errorf("expanding -dest: %w", err)
	}

	store := localblob.New(dir)
	idx, _, err := index.ReadFile(indexPath(dir, *indexName))
	if err != nil {
		return fmt.Errorf("reading index %q: %w", *indexName, err)
	}

	if err := beak.Restore(context.Background(), idx, store, beak.RestoreOptions{DestRoot: destDir, Force: *force}); err != nil {
		return fmt.Errorf("restoring into %q: %w", destDir, err)
	}
	log.Info().Str("dest", destDir).Int("entries", len(idx.Entries)).Msg("restore complete")
	return nil
}

func indexPath(storageDir, name string) string {
	return strings.TrimSuffix(storageDir, "/") + "/" + name
}
