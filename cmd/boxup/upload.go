package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/go-box/box-go/box"
	"github.com/go-box/box-go/chunked"
)

// maxConcurrentFiles bounds how many files upload at once; each file
// already runs its parts in parallel.
const maxConcurrentFiles = 2

// abortTimeout bounds the session cleanup call after an interrupt.
const abortTimeout = 30 * time.Second

// chunkedUploadMinimum is the smallest file size the upload-session API
// accepts (20 MiB).
const chunkedUploadMinimum = 20 * 1024 * 1024

func newUploadCmd(root *rootFlags) *cobra.Command {
	var (
		folderID    string
		name        string
		parallelism int
	)

	cmd := &cobra.Command{
		Use:   "upload FILE...",
		Short: "Upload files through chunked upload sessions",
		Long: `Upload files to a Box folder through chunked upload sessions.

Each file is split into server-chosen parts uploaded in parallel and
committed with a full-content digest. The server rejects files below the
chunked-upload minimum (20 MiB); use another tool for small files.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpload(cmd.Context(), root, folderID, name, parallelism, args)
		},
	}

	cmd.Flags().StringVar(&folderID, "folder", "0", "destination folder ID")
	cmd.Flags().StringVar(&name, "name", "", "remote file name (single file only; default: local base name)")
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "concurrent part uploads per file")

	return cmd
}

func runUpload(
	ctx context.Context, root *rootFlags, folderID, name string, parallelism int, paths []string,
) error {
	if name != "" && len(paths) > 1 {
		return errors.New("--name requires exactly one file")
	}

	cfg, err := loadConfig(root.configPath)
	if err != nil {
		return err
	}

	logger := buildLogger(root.verbose)

	token := root.token
	if token == "" {
		token = os.Getenv("BOX_ACCESS_TOKEN")
	}

	if token == "" {
		token = cfg.AccessToken
	}

	if token == "" {
		return errors.New("no access token: set --token, BOX_ACCESS_TOKEN, or access_token in the config file")
	}

	if parallelism <= 0 {
		parallelism = cfg.Parallelism
	}

	var opts []box.ClientOption
	if cfg.APIURL != "" || cfg.UploadURL != "" {
		api := cfg.APIURL
		if api == "" {
			api = box.DefaultAPIBaseURL
		}

		upload := cfg.UploadURL
		if upload == "" {
			upload = box.DefaultUploadBaseURL
		}

		opts = append(opts, box.WithBaseURLs(api, upload))
	}

	// No client-wide timeout: part uploads of large files can legitimately
	// run long, and transient stalls are handled by the retry policy.
	client := box.NewClient(
		&http.Client{},
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
		logger,
		opts...,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFiles)

	for _, path := range paths {
		remoteName := name
		if remoteName == "" {
			remoteName = filepath.Base(path)
		}

		g.Go(func() error {
			return uploadOne(ctx, client, logger, folderID, remoteName, path, parallelism)
		})
	}

	return g.Wait()
}

// uploadOne streams a single local file through a chunked upload session
// and waits for a terminal event.
func uploadOne(
	ctx context.Context, client *box.Client, logger *slog.Logger,
	folderID, name, path string, parallelism int,
) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	size := info.Size()

	if size < chunkedUploadMinimum {
		return fmt.Errorf("%s is %d bytes, below the %d-byte chunked upload minimum; use a simple upload instead",
			path, size, chunkedUploadMinimum)
	}

	if err := client.PreflightCheck(ctx, folderID, name, size); err != nil {
		return fmt.Errorf("preflight for %s: %w", name, err)
	}

	session, err := client.CreateUploadSession(ctx, folderID, name, size)
	if err != nil {
		return fmt.Errorf("creating session for %s: %w", name, err)
	}

	mtime := info.ModTime()

	up, err := chunked.NewUploader(client, session, io.Reader(f), size, &chunked.Options{
		Parallelism: parallelism,
		Logger:      logger,
		FileAttributes: &box.FileAttributes{
			Name:              name,
			ContentModifiedAt: &mtime,
		},
	})
	if err != nil {
		return fmt.Errorf("preparing upload of %s: %w", path, err)
	}

	up.Start(ctx)

	for {
		select {
		case <-ctx.Done():
			// Best-effort session cleanup on interrupt; the parent
			// context is already dead.
			abortCtx, cancel := context.WithTimeout(context.Background(), abortTimeout)
			if abortErr := up.Abort(abortCtx); abortErr != nil {
				logger.Error("session cleanup failed",
					slog.String("path", path),
					slog.String("error", abortErr.Error()),
				)
			}
			cancel()

			return ctx.Err()

		case ev := <-up.Events():
			switch ev.Type {
			case chunked.EventPartUploaded:
				logger.Debug("part uploaded",
					slog.String("path", path),
					slog.Int64("offset", ev.Offset),
				)

			case chunked.EventPartFailed:
				logger.Error("part failed, aborting upload",
					slog.String("path", path),
					slog.Int64("offset", ev.Offset),
					slog.String("error", ev.Err.Error()),
				)

				if abortErr := up.Abort(ctx); abortErr != nil {
					logger.Error("abort failed",
						slog.String("path", path),
						slog.String("error", abortErr.Error()),
					)
				}

				return fmt.Errorf("uploading %s: part at offset %d: %w", path, ev.Offset, ev.Err)

			case chunked.EventUploadComplete:
				fmt.Printf("%s\t%s\n", ev.File.ID, path)

				return nil

			case chunked.EventUploadFailed:
				return fmt.Errorf("committing %s: %w", path, ev.Err)

			case chunked.EventAborted:
				return fmt.Errorf("upload of %s aborted", path)

			case chunked.EventAbortFailed:
				return fmt.Errorf("aborting upload of %s: %w", path, ev.Err)
			}
		}
	}
}
