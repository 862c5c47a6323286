package retention

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tierroute/tierroute/pkg/models"
)

// LocalFileArchiver writes expired events as JSONL files to a local directory.
//
// Directory structure:
//
//	{basePath}/routed_requests/2026-02-20T15-04-05.000000000Z.jsonl[.gz]
type LocalFileArchiver struct {
	basePath string
	compress bool
}

// NewLocalFileArchiver creates a file-based archiver. If basePath is empty,
// it defaults to "~/.tierroute/archive".
func NewLocalFileArchiver(basePath string, compress bool) *LocalFileArchiver {
	if basePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			basePath = filepath.Join(os.TempDir(), "tierroute", "archive")
		} else {
			basePath = filepath.Join(home, ".tierroute", "archive")
		}
	}
	return &LocalFileArchiver{basePath: basePath, compress: compress}
}

func (a *LocalFileArchiver) Kind() string { return "local" }

// Archive implements Archiver.
func (a *LocalFileArchiver) Archive(_ context.Context, batch []models.RouteEvent) (string, error) {
	dir := filepath.Join(a.basePath, "routed_requests")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	filename := time.Now().UTC().Format("2006-01-02T15-04-05.000000000Z") + ".jsonl"
	if a.compress {
		filename += ".gz"
	}
	fpath := filepath.Join(dir, filename)

	f, err := os.OpenFile(fpath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}

	var (
		w  io.Writer = f
		gw *gzip.Writer
	)
	if a.compress {
		gw = gzip.NewWriter(f)
		w = gw
	}

	enc := json.NewEncoder(w)
	for _, ev := range batch {
		if err := enc.Encode(ev); err != nil {
			f.Close()
			os.Remove(fpath)
			return "", fmt.Errorf("encode event %s: %w", ev.RequestID, err)
		}
	}
	if gw != nil {
		if err := gw.Close(); err != nil {
			f.Close()
			os.Remove(fpath)
			return "", fmt.Errorf("flush archive: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(fpath)
		return "", fmt.Errorf("close archive file: %w", err)
	}

	log.Debug().
		Str("path", fpath).
		Int("count", len(batch)).
		Msg("Archived routed events to local file")

	return fpath, nil
}

// HealthCheck verifies the base path is writable.
func (a *LocalFileArchiver) HealthCheck(_ context.Context) error {
	if err := os.MkdirAll(a.basePath, 0o755); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	testFile := filepath.Join(a.basePath, ".healthcheck")
	if err := os.WriteFile(testFile, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	os.Remove(testFile)
	return nil
}
