// Package download fetches missing model weight files before an instance is
// constructed. Downloads for the same URL are deduplicated and run one at a
// time; a failed URL is not retried within the process lifetime.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ErrNoSource signals a missing file with no configured URL.
var ErrNoSource = errors.New("model file missing and no source url configured")

// Downloader serializes weight downloads.
type Downloader struct {
	client *http.Client
	log    zerolog.Logger

	group singleflight.Group

	mu sync.Mutex
	// URLs already attempted this process; a failed attempt is terminal.
	attempted map[string]error
	// serializes actual transfers into a queue
	transfer sync.Mutex
}

// New builds a Downloader. A nil client uses a default with no overall
// timeout (weight files are large); per-request cancellation comes from ctx.
func New(client *http.Client, log zerolog.Logger) *Downloader {
	if client == nil {
		client = &http.Client{}
	}
	return &Downloader{client: client, log: log, attempted: make(map[string]error)}
}

// Ensure makes sure file exists on disk, downloading it from url when absent.
// It returns nil when the file is present afterwards.
func (d *Downloader) Ensure(ctx context.Context, file, url string) error {
	if fileExists(file) {
		return nil
	}
	if url == "" {
		return fmt.Errorf("%w: %s", ErrNoSource, file)
	}

	d.mu.Lock()
	if prev, ok := d.attempted[url]; ok {
		d.mu.Unlock()
		if fileExists(file) {
			return nil
		}
		if prev == nil {
			// Downloaded earlier this process but the file disappeared;
			// allow another attempt.
			d.mu.Lock()
			delete(d.attempted, url)
			d.mu.Unlock()
		} else {
			return fmt.Errorf("download previously failed for %s: %w", url, prev)
		}
	} else {
		d.mu.Unlock()
	}

	_, err, _ := d.group.Do(url, func() (any, error) {
		err := d.fetch(ctx, file, url)
		d.mu.Lock()
		d.attempted[url] = err
		d.mu.Unlock()
		return nil, err
	})
	if err != nil {
		return err
	}
	if !fileExists(file) {
		return fmt.Errorf("file still missing after download: %s", file)
	}
	return nil
}

// fetch performs one transfer. Writes to a temp file in the target directory
// and renames on success so a partial download never looks like a model.
func (d *Downloader) fetch(ctx context.Context, file, url string) error {
	d.transfer.Lock()
	defer d.transfer.Unlock()

	// A concurrent caller may have completed the file while we queued.
	if fileExists(file) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return err
	}

	start := time.Now()
	d.log.Info().Str("url", url).Str("file", file).Msg("downloading model")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(file), filepath.Base(file)+".partial-*")
	if err != nil {
		return err
	}
	n, err := io.Copy(tmp, resp.Body)
	cerr := tmp.Close()
	if err != nil || cerr != nil {
		_ = os.Remove(tmp.Name())
		if err == nil {
			err = cerr
		}
		return err
	}
	if err := os.Rename(tmp.Name(), file); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	d.log.Info().Str("file", file).Int64("bytes", n).Dur("dur", time.Since(start)).Msg("download complete")
	return nil
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}
