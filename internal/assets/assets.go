// Package assets скачивает geoip.dat и geosite.dat в каталог ресурсов движка.
package assets

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"golang.org/x/sync/errgroup"

	"xraytun/internal/fsutil"
	"xraytun/internal/logging"
	"xraytun/internal/settings"
)

const (
	GeoIPFile   = "geoip.dat"
	GeoSiteFile = "geosite.dat"

	maxAssetSize = 256 << 20
)

// Downloader обновляет файлы ресурсов.
type Downloader struct {
	dir    string
	client *http.Client
	logger *logging.Logger
}

// NewDownloader создаёт загрузчик для каталога dir. client может быть nil.
func NewDownloader(dir string, client *http.Client, logger *logging.Logger) *Downloader {
	if client == nil {
		client = &http.Client{
			Timeout:   5 * time.Minute,
			Transport: gzhttp.Transport(http.DefaultTransport),
		}
	}
	return &Downloader{dir: dir, client: client, logger: logger}
}

// Dir возвращает каталог ресурсов.
func (d *Downloader) Dir() string {
	return d.dir
}

// Update скачивает оба файла параллельно и возвращает первую ошибку.
// Каждый файл заменяется атомарно; ошибка одного не прерывает другой.
func (d *Downloader) Update(ctx context.Context, s settings.Settings) error {
	var g errgroup.Group
	jobs := map[string]string{
		GeoIPFile:   s.GeoIPAddress,
		GeoSiteFile: s.GeoSiteAddress,
	}
	for name, link := range jobs {
		if link == "" {
			continue
		}
		g.Go(func() error {
			return d.download(ctx, name, link)
		})
	}
	return g.Wait()
}

func (d *Downloader) download(ctx context.Context, name, link string) error {
	started := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", name, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAssetSize+1))
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if len(data) > maxAssetSize {
		return fmt.Errorf("%s: file exceeds %d bytes", name, maxAssetSize)
	}
	if len(data) == 0 {
		return fmt.Errorf("%s: empty response", name)
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(d.dir, name), data, 0o644); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	d.logger.Infof("asset %s updated (%d bytes in %s)", name, len(data), time.Since(started).Round(time.Millisecond))
	return nil
}
