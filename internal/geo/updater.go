package geo

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	maxMindDownloadURL = "https://download.maxmind.com/app/geoip_download"
	updaterUserAgent   = "ipwarden-geolite-updater/1.0"
	downloadTimeout    = 2 * time.Minute
)

var ErrNoLicenseKey = errors.New("geo: maxmind license key is not configured")

type edition struct {
	id   string
	path string
}

// Updater downloads GeoLite databases from MaxMind, installs them next to
// the configured paths and reloads the provider. With redis the files are
// shared so only the leader downloads.
type Updater struct {
	provider   *GeoLiteProvider
	licenseKey string
	baseURL    string
	client     *http.Client
	redis      *redis.Client
	group      singleflight.Group
}

func NewUpdater(provider *GeoLiteProvider, licenseKey string, client *redis.Client) *Updater {
	return &Updater{
		provider:   provider,
		licenseKey: strings.TrimSpace(licenseKey),
		baseURL:    maxMindDownloadURL,
		client:     &http.Client{Timeout: downloadTimeout},
		redis:      client,
	}
}

func (u *Updater) editions() []edition {
	out := []edition{{id: "GeoLite2-City", path: u.provider.cityPath}}
	if u.provider.asnPath != "" {
		out = append(out, edition{id: "GeoLite2-ASN", path: u.provider.asnPath})
	}
	return out
}

// Update downloads every edition and reloads the provider. Concurrent calls
// share one download.
func (u *Updater) Update(ctx context.Context) error {
	_, err, _ := u.group.Do("update", func() (any, error) {
		if u.licenseKey == "" {
			return nil, ErrNoLicenseKey
		}

		editions := u.editions()
		for _, e := range editions {
			if err := u.download(ctx, e); err != nil {
				return nil, err
			}
		}

		if err := u.provider.Reload(); err != nil {
			return nil, err
		}

		if u.redis != nil {
			if err := u.publish(ctx, editions); err != nil {
				log.Warn("Failed to share GeoLite databases through redis", "error", err)
			}
		}
		return nil, nil
	})
	return err
}

func (u *Updater) download(ctx context.Context, e edition) error {
	query := url.Values{}
	query.Set("edition_id", e.id)
	query.Set("license_key", u.licenseKey)
	query.Set("suffix", "tar.gz")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.baseURL+"?"+query.Encode(), nil)
	if err != nil {
		return fmt.Errorf("geo: build %s request: %w", e.id, err)
	}
	req.Header.Set("User-Agent", updaterUserAgent)

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("geo: download %s: %w", e.id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("geo: download %s: unexpected status %d: %s", e.id, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return extractEdition(resp.Body, e)
}

// extractEdition copies the .mmdb member of a MaxMind tar.gz archive to the
// edition path.
func extractEdition(archive io.Reader, e edition) error {
	gz, err := gzip.NewReader(archive)
	if err != nil {
		return fmt.Errorf("geo: %s: open gzip: %w", e.id, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	want := e.id + ".mmdb"
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("geo: %s: mmdb file not found in archive", e.id)
		}
		if err != nil {
			return fmt.Errorf("geo: %s: read tar: %w", e.id, err)
		}
		if header.Typeflag != tar.TypeReg || filepath.Base(header.Name) != want {
			continue
		}
		if err := writeFileAtomic(e.path, tr); err != nil {
			return fmt.Errorf("geo: %s: %w", e.id, err)
		}
		return nil
	}
}

// writeFileAtomic replaces destPath through a temp file in the same directory
// so readers never see a partial database.
func writeFileAtomic(destPath string, data io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(destPath), "geolite-*.mmdb")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	if _, err := io.Copy(tmp, data); err != nil {
		tmp.Close()
		return fmt.Errorf("copy data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), destPath); err != nil {
		return fmt.Errorf("replace file: %w", err)
	}
	return nil
}
