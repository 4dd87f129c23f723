package broadcast

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/kirimkit/kirimkit/internal/engine/store"
)

// maxMediaBytes bounds a single media download.
const maxMediaBytes = 16 << 20

// fetchMedia resolves the broadcast's image once and caches the raw
// bytes on the supervisor until the broadcast completes. Paths
// starting with "/" are served from the public directories; anything
// else is fetched over HTTP(S).
func (p *Processor) fetchMedia(ctx context.Context, b *store.Broadcast) ([]byte, error) {
	if data, ok := p.sup.MediaGet(b.ID, b.ImageURL); ok {
		return data, nil
	}

	var data []byte
	var err error
	if strings.HasPrefix(b.ImageURL, "/") {
		data, err = p.readLocal(b.ImageURL)
	} else {
		data, err = p.download(ctx, b.ImageURL)
	}
	if err != nil {
		return nil, err
	}

	p.sup.MediaPut(b.ID, b.ImageURL, data)
	return data, nil
}

func (p *Processor) readLocal(path string) ([]byte, error) {
	rel := strings.TrimPrefix(path, "/")
	var lastErr error
	for _, dir := range p.deps.PublicDirs {
		data, err := os.ReadFile(filepath.Join(dir, rel))
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = os.ErrNotExist
	}
	return nil, fmt.Errorf("read local media %s: %w", path, lastErr)
}

func (p *Processor) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build media request: %w", err)
	}
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := p.deps.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch media %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch media %s: status %d", url, resp.StatusCode)
	}

	body := io.Reader(resp.Body)
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("decode media %s: %w", url, err)
		}
		defer gz.Close()
		body = gz
	}

	data, err := io.ReadAll(io.LimitReader(body, maxMediaBytes))
	if err != nil {
		return nil, fmt.Errorf("read media %s: %w", url, err)
	}
	return data, nil
}
