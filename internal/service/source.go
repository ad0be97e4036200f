// source.go — источники данных для записи: исходный URL запроса
// и существующая копия файла при копировании между местами хранения.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"

	"github.com/bigkaa/goartstore/storage-orchestrator/internal/backend"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/domain/model"
)

// OriginSource открывает OriginURL запроса: file:// или путь — локальный файл,
// http(s):// — GET-запрос.
type OriginSource struct {
	client *http.Client
}

// NewOriginSource создаёт источник. client == nil — http.DefaultClient.
func NewOriginSource(client *http.Client) *OriginSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &OriginSource{client: client}
}

// Open открывает поток данных запроса.
func (s *OriginSource) Open(ctx context.Context, req *model.Request) (io.ReadCloser, error) {
	u, err := url.Parse(req.OriginURL)
	if err != nil {
		return nil, fmt.Errorf("некорректный источник %q: %w", req.OriginURL, err)
	}

	switch u.Scheme {
	case "", "file":
		path := u.Path
		if u.Scheme == "" {
			path = req.OriginURL
		}
		return openLocal(path)
	case "http", "https":
		return openHTTP(ctx, s.client, u.String())
	}
	return nil, fmt.Errorf("неподдерживаемая схема источника %q", u.Scheme)
}

func openLocal(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", backend.ErrFileNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrTransient, err)
	}
	return f, nil
}

// openHTTP выполняет GET. 404 — постоянная ошибка, 5xx и сетевые ошибки — временные.
func openHTTP(ctx context.Context, client *http.Client, rawURL string) (io.ReadCloser, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания запроса к %s: %w", rawURL, err)
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s вернул %d", backend.ErrFileNotFound, rawURL, resp.StatusCode)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s вернул %d", backend.ErrTransient, rawURL, resp.StatusCode)
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("%s вернул неожиданный статус %d", rawURL, resp.StatusCode)
	}
}

// CopySource читает существующую копию файла через цепочку кэш → ONLINE.
// Файл только в NEARLINE ставится на восстановление, элемент откладывается.
type CopySource struct {
	cache *CacheManager
}

// NewCopySource создаёт источник для копирования.
func NewCopySource(cache *CacheManager) *CopySource {
	return &CopySource{cache: cache}
}

// Open открывает копию файла вне целевого места хранения.
func (s *CopySource) Open(ctx context.Context, req *model.Request) (io.ReadCloser, error) {
	return s.cache.OpenForCopy(ctx, req.Tenant, req.Checksum, req.Storage, req.GroupID)
}

var (
	_ backend.Source = (*OriginSource)(nil)
	_ backend.Source = (*CopySource)(nil)
)
