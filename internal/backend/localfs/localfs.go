// Пакет localfs — плагин места хранения на локальной файловой системе.
// Обслуживает все уровни: NEARLINE-восстановление копирует файл во внутренний кэш.
package localfs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/bigkaa/goartstore/storage-orchestrator/internal/backend"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/domain/model"
)

// PluginName — метка плагина в конфигурации мест хранения.
const PluginName = "localfs"

// ParamsSchema — JSON Schema параметров плагина.
const ParamsSchema = `{
	"type": "object",
	"required": ["root"],
	"properties": {
		"root": {"type": "string", "minLength": 1},
		"verifyChecksum": {"type": "boolean"}
	},
	"additionalProperties": false
}`

// Params — параметры места хранения.
type Params struct {
	Root string `json:"root"`
	// VerifyChecksum — сверять контрольную сумму при записи (по умолчанию true)
	VerifyChecksum *bool `json:"verifyChecksum,omitempty"`
}

// Plugin возвращает описание плагина для backend.Catalog.
func Plugin(logger *slog.Logger) backend.Plugin {
	return backend.Plugin{
		Name:         PluginName,
		Tiers:        []model.Tier{model.TierOnline, model.TierNearline, model.TierOffline},
		ParamsSchema: ParamsSchema,
		Factory: func(_ context.Context, cfg model.StorageLocationConfig) (*backend.Backend, error) {
			var p Params
			if err := json.Unmarshal(cfg.Params, &p); err != nil {
				return nil, fmt.Errorf("ошибка разбора параметров localfs: %w", err)
			}
			s, err := New(cfg.Name, p, logger)
			if err != nil {
				return nil, err
			}
			switch cfg.Tier {
			case model.TierNearline:
				return backend.NewNearline(cfg.Name, s), nil
			case model.TierOffline:
				return backend.NewOffline(cfg.Name, s), nil
			default:
				return backend.NewOnline(cfg.Name, s), nil
			}
		},
	}
}

// Storage — реализация backend-а поверх FileStore.
type Storage struct {
	name   string
	fs     *FileStore
	verify bool
	logger *slog.Logger
}

// New создаёт backend localfs.
func New(name string, p Params, logger *slog.Logger) (*Storage, error) {
	fs, err := NewFileStore(p.Root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrNotAvailable, err)
	}
	verify := true
	if p.VerifyChecksum != nil {
		verify = *p.VerifyChecksum
	}
	return &Storage{
		name:   name,
		fs:     fs,
		verify: verify,
		logger: logger.With(slog.String("component", "localfs"), slog.String("storage", name)),
	}, nil
}

// Store записывает элементы пакета последовательно.
// Отмена контекста прерывает цикл; оставшиеся элементы закрывает финализатор задачи.
func (s *Storage) Store(ctx context.Context, subset *model.WorkingSubset, src backend.Source, progress backend.Progress[backend.StoredDetails]) error {
	for _, req := range subset.Requests() {
		if err := ctx.Err(); err != nil {
			return err
		}

		details, err := s.storeOne(ctx, req, src)
		if err != nil {
			if perr := progress.Fail(ctx, req, err); perr != nil {
				return perr
			}
			continue
		}
		if err := progress.Succeed(ctx, req, details); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) storeOne(ctx context.Context, req *model.Request, src backend.Source) (backend.StoredDetails, error) {
	if req.MetaInfo == nil {
		return backend.StoredDetails{}, fmt.Errorf("запрос %s без метаданных файла", req.ID)
	}

	path, err := StoragePath(req.SubDirectory, req.Checksum)
	if err != nil {
		return backend.StoredDetails{}, err
	}

	rc, err := src.Open(ctx, req)
	if err != nil {
		return backend.StoredDetails{}, err
	}
	defer rc.Close()

	res, err := s.fs.SaveFile(rc, path, req.MetaInfo.Algorithm)
	if err != nil {
		return backend.StoredDetails{}, fmt.Errorf("%w: %v", backend.ErrTransient, err)
	}

	if s.verify && !strings.EqualFold(res.Checksum, req.Checksum) {
		_ = s.fs.DeleteFile(path)
		return backend.StoredDetails{}, fmt.Errorf("%w: ожидалась %s, получена %s",
			backend.ErrChecksumMismatch, req.Checksum, res.Checksum)
	}

	s.logger.Debug("Файл записан",
		slog.String("checksum", req.Checksum),
		slog.String("path", res.StoragePath),
		slog.Int64("size", res.Size),
	)
	return backend.StoredDetails{URL: res.StoragePath, FileSize: res.Size}, nil
}

// Delete удаляет файлы пакета. Отсутствующий файл считается удалённым.
func (s *Storage) Delete(ctx context.Context, subset *model.WorkingSubset, progress backend.Progress[backend.DeletedDetails]) error {
	for _, req := range subset.Requests() {
		if err := ctx.Err(); err != nil {
			return err
		}

		path := req.OriginURL
		if path == "" {
			var err error
			if path, err = StoragePath(req.SubDirectory, req.Checksum); err != nil {
				if perr := progress.Fail(ctx, req, err); perr != nil {
					return perr
				}
				continue
			}
		}

		if err := s.fs.DeleteFile(path); err != nil {
			if perr := progress.Fail(ctx, req, err); perr != nil {
				return perr
			}
			continue
		}
		if err := progress.Succeed(ctx, req, backend.DeletedDetails{}); err != nil {
			return err
		}
	}
	return nil
}

// Download открывает файл ссылки.
func (s *Storage) Download(_ context.Context, ref *model.FileReference) (io.ReadCloser, error) {
	return s.fs.ReadFile(ref.Location.URL)
}

// Restore копирует файлы пакета во внутренний кэш.
func (s *Storage) Restore(ctx context.Context, subset *model.WorkingSubset, target backend.CacheTarget, progress backend.Progress[backend.RestoredDetails]) error {
	for _, req := range subset.Requests() {
		if err := ctx.Err(); err != nil {
			return err
		}

		details, err := s.restoreOne(req, target)
		if err != nil {
			if perr := progress.Fail(ctx, req, err); perr != nil {
				return perr
			}
			continue
		}
		if err := progress.Succeed(ctx, req, details); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) restoreOne(req *model.Request, target backend.CacheTarget) (backend.RestoredDetails, error) {
	src, err := s.fs.ReadFile(req.OriginURL)
	if err != nil {
		return backend.RestoredDetails{}, err
	}
	defer src.Close()

	dst := target.Path(req)
	size, err := writeAtomic(dst, src)
	if err != nil {
		_ = os.Remove(dst)
		return backend.RestoredDetails{}, fmt.Errorf("%w: %v", backend.ErrTransient, err)
	}

	return backend.RestoredDetails{
		Location:       dst,
		FileSize:       size,
		ExpirationDate: target.Expiration(req),
	}, nil
}

var (
	_ backend.OnlineBackend   = (*Storage)(nil)
	_ backend.NearlineBackend = (*Storage)(nil)
	_ backend.OfflineBackend  = (*Storage)(nil)
)
