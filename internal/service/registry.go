// registry.go — реестр мест хранения: конфигурации, выбор по уровню и приоритету,
// ленивое создание backend-ов через каталог плагинов.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"

	"github.com/bigkaa/goartstore/storage-orchestrator/internal/backend"
	"github.com/bigkaa/goartstore/storage-orchestrator/internal/domain/model"
)

// Registry — реестр StorageLocationConfig.
// Порядок регистрации сохраняется и разрешает равенство приоритетов.
type Registry struct {
	catalog *backend.Catalog
	logger  *slog.Logger

	mu       sync.RWMutex
	configs  []model.StorageLocationConfig
	order    map[string]int
	backends map[string]*backend.Backend
}

// NewRegistry создаёт пустой реестр. catalog может быть nil,
// если backend-ы регистрируются готовыми экземплярами (RegisterBackend).
func NewRegistry(catalog *backend.Catalog, logger *slog.Logger) *Registry {
	return &Registry{
		catalog:  catalog,
		logger:   logger.With(slog.String("component", "registry")),
		order:    make(map[string]int),
		backends: make(map[string]*backend.Backend),
	}
}

// Register добавляет конфигурацию места хранения.
// Параметры плагина проверяются схемой каталога.
func (r *Registry) Register(cfg model.StorageLocationConfig) error {
	if err := validateLocation(cfg); err != nil {
		return err
	}
	if r.catalog != nil {
		if err := r.catalog.Validate(cfg); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	return r.add(cfg, nil)
}

// RegisterBackend добавляет конфигурацию вместе с готовым backend-ом.
func (r *Registry) RegisterBackend(cfg model.StorageLocationConfig, b *backend.Backend) error {
	if err := validateLocation(cfg); err != nil {
		return err
	}
	if b.Tier() != cfg.Tier {
		return fmt.Errorf("%w: место хранения %s: уровень backend-а %s не совпадает с %s",
			ErrValidation, cfg.Name, b.Tier(), cfg.Tier)
	}
	return r.add(cfg, b)
}

func validateLocation(cfg model.StorageLocationConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("%w: имя места хранения не задано", ErrValidation)
	}
	if _, err := model.ParseTier(string(cfg.Tier)); err != nil {
		return fmt.Errorf("%w: место хранения %s: %v", ErrValidation, cfg.Name, err)
	}
	if cfg.AllocatedQuota < 0 {
		return fmt.Errorf("%w: место хранения %s: отрицательная квота", ErrValidation, cfg.Name)
	}
	return nil
}

func (r *Registry) add(cfg model.StorageLocationConfig, b *backend.Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.order[cfg.Name]; ok {
		return fmt.Errorf("%w: место хранения %s уже зарегистрировано", ErrValidation, cfg.Name)
	}
	r.order[cfg.Name] = len(r.configs)
	r.configs = append(r.configs, cfg)
	if b != nil {
		r.backends[cfg.Name] = b
	}

	r.logger.Info("Место хранения зарегистрировано",
		slog.String("storage", cfg.Name),
		slog.String("tier", string(cfg.Tier)),
		slog.String("plugin", cfg.Plugin),
		slog.Int("priority", cfg.Priority),
		slog.Bool("active", cfg.Active),
	)
	return nil
}

// Config возвращает конфигурацию по имени.
func (r *Registry) Config(name string) (model.StorageLocationConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.order[name]
	if !ok {
		return model.StorageLocationConfig{}, false
	}
	return r.configs[i], true
}

// Configs возвращает все конфигурации в порядке регистрации.
func (r *Registry) Configs() []model.StorageLocationConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.configs)
}

// ActiveFor отбирает активные места хранения, в которых есть файл checksum.
// Результат в порядке регистрации.
func (r *Registry) ActiveFor(checksum string, refs []*model.FileReference) []model.StorageLocationConfig {
	hosts := make(map[string]bool, len(refs))
	for _, ref := range refs {
		if ref.Checksum() == checksum {
			hosts[ref.Storage()] = true
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.StorageLocationConfig
	for _, cfg := range r.configs {
		if cfg.Active && hosts[cfg.Name] {
			out = append(out, cfg)
		}
	}
	return out
}

// SelectHighestPriority выбирает конфигурацию уровня tier с наибольшим приоритетом.
// При равенстве побеждает зарегистрированная раньше.
func (r *Registry) SelectHighestPriority(candidates []model.StorageLocationConfig, tier model.Tier) (model.StorageLocationConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		best  model.StorageLocationConfig
		found bool
	)
	for _, cfg := range candidates {
		if cfg.Tier != tier {
			continue
		}
		if !found || cfg.Priority > best.Priority ||
			(cfg.Priority == best.Priority && r.rank(cfg.Name) < r.rank(best.Name)) {
			best, found = cfg, true
		}
	}
	return best, found
}

// rank — позиция регистрации; незарегистрированные идут последними.
func (r *Registry) rank(name string) int {
	if i, ok := r.order[name]; ok {
		return i
	}
	return len(r.configs)
}

// SelectForTier выбирает активное место хранения уровня tier для новой записи.
func (r *Registry) SelectForTier(tier model.Tier) (model.StorageLocationConfig, bool) {
	var active []model.StorageLocationConfig
	for _, cfg := range r.Configs() {
		if cfg.Active {
			active = append(active, cfg)
		}
	}
	return r.SelectHighestPriority(active, tier)
}

// Backend возвращает backend места хранения, создавая его при первом обращении.
// Повторов нет: отказ фабрики возвращается как ErrNotAvailable.
func (r *Registry) Backend(ctx context.Context, name string) (*backend.Backend, error) {
	r.mu.RLock()
	b, ok := r.backends[name]
	i, known := r.order[name]
	r.mu.RUnlock()
	if ok {
		return b, nil
	}
	if !known {
		return nil, fmt.Errorf("%w: место хранения %s не сконфигурировано", backend.ErrNotAvailable, name)
	}
	if r.catalog == nil {
		return nil, fmt.Errorf("%w: нет каталога плагинов для %s", backend.ErrNotAvailable, name)
	}

	r.mu.RLock()
	cfg := r.configs[i]
	r.mu.RUnlock()

	b, err := r.catalog.Build(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrNotAvailable, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.backends[name]; ok {
		return existing, nil
	}
	r.backends[name] = b
	return b, nil
}

// LoadLocations читает JSON-массив StorageLocationConfig из файла.
func LoadLocations(path string) ([]model.StorageLocationConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения %s: %w", path, err)
	}
	var configs []model.StorageLocationConfig
	if err := json.Unmarshal(data, &configs); err != nil {
		return nil, fmt.Errorf("ошибка разбора %s: %w", path, err)
	}
	return configs, nil
}
