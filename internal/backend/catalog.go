package backend

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/bigkaa/goartstore/storage-orchestrator/internal/domain/model"
)

// Factory создаёт backend по конфигурации места хранения.
type Factory func(ctx context.Context, cfg model.StorageLocationConfig) (*Backend, error)

// Plugin — описание плагина: метка, поддерживаемые уровни, схема параметров.
type Plugin struct {
	Name string
	// Tiers — уровни хранения, которые плагин может обслуживать
	Tiers []model.Tier
	// ParamsSchema — JSON Schema параметров (пустая — без проверки)
	ParamsSchema string
	Factory      Factory
}

// Catalog — реестр плагинов по метке.
type Catalog struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
	schemas map[string]*gojsonschema.Schema
}

// NewCatalog создаёт пустой каталог.
func NewCatalog() *Catalog {
	return &Catalog{
		plugins: make(map[string]Plugin),
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// Register добавляет плагин. Схема параметров компилируется сразу.
func (c *Catalog) Register(p Plugin) error {
	if p.Name == "" || p.Factory == nil {
		return fmt.Errorf("плагин без имени или фабрики")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.plugins[p.Name]; ok {
		return fmt.Errorf("плагин %q уже зарегистрирован", p.Name)
	}
	if p.ParamsSchema != "" {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(p.ParamsSchema))
		if err != nil {
			return fmt.Errorf("некорректная схема параметров плагина %q: %w", p.Name, err)
		}
		c.schemas[p.Name] = schema
	}
	c.plugins[p.Name] = p
	return nil
}

// Validate проверяет, что плагин известен, поддерживает уровень и параметры соответствуют схеме.
func (c *Catalog) Validate(cfg model.StorageLocationConfig) error {
	c.mu.RLock()
	p, ok := c.plugins[cfg.Plugin]
	schema := c.schemas[cfg.Plugin]
	c.mu.RUnlock()

	if !ok {
		return fmt.Errorf("место хранения %s: неизвестный плагин %q", cfg.Name, cfg.Plugin)
	}
	if !slices.Contains(p.Tiers, cfg.Tier) {
		return fmt.Errorf("место хранения %s: плагин %q не поддерживает уровень %s", cfg.Name, cfg.Plugin, cfg.Tier)
	}
	if schema == nil {
		return nil
	}

	params := cfg.Params
	if len(params) == 0 {
		params = []byte("{}")
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(params))
	if err != nil {
		return fmt.Errorf("место хранения %s: ошибка проверки параметров: %w", cfg.Name, err)
	}
	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return fmt.Errorf("место хранения %s: некорректные параметры: %s", cfg.Name, strings.Join(errs, "; "))
	}
	return nil
}

// Build проверяет конфигурацию и создаёт backend.
func (c *Catalog) Build(ctx context.Context, cfg model.StorageLocationConfig) (*Backend, error) {
	if err := c.Validate(cfg); err != nil {
		return nil, err
	}

	c.mu.RLock()
	p := c.plugins[cfg.Plugin]
	c.mu.RUnlock()

	b, err := p.Factory(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("место хранения %s: %w", cfg.Name, err)
	}
	if b.Tier() != cfg.Tier {
		return nil, fmt.Errorf("место хранения %s: плагин создал backend уровня %s вместо %s", cfg.Name, b.Tier(), cfg.Tier)
	}
	return b, nil
}
