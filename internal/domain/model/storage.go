package model

import (
	"encoding/json"
	"fmt"
)

// Tier — уровень хранения.
type Tier string

const (
	// TierOnline — файл читается немедленно
	TierOnline Tier = "ONLINE"
	// TierNearline — перед чтением требуется восстановление
	TierNearline Tier = "NEARLINE"
	// TierOffline — требуется внешнее вмешательство, скачивание недоступно
	TierOffline Tier = "OFFLINE"
)

// DownloadTiers — порядок предпочтения уровней при скачивании.
var DownloadTiers = []Tier{TierOnline, TierNearline}

// ParseTier разбирает строку уровня хранения.
func ParseTier(s string) (Tier, error) {
	switch t := Tier(s); t {
	case TierOnline, TierNearline, TierOffline:
		return t, nil
	}
	return "", fmt.Errorf("недопустимый уровень хранения %q, допустимые: ONLINE, NEARLINE, OFFLINE", s)
}

// StorageLocationConfig — конфигурация места хранения.
type StorageLocationConfig struct {
	// Name — уникальное имя (бизнес-идентификатор) места хранения
	Name string `json:"name"`
	Tier Tier   `json:"tier"`
	// Plugin — метка плагина backend-а (localfs, s3)
	Plugin string `json:"plugin"`
	// Params — параметры плагина (проверяются JSON-схемой плагина)
	Params json.RawMessage `json:"params,omitempty"`
	// Priority — больше значение — выше приоритет в пределах уровня
	Priority int `json:"priority"`
	// AllocatedQuota — выделенный объём в байтах (0 — без ограничений)
	AllocatedQuota int64 `json:"allocatedQuota"`
	// Active — место хранения участвует в выборе
	Active bool `json:"active"`
}
