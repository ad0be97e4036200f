// Пакет model — доменные типы Storage Orchestrator: ссылки на файлы,
// запросы жизненного цикла, кэш восстановленных файлов, места хранения.
package model

import (
	"slices"
	"time"
)

// Типы файлов. Raw data учитывается квотами скачивания отдельно.
const (
	TypeRawData   = "RAWDATA"
	TypeThumbnail = "THUMBNAIL"
	TypeQuicklook = "QUICKLOOK"
	TypeDocument  = "DOCUMENT"
	TypeAIP       = "AIP"
)

// Алгоритмы контрольных сумм, проверяемые backend-ами при записи.
const (
	AlgorithmMD5    = "MD5"
	AlgorithmSHA256 = "SHA-256"
)

// FileMetaInfo — метаданные файла.
type FileMetaInfo struct {
	// Checksum — значение контрольной суммы (hex)
	Checksum string `json:"checksum"`
	// Algorithm — алгоритм контрольной суммы (MD5, SHA-256)
	Algorithm string `json:"algorithm"`
	FileName  string `json:"fileName"`
	FileSize  int64  `json:"fileSize"`
	MimeType  string `json:"mimeType"`
	// Height, Width — размеры изображения в пикселях (опционально)
	Height *int `json:"height,omitempty"`
	Width  *int `json:"width,omitempty"`
	// Type — тип файла (RAWDATA, THUMBNAIL, ...)
	Type string `json:"type"`
}

// IsRawData сообщает, относится ли файл к raw data.
func (m FileMetaInfo) IsRawData() bool {
	return m.Type == TypeRawData
}

// FileLocation — расположение файла в месте хранения.
type FileLocation struct {
	// Storage — имя места хранения (StorageLocationConfig.Name)
	Storage string `json:"storage"`
	// URL — путь/URL файла внутри места хранения
	URL string `json:"url"`
	// PendingActionRemaining — backend ещё не завершил постобработку
	PendingActionRemaining bool `json:"pendingActionRemaining"`
}

// FileReference — запись каталога: пара (storage, checksum) с метаданными и владельцами.
// Пара (Tenant, Location.Storage, MetaInfo.Checksum) уникальна.
type FileReference struct {
	ID       string       `json:"id"`
	Tenant   string       `json:"tenant"`
	MetaInfo FileMetaInfo `json:"metaInfo"`
	Location FileLocation `json:"location"`
	// Owners — владельцы; не пуст, пока запись существует
	Owners []string `json:"owners"`
	// Referenced — файл каталогизирован без физической копии
	Referenced bool `json:"referenced"`
	// NearlineConfirmed — перед скачиванием требуется восстановление
	NearlineConfirmed bool      `json:"nearlineConfirmed"`
	StoredAt          time.Time `json:"storedAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// HasOwner проверяет наличие владельца.
func (r *FileReference) HasOwner(owner string) bool {
	return slices.Contains(r.Owners, owner)
}

// Checksum — сокращение для MetaInfo.Checksum.
func (r *FileReference) Checksum() string {
	return r.MetaInfo.Checksum
}

// Storage — сокращение для Location.Storage.
func (r *FileReference) Storage() string {
	return r.Location.Storage
}
