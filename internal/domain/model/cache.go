package model

import "time"

// CacheFile — временная копия nearline-файла, восстановленная в кэш.
type CacheFile struct {
	Tenant   string `json:"tenant"`
	Checksum string `json:"checksum"`
	// Location — путь во внутреннем кэше или URL внешнего кэша
	Location string `json:"location"`
	// External — копия находится во внешнем кэше (например, presigned URL)
	External       bool      `json:"external"`
	FileSize       int64     `json:"fileSize"`
	MimeType       string    `json:"mimeType"`
	Type           string    `json:"type"`
	ExpirationDate time.Time `json:"expirationDate"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Expired сообщает, истёк ли срок жизни копии на момент now.
func (c *CacheFile) Expired(now time.Time) bool {
	return !c.ExpirationDate.After(now)
}
