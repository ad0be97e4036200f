package model

import "time"

// RequestKind — вид запроса жизненного цикла.
type RequestKind string

const (
	KindStorage     RequestKind = "STORAGE"
	KindDeletion    RequestKind = "DELETION"
	KindRestoration RequestKind = "RESTORATION"
	KindCopy        RequestKind = "COPY"
)

// AllKinds — все виды запросов в порядке обработки планировщиком.
var AllKinds = []RequestKind{KindDeletion, KindStorage, KindCopy, KindRestoration}

// Valid проверяет, что вид запроса известен.
func (k RequestKind) Valid() bool {
	switch k {
	case KindStorage, KindDeletion, KindRestoration, KindCopy:
		return true
	}
	return false
}

// RequestStatus — статус запроса.
type RequestStatus string

const (
	// StatusToDo — ожидает планирования
	StatusToDo RequestStatus = "TO_DO"
	// StatusPending — заблокирован другим незавершённым запросом на тот же файл
	StatusPending RequestStatus = "PENDING"
	// StatusRunning — включён в WorkingSubset, выполняется
	StatusRunning RequestStatus = "RUNNING"
	// StatusError — ошибка, ждёт ручного или планового повтора
	StatusError RequestStatus = "ERROR"
	// StatusDelayed — временная ошибка, повтор после задержки
	StatusDelayed RequestStatus = "DELAYED"
	// StatusDone — успешно завершён (строка удаляется)
	StatusDone RequestStatus = "DONE"
)

// SystemOwner — владелец служебных запросов восстановления (кэш).
const SystemOwner = "system:cache"

// Request — запрос на сохранение, удаление, восстановление или копирование файла.
// Вид определяется полем Kind; поля, не относящиеся к виду, пусты.
type Request struct {
	// ID — ULID (лексикографически упорядочен по времени создания)
	ID     string        `json:"id"`
	Tenant string        `json:"tenant"`
	Kind   RequestKind   `json:"kind"`
	Status RequestStatus `json:"status"`

	// Checksum — контрольная сумма целевого файла
	Checksum string `json:"checksum"`
	// Storage — место хранения: целевое для STORAGE/COPY/DELETION,
	// источник (nearline) для RESTORATION
	Storage string `json:"storage"`
	// Tier — уровень хранения при подаче без Storage: место хранения выбирается
	// по приоритету среди активных. Не сохраняется.
	Tier Tier `json:"tier,omitempty"`
	// MetaInfo — метаданные ещё не сохранённого файла (STORAGE, COPY)
	MetaInfo *FileMetaInfo `json:"metaInfo,omitempty"`
	// OriginURL — откуда читать данные: источник при сохранении (file://, http(s)://),
	// расположение файла в месте хранения для удаления и восстановления
	OriginURL string `json:"originUrl,omitempty"`
	// SubDirectory — подкаталог внутри места хранения (опционально)
	SubDirectory string `json:"subDirectory,omitempty"`

	Owners []string `json:"owners"`
	// GroupID — идентификатор исходной массовой операции
	GroupID string `json:"groupId"`
	// SessionOwner, Session — область учёта
	SessionOwner string `json:"sessionOwner,omitempty"`
	Session      string `json:"session,omitempty"`

	// ExpirationDate — срок жизни восстановленной копии (RESTORATION)
	ExpirationDate *time.Time `json:"expirationDate,omitempty"`

	ErrorCause string `json:"errorCause,omitempty"`
	// Attempts — число неуспешных выполнений
	Attempts int `json:"attempts"`

	// SubmittedAt — время подачи запроса источником (опционально)
	SubmittedAt *time.Time `json:"submittedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// OrderTime — время для упорядочивания (submission, иначе создание).
func (r *Request) OrderTime() time.Time {
	if r.SubmittedAt != nil {
		return *r.SubmittedAt
	}
	return r.CreatedAt
}

// Clone возвращает копию запроса, не разделяющую срезы и указатели.
func (r *Request) Clone() *Request {
	c := *r
	c.Owners = append([]string(nil), r.Owners...)
	if r.MetaInfo != nil {
		m := *r.MetaInfo
		c.MetaInfo = &m
	}
	if r.SubmittedAt != nil {
		t := *r.SubmittedAt
		c.SubmittedAt = &t
	}
	if r.ExpirationDate != nil {
		t := *r.ExpirationDate
		c.ExpirationDate = &t
	}
	return &c
}
