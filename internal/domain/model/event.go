package model

import "time"

// EventKind — вид события о результате обработки файла.
type EventKind string

const (
	EventStored            EventKind = "STORED"
	EventStoreError        EventKind = "STORE_ERROR"
	EventDeletedForOwner   EventKind = "DELETED_FOR_OWNER"
	EventFullyDeleted      EventKind = "FULLY_DELETED"
	EventDeletionError     EventKind = "DELETION_ERROR"
	EventAvailable         EventKind = "AVAILABLE"
	EventAvailabilityError EventKind = "AVAILABILITY_ERROR"
	EventCopied            EventKind = "COPIED"
	EventCopyError         EventKind = "COPY_ERROR"
	EventReferenceUpdated  EventKind = "REFERENCE_UPDATED"
)

// FileEvent — уведомление о результате (fire-and-forget).
type FileEvent struct {
	ID         string    `json:"id"`
	Kind       EventKind `json:"kind"`
	Tenant     string    `json:"tenant"`
	Checksum   string    `json:"checksum"`
	Storage    string    `json:"storage"`
	Owners     []string  `json:"owners"`
	GroupIDs   []string  `json:"groupIds"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurredAt"`
}
