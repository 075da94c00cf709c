package store

import (
	"time"

	"gorm.io/gorm"
)

// MappingRow persists one book mapping. BookID is the audiobook source of
// truth identifier; external identifiers are unique per client namespace.
type MappingRow struct {
	BookID string `gorm:"primaryKey" json:"book_id"`
	Title  string `json:"title"`
	Author string `json:"author"`

	EbookFilename   string `gorm:"index:idx_mappings_ebook,unique,where:ebook_filename <> ''" json:"ebook_filename"`
	KoSyncDocID     string `gorm:"index:idx_mappings_kosync,unique,where:ko_sync_doc_id <> ''" json:"kosync_doc_id"`
	StorytellerUUID string `json:"storyteller_uuid"`
	BookloreID      string `json:"booklore_id"`
	HardcoverID     string `json:"hardcover_id"`

	SyncMode     string  `gorm:"default:audiobook" json:"sync_mode"`
	Status       string  `gorm:"index;default:pending" json:"status"`
	Duration     float64 `json:"duration"`
	HasAlignment bool    `json:"has_alignment"`
	FailureCount int     `json:"failure_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (MappingRow) TableName() string { return "mappings" }

// ClientStateRow is the last known position for one (book, client) pair.
// LocatorJSON carries the rich locator payload opaquely.
type ClientStateRow struct {
	BookID      string  `gorm:"primaryKey" json:"book_id"`
	ClientName  string  `gorm:"primaryKey" json:"client_name"`
	LastUpdated float64 `json:"last_updated"`
	Percentage  float64 `json:"percentage"`
	Timestamp   float64 `json:"timestamp"`
	Duration    float64 `json:"duration"`
	DeviceID    string  `json:"device_id"`
	LocatorJSON string  `gorm:"type:text" json:"locator_json"`

	UpdatedAt time.Time `json:"updated_at"`
}

func (ClientStateRow) TableName() string { return "client_states" }

// JobRow tracks the latest transcription job per book.
type JobRow struct {
	BookID      string  `gorm:"primaryKey" json:"book_id"`
	State       string  `gorm:"index;default:queued" json:"state"`
	RetryCount  int     `json:"retry_count"`
	LastError   string  `json:"last_error"`
	LastAttempt float64 `json:"last_attempt"`
	Progress    float64 `json:"progress"`

	UpdatedAt time.Time `json:"updated_at"`
}

func (JobRow) TableName() string { return "jobs" }

// SuggestionRow is a candidate mapping for an unmapped book with progress.
type SuggestionRow struct {
	ExternalID   string `gorm:"primaryKey" json:"external_id"`
	SourceClient string `json:"source_client"`
	Title        string `json:"title"`
	Author       string `json:"author"`
	MatchesJSON  string `gorm:"type:text" json:"matches_json"`
	Dismissed    bool   `json:"dismissed"`

	CreatedAt time.Time `json:"created_at"`
}

func (SuggestionRow) TableName() string { return "suggestions" }

// KoSyncDocumentRow stores per-document progress for the embedded KoSync
// server, including the furthest-wins guard state.
type KoSyncDocumentRow struct {
	Document   string  `gorm:"primaryKey" json:"document"`
	Progress   string  `json:"progress"`
	Percentage float64 `json:"percentage"`
	Device     string  `json:"device"`
	DeviceID   string  `json:"device_id"`
	Timestamp  float64 `json:"timestamp"`

	UpdatedAt time.Time `json:"updated_at"`
}

func (KoSyncDocumentRow) TableName() string { return "kosync_documents" }

// BeforeSave keeps UpdatedAt monotone with wall clock for rows that gorm
// does not touch via its own hooks.
func (r *ClientStateRow) BeforeSave(tx *gorm.DB) error {
	r.UpdatedAt = time.Now()
	return nil
}
