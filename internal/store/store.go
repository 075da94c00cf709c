// Package store is the durable progress store: book mappings, per-client
// states, transcription jobs, suggestions and KoSync document rows, all in a
// single embedded sqlite database.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	applogger "github.com/bookbridge/bookbridge/internal/logger"
	"github.com/bookbridge/bookbridge/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps the gorm connection.
type Store struct {
	db  *gorm.DB
	log *applogger.Logger
}

// Open opens (creating if needed) the sqlite database at dbPath and runs
// migrations. WAL with full synchronous keeps writes crash-safe.
func Open(dbPath string, log *applogger.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(dbPath+"?_journal_mode=WAL&_synchronous=FULL"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	// SQLite only supports one writer at a time.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, log: log}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if log != nil {
		log.Info("Database connection established", map[string]interface{}{"path": dbPath})
	}
	return s, nil
}

func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&MappingRow{},
		&ClientStateRow{},
		&JobRow{},
		&SuggestionRow{},
		&KoSyncDocumentRow{},
	)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- Mappings ------------------------------------------------------------

// LoadMapping returns the mapping for bookID, or ErrNotFound.
func (s *Store) LoadMapping(bookID string) (*models.Mapping, error) {
	var row MappingRow
	if err := s.db.First(&row, "book_id = ?", bookID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load mapping %s: %w", bookID, err)
	}
	m := rowToMapping(row)
	return &m, nil
}

// FindMappingByKoSyncDoc returns the mapping whose ebook hashes to the given
// KoSync document id, or ErrNotFound.
func (s *Store) FindMappingByKoSyncDoc(document string) (*models.Mapping, error) {
	var row MappingRow
	if err := s.db.First(&row, "ko_sync_doc_id = ?", document).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find mapping for document %s: %w", document, err)
	}
	m := rowToMapping(row)
	return &m, nil
}

// ListMappingsByStatus returns all mappings with the given status.
func (s *Store) ListMappingsByStatus(status models.MappingStatus) ([]models.Mapping, error) {
	var rows []MappingRow
	if err := s.db.Where("status = ?", string(status)).Order("book_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	out := make([]models.Mapping, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToMapping(r))
	}
	return out, nil
}

// ListActiveMappings returns all syncable mappings.
func (s *Store) ListActiveMappings() ([]models.Mapping, error) {
	return s.ListMappingsByStatus(models.StatusActive)
}

// ListAllMappings returns every mapping regardless of status.
func (s *Store) ListAllMappings() ([]models.Mapping, error) {
	var rows []MappingRow
	if err := s.db.Order("book_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	out := make([]models.Mapping, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToMapping(r))
	}
	return out, nil
}

// SaveMapping upserts a mapping.
func (s *Store) SaveMapping(m *models.Mapping) error {
	row := mappingToRow(*m)
	if err := s.db.Save(&row).Error; err != nil {
		return fmt.Errorf("failed to save mapping %s: %w", m.BookID, err)
	}
	return nil
}

// SetMappingStatus updates only the status (and failure counter) of a mapping.
func (s *Store) SetMappingStatus(bookID string, status models.MappingStatus, failureCount int) error {
	res := s.db.Model(&MappingRow{}).Where("book_id = ?", bookID).
		Updates(map[string]interface{}{"status": string(status), "failure_count": failureCount})
	if res.Error != nil {
		return fmt.Errorf("failed to update status for %s: %w", bookID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMapping removes a mapping and purges every dependent row (client
// states, job, suggestions, kosync document) in one transaction.
func (s *Store) DeleteMapping(bookID string) error {
	var row MappingRow
	if err := s.db.First(&row, "book_id = ?", bookID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to load mapping %s: %w", bookID, err)
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&MappingRow{}, "book_id = ?", bookID).Error; err != nil {
			return err
		}
		if err := tx.Delete(&ClientStateRow{}, "book_id = ?", bookID).Error; err != nil {
			return err
		}
		if err := tx.Delete(&JobRow{}, "book_id = ?", bookID).Error; err != nil {
			return err
		}
		if err := tx.Delete(&SuggestionRow{}, "external_id = ?", bookID).Error; err != nil {
			return err
		}
		if row.KoSyncDocID != "" {
			if err := tx.Delete(&KoSyncDocumentRow{}, "document = ?", row.KoSyncDocID).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// --- Client states -------------------------------------------------------

// ReadState returns the stored state for (book, client), or ErrNotFound.
func (s *Store) ReadState(bookID string, client models.ClientName) (*models.ClientState, error) {
	var row ClientStateRow
	err := s.db.First(&row, "book_id = ? AND client_name = ?", bookID, string(client)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read state %s/%s: %w", bookID, client, err)
	}
	st := rowToState(row)
	return &st, nil
}

// ReadStatesForBook returns every stored client state for the book, keyed by
// client name.
func (s *Store) ReadStatesForBook(bookID string) (map[models.ClientName]models.ClientState, error) {
	var rows []ClientStateRow
	if err := s.db.Where("book_id = ?", bookID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to read states for %s: %w", bookID, err)
	}
	out := make(map[models.ClientName]models.ClientState, len(rows))
	for _, r := range rows {
		out[models.ClientName(r.ClientName)] = rowToState(r)
	}
	return out, nil
}

// WriteState upserts the state for (book, client). Last-writer-wins within a
// single process; LastUpdated never decreases except via ResetState.
func (s *Store) WriteState(st *models.ClientState) error {
	var existing ClientStateRow
	err := s.db.First(&existing, "book_id = ? AND client_name = ?", st.BookID, string(st.Client)).Error
	if err == nil && existing.LastUpdated > st.LastUpdated {
		return fmt.Errorf("refusing to move last_updated backwards for %s/%s", st.BookID, st.Client)
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("failed to read existing state: %w", err)
	}

	row := stateToRow(*st)
	if err := s.db.Save(&row).Error; err != nil {
		return fmt.Errorf("failed to write state %s/%s: %w", st.BookID, st.Client, err)
	}
	return nil
}

// WriteStates upserts a batch of states atomically. A partial write never
// leaves inconsistent per-client rows for the same book.
func (s *Store) WriteStates(states []models.ClientState) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		for i := range states {
			row := stateToRow(states[i])
			if err := tx.Save(&row).Error; err != nil {
				return fmt.Errorf("failed to write state %s/%s: %w", row.BookID, row.ClientName, err)
			}
		}
		return nil
	})
}

// ResetState purges every client-state row for the book. Returns the number
// of rows removed.
func (s *Store) ResetState(bookID string) (int64, error) {
	res := s.db.Delete(&ClientStateRow{}, "book_id = ?", bookID)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to reset state for %s: %w", bookID, res.Error)
	}
	return res.RowsAffected, nil
}

// --- Jobs ----------------------------------------------------------------

// SaveJob upserts the job row for a book.
func (s *Store) SaveJob(j *models.Job) error {
	row := JobRow{
		BookID:      j.BookID,
		State:       string(j.State),
		RetryCount:  j.RetryCount,
		LastError:   j.LastError,
		LastAttempt: j.LastAttempt,
		Progress:    j.Progress,
		UpdatedAt:   time.Now(),
	}
	if err := s.db.Save(&row).Error; err != nil {
		return fmt.Errorf("failed to save job %s: %w", j.BookID, err)
	}
	return nil
}

// GetJob returns the job row for a book, or ErrNotFound.
func (s *Store) GetJob(bookID string) (*models.Job, error) {
	var row JobRow
	if err := s.db.First(&row, "book_id = ?", bookID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load job %s: %w", bookID, err)
	}
	return &models.Job{
		BookID:      row.BookID,
		State:       models.JobState(row.State),
		RetryCount:  row.RetryCount,
		LastError:   row.LastError,
		LastAttempt: row.LastAttempt,
		Progress:    row.Progress,
	}, nil
}

// --- Suggestions ---------------------------------------------------------

// SuggestionExists reports whether a suggestion (dismissed or not) exists for
// the external id.
func (s *Store) SuggestionExists(externalID string) (bool, error) {
	var count int64
	if err := s.db.Model(&SuggestionRow{}).Where("external_id = ?", externalID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check suggestion %s: %w", externalID, err)
	}
	return count > 0, nil
}

// SaveSuggestion stores a new suggestion.
func (s *Store) SaveSuggestion(sg *models.Suggestion) error {
	matches, err := json.Marshal(sg.Matches)
	if err != nil {
		return fmt.Errorf("failed to encode suggestion matches: %w", err)
	}
	row := SuggestionRow{
		ExternalID:   sg.ExternalID,
		SourceClient: string(sg.SourceClient),
		Title:        sg.Title,
		Author:       sg.Author,
		MatchesJSON:  string(matches),
	}
	if err := s.db.Save(&row).Error; err != nil {
		return fmt.Errorf("failed to save suggestion %s: %w", sg.ExternalID, err)
	}
	return nil
}

// ListSuggestions returns all non-dismissed suggestions.
func (s *Store) ListSuggestions() ([]models.Suggestion, error) {
	var rows []SuggestionRow
	if err := s.db.Where("dismissed = ?", false).Order("created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list suggestions: %w", err)
	}
	out := make([]models.Suggestion, 0, len(rows))
	for _, r := range rows {
		var matches []models.SuggestionMatch
		_ = json.Unmarshal([]byte(r.MatchesJSON), &matches)
		out = append(out, models.Suggestion{
			SourceClient: models.ClientName(r.SourceClient),
			ExternalID:   r.ExternalID,
			Title:        r.Title,
			Author:       r.Author,
			Matches:      matches,
		})
	}
	return out, nil
}

// --- KoSync documents ----------------------------------------------------

// GetKoSyncDocument returns the stored progress for a KoSync document hash.
func (s *Store) GetKoSyncDocument(document string) (*KoSyncDocumentRow, error) {
	var row KoSyncDocumentRow
	if err := s.db.First(&row, "document = ?", document).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load kosync document: %w", err)
	}
	return &row, nil
}

// SaveKoSyncDocument upserts the progress row for a KoSync document hash.
func (s *Store) SaveKoSyncDocument(row *KoSyncDocumentRow) error {
	row.UpdatedAt = time.Now()
	if err := s.db.Save(row).Error; err != nil {
		return fmt.Errorf("failed to save kosync document: %w", err)
	}
	return nil
}

// DeleteKoSyncDocument removes the progress row for a document hash. Used by
// Clear Progress so the furthest-wins guard cannot resurrect old progress.
func (s *Store) DeleteKoSyncDocument(document string) (bool, error) {
	res := s.db.Delete(&KoSyncDocumentRow{}, "document = ?", document)
	if res.Error != nil {
		return false, fmt.Errorf("failed to delete kosync document: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// --- Row conversions -----------------------------------------------------

func rowToMapping(r MappingRow) models.Mapping {
	return models.Mapping{
		BookID:          r.BookID,
		Title:           r.Title,
		Author:          r.Author,
		EbookFilename:   r.EbookFilename,
		KoSyncDocID:     r.KoSyncDocID,
		StorytellerUUID: r.StorytellerUUID,
		BookloreID:      r.BookloreID,
		HardcoverID:     r.HardcoverID,
		SyncMode:        models.SyncMode(r.SyncMode),
		Status:          models.MappingStatus(r.Status),
		Duration:        r.Duration,
		HasAlignment:    r.HasAlignment,
		FailureCount:    r.FailureCount,
	}
}

func mappingToRow(m models.Mapping) MappingRow {
	return MappingRow{
		BookID:          m.BookID,
		Title:           m.Title,
		Author:          m.Author,
		EbookFilename:   m.EbookFilename,
		KoSyncDocID:     m.KoSyncDocID,
		StorytellerUUID: m.StorytellerUUID,
		BookloreID:      m.BookloreID,
		HardcoverID:     m.HardcoverID,
		SyncMode:        string(m.SyncMode),
		Status:          string(m.Status),
		Duration:        m.Duration,
		HasAlignment:    m.HasAlignment,
		FailureCount:    m.FailureCount,
		UpdatedAt:       time.Now(),
	}
}

func rowToState(r ClientStateRow) models.ClientState {
	st := models.ClientState{
		BookID:      r.BookID,
		Client:      models.ClientName(r.ClientName),
		LastUpdated: r.LastUpdated,
		DeviceID:    r.DeviceID,
	}
	if r.Timestamp > 0 && models.ClientName(r.ClientName) == models.ClientABS {
		st.Position = models.Position{Audio: &models.AudioPosition{Timestamp: r.Timestamp, Duration: r.Duration}}
		return st
	}
	text := &models.TextPosition{Percentage: r.Percentage}
	if r.LocatorJSON != "" {
		var loc models.Locator
		if err := json.Unmarshal([]byte(r.LocatorJSON), &loc); err == nil {
			text.Locator = &loc
		}
	}
	st.Position = models.Position{Text: text}
	return st
}

func stateToRow(st models.ClientState) ClientStateRow {
	row := ClientStateRow{
		BookID:      st.BookID,
		ClientName:  string(st.Client),
		LastUpdated: st.LastUpdated,
		DeviceID:    st.DeviceID,
	}
	switch {
	case st.Position.Audio != nil:
		row.Timestamp = st.Position.Audio.Timestamp
		row.Duration = st.Position.Audio.Duration
		if d := st.Position.Audio.Duration; d > 0 {
			row.Percentage = st.Position.Audio.Timestamp / d
		}
	case st.Position.Text != nil:
		row.Percentage = st.Position.Text.Percentage
		if st.Position.Text.Locator != nil {
			if b, err := json.Marshal(st.Position.Text.Locator); err == nil {
				row.LocatorJSON = string(b)
			}
		}
	}
	return row
}
