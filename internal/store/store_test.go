package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookbridge/bookbridge/internal/logger"
	"github.com/bookbridge/bookbridge/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger.Setup(logger.Config{Level: "debug", Format: "json"})
	s, err := Open(filepath.Join(t.TempDir(), "bridge.db"), logger.Get())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testMapping(bookID string) *models.Mapping {
	return &models.Mapping{
		BookID:        bookID,
		Title:         "The Test Book",
		Author:        "A. Author",
		EbookFilename: bookID + ".epub",
		KoSyncDocID:   "hash-" + bookID,
		SyncMode:      models.SyncModeAudiobook,
		Status:        models.StatusActive,
		Duration:      36000,
	}
}

func TestStore_MappingRoundTrip(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SaveMapping(testMapping("b1")))

	got, err := s.LoadMapping("b1")
	require.NoError(t, err)
	assert.Equal(t, "The Test Book", got.Title)
	assert.Equal(t, models.StatusActive, got.Status)
	assert.Equal(t, 36000.0, got.Duration)

	_, err = s.LoadMapping("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ListActiveMappings(t *testing.T) {
	s := openTestStore(t)

	m1 := testMapping("b1")
	m2 := testMapping("b2")
	m2.Status = models.StatusPending
	require.NoError(t, s.SaveMapping(m1))
	require.NoError(t, s.SaveMapping(m2))

	active, err := s.ListActiveMappings()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "b1", active[0].BookID)
}

func TestStore_StateRoundTrip(t *testing.T) {
	s := openTestStore(t)

	audio := models.ClientState{
		BookID:      "b1",
		Client:      models.ClientABS,
		LastUpdated: 100,
		Position:    models.Position{Audio: &models.AudioPosition{Timestamp: 55, Duration: 110}},
	}
	text := models.ClientState{
		BookID:      "b1",
		Client:      models.ClientKoSync,
		LastUpdated: 90,
		DeviceID:    "kindle",
		Position: models.Position{Text: &models.TextPosition{
			Percentage: 0.42,
			Locator:    &models.Locator{XPath: "/body/DocFragment[3]/p[7]", Percentage: 0.42},
		}},
	}
	require.NoError(t, s.WriteState(&audio))
	require.NoError(t, s.WriteState(&text))

	got, err := s.ReadState("b1", models.ClientABS)
	require.NoError(t, err)
	require.NotNil(t, got.Position.Audio)
	assert.Equal(t, 55.0, got.Position.Audio.Timestamp)
	assert.Equal(t, 110.0, got.Position.Audio.Duration, "reloaded audio positions keep a usable percentage")

	got, err = s.ReadState("b1", models.ClientKoSync)
	require.NoError(t, err)
	require.NotNil(t, got.Position.Text)
	assert.Equal(t, 0.42, got.Position.Text.Percentage)
	require.NotNil(t, got.Position.Text.Locator)
	assert.Equal(t, "/body/DocFragment[3]/p[7]", got.Position.Text.Locator.XPath)
	assert.Equal(t, "kindle", got.DeviceID)

	all, err := s.ReadStatesForBook("b1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStore_WriteState_RefusesRegression(t *testing.T) {
	s := openTestStore(t)

	st := models.ClientState{
		BookID:      "b1",
		Client:      models.ClientKoSync,
		LastUpdated: 100,
		Position:    models.Position{Text: &models.TextPosition{Percentage: 0.5}},
	}
	require.NoError(t, s.WriteState(&st))

	older := st
	older.LastUpdated = 50
	assert.Error(t, s.WriteState(&older), "last_updated must never decrease")
}

func TestStore_ResetState(t *testing.T) {
	s := openTestStore(t)

	for _, c := range []models.ClientName{models.ClientABS, models.ClientKoSync} {
		st := models.ClientState{
			BookID: "b1", Client: c, LastUpdated: 10,
			Position: models.Position{Text: &models.TextPosition{Percentage: 0.9}},
		}
		require.NoError(t, s.WriteState(&st))
	}

	n, err := s.ResetState("b1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	// After a reset, writing an older last_updated is allowed again.
	st := models.ClientState{
		BookID: "b1", Client: models.ClientABS, LastUpdated: 1,
		Position: models.Position{Audio: &models.AudioPosition{Timestamp: 0}},
	}
	assert.NoError(t, s.WriteState(&st))
}

func TestStore_DeleteMapping_PurgesDependents(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SaveMapping(testMapping("b1")))
	st := models.ClientState{
		BookID: "b1", Client: models.ClientABS, LastUpdated: 1,
		Position: models.Position{Audio: &models.AudioPosition{Timestamp: 5}},
	}
	require.NoError(t, s.WriteState(&st))
	require.NoError(t, s.SaveJob(&models.Job{BookID: "b1", State: models.JobQueued}))
	require.NoError(t, s.SaveKoSyncDocument(&KoSyncDocumentRow{Document: "hash-b1", Percentage: 0.4}))

	require.NoError(t, s.DeleteMapping("b1"))

	_, err := s.LoadMapping("b1")
	assert.ErrorIs(t, err, ErrNotFound)
	states, err := s.ReadStatesForBook("b1")
	require.NoError(t, err)
	assert.Empty(t, states)
	_, err = s.GetJob("b1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetKoSyncDocument("hash-b1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Suggestions(t *testing.T) {
	s := openTestStore(t)

	exists, err := s.SuggestionExists("ext1")
	require.NoError(t, err)
	assert.False(t, exists)

	sg := &models.Suggestion{
		SourceClient: models.ClientABS,
		ExternalID:   "ext1",
		Title:        "Found Book",
		Matches: []models.SuggestionMatch{
			{Source: "filesystem", Filename: "found.epub", Confidence: "high"},
		},
	}
	require.NoError(t, s.SaveSuggestion(sg))

	exists, err = s.SuggestionExists("ext1")
	require.NoError(t, err)
	assert.True(t, exists)

	list, err := s.ListSuggestions()
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Len(t, list[0].Matches, 1)
	assert.Equal(t, "found.epub", list[0].Matches[0].Filename)
}

func TestStore_KoSyncDocuments(t *testing.T) {
	s := openTestStore(t)

	row := &KoSyncDocumentRow{
		Document:   "abc123",
		Progress:   "/body/DocFragment[5]/p[2]",
		Percentage: 0.31,
		Device:     "kobo",
		DeviceID:   "dev-1",
		Timestamp:  1234,
	}
	require.NoError(t, s.SaveKoSyncDocument(row))

	got, err := s.GetKoSyncDocument("abc123")
	require.NoError(t, err)
	assert.Equal(t, 0.31, got.Percentage)

	deleted, err := s.DeleteKoSyncDocument("abc123")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = s.GetKoSyncDocument("abc123")
	assert.ErrorIs(t, err, ErrNotFound)
}
