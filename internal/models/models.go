// Package models holds the domain types shared by the sync engine, the
// client adapters and the persistence layer.
package models

import "fmt"

// ClientName identifies one of the supported external services.
type ClientName string

const (
	ClientABS         ClientName = "ABS"
	ClientBooklore    ClientName = "Booklore"
	ClientHardcover   ClientName = "Hardcover"
	ClientKoSync      ClientName = "KoSync"
	ClientStoryteller ClientName = "Storyteller"
)

// AllClients lists every client name in deterministic order. The order is
// also the leader tie-break order when both last_updated and normalized
// percentage are equal.
var AllClients = []ClientName{
	ClientABS,
	ClientBooklore,
	ClientHardcover,
	ClientKoSync,
	ClientStoryteller,
}

// SyncMode controls which clients participate for a mapping.
type SyncMode string

const (
	SyncModeAudiobook SyncMode = "audiobook"
	SyncModeEbookOnly SyncMode = "ebook_only"
)

// MappingStatus is the lifecycle state of a book mapping. Only active
// mappings are syncable.
type MappingStatus string

const (
	StatusPending          MappingStatus = "pending"
	StatusProcessing       MappingStatus = "processing"
	StatusActive           MappingStatus = "active"
	StatusFailedRetryLater MappingStatus = "failed_retry_later"
	StatusDisabled         MappingStatus = "disabled"
)

// Mapping links an audiobook to its ebook representations plus the metadata
// governing sync. There is at most one mapping per BookID.
type Mapping struct {
	BookID string
	Title  string
	Author string

	// Per-client external identifiers.
	EbookFilename   string
	KoSyncDocID     string
	StorytellerUUID string
	BookloreID      string
	HardcoverID     string

	SyncMode SyncMode
	Status   MappingStatus

	// Duration of the audiobook in seconds, 0 when unknown.
	Duration float64

	// HasAlignment reports whether an alignment artifact exists for the book.
	HasAlignment bool

	// FailureCount counts consecutive full sync-cycle failures.
	FailureCount int
}

// Locator is a position inside an ebook. CharOffset and Percentage are
// always set for text positions; the rich fields are best-effort.
type Locator struct {
	CharOffset  int     `json:"char_offset"`
	Percentage  float64 `json:"percentage"`
	XPath       string  `json:"xpath,omitempty"`
	CSSSelector string  `json:"css_selector,omitempty"`
	Href        string  `json:"href,omitempty"`
	Fragment    string  `json:"fragment,omitempty"`
	CFI         string  `json:"cfi,omitempty"`
}

// Position is the sum type for a client-reported position: either an audio
// time position or a text position. Exactly one of Audio/Text is non-nil.
type Position struct {
	Audio *AudioPosition
	Text  *TextPosition
}

// AudioPosition is a playback position in seconds.
type AudioPosition struct {
	Timestamp float64
	// Duration in seconds when the client reports it, else 0.
	Duration float64
}

// TextPosition is a reading position expressed as a percentage with an
// optional rich locator.
type TextPosition struct {
	Percentage float64
	Locator    *Locator
}

// ClientState is the last known progress for one (book, client) pair.
type ClientState struct {
	BookID     string
	Client     ClientName
	Position   Position
	// LastUpdated is seconds since epoch; never decreases except via reset.
	LastUpdated float64
	// DeviceID identifies the reporting device when the client provides one.
	DeviceID string
}

// NormalizedPct converts the position into a 0..1 fraction. Audio positions
// require a known duration; ok is false when no fraction can be derived.
func (s ClientState) NormalizedPct(duration float64) (float64, bool) {
	switch {
	case s.Position.Text != nil:
		return clamp01(s.Position.Text.Percentage), true
	case s.Position.Audio != nil:
		d := s.Position.Audio.Duration
		if d <= 0 {
			d = duration
		}
		if d <= 0 {
			return 0, false
		}
		return clamp01(s.Position.Audio.Timestamp / d), true
	default:
		return 0, false
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Suggestion is a candidate mapping for an unmapped audiobook with progress.
type Suggestion struct {
	SourceClient ClientName
	ExternalID   string
	Title        string
	Author       string
	// Matches holds candidate ebook filenames with a confidence label.
	Matches []SuggestionMatch
}

// SuggestionMatch is one candidate ebook for a suggestion.
type SuggestionMatch struct {
	Source     string `json:"source"`
	Filename   string `json:"filename"`
	Confidence string `json:"confidence"`
}

// JobState is the lifecycle state of a transcription job.
type JobState string

const (
	JobQueued           JobState = "queued"
	JobRunning          JobState = "running"
	JobDone             JobState = "done"
	JobFailedRetryLater JobState = "failed_retry_later"
)

// Job tracks one transcription attempt for a book.
type Job struct {
	BookID      string
	State       JobState
	RetryCount  int
	LastError   string
	LastAttempt float64
	Progress    float64
}

// AudioFile is one downloaded audio file of a book, in play order.
type AudioFile struct {
	Path string
	// Duration of this file in seconds, as reported by the source.
	Duration float64
}

// WordToken is one transcribed word with its time bounds.
type WordToken struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// TranscriptChunk is the output of transcribing one audio chunk.
type TranscriptChunk struct {
	Index int         `json:"index"`
	Words []WordToken `json:"words"`
}

func (c TranscriptChunk) String() string {
	return fmt.Sprintf("chunk %d (%d words)", c.Index, len(c.Words))
}
