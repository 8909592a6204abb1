package shelf

import (
	"time"

	"cardshelf/internal/card"
)

// Library is one watched root folder.
type Library struct {
	ID         string
	FolderPath string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Card is a deduplicated persona record as stored in the index.
type Card struct {
	ID          string
	LibraryID   string
	ContentHash string
	card.Record
	Derived         card.Derived
	AvatarPath      string
	CreatedAt       time.Time
	PrimaryFilePath string
}

// CardFile is one physical PNG backing a Card.
type CardFile struct {
	Path       string
	CardID     string
	ModTime    time.Time
	BirthTime  time.Time
	Size       int64
	FolderPath string
}

// Matches reports whether the stored stat triple equals st.
func (f *CardFile) Matches(st *FileStat) bool {
	return UnixMilli(f.ModTime) == UnixMilli(st.ModTime) &&
		UnixMilli(f.BirthTime) == UnixMilli(st.CreatedTime()) &&
		f.Size == st.Size
}

// FileState is a tracked file plus the freshness data the scan fast path needs.
type FileState struct {
	File            CardFile
	PromptTokensEst int
}

// Tag is a globally scoped label. RawName is the normalized join key.
type Tag struct {
	ID      string
	Name    string
	RawName string
}

// SaveResult reports how SaveCard resolved card identity.
type SaveResult struct {
	CardID string
	// Created is true when a new card row was inserted.
	Created bool
	// AvatarPath is the avatar already stored for the card, if any.
	AvatarPath string
	// Merged holds the id of a card that was folded into CardID and removed.
	Merged string
}

// CardSummary is a row of a card listing.
type CardSummary struct {
	ID                      string
	Name                    string
	Creator                 string
	Tags                    []string
	SpecVersion             card.SpecVersion
	AvatarPath              string
	CreatedAt               time.Time
	AlternateGreetingsCount int
	PromptTokensEst         int
	FileCount               int
	PrimaryFilePath         string
}

// SortField selects the card listing order.
type SortField string

const (
	SortCreatedAt SortField = "created_at"
	SortName      SortField = "name"
)

// CardQuery filters a card listing. Nil tri-state flags match any value.
type CardQuery struct {
	LibraryID    string
	Name         string
	Creators     []string
	SpecVersions []card.SpecVersion
	// Tags are raw tag names; a card must carry all of them.
	Tags        []string
	CreatedFrom time.Time
	CreatedTo   time.Time

	HasCreatorNotes            *bool
	HasSystemPrompt            *bool
	HasPostHistoryInstructions *bool
	HasPersonality             *bool
	HasScenario                *bool
	HasMesExample              *bool
	HasCharacterBook           *bool
	HasAlternateGreetings      *bool

	AlternateGreetingsMin int
	PromptTokensMin       int
	PromptTokensMax       int

	Sort       SortField
	Descending bool
	Limit      int
	Offset     int
}

// FilterCount is one facet value with the number of cards carrying it.
// Label is the display form where it differs from Value (tags).
type FilterCount struct {
	Value string
	Label string
	Count int
}

// Filters lists the facet values available in a library.
type Filters struct {
	Creators     []FilterCount
	SpecVersions []FilterCount
	Tags         []FilterCount
}
