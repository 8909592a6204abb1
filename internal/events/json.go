package events

import (
	"encoding/json"

	"cardshelf/internal/shelf"
)

// Response bodies. Times are unix milliseconds.

type cardSummaryJSON struct {
	ID                      string   `json:"id"`
	Name                    string   `json:"name"`
	Creator                 string   `json:"creator"`
	Tags                    []string `json:"tags"`
	SpecVersion             string   `json:"specVersion"`
	AvatarPath              string   `json:"avatarPath,omitempty"`
	CreatedAt               int64    `json:"createdAt"`
	AlternateGreetingsCount int      `json:"alternateGreetingsCount"`
	PromptTokensEst         int      `json:"promptTokensEst"`
	FileCount               int      `json:"fileCount"`
	PrimaryFilePath         string   `json:"primaryFilePath"`
}

func toSummaryJSON(c *shelf.CardSummary) cardSummaryJSON {
	tags := c.Tags
	if tags == nil {
		tags = []string{}
	}
	return cardSummaryJSON{
		ID:                      c.ID,
		Name:                    c.Name,
		Creator:                 c.Creator,
		Tags:                    tags,
		SpecVersion:             c.SpecVersion.String(),
		AvatarPath:              c.AvatarPath,
		CreatedAt:               shelf.UnixMilli(c.CreatedAt),
		AlternateGreetingsCount: c.AlternateGreetingsCount,
		PromptTokensEst:         c.PromptTokensEst,
		FileCount:               c.FileCount,
		PrimaryFilePath:         c.PrimaryFilePath,
	}
}

type cardFileJSON struct {
	Path      string `json:"path"`
	ModTime   int64  `json:"modTime"`
	BirthTime int64  `json:"birthTime"`
	Size      int64  `json:"size"`
}

type cardDetailJSON struct {
	ID                      string          `json:"id"`
	LibraryID               string          `json:"libraryId"`
	ContentHash             string          `json:"contentHash"`
	SpecVersion             string          `json:"specVersion"`
	Name                    string          `json:"name"`
	Description             string          `json:"description"`
	Personality             string          `json:"personality"`
	Scenario                string          `json:"scenario"`
	FirstMes                string          `json:"firstMes"`
	MesExample              string          `json:"mesExample"`
	Creator                 string          `json:"creator"`
	CreatorNotes            string          `json:"creatorNotes"`
	SystemPrompt            string          `json:"systemPrompt"`
	PostHistoryInstructions string          `json:"postHistoryInstructions"`
	Tags                    []string        `json:"tags"`
	AlternateGreetings      []string        `json:"alternateGreetings"`
	GroupOnlyGreetings      []string        `json:"groupOnlyGreetings,omitempty"`
	HasCharacterBook        bool            `json:"hasCharacterBook"`
	PromptTokensEst         int             `json:"promptTokensEst"`
	AvatarPath              string          `json:"avatarPath,omitempty"`
	CreatedAt               int64           `json:"createdAt"`
	PrimaryFilePath         string          `json:"primaryFilePath"`
	Files                   []cardFileJSON  `json:"files"`
	Original                json.RawMessage `json:"original"`
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func toDetailJSON(d *shelf.CardDetail) cardDetailJSON {
	c := d.Card
	out := cardDetailJSON{
		ID:                      c.ID,
		LibraryID:               c.LibraryID,
		ContentHash:             c.ContentHash,
		SpecVersion:             c.Spec.String(),
		Name:                    c.Name,
		Description:             c.Description,
		Personality:             c.Personality,
		Scenario:                c.Scenario,
		FirstMes:                c.FirstMes,
		MesExample:              c.MesExample,
		Creator:                 c.Creator,
		CreatorNotes:            c.CreatorNotes,
		SystemPrompt:            c.SystemPrompt,
		PostHistoryInstructions: c.PostHistoryInstructions,
		Tags:                    orEmpty(c.Tags),
		AlternateGreetings:      orEmpty(c.AlternateGreetings),
		GroupOnlyGreetings:      c.GroupOnlyGreetings,
		HasCharacterBook:        c.HasCharacterBook,
		PromptTokensEst:         c.Derived.PromptTokensEst,
		AvatarPath:              c.AvatarPath,
		CreatedAt:               shelf.UnixMilli(c.CreatedAt),
		PrimaryFilePath:         d.PrimaryFile,
		Files:                   make([]cardFileJSON, 0, len(d.Files)),
		Original:                c.Original,
	}
	for _, f := range d.Files {
		out.Files = append(out.Files, cardFileJSON{
			Path:      f.Path,
			ModTime:   shelf.UnixMilli(f.ModTime),
			BirthTime: shelf.UnixMilli(f.BirthTime),
			Size:      f.Size,
		})
	}
	return out
}

type filterCountJSON struct {
	Value string `json:"value"`
	Label string `json:"label,omitempty"`
	Count int    `json:"count"`
}

type filtersJSON struct {
	Creators     []filterCountJSON `json:"creators"`
	SpecVersions []filterCountJSON `json:"specVersions"`
	Tags         []filterCountJSON `json:"tags"`
}

func toFilterCounts(in []shelf.FilterCount) []filterCountJSON {
	out := make([]filterCountJSON, 0, len(in))
	for _, f := range in {
		out = append(out, filterCountJSON{Value: f.Value, Label: f.Label, Count: f.Count})
	}
	return out
}

func toFiltersJSON(f *shelf.Filters) filtersJSON {
	return filtersJSON{
		Creators:     toFilterCounts(f.Creators),
		SpecVersions: toFilterCounts(f.SpecVersions),
		Tags:         toFilterCounts(f.Tags),
	}
}
