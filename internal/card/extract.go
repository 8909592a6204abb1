package card

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Record is the canonical, version-independent shape of a card.
type Record struct {
	Spec                    SpecVersion
	Name                    string
	Description             string
	Personality             string
	Scenario                string
	FirstMes                string
	MesExample              string
	Creator                 string
	CreatorNotes            string
	SystemPrompt            string
	PostHistoryInstructions string
	Tags                    []string
	AlternateGreetings      []string
	GroupOnlyGreetings      []string // v3 only
	HasCharacterBook        bool

	// Original is the decoded JSON exactly as it was embedded.
	Original json.RawMessage
}

// ExtractionError reports a field whose value could not be normalized.
type ExtractionError struct {
	Field string
	Err   error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extracting %s: %v", e.Field, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Extract normalizes a validated blob into a Record.
func Extract(raw []byte, version SpecVersion) (*Record, error) {
	var top object
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, &ExtractionError{Field: "card", Err: err}
	}

	// V2 and V3 fields come only from data, never from top-level copies.
	fields := top
	if version != V1 {
		fields = nil
		if err := json.Unmarshal(top["data"], &fields); err != nil {
			return nil, &ExtractionError{Field: "data", Err: err}
		}
	}

	r := &Record{
		Spec:     version,
		Original: append(json.RawMessage(nil), raw...),
	}

	strs := []struct {
		key string
		dst *string
	}{
		{"name", &r.Name},
		{"description", &r.Description},
		{"personality", &r.Personality},
		{"scenario", &r.Scenario},
		{"first_mes", &r.FirstMes},
		{"mes_example", &r.MesExample},
		{"creator", &r.Creator},
		{"creator_notes", &r.CreatorNotes},
		{"system_prompt", &r.SystemPrompt},
		{"post_history_instructions", &r.PostHistoryInstructions},
	}
	for _, s := range strs {
		v, err := optionalString(fields, s.key)
		if err != nil {
			return nil, err
		}
		*s.dst = v
	}

	var err error
	if r.Tags, err = stringList(fields, "tags"); err != nil {
		return nil, err
	}
	if r.AlternateGreetings, err = stringList(fields, "alternate_greetings"); err != nil {
		return nil, err
	}
	if version == V3 {
		if r.GroupOnlyGreetings, err = stringList(fields, "group_only_greetings"); err != nil {
			return nil, err
		}
	}
	r.HasCharacterBook = truthy(fields["character_book"])

	return r, nil
}

func optionalString(obj object, key string) (string, error) {
	raw, ok := obj[key]
	if !ok || kind(raw) == 'z' {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", &ExtractionError{Field: key, Err: err}
	}
	return s, nil
}

func stringList(obj object, key string) ([]string, error) {
	raw, ok := obj[key]
	if !ok || kind(raw) == 'z' {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, &ExtractionError{Field: key, Err: err}
	}
	out := make([]string, 0, len(items))
	for i, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err != nil {
			return nil, &ExtractionError{Field: fmt.Sprintf("%s[%d]", key, i), Err: err}
		}
		out = append(out, s)
	}
	return out, nil
}

// truthy follows JSON truthiness: absent, null, false, 0 and "" are false.
func truthy(raw json.RawMessage) bool {
	switch kind(raw) {
	case 0, 'z':
		return false
	case 'b':
		return strings.TrimSpace(string(raw)) == "true"
	case 's':
		return strings.TrimSpace(string(raw)) != `""`
	case 'n':
		var f float64
		_ = json.Unmarshal(raw, &f)
		return f != 0
	}
	return true
}

// Derived holds the denormalized filter columns computed from a Record.
type Derived struct {
	HasCreatorNotes            bool
	HasSystemPrompt            bool
	HasPostHistoryInstructions bool
	HasPersonality             bool
	HasScenario                bool
	HasMesExample              bool
	HasCharacterBook           bool
	AlternateGreetingsCount    int
	PromptTokensEst            int
}

// Derive computes the filter flags and prompt token estimate.
func (r *Record) Derive() Derived {
	greetings := 0
	for _, g := range r.AlternateGreetings {
		if strings.TrimSpace(g) != "" {
			greetings++
		}
	}
	return Derived{
		HasCreatorNotes:            present(r.CreatorNotes),
		HasSystemPrompt:            present(r.SystemPrompt),
		HasPostHistoryInstructions: present(r.PostHistoryInstructions),
		HasPersonality:             present(r.Personality),
		HasScenario:                present(r.Scenario),
		HasMesExample:              present(r.MesExample),
		HasCharacterBook:           r.HasCharacterBook,
		AlternateGreetingsCount:    greetings,
		PromptTokensEst:            r.PromptTokens(),
	}
}

// PromptTokens estimates prompt size as ceil(bytes/4) over the prompt fields
// joined by blank lines.
func (r *Record) PromptTokens() int {
	var parts []string
	for _, s := range []string{
		r.Name, r.Description, r.Personality, r.Scenario,
		r.FirstMes, r.MesExample, r.SystemPrompt, r.PostHistoryInstructions,
	} {
		if strings.TrimSpace(s) != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return 0
	}
	n := len(strings.Join(parts, "\n\n"))
	return int(math.Ceil(float64(n) / 4))
}

func present(s string) bool { return strings.TrimSpace(s) != "" }
