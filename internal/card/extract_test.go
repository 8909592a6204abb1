package card

import (
	"bytes"
	"errors"
	"testing"
)

func TestExtract(t *testing.T) {
	t.Run("v1 fields are top level", func(t *testing.T) {
		raw := []byte(`{"name":"Alice","description":"Curious","personality":"kind","scenario":"","first_mes":"Hi","mes_example":"  "}`)

		r, err := Extract(raw, V1)
		if err != nil {
			t.Fatalf("Extract() error = %v", err)
		}
		if r.Name != "Alice" || r.Personality != "kind" {
			t.Errorf("got name=%q personality=%q", r.Name, r.Personality)
		}
		if r.Tags != nil {
			t.Errorf("Tags = %v, want nil", r.Tags)
		}
		if !bytes.Equal(r.Original, raw) {
			t.Errorf("Original = %s, want input verbatim", r.Original)
		}
	})

	t.Run("v2 fields live under data", func(t *testing.T) {
		r, err := Extract([]byte(v2Full), V2)
		if err != nil {
			t.Fatalf("Extract() error = %v", err)
		}
		if r.Name != "Bob" || r.Creator != "anon" {
			t.Errorf("got name=%q creator=%q", r.Name, r.Creator)
		}
		if len(r.Tags) != 1 || r.Tags[0] != "Tools" {
			t.Errorf("Tags = %v, want [Tools]", r.Tags)
		}
	})

	t.Run("v3 group greetings and book", func(t *testing.T) {
		raw := []byte(`{"spec":"chara_card_v3","spec_version":"3.0","data":{"name":"C","group_only_greetings":["yo"],"character_book":{"entries":[]},"system_prompt":null}}`)

		r, err := Extract(raw, V3)
		if err != nil {
			t.Fatalf("Extract() error = %v", err)
		}
		if len(r.GroupOnlyGreetings) != 1 {
			t.Errorf("GroupOnlyGreetings = %v, want [yo]", r.GroupOnlyGreetings)
		}
		if !r.HasCharacterBook {
			t.Error("HasCharacterBook = false, want true")
		}
		if r.SystemPrompt != "" {
			t.Errorf("SystemPrompt = %q, want empty", r.SystemPrompt)
		}
	})

	t.Run("v3 ignores top-level copies of data fields", func(t *testing.T) {
		raw := []byte(`{"spec":"chara_card_v3","spec_version":"3.0","name":"TopLevel","tags":["leak"],"personality":"top persona","data":{"description":"d"}}`)

		r, err := Extract(raw, V3)
		if err != nil {
			t.Fatalf("Extract() error = %v", err)
		}
		if r.Name != "" || r.Personality != "" {
			t.Errorf("got name=%q personality=%q, want both empty", r.Name, r.Personality)
		}
		if r.Tags != nil {
			t.Errorf("Tags = %v, want nil", r.Tags)
		}
		if r.Description != "d" {
			t.Errorf("Description = %q, want d", r.Description)
		}
	})

	t.Run("v2 mistyped top-level field does not fail extraction", func(t *testing.T) {
		raw := []byte(`{"spec":"chara_card_v2","spec_version":"2.0","tags":"a,b","data":{"name":"Bob","tags":["x"]}}`)

		r, err := Extract(raw, V2)
		if err != nil {
			t.Fatalf("Extract() error = %v", err)
		}
		if r.Name != "Bob" || len(r.Tags) != 1 || r.Tags[0] != "x" {
			t.Errorf("got name=%q tags=%v, want Bob [x]", r.Name, r.Tags)
		}
	})

	t.Run("non-string tag is an extraction error", func(t *testing.T) {
		raw := []byte(`{"spec":"chara_card_v3","spec_version":"3.0","data":{"tags":["ok",7]}}`)

		_, err := Extract(raw, V3)
		var eerr *ExtractionError
		if !errors.As(err, &eerr) {
			t.Fatalf("Extract() error = %v, want ExtractionError", err)
		}
		if eerr.Field != "tags[1]" {
			t.Errorf("Field = %q, want tags[1]", eerr.Field)
		}
	})

	t.Run("non-string description is an extraction error", func(t *testing.T) {
		raw := []byte(`{"spec":"chara_card_v3","spec_version":"3.0","data":{"description":{"text":"x"}}}`)

		if _, err := Extract(raw, V3); err == nil {
			t.Error("Extract() expected error")
		}
	})
}

func TestRecord_Derive(t *testing.T) {
	r := &Record{
		Name:               "Ab",
		Description:        "cdef",
		CreatorNotes:       "   ",
		SystemPrompt:       "sys",
		AlternateGreetings: []string{"hi", "", "  ", "yo"},
		Tags:               []string{"ignored in tokens"},
	}

	d := r.Derive()
	if d.HasCreatorNotes {
		t.Error("HasCreatorNotes = true for whitespace notes")
	}
	if !d.HasSystemPrompt {
		t.Error("HasSystemPrompt = false, want true")
	}
	if d.AlternateGreetingsCount != 2 {
		t.Errorf("AlternateGreetingsCount = %d, want 2", d.AlternateGreetingsCount)
	}
	// "Ab\n\ncdef\n\nsys" is 13 bytes
	if d.PromptTokensEst != 4 {
		t.Errorf("PromptTokensEst = %d, want 4", d.PromptTokensEst)
	}
}

func TestRecord_PromptTokens_Empty(t *testing.T) {
	r := &Record{CreatorNotes: "notes only", Creator: "me"}
	if got := r.PromptTokens(); got != 0 {
		t.Errorf("PromptTokens() = %d, want 0", got)
	}
}
