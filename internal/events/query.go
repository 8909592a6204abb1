package events

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cardshelf/internal/card"
	"cardshelf/internal/shelf"
)

// parseCardQuery reads a card listing query. List parameters may repeat or
// hold comma-separated values. The default order is newest first.
func parseCardQuery(v url.Values) (shelf.CardQuery, error) {
	q := shelf.CardQuery{
		Name:       strings.TrimSpace(v.Get("name")),
		Creators:   listParam(v, "creator"),
		Tags:       listParam(v, "tag"),
		Sort:       shelf.SortCreatedAt,
		Descending: true,
	}

	for _, s := range listParam(v, "spec") {
		sv, err := card.ParseSpecVersion(s)
		if err != nil {
			return q, err
		}
		q.SpecVersions = append(q.SpecVersions, sv)
	}

	switch v.Get("sort") {
	case "", string(shelf.SortCreatedAt):
	case string(shelf.SortName):
		q.Sort = shelf.SortName
	default:
		return q, fmt.Errorf("invalid sort %q", v.Get("sort"))
	}
	switch v.Get("order") {
	case "", "desc":
	case "asc":
		q.Descending = false
	default:
		return q, fmt.Errorf("invalid order %q", v.Get("order"))
	}

	var err error
	if q.CreatedFrom, err = timeParam(v, "created_from"); err != nil {
		return q, err
	}
	if q.CreatedTo, err = timeParam(v, "created_to"); err != nil {
		return q, err
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"greetings_min", &q.AlternateGreetingsMin},
		{"tokens_min", &q.PromptTokensMin},
		{"tokens_max", &q.PromptTokensMax},
		{"limit", &q.Limit},
		{"offset", &q.Offset},
	}
	for _, p := range ints {
		if *p.dst, err = intParam(v, p.key); err != nil {
			return q, err
		}
	}

	flags := []struct {
		key string
		dst **bool
	}{
		{"has_creator_notes", &q.HasCreatorNotes},
		{"has_system_prompt", &q.HasSystemPrompt},
		{"has_post_history_instructions", &q.HasPostHistoryInstructions},
		{"has_personality", &q.HasPersonality},
		{"has_scenario", &q.HasScenario},
		{"has_mes_example", &q.HasMesExample},
		{"has_character_book", &q.HasCharacterBook},
		{"has_alternate_greetings", &q.HasAlternateGreetings},
	}
	for _, f := range flags {
		if *f.dst, err = boolParam(v, f.key); err != nil {
			return q, err
		}
	}
	return q, nil
}

func listParam(v url.Values, key string) []string {
	var out []string
	for _, raw := range v[key] {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func intParam(v url.Values, key string) (int, error) {
	s := v.Get(key)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, s)
	}
	return n, nil
}

// timeParam reads unix milliseconds.
func timeParam(v url.Values, key string) (time.Time, error) {
	s := v.Get(key)
	if s == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s %q", key, s)
	}
	return time.UnixMilli(ms), nil
}

func boolParam(v url.Values, key string) (*bool, error) {
	s := v.Get(key)
	if s == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q", key, s)
	}
	return &b, nil
}
