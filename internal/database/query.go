package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"cardshelf/internal/card"
	"cardshelf/internal/shelf"
)

// cardQuery accumulates WHERE clauses and their arguments.
type cardQuery struct {
	where []string
	args  []any
}

func (q *cardQuery) add(clause string, args ...any) {
	q.where = append(q.where, clause)
	q.args = append(q.args, args...)
}

func (q *cardQuery) in(column string, values []string) {
	if len(values) == 0 {
		return
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	q.add(column+" IN ("+marks+")", args...)
}

func (q *cardQuery) flag(column string, want *bool) {
	if want != nil {
		q.add(column+" = ?", *want)
	}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (s *SQLiteDatabase) ListCards(ctx context.Context, q shelf.CardQuery) ([]*shelf.CardSummary, error) {
	var cq cardQuery
	cq.add("c.library_id = ?", q.LibraryID)

	if name := strings.TrimSpace(q.Name); name != "" {
		cq.add(`c.name LIKE ? ESCAPE '\'`, "%"+escapeLike(name)+"%")
	}
	cq.in("c.creator", q.Creators)
	if len(q.SpecVersions) > 0 {
		versions := make([]string, len(q.SpecVersions))
		for i, v := range q.SpecVersions {
			versions[i] = v.String()
		}
		cq.in("c.spec_version", versions)
	}
	for _, tag := range q.Tags {
		cq.add(`EXISTS (SELECT 1 FROM card_tags ct WHERE ct.card_id = c.id AND ct.tag_rawName = ?)`, NormalizeTag(tag))
	}
	if !q.CreatedFrom.IsZero() {
		cq.add("c.created_at >= ?", shelf.UnixMilli(q.CreatedFrom))
	}
	if !q.CreatedTo.IsZero() {
		cq.add("c.created_at <= ?", shelf.UnixMilli(q.CreatedTo))
	}

	cq.flag("c.has_creator_notes", q.HasCreatorNotes)
	cq.flag("c.has_system_prompt", q.HasSystemPrompt)
	cq.flag("c.has_post_history_instructions", q.HasPostHistoryInstructions)
	cq.flag("c.has_personality", q.HasPersonality)
	cq.flag("c.has_scenario", q.HasScenario)
	cq.flag("c.has_mes_example", q.HasMesExample)
	cq.flag("c.has_character_book", q.HasCharacterBook)
	if q.HasAlternateGreetings != nil {
		if *q.HasAlternateGreetings {
			cq.add("c.alternate_greetings_count > 0")
		} else {
			cq.add("c.alternate_greetings_count = 0")
		}
	}
	if q.AlternateGreetingsMin > 0 {
		cq.add("c.alternate_greetings_count >= ?", q.AlternateGreetingsMin)
	}
	if q.PromptTokensMin > 0 {
		cq.add("c.prompt_tokens_est >= ?", q.PromptTokensMin)
	}
	if q.PromptTokensMax > 0 {
		cq.add("c.prompt_tokens_est <= ?", q.PromptTokensMax)
	}

	order := "c.created_at"
	if q.Sort == shelf.SortName {
		order = "c.name COLLATE NOCASE"
	}
	dir := "ASC"
	if q.Descending {
		dir = "DESC"
	}

	query := `SELECT c.id, c.name, c.creator, c.tags, c.spec_version, c.avatar_path, c.created_at,
			c.alternate_greetings_count, c.prompt_tokens_est,
			(SELECT COUNT(*) FROM card_files f WHERE f.card_id = c.id),
			COALESCE(
				(SELECT f.file_path FROM card_files f WHERE f.card_id = c.id AND f.file_path = c.primary_file_path),
				(SELECT f.file_path FROM card_files f WHERE f.card_id = c.id ORDER BY f.file_birthtime ASC, f.file_path ASC LIMIT 1)
			)
		FROM cards c
		WHERE ` + strings.Join(cq.where, " AND ") + `
		ORDER BY ` + order + ` ` + dir + `, c.id ` + dir
	args := cq.args
	if q.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, q.Limit, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing cards: %w", err)
	}
	defer rows.Close()

	var out []*shelf.CardSummary
	for rows.Next() {
		var (
			c         shelf.CardSummary
			spec      string
			createdAt int64
		)
		var name, creator, tags, avatar, primary sql.NullString
		if err := rows.Scan(&c.ID, &name, &creator, &tags, &spec, &avatar, &createdAt,
			&c.AlternateGreetingsCount, &c.PromptTokensEst, &c.FileCount, &primary); err != nil {
			return nil, fmt.Errorf("scanning card summary: %w", err)
		}
		c.Name, c.Creator, c.AvatarPath, c.PrimaryFilePath = name.String, creator.String, avatar.String, primary.String
		c.CreatedAt = shelf.FromUnixMilli(createdAt)
		if c.Tags, err = decodeTags(tags); err != nil {
			return nil, err
		}
		if c.SpecVersion, err = card.ParseSpecVersion(spec); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing cards: %w", err)
	}
	return out, nil
}

func (s *SQLiteDatabase) Filters(ctx context.Context, libraryID string) (*shelf.Filters, error) {
	var (
		f   shelf.Filters
		err error
	)
	f.Creators, err = s.facet(ctx,
		`SELECT creator, creator, COUNT(*) FROM cards
		WHERE library_id = ? AND creator IS NOT NULL AND TRIM(creator) != ''
		GROUP BY creator ORDER BY creator COLLATE NOCASE`, libraryID)
	if err != nil {
		return nil, fmt.Errorf("loading creators: %w", err)
	}
	f.SpecVersions, err = s.facet(ctx,
		`SELECT spec_version, spec_version, COUNT(*) FROM cards
		WHERE library_id = ?
		GROUP BY spec_version ORDER BY spec_version`, libraryID)
	if err != nil {
		return nil, fmt.Errorf("loading spec versions: %w", err)
	}
	f.Tags, err = s.facet(ctx,
		`SELECT t.rawName, t.name, COUNT(*) FROM card_tags ct
		JOIN tags t ON t.rawName = ct.tag_rawName
		JOIN cards c ON c.id = ct.card_id
		WHERE c.library_id = ?
		GROUP BY t.rawName ORDER BY t.name COLLATE NOCASE`, libraryID)
	if err != nil {
		return nil, fmt.Errorf("loading tags: %w", err)
	}
	return &f, nil
}

func (s *SQLiteDatabase) facet(ctx context.Context, query string, args ...any) ([]shelf.FilterCount, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []shelf.FilterCount
	for rows.Next() {
		var fc shelf.FilterCount
		if err := rows.Scan(&fc.Value, &fc.Label, &fc.Count); err != nil {
			return nil, err
		}
		out = append(out, fc)
	}
	return out, rows.Err()
}
