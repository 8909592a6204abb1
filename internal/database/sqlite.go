package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"cardshelf/internal/card"
	"cardshelf/internal/database/migrations"
	"cardshelf/internal/shelf"
)

// SQLiteDatabase implements shelf.Index on SQLite.
type SQLiteDatabase struct {
	db    *sql.DB
	path  string
	clock shelf.Clock
	idgen shelf.IDGenerator
}

// NewSQLiteDatabase opens the index at path (":memory:" for an in-memory
// index). clock and idgen default to the real implementations when nil.
func NewSQLiteDatabase(path string, clock shelf.Clock, idgen shelf.IDGenerator) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	s := NewSQLiteDatabaseFromDB(db, clock, idgen)
	s.path = path
	return s, nil
}

// NewSQLiteDatabaseFromDB wraps a connection opened with OpenConnection.
func NewSQLiteDatabaseFromDB(db *sql.DB, clock shelf.Clock, idgen shelf.IDGenerator) *SQLiteDatabase {
	if clock == nil {
		clock = shelf.RealClock{}
	}
	if idgen == nil {
		idgen = shelf.UUIDGenerator{}
	}
	return &SQLiteDatabase{db: db, clock: clock, idgen: idgen}
}

// OpenConnection opens a SQLite connection with foreign keys enforced and a
// busy timeout. The pool is limited to one connection: SQLite serializes
// writers anyway, and an in-memory database exists per connection.
// Transactions begin IMMEDIATE, so a read-then-insert like SaveCard holds the
// write lock from its first lookup, also against other processes sharing the
// file.
func OpenConnection(path string) (*sql.DB, error) {
	dsn := path
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_foreign_keys=1&_busy_timeout=5000&_txlock=immediate"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// MigrateUp brings the schema to the latest version.
func (s *SQLiteDatabase) MigrateUp() error {
	return migrations.MigrateUp(s.db)
}

// Libraries

func (s *SQLiteDatabase) FindLibraryByPath(ctx context.Context, folderPath string) (*shelf.Library, error) {
	var (
		lib                  shelf.Library
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, folder_path, created_at, updated_at FROM libraries WHERE folder_path = ?`,
		folderPath,
	).Scan(&lib.ID, &lib.FolderPath, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding library by path: %w", err)
	}
	lib.CreatedAt = shelf.FromUnixMilli(createdAt)
	lib.UpdatedAt = shelf.FromUnixMilli(updatedAt)
	return &lib, nil
}

func (s *SQLiteDatabase) CreateLibrary(ctx context.Context, folderPath string) (*shelf.Library, error) {
	now := s.clock.Now()
	lib := &shelf.Library{
		ID:         s.idgen.New(),
		FolderPath: folderPath,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO libraries (id, folder_path, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		lib.ID, lib.FolderPath, shelf.UnixMilli(now), shelf.UnixMilli(now),
	)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("creating library %s: %w", folderPath, shelf.ErrLibraryExists)
	}
	if err != nil {
		return nil, fmt.Errorf("creating library: %w", err)
	}
	return lib, nil
}

// Scan reconciliation

func (s *SQLiteDatabase) FindFileState(ctx context.Context, path string) (*shelf.FileState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT f.file_path, f.card_id, f.file_mtime, f.file_birthtime, f.file_size, f.folder_path, c.prompt_tokens_est
		FROM card_files f JOIN cards c ON c.id = f.card_id
		WHERE f.file_path = ?`, path)

	var (
		st           shelf.FileState
		mtime, btime int64
	)
	err := row.Scan(&st.File.Path, &st.File.CardID, &mtime, &btime, &st.File.Size, &st.File.FolderPath, &st.PromptTokensEst)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding file state: %w", err)
	}
	st.File.ModTime = shelf.FromUnixMilli(mtime)
	st.File.BirthTime = shelf.FromUnixMilli(btime)
	return &st, nil
}

func (s *SQLiteDatabase) SaveCard(ctx context.Context, c *shelf.Card, f *shelf.CardFile) (*shelf.SaveResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var fileCardID, fileLibraryID string
	err = tx.QueryRowContext(ctx,
		`SELECT f.card_id, c.library_id FROM card_files f JOIN cards c ON c.id = f.card_id WHERE f.file_path = ?`,
		f.Path,
	).Scan(&fileCardID, &fileLibraryID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("finding file owner: %w", err)
	}

	var (
		hashOwner string
		avatar    sql.NullString
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, avatar_path FROM cards WHERE library_id = ? AND content_hash = ?`,
		c.LibraryID, c.ContentHash,
	).Scan(&hashOwner, &avatar)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("finding card by hash: %w", err)
	}

	res := &shelf.SaveResult{}
	switch {
	case hashOwner != "":
		res.CardID = hashOwner
		res.AvatarPath = avatar.String
		if err := updateCard(ctx, tx, hashOwner, c); err != nil {
			return nil, err
		}
	case fileCardID != "" && fileLibraryID == c.LibraryID:
		res.CardID = fileCardID
		if err := tx.QueryRowContext(ctx, `SELECT avatar_path FROM cards WHERE id = ?`, fileCardID).Scan(&avatar); err != nil {
			return nil, fmt.Errorf("loading avatar: %w", err)
		}
		res.AvatarPath = avatar.String
		if err := updateCard(ctx, tx, fileCardID, c); err != nil {
			return nil, err
		}
	default:
		res.CardID = c.ID
		res.Created = true
		if err := insertCard(ctx, tx, c); err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO card_files (file_path, card_id, file_mtime, file_birthtime, file_size, folder_path)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_path) DO UPDATE SET
			card_id = excluded.card_id,
			file_mtime = excluded.file_mtime,
			file_birthtime = excluded.file_birthtime,
			file_size = excluded.file_size,
			folder_path = excluded.folder_path`,
		f.Path, res.CardID, shelf.UnixMilli(f.ModTime), shelf.UnixMilli(f.BirthTime), f.Size, f.FolderPath,
	)
	if err != nil {
		return nil, fmt.Errorf("upserting card file: %w", err)
	}

	// the file moved to another card; drop its previous card if now empty
	if fileCardID != "" && fileCardID != res.CardID {
		deleted, err := deleteCardIfEmpty(ctx, tx, fileCardID)
		if err != nil {
			return nil, err
		}
		if deleted {
			res.Merged = fileCardID
		}
	}

	if err := s.rewriteTags(ctx, tx, res.CardID, c.Tags); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing card: %w", err)
	}
	return res, nil
}

func insertCard(ctx context.Context, tx *sql.Tx, c *shelf.Card) error {
	tags, err := encodeTags(c.Tags)
	if err != nil {
		return err
	}
	d := c.Derived
	_, err = tx.ExecContext(ctx,
		`INSERT INTO cards (
			id, library_id, content_hash, name, description, tags, creator, spec_version,
			created_at, data_json, personality, scenario, first_mes, mes_example,
			creator_notes, system_prompt, post_history_instructions, alternate_greetings_count,
			has_creator_notes, has_system_prompt, has_post_history_instructions, has_personality,
			has_scenario, has_mes_example, has_character_book, prompt_tokens_est
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.LibraryID, c.ContentHash, c.Name, c.Description, tags, c.Creator, c.Spec.String(),
		shelf.UnixMilli(c.CreatedAt), string(c.Original), c.Personality, c.Scenario, c.FirstMes, c.MesExample,
		c.CreatorNotes, c.SystemPrompt, c.PostHistoryInstructions, d.AlternateGreetingsCount,
		d.HasCreatorNotes, d.HasSystemPrompt, d.HasPostHistoryInstructions, d.HasPersonality,
		d.HasScenario, d.HasMesExample, d.HasCharacterBook, d.PromptTokensEst,
	)
	if err != nil {
		return fmt.Errorf("inserting card: %w", err)
	}
	return nil
}

// updateCard rewrites the content columns of card id from c. created_at only
// ever moves earlier.
func updateCard(ctx context.Context, tx *sql.Tx, id string, c *shelf.Card) error {
	tags, err := encodeTags(c.Tags)
	if err != nil {
		return err
	}
	d := c.Derived
	_, err = tx.ExecContext(ctx,
		`UPDATE cards SET
			content_hash = ?, name = ?, description = ?, tags = ?, creator = ?, spec_version = ?,
			created_at = MIN(created_at, ?), data_json = ?, personality = ?, scenario = ?,
			first_mes = ?, mes_example = ?, creator_notes = ?, system_prompt = ?,
			post_history_instructions = ?, alternate_greetings_count = ?,
			has_creator_notes = ?, has_system_prompt = ?, has_post_history_instructions = ?,
			has_personality = ?, has_scenario = ?, has_mes_example = ?, has_character_book = ?,
			prompt_tokens_est = ?
		WHERE id = ?`,
		c.ContentHash, c.Name, c.Description, tags, c.Creator, c.Spec.String(),
		shelf.UnixMilli(c.CreatedAt), string(c.Original), c.Personality, c.Scenario,
		c.FirstMes, c.MesExample, c.CreatorNotes, c.SystemPrompt,
		c.PostHistoryInstructions, d.AlternateGreetingsCount,
		d.HasCreatorNotes, d.HasSystemPrompt, d.HasPostHistoryInstructions,
		d.HasPersonality, d.HasScenario, d.HasMesExample, d.HasCharacterBook,
		d.PromptTokensEst, id,
	)
	if err != nil {
		return fmt.Errorf("updating card: %w", err)
	}
	return nil
}

// rewriteTags replaces the card's tag links. Tags are created on first use;
// a tag inserted concurrently under the same raw name is kept as is.
func (s *SQLiteDatabase) rewriteTags(ctx context.Context, tx *sql.Tx, cardID string, tags []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM card_tags WHERE card_id = ?`, cardID); err != nil {
		return fmt.Errorf("clearing card tags: %w", err)
	}

	seen := make(map[string]bool, len(tags))
	for _, name := range tags {
		display := strings.TrimSpace(name)
		raw := NormalizeTag(name)
		if raw == "" || seen[raw] {
			continue
		}
		seen[raw] = true

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tags (id, name, rawName) VALUES (?, ?, ?) ON CONFLICT(rawName) DO NOTHING`,
			s.idgen.New(), display, raw,
		); err != nil {
			return fmt.Errorf("ensuring tag %q: %w", raw, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO card_tags (card_id, tag_rawName) VALUES (?, ?)`,
			cardID, raw,
		); err != nil {
			return fmt.Errorf("linking tag %q: %w", raw, err)
		}
	}
	return nil
}

// NormalizeTag returns the raw name tags are keyed by.
func NormalizeTag(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func deleteCardIfEmpty(ctx context.Context, tx *sql.Tx, cardID string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`DELETE FROM cards WHERE id = ? AND NOT EXISTS (SELECT 1 FROM card_files WHERE card_id = ?)`,
		cardID, cardID,
	)
	if err != nil {
		return false, fmt.Errorf("deleting empty card: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deleting empty card: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteDatabase) SetCardAvatar(ctx context.Context, cardID, avatarPath string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE cards SET avatar_path = ? WHERE id = ?`, avatarPath, cardID)
	if err != nil {
		return fmt.Errorf("setting avatar: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) CountCards(ctx context.Context, libraryID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cards WHERE library_id = ?`, libraryID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting cards: %w", err)
	}
	return n, nil
}

func (s *SQLiteDatabase) ListCardFiles(ctx context.Context, libraryID string) ([]*shelf.CardFile, error) {
	return s.queryFiles(ctx,
		`SELECT f.file_path, f.card_id, f.file_mtime, f.file_birthtime, f.file_size, f.folder_path
		FROM card_files f JOIN cards c ON c.id = f.card_id
		WHERE c.library_id = ?
		ORDER BY f.file_path`, libraryID)
}

func (s *SQLiteDatabase) ListFilesForCard(ctx context.Context, cardID string) ([]*shelf.CardFile, error) {
	return s.queryFiles(ctx,
		`SELECT file_path, card_id, file_mtime, file_birthtime, file_size, folder_path
		FROM card_files WHERE card_id = ?
		ORDER BY file_birthtime ASC, file_path ASC`, cardID)
}

func (s *SQLiteDatabase) queryFiles(ctx context.Context, query string, args ...any) ([]*shelf.CardFile, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing card files: %w", err)
	}
	defer rows.Close()

	var files []*shelf.CardFile
	for rows.Next() {
		var (
			f            shelf.CardFile
			mtime, btime int64
		)
		if err := rows.Scan(&f.Path, &f.CardID, &mtime, &btime, &f.Size, &f.FolderPath); err != nil {
			return nil, fmt.Errorf("scanning card file: %w", err)
		}
		f.ModTime = shelf.FromUnixMilli(mtime)
		f.BirthTime = shelf.FromUnixMilli(btime)
		files = append(files, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing card files: %w", err)
	}
	return files, nil
}

func (s *SQLiteDatabase) DeleteCardFile(ctx context.Context, path string) (*shelf.Card, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var cardID string
	err = tx.QueryRowContext(ctx, `SELECT card_id FROM card_files WHERE file_path = ?`, path).Scan(&cardID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding card file: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM card_files WHERE file_path = ?`, path); err != nil {
		return nil, fmt.Errorf("deleting card file: %w", err)
	}

	removed, err := getCard(ctx, tx, cardID)
	if err != nil {
		return nil, err
	}
	deleted, err := deleteCardIfEmpty(ctx, tx, cardID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing file deletion: %w", err)
	}
	if !deleted {
		return nil, nil
	}
	return removed, nil
}

func (s *SQLiteDatabase) DeleteOrphanCards(ctx context.Context, libraryID string) ([]*shelf.Card, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+cardColumns+` FROM cards
		WHERE library_id = ? AND NOT EXISTS (SELECT 1 FROM card_files f WHERE f.card_id = cards.id)`,
		libraryID)
	if err != nil {
		return nil, fmt.Errorf("finding orphan cards: %w", err)
	}
	var orphans []*shelf.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		orphans = append(orphans, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("finding orphan cards: %w", err)
	}

	for _, c := range orphans {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cards WHERE id = ?`, c.ID); err != nil {
			return nil, fmt.Errorf("deleting orphan card %s: %w", c.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing orphan sweep: %w", err)
	}
	return orphans, nil
}

// Queries

const cardColumns = `id, library_id, content_hash, name, description, tags, creator, spec_version,
	avatar_path, created_at, data_json, personality, scenario, first_mes, mes_example,
	creator_notes, system_prompt, post_history_instructions, alternate_greetings_count,
	has_creator_notes, has_system_prompt, has_post_history_instructions, has_personality,
	has_scenario, has_mes_example, has_character_book, prompt_tokens_est, primary_file_path`

type rowScanner interface {
	Scan(dest ...any) error
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanCard(row rowScanner) (*shelf.Card, error) {
	var (
		c         shelf.Card
		spec      string
		data      string
		createdAt int64
	)
	var name, desc, tags, creator, avatar, primary sql.NullString
	var pers, scen, first, mes, notes, sys, post sql.NullString
	d := &c.Derived
	err := row.Scan(
		&c.ID, &c.LibraryID, &c.ContentHash, &name, &desc, &tags, &creator, &spec,
		&avatar, &createdAt, &data, &pers, &scen, &first, &mes,
		&notes, &sys, &post, &d.AlternateGreetingsCount,
		&d.HasCreatorNotes, &d.HasSystemPrompt, &d.HasPostHistoryInstructions, &d.HasPersonality,
		&d.HasScenario, &d.HasMesExample, &d.HasCharacterBook, &d.PromptTokensEst, &primary,
	)
	if err != nil {
		return nil, err
	}

	c.Name, c.Description, c.Creator = name.String, desc.String, creator.String
	c.Personality, c.Scenario, c.FirstMes, c.MesExample = pers.String, scen.String, first.String, mes.String
	c.CreatorNotes, c.SystemPrompt, c.PostHistoryInstructions = notes.String, sys.String, post.String
	c.AvatarPath = avatar.String
	c.PrimaryFilePath = primary.String
	c.CreatedAt = shelf.FromUnixMilli(createdAt)
	c.HasCharacterBook = d.HasCharacterBook
	c.Original = json.RawMessage(data)
	if c.Tags, err = decodeTags(tags); err != nil {
		return nil, err
	}
	if c.Spec, err = card.ParseSpecVersion(spec); err != nil {
		return nil, err
	}

	// greeting lists are only kept inside the original json
	if rec, err := card.Extract(c.Original, c.Spec); err == nil {
		c.AlternateGreetings = rec.AlternateGreetings
		c.GroupOnlyGreetings = rec.GroupOnlyGreetings
	}
	return &c, nil
}

func getCard(ctx context.Context, q queryRower, id string) (*shelf.Card, error) {
	c, err := scanCard(q.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading card %s: %w", id, err)
	}
	return c, nil
}

func (s *SQLiteDatabase) GetCard(ctx context.Context, id string) (*shelf.Card, error) {
	return getCard(ctx, s.db, id)
}

func (s *SQLiteDatabase) SetPrimaryFile(ctx context.Context, cardID, path string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cards SET primary_file_path = NULLIF(?, '') WHERE id = ?`, path, cardID)
	if err != nil {
		return fmt.Errorf("setting primary file: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("setting primary file: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("card %s: %w", cardID, shelf.ErrNotFound)
	}
	return nil
}

func (s *SQLiteDatabase) ListTags(ctx context.Context) ([]*shelf.Tag, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, rawName FROM tags ORDER BY name COLLATE NOCASE`)
	if err != nil {
		return nil, fmt.Errorf("listing tags: %w", err)
	}
	defer rows.Close()

	var tags []*shelf.Tag
	for rows.Next() {
		var t shelf.Tag
		if err := rows.Scan(&t.ID, &t.Name, &t.RawName); err != nil {
			return nil, fmt.Errorf("scanning tag: %w", err)
		}
		tags = append(tags, &t)
	}
	return tags, rows.Err()
}

// Lifecycle

// Path returns the database file path (or ":memory:").
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// BackupTo writes a consistent copy of the database to destPath using VACUUM INTO.
func (s *SQLiteDatabase) BackupTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func encodeTags(tags []string) (any, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("encoding tags: %w", err)
	}
	return string(b), nil
}

func decodeTags(s sql.NullString) ([]string, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(s.String), &tags); err != nil {
		return nil, fmt.Errorf("decoding tags: %w", err)
	}
	return tags, nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

var _ shelf.Index = (*SQLiteDatabase)(nil)
