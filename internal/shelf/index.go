package shelf

import "context"

// Index is the persistent store of libraries, cards, files and tags.
// Lookups return (nil, nil) when the row does not exist.
type Index interface {
	// Libraries
	FindLibraryByPath(ctx context.Context, folderPath string) (*Library, error)
	// CreateLibrary fails with ErrLibraryExists when folderPath is taken.
	CreateLibrary(ctx context.Context, folderPath string) (*Library, error)

	// Scan reconciliation
	FindFileState(ctx context.Context, path string) (*FileState, error)
	// SaveCard is the insert-or-fetch primitive: it upserts c and f atomically,
	// resolving identity by (library, content hash), then by file path, and
	// finally inserting c.ID. Concurrent saves of the same hash, from any
	// connection, converge on one card.
	SaveCard(ctx context.Context, c *Card, f *CardFile) (*SaveResult, error)
	SetCardAvatar(ctx context.Context, cardID, avatarPath string) error
	CountCards(ctx context.Context, libraryID string) (int, error)
	ListCardFiles(ctx context.Context, libraryID string) ([]*CardFile, error)
	// DeleteCardFile removes a file row and, when it was the card's last file,
	// the card. It returns the removed card, or nil.
	DeleteCardFile(ctx context.Context, path string) (*Card, error)
	// DeleteOrphanCards removes cards with no files and returns them.
	DeleteOrphanCards(ctx context.Context, libraryID string) ([]*Card, error)

	// Queries
	GetCard(ctx context.Context, id string) (*Card, error)
	ListFilesForCard(ctx context.Context, cardID string) ([]*CardFile, error)
	ListCards(ctx context.Context, q CardQuery) ([]*CardSummary, error)
	Filters(ctx context.Context, libraryID string) (*Filters, error)
	ListTags(ctx context.Context) ([]*Tag, error)
	SetPrimaryFile(ctx context.Context, cardID, path string) error

	// Lifecycle
	BackupTo(path string) error
	CheckMigrations() error
	Close() error
}
