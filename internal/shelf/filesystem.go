package shelf

import "time"

// FileStat is the subset of file metadata the scanner compares between runs.
type FileStat struct {
	ModTime time.Time
	// BirthTime is zero when the filesystem does not record creation time.
	BirthTime time.Time
	Size      int64
}

// CreatedTime returns the birth time, falling back to the modification time.
func (s FileStat) CreatedTime() time.Time {
	if !s.BirthTime.IsZero() && s.BirthTime.UnixMilli() > 0 {
		return s.BirthTime
	}
	return s.ModTime
}

// FilesystemManager abstracts the filesystem for the scanner.
type FilesystemManager interface {
	// FindPNGFiles lists every *.png (any case) under root, recursively.
	// Unreadable subdirectories are skipped.
	FindPNGFiles(root string) ([]string, error)

	Stat(path string) (*FileStat, error)

	ReadFile(path string) ([]byte, error)

	// Exists reports whether path exists. Errors other than not-exist count as existing.
	Exists(path string) bool

	// IsDir reports whether path exists and is a directory.
	IsDir(path string) bool

	Remove(path string) error
}
