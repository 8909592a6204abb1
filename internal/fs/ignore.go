package fs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type ignoreRule struct {
	glob    string
	anchor  bool // matched against the slash-separated relative path
	dirOnly bool
}

// IgnoreMatcher decides which library paths discovery skips.
//
// A pattern without '/' matches any path component's basename. A pattern
// containing '/' is anchored at the library root. A trailing '/' restricts
// the pattern to directories, whose whole subtree is then skipped.
type IgnoreMatcher struct {
	rules []ignoreRule
}

// NewIgnoreMatcher parses raw pattern lines. Blank lines and '#' comments
// are dropped.
func NewIgnoreMatcher(lines []string) *IgnoreMatcher {
	m := &IgnoreMatcher{}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rule := ignoreRule{}
		if strings.HasSuffix(line, "/") {
			rule.dirOnly = true
			line = strings.TrimRight(line, "/")
		}
		line = strings.TrimPrefix(line, "/")
		if line == "" {
			continue
		}
		rule.glob = line
		rule.anchor = strings.Contains(line, "/")
		m.rules = append(m.rules, rule)
	}
	return m
}

// Match reports whether a file at relativePath is ignored.
func (m *IgnoreMatcher) Match(relativePath string) bool {
	return m.match(relativePath, false)
}

// MatchDir reports whether the directory at relativePath is ignored.
func (m *IgnoreMatcher) MatchDir(relativePath string) bool {
	return m.match(relativePath, true)
}

func (m *IgnoreMatcher) match(relativePath string, isDir bool) bool {
	if relativePath == "" || len(m.rules) == 0 {
		return false
	}
	rel := filepath.ToSlash(relativePath)
	base := filepath.Base(relativePath)

	for _, r := range m.rules {
		if r.dirOnly && !isDir {
			continue
		}
		subject := base
		if r.anchor {
			subject = rel
		}
		// filepath.Match only fails on malformed patterns; those never match.
		if ok, err := filepath.Match(r.glob, subject); err == nil && ok {
			return true
		}
	}
	return false
}

// ParseIgnoreFile returns the lines of an ignore file, or nil when it does
// not exist.
func ParseIgnoreFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}
	return lines, nil
}
