package fs

import (
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"testing"
	"time"
)

func writeTestFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	p := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatalf("creating dir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", rel, err)
	}
	return p
}

func relPaths(t *testing.T, root string, paths []string) []string {
	t.Helper()
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		rel, err := filepath.Rel(root, p)
		if err != nil {
			t.Fatalf("Rel(%s) error = %v", p, err)
		}
		out = append(out, filepath.ToSlash(rel))
	}
	slices.Sort(out)
	return out
}

func TestOSFilesystemManager_FindPNGFiles(t *testing.T) {
	t.Run("finds png files recursively in any case", func(t *testing.T) {
		root := t.TempDir()
		writeTestFile(t, root, "alice.png", "a")
		writeTestFile(t, root, "Bob.PNG", "b")
		writeTestFile(t, root, "sub/deeper/carol.Png", "c")
		writeTestFile(t, root, ".hidden.png", "h")
		writeTestFile(t, root, "notes.txt", "n")
		writeTestFile(t, root, "png", "x")
		if err := os.Mkdir(filepath.Join(root, "folder.png"), 0755); err != nil {
			t.Fatal(err)
		}

		m := NewOSFilesystemManager(nil, nil)
		paths, err := m.FindPNGFiles(root)
		if err != nil {
			t.Fatalf("FindPNGFiles() error = %v", err)
		}
		got := relPaths(t, root, paths)
		want := []string{".hidden.png", "Bob.PNG", "alice.png", "sub/deeper/carol.Png"}
		if !slices.Equal(got, want) {
			t.Errorf("FindPNGFiles() = %v, want %v", got, want)
		}
	})

	t.Run("applies configured and file patterns", func(t *testing.T) {
		root := t.TempDir()
		writeTestFile(t, root, "keep.png", "k")
		writeTestFile(t, root, "alice.bak.png", "b")
		writeTestFile(t, root, "drafts/wip.png", "d")
		writeTestFile(t, root, "exports/out.png", "e")
		writeTestFile(t, root, IgnoreFileName, "# local\nexports/\n")

		m := NewOSFilesystemManager([]string{"*.bak.png", "drafts/"}, nil)
		paths, err := m.FindPNGFiles(root)
		if err != nil {
			t.Fatalf("FindPNGFiles() error = %v", err)
		}
		got := relPaths(t, root, paths)
		if !slices.Equal(got, []string{"keep.png"}) {
			t.Errorf("FindPNGFiles() = %v, want [keep.png]", got)
		}
	})

	t.Run("does not follow symlinks", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("symlinks need privileges on windows")
		}
		root := t.TempDir()
		other := t.TempDir()
		target := writeTestFile(t, other, "elsewhere.png", "e")
		if err := os.Symlink(target, filepath.Join(root, "link.png")); err != nil {
			t.Fatalf("Symlink() error = %v", err)
		}

		paths, err := NewOSFilesystemManager(nil, nil).FindPNGFiles(root)
		if err != nil {
			t.Fatalf("FindPNGFiles() error = %v", err)
		}
		if len(paths) != 0 {
			t.Errorf("FindPNGFiles() = %v, want none", paths)
		}
	})

	t.Run("skips unreadable subdirectory", func(t *testing.T) {
		if runtime.GOOS == "windows" || os.Geteuid() == 0 {
			t.Skip("permission bits are not enforced")
		}
		root := t.TempDir()
		writeTestFile(t, root, "ok.png", "o")
		writeTestFile(t, root, "locked/hidden.png", "h")
		locked := filepath.Join(root, "locked")
		if err := os.Chmod(locked, 0); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { os.Chmod(locked, 0755) })

		paths, err := NewOSFilesystemManager(nil, nil).FindPNGFiles(root)
		if err != nil {
			t.Fatalf("FindPNGFiles() error = %v", err)
		}
		got := relPaths(t, root, paths)
		if !slices.Equal(got, []string{"ok.png"}) {
			t.Errorf("FindPNGFiles() = %v, want [ok.png]", got)
		}
	})

	t.Run("missing root fails", func(t *testing.T) {
		_, err := NewOSFilesystemManager(nil, nil).FindPNGFiles(filepath.Join(t.TempDir(), "nope"))
		if err == nil {
			t.Fatal("expected error for missing root")
		}
	})
}

func TestOSFilesystemManager_Stat(t *testing.T) {
	root := t.TempDir()
	p := writeTestFile(t, root, "alice.png", "12345")
	mtime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := os.Chtimes(p, mtime, mtime); err != nil {
		t.Fatal(err)
	}

	m := NewOSFilesystemManager(nil, nil)
	st, err := m.Stat(p)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if st.Size != 5 {
		t.Errorf("Size = %d, want 5", st.Size)
	}
	if !st.ModTime.Equal(mtime) {
		t.Errorf("ModTime = %v, want %v", st.ModTime, mtime)
	}
	if st.CreatedTime().IsZero() {
		t.Error("CreatedTime() is zero")
	}

	if _, err := m.Stat(root); err == nil {
		t.Error("Stat(dir) should fail")
	}
	if _, err := m.Stat(filepath.Join(root, "missing.png")); err == nil {
		t.Error("Stat(missing) should fail")
	}
}

func TestOSFilesystemManager_Basics(t *testing.T) {
	root := t.TempDir()
	p := writeTestFile(t, root, "alice.png", "data")
	m := NewOSFilesystemManager(nil, nil)

	data, err := m.ReadFile(p)
	if err != nil || string(data) != "data" {
		t.Fatalf("ReadFile() = %q, %v", data, err)
	}
	if !m.Exists(p) || !m.Exists(root) {
		t.Error("Exists() = false for existing paths")
	}
	if !m.IsDir(root) || m.IsDir(p) {
		t.Error("IsDir() mismatch")
	}
	if err := m.Remove(p); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if m.Exists(p) {
		t.Error("Exists() = true after Remove")
	}
	if m.IsDir(filepath.Join(root, "missing")) {
		t.Error("IsDir(missing) = true")
	}
}
