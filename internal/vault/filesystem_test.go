package vault

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewFileSystemVault(t *testing.T) {
	t.Run("creates vault directory", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "vault")

		v, err := NewFileSystemVault("laptop", root)
		if err != nil {
			t.Fatalf("NewFileSystemVault() error = %v", err)
		}

		if _, err := os.Stat(filepath.Join(root, "laptop")); err != nil {
			t.Errorf("vault directory not created: %v", err)
		}
		if v.name != "laptop" {
			t.Errorf("name = %q, want %q", v.name, "laptop")
		}
	})

	t.Run("requires a name", func(t *testing.T) {
		if _, err := NewFileSystemVault("", t.TempDir()); err == nil {
			t.Fatal("NewFileSystemVault() expected error for empty name")
		}
	})
}

func TestFileSystemVault_Put(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		object  string
		data    string
		size    int64
		wantErr bool
	}{
		{name: "store object successfully", object: "index.db", data: "sqlite bytes", size: 12},
		{name: "size mismatch", object: "index.db", data: "short", size: 100, wantErr: true},
		{name: "empty object", object: "index.db.age", data: "", size: 0},
		{name: "path traversal rejected", object: "../escape", data: "x", size: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := NewFileSystemVault("test", t.TempDir())
			if err != nil {
				t.Fatalf("NewFileSystemVault() error = %v", err)
			}

			err = v.Put(ctx, tt.object, strings.NewReader(tt.data), tt.size, 7)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Put() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			data, err := os.ReadFile(filepath.Join(v.dir, tt.object))
			if err != nil {
				t.Fatalf("failed to read object file: %v", err)
			}
			if string(data) != tt.data {
				t.Errorf("content = %q, want %q", string(data), tt.data)
			}
		})
	}
}

func TestFileSystemVault_GetAndVersion(t *testing.T) {
	ctx := context.Background()
	v, err := NewFileSystemVault("test", t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}

	t.Run("missing object has version 0", func(t *testing.T) {
		got, err := v.Version(ctx, "index.db")
		if err != nil {
			t.Fatalf("Version() error = %v", err)
		}
		if got != 0 {
			t.Errorf("Version() = %d, want 0", got)
		}
	})

	t.Run("overwrite keeps latest content and version", func(t *testing.T) {
		if err := v.Put(ctx, "index.db", strings.NewReader("v1"), 2, 100); err != nil {
			t.Fatalf("first Put() error = %v", err)
		}
		if err := v.Put(ctx, "index.db", strings.NewReader("v2"), 2, 200); err != nil {
			t.Fatalf("second Put() error = %v", err)
		}

		var buf bytes.Buffer
		if err := v.Get(ctx, "index.db", &buf); err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if buf.String() != "v2" {
			t.Errorf("content = %q, want %q", buf.String(), "v2")
		}

		got, err := v.Version(ctx, "index.db")
		if err != nil {
			t.Fatalf("Version() error = %v", err)
		}
		if got != 200 {
			t.Errorf("Version() = %d, want 200", got)
		}
	})

	t.Run("object not found", func(t *testing.T) {
		var buf bytes.Buffer
		err := v.Get(ctx, "index.db.age", &buf)
		if err == nil {
			t.Fatal("Get() expected error for missing object")
		}
		if !strings.Contains(err.Error(), "object not found") {
			t.Errorf("error = %v, want error containing 'object not found'", err)
		}
	})
}

func TestFileSystemVault_ValidateSetup(t *testing.T) {
	ctx := context.Background()

	t.Run("valid setup", func(t *testing.T) {
		v, err := NewFileSystemVault("test", t.TempDir())
		if err != nil {
			t.Fatalf("NewFileSystemVault() error = %v", err)
		}

		if err := v.ValidateSetup(ctx); err != nil {
			t.Errorf("ValidateSetup() error = %v", err)
		}
	})

	t.Run("missing directory", func(t *testing.T) {
		v := &FileSystemVault{name: "test", root: "/nonexistent/path", dir: "/nonexistent/path/test"}

		if err := v.ValidateSetup(ctx); err == nil {
			t.Error("ValidateSetup() expected error for missing directory")
		}
	})
}

func TestFileSystemVault_AtomicWrite(t *testing.T) {
	v, err := NewFileSystemVault("test", t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}

	data := "hello world"
	if err := v.Put(context.Background(), "index.db", strings.NewReader(data), int64(len(data)), 1); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := v.Put(context.Background(), "index.db", strings.NewReader(data), 3, 2); err == nil {
		t.Fatal("Put() expected size mismatch error")
	}

	entries, err := os.ReadDir(v.dir)
	if err != nil {
		t.Fatalf("failed to read vault dir: %v", err)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", entry.Name())
		}
	}
}
