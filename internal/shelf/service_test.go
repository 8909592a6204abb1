package shelf_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"cardshelf/internal/cardpng"
	"cardshelf/internal/shelf"
	"cardshelf/internal/testutil"
)

func TestNormalizeFolderPath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "/cards", want: "/cards"},
		{in: "  /cards/  ", want: "/cards"},
		{in: "/cards/sub/../", want: "/cards"},
		{in: "   ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := shelf.NormalizeFolderPath(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NormalizeFolderPath() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("NormalizeFolderPath() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestShelfService_Library(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestDatabase(t)
	svc := shelf.NewShelfService(db, testutil.NewMockFilesystemManager(), nil)

	first, err := svc.Library(ctx, "/cards")
	if err != nil {
		t.Fatalf("Library() error = %v", err)
	}
	second, err := svc.Library(ctx, " /cards/./ ")
	if err != nil {
		t.Fatalf("second Library() error = %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("Library() ids = %s, %s, want equal", first.ID, second.ID)
	}

	other, err := svc.Library(ctx, "/other")
	if err != nil {
		t.Fatalf("Library(/other) error = %v", err)
	}
	if other.ID == first.ID {
		t.Error("different folders share a library")
	}
}

// duplicateFixture indexes one card backed by two files.
func duplicateFixture(t *testing.T) (*scanFixture, string) {
	t.Helper()
	f := newScanFixture(t)
	f.fsmgr.AddFile("/cards/alice.png", testutil.CardPNG(t, cardpng.KeywordChara, aliceV2))
	f.fsmgr.AddFile("/cards/sub/alice-again.png", testutil.CardPNG(t, cardpng.KeywordChara, aliceV2Copy))
	f.run(t)

	state, err := f.db.FindFileState(context.Background(), "/cards/alice.png")
	if err != nil || state == nil {
		t.Fatalf("FindFileState() = %v, %v", state, err)
	}
	return f, state.File.CardID
}

func TestShelfService_Card(t *testing.T) {
	ctx := context.Background()
	f, id := duplicateFixture(t)

	detail, err := f.shelf.Card(ctx, id)
	if err != nil {
		t.Fatalf("Card() error = %v", err)
	}
	if len(detail.Files) != 2 {
		t.Fatalf("Files = %d, want 2", len(detail.Files))
	}
	// alice.png was added first, so it is the oldest
	if detail.PrimaryFile != "/cards/alice.png" {
		t.Errorf("PrimaryFile = %q, want /cards/alice.png", detail.PrimaryFile)
	}

	_, err = f.shelf.Card(ctx, "missing")
	if !errors.Is(err, shelf.ErrNotFound) {
		t.Errorf("Card(missing) error = %v, want ErrNotFound", err)
	}
}

func TestShelfService_SetPrimaryFile(t *testing.T) {
	ctx := context.Background()
	f, id := duplicateFixture(t)

	if err := f.shelf.SetPrimaryFile(ctx, id, "/cards/sub/alice-again.png"); err != nil {
		t.Fatalf("SetPrimaryFile() error = %v", err)
	}
	detail, _ := f.shelf.Card(ctx, id)
	if detail.PrimaryFile != "/cards/sub/alice-again.png" {
		t.Errorf("PrimaryFile = %q after override", detail.PrimaryFile)
	}

	err := f.shelf.SetPrimaryFile(ctx, id, "/cards/unrelated.png")
	if !errors.Is(err, shelf.ErrNotFound) {
		t.Errorf("SetPrimaryFile(unrelated) error = %v, want ErrNotFound", err)
	}

	if err := f.shelf.SetPrimaryFile(ctx, id, ""); err != nil {
		t.Fatalf("SetPrimaryFile(clear) error = %v", err)
	}
	detail, _ = f.shelf.Card(ctx, id)
	if detail.PrimaryFile != "/cards/alice.png" {
		t.Errorf("PrimaryFile = %q after clear", detail.PrimaryFile)
	}
}

func TestShelfService_RemoveDuplicate(t *testing.T) {
	ctx := context.Background()

	t.Run("removes file from disk and index", func(t *testing.T) {
		f, id := duplicateFixture(t)
		if err := f.shelf.SetPrimaryFile(ctx, id, "/cards/sub/alice-again.png"); err != nil {
			t.Fatal(err)
		}

		if err := f.shelf.RemoveDuplicate(ctx, id, "/cards/sub/alice-again.png"); err != nil {
			t.Fatalf("RemoveDuplicate() error = %v", err)
		}
		if f.fsmgr.Exists("/cards/sub/alice-again.png") {
			t.Error("file still on disk")
		}
		detail, err := f.shelf.Card(ctx, id)
		if err != nil {
			t.Fatalf("Card() error = %v", err)
		}
		if len(detail.Files) != 1 || detail.PrimaryFile != "/cards/alice.png" {
			t.Errorf("files = %d, primary = %q", len(detail.Files), detail.PrimaryFile)
		}
		if detail.Card.PrimaryFilePath != "" {
			t.Errorf("override = %q, want cleared", detail.Card.PrimaryFilePath)
		}
	})

	t.Run("refuses the last file", func(t *testing.T) {
		f, id := duplicateFixture(t)
		if err := f.shelf.RemoveDuplicate(ctx, id, "/cards/sub/alice-again.png"); err != nil {
			t.Fatal(err)
		}

		err := f.shelf.RemoveDuplicate(ctx, id, "/cards/alice.png")
		if !errors.Is(err, shelf.ErrLastFile) {
			t.Errorf("RemoveDuplicate() error = %v, want ErrLastFile", err)
		}
		if !f.fsmgr.Exists("/cards/alice.png") {
			t.Error("last file removed from disk")
		}
	})
}

func TestShelfService_ExportCard(t *testing.T) {
	ctx := context.Background()
	f, id := duplicateFixture(t)

	var buf bytes.Buffer
	if err := f.shelf.ExportCard(ctx, id, &buf); err != nil {
		t.Fatalf("ExportCard() error = %v", err)
	}
	// the json of whichever file was indexed last is kept byte for byte
	if got := buf.String(); got != aliceV2 && got != aliceV2Copy {
		t.Errorf("ExportCard() = %s", got)
	}

	err := f.shelf.ExportCard(ctx, "missing", &buf)
	if !errors.Is(err, shelf.ErrNotFound) {
		t.Errorf("ExportCard(missing) error = %v, want ErrNotFound", err)
	}
}

func TestShelfService_ExportCardPNG(t *testing.T) {
	ctx := context.Background()
	f := newScanFixture(t)
	f.seed(t)
	f.run(t)

	state, err := f.db.FindFileState(ctx, "/cards/Bob.PNG")
	if err != nil || state == nil {
		t.Fatalf("FindFileState(bob) = %v, %v", state, err)
	}

	var buf bytes.Buffer
	if err := f.shelf.ExportCardPNG(ctx, state.File.CardID, &buf); err != nil {
		t.Fatalf("ExportCardPNG() error = %v", err)
	}
	meta, err := cardpng.Parse(buf.Bytes())
	if err != nil || meta == nil {
		t.Fatalf("Parse(exported) = %v, %v", meta, err)
	}
	if meta.Source != cardpng.KeywordV3 {
		t.Errorf("Source = %v, want ccv3", meta.Source)
	}
	if string(meta.Raw) != bobV3 {
		t.Errorf("Raw = %s, want original json", meta.Raw)
	}

	err = f.shelf.ExportCardPNG(ctx, "missing", &buf)
	if !errors.Is(err, shelf.ErrNotFound) {
		t.Errorf("ExportCardPNG(missing) error = %v, want ErrNotFound", err)
	}
}

func TestShelfService_ListCards(t *testing.T) {
	ctx := context.Background()
	f := newScanFixture(t)
	f.seed(t)
	f.run(t)

	cards, err := f.shelf.ListCards(ctx, shelf.CardQuery{LibraryID: f.lib.ID, Sort: shelf.SortName})
	if err != nil {
		t.Fatalf("ListCards() error = %v", err)
	}
	if len(cards) != 2 || cards[0].Name != "Alice" || cards[1].Name != "Bob" {
		t.Fatalf("ListCards() = %v", cards)
	}
	if cards[0].FileCount != 2 {
		t.Errorf("Alice FileCount = %d, want 2", cards[0].FileCount)
	}

	filters, err := f.shelf.Filters(ctx, f.lib.ID)
	if err != nil {
		t.Fatalf("Filters() error = %v", err)
	}
	if len(filters.SpecVersions) != 2 {
		t.Errorf("SpecVersions = %+v, want 2.0 and 3.0", filters.SpecVersions)
	}
	if len(filters.Tags) != 1 || filters.Tags[0].Label != "Fantasy" {
		t.Errorf("Tags = %+v", filters.Tags)
	}
}
