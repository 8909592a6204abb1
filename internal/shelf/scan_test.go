package shelf_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"cardshelf/internal/cardpng"
	"cardshelf/internal/database"
	"cardshelf/internal/shelf"
	"cardshelf/internal/testutil"
)

const (
	aliceV2 = `{"spec":"chara_card_v2","spec_version":"2.0","data":{"name":"Alice","description":"A curious girl.","personality":"","scenario":"","first_mes":"Hello!","mes_example":"","creator_notes":"","system_prompt":"","post_history_instructions":"","alternate_greetings":[],"tags":["Fantasy"],"creator":"ann","character_version":"1","extensions":{},"creation_date":1700000000}}`
	// same card, exported again later
	aliceV2Copy = `{"spec":"chara_card_v2","spec_version":"2.0","data":{"name":"Alice","description":"A curious girl.","personality":"","scenario":"","first_mes":"Hello!","mes_example":"","creator_notes":"","system_prompt":"","post_history_instructions":"","alternate_greetings":[],"tags":["Fantasy"],"creator":"ann","character_version":"1","extensions":{},"creation_date":1800000000,"modification_date":1800000001}}`
	bobV3 = `{"spec":"chara_card_v3","spec_version":"3.0","data":{"name":"Bob","description":"A builder.","first_mes":"Can we fix it?","alternate_greetings":["Yes we can!"]}}`
)

type scanFixture struct {
	db     *database.SQLiteDatabase
	fsmgr  *testutil.MockFilesystemManager
	thumbs *testutil.StubThumbnailer
	scan   *shelf.ScanService
	shelf  *shelf.ShelfService
	lib    *shelf.Library
}

func newScanFixture(t *testing.T) *scanFixture {
	t.Helper()

	db := testutil.NewTestDatabase(t)
	fsmgr := testutil.NewMockFilesystemManager()
	fsmgr.AddDirectory("/cards")
	thumbs := testutil.NewStubThumbnailer()

	svc := shelf.NewShelfService(db, fsmgr, nil)
	lib, err := svc.Library(context.Background(), "/cards")
	if err != nil {
		t.Fatalf("Library() error = %v", err)
	}

	return &scanFixture{
		db:     db,
		fsmgr:  fsmgr,
		thumbs: thumbs,
		scan:   shelf.NewScanService(db, fsmgr, thumbs, nil, testutil.NewPrefixedIDGenerator("card")),
		shelf:  svc,
		lib:    lib,
	}
}

func (f *scanFixture) run(t *testing.T) *shelf.ScanResult {
	t.Helper()
	res, err := f.scan.ScanFolder(context.Background(), "/cards", f.lib.ID, nil)
	if err != nil {
		t.Fatalf("ScanFolder() error = %v", err)
	}
	return res
}

func (f *scanFixture) count(t *testing.T) int {
	t.Helper()
	n, err := f.db.CountCards(context.Background(), f.lib.ID)
	if err != nil {
		t.Fatalf("CountCards() error = %v", err)
	}
	return n
}

// seed writes the standard library: two distinct cards, a duplicate, a
// broken png and a non-png file.
func (f *scanFixture) seed(t *testing.T) {
	t.Helper()
	f.fsmgr.AddFile("/cards/alice.png", testutil.CardPNG(t, cardpng.KeywordChara, aliceV2))
	f.fsmgr.AddFile("/cards/Bob.PNG", testutil.CardPNG(t, cardpng.KeywordV3, bobV3))
	f.fsmgr.AddFile("/cards/sub/alice-again.png", testutil.CardPNG(t, cardpng.KeywordChara, aliceV2Copy))
	f.fsmgr.AddFile("/cards/broken.png", []byte("definitely not a png"))
	f.fsmgr.AddFile("/cards/notes.txt", []byte("hello"))
}

func TestScanService_ScanFolder(t *testing.T) {
	ctx := context.Background()

	t.Run("indexes cards and collapses duplicates", func(t *testing.T) {
		f := newScanFixture(t)
		f.seed(t)

		res := f.run(t)

		if res.TotalFiles != 4 || res.ProcessedFiles != 4 {
			t.Errorf("TotalFiles = %d, ProcessedFiles = %d, want 4/4", res.TotalFiles, res.ProcessedFiles)
		}
		if res.Indexed != 3 || res.Failed != 1 {
			t.Errorf("Indexed = %d, Failed = %d, want 3/1", res.Indexed, res.Failed)
		}
		if n := f.count(t); n != 2 {
			t.Fatalf("CountCards() = %d, want 2", n)
		}

		files, err := f.db.ListCardFiles(ctx, f.lib.ID)
		if err != nil {
			t.Fatalf("ListCardFiles() error = %v", err)
		}
		if len(files) != 3 {
			t.Errorf("tracked files = %d, want 3", len(files))
		}

		state, err := f.db.FindFileState(ctx, "/cards/alice.png")
		if err != nil || state == nil {
			t.Fatalf("FindFileState(alice) = %v, %v", state, err)
		}
		copyState, _ := f.db.FindFileState(ctx, "/cards/sub/alice-again.png")
		if copyState == nil || copyState.File.CardID != state.File.CardID {
			t.Errorf("duplicate mapped to %v, want card %s", copyState, state.File.CardID)
		}
	})

	t.Run("same card under a different chunk keyword is a duplicate", func(t *testing.T) {
		f := newScanFixture(t)
		f.fsmgr.AddFile("/cards/alice.png", testutil.CardPNG(t, cardpng.KeywordChara, aliceV2))
		f.fsmgr.AddFile("/cards/bob.png", testutil.CardPNG(t, cardpng.KeywordV3, bobV3))
		f.fsmgr.AddFile("/cards/bob-chara.png", testutil.CardPNG(t, cardpng.KeywordChara, bobV3))

		res := f.run(t)

		if res.TotalFiles != 3 || res.Indexed != 3 {
			t.Errorf("TotalFiles = %d, Indexed = %d, want 3/3", res.TotalFiles, res.Indexed)
		}
		if n := f.count(t); n != 2 {
			t.Fatalf("CountCards() = %d, want 2", n)
		}

		state, err := f.db.FindFileState(ctx, "/cards/bob.png")
		if err != nil || state == nil {
			t.Fatalf("FindFileState(bob) = %v, %v", state, err)
		}
		files, err := f.db.ListFilesForCard(ctx, state.File.CardID)
		if err != nil {
			t.Fatalf("ListFilesForCard() error = %v", err)
		}
		if len(files) != 2 {
			t.Errorf("bob files = %d, want 2", len(files))
		}
	})

	t.Run("logs the guessed version of a card that fails validation", func(t *testing.T) {
		f := newScanFixture(t)
		logger := testutil.NewRecordingLogger()
		scan := shelf.NewScanService(f.db, f.fsmgr, f.thumbs, logger, testutil.NewStubIDGenerator())
		f.fsmgr.AddFile("/cards/hollow.png", testutil.CardPNG(t, cardpng.KeywordChara, `{"spec":"chara_card_v2","spec_version":"2.0"}`))

		res, err := scan.ScanFolder(ctx, "/cards", f.lib.ID, nil)
		if err != nil {
			t.Fatalf("ScanFolder() error = %v", err)
		}
		if res.Failed != 1 {
			t.Errorf("Failed = %d, want 1", res.Failed)
		}
		lines := logger.Lines("skipping file")
		if len(lines) != 1 || !strings.Contains(lines[0], "markers suggest chara_card_v2") || !strings.Contains(lines[0], "hollow.png") {
			t.Errorf("skip log = %q, want path and chara_card_v2 hint", lines)
		}
	})

	t.Run("stores extracted fields", func(t *testing.T) {
		f := newScanFixture(t)
		f.seed(t)
		f.run(t)

		cards, err := f.db.ListCards(ctx, shelf.CardQuery{LibraryID: f.lib.ID, Name: "bob"})
		if err != nil || len(cards) != 1 {
			t.Fatalf("ListCards(bob) = %v, %v", cards, err)
		}
		bob, err := f.db.GetCard(ctx, cards[0].ID)
		if err != nil {
			t.Fatalf("GetCard() error = %v", err)
		}
		if bob.Spec.String() != "3.0" || bob.FirstMes != "Can we fix it?" {
			t.Errorf("bob = spec %s, first_mes %q", bob.Spec, bob.FirstMes)
		}
		if bob.Derived.AlternateGreetingsCount != 1 {
			t.Errorf("AlternateGreetingsCount = %d, want 1", bob.Derived.AlternateGreetingsCount)
		}
		if bob.Derived.PromptTokensEst == 0 {
			t.Error("PromptTokensEst = 0, want estimate")
		}
		if string(bob.Original) != bobV3 {
			t.Errorf("Original = %s, want input verbatim", bob.Original)
		}
	})

	t.Run("generates one thumbnail per card", func(t *testing.T) {
		f := newScanFixture(t)
		f.seed(t)
		f.run(t)

		if got := f.thumbs.Count(); got != 2 {
			t.Errorf("thumbnails = %d, want 2", got)
		}
		cards, _ := f.db.ListCards(ctx, shelf.CardQuery{LibraryID: f.lib.ID})
		for _, c := range cards {
			if !strings.HasSuffix(c.AvatarPath, c.ID+".jpg") {
				t.Errorf("card %s AvatarPath = %q", c.ID, c.AvatarPath)
			}
		}
	})

	t.Run("thumbnail failure does not fail the file", func(t *testing.T) {
		f := newScanFixture(t)
		f.thumbs.Err = errors.New("decoder exploded")
		f.fsmgr.AddFile("/cards/alice.png", testutil.CardPNG(t, cardpng.KeywordChara, aliceV2))

		res := f.run(t)
		if res.Indexed != 1 || res.Failed != 0 {
			t.Errorf("Indexed = %d, Failed = %d, want 1/0", res.Indexed, res.Failed)
		}
	})

	t.Run("second scan skips unchanged files", func(t *testing.T) {
		f := newScanFixture(t)
		f.seed(t)
		f.run(t)

		res := f.run(t)
		if res.Unchanged != 3 || res.Indexed != 0 {
			t.Errorf("Unchanged = %d, Indexed = %d, want 3/0", res.Unchanged, res.Indexed)
		}
		if got := f.fsmgr.Reads("/cards/alice.png"); got != 1 {
			t.Errorf("alice.png read %d times, want 1", got)
		}
		if n := f.count(t); n != 2 {
			t.Errorf("CountCards() = %d, want 2", n)
		}
	})

	t.Run("edited file updates its card in place", func(t *testing.T) {
		f := newScanFixture(t)
		f.seed(t)
		f.run(t)
		before, _ := f.db.FindFileState(ctx, "/cards/Bob.PNG")

		f.fsmgr.WriteFile("/cards/Bob.PNG", testutil.CardPNG(t, cardpng.KeywordV3,
			strings.Replace(bobV3, "A builder.", "A master builder.", 1)))
		res := f.run(t)

		if res.Indexed != 1 || res.Unchanged != 2 {
			t.Errorf("Indexed = %d, Unchanged = %d, want 1/2", res.Indexed, res.Unchanged)
		}
		c, err := f.db.GetCard(ctx, before.File.CardID)
		if err != nil || c == nil {
			t.Fatalf("GetCard() = %v, %v", c, err)
		}
		if c.Description != "A master builder." {
			t.Errorf("Description = %q", c.Description)
		}
	})

	t.Run("deleted files are cleaned up", func(t *testing.T) {
		f := newScanFixture(t)
		f.seed(t)
		f.run(t)
		bob, _ := f.db.FindFileState(ctx, "/cards/Bob.PNG")

		if err := f.fsmgr.Remove("/cards/Bob.PNG"); err != nil {
			t.Fatal(err)
		}
		if err := f.fsmgr.Remove("/cards/sub/alice-again.png"); err != nil {
			t.Fatal(err)
		}
		res := f.run(t)

		if res.RemovedFiles != 2 || res.RemovedCards != 1 {
			t.Errorf("RemovedFiles = %d, RemovedCards = %d, want 2/1", res.RemovedFiles, res.RemovedCards)
		}
		if n := f.count(t); n != 1 {
			t.Errorf("CountCards() = %d, want 1", n)
		}
		if f.thumbs.Has(bob.File.CardID) {
			t.Error("thumbnail of removed card still present")
		}
	})

	t.Run("file rewritten to match another card merges them", func(t *testing.T) {
		f := newScanFixture(t)
		f.seed(t)
		f.run(t)
		bob, _ := f.db.FindFileState(ctx, "/cards/Bob.PNG")

		f.fsmgr.WriteFile("/cards/Bob.PNG", testutil.CardPNG(t, cardpng.KeywordChara, aliceV2))
		f.run(t)

		if n := f.count(t); n != 1 {
			t.Errorf("CountCards() = %d, want 1", n)
		}
		if f.thumbs.Has(bob.File.CardID) {
			t.Error("thumbnail of merged card still present")
		}
	})

	t.Run("missing folder", func(t *testing.T) {
		f := newScanFixture(t)

		_, err := f.scan.ScanFolder(ctx, "/nowhere", f.lib.ID, nil)
		if !errors.Is(err, shelf.ErrFolderNotFound) {
			t.Errorf("ScanFolder() error = %v, want ErrFolderNotFound", err)
		}
	})

	t.Run("unreadable file is skipped", func(t *testing.T) {
		f := newScanFixture(t)
		f.seed(t)
		f.fsmgr.FailRead("/cards/alice.png", errors.New("permission denied"))

		res := f.run(t)
		if res.Failed != 2 {
			t.Errorf("Failed = %d, want 2", res.Failed)
		}
		if n := f.count(t); n != 2 {
			t.Errorf("CountCards() = %d, want 2 (alice still indexed from its copy)", n)
		}
	})

	t.Run("cancelled context stops the scan", func(t *testing.T) {
		f := newScanFixture(t)
		f.seed(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		if _, err := f.scan.ScanFolder(cctx, "/cards", f.lib.ID, make(chan shelf.Progress)); err == nil {
			t.Error("ScanFolder() expected error for cancelled context")
		}
	})
}

func TestScanService_Progress(t *testing.T) {
	f := newScanFixture(t)
	f.seed(t)
	for i := 0; i < 20; i++ {
		f.fsmgr.AddFile("/cards/extra/"+string(rune('a'+i))+".png", testutil.CardPNG(t, cardpng.KeywordChara, testutil.V1Card(string(rune('A'+i)), "extra")))
	}
	f.scan.SetConcurrency(3)

	progress := make(chan shelf.Progress, 64)
	res, err := f.scan.ScanFolder(context.Background(), "/cards", f.lib.ID, progress)
	if err != nil {
		t.Fatalf("ScanFolder() error = %v", err)
	}
	close(progress)

	var got []shelf.Progress
	for p := range progress {
		got = append(got, p)
	}
	if len(got) != res.TotalFiles+1 {
		t.Fatalf("progress messages = %d, want %d", len(got), res.TotalFiles+1)
	}
	if got[0].Kind != shelf.ProgressStarted || got[0].Total != 24 {
		t.Errorf("first message = %+v, want started with total 24", got[0])
	}
	for i, p := range got[1:] {
		if p.Kind != shelf.ProgressFile || p.Processed != i+1 || p.Total != 24 {
			t.Errorf("message %d = %+v, want processed %d", i+1, p, i+1)
		}
	}
}
