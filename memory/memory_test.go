package memory

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/arvindsha/forgeloop"
	"github.com/arvindsha/forgeloop/sandbox"
	"github.com/arvindsha/forgeloop/store/sqlite"
)

func newTestService(t *testing.T) (*Service, *sqlite.Store) {
	t.Helper()
	store := sqlite.New(filepath.Join(t.TempDir(), "mem.db"))
	t.Cleanup(func() { store.Close() })
	if err := store.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	fs, err := sandbox.NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return New(store, fs, true, nil), store
}

func TestRecordCompletionTrimsPayload(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	files := map[string][]byte{}
	for i := 0; i < 12; i++ {
		files[strings.Repeat("f", i+1)+".java"] = bytes.Repeat([]byte("x"), 10_000)
	}
	task := forgeloop.Task{
		ID:       "t1",
		Type:     forgeloop.TaskCode,
		Input:    forgeloop.Input{Language: "java", Goal: "build", Repo: forgeloop.RepoSpec{Path: "./demo/"}},
		Metadata: forgeloop.Metadata{SessionID: "2f2d64c4-9529-4d48-a0a4-97d9e5f9c3aa"},
	}
	res := forgeloop.CandidateResult{
		Model:   "m:7b",
		Content: strings.Repeat("s", 10_000),
		Files:   files,
	}
	svc.RecordCompletion(ctx, task, forgeloop.ModeCode, res, forgeloop.StatusDone)

	recs, err := store.SearchMemories(ctx, forgeloop.MemoryQuery{SessionID: "2f2d64c4-9529-4d48-a0a4-97d9e5f9c3aa"})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %d", len(recs))
	}
	rec := recs[0]
	if len(rec.Summary) > forgeloop.MaxMemorySummaryBytes {
		t.Fatalf("summary not capped: %d bytes", len(rec.Summary))
	}
	if len(rec.Files) > forgeloop.MaxMemoryFileEntries {
		t.Fatalf("file entries not capped: %d", len(rec.Files))
	}
	for rel, content := range rec.Files {
		if len(content) > forgeloop.MaxMemoryFileBytes {
			t.Fatalf("file %s not truncated: %d bytes", rel, len(content))
		}
	}
	if rec.RepoPath != "demo" {
		t.Fatalf("repo path not normalized: %q", rec.RepoPath)
	}
}

func TestRecordCompletionDisabledIsNoop(t *testing.T) {
	svc, store := newTestService(t)
	svc.Enabled = false
	svc.RecordCompletion(context.Background(), forgeloop.Task{ID: "t"}, forgeloop.ModeChat, forgeloop.CandidateResult{}, forgeloop.StatusDone)
	recs, err := store.SearchMemories(context.Background(), forgeloop.MemoryQuery{Limit: 25})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Fatalf("disabled service wrote %d rows", len(recs))
	}
}

func TestUpsertBootstrapReplacesPrior(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	if _, err := svc.UpsertBootstrap(ctx, "./app/main.py", "print('v1')", "", "demo", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.UpsertBootstrap(ctx, "app/main.py", "print('v2')", "", "demo", ""); err != nil {
		t.Fatal(err)
	}

	recs, err := store.SearchMemories(ctx, forgeloop.MemoryQuery{Query: "Bootstrap file", Limit: 25})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("bootstrap upsert left %d rows, want 1", len(recs))
	}
	if !strings.Contains(recs[0].Summary, "v2") {
		t.Fatalf("stale bootstrap content: %q", recs[0].Summary)
	}
	if recs[0].Language != "python" {
		t.Fatalf("language not detected: %q", recs[0].Language)
	}
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestStageUploadBundle(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	session := "2f2d64c4-9529-4d48-a0a4-97d9e5f9c3aa"

	data := buildZip(t, map[string]string{
		"src/App.java": "public class App {}\n",
		"README.md":    "# demo\n",
	})
	res, err := svc.StageUpload(ctx, session, "demo", data)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Files) != 2 {
		t.Fatalf("staged files = %v", res.Files)
	}
	if !strings.HasPrefix(res.StageRel, "uploads/") {
		t.Fatalf("stage rel = %q", res.StageRel)
	}

	recs, err := store.SearchMemories(ctx, forgeloop.MemoryQuery{SessionID: session})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("upload memories = %d, want exactly 1", len(recs))
	}
	if recs[0].Mode != "upload" {
		t.Fatalf("mode = %q", recs[0].Mode)
	}
	if len(recs[0].Files) == 0 {
		t.Fatal("upload bundle kept no file previews")
	}
}

func TestStageUploadRejectsOversize(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.StageUpload(context.Background(), "s", "big", make([]byte, MaxUploadBytes+1))
	var ve *forgeloop.ErrValidation
	if !errors.As(err, &ve) {
		t.Fatalf("want ErrValidation, got %v", err)
	}
}

func TestStageUploadRejectsTooManyMembers(t *testing.T) {
	svc, _ := newTestService(t)
	files := map[string]string{}
	for i := 0; i < MaxUploadMembers+1; i++ {
		files["f/"+strconv.Itoa(i)+".txt"] = "x"
	}
	data := buildZip(t, files)
	_, err := svc.StageUpload(context.Background(), "s", "many", data)
	var ve *forgeloop.ErrValidation
	if !errors.As(err, &ve) {
		t.Fatalf("want ErrValidation, got %v", err)
	}
}

func TestStageUploadSkipsEscapingMembers(t *testing.T) {
	svc, _ := newTestService(t)
	data := buildZip(t, map[string]string{
		"../escape.txt": "nope",
		"ok.txt":        "fine",
	})
	res, err := svc.StageUpload(context.Background(), "s", "mixed", data)
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range res.Files {
		if strings.Contains(f, "..") {
			t.Fatalf("escaping member staged: %v", res.Files)
		}
	}
	if len(res.Files) != 1 || res.Files[0] != "ok.txt" {
		t.Fatalf("staged = %v", res.Files)
	}
}
