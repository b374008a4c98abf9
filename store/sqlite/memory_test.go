package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/arvindsha/forgeloop"
)

func insertMem(t *testing.T, s *Store, rec forgeloop.WorkspaceMemoryRecord) string {
	t.Helper()
	id, err := s.InsertMemory(context.Background(), rec)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestMemoryInsertGet(t *testing.T) {
	s := newTestStore(t)
	rec := forgeloop.WorkspaceMemoryRecord{
		TaskID:   "task-1",
		RepoPath: "demo",
		Language: "Java",
		Mode:     "code",
		Status:   forgeloop.StatusDone,
		Goal:     "Write a Greeter class",
		Model:    "m:7b",
		Summary:  "Generated Greeter.java with a greet method.",
		Files:    map[string]string{"src/main/java/Greeter.java": "public class Greeter {}"},
	}
	id := insertMem(t, s, rec)

	got, err := s.GetMemory(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("memory not found")
	}
	if got.Language != "java" {
		t.Fatalf("language not lowercased: %q", got.Language)
	}
	if got.Files["src/main/java/Greeter.java"] == "" {
		t.Fatalf("files JSON lost: %+v", got.Files)
	}
}

func TestMemorySearchBySession(t *testing.T) {
	s := newTestStore(t)
	insertMem(t, s, forgeloop.WorkspaceMemoryRecord{Mode: "upload", Status: forgeloop.StatusDone, SessionID: "sess-a", Goal: "bundle"})
	insertMem(t, s, forgeloop.WorkspaceMemoryRecord{Mode: "code", Status: forgeloop.StatusDone, SessionID: "sess-b", Goal: "other"})

	got, err := s.SearchMemories(context.Background(), forgeloop.MemoryQuery{SessionID: "sess-a", Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].SessionID != "sess-a" {
		t.Fatalf("session filter: %+v", got)
	}
}

func TestMemorySearchRepoPathVariants(t *testing.T) {
	s := newTestStore(t)
	insertMem(t, s, forgeloop.WorkspaceMemoryRecord{Mode: "code", Status: forgeloop.StatusDone, RepoPath: "uploads/abc/demo", Goal: "x"})

	for _, probe := range []string{"uploads/abc/demo", "./uploads/abc/demo", "uploads/abc/demo/"} {
		got, err := s.SearchMemories(context.Background(), forgeloop.MemoryQuery{RepoPath: probe})
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 {
			t.Fatalf("repo path variant %q missed the row", probe)
		}
	}
}

func TestMemorySearchFullText(t *testing.T) {
	s := newTestStore(t)
	insertMem(t, s, forgeloop.WorkspaceMemoryRecord{Mode: "code", Status: forgeloop.StatusDone, Goal: "Build a payment gateway", Summary: "Implements checkout flow"})
	insertMem(t, s, forgeloop.WorkspaceMemoryRecord{Mode: "code", Status: forgeloop.StatusDone, Goal: "Unrelated", Summary: "Nothing here"})

	got, err := s.SearchMemories(context.Background(), forgeloop.MemoryQuery{Query: "checkout"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Goal != "Build a payment gateway" {
		t.Fatalf("full-text filter: %+v", got)
	}
}

func TestMemorySearchLimitClamp(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 30; i++ {
		insertMem(t, s, forgeloop.WorkspaceMemoryRecord{
			Mode:      "code",
			Status:    forgeloop.StatusDone,
			Goal:      "g",
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		})
	}
	got, err := s.SearchMemories(context.Background(), forgeloop.MemoryQuery{Limit: 100})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 25 {
		t.Fatalf("limit not clamped to 25: got %d", len(got))
	}
}

func TestMemorySearchOrdersNewestFirst(t *testing.T) {
	s := newTestStore(t)
	old := time.Now().Add(-time.Hour)
	insertMem(t, s, forgeloop.WorkspaceMemoryRecord{Mode: "code", Status: forgeloop.StatusDone, Goal: "old", CreatedAt: old})
	insertMem(t, s, forgeloop.WorkspaceMemoryRecord{Mode: "code", Status: forgeloop.StatusDone, Goal: "new", CreatedAt: time.Now()})

	got, err := s.SearchMemories(context.Background(), forgeloop.MemoryQuery{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Goal != "new" {
		t.Fatalf("order: %+v", got)
	}
}

func TestDeleteBootstrapMemory(t *testing.T) {
	s := newTestStore(t)
	insertMem(t, s, forgeloop.WorkspaceMemoryRecord{Mode: "bootstrap", Status: forgeloop.StatusDone, ArtifactRel: "app/main.py", Goal: "Bootstrap file: app/main.py"})

	if err := s.DeleteBootstrapMemory(context.Background(), "bootstrap", "app/main.py"); err != nil {
		t.Fatal(err)
	}
	got, err := s.SearchMemories(context.Background(), forgeloop.MemoryQuery{Query: "Bootstrap"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("bootstrap row survived delete: %+v", got)
	}
}
