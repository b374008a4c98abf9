// Package memory implements workspace memory: per-task
// completion summaries, bootstrap upserts for existing repository files,
// zip-upload bundles staged into the workspace, and retrieval by repo
// path, language, full-text match or session.
package memory

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/arvindsha/forgeloop"
	"github.com/arvindsha/forgeloop/sandbox"
)

// Service persists and retrieves workspace memory records. Enabled=false
// makes every write a safe no-op and every read empty.
type Service struct {
	Store   forgeloop.MemoryStore
	FS      *sandbox.FS
	Enabled bool
	Logger  *slog.Logger
}

// New builds a Service. logger may be nil.
func New(store forgeloop.MemoryStore, fs *sandbox.FS, enabled bool, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(discardHandler{})
	}
	return &Service{Store: store, FS: fs, Enabled: enabled, Logger: logger}
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// extLanguages maps file extensions to the language recorded on a memory.
var extLanguages = map[string]string{
	".java": "java", ".py": "python", ".rb": "ruby", ".js": "javascript",
	".ts": "typescript", ".cs": "csharp", ".go": "go", ".rs": "rust",
	".php": "php", ".kt": "kotlin",
}

// RecordCompletion persists a completed task outcome. Recording failures
// are logged, never fatal: memory is an enrichment, not a dependency of
// the task lifecycle.
func (s *Service) RecordCompletion(ctx context.Context, task forgeloop.Task, mode forgeloop.Mode, res forgeloop.CandidateResult, st forgeloop.Status) {
	if !s.Enabled || s.Store == nil {
		return
	}
	rec := forgeloop.WorkspaceMemoryRecord{
		TaskID:      task.ID,
		RepoPath:    normalizeRepoPath(task.Input.Repo.Path),
		Language:    inferLanguage(task, res),
		Mode:        string(mode),
		Status:      st,
		Goal:        task.Input.Goal,
		Model:       res.Model,
		Summary:     truncate(res.Content, forgeloop.MaxMemorySummaryBytes),
		ArtifactRel: res.ArtifactPath,
		ZipRel:      res.ZipURL,
		Files:       trimFiles(res.Files),
		SessionID:   normalizeSessionID(task.Metadata.SessionID),
	}
	if _, err := s.Store.InsertMemory(ctx, rec); err != nil {
		s.Logger.Warn("memory: record completion failed", "task_id", task.ID, "error", err)
	}
}

// UpsertBootstrap deletes any prior bootstrap memory for the same
// artifact path, then inserts a fresh one describing relPath's content.
func (s *Service) UpsertBootstrap(ctx context.Context, relPath, content, language, repoPath, sessionID string) (string, error) {
	if !s.Enabled || s.Store == nil {
		return "", nil
	}
	cleaned := strings.TrimPrefix(filepath.ToSlash(relPath), "./")
	if language == "" {
		language = extLanguages[strings.ToLower(filepath.Ext(cleaned))]
	}
	if err := s.Store.DeleteBootstrapMemory(ctx, "bootstrap", cleaned); err != nil {
		return "", err
	}
	return s.Store.InsertMemory(ctx, forgeloop.WorkspaceMemoryRecord{
		RepoPath:    normalizeRepoPath(repoPath),
		Language:    language,
		Mode:        "bootstrap",
		Status:      forgeloop.StatusDone,
		Goal:        "Bootstrap file: " + cleaned,
		Model:       "bootstrap-ingest",
		Summary:     truncate(content, forgeloop.MaxMemorySummaryBytes),
		ArtifactRel: cleaned,
		Files:       map[string]string{cleaned: truncate(content, forgeloop.MaxMemoryFileBytes)},
		SessionID:   normalizeSessionID(sessionID),
	})
}

// Search delegates to the store with the enabled-flag guard.
func (s *Service) Search(ctx context.Context, q forgeloop.MemoryQuery) ([]forgeloop.WorkspaceMemoryRecord, error) {
	if !s.Enabled || s.Store == nil {
		return nil, nil
	}
	return s.Store.SearchMemories(ctx, q)
}

// Get delegates to the store with the enabled-flag guard.
func (s *Service) Get(ctx context.Context, id string) (*forgeloop.WorkspaceMemoryRecord, error) {
	if !s.Enabled || s.Store == nil {
		return nil, nil
	}
	return s.Store.GetMemory(ctx, id)
}

// inferLanguage prefers a language detectable from the produced files
// over the task's declared hint.
func inferLanguage(task forgeloop.Task, res forgeloop.CandidateResult) string {
	if res.ArtifactPath != "" {
		if lang, ok := extLanguages[strings.ToLower(filepath.Ext(res.ArtifactPath))]; ok {
			return lang
		}
	}
	for rel := range res.Files {
		if lang, ok := extLanguages[strings.ToLower(filepath.Ext(rel))]; ok {
			return lang
		}
	}
	return strings.ToLower(strings.TrimSpace(task.Input.Language))
}

// trimFiles keeps at most MaxMemoryFileEntries files, each truncated to
// MaxMemoryFileBytes.
func trimFiles(files map[string][]byte) map[string]string {
	if len(files) == 0 {
		return nil
	}
	keys := make([]string, 0, len(files))
	for k := range files {
		keys = append(keys, k)
	}
	// Deterministic subset: lexicographic order.
	sort.Strings(keys)
	out := make(map[string]string, forgeloop.MaxMemoryFileEntries)
	for _, k := range keys {
		if len(out) >= forgeloop.MaxMemoryFileEntries {
			break
		}
		out[k] = truncate(string(files[k]), forgeloop.MaxMemoryFileBytes)
	}
	return out
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

// normalizeSessionID keeps only well-formed UUIDs, dropping anything
// else rather than persisting junk keys.
func normalizeSessionID(raw string) string {
	if raw == "" {
		return ""
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return ""
	}
	return id.String()
}

func normalizeRepoPath(p string) string {
	cleaned := strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	for strings.HasPrefix(cleaned, "./") {
		cleaned = cleaned[2:]
	}
	return strings.TrimRight(cleaned, "/")
}

