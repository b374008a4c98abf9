package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arvindsha/forgeloop"
)

// memorySelect is the shared column list for workspace memory reads.
const memorySelect = `SELECT id, COALESCE(task_id,''), COALESCE(repo_path,''), COALESCE(language,''),
	mode, status, COALESCE(goal,''), COALESCE(model,''), COALESCE(summary,''),
	COALESCE(artifact_rel,''), COALESCE(zip_rel,''), COALESCE(files,''), COALESCE(session_id,''), created_at
	FROM workspace_memories`

func (s *Store) InsertMemory(ctx context.Context, rec forgeloop.WorkspaceMemoryRecord) (string, error) {
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	filesJSON := ""
	if len(rec.Files) > 0 {
		data, err := json.Marshal(rec.Files)
		if err != nil {
			return "", err
		}
		filesJSON = string(data)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspace_memories
			(id, task_id, repo_path, language, mode, status, goal, model, summary,
			 artifact_rel, zip_rel, files, session_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, rec.TaskID, rec.RepoPath, strings.ToLower(rec.Language), rec.Mode, string(rec.Status),
		rec.Goal, rec.Model, rec.Summary, rec.ArtifactRel, rec.ZipRel, filesJSON, rec.SessionID, created.Unix())
	if err != nil {
		return "", err
	}
	s.logger.Debug("sqlite: memory inserted", "id", id, "mode", rec.Mode)
	return id, nil
}

func (s *Store) SearchMemories(ctx context.Context, q forgeloop.MemoryQuery) ([]forgeloop.WorkspaceMemoryRecord, error) {
	limit := q.Limit
	if limit < 1 {
		limit = 5
	}
	if limit > 25 {
		limit = 25
	}

	var clauses []string
	var args []any
	if q.RepoPath != "" {
		variants := repoPathVariants(q.RepoPath)
		var placeholders []string
		for _, v := range variants {
			placeholders = append(placeholders, "lower(COALESCE(repo_path,'')) = ?")
			args = append(args, strings.ToLower(v))
		}
		if normalized := normalizeRepoPath(q.RepoPath); normalized != "" {
			placeholders = append(placeholders, "lower(COALESCE(repo_path,'')) LIKE ?")
			args = append(args, "%"+strings.ToLower(normalized)+"%")
		}
		clauses = append(clauses, "("+strings.Join(placeholders, " OR ")+")")
	}
	if q.Language != "" {
		lang := strings.ToLower(strings.TrimSpace(q.Language))
		clauses = append(clauses,
			`(lower(COALESCE(language,'')) = ? OR lower(COALESCE(goal,'')) LIKE ? OR lower(COALESCE(summary,'')) LIKE ?)`)
		args = append(args, lang, "%"+lang+"%", "%"+lang+"%")
	}
	if q.Query != "" {
		// Brute-force substring match over goal+summary; the Postgres
		// backend uses tsvector for the same filter.
		clauses = append(clauses, `lower(COALESCE(goal,'') || ' ' || COALESCE(summary,'')) LIKE ?`)
		args = append(args, "%"+strings.ToLower(q.Query)+"%")
	}
	if q.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, q.SessionID)
	}

	sqlText := memorySelect
	if len(clauses) > 0 {
		sqlText += " WHERE " + strings.Join(clauses, " AND ")
	}
	sqlText += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []forgeloop.WorkspaceMemoryRecord
	for rows.Next() {
		rec, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) GetMemory(ctx context.Context, id string) (*forgeloop.WorkspaceMemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, memorySelect+" WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	rec, err := scanMemory(rows)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) DeleteBootstrapMemory(ctx context.Context, mode, artifactRel string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM workspace_memories WHERE mode = ? AND artifact_rel = ?`, mode, artifactRel)
	return err
}

func scanMemory(rows *sql.Rows) (forgeloop.WorkspaceMemoryRecord, error) {
	var (
		rec       forgeloop.WorkspaceMemoryRecord
		st        string
		filesJSON string
		created   int64
	)
	err := rows.Scan(&rec.ID, &rec.TaskID, &rec.RepoPath, &rec.Language, &rec.Mode, &st,
		&rec.Goal, &rec.Model, &rec.Summary, &rec.ArtifactRel, &rec.ZipRel, &filesJSON,
		&rec.SessionID, &created)
	if err != nil {
		return rec, err
	}
	rec.Status = forgeloop.Status(st)
	rec.CreatedAt = time.Unix(created, 0)
	if filesJSON != "" {
		_ = json.Unmarshal([]byte(filesJSON), &rec.Files)
	}
	return rec, nil
}

// normalizeRepoPath trims the leading "./" and trailing "/" forms a repo
// path arrives in.
func normalizeRepoPath(p string) string {
	cleaned := strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	for strings.HasPrefix(cleaned, "./") {
		cleaned = cleaned[2:]
	}
	return strings.TrimRight(cleaned, "/")
}

// repoPathVariants enumerates the spellings under which the same repo
// path may have been stored.
func repoPathVariants(p string) []string {
	raw := strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	if raw == "" {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	add := func(v string) {
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	add(raw)
	add(strings.TrimRight(raw, "/"))
	normalized := normalizeRepoPath(raw)
	add(normalized)
	if normalized != "" {
		add("./" + normalized)
		add(normalized + "/")
		add("./" + normalized + "/")
	}
	return out
}
