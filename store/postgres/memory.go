package postgres

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/arvindsha/forgeloop"
)

const memorySelect = `SELECT id, COALESCE(task_id,''), COALESCE(repo_path,''), COALESCE(language,''),
	mode, status, COALESCE(goal,''), COALESCE(model,''), COALESCE(summary,''),
	COALESCE(artifact_rel,''), COALESCE(zip_rel,''), files, COALESCE(session_id,''), created_at
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
	var filesJSON []byte
	if len(rec.Files) > 0 {
		var err error
		filesJSON, err = json.Marshal(rec.Files)
		if err != nil {
			return "", err
		}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO workspace_memories
			(id, task_id, repo_path, language, mode, status, goal, model, summary,
			 artifact_rel, zip_rel, files, session_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		id, rec.TaskID, rec.RepoPath, strings.ToLower(rec.Language), rec.Mode, string(rec.Status),
		rec.Goal, rec.Model, rec.Summary, rec.ArtifactRel, rec.ZipRel, filesJSON, rec.SessionID, created)
	if err != nil {
		return "", err
	}
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
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if q.RepoPath != "" {
		variants := repoPathVariants(q.RepoPath)
		var placeholders []string
		for _, v := range variants {
			placeholders = append(placeholders, "lower(COALESCE(repo_path,'')) = "+arg(strings.ToLower(v)))
		}
		if normalized := normalizeRepoPath(q.RepoPath); normalized != "" {
			placeholders = append(placeholders, "lower(COALESCE(repo_path,'')) LIKE "+arg("%"+strings.ToLower(normalized)+"%"))
		}
		clauses = append(clauses, "("+strings.Join(placeholders, " OR ")+")")
	}
	if q.Language != "" {
		lang := strings.ToLower(strings.TrimSpace(q.Language))
		p1, p2 := arg(lang), arg("%"+lang+"%")
		clauses = append(clauses,
			"(lower(COALESCE(language,'')) = "+p1+
				" OR lower(COALESCE(goal,'')) LIKE "+p2+
				" OR lower(COALESCE(summary,'')) LIKE "+p2+")")
	}
	if q.Query != "" {
		clauses = append(clauses,
			"to_tsvector('english', COALESCE(goal,'') || ' ' || COALESCE(summary,'')) @@ plainto_tsquery("+arg(q.Query)+")")
	}
	if q.SessionID != "" {
		clauses = append(clauses, "session_id = "+arg(q.SessionID))
	}

	sqlText := memorySelect
	if len(clauses) > 0 {
		sqlText += " WHERE " + strings.Join(clauses, " AND ")
	}
	sqlText += " ORDER BY created_at DESC, id DESC LIMIT " + arg(limit)

	rows, err := s.pool.Query(ctx, sqlText, args...)
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
	rows, err := s.pool.Query(ctx, memorySelect+" WHERE id = $1", id)
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
	_, err := s.pool.Exec(ctx,
		`DELETE FROM workspace_memories WHERE mode = $1 AND artifact_rel = $2`, mode, artifactRel)
	return err
}

func scanMemory(rows pgx.Rows) (forgeloop.WorkspaceMemoryRecord, error) {
	var (
		rec       forgeloop.WorkspaceMemoryRecord
		st        string
		filesJSON []byte
		created   time.Time
	)
	err := rows.Scan(&rec.ID, &rec.TaskID, &rec.RepoPath, &rec.Language, &rec.Mode, &st,
		&rec.Goal, &rec.Model, &rec.Summary, &rec.ArtifactRel, &rec.ZipRel, &filesJSON,
		&rec.SessionID, &created)
	if err != nil {
		return rec, err
	}
	rec.Status = forgeloop.Status(st)
	rec.CreatedAt = created
	if len(filesJSON) > 0 {
		_ = json.Unmarshal(filesJSON, &rec.Files)
	}
	return rec, nil
}

func normalizeRepoPath(p string) string {
	cleaned := strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	for strings.HasPrefix(cleaned, "./") {
		cleaned = cleaned[2:]
	}
	return strings.TrimRight(cleaned, "/")
}

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

