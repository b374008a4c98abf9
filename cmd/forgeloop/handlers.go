package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arvindsha/forgeloop"
	"github.com/arvindsha/forgeloop/bandit"
	"github.com/arvindsha/forgeloop/final"
	"github.com/arvindsha/forgeloop/internal/config"
	"github.com/arvindsha/forgeloop/memory"
	"github.com/arvindsha/forgeloop/queue"
	"github.com/arvindsha/forgeloop/sse"
	"github.com/arvindsha/forgeloop/status"
)

// server holds the HTTP surface's collaborators.
type server struct {
	cfg       config.Config
	logger    *slog.Logger
	store     forgeloop.TaskStore
	agg       forgeloop.BanditAggregator
	events    bandit.Recorder
	queue     *queue.Queue
	pipeline  *sse.Pipeline
	assembler *final.Assembler
	memory    *memory.Service
	norm      *status.Normalizer
	limiter   forgeloop.RateLimiter
	apiKey    string
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tasks", s.auth(s.handleCreateTask))
	mux.HandleFunc("GET /v1/tasks/{id}", s.auth(s.handleGetTask))
	mux.HandleFunc("POST /v1/tasks/{id}/cancel", s.auth(s.handleCancel))
	mux.HandleFunc("GET /v1/tasks/{id}/final", s.auth(s.handleFinal))
	mux.HandleFunc("GET /v1/tasks/{id}/stream", s.auth(s.handleStream))
	mux.HandleFunc("GET /v1/tasks/{id}/sse", s.auth(s.handleStream))
	mux.HandleFunc("GET /v1/tasks/{id}/zip", s.auth(s.handleTaskZip))
	mux.HandleFunc("GET /zips/{filename}", s.handleZipFile)
	mux.HandleFunc("POST /v1/feedback", s.auth(s.handleFeedback))
	mux.HandleFunc("POST /v1/memory/upload", s.auth(s.handleMemoryUpload))
	mux.HandleFunc("GET /v1/memory/search", s.auth(s.handleMemorySearch))
	mux.HandleFunc("GET /v1/memory/{id}", s.auth(s.handleMemoryGet))
	mux.HandleFunc("GET /v1/models/stats", s.auth(s.handleModelStats))
	return mux
}

// auth enforces the API key and the per-key rate limit.
func (s *server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if s.apiKey != "" && key != s.apiKey {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
			return
		}
		if key == "" {
			key = clientIP(r)
		}
		if ok, retryMs := s.limiter.Allow(key); !ok {
			w.Header().Set("Retry-After", strconv.Itoa((retryMs+999)/1000))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error": "rate limited", "retry_ms": retryMs,
			})
			return
		}
		next(w, r)
	}
}

func clientIP(r *http.Request) string {
	host, _, found := strings.Cut(r.RemoteAddr, ":")
	if !found {
		return r.RemoteAddr
	}
	return host
}

func (s *server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var task forgeloop.Task
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&task); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed task body"})
		return
	}
	if strings.TrimSpace(task.Input.Goal) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "input.goal is required"})
		return
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.Status = forgeloop.StatusQueued
	task.CreatedAt = time.Now()
	if task.TemplateVer == "" {
		task.TemplateVer = "v2"
	}
	if err := s.store.InsertTask(r.Context(), task); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if err := s.queue.Submit(task); err != nil {
		var ve *forgeloop.ErrValidation
		if errors.As(err, &ve) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": ve.Message})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": task.ID})
}

func (s *server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	row, err := s.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if row == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	st, _, err := s.norm.Normalize(string(row.Status))
	if err != nil {
		st = forgeloop.StatusError
	}
	resp := map[string]any{"id": row.ID, "status": string(st)}
	if row.ModelUsed != "" {
		resp["model_used"] = row.ModelUsed
	}
	if row.LatencyMs > 0 {
		resp["latency_ms"] = row.LatencyMs
	}
	if row.TemplateVer != "" {
		resp["template_ver"] = row.TemplateVer
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.queue.Cancel(r.Context(), r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *server) handleFinal(w http.ResponseWriter, r *http.Request) {
	payload, err := s.assembler.Wait(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if payload == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)
	flush := func() {}
	if flusher != nil {
		flush = flusher.Flush
	}
	if err := s.pipeline.Serve(r.Context(), w, flush, r.PathValue("id")); err != nil && r.Context().Err() == nil {
		s.logger.Warn("sse stream ended with error", "error", err)
	}
}

func (s *server) handleTaskZip(w http.ResponseWriter, r *http.Request) {
	s.serveZip(w, r, r.PathValue("id")+".zip")
}

func (s *server) handleZipFile(w http.ResponseWriter, r *http.Request) {
	s.serveZip(w, r, r.PathValue("filename"))
}

func (s *server) serveZip(w http.ResponseWriter, r *http.Request, name string) {
	if name != filepath.Base(name) || !strings.HasSuffix(name, ".zip") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad archive name"})
		return
	}
	path := filepath.Join(s.cfg.Workspace.ZipDir, name)
	w.Header().Set("Content-Type", "application/zip")
	http.ServeFile(w, r, path)
}

// feedbackRequest is the POST /v1/feedback body.
type feedbackRequest struct {
	TaskID     string   `json:"task_id"`
	Model      string   `json:"model"`
	Success    bool     `json:"success"`
	LatencyMs  int64    `json:"latency_ms"`
	HumanScore *float64 `json:"human_score"`
	Notes      string   `json:"notes"`
}

func (s *server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed feedback body"})
		return
	}
	if req.TaskID == "" || req.Model == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "task_id and model are required"})
		return
	}
	if req.HumanScore != nil && (*req.HumanScore < 0 || *req.HumanScore > 5) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "human_score must be in 0..5"})
		return
	}

	if err := s.store.InsertReward(r.Context(), forgeloop.Reward{
		TaskID:     req.TaskID,
		Model:      req.Model,
		Success:    req.Success,
		LatencyMs:  req.LatencyMs,
		HumanScore: req.HumanScore,
	}); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	reward := 0.0
	if req.Success {
		reward = 1.0
	}
	if req.HumanScore != nil {
		reward += 0.02 * *req.HumanScore
	}
	if err := s.agg.UpsertStat(r.Context(), req.Model, "manual", reward); err != nil {
		s.logger.Warn("feedback bandit upsert failed", "error", err)
	}
	if s.events != nil {
		_ = s.events.Record(r.Context(), forgeloop.RewardEvent{
			ModelID:     req.Model,
			TaskType:    "feedback",
			FeatureHash: "manual",
			Reward:      reward,
			Won:         req.Success,
		})
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *server) handleMemoryUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(memory.MaxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed multipart body"})
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "file field is required"})
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, memory.MaxUploadBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable upload"})
		return
	}
	sessionID := r.FormValue("session_id")
	label := r.FormValue("label")
	if label == "" {
		label = strings.TrimSuffix(header.Filename, filepath.Ext(header.Filename))
	}

	res, err := s.memory.StageUpload(r.Context(), sessionID, label, data)
	if err != nil {
		var ve *forgeloop.ErrValidation
		if errors.As(err, &ve) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": ve.Message})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"memory_id": res.MemoryID,
		"repo_path": res.StageRel,
		"workspace": res.Workspace,
		"files":     res.Files,
	})
}

func (s *server) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 5
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		limit = v
	}
	recs, err := s.memory.Search(r.Context(), forgeloop.MemoryQuery{
		RepoPath:  q.Get("repo_path"),
		Language:  q.Get("language"),
		Query:     q.Get("q"),
		SessionID: q.Get("session_id"),
		Limit:     limit,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if recs == nil {
		recs = []forgeloop.WorkspaceMemoryRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": recs})
}

func (s *server) handleMemoryGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.memory.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "memory not found"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleModelStats is the UI-facing aggregate listing: reward_sum desc,
// runs desc, model name.
func (s *server) handleModelStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.agg.ListStats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	out := make([]map[string]any, 0, len(stats))
	for _, st := range stats {
		out = append(out, map[string]any{
			"model":        st.Model,
			"feature_hash": st.FeatureHash,
			"runs":         st.Runs,
			"reward_sum":   st.RewardSum,
			"last_updated": st.LastUpdated,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": out})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
