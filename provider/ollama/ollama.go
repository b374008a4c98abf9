// Package ollama implements forgeloop.ModelClient against a local Ollama
// host: tag listing with a time-bounded cache, optional autopull, and
// newline-delimited JSON generation streaming.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/arvindsha/forgeloop"
)

// Client is a stateful façade over one Ollama host. Safe for concurrent
// use; the tag cache serializes under its own mutex.
type Client struct {
	host     string
	client   *http.Client
	autopull bool
	tagTTL   time.Duration
	logger   *slog.Logger

	mu          sync.Mutex
	tagCache    map[string]bool
	tagCachedAt time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithAutopull enables pulling a missing model from Ensure.
func WithAutopull(on bool) Option {
	return func(c *Client) { c.autopull = on }
}

// WithTagCacheTTL sets how long a fetched tag list is served from cache.
func WithTagCacheTTL(ttl time.Duration) Option {
	return func(c *Client) { c.tagTTL = ttl }
}

// WithLogger sets a structured logger. When unset, nothing is logged.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for host (e.g. "http://localhost:11434").
func New(host string, opts ...Option) *Client {
	c := &Client{
		host:   strings.TrimRight(host, "/"),
		client: &http.Client{},
		tagTTL: 30 * time.Second,
		logger: slog.New(discardHandler{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// tagsResponse is the /api/tags wire shape. Older hosts omit "model" and
// carry name/tag separately.
type tagsResponse struct {
	Models []struct {
		Model string `json:"model"`
		Name  string `json:"name"`
		Tag   string `json:"tag"`
	} `json:"models"`
}

// Tags returns the set of model tags the host currently reports. Two
// calls within the cache TTL perform exactly one backend GET. When a
// refresh fails and a stale snapshot exists, the snapshot is served.
func (c *Client) Tags(ctx context.Context) (map[string]bool, error) {
	c.mu.Lock()
	if c.tagCache != nil && time.Since(c.tagCachedAt) <= c.tagTTL {
		snapshot := copyTags(c.tagCache)
		c.mu.Unlock()
		return snapshot, nil
	}
	c.mu.Unlock()

	fetched, err := c.fetchTags(ctx)
	if err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.tagCache != nil {
			c.logger.Warn("ollama: tag refresh failed, serving cached snapshot", "error", err)
			return copyTags(c.tagCache), nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.tagCache = fetched
	c.tagCachedAt = time.Now()
	snapshot := copyTags(c.tagCache)
	c.mu.Unlock()
	return snapshot, nil
}

func (c *Client) fetchTags(ctx context.Context) (map[string]bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.host+"/api/tags", nil)
	if err != nil {
		return nil, &forgeloop.ErrModel{Phase: "list", Message: err.Error()}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &forgeloop.ErrModel{Phase: "list", Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &forgeloop.ErrModel{
			Phase:   "list",
			Message: fmt.Sprintf("status %d: %s", resp.StatusCode, body),
			Err:     &forgeloop.ErrHTTP{Status: resp.StatusCode, Body: string(body)},
		}
	}
	var parsed tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &forgeloop.ErrModel{Phase: "list", Message: "decode tags: " + err.Error()}
	}
	tags := make(map[string]bool, len(parsed.Models))
	for _, m := range parsed.Models {
		tag := m.Model
		if tag == "" && m.Name != "" {
			tag = m.Name
			if m.Tag != "" {
				tag = m.Name + ":" + m.Tag
			}
		}
		if tag != "" {
			tags[tag] = true
		}
	}
	return tags, nil
}

// Ensure returns nil iff model is listed on the host, or autopull is
// enabled and the pull completed.
func (c *Client) Ensure(ctx context.Context, model string) error {
	tags, err := c.Tags(ctx)
	if err != nil {
		return err
	}
	if tags[model] {
		return nil
	}
	if !c.autopull {
		return &forgeloop.ErrModel{Phase: "pull", Model: model, Message: "not present and autopull disabled"}
	}
	return c.pull(ctx, model)
}

func (c *Client) pull(ctx context.Context, model string) error {
	payload, _ := json.Marshal(map[string]any{"model": model, "stream": false})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/pull", bytes.NewReader(payload))
	if err != nil {
		return &forgeloop.ErrModel{Phase: "pull", Model: model, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return &forgeloop.ErrModel{Phase: "pull", Model: model, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &forgeloop.ErrModel{
			Phase:   "pull",
			Model:   model,
			Message: fmt.Sprintf("status %d: %s", resp.StatusCode, body),
			Err:     &forgeloop.ErrHTTP{Status: resp.StatusCode, Body: string(body)},
		}
	}
	var status struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return &forgeloop.ErrModel{Phase: "pull", Model: model, Message: "unexpected pull response: " + err.Error()}
	}
	c.logger.Info("ollama: model pulled", "model", model, "status", status.Status)

	// Pulled models show up in the next tag listing; invalidate the cache
	// so Ensure callers observe them immediately.
	c.mu.Lock()
	c.tagCachedAt = time.Time{}
	c.mu.Unlock()
	return nil
}

// generateChunk is one newline-delimited JSON line from /api/generate.
type generateChunk struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	EvalCount       int    `json:"eval_count"`
	PromptEvalCount int    `json:"prompt_eval_count"`
}

// GenerateStream streams a completion for prompt, invoking fn once per
// chunk on the caller's goroutine. Every successful stream ends with a
// chunk whose Done is true; partial JSON lines are skipped silently.
// Cancellation propagates at the next chunk boundary.
func (c *Client) GenerateStream(ctx context.Context, model, prompt string, opts forgeloop.GenerateOptions, fn func(forgeloop.ModelChunk) error) error {
	if err := c.Ensure(ctx, model); err != nil {
		return err
	}

	options := map[string]any{}
	if opts.NumCtx > 0 {
		options["num_ctx"] = opts.NumCtx
	}
	if opts.NumPredict > 0 {
		options["num_predict"] = opts.NumPredict
	}
	if opts.Temperature > 0 {
		options["temperature"] = opts.Temperature
	}
	payload, err := json.Marshal(map[string]any{
		"model":   model,
		"prompt":  prompt,
		"stream":  true,
		"options": options,
	})
	if err != nil {
		return &forgeloop.ErrModel{Phase: "generate", Model: model, Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return &forgeloop.ErrModel{Phase: "generate", Model: model, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return &forgeloop.ErrModel{Phase: "generate", Model: model, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &forgeloop.ErrModel{
			Phase:   "generate",
			Model:   model,
			Message: fmt.Sprintf("status %d: %s", resp.StatusCode, body),
			Err:     &forgeloop.ErrHTTP{Status: resp.StatusCode, Body: string(body)},
		}
	}

	return streamLines(ctx, resp.Body, model, fn)
}

// streamLines decodes newline-delimited JSON chunks from body into fn.
func streamLines(ctx context.Context, body io.Reader, model string, fn func(forgeloop.ModelChunk) error) error {
	scanner := newLineScanner(body)
	sawDone := false
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var chunk generateChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			// Partial or malformed line; skip quietly.
			continue
		}
		mc := forgeloop.ModelChunk{
			Response:        chunk.Response,
			Done:            chunk.Done,
			EvalCount:       chunk.EvalCount,
			PromptEvalCount: chunk.PromptEvalCount,
		}
		if err := fn(mc); err != nil {
			return err
		}
		if chunk.Done {
			sawDone = true
			break
		}
	}
	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &forgeloop.ErrModel{Phase: "generate", Model: model, Message: "stream read: " + err.Error()}
	}
	if !sawDone {
		return &forgeloop.ErrModel{Phase: "generate", Model: model, Message: "stream ended without terminal chunk"}
	}
	return nil
}

func copyTags(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Compile-time interface check.
var _ forgeloop.ModelClient = (*Client)(nil)
