package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arvindsha/forgeloop"
)

func newTagServer(t *testing.T, hits *atomic.Int64, tags ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		var models []string
		for _, tag := range tags {
			models = append(models, fmt.Sprintf(`{"model":%q}`, tag))
		}
		fmt.Fprintf(w, `{"models":[%s]}`, strings.Join(models, ","))
	}))
}

func TestTagsCachedWithinTTL(t *testing.T) {
	var hits atomic.Int64
	srv := newTagServer(t, &hits, "llama3.1:8b", "qwen2.5-coder:7b")
	defer srv.Close()

	c := New(srv.URL, WithTagCacheTTL(time.Minute))
	ctx := context.Background()

	first, err := c.Tags(ctx)
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Tags(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("backend GETs = %d, want exactly 1 within TTL", got)
	}
	if !first["llama3.1:8b"] || !second["qwen2.5-coder:7b"] {
		t.Fatalf("tags missing: %v / %v", first, second)
	}
}

func TestTagsRefreshAfterTTL(t *testing.T) {
	var hits atomic.Int64
	srv := newTagServer(t, &hits, "llama3.1:8b")
	defer srv.Close()

	c := New(srv.URL, WithTagCacheTTL(10 * time.Millisecond))
	ctx := context.Background()
	if _, err := c.Tags(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := c.Tags(ctx); err != nil {
		t.Fatal(err)
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("backend GETs = %d, want 2 after TTL expiry", got)
	}
}

func TestEnsureMissingModelWithoutAutopull(t *testing.T) {
	var hits atomic.Int64
	srv := newTagServer(t, &hits, "llama3.1:8b")
	defer srv.Close()

	c := New(srv.URL)
	err := c.Ensure(context.Background(), "nope:1b")
	var me *forgeloop.ErrModel
	if !errors.As(err, &me) {
		t.Fatalf("want ErrModel, got %v", err)
	}
	if me.Phase != "pull" || me.Model != "nope:1b" {
		t.Fatalf("unexpected error detail: %+v", me)
	}
}

func TestEnsureAutopull(t *testing.T) {
	var pulled atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			fmt.Fprint(w, `{"models":[{"model":"present:7b"}]}`)
		case "/api/pull":
			pulled.Add(1)
			fmt.Fprint(w, `{"status":"done"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, WithAutopull(true))
	if err := c.Ensure(context.Background(), "missing:7b"); err != nil {
		t.Fatal(err)
	}
	if pulled.Load() != 1 {
		t.Fatalf("pulls = %d", pulled.Load())
	}
	// Already-listed model must not trigger a pull.
	if err := c.Ensure(context.Background(), "present:7b"); err != nil {
		t.Fatal(err)
	}
	if pulled.Load() != 1 {
		t.Fatalf("present model triggered a pull")
	}
}

func TestGenerateStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			fmt.Fprint(w, `{"models":[{"model":"m:1b"}]}`)
		case "/api/generate":
			fmt.Fprintln(w, `{"response":"hel","done":false}`)
			fmt.Fprintln(w, `not-json`)
			fmt.Fprintln(w, `{"response":"lo","done":false}`)
			fmt.Fprintln(w, `{"done":true,"eval_count":12,"prompt_eval_count":34}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	var buf strings.Builder
	var last forgeloop.ModelChunk
	err := c.GenerateStream(context.Background(), "m:1b", "say hello", forgeloop.GenerateOptions{NumCtx: 4096}, func(ch forgeloop.ModelChunk) error {
		buf.WriteString(ch.Response)
		last = ch
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if buf.String() != "hello" {
		t.Fatalf("accumulated %q", buf.String())
	}
	if !last.Done || last.EvalCount != 12 || last.PromptEvalCount != 34 {
		t.Fatalf("terminal chunk = %+v", last)
	}
}

func TestGenerateStreamWithoutTerminalChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			fmt.Fprint(w, `{"models":[{"model":"m:1b"}]}`)
		case "/api/generate":
			fmt.Fprintln(w, `{"response":"partial","done":false}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	err := c.GenerateStream(context.Background(), "m:1b", "p", forgeloop.GenerateOptions{}, func(forgeloop.ModelChunk) error { return nil })
	var me *forgeloop.ErrModel
	if !errors.As(err, &me) || me.Phase != "generate" {
		t.Fatalf("want generate-phase ErrModel, got %v", err)
	}
}

func TestGenerateStreamCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			fmt.Fprint(w, `{"models":[{"model":"m:1b"}]}`)
		case "/api/generate":
			fmt.Fprintln(w, `{"response":"first","done":false}`)
			w.(http.Flusher).Flush()
			<-release
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	c := New(srv.URL)
	err := c.GenerateStream(ctx, "m:1b", "p", forgeloop.GenerateOptions{}, func(ch forgeloop.ModelChunk) error {
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled at chunk boundary, got %v", err)
	}
}
