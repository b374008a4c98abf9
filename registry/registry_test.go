package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arvindsha/forgeloop"
)

type staticTags map[string]bool

func (s staticTags) Tags(context.Context) (map[string]bool, error) { return s, nil }
func (s staticTags) Ensure(context.Context, string) error          { return nil }
func (s staticTags) GenerateStream(context.Context, string, string, forgeloop.GenerateOptions, func(forgeloop.ModelChunk) error) error {
	return nil
}

const capabilityYAML = `
models:
  - name: qwen2.5-coder
    size: 7b
    quant: q4_K_M
    tag: qwen2.5-coder:7b-instruct-q4_K_M
    ctx_size: 16384
    min_vram_gb: 6
    speed_rank: 1
    langs:
      - language: java
        usage: [code]
      - language: python
        usage: [code]
  - name: file-only
    size: 7b
    speed_rank: 2
defaults:
  code:
    - qwen2.5-coder:7b-instruct-q4_K_M
  "code:java":
    - deepseek-coder:6.7b-instruct-q4_K_M
`

func writeCapabilityFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "models.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseNameSizeQuant(t *testing.T) {
	tests := []struct {
		tag                string
		name, size, quant string
	}{
		{"llama3.1:8b", "llama3.1", "8b", ""},
		{"qwen2.5-coder:14b-q4_K_M", "qwen2.5-coder", "14b", "q4_k_m"},
		{"mistral:7b-instruct", "mistral", "7b", ""},
		{"plainname", "plainname", "", ""},
	}
	for _, tt := range tests {
		name, size, quant := ParseNameSizeQuant(tt.tag)
		if name != tt.name || size != tt.size || quant != tt.quant {
			t.Errorf("ParseNameSizeQuant(%q) = (%q,%q,%q), want (%q,%q,%q)",
				tt.tag, name, size, quant, tt.name, tt.size, tt.quant)
		}
	}
}

func TestMergeFileOverridesDiscovered(t *testing.T) {
	path := writeCapabilityFile(t, capabilityYAML)
	client := staticTags{"qwen2.5-coder:7b-q4_K_M": true, "llama3.1:8b": true}
	reg := New(path, client, WithVRAMProbe(func() float64 { return 0 }))
	if err := reg.Load(); err != nil {
		t.Fatal(err)
	}

	models, err := reg.AvailableModels(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	byName := map[string]Model{}
	for _, m := range models {
		byName[m.Name] = m
	}

	qwen, ok := byName["qwen2.5-coder"]
	if !ok {
		t.Fatalf("qwen entry missing: %v", models)
	}
	if qwen.CtxSize != 16384 || qwen.SpeedRank != 1 {
		t.Fatalf("file entry did not override discovered fields: %+v", qwen)
	}
	if _, ok := byName["file-only"]; !ok {
		t.Fatal("file-only entry dropped during merge")
	}
	if _, ok := byName["llama3.1"]; !ok {
		t.Fatal("discovered-only entry dropped during merge")
	}
	// Sorted by speed rank: qwen (1) before file-only (2) before llama (default 5).
	if models[0].Name != "qwen2.5-coder" {
		t.Fatalf("order = %v", models)
	}
}

func TestVRAMFilter(t *testing.T) {
	path := writeCapabilityFile(t, capabilityYAML)
	reg := New(path, nil, WithVRAMProbe(func() float64 { return 4 }))
	if err := reg.Load(); err != nil {
		t.Fatal(err)
	}
	models, err := reg.AvailableModels(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range models {
		if m.MinVRAMGB > 4 {
			t.Fatalf("model %s requires %.0f GB but probe reports 4", m.Name, m.MinVRAMGB)
		}
	}
}

func TestLanguageFilter(t *testing.T) {
	path := writeCapabilityFile(t, capabilityYAML)
	reg := New(path, nil, WithVRAMProbe(func() float64 { return 0 }))
	if err := reg.Load(); err != nil {
		t.Fatal(err)
	}
	models, err := reg.AvailableModels(context.Background(), "java")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, m := range models {
		if m.Name == "qwen2.5-coder" {
			found = true
		}
	}
	if !found {
		t.Fatal("java-capable model filtered out")
	}
	// file-only declares no langs, which means unconstrained.
	foundUnconstrained := false
	for _, m := range models {
		if m.Name == "file-only" {
			foundUnconstrained = true
		}
	}
	if !foundUnconstrained {
		t.Fatal("lang-unconstrained model filtered out")
	}
}

func TestModeDefaults(t *testing.T) {
	path := writeCapabilityFile(t, capabilityYAML)
	reg := New(path, nil)
	if err := reg.Load(); err != nil {
		t.Fatal(err)
	}
	got := reg.ModeDefaults(forgeloop.ModeCode, "java")
	want := []string{"deepseek-coder:6.7b-instruct-q4_K_M", "qwen2.5-coder:7b-instruct-q4_K_M"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestMissingFileIsEmptyNotError(t *testing.T) {
	reg := New(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	if err := reg.Load(); err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	models, err := reg.AvailableModels(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 0 {
		t.Fatalf("expected no models, got %v", models)
	}
}

func TestWatchReloads(t *testing.T) {
	path := writeCapabilityFile(t, capabilityYAML)
	reg := New(path, nil)
	if err := reg.Load(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = reg.Watch(ctx) }()
	time.Sleep(50 * time.Millisecond)

	updated := capabilityYAML + `
  "docs":
    - gemma2:9b-instruct-q4_K_M
`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if defaults := reg.ModeDefaults(forgeloop.ModeDocs, ""); len(defaults) == 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("capability file edit never picked up by watcher")
}
