// Package registry merges a file-based model capability declaration with
// the live inventory reported by the model host. File
// entries win for speed_rank, ctx_size, langs and min_vram; discovered
// entries fill in the rest. An optional GPU-VRAM probe filters out
// models the machine cannot hold.
package registry

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/arvindsha/forgeloop"
)

// LangSupport declares one language a model serves and the modes it is
// usable for there (chat, code, docs, planner). An empty Usage means all.
type LangSupport struct {
	Language string   `yaml:"language"`
	Usage    []string `yaml:"usage"`
}

// Model is one capability entry, either declared in the file or
// discovered from the host's tag list.
type Model struct {
	Name      string        `yaml:"name"`
	Size      string        `yaml:"size"`
	Quant     string        `yaml:"quant"`
	Tag       string        `yaml:"tag"`
	CtxSize   int           `yaml:"ctx_size"`
	MinVRAMGB float64       `yaml:"min_vram_gb"`
	SpeedRank int           `yaml:"speed_rank"`
	Langs     []LangSupport `yaml:"langs"`
	Source    string        `yaml:"-"`
}

// FormatName returns the tag the model host knows this model by.
func (m Model) FormatName() string {
	if tag := strings.TrimSpace(m.Tag); tag != "" {
		return tag
	}
	size := strings.ToLower(m.Size)
	if size != "" && !strings.HasSuffix(size, "b") && !strings.Contains(size, "-") {
		size += "b"
	}
	out := m.Name
	if size != "" || m.Quant != "" {
		out += ":" + size
		if m.Quant != "" {
			out += "-" + m.Quant
		}
	}
	return strings.Trim(out, "-:")
}

// mergeKey identifies a model across the file and discovery sources.
func (m Model) mergeKey() string {
	return strings.ToLower(m.Name + ":" + m.Size + "-" + m.Quant)
}

// capabilityFile is the YAML document shape.
type capabilityFile struct {
	Models []Model `yaml:"models"`
	// Defaults maps a mode (or "mode:language") to an ordered list of
	// preferred model tags.
	Defaults map[string][]string `yaml:"defaults"`
}

// Registry serves merged model capability data.
type Registry struct {
	path   string
	client forgeloop.ModelClient
	logger *slog.Logger

	// vramProbe returns the machine's usable GPU memory in GiB, or 0
	// when unknown (no filtering).
	vramProbe func() float64

	mu   sync.RWMutex
	file capabilityFile
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithVRAMProbe overrides the GPU memory probe, mainly for tests.
func WithVRAMProbe(probe func() float64) Option {
	return func(r *Registry) { r.vramProbe = probe }
}

// New creates a Registry reading capabilities from path and live tags
// from client. client may be nil (file-only registry).
func New(path string, client forgeloop.ModelClient, opts ...Option) *Registry {
	r := &Registry{
		path:      path,
		client:    client,
		logger:    slog.New(discardHandler{}),
		vramProbe: ProbeVRAMGB,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Load reads (or re-reads) the capability file. A missing file leaves
// the registry empty rather than failing: discovery still works.
func (r *Registry) Load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			r.mu.Lock()
			r.file = capabilityFile{}
			r.mu.Unlock()
			return nil
		}
		return err
	}
	var parsed capabilityFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return err
	}
	for i := range parsed.Models {
		parsed.Models[i].Source = "file"
	}
	r.mu.Lock()
	r.file = parsed
	r.mu.Unlock()
	r.logger.Info("registry: capability file loaded", "path", r.path, "models", len(parsed.Models))
	return nil
}

// AvailableModels returns the merged, VRAM- and language-filtered model
// list sorted by speed_rank. language == "" disables language filtering.
func (r *Registry) AvailableModels(ctx context.Context, language string) ([]Model, error) {
	r.mu.RLock()
	fileModels := make([]Model, len(r.file.Models))
	copy(fileModels, r.file.Models)
	r.mu.RUnlock()

	discovered := r.discover(ctx)
	merged := mergeModels(fileModels, discovered)

	vram := 0.0
	if r.vramProbe != nil {
		vram = r.vramProbe()
	}

	var filtered []Model
	for _, m := range merged {
		if vram > 0 && m.MinVRAMGB > 0 && vram < m.MinVRAMGB {
			continue
		}
		if language != "" && !supportsLanguage(m, language) {
			continue
		}
		filtered = append(filtered, m)
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return speedRank(filtered[i]) < speedRank(filtered[j])
	})
	return filtered, nil
}

// ModeDefaults returns the preferred model tags declared for mode,
// language-specific entries ("mode:lang") first.
func (r *Registry) ModeDefaults(mode forgeloop.Mode, language string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := []string{string(mode)}
	if language != "" {
		keys = append([]string{string(mode) + ":" + strings.ToLower(language)}, keys...)
	}
	var out []string
	for _, key := range keys {
		out = append(out, r.file.Defaults[key]...)
	}
	return out
}

// discover fetches the live tag list and synthesizes capability entries
// with heuristic defaults. Discovery failure degrades to file-only.
func (r *Registry) discover(ctx context.Context) []Model {
	if r.client == nil {
		return nil
	}
	tags, err := r.client.Tags(ctx)
	if err != nil {
		r.logger.Warn("registry: tag discovery failed", "error", err)
		return nil
	}
	out := make([]Model, 0, len(tags))
	for tag := range tags {
		name, size, quant := ParseNameSizeQuant(tag)
		out = append(out, Model{
			Name:      name,
			Size:      size,
			Quant:     quant,
			Tag:       tag,
			CtxSize:   defaultCtx,
			MinVRAMGB: HeuristicMinVRAMGB(size),
			SpeedRank: defaultSpeedRank,
			Langs: []LangSupport{
				{Language: "java"}, {Language: "python"},
				{Language: "docs"}, {Language: "planner"},
			},
			Source: "discovered",
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}

const (
	defaultCtx       = 8192
	defaultSpeedRank = 5
)

// mergeModels overlays file entries on discovered ones keyed by
// name/size/quant. File values win for any non-zero field.
func mergeModels(fileModels, discovered []Model) []Model {
	merged := make(map[string]Model, len(discovered)+len(fileModels))
	var order []string
	for _, m := range discovered {
		k := m.mergeKey()
		merged[k] = m
		order = append(order, k)
	}
	for _, m := range fileModels {
		k := m.mergeKey()
		base, ok := merged[k]
		if !ok {
			merged[k] = m
			order = append(order, k)
			continue
		}
		if m.Tag != "" {
			base.Tag = m.Tag
		}
		if m.CtxSize > 0 {
			base.CtxSize = m.CtxSize
		}
		if m.MinVRAMGB > 0 {
			base.MinVRAMGB = m.MinVRAMGB
		}
		if m.SpeedRank > 0 {
			base.SpeedRank = m.SpeedRank
		}
		if len(m.Langs) > 0 {
			base.Langs = m.Langs
		}
		merged[k] = base
	}
	out := make([]Model, 0, len(order))
	for _, k := range order {
		out = append(out, merged[k])
	}
	return out
}

func speedRank(m Model) int {
	if m.SpeedRank <= 0 {
		return 999
	}
	return m.SpeedRank
}

// supportsLanguage reports whether m declares language (or declares no
// languages at all, which means unconstrained).
func supportsLanguage(m Model, language string) bool {
	if len(m.Langs) == 0 {
		return true
	}
	language = strings.ToLower(language)
	for _, l := range m.Langs {
		ll := strings.ToLower(l.Language)
		if ll == language || ll == "general" || ll == "any" || ll == "" {
			return true
		}
	}
	return false
}

// UsageForLanguage returns the declared mode-usage hints for language, or
// nil when unconstrained.
func UsageForLanguage(m Model, language string) []string {
	language = strings.ToLower(language)
	for _, l := range m.Langs {
		ll := strings.ToLower(l.Language)
		if ll == language || ll == "general" || ll == "any" || ll == "" {
			return l.Usage
		}
	}
	return nil
}

var (
	sizeRx  = regexp.MustCompile(`(?i):\s*([0-9]+[bk])`)
	quantRx = regexp.MustCompile(`-([qQ][0-9][\w_]*)$`)
)

// ParseNameSizeQuant splits a model tag like "qwen2.5-coder:14b-q4_K_M"
// into its name, size tag and quantization suffix.
func ParseNameSizeQuant(tag string) (name, size, quant string) {
	name, rest, found := strings.Cut(tag, ":")
	if !found {
		return tag, "", ""
	}
	if m := sizeRx.FindStringSubmatch(":" + rest); m != nil {
		size = strings.ToLower(m[1])
	}
	if m := quantRx.FindStringSubmatch(rest); m != nil {
		quant = strings.ToLower(m[1])
	}
	return name, size, quant
}

// HeuristicMinVRAMGB estimates the GPU memory a model size needs.
func HeuristicMinVRAMGB(sizeTag string) float64 {
	sizeTag = strings.ToLower(sizeTag)
	switch {
	case strings.HasSuffix(sizeTag, "70b"):
		return 40
	case strings.HasSuffix(sizeTag, "33b"):
		return 24
	case strings.HasSuffix(sizeTag, "14b"):
		return 12
	case strings.HasSuffix(sizeTag, "13b"):
		return 10
	case strings.HasSuffix(sizeTag, "8b"):
		return 6
	case strings.HasSuffix(sizeTag, "7b"):
		return 5
	default:
		return 4
	}
}

// ProbeVRAMGB returns the machine's GPU memory in GiB. The GPU_VRAM_GB
// env var overrides; otherwise nvidia-smi is queried when present.
// Returns 0 when nothing can be determined (no filtering applied).
func ProbeVRAMGB() float64 {
	if manual := os.Getenv("GPU_VRAM_GB"); manual != "" {
		if v, err := strconv.ParseFloat(manual, 64); err == nil {
			return v
		}
	}
	path, err := exec.LookPath("nvidia-smi")
	if err != nil {
		return 0
	}
	out, err := exec.Command(path, "--query-gpu=memory.total", "--format=csv,noheader,nounits").Output()
	if err != nil {
		return 0
	}
	best := 0
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if v, err := strconv.Atoi(strings.TrimSpace(line)); err == nil && v > best {
			best = v
		}
	}
	return float64(best) / 1024.0
}
