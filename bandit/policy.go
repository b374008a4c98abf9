package bandit

import (
	"context"
	"math/rand"
	"sort"
	"strings"

	"github.com/arvindsha/forgeloop"
	"github.com/arvindsha/forgeloop/registry"
)

// Default prior: optimistic mean with Laplace smoothing so an unseen
// model is neither buried nor runaway-favored.
const (
	DefaultPriorMean  = 0.5
	DefaultPriorCount = 1.0
)

// Policy ranks candidate models epsilon-greedily against the bandit
// aggregate. With probability Epsilon the candidate order is shuffled
// uniformly; otherwise candidates sort by descending smoothed mean, ties
// broken by speed rank.
type Policy struct {
	Agg        forgeloop.BanditAggregator
	Epsilon    float64
	PriorMean  float64
	PriorCount float64

	// rng is overridable for deterministic tests; nil uses the global
	// source.
	rng *rand.Rand
}

// NewPolicy builds a Policy with the default priors.
func NewPolicy(agg forgeloop.BanditAggregator, epsilon float64) *Policy {
	return &Policy{
		Agg:        agg,
		Epsilon:    epsilon,
		PriorMean:  DefaultPriorMean,
		PriorCount: DefaultPriorCount,
	}
}

// WithRand fixes the policy's randomness source.
func (p *Policy) WithRand(r *rand.Rand) *Policy {
	p.rng = r
	return p
}

func (p *Policy) float64() float64 {
	if p.rng != nil {
		return p.rng.Float64()
	}
	return rand.Float64()
}

func (p *Policy) shuffle(n int, swap func(i, j int)) {
	if p.rng != nil {
		p.rng.Shuffle(n, swap)
		return
	}
	rand.Shuffle(n, swap)
}

// Rank returns candidates ordered for selection under featureHash.
func (p *Policy) Rank(ctx context.Context, candidates []registry.Model, featureHash string) ([]registry.Model, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	names := make([]string, len(candidates))
	for i, m := range candidates {
		names[i] = m.FormatName()
	}

	stats := map[string]forgeloop.BanditStat{}
	if p.Agg != nil {
		var err error
		stats, err = p.Agg.StatsFor(ctx, names, featureHash)
		if err != nil {
			return nil, err
		}
	}

	type annotated struct {
		model registry.Model
		mean  float64
	}
	ranked := make([]annotated, len(candidates))
	for i, m := range candidates {
		stat := stats[names[i]]
		ranked[i] = annotated{model: m, mean: stat.EstimateMean(p.PriorMean, p.PriorCount)}
	}

	if p.float64() < p.Epsilon {
		p.shuffle(len(ranked), func(i, j int) { ranked[i], ranked[j] = ranked[j], ranked[i] })
	} else {
		sort.SliceStable(ranked, func(i, j int) bool {
			if ranked[i].mean != ranked[j].mean {
				return ranked[i].mean > ranked[j].mean
			}
			return speedRankOf(ranked[i].model) < speedRankOf(ranked[j].model)
		})
	}

	out := make([]registry.Model, len(ranked))
	for i, a := range ranked {
		out[i] = a.model
	}
	return out, nil
}

// fallbackPreferences orders models for a mode when the capability file
// declares no defaults for it.
var fallbackPreferences = map[forgeloop.Mode][]string{
	forgeloop.ModeChat: {
		"llama3.1:8b-instruct-q4_K_M",
		"mistral:7b-instruct-q4_K_M",
		"gemma2:9b-instruct-q4_K_M",
	},
	forgeloop.ModeDocs: {
		"gemma2:9b-instruct-q4_K_M",
		"llama3.1:8b-instruct-q4_K_M",
		"mistral:7b-instruct-q4_K_M",
	},
	forgeloop.ModePlanner: {
		"deepseek-coder:6.7b-instruct-q4_K_M",
		"llama3.1:8b-instruct-q4_K_M",
		"mistral:7b-instruct-q4_K_M",
	},
	forgeloop.ModeCode: {
		"qwen2.5-coder:7b-instruct-q4_K_M",
		"deepseek-coder:6.7b-instruct-q4_K_M",
		"llama3.1:8b-instruct-q4_K_M",
		"mistral:7b-instruct-q4_K_M",
	},
}

// OrderForMode filters models to those whose declared usage is
// compatible with mode, then orders them by position in the preferred
// tag list (declared defaults first, built-in fallbacks after), ties
// broken by speed rank. The preference-list position is the primary key.
func OrderForMode(mode forgeloop.Mode, language string, models []registry.Model, preferred []string) []registry.Model {
	filtered := filterForMode(mode, language, models)

	prefs := append([]string{}, preferred...)
	for _, tag := range fallbackPreferences[mode] {
		if !contains(prefs, tag) {
			prefs = append(prefs, tag)
		}
	}
	index := make(map[string]int, len(prefs))
	for i, tag := range prefs {
		index[tag] = i
	}

	out := make([]registry.Model, len(filtered))
	copy(out, filtered)
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := prefIndex(index, out[i], len(prefs)), prefIndex(index, out[j], len(prefs))
		if pi != pj {
			return pi < pj
		}
		return speedRankOf(out[i]) < speedRankOf(out[j])
	})
	return out
}

// filterForMode keeps models whose usage hints allow mode for language.
// If nothing survives, the original list is returned: a registry that
// declares nothing usable should not silently strand the task.
func filterForMode(mode forgeloop.Mode, language string, models []registry.Model) []registry.Model {
	if len(models) == 0 {
		return models
	}
	var compatible []registry.Model
	for _, m := range models {
		if len(m.Langs) == 0 {
			compatible = append(compatible, m)
			continue
		}
		usage := registry.UsageForLanguage(m, language)
		if usageMatchesMode(mode, usage) {
			compatible = append(compatible, m)
		}
	}
	if len(compatible) > 0 {
		return compatible
	}
	return models
}

// usageMatchesMode reports whether a usage hint list admits mode. An
// empty list admits everything.
func usageMatchesMode(mode forgeloop.Mode, usage []string) bool {
	if len(usage) == 0 {
		return true
	}
	for _, u := range usage {
		if strings.EqualFold(u, string(mode)) {
			return true
		}
	}
	return false
}

func prefIndex(index map[string]int, m registry.Model, fallback int) int {
	if i, ok := index[m.FormatName()]; ok {
		return i
	}
	return fallback
}

func speedRankOf(m registry.Model) int {
	if m.SpeedRank <= 0 {
		return 999
	}
	return m.SpeedRank
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
