package bandit

import (
	"strings"

	"github.com/arvindsha/forgeloop"
)

// ExtractFeatures derives the bandit feature vector from a task: the
// language hint, a coarse repo-size bucket from the include-glob count,
// whether tests are in play, and a context-window bucket from the
// max-token constraint (the model is not chosen yet at ranking time, so
// the constraint is the only context signal available).
func ExtractFeatures(t forgeloop.Task) forgeloop.FeatureVector {
	lang := strings.ToLower(strings.TrimSpace(t.Input.Language))
	if lang == "" {
		lang = "any"
	}

	goal := strings.ToLower(t.Input.Goal)
	testsPresent := strings.Contains(goal, "test")
	if t.OutputContract != nil {
		for _, p := range t.OutputContract.ExpectedFiles {
			if strings.Contains(strings.ToLower(p), "test") {
				testsPresent = true
				break
			}
		}
	}

	maxTokens := t.Input.Constraints.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}

	return forgeloop.FeatureVector{
		Language:     lang,
		RepoBucket:   forgeloop.RepoBucket(len(t.Input.Repo.Include)),
		TestsPresent: testsPresent,
		CtxBucket:    forgeloop.CtxBucket(maxTokens),
	}
}
