package forgeloop

import "context"

// ModelClient is the stateful façade over one local LLM host.
// Implementations must guarantee every stream eventually yields a chunk
// with Done=true, silently skip partial/malformed JSON lines, and
// propagate ctx cancellation at the next chunk boundary.
type ModelClient interface {
	// Tags returns the set of model tags the host currently reports,
	// honoring a time-bounded cache.
	Tags(ctx context.Context) (map[string]bool, error)
	// Ensure returns nil iff model is listed, or — if autopull is
	// enabled — has been successfully pulled.
	Ensure(ctx context.Context, model string) error
	// GenerateStream streams a completion for prompt. opts keys: num_ctx,
	// num_predict, temperature (all optional). Every call to fn happens
	// synchronously on the caller's goroutine.
	GenerateStream(ctx context.Context, model, prompt string, opts GenerateOptions, fn func(ModelChunk) error) error
}

// GenerateOptions mirrors the optional tuning knobs in the wire protocol.
type GenerateOptions struct {
	NumCtx      int
	NumPredict  int
	Temperature float64
}
