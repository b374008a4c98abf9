package forgeloop

import "encoding/json"

// ProgressFrame is the JSON payload published to the SSE hub for one task.
// A terminal frame's Status is one of {done, error, canceled} and is
// emitted exactly once per subscription.
type ProgressFrame struct {
	Status    Status          `json:"status"`
	Mode      Mode            `json:"mode,omitempty"`
	Model     string          `json:"model,omitempty"`
	Note      string          `json:"note,omitempty"`
	Error     string          `json:"error,omitempty"`
	Traceback string          `json:"traceback,omitempty"`
	Extra     json.RawMessage `json:"extra,omitempty"`
}

// IsTerminal reports whether the frame ends the task's SSE subscription.
func (f ProgressFrame) IsTerminal() bool {
	switch f.Status {
	case StatusDone, StatusError, StatusCanceled:
		return true
	default:
		return false
	}
}

// ModelChunk is one unit yielded by ModelClient.GenerateStream: every
// stream eventually yields a chunk with Done=true, optionally carrying
// token-count metadata.
type ModelChunk struct {
	Response         string
	Done             bool
	PromptEvalCount  int
	EvalCount        int
}
