package ports

import (
	"context"
	"image"

	"github.com/gongysh2004/cogview4-server/internal/core/domain"
)

// PipelineLoader abstracts loading the diffusion pipeline onto a worker's
// device. Load is called once per worker at startup; a failed load leaves
// the worker permanently not-ready.
type PipelineLoader interface {
	Load(ctx context.Context, workerID int) (Pipeline, error)
}

// Pipeline is a loaded model owned by exactly one worker.
type Pipeline interface {
	// NewView returns a weight-sharing handle with its own scheduler state,
	// isolating one request's trajectory from the next.
	NewView() PipelineView

	// Close releases device resources on worker shutdown.
	Close() error
}

// PipelineView executes one generation. Views are single-use: Generate once,
// then Close.
type PipelineView interface {
	// Generate runs the full denoising loop, invoking params.OnStep after
	// every step when set, and returns the final images in prompt-major
	// order (len = len(Prompts) * ImagesPerPrompt).
	Generate(ctx context.Context, params domain.PipelineParams) ([]image.Image, error)

	Close()
}

// ChatClient is an OpenAI-compatible chat-completions backend used by the
// prompt optimize/translate pass-throughs.
type ChatClient interface {
	Complete(ctx context.Context, messages []ChatMessage) (string, error)
}

// ChatMessage is one turn of a chat-completions conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// HistoryRepository persists finished generation requests.
type HistoryRepository interface {
	SaveRecord(ctx context.Context, rec domain.GenerationRecord) error
	ListRecords(ctx context.Context, limit int) ([]domain.GenerationRecord, error)
}
