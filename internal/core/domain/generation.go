package domain

import (
	"errors"
	"image"
)

// GenerationRequest is the internal record for one admitted client request.
// NegativePrompt is normalized to the empty string at the HTTP boundary so
// batches always carry a homogeneous list.
type GenerationRequest struct {
	RequestID      string
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	GuidanceScale  float64
	Steps          int
	NumImages      int
	Stream         bool
	Seed           *int64
}

// BatchKey is the equivalence class for coalescing. Two requests may share
// one pipeline invocation iff their keys are equal. Prompts and negative
// prompts are deliberately absent: the pipeline accepts per-slot text.
type BatchKey struct {
	Width         int
	Height        int
	GuidanceScale float64
	Steps         int
	Stream        bool
	NumImages     int
	Seed          int64
	HasSeed       bool
}

// Key derives the request's batch key.
func (r GenerationRequest) Key() BatchKey {
	k := BatchKey{
		Width:         r.Width,
		Height:        r.Height,
		GuidanceScale: r.GuidanceScale,
		Steps:         r.Steps,
		Stream:        r.Stream,
		NumImages:     r.NumImages,
	}
	if r.Seed != nil {
		k.Seed = *r.Seed
		k.HasSeed = true
	}
	return k
}

// Pixels is the VRAM cost of this request alone.
func (r GenerationRequest) Pixels() int {
	return r.Width * r.Height * r.NumImages
}

// BatchedRequest groups key-equal requests into one pipeline invocation.
// The parallel slices are aligned: Prompts[i], NegativePrompts[i], Seeds[i]
// all belong to RequestIDs[i].
type BatchedRequest struct {
	BatchID         string
	Prompts         []string
	NegativePrompts []string
	RequestIDs      []string
	Seeds           []*int64
	NumImages       int
	Width           int
	Height          int
	GuidanceScale   float64
	Steps           int
	Stream          bool
}

// Size returns the number of member requests.
func (b BatchedRequest) Size() int { return len(b.RequestIDs) }

// WorkerMessage is the unit popped from the shared request channel: either a
// single request (batching disabled) or a coalesced batch, never both.
type WorkerMessage struct {
	Request *GenerationRequest
	Batch   *BatchedRequest
}

// ResultKind discriminates events flowing back from workers.
type ResultKind string

const (
	ResultStreamingStep ResultKind = "streaming_step"
	ResultCompleted     ResultKind = "completed"
	ResultError         ResultKind = "error"
)

// StepData carries one streamed frame (or one chunk of a frame).
type StepData struct {
	Step        int
	TotalSteps  int
	Progress    float64
	Image       string
	IsFinal     bool
	Timestamp   float64
	IsChunked   bool
	ChunkID     string
	ChunkIndex  *int
	TotalChunks *int
	ImageIndex  int
	TotalImages int
	Seed        int64
}

// CompletionData is the terminal payload of a non-streaming request.
type CompletionData struct {
	Images []string `json:"images"`
	Seed   int64    `json:"seed"`
}

// ResultEvent is the envelope routed from workers to the per-request stream.
// Exactly one of Step/Completion/Err is populated according to Kind
// (Completion stays nil for streaming completions).
type ResultEvent struct {
	RequestID  string
	Kind       ResultKind
	Step       *StepData
	Completion *CompletionData
	Err        string
}

// PipelineParams is the full parameter tuple for one pipeline invocation.
// Seeds holds one resolved seed per prompt slot.
type PipelineParams struct {
	Prompts         []string
	NegativePrompts []string
	Width           int
	Height          int
	GuidanceScale   float64
	Steps           int
	ImagesPerPrompt int
	Seeds           []int64
	// OnStep, when non-nil, is invoked after every denoising step with the
	// decoded intermediate image for each slot (prompt-major order).
	OnStep StepFunc
}

// StepFunc receives the zero-based step index and the decoded intermediates.
type StepFunc func(step int, images []image.Image)

var (
	// ErrPoolShuttingDown is returned for submissions after shutdown began.
	ErrPoolShuttingDown = errors.New("worker pool is shutting down")
)
