package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/gongysh2004/cogview4-server/internal/core/domain"
	"github.com/gongysh2004/cogview4-server/internal/core/ports"
	"github.com/gongysh2004/cogview4-server/internal/imaging"
	"github.com/gongysh2004/cogview4-server/internal/metrics"
)

// Worker owns one device and one loaded pipeline. It pops one message at a
// time from the shared request channel and emits result events to the bus.
type Worker struct {
	id         int
	logger     *slog.Logger
	loader     ports.PipelineLoader
	requests   <-chan domain.WorkerMessage
	stop       <-chan struct{}
	bus        *EventBus
	ready      *Readiness
	stagger    time.Duration
	chunkLimit int
	metrics    *metrics.Metrics
}

// invocation is a worker-side normalization of single and batched messages:
// parallel per-slot slices plus the shared parameter tuple.
type invocation struct {
	label      string // request id or batch id, for logs and view bookkeeping
	prompts    []string
	negatives  []string
	requestIDs []string
	seeds      []int64
	width      int
	height     int
	guidance   float64
	steps      int
	numImages  int
	stream     bool
}

// Run loads the pipeline and serves the request channel until the stop
// signal. A load failure leaves the worker permanently not-ready; the pool
// keeps serving with the survivors.
func (w *Worker) Run(ctx context.Context) error {
	if w.stagger > 0 {
		select {
		case <-time.After(time.Duration(w.id) * w.stagger):
		case <-ctx.Done():
			return nil
		case <-w.stop:
			return nil
		}
	}

	w.logger.Info("worker loading pipeline", "worker_id", w.id)
	pipeline, err := w.loader.Load(ctx, w.id)
	if err != nil {
		w.logger.Error("worker failed to load pipeline", "worker_id", w.id, "error", err)
		return nil
	}
	defer pipeline.Close()

	w.ready.Set(w.id)
	w.logger.Info("worker ready", "worker_id", w.id)

	for {
		select {
		case msg := <-w.requests:
			w.handle(ctx, pipeline, msg)
		case <-w.stop:
			// Drain messages flushed during shutdown so waiting clients
			// still complete, then exit.
			for {
				select {
				case msg := <-w.requests:
					w.handle(ctx, pipeline, msg)
				default:
					w.logger.Info("worker shutting down", "worker_id", w.id)
					return nil
				}
			}
		case <-ctx.Done():
			w.logger.Info("worker shutting down", "worker_id", w.id)
			return nil
		}
	}
}

func (w *Worker) handle(ctx context.Context, pipeline ports.Pipeline, msg domain.WorkerMessage) {
	var inv invocation
	switch {
	case msg.Batch != nil:
		b := msg.Batch
		w.logger.Info("processing batched request",
			"worker_id", w.id, "batch_id", b.BatchID, "prompts", len(b.Prompts), "stream", b.Stream)
		inv = invocation{
			label:      b.BatchID,
			prompts:    b.Prompts,
			negatives:  b.NegativePrompts,
			requestIDs: b.RequestIDs,
			seeds:      resolveSeeds(b.Seeds, len(b.Prompts)),
			width:      b.Width,
			height:     b.Height,
			guidance:   b.GuidanceScale,
			steps:      b.Steps,
			numImages:  b.NumImages,
			stream:     b.Stream,
		}
	case msg.Request != nil:
		r := msg.Request
		w.logger.Info("processing individual request",
			"worker_id", w.id, "request_id", r.RequestID, "stream", r.Stream)
		inv = invocation{
			label:      r.RequestID,
			prompts:    []string{r.Prompt},
			negatives:  []string{r.NegativePrompt},
			requestIDs: []string{r.RequestID},
			seeds:      resolveSeeds([]*int64{r.Seed}, 1),
			width:      r.Width,
			height:     r.Height,
			guidance:   r.GuidanceScale,
			steps:      r.Steps,
			numImages:  r.NumImages,
			stream:     r.Stream,
		}
	default:
		return
	}

	if inv.stream {
		w.processStreaming(ctx, pipeline, inv)
	} else {
		w.processNonStreaming(ctx, pipeline, inv)
	}
}

// resolveSeeds fills missing seeds from wall-clock milliseconds, offset per
// slot so unseeded batch members still get distinct trajectories. Each slot's
// seed is reported back in that request's own events.
func resolveSeeds(provided []*int64, n int) []int64 {
	seeds := make([]int64, n)
	base := time.Now().UnixMilli()
	for i := 0; i < n; i++ {
		if i < len(provided) && provided[i] != nil {
			seeds[i] = *provided[i]
		} else {
			seeds[i] = (base + int64(i)) % (1 << 32)
		}
	}
	return seeds
}

func (w *Worker) params(inv invocation, onStep domain.StepFunc) domain.PipelineParams {
	return domain.PipelineParams{
		Prompts:         inv.prompts,
		NegativePrompts: inv.negatives,
		Width:           inv.width,
		Height:          inv.height,
		GuidanceScale:   inv.guidance,
		Steps:           inv.steps,
		ImagesPerPrompt: inv.numImages,
		Seeds:           inv.seeds,
		OnStep:          onStep,
	}
}

func (w *Worker) processNonStreaming(ctx context.Context, pipeline ports.Pipeline, inv invocation) {
	view := pipeline.NewView()
	defer view.Close()

	images, err := view.Generate(ctx, w.params(inv, nil))
	if err != nil {
		w.failInvocation(inv, err)
		return
	}

	for slot, requestID := range inv.requestIDs {
		start := slot * inv.numImages
		end := start + inv.numImages
		if end > len(images) {
			w.failInvocation(inv, fmt.Errorf("pipeline returned %d images, want %d", len(images), len(inv.requestIDs)*inv.numImages))
			return
		}

		encoded := make([]string, 0, inv.numImages)
		for _, img := range images[start:end] {
			data, encErr := imaging.EncodeStepImage(img, true)
			if encErr != nil {
				w.failInvocation(inv, fmt.Errorf("failed to encode final image: %w", encErr))
				return
			}
			encoded = append(encoded, base64.StdEncoding.EncodeToString(data))
		}

		w.bus.Publish(domain.ResultEvent{
			RequestID:  requestID,
			Kind:       domain.ResultCompleted,
			Completion: &domain.CompletionData{Images: encoded, Seed: inv.seeds[slot]},
		})
	}
	w.logger.Debug("non-streaming invocation completed", "worker_id", w.id, "label", inv.label)
}

func (w *Worker) processStreaming(ctx context.Context, pipeline ports.Pipeline, inv invocation) {
	view := pipeline.NewView()
	defer view.Close()

	onStep := func(step int, stepImages []image.Image) {
		w.emitStep(inv, step, stepImages)
	}

	_, err := view.Generate(ctx, w.params(inv, onStep))
	if err != nil {
		w.failInvocation(inv, err)
		return
	}

	for _, requestID := range inv.requestIDs {
		w.bus.Publish(domain.ResultEvent{RequestID: requestID, Kind: domain.ResultCompleted})
	}
	w.logger.Debug("streaming invocation completed", "worker_id", w.id, "label", inv.label)
}

// emitStep encodes every image slot of one denoising step and fans the
// frames out to each originating request. Encoding failures drop that
// frame only; generation continues.
func (w *Worker) emitStep(inv invocation, step int, stepImages []image.Image) {
	final := step == inv.steps-1
	progress := float64(step+1) / float64(inv.steps)

	for imageIdx, img := range stepImages {
		data, err := imaging.EncodeStepImage(img, final)
		if err != nil {
			w.logger.Warn("failed to encode step image",
				"worker_id", w.id, "step", step, "image_index", imageIdx, "error", err)
			continue
		}
		b64 := base64.StdEncoding.EncodeToString(data)
		chunks := imaging.SplitChunks(b64, w.chunkLimit)
		now := float64(time.Now().UnixNano()) / 1e9

		for slot, requestID := range inv.requestIDs {
			base := domain.StepData{
				Step:        step,
				TotalSteps:  inv.steps,
				Progress:    progress,
				IsFinal:     final,
				Timestamp:   now,
				ImageIndex:  imageIdx,
				TotalImages: inv.numImages,
				Seed:        inv.seeds[slot],
			}

			if len(chunks) == 1 {
				frame := base
				frame.Image = chunks[0]
				w.publishStep(requestID, frame)
				continue
			}

			chunkID := fmt.Sprintf("%s_step_%d_img_%d_%d", requestID, step, imageIdx, time.Now().UnixMilli())
			total := len(chunks)
			for ci, chunk := range chunks {
				ci := ci
				frame := base
				frame.Image = chunk
				frame.IsChunked = true
				frame.ChunkID = chunkID
				frame.ChunkIndex = &ci
				frame.TotalChunks = &total
				w.publishStep(requestID, frame)
			}
		}
	}
}

func (w *Worker) publishStep(requestID string, frame domain.StepData) {
	if w.metrics != nil {
		w.metrics.StepEvents.Inc()
	}
	w.bus.Publish(domain.ResultEvent{
		RequestID: requestID,
		Kind:      domain.ResultStreamingStep,
		Step:      &frame,
	})
}

func (w *Worker) failInvocation(inv invocation, err error) {
	w.logger.Error("pipeline invocation failed", "worker_id", w.id, "label", inv.label, "error", err)
	for _, requestID := range inv.requestIDs {
		w.bus.Publish(domain.ResultEvent{
			RequestID: requestID,
			Kind:      domain.ResultError,
			Err:       err.Error(),
		})
	}
}
