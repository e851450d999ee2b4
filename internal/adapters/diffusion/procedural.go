// Package diffusion provides the pipeline backend behind the ports.Pipeline
// boundary. The procedural backend stands in for the linked model runtime:
// it renders deterministic seeded images through a simulated denoising loop,
// which gives development and tests the full streaming and batching surface
// without a GPU.
package diffusion

import (
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"math/rand"
	"sync/atomic"

	"github.com/gongysh2004/cogview4-server/internal/core/domain"
	"github.com/gongysh2004/cogview4-server/internal/core/ports"
)

// ProceduralLoader builds procedural pipelines keyed off the model path so
// the same path always yields the same family of images.
type ProceduralLoader struct {
	modelPath string
}

func NewProceduralLoader(modelPath string) *ProceduralLoader {
	return &ProceduralLoader{modelPath: modelPath}
}

var _ ports.PipelineLoader = (*ProceduralLoader)(nil)

func (l *ProceduralLoader) Load(_ context.Context, workerID int) (ports.Pipeline, error) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(l.modelPath))
	return &proceduralPipeline{modelSeed: int64(h.Sum64()), workerID: workerID}, nil
}

// proceduralPipeline is the shared "weights": a model seed derived from the
// model path. Views own their trajectory state.
type proceduralPipeline struct {
	modelSeed int64
	workerID  int
	closed    atomic.Bool
}

func (p *proceduralPipeline) NewView() ports.PipelineView {
	return &proceduralView{pipeline: p}
}

func (p *proceduralPipeline) Close() error {
	p.closed.Store(true)
	return nil
}

// proceduralView is a single-use generation handle. It holds no device
// state of its own, so Close has nothing to release.
type proceduralView struct {
	pipeline *proceduralPipeline
}

func (v *proceduralView) Close() {}

// Generate runs the simulated denoising loop: each slot starts from seeded
// noise and converges on a target image derived from (model, prompt, seed);
// intermediates blend target and per-step noise so early frames look noisy
// and late frames sharp.
func (v *proceduralView) Generate(ctx context.Context, params domain.PipelineParams) ([]image.Image, error) {
	if v.pipeline.closed.Load() {
		return nil, fmt.Errorf("pipeline is closed")
	}
	if len(params.Prompts) == 0 {
		return nil, fmt.Errorf("no prompts")
	}
	if params.Steps <= 0 {
		return nil, fmt.Errorf("invalid step count %d", params.Steps)
	}
	if len(params.Seeds) != len(params.Prompts) {
		return nil, fmt.Errorf("got %d seeds for %d prompts", len(params.Seeds), len(params.Prompts))
	}

	totalImages := len(params.Prompts) * params.ImagesPerPrompt
	targets := make([]*image.RGBA, 0, totalImages)
	for slot, prompt := range params.Prompts {
		for j := 0; j < params.ImagesPerPrompt; j++ {
			targets = append(targets, v.renderTarget(prompt, params.Seeds[slot]+int64(j), params.Width, params.Height))
		}
	}

	for step := 0; step < params.Steps; step++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if params.OnStep != nil {
			frames := make([]image.Image, len(targets))
			for i, target := range targets {
				frames[i] = v.denoiseFrame(target, params.Seeds[i/params.ImagesPerPrompt], step, params.Steps)
			}
			params.OnStep(step, frames)
		}
	}

	out := make([]image.Image, len(targets))
	for i, target := range targets {
		out[i] = target
	}
	return out, nil
}

// renderTarget produces the deterministic final image for one slot.
func (v *proceduralView) renderTarget(prompt string, seed int64, width, height int) *image.RGBA {
	h := fnv.New64a()
	_, _ = h.Write([]byte(prompt))
	rng := rand.New(rand.NewSource(v.pipeline.modelSeed ^ seed ^ int64(h.Sum64())))

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	// Smooth two-tone gradient with seeded phase; cheap, deterministic, and
	// visibly distinct per (prompt, seed).
	base := [3]uint8{uint8(rng.Intn(256)), uint8(rng.Intn(256)), uint8(rng.Intn(256))}
	accent := [3]uint8{uint8(rng.Intn(256)), uint8(rng.Intn(256)), uint8(rng.Intn(256))}
	phase := rng.Intn(64) + 1

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			t := ((x + y*phase) / phase) % 2
			c := base
			if t == 1 {
				c = accent
			}
			img.SetRGBA(x, y, color.RGBA{R: c[0], G: c[1], B: c[2], A: 255})
		}
	}
	return img
}

// denoiseFrame blends per-step noise into the target; later steps carry less
// noise, the last step before the final output is nearly clean.
func (v *proceduralView) denoiseFrame(target *image.RGBA, seed int64, step, steps int) *image.RGBA {
	if step >= steps-1 {
		return target
	}

	noiseLevel := 1.0 - float64(step+1)/float64(steps)
	rng := rand.New(rand.NewSource(seed + int64(step)*7919))

	b := target.Bounds()
	out := image.NewRGBA(b)
	copy(out.Pix, target.Pix)
	// Perturb a noiseLevel fraction of pixels rather than all of them; keeps
	// per-step cost proportional to remaining noise.
	perturbed := int(noiseLevel * float64(b.Dx()*b.Dy()))
	for i := 0; i < perturbed; i++ {
		x := rng.Intn(b.Dx())
		y := rng.Intn(b.Dy())
		out.SetRGBA(x, y, color.RGBA{
			R: uint8(rng.Intn(256)),
			G: uint8(rng.Intn(256)),
			B: uint8(rng.Intn(256)),
			A: 255,
		})
	}
	return out
}
