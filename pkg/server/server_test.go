package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gongysh2004/cogview4-server/internal/adapters/gallery"
	"github.com/gongysh2004/cogview4-server/internal/core/domain"
	"github.com/gongysh2004/cogview4-server/internal/core/ports"
	"github.com/gongysh2004/cogview4-server/internal/core/services"
	"github.com/gongysh2004/cogview4-server/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stubLoader renders tiny images instantly and records the parameters of the
// last pipeline invocation.
type stubLoader struct {
	mu         sync.Mutex
	lastParams domain.PipelineParams
}

func (l *stubLoader) Load(_ context.Context, _ int) (ports.Pipeline, error) {
	return &stubPipeline{loader: l}, nil
}

func (l *stubLoader) LastParams() domain.PipelineParams {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastParams
}

type stubPipeline struct{ loader *stubLoader }

func (p *stubPipeline) NewView() ports.PipelineView { return &stubView{loader: p.loader} }
func (p *stubPipeline) Close() error                { return nil }

type stubView struct{ loader *stubLoader }

func (v *stubView) Close() {}

func (v *stubView) Generate(ctx context.Context, params domain.PipelineParams) ([]image.Image, error) {
	v.loader.mu.Lock()
	v.loader.lastParams = params
	v.loader.mu.Unlock()

	for _, prompt := range params.Prompts {
		if strings.Contains(prompt, "boom") {
			return nil, fmt.Errorf("pipeline exploded")
		}
	}

	total := len(params.Prompts) * params.ImagesPerPrompt
	render := func() []image.Image {
		images := make([]image.Image, total)
		for i := range images {
			img := image.NewRGBA(image.Rect(0, 0, 2, 2))
			img.SetRGBA(0, 0, color.RGBA{G: 200, A: 255})
			images[i] = img
		}
		return images
	}

	if params.OnStep != nil {
		for step := 0; step < params.Steps; step++ {
			params.OnStep(step, render())
		}
	}
	return render(), nil
}

type fakeChatClient struct {
	response string
	err      error
}

func (f *fakeChatClient) Complete(context.Context, []ports.ChatMessage) (string, error) {
	return f.response, f.err
}

type testEnv struct {
	server *httptest.Server
	loader *stubLoader
	chat   *fakeChatClient
}

func newTestEnv(t *testing.T, maxTotalPixels int) *testEnv {
	t.Helper()
	logger := testLogger()
	loader := &stubLoader{}
	bus := services.NewEventBus(logger)
	pool := services.NewWorkerPool(logger, services.PoolConfig{
		NumWorkers:     1,
		MaxTotalPixels: maxTotalPixels,
		EnableBatching: true,
		BatchTimeout:   20 * time.Millisecond,
		MaxBatchSize:   8,
		ShutdownGrace:  time.Second,
	}, loader, bus, nil)

	ctx, cancel := context.WithCancel(context.Background())
	poolDone := make(chan struct{})
	go func() {
		_ = pool.Run(ctx)
		close(poolDone)
	}()

	chat := &fakeChatClient{response: "an exquisitely detailed scene"}
	staticDir := t.TempDir()
	srv := NewServer(
		logger,
		pool,
		gallery.NewStore(logger, staticDir),
		services.NewPromptService(logger, chat),
		nil,
		metrics.New(),
		staticDir,
		maxTotalPixels,
	)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		select {
		case <-poolDone:
		case <-time.After(5 * time.Second):
		}
	})

	return &testEnv{server: ts, loader: loader, chat: chat}
}

func (e *testEnv) postJSON(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func generationPayload() map[string]interface{} {
	return map[string]interface{}{
		"prompt":              "a lighthouse",
		"size":                "64x64",
		"num_inference_steps": 10,
		"guidance_scale":      5.0,
		"n":                   1,
	}
}

func TestGenerations_ValidationErrors(t *testing.T) {
	env := newTestEnv(t, 1024*1024*4)

	cases := []map[string]interface{}{
		{"size": "64x64"},                          // missing prompt
		{"prompt": "p", "n": 5},                    // n out of range
		{"prompt": "p", "num_inference_steps": 9},  // too few steps
		{"prompt": "p", "guidance_scale": 25.0},    // guidance out of range
		{"prompt": "p", "num_inference_steps": 151}, // too many steps
	}
	for _, payload := range cases {
		resp := env.postJSON(t, "/v1/images/generations", payload)
		var body ErrorBody
		decodeBody(t, resp, &body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "payload: %v", payload)
		assert.NotEmpty(t, body.Detail)
	}
}

func TestGenerations_VRAMCapRejected(t *testing.T) {
	env := newTestEnv(t, 1024*1024)

	payload := generationPayload()
	payload["size"] = "1024x1024"
	resp := env.postJSON(t, "/v1/images/generations", payload)
	var body ErrorBody
	decodeBody(t, resp, &body)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body.Detail, "VRAM")
}

func TestGenerations_NonStreaming(t *testing.T) {
	env := newTestEnv(t, 1024*1024*4)

	payload := generationPayload()
	payload["seed"] = 42
	resp := env.postJSON(t, "/v1/images/generations", payload)

	var body GenerationResponse
	decodeBody(t, resp, &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Greater(t, body.Created, int64(0))
	require.Len(t, body.Data, 1)
	assert.Equal(t, int64(42), body.Data[0].Seed)

	raw, err := base64.StdEncoding.DecodeString(body.Data[0].B64JSON)
	require.NoError(t, err)
	_, format, err := image.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
}

func TestGenerations_MalformedSizeFallsBack(t *testing.T) {
	env := newTestEnv(t, 1024*1024*8)

	payload := generationPayload()
	payload["size"] = "abc"
	resp := env.postJSON(t, "/v1/images/generations", payload)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	params := env.loader.LastParams()
	assert.Equal(t, 1024, params.Width)
	assert.Equal(t, 1024, params.Height)
}

func TestGenerations_PipelineFailureIs500(t *testing.T) {
	env := newTestEnv(t, 1024*1024*4)

	payload := generationPayload()
	payload["prompt"] = "boom"
	resp := env.postJSON(t, "/v1/images/generations", payload)
	var body ErrorBody
	decodeBody(t, resp, &body)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, body.Detail, "Generation failed")
}

// readSSE collects the JSON payloads of every data event until [DONE].
func readSSE(t *testing.T, resp *http.Response) []map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()

	var frames []map[string]interface{}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			return frames
		}
		var frame map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(payload), &frame))
		frames = append(frames, frame)
	}
	t.Fatal("stream ended without [DONE]")
	return nil
}

func TestGenerations_Streaming(t *testing.T) {
	env := newTestEnv(t, 1024*1024*4)

	payload := generationPayload()
	payload["stream"] = true
	payload["seed"] = 7
	resp := env.postJSON(t, "/v1/images/generations", payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	frames := readSSE(t, resp)
	require.Len(t, frames, 10)

	lastStep := -1
	for i, frame := range frames {
		step := int(frame["step"].(float64))
		assert.GreaterOrEqual(t, step, lastStep, "steps must be non-decreasing")
		lastStep = step
		assert.Equal(t, float64(10), frame["total_steps"])
		assert.NotEmpty(t, frame["image"])
		assert.Equal(t, float64(7), frame["seed"])
		progress := frame["progress"].(float64)
		assert.Greater(t, progress, 0.0)
		assert.LessOrEqual(t, progress, 1.0)
		if i == len(frames)-1 {
			assert.Equal(t, true, frame["is_final"])
			assert.Equal(t, 1.0, progress)
		}
	}
}

func TestGenerations_StreamingErrorFrame(t *testing.T) {
	env := newTestEnv(t, 1024*1024*4)

	payload := generationPayload()
	payload["stream"] = true
	payload["prompt"] = "boom"
	resp := env.postJSON(t, "/v1/images/generations", payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	frames := readSSE(t, resp)
	require.Len(t, frames, 1)
	assert.Contains(t, frames[0]["error"], "pipeline exploded")
	assert.NotNil(t, frames[0]["timestamp"])
}

func TestListModels(t *testing.T) {
	env := newTestEnv(t, 1024*1024*4)

	resp, err := http.Get(env.server.URL + "/v1/models")
	require.NoError(t, err)
	var body struct {
		Object string `json:"object"`
		Data   []struct {
			ID      string `json:"id"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, "list", body.Object)
	require.Len(t, body.Data, 1)
	assert.Equal(t, "cogview4-6b", body.Data[0].ID)
	assert.Equal(t, "thudm", body.Data[0].OwnedBy)
}

func TestHealthAndStatus(t *testing.T) {
	env := newTestEnv(t, 1024*1024*4)

	require.Eventually(t, func() bool {
		resp, err := http.Get(env.server.URL + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var body struct {
			Status       string `json:"status"`
			WorkersReady int    `json:"workers_ready"`
			TotalWorkers int    `json:"total_workers"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return false
		}
		return body.Status == "healthy" && body.WorkersReady == 1 && body.TotalWorkers == 1
	}, 3*time.Second, 50*time.Millisecond)

	resp, err := http.Get(env.server.URL + "/status")
	require.NoError(t, err)
	var status struct {
		ServerVersion string `json:"server_version"`
		WorkerPool    struct {
			NumWorkers      int  `json:"num_workers"`
			ActiveRequests  int  `json:"active_requests"`
			BatchingEnabled bool `json:"batching_enabled"`
		} `json:"worker_pool"`
	}
	decodeBody(t, resp, &status)
	assert.Equal(t, "1.0.0", status.ServerVersion)
	assert.Equal(t, 1, status.WorkerPool.NumWorkers)
	assert.Equal(t, 0, status.WorkerPool.ActiveRequests)
	assert.True(t, status.WorkerPool.BatchingEnabled)
}

func TestPromptOptimize_SuccessAndFailure(t *testing.T) {
	env := newTestEnv(t, 1024*1024*4)

	resp := env.postJSON(t, "/v1/prompt/optimize", map[string]interface{}{"prompt": "a cat"})
	var ok PromptOptimizeResponse
	decodeBody(t, resp, &ok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, ok.Success)
	assert.Equal(t, "a cat", ok.OriginalPrompt)
	assert.Equal(t, "an exquisitely detailed scene", ok.OptimizedPrompt)

	env.chat.err = fmt.Errorf("backend down")
	resp = env.postJSON(t, "/v1/prompt/optimize", map[string]interface{}{"prompt": "a cat", "retry_times": 1})
	var failed PromptOptimizeResponse
	decodeBody(t, resp, &failed)
	require.Equal(t, http.StatusOK, resp.StatusCode, "rewrite failures never fail hard")
	assert.False(t, failed.Success)
	assert.Equal(t, "a cat", failed.OptimizedPrompt)
	assert.Contains(t, failed.Message, "Optimization failed")
}

func TestPromptTranslate(t *testing.T) {
	env := newTestEnv(t, 1024*1024*4)
	env.chat.response = "一只猫"

	resp := env.postJSON(t, "/v1/prompt/translate", map[string]interface{}{"prompt": "a cat"})
	var body PromptTranslateResponse
	decodeBody(t, resp, &body)
	assert.True(t, body.Success)
	assert.Equal(t, "一只猫", body.TranslatedPrompt)
}

func TestPromptOptimize_MissingPrompt(t *testing.T) {
	env := newTestEnv(t, 1024*1024*4)
	resp := env.postJSON(t, "/v1/prompt/optimize", map[string]interface{}{})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func galleryImageB64(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestGallery_Lifecycle(t *testing.T) {
	env := newTestEnv(t, 1024*1024*4)

	// Empty gallery reads as an empty list, not an error.
	resp, err := http.Get(env.server.URL + "/v1/gallery")
	require.NoError(t, err)
	var empty GalleryResponse
	decodeBody(t, resp, &empty)
	assert.Equal(t, 0, empty.TotalCount)

	// Save.
	resp = env.postJSON(t, "/v1/gallery/save", map[string]interface{}{
		"image_data": galleryImageB64(t),
		"prompt":     "saved prompt",
		"size":       "512x512",
		"seed":       1234,
	})
	var saved struct {
		Success bool   `json:"success"`
		ImageID int    `json:"image_id"`
		URL     string `json:"url"`
	}
	decodeBody(t, resp, &saved)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, saved.Success)

	// The entry round-trips.
	resp, err = http.Get(env.server.URL + "/v1/gallery")
	require.NoError(t, err)
	var listing GalleryResponse
	decodeBody(t, resp, &listing)
	require.Equal(t, 1, listing.TotalCount)
	assert.Equal(t, saved.ImageID, listing.Images[0].ID)
	assert.Equal(t, "saved prompt", listing.Images[0].Prompt)
	assert.Equal(t, int64(1234), listing.Images[0].Seed)

	// Delete.
	req, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/v1/gallery/delete/%d", env.server.URL, saved.ImageID), nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(env.server.URL + "/v1/gallery")
	require.NoError(t, err)
	var afterDelete GalleryResponse
	decodeBody(t, resp, &afterDelete)
	assert.Equal(t, 0, afterDelete.TotalCount)

	// Second delete is a 404.
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGallery_SaveMissingFields(t *testing.T) {
	env := newTestEnv(t, 1024*1024*4)

	resp := env.postJSON(t, "/v1/gallery/save", map[string]interface{}{"prompt": "p", "size": "512x512"})
	var body ErrorBody
	decodeBody(t, resp, &body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body.Detail, "image_data")
}

func TestRedirects(t *testing.T) {
	env := newTestEnv(t, 1024*1024*4)

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}

	resp, err := client.Get(env.server.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
	assert.Equal(t, "/static/index.html", resp.Header.Get("Location"))

	resp, err = client.Get(env.server.URL + "/gallery")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "/static/gallery.html", resp.Header.Get("Location"))
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, 1024*1024*4)

	resp, err := http.Get(env.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHistoryEndpoint_NoRepository(t *testing.T) {
	env := newTestEnv(t, 1024*1024*4)

	resp, err := http.Get(env.server.URL + "/v1/history")
	require.NoError(t, err)
	var body struct {
		Count int `json:"count"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, 0, body.Count)
}

func TestParseSize(t *testing.T) {
	w, h := parseSize("512x768")
	assert.Equal(t, 512, w)
	assert.Equal(t, 768, h)

	for _, bad := range []string{"abc", "512x", "x512", "512X512", "-1x100", ""} {
		w, h = parseSize(bad)
		assert.Equal(t, 1024, w, "size %q", bad)
		assert.Equal(t, 1024, h, "size %q", bad)
	}
}
