// Package server exposes the HTTP and SSE surface of the image generation
// service.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gongysh2004/cogview4-server/internal/adapters/gallery"
	"github.com/gongysh2004/cogview4-server/internal/core/domain"
	"github.com/gongysh2004/cogview4-server/internal/core/ports"
	"github.com/gongysh2004/cogview4-server/internal/core/services"
	"github.com/gongysh2004/cogview4-server/internal/metrics"
)

const (
	serverVersion = "1.0.0"
	modelID       = "cogview4-6b"
	modelOwner    = "thudm"
)

// Server wires the worker pool, gallery, prompt rewrites and history behind
// the HTTP surface.
type Server struct {
	logger         *slog.Logger
	pool           *services.WorkerPool
	gallery        *gallery.Store
	prompts        *services.PromptService
	history        ports.HistoryRepository
	metrics        *metrics.Metrics
	staticDir      string
	maxTotalPixels int
}

func NewServer(
	logger *slog.Logger,
	pool *services.WorkerPool,
	galleryStore *gallery.Store,
	prompts *services.PromptService,
	history ports.HistoryRepository,
	m *metrics.Metrics,
	staticDir string,
	maxTotalPixels int,
) *Server {
	return &Server{
		logger:         logger,
		pool:           pool,
		gallery:        galleryStore,
		prompts:        prompts,
		history:        history,
		metrics:        m,
		staticDir:      staticDir,
		maxTotalPixels: maxTotalPixels,
	}
}

// Handler mounts every route on a fresh mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/images/generations", s.handleGenerations)
	mux.HandleFunc("GET /v1/models", s.handleListModels)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /v1/prompt/optimize", s.handleOptimizePrompt)
	mux.HandleFunc("POST /v1/prompt/translate", s.handleTranslatePrompt)
	mux.HandleFunc("GET /v1/gallery", s.handleGetGallery)
	mux.HandleFunc("POST /v1/gallery/save", s.handleSaveToGallery)
	mux.HandleFunc("DELETE /v1/gallery/delete/{id}", s.handleDeleteFromGallery)
	mux.HandleFunc("GET /v1/history", s.handleHistory)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.Dir(s.staticDir))))
	mux.HandleFunc("GET /gallery", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/static/gallery.html", http.StatusTemporaryRedirect)
	})
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/static/index.html", http.StatusTemporaryRedirect)
	})

	return mux
}

// handleGenerations validates the payload, enforces the VRAM cap, and
// dispatches to the streaming or blocking path.
func (s *Server) handleGenerations(w http.ResponseWriter, r *http.Request) {
	var req GenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	req.applyDefaults()
	if err := req.validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	width, height := parseSize(req.Size)
	if width*height*req.N >= s.maxTotalPixels {
		s.writeError(w, http.StatusBadRequest, "Request exceeds VRAM limits.")
		return
	}

	s.logger.Info("received image generation request",
		"prompt", truncate(req.Prompt, 50), "stream", req.Stream, "n", req.N, "seed", req.Seed)

	internal := domain.GenerationRequest{
		RequestID:     strings.ReplaceAll(uuid.New().String(), "-", "")[:8],
		Prompt:        req.Prompt,
		Width:         width,
		Height:        height,
		GuidanceScale: req.GuidanceScale,
		Steps:         req.NumInferenceSteps,
		NumImages:     req.N,
		Stream:        req.Stream,
		Seed:          req.Seed,
	}
	if req.NegativePrompt != nil {
		internal.NegativePrompt = *req.NegativePrompt
	}

	if req.Stream {
		s.streamGeneration(w, r, internal)
		return
	}
	s.blockingGeneration(w, r, internal)
}

func (s *Server) blockingGeneration(w http.ResponseWriter, r *http.Request, req domain.GenerationRequest) {
	start := time.Now()

	completion, err := s.pool.Generate(r.Context(), req)
	if err != nil {
		s.logger.Error("generation request failed", "error", err)
		s.recordHistory(req, 0, domain.RecordStatusError, err.Error(), start)
		s.writeError(w, http.StatusInternalServerError, "Generation failed: "+err.Error())
		return
	}

	data := make([]ImageData, 0, len(completion.Images))
	for _, b64 := range completion.Images {
		data = append(data, ImageData{B64JSON: b64, Seed: completion.Seed})
	}

	s.logger.Info("non-streaming request completed",
		"duration", time.Since(start), "seed", completion.Seed, "images", len(data))
	s.recordHistory(req, completion.Seed, domain.RecordStatusCompleted, "", start)

	s.writeJSON(w, http.StatusOK, GenerationResponse{Created: time.Now().Unix(), Data: data})
}

func (s *Server) streamGeneration(w http.ResponseWriter, r *http.Request, req domain.GenerationRequest) {
	start := time.Now()

	sse, err := newSSEWriter(w)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	requestID, events, release, err := s.pool.Submit(req)
	if err != nil {
		_ = sse.WriteJSON(map[string]interface{}{"error": err.Error(), "timestamp": unixSeconds()})
		_ = sse.WriteDone()
		return
	}
	defer release()

	seed := int64(0)
	for {
		select {
		case <-r.Context().Done():
			// Client went away; the worker runs to completion and its
			// remaining events are discarded on teardown.
			s.logger.Info("client disconnected mid-stream", "request_id", requestID)
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			switch evt.Kind {
			case domain.ResultStreamingStep:
				frame := frameFromStep(evt.Step)
				seed = evt.Step.Seed
				if err := sse.WriteJSON(frame); err != nil {
					s.logger.Info("stream write failed, dropping client", "request_id", requestID, "error", err)
					return
				}
			case domain.ResultCompleted:
				_ = sse.WriteDone()
				s.logger.Info("streaming completed", "request_id", requestID, "duration", time.Since(start))
				s.recordHistory(req, seed, domain.RecordStatusCompleted, "", start)
				return
			case domain.ResultError:
				s.logger.Error("stream error", "request_id", requestID, "error", evt.Err)
				_ = sse.WriteJSON(map[string]interface{}{"error": evt.Err, "timestamp": unixSeconds()})
				_ = sse.WriteDone()
				s.recordHistory(req, seed, domain.RecordStatusError, evt.Err, start)
				return
			}
		}
	}
}

func frameFromStep(step *domain.StepData) StreamFrame {
	imageIndex := step.ImageIndex
	totalImages := step.TotalImages
	seed := step.Seed
	return StreamFrame{
		Step:        step.Step,
		TotalSteps:  step.TotalSteps,
		Progress:    step.Progress,
		Image:       step.Image,
		IsFinal:     step.IsFinal,
		Timestamp:   step.Timestamp,
		IsChunked:   step.IsChunked,
		ChunkID:     step.ChunkID,
		ChunkIndex:  step.ChunkIndex,
		TotalChunks: step.TotalChunks,
		ImageIndex:  &imageIndex,
		TotalImages: &totalImages,
		Seed:        &seed,
	}
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data": []map[string]interface{}{{
			"id":         modelID,
			"object":     "model",
			"created":    time.Now().Unix(),
			"owned_by":   modelOwner,
			"permission": []interface{}{},
			"root":       modelID,
			"parent":     nil,
		}},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "unhealthy"
	if s.pool.IsReady() {
		status = "healthy"
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        status,
		"workers_ready": s.pool.ReadyWorkers(),
		"total_workers": s.pool.TotalWorkers(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"server_version": serverVersion,
		"worker_pool": map[string]interface{}{
			"initialized":      true,
			"num_workers":      s.pool.TotalWorkers(),
			"ready_workers":    s.pool.ReadyWorkers(),
			"active_requests":  s.pool.ActiveRequests(),
			"pending_batching": s.pool.PendingBatchRequests(),
			"batching_enabled": s.pool.BatchingEnabled(),
		},
	})
}

// handleOptimizePrompt never fails hard: on any rewrite failure the original
// prompt comes back with success=false.
func (s *Server) handleOptimizePrompt(w http.ResponseWriter, r *http.Request) {
	var req PromptRewriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Prompt == "" {
		s.writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	s.logger.Info("received prompt optimization request", "prompt", truncate(req.Prompt, 50))
	optimized, err := s.prompts.Optimize(r.Context(), req.Prompt, req.RetryTimes)
	if err != nil {
		s.writeJSON(w, http.StatusOK, PromptOptimizeResponse{
			OriginalPrompt:  req.Prompt,
			OptimizedPrompt: req.Prompt,
			Success:         false,
			Message:         "Optimization failed: " + err.Error(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, PromptOptimizeResponse{
		OriginalPrompt:  req.Prompt,
		OptimizedPrompt: optimized,
		Success:         true,
		Message:         "Prompt optimized successfully",
	})
}

func (s *Server) handleTranslatePrompt(w http.ResponseWriter, r *http.Request) {
	var req PromptRewriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Prompt == "" {
		s.writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	s.logger.Info("received prompt translation request", "prompt", truncate(req.Prompt, 50))
	translated, err := s.prompts.Translate(r.Context(), req.Prompt, req.RetryTimes)
	if err != nil {
		s.writeJSON(w, http.StatusOK, PromptTranslateResponse{
			OriginalPrompt:   req.Prompt,
			TranslatedPrompt: req.Prompt,
			Success:          false,
			Message:          "Translation failed: " + err.Error(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, PromptTranslateResponse{
		OriginalPrompt:   req.Prompt,
		TranslatedPrompt: translated,
		Success:          true,
		Message:          "Prompt translated successfully",
	})
}

func (s *Server) handleGetGallery(w http.ResponseWriter, r *http.Request) {
	entries, err := s.gallery.List()
	if err != nil {
		s.logger.Error("gallery listing failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Gallery request failed: "+err.Error())
		return
	}

	images := make([]GalleryImage, 0, len(entries))
	for _, e := range entries {
		images = append(images, GalleryImage{
			ID:                e.ID,
			ImageURL:          e.URL,
			Prompt:            e.Prompt,
			NegativePrompt:    e.NegativePrompt,
			Size:              e.Size,
			Seed:              e.Seed,
			Timestamp:         e.Timestamp,
			GuidanceScale:     e.GuidanceScale,
			NumInferenceSteps: e.NumInferenceSteps,
		})
	}

	s.writeJSON(w, http.StatusOK, GalleryResponse{Images: images, TotalCount: len(images), Success: true})
}

func (s *Server) handleSaveToGallery(w http.ResponseWriter, r *http.Request) {
	var req GallerySaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	for field, value := range map[string]string{
		"image_data": req.ImageData,
		"prompt":     req.Prompt,
		"size":       req.Size,
	} {
		if value == "" {
			s.writeError(w, http.StatusBadRequest, "Missing required field: "+field)
			return
		}
	}
	if req.GuidanceScale == 0 {
		req.GuidanceScale = 5.0
	}
	if req.NumInferenceSteps == 0 {
		req.NumInferenceSteps = 20
	}

	result, err := s.gallery.Save(domain.GallerySave{
		ImageData:         req.ImageData,
		Prompt:            req.Prompt,
		NegativePrompt:    req.NegativePrompt,
		Size:              req.Size,
		Seed:              req.Seed,
		GuidanceScale:     req.GuidanceScale,
		NumInferenceSteps: req.NumInferenceSteps,
	})
	if err != nil {
		s.logger.Error("save to gallery failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Save to gallery failed: "+err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"message":  "Image saved to gallery successfully",
		"image_id": result.ID,
		"filename": result.Filename,
		"url":      result.URL,
	})
}

func (s *Server) handleDeleteFromGallery(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid image id")
		return
	}

	if err := s.gallery.Delete(id); err != nil {
		if errors.Is(err, domain.ErrEntryNotFound) {
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("Image with ID %d not found", id))
			return
		}
		s.logger.Error("delete from gallery failed", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Delete from gallery failed: "+err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":          true,
		"message":          fmt.Sprintf("Image %d deleted successfully", id),
		"deleted_image_id": id,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"records": []interface{}{}, "count": 0})
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = min(n, 500)
		}
	}

	records, err := s.history.ListRecords(r.Context(), limit)
	if err != nil {
		s.logger.Error("history listing failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "History request failed: "+err.Error())
		return
	}
	if records == nil {
		records = []domain.GenerationRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"records": records, "count": len(records)})
}

func (s *Server) recordHistory(req domain.GenerationRequest, seed int64, status, errMsg string, start time.Time) {
	if s.history == nil {
		return
	}
	rec := domain.GenerationRecord{
		RequestID:      req.RequestID,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Size:           fmt.Sprintf("%dx%d", req.Width, req.Height),
		Seed:           seed,
		Stream:         req.Stream,
		Status:         status,
		Error:          errMsg,
		DurationMs:     time.Since(start).Milliseconds(),
		CreatedAt:      time.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.history.SaveRecord(ctx, rec); err != nil {
		s.logger.Warn("failed to record generation history", "request_id", req.RequestID, "error", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, detail string) {
	s.writeJSON(w, status, ErrorBody{Detail: detail})
}

func unixSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
