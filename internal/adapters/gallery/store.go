// Package gallery persists saved images: files on disk plus a JSON index.
package gallery

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gongysh2004/cogview4-server/internal/core/domain"
	"github.com/gongysh2004/cogview4-server/internal/imaging"
)

const indexFile = "gallery.json"

// Store owns the on-disk gallery: image files under <staticDir>/images and
// the JSON index next to them. All writes serialize on one mutex; reads take
// no lock and may observe the previous consistent snapshot.
type Store struct {
	logger    *slog.Logger
	staticDir string
	imagesDir string

	mu sync.Mutex
}

func NewStore(logger *slog.Logger, staticDir string) *Store {
	return &Store{
		logger:    logger,
		staticDir: staticDir,
		imagesDir: filepath.Join(staticDir, "images"),
	}
}

func (s *Store) indexPath() string {
	return filepath.Join(s.imagesDir, indexFile)
}

// List returns all entries. A missing index is an empty gallery, not an
// error.
func (s *Store) List() ([]domain.GalleryEntry, error) {
	doc, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	return doc.Images, nil
}

// Save decodes and persists the image, then appends an index entry with the
// next monotone id. If the index rewrite fails the image file is unlinked
// so no orphan remains.
func (s *Store) Save(req domain.GallerySave) (domain.GallerySaveResult, error) {
	raw, err := base64.StdEncoding.DecodeString(req.ImageData)
	if err != nil {
		return domain.GallerySaveResult{}, fmt.Errorf("failed to decode image data: %w", err)
	}

	if err := os.MkdirAll(s.imagesDir, 0o755); err != nil {
		return domain.GallerySaveResult{}, fmt.Errorf("failed to create images directory: %w", err)
	}

	data, ext := imaging.NormalizeGalleryImage(raw)
	filename := fmt.Sprintf("image-%d.%s", time.Now().Unix(), ext)
	filePath := filepath.Join(s.imagesDir, filename)

	if err := os.WriteFile(filePath, data, 0o644); err != nil {
		return domain.GallerySaveResult{}, fmt.Errorf("failed to write image file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readIndex()
	if err != nil {
		_ = os.Remove(filePath)
		return domain.GallerySaveResult{}, err
	}

	nextID := 1
	for _, entry := range doc.Images {
		if entry.ID >= nextID {
			nextID = entry.ID + 1
		}
	}

	seed := int64(0)
	if req.Seed != nil {
		seed = *req.Seed
	} else {
		seed = int64(rand.Int31())
		s.logger.Info("synthesized gallery seed", "seed", seed)
	}

	entry := domain.GalleryEntry{
		ID:                nextID,
		URL:               "/static/images/" + filename,
		Prompt:            req.Prompt,
		NegativePrompt:    req.NegativePrompt,
		Size:              req.Size,
		Seed:              seed,
		Timestamp:         float64(time.Now().Unix()),
		GuidanceScale:     req.GuidanceScale,
		NumInferenceSteps: req.NumInferenceSteps,
	}
	doc.Images = append(doc.Images, entry)

	if err := s.writeIndex(doc); err != nil {
		// Compensate: the image without an index entry is unreachable.
		_ = os.Remove(filePath)
		return domain.GallerySaveResult{}, fmt.Errorf("failed to update gallery index: %w", err)
	}

	s.logger.Info("gallery entry saved", "id", nextID, "filename", filename)
	return domain.GallerySaveResult{ID: nextID, Filename: filename, URL: entry.URL}, nil
}

// Delete removes the entry and its file. A missing file is logged, not
// fatal; an unknown id is ErrEntryNotFound.
func (s *Store) Delete(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readIndex()
	if err != nil {
		return err
	}

	idx := -1
	for i, entry := range doc.Images {
		if entry.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return domain.ErrEntryNotFound
	}

	filePath := strings.TrimPrefix(doc.Images[idx].URL, "/static/")
	filePath = filepath.Join(s.staticDir, filePath)
	if err := os.Remove(filePath); err != nil {
		s.logger.Warn("failed to delete image file", "id", id, "path", filePath, "error", err)
	}

	doc.Images = append(doc.Images[:idx], doc.Images[idx+1:]...)
	if err := s.writeIndex(doc); err != nil {
		return fmt.Errorf("failed to update gallery index: %w", err)
	}

	s.logger.Info("gallery entry deleted", "id", id)
	return nil
}

func (s *Store) readIndex() (domain.GalleryDocument, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return domain.GalleryDocument{Images: []domain.GalleryEntry{}}, nil
		}
		return domain.GalleryDocument{}, fmt.Errorf("failed to read gallery index: %w", err)
	}

	var doc domain.GalleryDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return domain.GalleryDocument{}, fmt.Errorf("failed to parse gallery index: %w", err)
	}
	if doc.Images == nil {
		doc.Images = []domain.GalleryEntry{}
	}
	return doc, nil
}

// writeIndex rewrites the full document, pretty-printed for hand editing.
func (s *Store) writeIndex(doc domain.GalleryDocument) error {
	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal gallery index: %w", err)
	}
	return os.WriteFile(s.indexPath(), data, 0o644)
}
