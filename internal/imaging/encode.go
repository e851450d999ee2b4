// Package imaging holds the frame encoding and payload chunking helpers
// shared by the worker and the gallery store.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
)

// ChunkLimit is the maximum base64 payload carried by a single SSE event.
// Larger images are split across events and reassembled client-side.
const ChunkLimit = 400 * 1024

// Intermediate frames trade fidelity for byte budget.
const intermediateJPEGQuality = 90

// galleryJPEGQuality is used when re-encoding a JPEG upload for the gallery.
const galleryJPEGQuality = 85

// EncodeStepImage encodes one streamed frame: PNG for the final step, JPEG
// otherwise. Images with alpha are flattened onto a white background before
// JPEG encoding, which cannot represent transparency.
func EncodeStepImage(img image.Image, final bool) ([]byte, error) {
	var buf bytes.Buffer
	if final {
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("png encode: %w", err)
		}
		return buf.Bytes(), nil
	}

	if err := jpeg.Encode(&buf, FlattenToRGB(img), &jpeg.Options{Quality: intermediateJPEGQuality}); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}

// FlattenToRGB composites the image over white, discarding any alpha or
// palette representation.
func FlattenToRGB(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Over)
	return out
}

// SplitChunks slices a base64 payload into limit-sized pieces (ChunkLimit when
// limit is not positive). A payload at or under the limit yields a single
// chunk.
func SplitChunks(b64 string, limit int) []string {
	if limit <= 0 {
		limit = ChunkLimit
	}
	if len(b64) <= limit {
		return []string{b64}
	}
	total := (len(b64) + limit - 1) / limit
	chunks := make([]string, 0, total)
	for i := 0; i < total; i++ {
		start := i * limit
		end := start + limit
		if end > len(b64) {
			end = len(b64)
		}
		chunks = append(chunks, b64[start:end])
	}
	return chunks
}

// NormalizeGalleryImage inspects uploaded image bytes and returns the bytes
// to persist plus the file extension. A JPEG upload is re-encoded as JPEG,
// any other decodable image as PNG. Bytes that do not decode as an image are
// written through untouched with a png extension.
func NormalizeGalleryImage(data []byte) (out []byte, ext string) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return data, "png"
	}

	var buf bytes.Buffer
	if format == "jpeg" {
		if err := jpeg.Encode(&buf, FlattenToRGB(img), &jpeg.Options{Quality: galleryJPEGQuality}); err != nil {
			return data, "jpg"
		}
		return buf.Bytes(), "jpg"
	}

	if err := png.Encode(&buf, img); err != nil {
		return data, "png"
	}
	return buf.Bytes(), "png"
}
