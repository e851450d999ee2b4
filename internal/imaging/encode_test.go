package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	return img
}

func TestEncodeStepImage_FinalIsPNG(t *testing.T) {
	data, err := EncodeStepImage(testImage(8, 8), true)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("\x89PNG")))

	decoded, format, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 8, decoded.Bounds().Dx())
}

func TestEncodeStepImage_IntermediateIsJPEG(t *testing.T) {
	data, err := EncodeStepImage(testImage(8, 8), false)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte{0xFF, 0xD8}))

	_, format, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
}

func TestFlattenToRGB_CompositesOverWhite(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	// Fully transparent pixel must come out white.
	img.SetNRGBA(0, 0, color.NRGBA{A: 0})
	img.SetNRGBA(1, 1, color.NRGBA{R: 10, G: 20, B: 30, A: 255})

	out := FlattenToRGB(img)
	r, g, b, _ := out.At(0, 0).RGBA()
	assert.Equal(t, uint32(0xFFFF), r)
	assert.Equal(t, uint32(0xFFFF), g)
	assert.Equal(t, uint32(0xFFFF), b)

	r, _, _, _ = out.At(1, 1).RGBA()
	assert.Equal(t, uint32(10*257), r)
}

func TestSplitChunks(t *testing.T) {
	payload := strings.Repeat("a", 1000)

	chunks := SplitChunks(payload, 400)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 400)
	assert.Len(t, chunks[1], 400)
	assert.Len(t, chunks[2], 200)
	assert.Equal(t, payload, strings.Join(chunks, ""))
}

func TestSplitChunks_UnderLimitIsSingle(t *testing.T) {
	chunks := SplitChunks("short", 400)
	require.Len(t, chunks, 1)
	assert.Equal(t, "short", chunks[0])
}

func TestSplitChunks_ExactBoundary(t *testing.T) {
	payload := strings.Repeat("b", 400)
	chunks := SplitChunks(payload, 400)
	require.Len(t, chunks, 1)
}

func TestNormalizeGalleryImage_JPEGStaysJPEG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, testImage(4, 4), nil))

	out, ext := NormalizeGalleryImage(buf.Bytes())
	assert.Equal(t, "jpg", ext)
	assert.True(t, bytes.HasPrefix(out, []byte{0xFF, 0xD8}))
}

func TestNormalizeGalleryImage_PNGStaysPNG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, testImage(4, 4)))

	out, ext := NormalizeGalleryImage(buf.Bytes())
	assert.Equal(t, "png", ext)
	assert.True(t, bytes.HasPrefix(out, []byte("\x89PNG")))
}

func TestNormalizeGalleryImage_UndecodableWrittenRaw(t *testing.T) {
	raw := []byte("not an image at all")
	out, ext := NormalizeGalleryImage(raw)
	assert.Equal(t, "png", ext)
	assert.Equal(t, raw, out)
}
