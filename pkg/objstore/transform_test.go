package objstore

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 13), G: uint8(y * 7), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func decodeSize(t *testing.T, data []byte) (int, int) {
	t.Helper()
	img, _, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img.Bounds().Dx(), img.Bounds().Dy()
}

func TestTransformResizesToRequestedSize(t *testing.T) {
	tr := NewTransformer(TransformerConfig{})
	src := testPNG(t, 40, 20)

	out, ctype, err := tr.Transform("k1", src, TransformOptions{Width: 10, Height: 5, Format: "png"})
	require.NoError(t, err)
	assert.Equal(t, "image/png", ctype)
	w, h := decodeSize(t, out)
	assert.Equal(t, 10, w)
	assert.Equal(t, 5, h)
}

func TestTransformPreservesAspectRatio(t *testing.T) {
	tr := NewTransformer(TransformerConfig{})
	src := testPNG(t, 40, 20)

	out, _, err := tr.Transform("k1", src, TransformOptions{Width: 20, Format: "png"})
	require.NoError(t, err)
	w, h := decodeSize(t, out)
	assert.Equal(t, 20, w)
	assert.Equal(t, 10, h)
}

func TestTransformJPEGQuality(t *testing.T) {
	tr := NewTransformer(TransformerConfig{})
	src := testPNG(t, 40, 40)

	out, ctype, err := tr.Transform("k1", src, TransformOptions{Width: 20, Height: 20, Format: "jpg", Quality: 60})
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", ctype)
	_, format, err := image.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
}

func TestTransformRejectsOutOfBounds(t *testing.T) {
	tr := NewTransformer(TransformerConfig{MaxWidth: 100, MaxHeight: 100, MaxTotalPixels: 5000})
	src := testPNG(t, 10, 10)

	_, _, err := tr.Transform("k1", src, TransformOptions{Width: 200, Height: 10, Format: "png"})
	assert.ErrorIs(t, err, ErrTransformBounds)

	// Individually within bounds, but the pixel budget trips.
	_, _, err = tr.Transform("k1", src, TransformOptions{Width: 100, Height: 100, Format: "png"})
	assert.ErrorIs(t, err, ErrTransformBounds)
}

func TestTransformRejectsUnknownFormat(t *testing.T) {
	tr := NewTransformer(TransformerConfig{Formats: []string{"png"}})
	src := testPNG(t, 10, 10)

	_, _, err := tr.Transform("k1", src, TransformOptions{Width: 5, Height: 5, Format: "webp"})
	assert.ErrorIs(t, err, ErrTransformFormat)
}

func TestTransformCacheHit(t *testing.T) {
	tr := NewTransformer(TransformerConfig{})
	src := testPNG(t, 40, 20)
	opts := TransformOptions{Width: 10, Height: 5, Format: "png"}

	first, _, err := tr.Transform("k1", src, opts)
	require.NoError(t, err)

	// Garbage source on the second call proves the cache answered.
	second, _, err := tr.Transform("k1", []byte("not an image"), opts)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestTransformCacheExpires(t *testing.T) {
	tr := NewTransformer(TransformerConfig{CacheTTL: time.Nanosecond})
	src := testPNG(t, 40, 20)
	opts := TransformOptions{Width: 10, Height: 5, Format: "png"}

	_, _, err := tr.Transform("k1", src, opts)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	_, _, err = tr.Transform("k1", []byte("not an image"), opts)
	assert.Error(t, err)
}

func TestTransformCacheEvictsLRU(t *testing.T) {
	tr := NewTransformer(TransformerConfig{CacheMaxEntries: 2})
	src := testPNG(t, 40, 20)
	opts := TransformOptions{Width: 10, Height: 5, Format: "png"}

	for _, key := range []string{"k1", "k2", "k3"} {
		_, _, err := tr.Transform(key, src, opts)
		require.NoError(t, err)
	}

	// k1 was evicted, so the bad source must be decoded and fail.
	_, _, err := tr.Transform("k1", []byte("not an image"), opts)
	assert.Error(t, err)

	// k3 is still cached.
	_, _, err = tr.Transform("k3", []byte("not an image"), opts)
	assert.NoError(t, err)
}
