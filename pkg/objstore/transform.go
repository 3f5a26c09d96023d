package objstore

import (
	"bytes"
	"container/list"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"strconv"
	"strings"
	"sync"
	"time"

	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

var (
	ErrTransformBounds = errors.New("transform exceeds bounds")
	ErrTransformFormat = errors.New("unsupported transform format")
)

// TransformOptions selects the output of an image transform. Zero width or
// height preserves the aspect ratio against the other dimension; both zero
// keeps the source dimensions.
type TransformOptions struct {
	Width   int
	Height  int
	Format  string
	Quality int
}

func (o TransformOptions) key() string {
	return strings.Join([]string{
		strconv.Itoa(o.Width),
		strconv.Itoa(o.Height),
		o.Format,
		strconv.Itoa(o.Quality),
	}, "|")
}

// TransformerConfig bounds transform work and output caching.
type TransformerConfig struct {
	MaxWidth        int
	MaxHeight       int
	MaxTotalPixels  int
	Formats         []string
	CacheMaxEntries int
	CacheTTL        time.Duration
}

// Transformer resizes and re-encodes images within configured bounds,
// caching results in memory with TTL and LRU eviction.
type Transformer struct {
	cfg     TransformerConfig
	formats map[string]struct{}

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type transformEntry struct {
	key         string
	data        []byte
	contentType string
	expiresAt   time.Time
}

// NewTransformer builds a Transformer. Missing bounds get conservative
// defaults; an empty format list allows png and jpeg.
func NewTransformer(cfg TransformerConfig) *Transformer {
	if cfg.MaxWidth <= 0 {
		cfg.MaxWidth = 4096
	}
	if cfg.MaxHeight <= 0 {
		cfg.MaxHeight = 4096
	}
	if cfg.MaxTotalPixels <= 0 {
		cfg.MaxTotalPixels = cfg.MaxWidth * cfg.MaxHeight
	}
	if len(cfg.Formats) == 0 {
		cfg.Formats = []string{"png", "jpeg"}
	}
	if cfg.CacheMaxEntries <= 0 {
		cfg.CacheMaxEntries = 256
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}

	formats := make(map[string]struct{}, len(cfg.Formats))
	for _, f := range cfg.Formats {
		formats[strings.ToLower(f)] = struct{}{}
	}
	return &Transformer{
		cfg:     cfg,
		formats: formats,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

func normalizeFormat(format string) string {
	format = strings.ToLower(format)
	if format == "jpg" {
		return "jpeg"
	}
	return format
}

// Transform decodes src, scales it to the requested dimensions, and encodes
// it in the requested format. cacheKey distinguishes source objects; results
// are cached per (cacheKey, options).
func (t *Transformer) Transform(cacheKey string, src []byte, opts TransformOptions) ([]byte, string, error) {
	opts.Format = normalizeFormat(opts.Format)
	if opts.Format == "" {
		opts.Format = "png"
	}
	if _, ok := t.formats[opts.Format]; !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrTransformFormat, opts.Format)
	}
	if opts.Width < 0 || opts.Height < 0 {
		return nil, "", fmt.Errorf("%w: negative dimensions", ErrTransformBounds)
	}
	if opts.Width > t.cfg.MaxWidth || opts.Height > t.cfg.MaxHeight {
		return nil, "", fmt.Errorf("%w: %dx%d", ErrTransformBounds, opts.Width, opts.Height)
	}

	key := cacheKey + "|" + opts.key()
	if data, ctype, ok := t.lookup(key); ok {
		return data, ctype, nil
	}

	img, _, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}

	width, height := targetSize(img.Bounds(), opts.Width, opts.Height)
	if width > t.cfg.MaxWidth || height > t.cfg.MaxHeight || width*height > t.cfg.MaxTotalPixels {
		return nil, "", fmt.Errorf("%w: %dx%d", ErrTransformBounds, width, height)
	}

	out := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.CatmullRom.Scale(out, out.Bounds(), img, img.Bounds(), xdraw.Over, nil)

	var buf bytes.Buffer
	var contentType string
	switch opts.Format {
	case "png":
		contentType = "image/png"
		err = png.Encode(&buf, out)
	case "jpeg":
		contentType = "image/jpeg"
		quality := opts.Quality
		if quality <= 0 || quality > 100 {
			quality = jpeg.DefaultQuality
		}
		err = jpeg.Encode(&buf, out, &jpeg.Options{Quality: quality})
	case "gif":
		contentType = "image/gif"
		err = gif.Encode(&buf, out, nil)
	default:
		return nil, "", fmt.Errorf("%w: %s", ErrTransformFormat, opts.Format)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode image: %w", err)
	}

	t.put(key, buf.Bytes(), contentType)
	return buf.Bytes(), contentType, nil
}

// targetSize resolves requested dimensions against the source bounds,
// preserving aspect ratio when one side is unset.
func targetSize(bounds image.Rectangle, width, height int) (int, int) {
	srcW, srcH := bounds.Dx(), bounds.Dy()
	switch {
	case width == 0 && height == 0:
		return srcW, srcH
	case width == 0:
		w := srcW * height / srcH
		if w < 1 {
			w = 1
		}
		return w, height
	case height == 0:
		h := srcH * width / srcW
		if h < 1 {
			h = 1
		}
		return width, h
	default:
		return width, height
	}
}

func (t *Transformer) lookup(key string) ([]byte, string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	el, ok := t.entries[key]
	if !ok {
		return nil, "", false
	}
	entry := el.Value.(*transformEntry)
	if time.Now().After(entry.expiresAt) {
		t.order.Remove(el)
		delete(t.entries, key)
		return nil, "", false
	}
	t.order.MoveToFront(el)
	return entry.data, entry.contentType, true
}

func (t *Transformer) put(key string, data []byte, contentType string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if el, ok := t.entries[key]; ok {
		t.order.Remove(el)
		delete(t.entries, key)
	}
	for t.order.Len() >= t.cfg.CacheMaxEntries {
		oldest := t.order.Back()
		if oldest == nil {
			break
		}
		t.order.Remove(oldest)
		delete(t.entries, oldest.Value.(*transformEntry).key)
	}
	t.entries[key] = t.order.PushFront(&transformEntry{
		key:         key,
		data:        data,
		contentType: contentType,
		expiresAt:   time.Now().Add(t.cfg.CacheTTL),
	})
}
