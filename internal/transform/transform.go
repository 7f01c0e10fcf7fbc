// Package transform downloads one source image, halves its dimensions,
// recompresses it as JPEG and uploads the result to the object store.
//
// Process never returns a Go error: each step either hands its output to the
// next one or stops with a Result tagged by the failing step's Kind.
package transform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Kind tags a Result.
type Kind string

const (
	OK           Kind = "ok"
	FetchFailed  Kind = "fetch_failed"
	DecodeFailed Kind = "decode_failed"
	ResizeFailed Kind = "resize_failed"
	EncodeFailed Kind = "encode_failed"
	StoreFailed  Kind = "store_failed"
)

const (
	// JPEGQuality is fixed; it is not configurable per call.
	JPEGQuality = 50

	ContentType = "image/jpeg"
	KeySuffix   = ".jpg"

	// DefaultMaxPixels applies when Options.MaxImagePixels is unset.
	DefaultMaxPixels = 50_000_000
)

// Result is the outcome of one Process call. Locator is set only when Kind is OK.
type Result struct {
	URL     string
	Kind    Kind
	Locator string
	Err     error
}

func (r Result) OK() bool { return r.Kind == OK }

func failed(url string, kind Kind, err error) Result {
	return Result{URL: url, Kind: kind, Err: err}
}

// ObjectStore is the write-only durable store contract.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Locator(key string) string
}

type Options struct {
	FetchTimeout   time.Duration
	StoreTimeout   time.Duration
	MaxImageBytes  int64
	MaxImagePixels int64
}

type Pipeline struct {
	client *http.Client
	store  ObjectStore
	opts   Options
	log    zerolog.Logger
	newKey func() string
}

func New(client *http.Client, store ObjectStore, opts Options, log zerolog.Logger) *Pipeline {
	if client == nil {
		client = http.DefaultClient
	}
	if opts.MaxImagePixels <= 0 {
		opts.MaxImagePixels = DefaultMaxPixels
	}
	return &Pipeline{
		client: client,
		store:  store,
		opts:   opts,
		log:    log,
		newKey: func() string { return uuid.NewString() + KeySuffix },
	}
}

// Process runs fetch → decode → resize → normalize → encode → store for one URL.
// A panic inside any step is reported as that step's failure.
func (p *Pipeline) Process(ctx context.Context, url string) (res Result) {
	stage := FetchFailed
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Str("url", url).Str("stage", string(stage)).Interface("panic", r).Msg("transform: recovered panic")
			res = failed(url, stage, fmt.Errorf("panic: %v", r))
		}
	}()

	raw, err := p.fetch(ctx, url)
	if err != nil {
		return failed(url, FetchFailed, err)
	}

	stage = DecodeFailed
	img, err := Decode(raw, p.opts.MaxImagePixels)
	if err != nil {
		return failed(url, DecodeFailed, err)
	}

	stage = ResizeFailed
	resized, err := Halve(img)
	if err != nil {
		return failed(url, ResizeFailed, err)
	}

	stage = EncodeFailed
	encoded, err := Encode(Opaque(resized))
	if err != nil {
		return failed(url, EncodeFailed, err)
	}

	stage = StoreFailed
	key := p.newKey()
	if err := p.put(ctx, key, encoded); err != nil {
		return failed(url, StoreFailed, err)
	}

	locator := p.store.Locator(key)
	p.log.Debug().Str("url", url).Str("key", key).Str("locator", locator).Msg("transform: image stored")
	return Result{URL: url, Kind: OK, Locator: locator}
}

func (p *Pipeline) fetch(ctx context.Context, url string) ([]byte, error) {
	if p.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.FetchTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	body := io.Reader(resp.Body)
	if p.opts.MaxImageBytes > 0 {
		body = io.LimitReader(resp.Body, p.opts.MaxImageBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if p.opts.MaxImageBytes > 0 && int64(len(data)) > p.opts.MaxImageBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", p.opts.MaxImageBytes)
	}
	return data, nil
}

func (p *Pipeline) put(ctx context.Context, key string, body []byte) error {
	if p.opts.StoreTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.StoreTimeout)
		defer cancel()
	}
	return p.store.Put(ctx, key, body, ContentType)
}

// Decode sniffs the payload and decodes it as a raster image. The header is
// read first so that images declaring more than maxPixels pixels are refused
// without allocating their buffers; maxPixels <= 0 disables the check.
func Decode(data []byte, maxPixels int64) (image.Image, error) {
	if len(data) == 0 {
		return nil, errors.New("empty body")
	}
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return nil, fmt.Errorf("not an image: %s", mt.String())
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid dimensions %dx%d", cfg.Width, cfg.Height)
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return nil, fmt.Errorf("image %dx%d exceeds %d pixels", cfg.Width, cfg.Height, maxPixels)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return img, nil
}

// TargetSize halves both dimensions with integer truncation.
func TargetSize(width, height int) (int, int) {
	return width / 2, height / 2
}

// Halve resizes img to TargetSize of its bounds.
func Halve(img image.Image) (*image.NRGBA, error) {
	b := img.Bounds()
	w, h := TargetSize(b.Dx(), b.Dy())
	if w < 1 || h < 1 {
		return nil, fmt.Errorf("cannot downscale %dx%d image", b.Dx(), b.Dy())
	}
	return imaging.Resize(img, w, h, imaging.Lanczos), nil
}

// Opaque drops the alpha channel, keeping the non-premultiplied colour values.
func Opaque(img *image.NRGBA) *image.NRGBA {
	out := imaging.Clone(img)
	for i := 3; i < len(out.Pix); i += 4 {
		out.Pix[i] = 0xff
	}
	return out
}

// Encode writes img as a JPEG at JPEGQuality.
func Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(JPEGQuality)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
