package capture

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"math"
	"time"

	"golang.org/x/image/draw"

	"clapguard/log"
)

const MimeType = "image/jpeg"

var ErrTooLarge = errors.New("image too large for delivery")

type Options struct {
	MaxWidth     int
	MaxHeight    int
	StartQuality float64
	MinQuality   float64
	QualityStep  float64
	ShrinkRatio  float64
	RestartDrop  float64 // start quality reduction after each shrink
	FloorWidth   int
	FloorHeight  int
	Budget       int // maximum data URI length in bytes
}

func DefaultOptions(budget int) Options {
	return Options{
		MaxWidth:     640,
		MaxHeight:    480,
		StartQuality: 0.8,
		MinQuality:   0.35,
		QualityStep:  0.1,
		ShrinkRatio:  0.85,
		RestartDrop:  0.05,
		FloorWidth:   240,
		FloorHeight:  180,
		Budget:       budget,
	}
}

type Payload struct {
	Data     string // base64, no data URI prefix
	MimeType string
	Width    int
	Height   int
	Quality  float64
	Attempts int
}

func (p Payload) DataURI() string {
	return "data:" + p.MimeType + ";base64," + p.Data
}

func (p Payload) Size() int {
	return len(p.DataURI())
}

type encodeFunc func(img image.Image, quality float64) ([]byte, error)

type Compressor struct {
	opts   Options
	encode encodeFunc
}

func NewCompressor(opts Options) *Compressor {
	return &Compressor{opts: opts, encode: encodeJPEG}
}

func encodeJPEG(img image.Image, quality float64) ([]byte, error) {
	var buf bytes.Buffer
	q := int(math.Round(quality * 100))
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: max(1, min(100, q))}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func dataURILen(n int) int {
	return len("data:"+MimeType+";base64,") + base64.StdEncoding.EncodedLen(n)
}

// Capture grabs a frame from src and compresses it.
func (c *Compressor) Capture(ctx context.Context, src Source) (Payload, error) {
	w, h := src.Dimensions()
	if w <= 0 || h <= 0 {
		return Payload{}, ErrNotReady
	}
	img, err := src.Frame(ctx)
	if err != nil {
		return Payload{}, err
	}
	return c.Compress(ctx, img)
}

// Compress sweeps quality from StartQuality down to MinQuality at the scaled
// size, and shrinks the image by ShrinkRatio whenever a full sweep stays over
// budget. It fails with ErrTooLarge once another shrink would go below the
// floor dimensions.
func (c *Compressor) Compress(ctx context.Context, img image.Image) (Payload, error) {
	b := img.Bounds()
	sw, sh := b.Dx(), b.Dy()
	if sw <= 0 || sh <= 0 {
		return Payload{}, ErrNotReady
	}
	o := c.opts
	t0 := time.Now()

	scale := math.Min(1, math.Min(float64(o.MaxWidth)/float64(sw), float64(o.MaxHeight)/float64(sh)))
	w := max(1, int(math.Round(float64(sw)*scale)))
	h := max(1, int(math.Round(float64(sh)*scale)))
	start := o.StartQuality
	attempts := 0
	smallest := 0

	for {
		scaled := resize(img, w, h)
		for _, q := range qualities(start, o.MinQuality, o.QualityStep) {
			if err := ctx.Err(); err != nil {
				return Payload{}, err
			}
			data, err := c.encode(scaled, q)
			if err != nil {
				return Payload{}, fmt.Errorf("encode %dx%d: %w", w, h, err)
			}
			attempts++
			size := dataURILen(len(data))
			if smallest == 0 || size < smallest {
				smallest = size
			}
			if size <= o.Budget {
				p := Payload{
					Data:     base64.StdEncoding.EncodeToString(data),
					MimeType: MimeType,
					Width:    w,
					Height:   h,
					Quality:  q,
					Attempts: attempts,
				}
				log.Compression(log.CompressionMetrics{
					SourceWidth:  sw,
					SourceHeight: sh,
					Width:        w,
					Height:       h,
					Quality:      p.Quality,
					Attempts:     attempts,
					Bytes:        size,
					Budget:       o.Budget,
					EncodeMs:     float64(time.Since(t0).Microseconds()) / 1000,
				})
				return p, nil
			}
		}

		nw := int(float64(w) * o.ShrinkRatio)
		nh := int(float64(h) * o.ShrinkRatio)
		if nw < o.FloorWidth || nh < o.FloorHeight {
			return Payload{}, fmt.Errorf("%w: smallest attempt %d bytes at %dx%d exceeds %d", ErrTooLarge, smallest, w, h, o.Budget)
		}
		w, h = nw, nh
		start = math.Max(o.MinQuality, start-o.RestartDrop)
	}
}

// qualities lists the sweep from start down to floor, always ending on floor.
func qualities(start, floor, step float64) []float64 {
	var out []float64
	if step <= 0 {
		step = 0.1
	}
	for q := start; q > floor+1e-9; q -= step {
		out = append(out, math.Round(q*100)/100)
	}
	return append(out, floor)
}

func resize(img image.Image, w, h int) image.Image {
	b := img.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
