package media

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif" // register decoder
	"image/jpeg"
	_ "image/png" // register decoder

	"golang.org/x/image/draw"
)

// DefaultThumbnailMaxDim bounds the longest side of a thumbnail, in pixels.
const DefaultThumbnailMaxDim = 320

const thumbnailQuality = 75

// MaxThumbnailPixels bounds the source images Thumbnail will decode. Decoding
// allocates per pixel, so a small compressed file can claim a huge canvas.
const MaxThumbnailPixels = 40_000_000

// Thumbnail decodes a JPEG, PNG or GIF payload and re-encodes it as a JPEG whose
// longest side is at most maxDim. Images already within bounds are re-encoded
// at their own size. Images over MaxThumbnailPixels are refused before decoding.
func Thumbnail(payload []byte, maxDim int) ([]byte, error) {
	if maxDim <= 0 {
		maxDim = DefaultThumbnailMaxDim
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxThumbnailPixels {
		return nil, fmt.Errorf("image is %dx%d, over the %d pixel limit", cfg.Width, cfg.Height, MaxThumbnailPixels)
	}

	src, _, err := image.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	bounds := src.Bounds()
	w, h := ThumbnailSize(bounds.Dx(), bounds.Dy(), maxDim)
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("image has no pixels")
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: thumbnailQuality}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// ThumbnailSize scales w x h down to fit within maxDim, preserving aspect ratio.
// It never scales up and never returns a zero side for a non-empty image.
func ThumbnailSize(w, h, maxDim int) (int, int) {
	if w <= 0 || h <= 0 {
		return 0, 0
	}
	if w <= maxDim && h <= maxDim {
		return w, h
	}
	if w >= h {
		return maxDim, max(1, h*maxDim/w)
	}
	return max(1, w*maxDim/h), maxDim
}
