package preprocessing

import (
	"bufio"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"
	"os"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/tsawler/go-mmfusion/tensor"
)

// Normalization statistics measured on the training images.
var (
	DefaultMean = [3]float32{0.46777044, 0.44531429, 0.40661017}
	DefaultStd  = [3]float32{0.12221994, 0.12145835, 0.14380469}
)

const (
	DefaultResize = 256
	DefaultCrop   = 224
)

// ImageDecodeError reports an image that could not be opened or decoded.
type ImageDecodeError struct {
	Path string
	Err  error
}

func (e *ImageDecodeError) Error() string {
	return fmt.Sprintf("failed to decode image %s: %v", e.Path, e.Err)
}

func (e *ImageDecodeError) Unwrap() error { return e.Err }

// Config describes the preprocessing pipeline: resize the shorter side to
// Resize, center-crop a Crop×Crop square, scale to [0,1] and normalize
// each channel with Mean/Std.
type Config struct {
	Resize int
	Crop   int
	Mean   [3]float32
	Std    [3]float32
}

// DefaultConfig returns the 256 → 224 pipeline.
func DefaultConfig() Config {
	return Config{
		Resize: DefaultResize,
		Crop:   DefaultCrop,
		Mean:   DefaultMean,
		Std:    DefaultStd,
	}
}

// Validate checks that the pipeline is well formed.
func (c Config) Validate() error {
	if c.Resize <= 0 || c.Crop <= 0 {
		return fmt.Errorf("resize and crop must be positive, got %d and %d", c.Resize, c.Crop)
	}
	if c.Crop > c.Resize {
		return fmt.Errorf("crop %d larger than resize %d", c.Crop, c.Resize)
	}
	for i, s := range c.Std {
		if s <= 0 {
			return fmt.Errorf("std for channel %d must be positive", i)
		}
	}
	return nil
}

// ImageProcessor turns encoded images into normalized [3, Crop, Crop]
// tensors. It holds no mutable state and is safe for concurrent use.
type ImageProcessor struct {
	config Config
}

// NewImageProcessor creates a processor for the given pipeline.
func NewImageProcessor(config Config) *ImageProcessor {
	return &ImageProcessor{config: config}
}

// Shape returns the shape of every produced tensor.
func (p *ImageProcessor) Shape() []int {
	return []int{3, p.config.Crop, p.config.Crop}
}

// LoadFile opens path and preprocesses it. All failures are reported as
// *ImageDecodeError.
func (p *ImageProcessor) LoadFile(path string) (*tensor.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ImageDecodeError{Path: path, Err: err}
	}
	defer f.Close()

	t, err := p.DecodeAndPreprocess(bufio.NewReader(f))
	if err != nil {
		var de *ImageDecodeError
		if errors.As(err, &de) {
			de.Path = path
			return nil, de
		}
		return nil, &ImageDecodeError{Path: path, Err: err}
	}
	return t, nil
}

// DecodeAndPreprocess decodes any registered format (JPEG, PNG, GIF, WebP),
// converts to RGB and runs the pipeline. Output is CHW.
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*tensor.Tensor, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, &ImageDecodeError{Err: err}
	}

	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, &ImageDecodeError{Err: fmt.Errorf("empty image")}
	}

	resized := resizeShorterSide(toNRGBA(img), p.config.Resize)
	cropped := centerCrop(resized, p.config.Crop)
	return p.normalize(cropped)
}

// toNRGBA converts to non-premultiplied RGBA so that dropping alpha keeps
// the stored color values.
func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok {
		return n
	}
	bounds := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Src)
	return dst
}

// resizeShorterSide scales so the shorter edge equals size, keeping the
// aspect ratio.
func resizeShorterSide(img *image.NRGBA, size int) *image.NRGBA {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	var nw, nh int
	if w <= h {
		nw = size
		nh = int(float64(size) * float64(h) / float64(w))
	} else {
		nh = size
		nw = int(float64(size) * float64(w) / float64(h))
	}
	if nw == w && nh == h {
		return img
	}

	dst := image.NewNRGBA(image.Rect(0, 0, nw, nh))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

func centerCrop(img *image.NRGBA, size int) *image.NRGBA {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	top := int(math.Round(float64(h-size) / 2))
	left := int(math.Round(float64(w-size) / 2))

	dst := image.NewNRGBA(image.Rect(0, 0, size, size))
	draw.Draw(dst, dst.Bounds(), img, image.Pt(img.Bounds().Min.X+left, img.Bounds().Min.Y+top), draw.Src)
	return dst
}

func (p *ImageProcessor) normalize(img *image.NRGBA) (*tensor.Tensor, error) {
	size := p.config.Crop
	plane := size * size
	data := make([]float32, 3*plane)

	for y := 0; y < size; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < size; x++ {
			px := row[x*4 : x*4+3]
			idx := y*size + x
			for c := 0; c < 3; c++ {
				v := float32(px[c]) / 255.0
				data[c*plane+idx] = (v - p.config.Mean[c]) / p.config.Std[c]
			}
		}
	}

	return tensor.New(p.Shape(), data)
}
