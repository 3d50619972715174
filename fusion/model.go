package fusion

import (
	"fmt"
	"log/slog"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-mmfusion/dataloader"
	"github.com/tsawler/go-mmfusion/encoders"
	"github.com/tsawler/go-mmfusion/layers"
)

// Config describes a complete model.
type Config struct {
	Kind         Kind
	TextEncoder  string
	ImageEncoder string
	// ImageRegions is the number of pooled image regions (1-9).
	ImageRegions int
	Pool         encoders.PoolType
	Width        int
	Depth        int
	Classes      int
	Seed         int64
}

// Model runs both encoders on every batch and feeds their features to a
// head. Only the head is trainable.
type Model struct {
	Text   encoders.TextEncoder
	Image  encoders.ImageEncoder
	Pooler *encoders.Pooler
	Head   Head
}

// NewModel builds encoders from registry and a freshly initialised head.
func NewModel(cfg Config, registry *encoders.Registry) (*Model, error) {
	opts := encoders.Options{Seed: cfg.Seed}
	text, err := registry.CreateText(cfg.TextEncoder, opts)
	if err != nil {
		return nil, err
	}
	image, err := registry.CreateImage(cfg.ImageEncoder, opts)
	if err != nil {
		return nil, err
	}
	pooler, err := encoders.NewPooler(cfg.ImageRegions, cfg.Pool)
	if err != nil {
		return nil, err
	}

	dims := Dims{
		Text:    text.Dim(),
		Image:   pooler.Width(image.Dim()),
		Width:   cfg.Width,
		Depth:   cfg.Depth,
		Classes: cfg.Classes,
	}
	head, err := NewHead(cfg.Kind, dims, rand.New(rand.NewSource(cfg.Seed)))
	if err != nil {
		return nil, err
	}

	m := &Model{Text: text, Image: image, Pooler: pooler, Head: head}
	slog.Info("model created",
		"fusion", cfg.Kind,
		"text_encoder", cfg.TextEncoder,
		"image_encoder", cfg.ImageEncoder,
		"parameters", m.NumParameters())
	return m, nil
}

// Features runs both frozen encoders and pools the image maps.
func (m *Model) Features(b *dataloader.Batch) (*mat.Dense, *mat.Dense, error) {
	text, err := m.Text.Embed(b.TokenIDs, b.AttentionMask, b.SegmentIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("text encoder: %w", err)
	}
	grids, err := m.Image.Embed(b.Images)
	if err != nil {
		return nil, nil, fmt.Errorf("image encoder: %w", err)
	}
	image, err := m.Pooler.Pool(grids)
	if err != nil {
		return nil, nil, fmt.Errorf("image pooling: %w", err)
	}
	return text, image, nil
}

// Forward returns the [batch × classes] logits.
func (m *Model) Forward(b *dataloader.Batch) (*mat.Dense, error) {
	text, image, err := m.Features(b)
	if err != nil {
		return nil, err
	}
	return m.Head.Forward(text, image)
}

// Backward accumulates head gradients for the last Forward.
func (m *Model) Backward(gradLogits *mat.Dense) error {
	return m.Head.Backward(gradLogits)
}

// Parameters returns the trainable parameters in a stable order.
func (m *Model) Parameters() []*layers.Param {
	return m.Head.Parameters()
}

// NumParameters counts trainable scalars.
func (m *Model) NumParameters() int64 {
	return layers.CountParameters(m.Parameters())
}
