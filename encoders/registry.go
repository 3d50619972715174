package encoders

import (
	"errors"
	"slices"
	"sync"
)

// ErrEncoderNotRegistered is returned when a backbone id is unknown.
var ErrEncoderNotRegistered = errors.New("encoder not registered")

// RegistryError describes a failed registry operation.
type RegistryError struct {
	Op   string
	Name string
	Err  error
}

func (e *RegistryError) Error() string {
	return "encoders: " + e.Op + " encoder '" + e.Name + "': " + e.Err.Error()
}

func (e *RegistryError) Unwrap() error {
	return e.Err
}

// Options are passed to every factory.
type Options struct {
	// Seed makes the built-in backbones reproducible.
	Seed int64
}

// TextFactory builds a text encoder.
type TextFactory func(opts Options) (TextEncoder, error)

// ImageFactory builds an image encoder.
type ImageFactory func(opts Options) (ImageEncoder, error)

// Registry maps backbone ids to factories. Safe for concurrent use.
type Registry struct {
	text  map[string]TextFactory
	image map[string]ImageFactory
	dims  map[string]int
	mu    sync.RWMutex
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		text:  make(map[string]TextFactory),
		image: make(map[string]ImageFactory),
		dims:  make(map[string]int),
	}
}

// RegisterText adds a text backbone producing dim-wide embeddings.
// An existing entry with the same name is replaced.
func (r *Registry) RegisterText(name string, dim int, factory TextFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.text[name] = factory
	r.dims["text/"+name] = dim
}

// RegisterImage adds an image backbone producing dim-channel feature maps.
func (r *Registry) RegisterImage(name string, dim int, factory ImageFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.image[name] = factory
	r.dims["image/"+name] = dim
}

// HasText reports whether name is a registered text backbone.
func (r *Registry) HasText(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.text[name]
	return ok
}

// HasImage reports whether name is a registered image backbone.
func (r *Registry) HasImage(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.image[name]
	return ok
}

// TextDim returns the embedding width of a text backbone without building it.
func (r *Registry) TextDim(name string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.dims["text/"+name]
	if !ok {
		return 0, &RegistryError{Op: "dim", Name: name, Err: ErrEncoderNotRegistered}
	}
	return d, nil
}

// ImageDim returns the channel count of an image backbone without building it.
func (r *Registry) ImageDim(name string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.dims["image/"+name]
	if !ok {
		return 0, &RegistryError{Op: "dim", Name: name, Err: ErrEncoderNotRegistered}
	}
	return d, nil
}

// TextNames lists registered text backbones, sorted.
func (r *Registry) TextNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.text))
	for name := range r.text {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ImageNames lists registered image backbones, sorted.
func (r *Registry) ImageNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.image))
	for name := range r.image {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// CreateText builds the named text backbone.
func (r *Registry) CreateText(name string, opts Options) (TextEncoder, error) {
	r.mu.RLock()
	factory, ok := r.text[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &RegistryError{Op: "create", Name: name, Err: ErrEncoderNotRegistered}
	}
	return factory(opts)
}

// CreateImage builds the named image backbone.
func (r *Registry) CreateImage(name string, opts Options) (ImageEncoder, error) {
	r.mu.RLock()
	factory, ok := r.image[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &RegistryError{Op: "create", Name: name, Err: ErrEncoderNotRegistered}
	}
	return factory(opts)
}

// DefaultRegistry holds the built-in backbones.
var DefaultRegistry = NewBuiltinRegistry()

// NewBuiltinRegistry returns a registry populated with the built-in
// text and image backbones.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	for name, dim := range map[string]int{
		"bert-tiny":         128,
		"bert-mini":         256,
		"bert-base-uncased": 768,
	} {
		dim := dim
		r.RegisterText(name, dim, func(opts Options) (TextEncoder, error) {
			return NewHashedTextEncoder(dim, opts.Seed), nil
		})
	}
	for name, dim := range map[string]int{
		"resnet18":  512,
		"resnet50":  2048,
		"resnet152": 2048,
	} {
		dim := dim
		r.RegisterImage(name, dim, func(opts Options) (ImageEncoder, error) {
			return NewPatchEncoder(dim, DefaultGridSize, opts.Seed), nil
		})
	}
	return r
}
