package tools

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"sync"

	"github.com/nodelab/conduct/internal/router"
	"github.com/nodelab/conduct/pkg/schema"
)

// ImageSuite works on one PNG at a time: create makes a blank canvas, resize
// redraws onto a new canvas with nearest-neighbor sampling, save encodes.
type ImageSuite struct {
	mu   sync.Mutex
	path string
	img  *image.RGBA
}

// NewImageSuite creates a suite with no open image.
func NewImageSuite() *ImageSuite {
	return &ImageSuite{}
}

// Executors returns the suite's router executors.
func (s *ImageSuite) Executors() []router.Executor {
	return []router.Executor{
		&router.ExecutorFunc{ToolName: "image", ActionName: "create_image", Desc: "Create a blank PNG canvas", Fn: s.create},
		&router.ExecutorFunc{ToolName: "image", ActionName: "resize", Desc: "Resize the open image", Fn: s.resize},
		&router.ExecutorFunc{ToolName: "image", ActionName: "save", Desc: "Write the open image to disk", Fn: s.save},
	}
}

func (s *ImageSuite) create(ctx context.Context, params map[string]any) (*router.Result, error) {
	path, _ := params["path"].(string)
	width, height := 640, 480
	if n, ok := toInt(params["width"]); ok && n > 0 {
		width = n
	}
	if n, ok := toInt(params["height"]); ok && n > 0 {
		height = n
	}

	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.path = path
	s.img = canvas
	if err := s.flush(); err != nil {
		return nil, err
	}
	return &router.Result{Success: true, Output: map[string]any{"path": path, "width": width, "height": height}}, nil
}

func (s *ImageSuite) resize(ctx context.Context, params map[string]any) (*router.Result, error) {
	width, wok := toInt(params["width"])
	height, hok := toInt(params["height"])
	if !wok || !hok || width < 1 || height < 1 {
		return nil, schema.NewError(schema.ErrCodeExecution, "resize needs positive width and height")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.img == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "no image open")
	}

	src := s.img
	srcBounds := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		sy := srcBounds.Min.Y + y*srcBounds.Dy()/height
		for x := 0; x < width; x++ {
			sx := srcBounds.Min.X + x*srcBounds.Dx()/width
			dst.Set(x, y, src.At(sx, sy))
		}
	}
	s.img = dst
	return &router.Result{Success: true, Output: map[string]any{"width": width, "height": height}}, nil
}

func (s *ImageSuite) save(ctx context.Context, params map[string]any) (*router.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := params["path"].(string); ok && p != "" {
		s.path = p
	}
	if s.img == nil || s.path == "" {
		return nil, schema.NewError(schema.ErrCodeExecution, "no image open")
	}
	if err := s.flush(); err != nil {
		return nil, err
	}
	return &router.Result{Success: true, Output: map[string]any{"path": s.path}}, nil
}

// flush encodes the image. Caller holds the lock.
func (s *ImageSuite) flush() error {
	f, err := os.Create(s.path)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "create image file: %s", err.Error()).WithCause(err)
	}
	defer f.Close()
	if err := png.Encode(f, s.img); err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "encode png: %s", err.Error()).WithCause(err)
	}
	return nil
}
