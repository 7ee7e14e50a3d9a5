// Package jobspec translates export parameters into the render tool's
// declarative export settings document.
package jobspec

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidJob is wrapped by every ExportJob validation failure.
var ErrInvalidJob = errors.New("invalid export job")

// Format is the output container.
type Format string

const (
	FormatMOV Format = "mov"
	FormatAVI Format = "avi"
)

// ParseFormat accepts "mov" or "avi" in any case.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatMOV:
		return FormatMOV, nil
	case FormatAVI:
		return FormatAVI, nil
	}
	return "", fmt.Errorf("%w: unsupported format %q", ErrInvalidJob, s)
}

// Ext returns the file extension including the dot.
func (f Format) Ext() string {
	if f == FormatAVI {
		return ".avi"
	}
	return ".mov"
}

// OutputMode selects one file per job or one file per animation.
type OutputMode string

const (
	OutputSingle  OutputMode = "single"
	OutputPerUnit OutputMode = "per-unit"
)

// ParseOutputMode accepts "single" and "per-unit" (plus the older
// "separate-per-animation" spelling).
func ParseOutputMode(s string) (OutputMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "single":
		return OutputSingle, nil
	case "per-unit", "separate-per-animation":
		return OutputPerUnit, nil
	}
	return "", fmt.Errorf("%w: unsupported output mode %q", ErrInvalidJob, s)
}

// ViewportMode is fit-and-pad or fixed crop.
type ViewportMode string

const (
	ViewportFit   ViewportMode = "fit"
	ViewportFixed ViewportMode = "fixed"
)

// Viewport describes the crop geometry. In fixed mode Center and an explicit
// offset (HasOffset) are mutually exclusive.
type Viewport struct {
	Mode      ViewportMode `json:"mode"`
	Center    bool         `json:"center,omitempty"`
	HasOffset bool         `json:"has_offset,omitempty"`
	X         int          `json:"x,omitempty"`
	Y         int          `json:"y,omitempty"`
}

// Color is an RGBA color with components in [0,1].
type Color struct {
	R float64 `json:"r"`
	G float64 `json:"g"`
	B float64 `json:"b"`
	A float64 `json:"a"`
}

var opaqueBlack = Color{0, 0, 0, 1}

var presets = map[string]Color{
	"black":       {0, 0, 0, 1},
	"white":       {1, 1, 1, 1},
	"transparent": {0, 0, 0, 0},
}

// ResolveBackground turns a preset name or "#rrggbb" into a Color.
// Anything unresolvable yields opaque black.
func ResolveBackground(spec string) Color {
	s := strings.ToLower(strings.TrimSpace(spec))
	if c, ok := presets[s]; ok {
		return c
	}
	if len(s) != 7 || s[0] != '#' {
		return opaqueBlack
	}
	var rgb [3]float64
	for i := range rgb {
		v, err := strconv.ParseUint(s[1+2*i:3+2*i], 16, 8)
		if err != nil {
			return opaqueBlack
		}
		rgb[i] = float64(v) / 255.0
	}
	return Color{R: rgb[0], G: rgb[1], B: rgb[2], A: 1}
}

// ExportJob is one fully parameterised export request.
type ExportJob struct {
	ProjectPath string     `json:"project_path"`
	Unit        string     `json:"unit,omitempty"` // empty means the whole project
	Format      Format     `json:"format"`
	Width       int        `json:"width"`
	Height      int        `json:"height"`
	FPS         float64    `json:"fps"`
	Background  string     `json:"background"`
	OutputMode  OutputMode `json:"output_mode"`
	Viewport    Viewport   `json:"viewport"`
}

// Validate checks the ExportJob invariants.
func (j ExportJob) Validate() error {
	if j.Width <= 0 || j.Height <= 0 {
		return fmt.Errorf("%w: resolution must be positive, got %dx%d", ErrInvalidJob, j.Width, j.Height)
	}
	if j.FPS <= 0 {
		return fmt.Errorf("%w: frame rate must be positive, got %g", ErrInvalidJob, j.FPS)
	}
	if _, err := ParseFormat(string(j.Format)); err != nil {
		return err
	}
	if j.Viewport.Mode == ViewportFixed && j.Viewport.Center && j.Viewport.HasOffset {
		return fmt.Errorf("%w: centered viewport cannot also set an explicit offset", ErrInvalidJob)
	}
	return nil
}
