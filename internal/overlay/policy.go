// Package overlay decides which pose landmarks to render and composites the
// skeleton onto video frames.
package overlay

import (
	"fmt"
	"image/color"
	"sort"

	"github.com/ayusman/posetrace/internal/detector"
)

// Style describes how a landmark or connection is drawn.
type Style struct {
	Color     color.RGBA
	Thickness int
	Radius    int
}

// Hidden reports whether the style draws nothing.
func (s Style) Hidden() bool {
	return s.Thickness <= 0 && s.Radius <= 0
}

// Default styles: green points, red segments.
var (
	DefaultLandmarkStyle   = Style{Color: color.RGBA{G: 255, A: 255}, Thickness: 2, Radius: 2}
	DefaultConnectionStyle = Style{Color: color.RGBA{R: 255, A: 255}, Thickness: 2, Radius: 2}
)

// PolicyOptions configures a Policy.
type PolicyOptions struct {
	// AllLandmarks draws every landmark. When false, Excluded landmarks and
	// every connection touching them are left out.
	AllLandmarks bool

	// Excluded lists the landmark indices dropped from reduced overlays.
	// Nil selects detector.FaceLandmarks.
	Excluded []int

	// LandmarkStyle and ConnectionStyle default to DefaultLandmarkStyle and
	// DefaultConnectionStyle when left zero.
	LandmarkStyle   Style
	ConnectionStyle Style
}

// Selection is the rendered subset of a pose: which landmarks are drawn,
// which connections join them, and the style of each.
type Selection struct {
	Visible     []int
	Connections []detector.Connection
	Styles      map[int]Style
	Connection  Style

	visible [detector.NumLandmarks]bool
}

// NewSelection builds a Selection. Indices outside the landmark range are ignored.
func NewSelection(visible []int, connections []detector.Connection, styles map[int]Style, connection Style) *Selection {
	s := &Selection{
		Connections: connections,
		Styles:      styles,
		Connection:  connection,
	}
	for _, idx := range visible {
		if idx < 0 || idx >= detector.NumLandmarks || s.visible[idx] {
			continue
		}
		s.visible[idx] = true
		s.Visible = append(s.Visible, idx)
	}
	sort.Ints(s.Visible)
	return s
}

// IsVisible reports whether the landmark index is part of the selection.
func (s *Selection) IsVisible(index int) bool {
	if index < 0 || index >= detector.NumLandmarks {
		return false
	}
	return s.visible[index]
}

// Policy computes the rendered subset of each detected pose.
type Policy struct {
	opts      PolicyOptions
	selection *Selection
}

// NewPolicy validates opts and builds a Policy. The selection depends only on
// the options, so it is computed once here.
func NewPolicy(opts PolicyOptions) (*Policy, error) {
	if opts.Excluded == nil {
		opts.Excluded = detector.FaceLandmarks
	}
	for _, idx := range opts.Excluded {
		if idx < 0 || idx >= detector.NumLandmarks {
			return nil, fmt.Errorf("excluded landmark %d out of range [0, %d)", idx, detector.NumLandmarks)
		}
	}
	if opts.LandmarkStyle == (Style{}) {
		opts.LandmarkStyle = DefaultLandmarkStyle
	}
	if opts.ConnectionStyle == (Style{}) {
		opts.ConnectionStyle = DefaultConnectionStyle
	}

	p := &Policy{opts: opts}
	p.selection = p.build()
	return p, nil
}

// build applies the exclusion rule. Exclusion is contagious: a connection is
// dropped if either endpoint is excluded.
func (p *Policy) build() *Selection {
	var excluded [detector.NumLandmarks]bool
	if !p.opts.AllLandmarks {
		for _, idx := range p.opts.Excluded {
			excluded[idx] = true
		}
	}

	visible := make([]int, 0, detector.NumLandmarks)
	styles := make(map[int]Style, detector.NumLandmarks)
	for idx := 0; idx < detector.NumLandmarks; idx++ {
		if excluded[idx] {
			styles[idx] = Style{}
			continue
		}
		visible = append(visible, idx)
		styles[idx] = p.opts.LandmarkStyle
	}

	connections := make([]detector.Connection, 0, len(detector.PoseConnections))
	for _, c := range detector.PoseConnections {
		if excluded[c.A] || excluded[c.B] {
			continue
		}
		connections = append(connections, c)
	}

	return NewSelection(visible, connections, styles, p.opts.ConnectionStyle)
}

// Select returns the rendered subset for pose. It returns nil when pose is nil.
// The returned Selection is shared across calls and must not be modified.
func (p *Policy) Select(pose *detector.PoseLandmarks) *Selection {
	if pose == nil {
		return nil
	}
	return p.selection
}

// AllLandmarks reports whether the policy draws the full landmark set.
func (p *Policy) AllLandmarks() bool {
	return p.opts.AllLandmarks
}

// Excluded returns the excluded indices in effect, or nil when all landmarks are drawn.
func (p *Policy) Excluded() []int {
	if p.opts.AllLandmarks {
		return nil
	}
	out := append([]int(nil), p.opts.Excluded...)
	sort.Ints(out)
	return out
}
