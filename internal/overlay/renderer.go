package overlay

import (
	"errors"
	"image"
	"image/color"
	"math"

	"gocv.io/x/gocv"

	"github.com/ayusman/posetrace/internal/detector"
)

// DefaultMinVisibility matches the threshold MediaPipe's drawing utilities use.
const DefaultMinVisibility = 0.5

// ErrEmptyFrame is returned when drawing onto a nil or empty frame.
var ErrEmptyFrame = errors.New("cannot draw on empty frame")

var borderColor = color.RGBA{R: 255, G: 255, B: 255, A: 255}

// Renderer composites skeletons onto frames.
type Renderer struct {
	minVisibility float64
}

// NewRenderer creates a Renderer that skips landmarks whose visibility is
// below minVisibility. Negative values are treated as zero.
func NewRenderer(minVisibility float64) *Renderer {
	if minVisibility < 0 {
		minVisibility = 0
	}
	return &Renderer{minVisibility: minVisibility}
}

// Draw composites the selected part of pose onto frame in place.
//
// Connections are drawn first so points sit on top. A landmark is placed only
// when its normalized coordinates lie in [0,1] and its visibility reaches the
// threshold; connections need both endpoints placed. Hidden styles are skipped.
func (r *Renderer) Draw(frame *gocv.Mat, pose *detector.PoseLandmarks, sel *Selection) error {
	if frame == nil || frame.Empty() {
		return ErrEmptyFrame
	}
	if pose == nil || sel == nil {
		return nil
	}

	width, height := frame.Cols(), frame.Rows()

	var points [detector.NumLandmarks]image.Point
	var placed [detector.NumLandmarks]bool
	for _, idx := range sel.Visible {
		lm := pose.Points[idx]
		if lm.Visibility < r.minVisibility {
			continue
		}
		pt, ok := toPixel(lm.X, lm.Y, width, height)
		if !ok {
			continue
		}
		points[idx] = pt
		placed[idx] = true
	}

	if !sel.Connection.Hidden() && sel.Connection.Thickness > 0 {
		for _, c := range sel.Connections {
			if !sel.IsVisible(c.A) || !sel.IsVisible(c.B) {
				continue
			}
			if !placed[c.A] || !placed[c.B] {
				continue
			}
			gocv.Line(frame, points[c.A], points[c.B], sel.Connection.Color, sel.Connection.Thickness)
		}
	}

	for _, idx := range sel.Visible {
		if !placed[idx] {
			continue
		}
		style := sel.Styles[idx]
		if style.Hidden() {
			continue
		}

		thickness := style.Thickness
		if thickness <= 0 {
			thickness = -1 // filled
		}
		border := max(style.Radius+1, int(float64(style.Radius)*1.2))
		gocv.Circle(frame, points[idx], border, borderColor, thickness)
		gocv.Circle(frame, points[idx], style.Radius, style.Color, thickness)
	}

	return nil
}

// toPixel maps normalized coordinates to a pixel position, or reports false
// when the landmark lies outside the frame.
func toPixel(x, y float64, width, height int) (image.Point, bool) {
	if !inUnitRange(x) || !inUnitRange(y) {
		return image.Point{}, false
	}
	px := min(int(math.Floor(x*float64(width))), width-1)
	py := min(int(math.Floor(y*float64(height))), height-1)
	return image.Pt(max(px, 0), max(py, 0)), true
}

func inUnitRange(v float64) bool {
	const eps = 1e-9
	return v > -eps && v < 1+eps
}
