// Package testdata generates synthetic frames and videos for tests.
package testdata

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/ayusman/posetrace/internal/capture"
)

// SolidFrame returns a width x height BGR frame filled with c.
func SolidFrame(width, height int, c color.RGBA) gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(
		gocv.NewScalar(float64(c.B), float64(c.G), float64(c.R), 0),
		height, width, gocv.MatTypeCV8UC3)
}

// Frames returns n frames with a moving bar so consecutive frames differ.
// The caller must close them.
func Frames(n, width, height int) []*gocv.Mat {
	frames := make([]*gocv.Mat, n)
	for i := range frames {
		m := SolidFrame(width, height, color.RGBA{R: 40, G: 40, B: 40, A: 255})
		x := (i * 4) % width
		gocv.Rectangle(&m, image.Rect(x, 0, x+4, height), color.RGBA{R: 200, G: 200, B: 200, A: 255}, -1)
		frames[i] = &m
	}
	return frames
}

// WriteVideo records n synthetic frames to path using the intermediate
// codec. It returns the properties the file was written with.
func WriteVideo(path string, n int, props capture.VideoProperties) (capture.VideoProperties, error) {
	props.FrameCount = n

	sink, err := capture.CreateFile(path, capture.DefaultCodec, props)
	if err != nil {
		return props, err
	}

	frames := Frames(n, props.Width, props.Height)
	defer func() {
		for _, f := range frames {
			f.Close()
		}
	}()

	for i, f := range frames {
		if err := sink.Write(*f); err != nil {
			sink.Close()
			return props, fmt.Errorf("write frame %d: %w", i, err)
		}
	}
	return props, sink.Close()
}
