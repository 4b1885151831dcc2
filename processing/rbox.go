package processing

import (
	"math"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
	"gorgonia.org/tensor"
)

// PolyTransform converts an N x 8 polygon corner tensor (x1,y1,...,x4,y4)
// into an N x 5 rotated-box tensor (cx, cy, w, h, theta).
type PolyTransform func(polys *tensor.Dense) (*tensor.Dense, error)

// PolyToRotatedBoxes fits a minimum-area rectangle to each polygon via
// OpenCV and normalizes it to the long-edge convention: w is the longer
// edge and theta lies in [-pi/2, pi/2).
func PolyToRotatedBoxes(polys *tensor.Dense) (*tensor.Dense, error) {
	shape := polys.Shape()
	if len(shape) != 2 || shape[1] != 8 {
		return nil, errors.Errorf("expected an N x 8 polygon tensor, got shape %v", shape)
	}
	n := shape[0]

	data := polys.Float32s()
	out := make([]float32, 0, n*5)
	for i := 0; i < n; i++ {
		row := data[i*8 : (i+1)*8]
		pts := make([]gocv.Point2f, 4)
		for p := 0; p < 4; p++ {
			pts[p] = gocv.Point2f{X: row[p*2], Y: row[p*2+1]}
		}

		vec := gocv.NewPoint2fVectorFromPoints(pts)
		rect := gocv.MinAreaRect2f(vec)
		vec.Close()

		w, h := rect.Width, rect.Height
		theta := float32(rect.Angle) * math.Pi / 180
		if h > w {
			w, h = h, w
			theta += math.Pi / 2
		}
		out = append(out, rect.Center.X, rect.Center.Y, w, h, regularTheta(theta))
	}

	return tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(n, 5),
		tensor.WithBacking(out),
	), nil
}

// regularTheta wraps an angle into [-pi/2, pi/2).
func regularTheta(theta float32) float32 {
	for theta >= math.Pi/2 {
		theta -= math.Pi
	}
	for theta < -math.Pi/2 {
		theta += math.Pi
	}
	return theta
}
