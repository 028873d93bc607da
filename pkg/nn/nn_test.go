package nn

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// fixedDetector returns the same boxes for every tile, in tile coordinates
type fixedDetector struct {
	config  ModelConfig
	objects []ObjectDetection
	err     error
	calls   atomic.Int32
}

func (d *fixedDetector) Close() {}

func (d *fixedDetector) Config() *ModelConfig {
	return &d.config
}

func (d *fixedDetector) DetectObjects(img ImageCrop, params *DetectionParams) ([]ObjectDetection, error) {
	d.calls.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	out := make([]ObjectDetection, len(d.objects))
	copy(out, d.objects)
	return out, nil
}

func TestRectGeometry(t *testing.T) {
	a := Rect{X: 0, Y: 0, Width: 10, Height: 10}
	b := Rect{X: 5, Y: 5, Width: 10, Height: 10}
	require.Equal(t, Rect{X: 5, Y: 5, Width: 5, Height: 5}, a.Intersection(b))
	require.Equal(t, Rect{X: 0, Y: 0, Width: 15, Height: 15}, a.Union(b))
	require.InDelta(t, 25.0/175.0, a.IOU(b), 1e-6)
	require.Equal(t, float32(0), Rect{}.IOU(Rect{}))
	require.Equal(t, Point{X: 5, Y: 5}, a.Center())
	require.InDelta(t, 5.0, Point{0, 0}.Distance(Point{3, 4}), 1e-6)
	a.Offset(2, 3)
	require.Equal(t, int32(12), a.X2())
	require.Equal(t, int32(13), a.Y2())
}

func TestTiledInferenceSingleTile(t *testing.T) {
	d := &fixedDetector{
		config: ModelConfig{Width: 320, Height: 256, Classes: COCOClasses},
		objects: []ObjectDetection{
			{Class: COCOPerson, Confidence: 0.9, Box: Rect{X: 300, Y: 200, Width: 50, Height: 50}},
			{Class: COCOPerson, Confidence: 0.8, Box: Rect{X: 400, Y: 400, Width: 10, Height: 10}},
		},
	}
	pixels := make([]byte, 320*256*3)
	objects, err := TiledInference(d, WholeImage(3, pixels, 320, 256), NewDetectionParams(), 2)
	require.NoError(t, err)
	require.Equal(t, int32(1), d.calls.Load())
	// The first box is clipped to the image, and the second is entirely outside it
	require.Len(t, objects, 1)
	require.Equal(t, Rect{X: 300, Y: 200, Width: 20, Height: 50}, objects[0].Box)
}

func TestTiledInferenceMultipleTiles(t *testing.T) {
	d := &fixedDetector{
		config:  ModelConfig{Width: 128, Height: 128, Classes: COCOClasses},
		objects: []ObjectDetection{{Class: COCOPerson, Confidence: 0.7, Box: Rect{X: 10, Y: 10, Width: 20, Height: 20}}},
	}
	pixels := make([]byte, 400*300*3)
	objects, err := TiledInference(d, WholeImage(3, pixels, 400, 300), NewDetectionParams(), 3)
	require.NoError(t, err)
	require.Greater(t, d.calls.Load(), int32(1))
	require.NotEmpty(t, objects)
	for _, obj := range objects {
		require.Equal(t, COCOPerson, obj.Class)
		require.LessOrEqual(t, obj.Box.X2(), int32(400))
		require.LessOrEqual(t, obj.Box.Y2(), int32(300))
	}
}

func TestTiledInferenceError(t *testing.T) {
	d := &fixedDetector{
		config: ModelConfig{Width: 128, Height: 128, Classes: COCOClasses},
		err:    errors.New("inference server down"),
	}
	pixels := make([]byte, 400*300*3)
	_, err := TiledInference(d, WholeImage(3, pixels, 400, 300), NewDetectionParams(), 2)
	require.ErrorContains(t, err, "inference server down")
}

func TestMergeDuplicateObjects(t *testing.T) {
	input := []ObjectDetection{
		{Class: 0, Confidence: 0.6, Box: Rect{X: 10, Y: 10, Width: 100, Height: 200}},
		{Class: 0, Confidence: 0.9, Box: Rect{X: 12, Y: 12, Width: 100, Height: 200}},
		{Class: 2, Confidence: 0.5, Box: Rect{X: 12, Y: 12, Width: 100, Height: 200}}, // different class
		{Class: 0, Confidence: 0.7, Box: Rect{X: 500, Y: 10, Width: 50, Height: 100}}, // far away
	}
	require.Equal(t, []int{1, 2, 3}, MergeDuplicateObjects(input, 0.5))
	require.Empty(t, MergeDuplicateObjects(nil, 0.5))
}

func TestImageCrop(t *testing.T) {
	pixels := make([]byte, 4*3*3)
	for i := range pixels {
		pixels[i] = byte(i)
	}
	whole := WholeImage(3, pixels, 4, 3)
	crop := whole.Crop(1, 1, 3, 3)
	img := crop.ToImage()
	require.Equal(t, 2, img.Width)
	require.Equal(t, 2, img.Height)
	// First pixel of the crop is at (1,1), which is byte offset (1*4+1)*3 = 15
	require.Equal(t, byte(15), img.Pixels[0])
	require.Panics(t, func() { whole.Crop(0, 0, 5, 1) })

	config := ModelConfig{Width: 320, Height: 256, Classes: COCOClasses}
	require.NoError(t, config.Validate())
	require.Equal(t, 0, config.ClassIndex("person"))
	require.Equal(t, -1, config.ClassIndex("unicorn"))
}
