// Package detection runs a person detector over decoded frames, and records
// each contiguous span of frames that contain a person into its own video segment.
package detection

import (
	"fmt"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/chewxy/math32"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/personclip/pkg/media"
	"github.com/cyclopcam/personclip/pkg/nn"
	"github.com/cyclopcam/personclip/server/log"
)

// NormRect is a rectangle normalized to [0,1] in both dimensions, with the origin at the bottom-left.
// Y is the bottom edge of the rectangle.
type NormRect struct {
	X      float32 `json:"x"`
	Y      float32 `json:"y"`
	Width  float32 `json:"width"`
	Height float32 `json:"height"`
}

// ToNormRect converts a pixel rectangle (top-left origin) into a NormRect
func ToNormRect(r nn.Rect, imgWidth, imgHeight int) NormRect {
	w := float32(imgWidth)
	h := float32(imgHeight)
	return NormRect{
		X:      float32(r.X) / w,
		Y:      (h - float32(r.Y2())) / h,
		Width:  float32(r.Width) / w,
		Height: float32(r.Height) / h,
	}
}

// ToPixels returns the rectangle in pixel coordinates, with a top-left origin
func (r NormRect) ToPixels(imgWidth, imgHeight int) (x1, y1, x2, y2 float32) {
	w := float32(imgWidth)
	h := float32(imgHeight)
	x1 = r.X * w
	x2 = (r.X + r.Width) * w
	y1 = (1 - (r.Y + r.Height)) * h
	y2 = (1 - r.Y) * h
	return
}

// Detection is an object found in a frame
type Detection struct {
	Label      string   `json:"label"`
	Confidence float32  `json:"confidence"`
	Box        NormRect `json:"box"`
}

// Detector finds objects of interest in a frame.
// Detect is synchronous. A detector that fails returns an empty list.
type Detector interface {
	Detect(frame *media.Frame) []Detection
}

type DetectorOptions struct {
	Label                string  // Only objects of this class are returned
	ProbabilityThreshold float32 // See nn.DetectionParams
	NmsIouThreshold      float32 // See nn.DetectionParams
	MergeIoU             float32 // Overlapping objects of the same class with at least this IoU are merged
	Threads              int     // Number of tiles to run through the NN concurrently
}

func DefaultDetectorOptions() DetectorOptions {
	return DetectorOptions{
		Label:                "person",
		ProbabilityThreshold: nn.DefaultProbabilityThreshold,
		NmsIouThreshold:      nn.DefaultNmsIouThreshold,
		MergeIoU:             0.7,
		Threads:              2,
	}
}

// PersonDetector runs an NN object detector over whole frames, and returns only the
// objects of one class (by default "person").
// Frames that are larger than the NN's input are split into tiles.
type PersonDetector struct {
	log        logs.Log
	model      nn.ObjectDetector
	params     *nn.DetectionParams
	label      string
	classIndex int
	mergeIoU   float32
	threads    int
	throttle   *log.Throttle
}

func NewPersonDetector(logger logs.Log, model nn.ObjectDetector, opt DetectorOptions) (*PersonDetector, error) {
	if opt.Label == "" {
		opt.Label = "person"
	}
	classIndex := model.Config().ClassIndex(opt.Label)
	if classIndex == -1 {
		return nil, fmt.Errorf("Model does not detect '%v'", opt.Label)
	}
	params := nn.NewDetectionParams()
	if opt.ProbabilityThreshold != 0 {
		params.ProbabilityThreshold = opt.ProbabilityThreshold
	}
	if opt.NmsIouThreshold != 0 {
		params.NmsIouThreshold = opt.NmsIouThreshold
	}
	return &PersonDetector{
		log:        log.NewPrefixLogger(logger, "Detector"),
		model:      model,
		params:     params,
		label:      opt.Label,
		classIndex: classIndex,
		mergeIoU:   opt.MergeIoU,
		threads:    max(opt.Threads, 1),
		throttle:   log.NewThrottle(15 * time.Second),
	}, nil
}

func (d *PersonDetector) Label() string {
	return d.label
}

func (d *PersonDetector) Detect(frame *media.Frame) []Detection {
	img := frame.Image
	if img == nil || img.Width == 0 || img.Height == 0 {
		return nil
	}
	objects, err := d.detectPixels(img)
	if err != nil {
		d.throttle.Errorf(d.log, "detect", "Error detecting objects: %v", err)
		return nil
	}

	result := []Detection{}
	for _, obj := range objects {
		if obj.Class != d.classIndex {
			continue
		}
		result = append(result, Detection{
			Label:      d.label,
			Confidence: obj.Confidence,
			Box:        ToNormRect(obj.Box, img.Width, img.Height),
		})
	}
	return result
}

// Returns objects in pixel coordinates
func (d *PersonDetector) detectPixels(img *cimg.Image) ([]nn.ObjectDetection, error) {
	if img.NChan() != 3 {
		return nil, fmt.Errorf("Expected an RGB image, but image has %v channels", img.NChan())
	}
	objects, err := nn.TiledInference(d.model, nn.WholeCImage(packed(img)), d.params, d.threads)
	if err != nil {
		return nil, err
	}
	if d.mergeIoU > 0 && len(objects) > 1 {
		keep := nn.MergeDuplicateObjects(objects, d.mergeIoU)
		merged := make([]nn.ObjectDetection, 0, len(keep))
		for _, i := range keep {
			merged = append(merged, objects[i])
		}
		objects = merged
	}
	return objects, nil
}

// packed returns an image whose stride has no padding, because nn.ImageCrop assumes that
func packed(img *cimg.Image) *cimg.Image {
	if img.Stride == img.Width*img.NChan() {
		return img
	}
	return img.Clone()
}

// Returns the area of the largest detection, as a fraction of the frame
func largestArea(detections []Detection) float32 {
	best := float32(0)
	for _, d := range detections {
		best = math32.Max(best, d.Box.Width*d.Box.Height)
	}
	return best
}
