package nn

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/personclip/pkg/videox"
)

type InferenceOptions struct {
	MinSize        int      // Minimum size of object, in pixels. If max(width, height) >= MinSize, then use the object
	MaxVideoHeight int      // If video height is larger than this, then scale it down to this size (0 = no scaling)
	StartFrame     int      // Start processing at frame (0 = start at beginning)
	EndFrame       int      // Stop processing at frame (0 = process to end)
	Classes        []string // List of class names to detect (eg ["person"]). Any classes not included in the list are ignored.
	OnFrame        func(frame int, objects []ObjectDetection)
}

// RunInferenceOnVideoFile runs the model over every frame of a video, and returns the labels
// of all frames in which at least one object of interest was found.
func RunInferenceOnVideoFile(ctx context.Context, log logs.Log, model ObjectDetector, inputFile string, options InferenceOptions) (*VideoLabels, error) {
	if len(options.Classes) == 0 {
		return nil, errors.New("No classes specified")
	}

	modelConfig := model.Config()

	// Map from NN class to our output class
	nnClassToOutputClass := map[int]int{}
	for iOut, class := range options.Classes {
		iIn := modelConfig.ClassIndex(class)
		if iIn == -1 {
			return nil, fmt.Errorf("Class '%v' not found in model", class)
		}
		nnClassToOutputClass[iIn] = iOut
	}

	src, err := videox.Probe(ctx, inputFile)
	if err != nil {
		return nil, err
	}
	decoder, err := videox.NewVideoDecoder(log, src)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	nnParams := NewDetectionParams()

	videoLabels := VideoLabels{
		Classes: options.Classes,
	}

	frameIdx := -1
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		frame, err := decoder.NextFrame()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		frameIdx++
		if options.EndFrame > 0 && frameIdx > options.EndFrame {
			break
		}
		if frameIdx < options.StartFrame {
			continue
		}
		rgb := frame.Image

		if rgb.Height > options.MaxVideoHeight && options.MaxVideoHeight > 0 {
			aspect := float64(rgb.Width) / float64(rgb.Height)
			newHeight := options.MaxVideoHeight
			newWidth := int(float64(newHeight)*aspect + 0.5)
			rgb = cimg.ResizeNew(rgb, newWidth, newHeight, nil)
		}

		// assume all frames are the same size
		videoLabels.Width = rgb.Width
		videoLabels.Height = rgb.Height

		objects, err := TiledInference(model, WholeCImage(rgb), nnParams, 1)
		if err != nil {
			return nil, err
		}

		frameLabels := &ImageLabels{
			Frame: frameIdx,
			Time:  frame.PTS.Seconds(),
		}
		for _, obj := range objects {
			outClass, ok := nnClassToOutputClass[obj.Class]
			if ok && (int(obj.Box.Width) >= options.MinSize || int(obj.Box.Height) >= options.MinSize) {
				obj.Class = outClass
				frameLabels.Objects = append(frameLabels.Objects, obj)
			}
		}
		if len(frameLabels.Objects) != 0 {
			videoLabels.Frames = append(videoLabels.Frames, frameLabels)
		}
		if options.OnFrame != nil {
			options.OnFrame(frameIdx, frameLabels.Objects)
		}
	}

	return &videoLabels, nil
}
