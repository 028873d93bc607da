// Package nnhttp is an nn.ObjectDetector that runs inference on a remote HTTP server.
//
// The protocol is deliberately small, so that any model server can implement it:
//
//	GET  {url}/config                                  -> nn.ModelConfig JSON
//	POST {url}/detect?threshold=0.5&nms=0.45&unclipped=1 (body: image/jpeg)
//	                                                   -> {"objects": [nn.ObjectDetection...]}
//
// Boxes in the response are in pixel coordinates of the posted image.
package nnhttp

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/personclip/pkg/nn"
	"github.com/cyclopcam/www"
)

const DefaultTimeout = 10 * time.Second
const DefaultJPEGQuality = 90

type detectResponse struct {
	Objects []nn.ObjectDetection `json:"objects"`
}

// Detector posts images to an inference server
type Detector struct {
	baseURL     string
	config      nn.ModelConfig
	timeout     time.Duration
	jpegQuality int
}

// NewDetector creates a detector that talks to the inference server at serverURL.
// config describes the model that the server is running.
func NewDetector(serverURL string, config *nn.ModelConfig, timeout time.Duration) (*Detector, error) {
	if _, err := url.Parse(serverURL); err != nil || serverURL == "" {
		return nil, fmt.Errorf("Invalid inference server URL '%v'", serverURL)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Detector{
		baseURL:     strings.TrimSuffix(serverURL, "/"),
		config:      *config,
		timeout:     timeout,
		jpegQuality: DefaultJPEGQuality,
	}, nil
}

// FetchConfig asks the inference server which model it is running
func FetchConfig(ctx context.Context, serverURL string) (*nn.ModelConfig, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", strings.TrimSuffix(serverURL, "/")+"/config", nil)
	if err != nil {
		return nil, err
	}
	config := &nn.ModelConfig{}
	if err := www.FetchJSON(req, config); err != nil {
		return nil, fmt.Errorf("Failed to fetch model config from %v: %w", serverURL, err)
	}
	return config, nil
}

func (d *Detector) Close() {
}

func (d *Detector) Config() *nn.ModelConfig {
	return &d.config
}

func (d *Detector) DetectObjects(img nn.ImageCrop, params *nn.DetectionParams) ([]nn.ObjectDetection, error) {
	if img.NChan != 3 {
		return nil, fmt.Errorf("Expected RGB image, but image has %v channels", img.NChan)
	}
	if img.CropWidth == 0 || img.CropHeight == 0 {
		return nil, nil
	}
	jpg, err := cimg.Compress(img.ToImage(), cimg.MakeCompressParams(cimg.Sampling420, d.jpegQuality, 0))
	if err != nil {
		return nil, fmt.Errorf("Failed to compress image: %w", err)
	}

	if params == nil {
		params = nn.NewDetectionParams()
	}
	q := url.Values{}
	q.Set("threshold", strconv.FormatFloat(float64(orDefault(params.ProbabilityThreshold, nn.DefaultProbabilityThreshold)), 'f', -1, 32))
	q.Set("nms", strconv.FormatFloat(float64(orDefault(params.NmsIouThreshold, nn.DefaultNmsIouThreshold)), 'f', -1, 32))
	if params.Unclipped {
		q.Set("unclipped", "1")
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "POST", d.baseURL+"/detect?"+q.Encode(), bytes.NewReader(jpg))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp := detectResponse{}
	if err := www.FetchJSON(req, &resp); err != nil {
		return nil, fmt.Errorf("Inference request failed: %w", err)
	}

	objects := make([]nn.ObjectDetection, 0, len(resp.Objects))
	clip := nn.Rect{X: 0, Y: 0, Width: int32(img.CropWidth), Height: int32(img.CropHeight)}
	for _, obj := range resp.Objects {
		if obj.Class < 0 || obj.Class >= len(d.config.Classes) {
			continue
		}
		if !params.Unclipped {
			obj.Box = obj.Box.Intersection(clip)
		}
		objects = append(objects, obj)
	}
	return objects, nil
}

func orDefault(v, def float32) float32 {
	if v == 0 {
		return def
	}
	return v
}
