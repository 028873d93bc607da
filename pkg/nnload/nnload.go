package nnload

// Package nnload wraps up our 'nn' interface layer, and has concrete references to our
// neural network implementation (an HTTP inference server), so that you can just call one
// function to load a model, and not need to know about the implementation details.

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/personclip/pkg/nn"
	"github.com/cyclopcam/personclip/pkg/nnhttp"
	"github.com/cyclopcam/www"
)

// ModelOptions describe where to find a model, and the server that runs it
type ModelOptions struct {
	ServerURL    string        // Inference server, eg "http://localhost:8500"
	ModelDir     string        // Local cache of model config files
	ModelName    string        // eg "mobilenetv2_ssdlite"
	ModelBaseURL string        // If not empty, model configs that are not in ModelDir are downloaded from here
	Width        int           // NN input width, eg 320
	Height       int           // NN input height, eg 320
	Timeout      time.Duration // Per-request inference timeout
}

func downloadFile(ctx context.Context, srcUrl, targetFile string) error {
	tempFile := targetFile + ".tmp"
	if err := os.MkdirAll(filepath.Dir(targetFile), 0755); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "GET", srcUrl, nil)
	if err != nil {
		return err
	}
	resp, err := www.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	file, err := os.Create(tempFile)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = io.Copy(file, resp.Body)
	if err != nil {
		os.Remove(tempFile)
		return err
	}
	file.Close()
	return os.Rename(tempFile, targetFile)
}

func ModelStub(modelName string, width, height int) string {
	// eg "mobilenetv2_ssdlite_320_320"
	return fmt.Sprintf("%v_%v_%v", modelName, width, height)
}

// If the model config is not yet downloaded, then download it now.
// Returns immediately if the file is already downloaded.
// Returns the path to the config file.
func DownloadModelConfig(ctx context.Context, logs logs.Log, opt ModelOptions) (string, error) {
	modelStub := ModelStub(opt.ModelName, opt.Width, opt.Height)
	diskPath := filepath.Join(opt.ModelDir, modelStub+".json")
	if _, err := os.Stat(diskPath); err == nil {
		return diskPath, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}
	if opt.ModelBaseURL == "" {
		return "", os.ErrNotExist
	}
	networkUrl := opt.ModelBaseURL + "/" + modelStub + ".json"
	logs.Infof("Downloading %v to %v", networkUrl, diskPath)
	if err := downloadFile(ctx, networkUrl, diskPath); err != nil {
		return "", err
	}
	return diskPath, nil
}

// ResolveModelConfig finds the model config from, in order of preference:
// 1. The local model dir (downloading it first if ModelBaseURL is set)
// 2. The inference server itself
func ResolveModelConfig(ctx context.Context, logs logs.Log, opt ModelOptions) (*nn.ModelConfig, error) {
	if opt.ModelDir != "" && opt.ModelName != "" {
		path, err := DownloadModelConfig(ctx, logs, opt)
		if err == nil {
			return nn.LoadModelConfig(path)
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("Download failed: %w", err)
		}
	}
	config, err := nnhttp.FetchConfig(ctx, opt.ServerURL)
	if err != nil {
		return nil, err
	}
	return config, nil
}

// LoadModel resolves the model config, and returns a detector that runs the model.
func LoadModel(ctx context.Context, logs logs.Log, opt ModelOptions) (nn.ObjectDetector, error) {
	config, err := ResolveModelConfig(ctx, logs, opt)
	if err != nil {
		return nil, err
	}
	if len(config.Classes) == 0 {
		logs.Infof("Model config has no classes, assuming COCO")
		config.Classes = nn.COCOClasses
	}
	logs.Infof("Using %v model %v x %v on %v", config.Architecture, config.Width, config.Height, opt.ServerURL)
	return nnhttp.NewDetector(opt.ServerURL, config, opt.Timeout)
}
