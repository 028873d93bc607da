// Package fetch downloads sample videos into a local cache directory.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/personclip/pkg/kibi"
	"github.com/cyclopcam/personclip/server/log"
	"github.com/cyclopcam/www"
	"golang.org/x/sync/singleflight"
)

var ErrInvalidName = errors.New("Invalid video name")

// DefaultBaseURL hosts the Intel IoT sample videos
const DefaultBaseURL = "https://raw.githubusercontent.com/intel-iot-devkit/sample-videos/master/"

// DefaultTimeout limits a single transfer
const DefaultTimeout = 10 * time.Minute

// SampleVideos is the catalogue of videos that are available at DefaultBaseURL
var SampleVideos = []string{
	"bolt-detection.mp4",
	"bolt-multi-size-detection.mp4",
	"bottle-detection.mp4",
	"car-detection.mp4",
	"classroom.mp4",
	"face-demographics-walking-and-pause.mp4",
	"face-demographics-walking.mp4",
	"fruit-and-vegetable-detection.mp4",
	"head-pose-face-detection-female-and-male.mp4",
	"head-pose-face-detection-female.mp4",
	"head-pose-face-detection-male.mp4",
	"one-by-one-person-detection.mp4",
	"people-detection.mp4",
	"person-bicycle-car-detection.mp4",
	"store-aisle-detection.mp4",
	"worker-zone-detection.mp4",
}

// Downloader fetches videos by name, and caches them in Dir.
// Concurrent requests for the same video share a single transfer.
type Downloader struct {
	BaseURL          string
	Dir              string
	Timeout          time.Duration
	ProgressInterval time.Duration

	// OnProgress is called periodically during a transfer, with a fraction between 0 and 1.
	// It is not called if the server doesn't tell us the size of the file.
	OnProgress func(name string, fraction float64)

	log   logs.Log
	group singleflight.Group
}

func NewDownloader(logger logs.Log, dir, baseURL string) (*Downloader, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("Failed to create download directory '%v': %w", dir, err)
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Downloader{
		BaseURL:          baseURL,
		Dir:              dir,
		Timeout:          DefaultTimeout,
		ProgressInterval: 250 * time.Millisecond,
		log:              log.NewPrefixLogger(logger, "Fetch"),
	}, nil
}

// ValidateName ensures that name refers to a file directly inside the download directory
func ValidateName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return fmt.Errorf("%w '%v'", ErrInvalidName, name)
	}
	return nil
}

// Path returns the location of a video in the cache
func (d *Downloader) Path(name string) string {
	return filepath.Join(d.Dir, name)
}

// IsCached returns true if the video has already been downloaded
func (d *Downloader) IsCached(name string) bool {
	if ValidateName(name) != nil {
		return false
	}
	st, err := os.Stat(d.Path(name))
	return err == nil && !st.IsDir()
}

// Fetch returns the path to the downloaded video, downloading it first if necessary.
// If ctx is cancelled, Fetch returns immediately, but the transfer continues, so that
// other callers (or a later call) can still use it.
func (d *Downloader) Fetch(ctx context.Context, name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	path := d.Path(name)
	if d.IsCached(name) {
		return path, nil
	}

	ch := d.group.DoChan(name, func() (any, error) {
		// Another transfer may have completed in between our check and now
		if d.IsCached(name) {
			return path, nil
		}
		return path, d.download(name, path)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return "", r.Err
		}
		return path, nil
	}
}

func (d *Downloader) download(name, path string) error {
	// The transfer is not bound to any one caller
	ctx, cancel := context.WithTimeout(context.Background(), d.Timeout)
	defer cancel()

	url := d.BaseURL + name
	d.log.Infof("Downloading %v", url)
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return err
	}
	resp, err := www.Do(req)
	if err != nil {
		return fmt.Errorf("Failed to download %v: %w", name, err)
	}
	defer resp.Body.Close()

	tempFile := path + ".tmp"
	file, err := os.Create(tempFile)
	if err != nil {
		return err
	}

	var onProgress func(current, total int64)
	if d.OnProgress != nil && resp.ContentLength > 0 {
		onProgress = func(current, total int64) {
			d.OnProgress(name, min(float64(current)/float64(total), 1))
		}
	}
	reader := newProgressReader(resp.ContentLength, resp.Body, d.ProgressInterval, onProgress)
	n, err := io.Copy(file, reader)
	reader.Close()
	if err == nil {
		err = file.Close()
	} else {
		file.Close()
	}
	if err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("Failed to download %v: %w", name, err)
	}
	if err := os.Rename(tempFile, path); err != nil {
		os.Remove(tempFile)
		return err
	}
	d.log.Infof("Downloaded %v (%v) in %.1f seconds", name, kibi.FormatBytes(n), time.Since(start).Seconds())
	return nil
}
