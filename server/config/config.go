// Package config is the JSON configuration file of the personclip service.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cyclopcam/personclip/pkg/kibi"
	"github.com/cyclopcam/personclip/pkg/nnload"
	"github.com/cyclopcam/personclip/pkg/videox"
	"github.com/cyclopcam/personclip/server/detection"
	"github.com/cyclopcam/personclip/server/fetch"
	"github.com/cyclopcam/personclip/server/library"
)

const DefaultFilename = "personclip.json"

type Config struct {
	DataDir           string  `json:"dataDir"`           // Root of all our files. Relative paths are relative to the config file.
	CacheDir          string  `json:"cacheDir"`          // Segment files. Defaults to dataDir/cache
	DownloadDir       string  `json:"downloadDir"`       // Downloaded source videos. Defaults to dataDir/videos
	DB                string  `json:"db"`                // SQLite catalog. Defaults to dataDir/segments.sqlite
	CacheMaxAgeHours  float64 `json:"cacheMaxAgeHours"`  // Segment files older than this are deleted from the cache. Zero means never.
	MaxConcurrentJobs int     `json:"maxConcurrentJobs"` // Number of videos that may be processed at the same time

	HTTP     HTTPConfig     `json:"http"`
	Detector DetectorConfig `json:"detector"`
	Session  SessionConfig  `json:"session"`
	Encoder  EncoderConfig  `json:"encoder"`
	Fetch    FetchConfig    `json:"fetch"`
	Library  LibraryConfig  `json:"library"`
}

type HTTPConfig struct {
	Listen        string `json:"listen"`        // eg ":8080"
	JobsPerMinute int    `json:"jobsPerMinute"` // Rate limit on job creation, per client IP
}

type DetectorConfig struct {
	ServerURL            string  `json:"serverURL"`    // Inference server
	ModelDir             string  `json:"modelDir"`     // Local cache of model configs. Defaults to dataDir/models
	ModelName            string  `json:"modelName"`    // eg "yolov8m"
	ModelBaseURL         string  `json:"modelBaseURL"` // Where to download model configs from
	Width                int     `json:"width"`        // NN input width
	Height               int     `json:"height"`       // NN input height
	TimeoutSeconds       float64 `json:"timeoutSeconds"`
	Label                string  `json:"label"` // Class that triggers recording
	ProbabilityThreshold float32 `json:"probabilityThreshold"`
	NmsIouThreshold      float32 `json:"nmsIouThreshold"`
	Threads              int     `json:"threads"` // Tiles that are sent to the inference server concurrently
}

type SessionConfig struct {
	GracePeriodSeconds float64 `json:"gracePeriodSeconds"`
	MaxSegmentSeconds  float64 `json:"maxSegmentSeconds"`
	Preview            *bool   `json:"preview"` // Defaults to true
	PreviewQuality     int     `json:"previewQuality"`
}

type EncoderConfig struct {
	Codec       string `json:"codec"`
	Profile     string `json:"profile"`
	Level       string `json:"level"`
	BitRate     int    `json:"bitRate"`
	FFmpegPath  string `json:"ffmpegPath"`  // If empty, ffmpeg is found on the PATH
	FFprobePath string `json:"ffprobePath"` // If empty, ffprobe is found on the PATH
}

type FetchConfig struct {
	BaseURL        string  `json:"baseURL"`
	TimeoutSeconds float64 `json:"timeoutSeconds"`
}

type LibraryConfig struct {
	Authorized     bool          `json:"authorized"` // If false, segments are kept only in the cache
	Album          string        `json:"album"`
	Storage        StorageConfig `json:"storage"`
	LocalCacheSize string        `json:"localCacheSize"` // Local copies of library files, for serving. eg "256 MB"
}

// One of the storage options must be configured (i.e. either 'filesystem' or 'gcs').
// If neither is configured, then we use a filesystem library at dataDir/library.
type StorageConfig struct {
	Filesystem *StorageConfigFS  `json:"filesystem"`
	GCS        *StorageConfigGCS `json:"gcs"`
}

type StorageConfigFS struct {
	Root string `json:"root"` // Path to the root of the filesystem
}

type StorageConfigGCS struct {
	Bucket          string `json:"bucket"`          // Name of the GCS bucket
	Public          bool   `json:"public"`          // Whether the bucket is public. This allows us to give clients direct URLs into GCS.
	CredentialsFile string `json:"credentialsFile"` // Service account key. If empty, Application Default Credentials are used.
}

// LoadConfig reads the config file, fills in defaults, and resolves relative paths.
// If the file does not exist, the defaults are used, relative to the directory that
// the file would have been in.
func LoadConfig(filename string) (*Config, error) {
	if filename == "" {
		filename = DefaultFilename
	}
	cfg := &Config{}
	raw, err := os.ReadFile(filename)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	} else if err == nil {
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("Error loading as JSON %v: %w", filename, err)
		}
	}
	absFile, err := filepath.Abs(filename)
	if err != nil {
		return nil, err
	}
	cfg.SetDefaults(filepath.Dir(absFile))
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("Invalid config %v: %w", filename, err)
	}
	return cfg, nil
}

// SetDefaults fills in missing values. Relative paths are resolved against baseDir.
func (c *Config) SetDefaults(baseDir string) {
	resolve := func(p, def string) string {
		if p == "" {
			p = def
		}
		if filepath.IsAbs(p) {
			return filepath.Clean(p)
		}
		return filepath.Join(baseDir, p)
	}
	c.DataDir = resolve(c.DataDir, "personclip-data")
	c.CacheDir = resolve(c.CacheDir, filepath.Join(c.DataDir, "cache"))
	c.DownloadDir = resolve(c.DownloadDir, filepath.Join(c.DataDir, "videos"))
	c.DB = resolve(c.DB, filepath.Join(c.DataDir, "segments.sqlite"))
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 2
	}

	if c.HTTP.Listen == "" {
		c.HTTP.Listen = ":8080"
	}
	if c.HTTP.JobsPerMinute <= 0 {
		c.HTTP.JobsPerMinute = 10
	}

	d := &c.Detector
	if d.ServerURL == "" {
		d.ServerURL = "http://localhost:8500"
	}
	d.ModelDir = resolve(d.ModelDir, filepath.Join(c.DataDir, "models"))
	if d.ModelName == "" {
		d.ModelName = "yolov8m"
	}
	if d.Width <= 0 || d.Height <= 0 {
		d.Width = 320
		d.Height = 256
	}
	if d.TimeoutSeconds <= 0 {
		d.TimeoutSeconds = 10
	}
	if d.Label == "" {
		d.Label = "person"
	}
	if d.Threads <= 0 {
		d.Threads = 2
	}

	s := &c.Session
	if s.GracePeriodSeconds <= 0 {
		s.GracePeriodSeconds = 5
	}
	if s.MaxSegmentSeconds <= 0 {
		s.MaxSegmentSeconds = 10
	}
	if s.Preview == nil {
		preview := true
		s.Preview = &preview
	}
	if s.PreviewQuality <= 0 {
		s.PreviewQuality = detection.DefaultPreviewQuality
	}

	e := &c.Encoder
	def := videox.DefaultEncoderOptions()
	if e.Codec == "" {
		e.Codec = def.Codec
	}
	if e.Profile == "" {
		e.Profile = def.Profile
	}
	if e.Level == "" {
		e.Level = def.Level
	}
	if e.BitRate <= 0 {
		e.BitRate = def.BitRate
	}

	if c.Fetch.BaseURL == "" {
		c.Fetch.BaseURL = fetch.DefaultBaseURL
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		c.Fetch.TimeoutSeconds = fetch.DefaultTimeout.Seconds()
	}

	if c.Library.Album == "" {
		c.Library.Album = library.DefaultAlbum
	}
	if c.Library.LocalCacheSize == "" {
		c.Library.LocalCacheSize = "256 MB"
	}
	st := &c.Library.Storage
	if st.Filesystem == nil && st.GCS == nil {
		st.Filesystem = &StorageConfigFS{}
	}
	if st.Filesystem != nil {
		st.Filesystem.Root = resolve(st.Filesystem.Root, filepath.Join(c.DataDir, "library"))
	}
}

func (c *Config) Validate() error {
	st := &c.Library.Storage
	if st.Filesystem != nil && st.GCS != nil {
		return fmt.Errorf("library.storage must have either 'filesystem' or 'gcs', but not both")
	}
	if st.GCS != nil && st.GCS.Bucket == "" {
		return fmt.Errorf("library.storage.gcs.bucket may not be empty")
	}
	if c.Detector.Width <= 0 || c.Detector.Height <= 0 {
		return fmt.Errorf("Invalid detector dimensions %v x %v", c.Detector.Width, c.Detector.Height)
	}
	if _, err := kibi.ParseBytes(c.Library.LocalCacheSize); err != nil {
		return fmt.Errorf("Invalid library.localCacheSize '%v': %w", c.Library.LocalCacheSize, err)
	}
	return nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func (c *Config) CacheMaxAge() time.Duration {
	return seconds(c.CacheMaxAgeHours * 3600)
}

// LibraryCacheBytes is the byte size of the local library cache. Validate has already checked it.
func (c *Config) LibraryCacheBytes() int64 {
	n, _ := kibi.ParseBytes(c.Library.LocalCacheSize)
	return n
}

func (c *Config) SessionConfig() detection.Config {
	return detection.Config{
		GracePeriod:        seconds(c.Session.GracePeriodSeconds),
		MaxSegmentDuration: seconds(c.Session.MaxSegmentSeconds),
		Label:              c.Detector.Label,
		Preview:            *c.Session.Preview,
		PreviewQuality:     c.Session.PreviewQuality,
	}
}

func (c *Config) DetectorOptions() detection.DetectorOptions {
	opt := detection.DefaultDetectorOptions()
	opt.Label = c.Detector.Label
	opt.Threads = c.Detector.Threads
	if c.Detector.ProbabilityThreshold != 0 {
		opt.ProbabilityThreshold = c.Detector.ProbabilityThreshold
	}
	if c.Detector.NmsIouThreshold != 0 {
		opt.NmsIouThreshold = c.Detector.NmsIouThreshold
	}
	return opt
}

func (c *Config) ModelOptions() nnload.ModelOptions {
	return nnload.ModelOptions{
		ServerURL:    c.Detector.ServerURL,
		ModelDir:     c.Detector.ModelDir,
		ModelName:    c.Detector.ModelName,
		ModelBaseURL: c.Detector.ModelBaseURL,
		Width:        c.Detector.Width,
		Height:       c.Detector.Height,
		Timeout:      seconds(c.Detector.TimeoutSeconds),
	}
}

func (c *Config) EncoderOptions() videox.EncoderOptions {
	opt := videox.DefaultEncoderOptions()
	opt.Codec = c.Encoder.Codec
	opt.Profile = c.Encoder.Profile
	opt.Level = c.Encoder.Level
	opt.BitRate = c.Encoder.BitRate
	return opt
}

func (c *Config) FetchTimeout() time.Duration {
	return seconds(c.Fetch.TimeoutSeconds)
}
