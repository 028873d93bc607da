package media

import (
	"errors"

	"github.com/cyclopcam/personclip/pkg/gen"
)

var ErrSetupFailed = errors.New("Setup failed")
var ErrNoVideoTrack = errors.New("No video track")

// Rational is a fraction such as a frame rate (eg 30000/1001)
type Rational struct {
	Num int `json:"num"`
	Den int `json:"den"`
}

func (r Rational) IsZero() bool {
	return r.Num == 0 || r.Den == 0
}

func (r Rational) Float64() float64 {
	if r.IsZero() {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

// SourceMedia describes a video file that we're going to read.
// It is created once, before reading starts, and is never mutated.
type SourceMedia struct {
	Filename    string   `json:"filename"`
	StreamIndex int      `json:"streamIndex"` // Index of the video stream inside the container
	Codec       string   `json:"codec"`       // eg "h264"
	Width       int      `json:"width"`
	Height      int      `json:"height"`
	TimeBase    Rational `json:"timeBase"`  // Stream time base. A raw timestamp of N means N * TimeBase seconds.
	TimeScale   int32    `json:"timeScale"` // Natural time scale of the video track (ticks per second). Equal to TimeBase.Den.
	Duration    Time     `json:"duration"`  // Total duration. May be invalid if the container doesn't say.
	FrameRate   Rational `json:"frameRate"` // May be zero if unknown
}

// FrameDuration returns the duration of a single frame, in the source's time scale,
// or an invalid time if the frame rate is unknown.
func (s *SourceMedia) FrameDuration() Time {
	if s.FrameRate.IsZero() || s.TimeScale <= 0 {
		return InvalidTime
	}
	return TimeFromSeconds(float64(s.FrameRate.Den)/float64(s.FrameRate.Num), s.TimeScale)
}

// Progress returns the fraction [0..1] of the way through the video that 'pts' lies.
// Returns false if the duration is unknown or zero.
func (s *SourceMedia) Progress(pts Time) (float64, bool) {
	if !s.Duration.IsValid() || s.Duration.Value <= 0 || !pts.IsValid() {
		return 0, false
	}
	return gen.Clamp(pts.Seconds()/s.Duration.Seconds(), 0, 1), true
}
