package detection

import (
	"github.com/cyclopcam/personclip/pkg/media"
	"github.com/cyclopcam/personclip/server/recorder"
)

// Event is emitted by a Session.
// The concrete types are Progress, Preview, RecordingChanged, SegmentComplete, Finished, and Failed.
type Event interface {
	// EventName is a short lowercase name, such as "progress"
	EventName() string
}

// Progress is the fraction of the source that has been decoded
type Progress struct {
	Fraction float64 `json:"fraction"`
}

// Preview is an annotated snapshot of a recent frame
type Preview struct {
	JPEG   []byte     `json:"-"`
	Width  int        `json:"width"`
	Height int        `json:"height"`
	PTS    media.Time `json:"pts"`
}

// RecordingChanged is sent when a segment starts or stops
type RecordingChanged struct {
	Recording bool `json:"recording"`
}

// SegmentComplete is sent after a segment has been finalized, and its file is playable
type SegmentComplete struct {
	Segment recorder.SegmentInfo `json:"segment"`
}

// Finished is the last event of a session that did not fail
type Finished struct {
	Cancelled bool `json:"cancelled"`
}

// Failed is the last event of a session that failed
type Failed struct {
	Err error `json:"-"`
}

func (Progress) EventName() string         { return "progress" }
func (Preview) EventName() string          { return "preview" }
func (RecordingChanged) EventName() string { return "recording" }
func (SegmentComplete) EventName() string  { return "segment" }
func (Finished) EventName() string         { return "finished" }
func (Failed) EventName() string           { return "failed" }

// IsTerminal returns true if ev is the final event of a session
func IsTerminal(ev Event) bool {
	switch ev.(type) {
	case Finished, Failed:
		return true
	}
	return false
}
