package segmentdb

import "github.com/cyclopcam/dbh"

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

type JobStatus string

const (
	JobStatusQueued      JobStatus = "queued"
	JobStatusDownloading JobStatus = "downloading"
	JobStatusRunning     JobStatus = "running"
	JobStatusFinished    JobStatus = "finished"
	JobStatusCancelled   JobStatus = "cancelled"
	JobStatusFailed      JobStatus = "failed"
)

// IsTerminal returns true if the job will never change state again
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusFinished || s == JobStatusCancelled || s == JobStatusFailed
}

// Job is one run of a source video through the detector
type Job struct {
	BaseModel
	Video      string      `json:"video"`
	CreatedAt  dbh.IntTime `json:"createdAt"`
	FinishedAt dbh.IntTime `json:"finishedAt" gorm:"default:null"`
	Status     JobStatus   `json:"status"`
	Error      string      `json:"error"`
}

// PersistStatus is the outcome of saving a segment into the library
type PersistStatus string

const (
	PersistStatusNone   PersistStatus = ""       // Not attempted, or no library is configured
	PersistStatusSaved  PersistStatus = "saved"  // Saved into the library
	PersistStatusDenied PersistStatus = "denied" // The library is not authorized to accept segments
	PersistStatusFailed PersistStatus = "failed" // Authorized, but the copy failed
)

// SegmentMeta is extra information about a segment's video file
type SegmentMeta struct {
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	TimeScale int32  `json:"timeScale"`
	Codec     string `json:"codec"`
}

// Segment is a video file that contains a span of frames in which a person was detected
type Segment struct {
	BaseModel
	JobID         int64                      `json:"jobID"`
	Source        string                     `json:"source"`      // Name of the source video
	Filename      string                     `json:"filename"`    // Local path of the segment file
	SourceStart   float64                    `json:"sourceStart"` // Seconds into the source video
	SourceEnd     float64                    `json:"sourceEnd"`   // Seconds into the source video
	Duration      float64                    `json:"duration"`    // Seconds
	Frames        int                        `json:"frames"`
	CreatedAt     dbh.IntTime                `json:"createdAt"`
	Persisted     bool                       `json:"persisted"`  // True if the segment was saved into the library
	LibraryURL    string                     `json:"libraryURL"` // URL inside the library, if the library has URLs
	PersistStatus PersistStatus              `json:"persistStatus"`
	Meta          dbh.JSONField[SegmentMeta] `json:"meta"`
}
