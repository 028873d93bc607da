// Package recorder writes segments of a source video into new, independently playable files.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/personclip/pkg/media"
	"github.com/cyclopcam/personclip/pkg/videox"
	"github.com/cyclopcam/personclip/server/log"
	"github.com/cyclopcam/personclip/server/util"
)

var ErrCannotStartWriting = errors.New("Cannot start writing")
var ErrNotWriting = errors.New("Not writing")
var ErrOutOfOrder = errors.New("Frame timestamp is earlier than the previous frame")

// Encoder consumes frames whose timestamps start at zero.
// videox.VideoEncoder is the production implementation.
type Encoder interface {
	Start() error
	// WaitReady blocks until the encoder can accept one more frame
	WaitReady(ctx context.Context) error
	// WriteFrame may only be called after a successful WaitReady
	WriteFrame(img *cimg.Image, pts, dts media.Time) error
	// Finish flushes all frames and finalizes the file
	Finish() error
	// Abort stops encoding and deletes the file
	Abort()
}

// EncoderFactory creates an encoder that writes to opt.Filename
type EncoderFactory func(log logs.Log, opt videox.EncoderOptions) (Encoder, error)

func NewFFmpegEncoder(log logs.Log, opt videox.EncoderOptions) (Encoder, error) {
	return videox.NewVideoEncoder(log, opt)
}

type Status int

const (
	StatusIdle Status = iota
	StatusWriting
	StatusFinalizing
	StatusCompleted
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusWriting:
		return "writing"
	case StatusFinalizing:
		return "finalizing"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// SegmentInfo describes a finished segment
type SegmentInfo struct {
	ID          uint32     `json:"id"`
	Filename    string     `json:"filename"`
	SourceStart media.Time `json:"sourceStart"` // PTS of the first frame, in the source's timeline
	SourceEnd   media.Time `json:"sourceEnd"`   // SourceStart + Duration
	Duration    media.Time `json:"duration"`
	Frames      int        `json:"frames"`
}

// Factory creates new segments.
// All segments share the same encoder configuration, and are written to the same cache directory.
type Factory struct {
	Log            logs.Log
	Files          *util.TempFiles
	EncoderOptions videox.EncoderOptions // Template. Filename, dimensions, and time scale are filled in per segment.
	NewEncoder     EncoderFactory

	nextID atomic.Uint32
}

func NewFactory(logger logs.Log, files *util.TempFiles, encoderOptions videox.EncoderOptions) *Factory {
	return &Factory{
		Log:            logger,
		Files:          files,
		EncoderOptions: encoderOptions,
		NewEncoder:     NewFFmpegEncoder,
	}
}

// Start creates a new output file and begins writing.
// The output track has the same dimensions and time scale as the source.
// onFinished is called (on a background goroutine) if and when the segment is successfully finalized.
func (f *Factory) Start(width, height int, timeScale int32, frameRate media.Rational, onFinished func(SegmentInfo)) (*Segment, error) {
	id := f.nextID.Add(1)
	logger := log.NewPrefixLogger(f.Log, fmt.Sprintf("Segment %v:", id))

	opt := f.EncoderOptions
	opt.Filename = f.Files.Get(".mp4")
	opt.Width = width
	opt.Height = height
	opt.TimeScale = timeScale
	opt.FrameRate = frameRate

	s := &Segment{
		log:        logger,
		id:         id,
		filename:   opt.Filename,
		timeScale:  timeScale,
		onFinished: onFinished,
		status:     StatusIdle,
		origin:     media.InvalidTime,
		lastPTS:    media.InvalidTime,
		lastDelta:  media.InvalidTime,
		done:       make(chan struct{}),
	}
	if !frameRate.IsZero() {
		s.frameDuration = media.TimeFromSeconds(float64(frameRate.Den)/float64(frameRate.Num), timeScale)
	} else {
		s.frameDuration = media.InvalidTime
	}

	enc, err := f.NewEncoder(logger, opt)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", media.ErrSetupFailed, err)
	}
	if err := enc.Start(); err != nil {
		enc.Abort()
		return nil, fmt.Errorf("%w: %w", ErrCannotStartWriting, err)
	}
	s.enc = enc
	s.status = StatusWriting
	logger.Infof("Writing %v (%v x %v, time scale %v)", opt.Filename, width, height, timeScale)
	return s, nil
}

// Segment is one output file.
// States: idle -> writing -> finalizing -> completed, or idle -> writing -> cancelled.
// A segment that has left the writing state never accepts another frame.
type Segment struct {
	log           logs.Log
	id            uint32
	filename      string
	timeScale     int32
	frameDuration media.Time // Invalid if the frame rate is unknown
	enc           Encoder
	onFinished    func(SegmentInfo)

	lock      sync.Mutex // Guards everything below
	status    Status
	origin    media.Time // Source PTS of the first frame (the rebase origin)
	lastPTS   media.Time // Source PTS of the most recent frame
	lastDelta media.Time // Gap between the two most recent frames
	duration  media.Time
	frames    int
	err       error
	done      chan struct{} // Closed when the segment is completed or cancelled
}

func (s *Segment) ID() uint32 {
	return s.id
}

func (s *Segment) Filename() string {
	return s.filename
}

func (s *Segment) Status() Status {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.status
}

// Duration returns the accumulated duration of the segment
func (s *Segment) Duration() media.Time {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.durationLocked()
}

func (s *Segment) durationLocked() media.Time {
	if !s.duration.IsValid() {
		return media.MakeTime(0, s.timeScale)
	}
	return s.duration
}

// Append writes a frame into the segment.
// The first frame's PTS becomes the rebase origin, so the output timeline starts at zero.
// Append blocks until the encoder is ready to accept the frame. No frame is ever dropped.
// Returns the accumulated duration of the segment.
func (s *Segment) Append(ctx context.Context, frame *media.Frame) (media.Time, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.status != StatusWriting {
		return s.durationLocked(), ErrNotWriting
	}
	if !frame.PTS.IsValid() {
		return s.durationLocked(), fmt.Errorf("Frame has no presentation timestamp")
	}

	pts := frame.PTS.ConvertScale(s.timeScale)
	if s.frames == 0 {
		s.origin = pts
	} else if pts.Compare(s.lastPTS) < 0 {
		return s.durationLocked(), fmt.Errorf("%w (%v < %v)", ErrOutOfOrder, pts, s.lastPTS)
	}

	relPTS := pts.Sub(s.origin)
	relDTS := media.InvalidTime
	if frame.DTS.IsValid() {
		relDTS = frame.DTS.ConvertScale(s.timeScale).Sub(s.origin)
	}

	if err := s.enc.WaitReady(ctx); err != nil {
		if ctx.Err() != nil {
			// Our caller gave up waiting. The segment is still intact.
			return s.durationLocked(), err
		}
		s.abortLocked(err)
		return s.durationLocked(), err
	}
	if err := s.enc.WriteFrame(frame.Image, relPTS, relDTS); err != nil {
		s.abortLocked(err)
		return s.durationLocked(), err
	}

	if s.frames != 0 {
		s.lastDelta = pts.Sub(s.lastPTS)
	}
	s.lastPTS = pts
	s.frames++

	// The duration includes the display time of the frame we just added
	switch {
	case s.frameDuration.IsValid():
		s.duration = relPTS.Add(s.frameDuration)
	case s.lastDelta.IsValid():
		s.duration = relPTS.Add(s.lastDelta)
	default:
		s.duration = relPTS
	}
	return s.duration, nil
}

// Finish finalizes the file on a background goroutine.
// If the segment is not writing, Finish does nothing.
// Use Wait() or Done() to find out when finalization is complete.
func (s *Segment) Finish() {
	s.lock.Lock()
	if s.status != StatusWriting {
		s.lock.Unlock()
		return
	}
	if s.frames == 0 {
		// An empty file is not playable, so there is nothing to finalize
		s.log.Infof("Discarding empty segment")
		s.abortLocked(nil)
		s.lock.Unlock()
		return
	}
	s.status = StatusFinalizing
	info := s.infoLocked()
	s.lock.Unlock()

	go func() {
		err := s.enc.Finish()
		s.lock.Lock()
		if err != nil {
			s.log.Errorf("Failed to finalize %v: %v", s.filename, err)
			s.enc.Abort()
			s.status = StatusCancelled
			s.err = err
		} else {
			s.status = StatusCompleted
		}
		s.lock.Unlock()
		if err == nil {
			s.log.Infof("Finished %v: %.3f seconds, %v frames", s.filename, info.Duration.Seconds(), info.Frames)
			if s.onFinished != nil {
				s.onFinished(info)
			}
		}
		close(s.done)
	}()
}

// Cancel discards the output file.
// If the segment is not writing, Cancel does nothing.
func (s *Segment) Cancel() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.status != StatusWriting {
		return
	}
	s.log.Infof("Cancelled")
	s.abortLocked(nil)
}

func (s *Segment) abortLocked(err error) {
	s.enc.Abort()
	s.status = StatusCancelled
	s.err = err
	close(s.done)
}

// Done is closed when the segment reaches completed or cancelled
func (s *Segment) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the segment is completed or cancelled, and returns the error
// that caused it to fail, if any. A segment that was cancelled by the caller returns nil.
func (s *Segment) Wait() error {
	<-s.done
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.err
}

func (s *Segment) infoLocked() SegmentInfo {
	duration := s.durationLocked()
	return SegmentInfo{
		ID:          s.id,
		Filename:    s.filename,
		SourceStart: s.origin,
		SourceEnd:   s.origin.Add(duration),
		Duration:    duration,
		Frames:      s.frames,
	}
}
