package detection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmharper/ringbuffer"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/personclip/pkg/event"
	"github.com/cyclopcam/personclip/pkg/gen"
	"github.com/cyclopcam/personclip/pkg/media"
	"github.com/cyclopcam/personclip/server/log"
	"github.com/cyclopcam/personclip/server/recorder"
)

var ErrAlreadyRunning = errors.New("Session is already running")

// Number of recent frames whose detection results we keep, for Stats()
const historySize = 64

// Config controls when a session starts and stops recording
type Config struct {
	GracePeriod        time.Duration // Keep recording for this long after the last frame that contained a person
	MaxSegmentDuration time.Duration // Once a segment reaches this duration, it is finished, and a new one may begin
	Label              string        // Only detections with this label cause recording
	Preview            bool          // Emit annotated Preview events
	PreviewQuality     int           // JPEG quality of previews
}

func DefaultConfig() Config {
	return Config{
		GracePeriod:        5 * time.Second,
		MaxSegmentDuration: 10 * time.Second,
		Label:              "person",
		Preview:            true,
		PreviewQuality:     DefaultPreviewQuality,
	}
}

// FrameSource produces decoded frames in presentation order.
// videox.VideoDecoder is the production implementation.
type FrameSource interface {
	// NextFrame returns io.EOF at the end of the stream, or after Cancel
	NextFrame() (*media.Frame, error)
	// Cancel may be called from any goroutine
	Cancel()
	Close()
	OnProgress(f func(fraction float64))
}

// Stats is a snapshot of a session's progress
type Stats struct {
	Frames            int        `json:"frames"`            // Frames decoded
	FramesWithPerson  int        `json:"framesWithPerson"`  // Frames in which the label was detected
	FramesRecorded    int        `json:"framesRecorded"`    // Frames written into segments
	SegmentsCompleted int        `json:"segmentsCompleted"` // Segments that were finalized successfully
	Recording         bool       `json:"recording"`
	LastPTS           media.Time `json:"lastPTS"`
	RecentHitRate     float32    `json:"recentHitRate"`     // Fraction of recent frames that contained the label
	RecentLargestArea float32    `json:"recentLargestArea"` // Largest recent detection, as a fraction of the frame area
}

type frameSummary struct {
	pts         media.Time
	detections  int
	largestArea float32
}

type previewItem struct {
	frame      *media.Frame
	detections []Detection
}

// Session runs one source through the detector, and records every span of frames
// that contains a person into its own segment.
//
// Frames are processed strictly one at a time, by the goroutine that calls Run.
// Preview rendering happens on a separate goroutine, and is skipped when that
// goroutine is busy. Segment finalization happens on the recorder's goroutines,
// so a new segment can start while the previous one is still being finalized.
type Session struct {
	Events event.Sender[Event]

	log       logs.Log
	cfg       Config
	src       *media.SourceMedia
	decoder   FrameSource
	detector  Detector
	recorders *recorder.Factory

	running   atomic.Bool
	cancelled atomic.Bool
	throttle  *log.Throttle

	// Owned by the Run goroutine
	lastSeen media.Time
	active   *recorder.Segment
	pending  []*recorder.Segment

	lock        sync.Mutex // Guards stats, history, lastPreview
	stats       Stats
	history     ringbuffer.RingP[frameSummary]
	lastPreview *Preview
}

// NewSession binds a source that has already been probed and opened.
// The session takes ownership of the decoder, and closes it when Run returns.
func NewSession(logger logs.Log, cfg Config, src *media.SourceMedia, decoder FrameSource, detector Detector, recorders *recorder.Factory) *Session {
	if cfg.Label == "" {
		cfg.Label = "person"
	}
	return &Session{
		log:       log.NewPrefixLogger(logger, "Session:"),
		cfg:       cfg,
		src:       src,
		decoder:   decoder,
		detector:  detector,
		recorders: recorders,
		lastSeen:  media.InvalidTime,
		throttle:  log.NewThrottle(15 * time.Second),
		history:   ringbuffer.NewRingP[frameSummary](historySize),
	}
}

func (s *Session) Source() *media.SourceMedia {
	return s.src
}

// Cancel stops the session. Run finishes any active segment, and then returns.
// Cancel may be called from any goroutine, any number of times.
func (s *Session) Cancel() {
	if s.cancelled.CompareAndSwap(false, true) {
		s.log.Infof("Cancelling")
	}
	s.decoder.Cancel()
}

func (s *Session) IsCancelled() bool {
	return s.cancelled.Load()
}

// LatestPreview returns the most recent preview, or nil
func (s *Session) LatestPreview() *Preview {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.lastPreview
}

func (s *Session) Stats() Stats {
	s.lock.Lock()
	defer s.lock.Unlock()
	st := s.stats
	n := s.history.Len()
	if n != 0 {
		hits := 0
		for i := 0; i < n; i++ {
			h := s.history.Peek(i)
			if h.detections != 0 {
				hits++
			}
			st.RecentLargestArea = max(st.RecentLargestArea, h.largestArea)
		}
		st.RecentHitRate = float32(hits) / float32(n)
	}
	return st
}

// Run processes the whole source, and returns when the source is exhausted, the session
// is cancelled, or recording fails. The final event is either Finished or Failed.
// When Run returns, all events have been delivered, and the decoder is closed.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.Events.Close()
	defer s.decoder.Close()

	stop := context.AfterFunc(ctx, s.Cancel)
	defer stop()

	s.decoder.OnProgress(func(fraction float64) {
		s.Events.SendEvent(Progress{Fraction: fraction})
	})

	var previewQueue chan previewItem
	var previewDone chan struct{}
	if s.cfg.Preview {
		previewQueue = make(chan previewItem, 1)
		previewDone = make(chan struct{})
		go s.previewWorker(previewQueue, previewDone)
	}

	s.log.Infof("Starting %v (%v x %v)", s.src.Filename, s.src.Width, s.src.Height)
	start := time.Now()
	runErr := s.processAll(ctx, previewQueue)

	// Never drop a segment. Whatever we've recorded so far gets finalized.
	s.finishActive()
	finishErr := s.waitPending()
	if runErr == nil {
		runErr = finishErr
	}

	if previewQueue != nil {
		if s.cancelled.Load() {
			// Don't bother rendering a stale preview
			gen.DrainChannelIntoSlice(previewQueue)
		}
		close(previewQueue)
		<-previewDone
	}

	stats := s.Stats()
	if runErr != nil {
		s.log.Errorf("Failed after %v frames: %v", stats.Frames, runErr)
		s.Events.SendEvent(Failed{Err: runErr})
		return runErr
	}
	cancelled := s.cancelled.Load()
	s.log.Infof("Finished in %.1f seconds. %v frames, %v segments, cancelled: %v", time.Since(start).Seconds(), stats.Frames, stats.SegmentsCompleted, cancelled)
	s.Events.SendEvent(Finished{Cancelled: cancelled})
	return nil
}

func (s *Session) processAll(ctx context.Context, previewQueue chan previewItem) error {
	for {
		if s.cancelled.Load() {
			return nil
		}
		frame, err := s.decoder.NextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return fmt.Errorf("Failed to decode frame: %w", err)
		}
		if err := s.processFrame(ctx, frame, previewQueue); err != nil {
			return err
		}
	}
}

func (s *Session) processFrame(ctx context.Context, frame *media.Frame, previewQueue chan previewItem) error {
	detections := s.filter(s.detector.Detect(frame))
	t := frame.PTS

	s.lock.Lock()
	s.stats.Frames++
	s.stats.LastPTS = t
	if len(detections) != 0 {
		s.stats.FramesWithPerson++
	}
	s.history.Add(frameSummary{pts: t, detections: len(detections), largestArea: largestArea(detections)})
	s.lock.Unlock()

	// Only clone the frame if the preview worker can take it
	if previewQueue != nil && len(previewQueue) < cap(previewQueue) {
		select {
		case previewQueue <- previewItem{frame: frame.Clone(), detections: detections}:
		default:
		}
	}

	if len(detections) != 0 {
		s.lastSeen = t
		if s.active == nil {
			if err := s.startSegment(frame); err != nil {
				return err
			}
		}
		return s.append(ctx, frame)
	}

	if s.active == nil {
		return nil
	}
	if t.Sub(s.lastSeen).Duration() > s.cfg.GracePeriod {
		s.finishActive()
		return nil
	}
	return s.append(ctx, frame)
}

// Discard detections of other classes
func (s *Session) filter(detections []Detection) []Detection {
	keep := make([]Detection, 0, len(detections))
	for _, d := range detections {
		if d.Label == s.cfg.Label {
			keep = append(keep, d)
		}
	}
	return keep
}

func (s *Session) startSegment(frame *media.Frame) error {
	timeScale := s.src.TimeScale
	if timeScale <= 0 {
		timeScale = frame.PTS.Scale
	}
	seg, err := s.recorders.Start(frame.Width(), frame.Height(), timeScale, s.src.FrameRate, s.onSegmentFinished)
	if err != nil {
		return fmt.Errorf("Failed to start segment: %w", err)
	}
	s.active = seg
	s.setRecording(true)
	return nil
}

func (s *Session) append(ctx context.Context, frame *media.Frame) error {
	duration, err := s.active.Append(ctx, frame)
	if err != nil {
		if ctx.Err() != nil {
			// We're being cancelled. The frame is lost, but the segment is intact, and will be finished.
			return nil
		}
		s.active.Cancel()
		s.active = nil
		s.setRecording(false)
		return fmt.Errorf("Failed to record frame: %w", err)
	}
	s.lock.Lock()
	s.stats.FramesRecorded++
	s.lock.Unlock()
	if duration.Duration() >= s.cfg.MaxSegmentDuration {
		s.finishActive()
	}
	return nil
}

func (s *Session) finishActive() {
	if s.active == nil {
		return
	}
	s.active.Finish()
	s.pending = append(s.pending, s.active)
	s.active = nil
	s.setRecording(false)
}

// Wait for all segments to be finalized, and return the first error
func (s *Session) waitPending() error {
	var firstErr error
	for _, seg := range s.pending {
		if err := seg.Wait(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("Failed to finalize segment: %w", err)
		}
	}
	s.pending = nil
	return firstErr
}

func (s *Session) setRecording(recording bool) {
	s.lock.Lock()
	s.stats.Recording = recording
	s.lock.Unlock()
	s.Events.SendEvent(RecordingChanged{Recording: recording})
}

// Runs on the recorder's finalization goroutine
func (s *Session) onSegmentFinished(info recorder.SegmentInfo) {
	s.lock.Lock()
	s.stats.SegmentsCompleted++
	s.lock.Unlock()
	s.Events.SendEvent(SegmentComplete{Segment: info})
}

func (s *Session) previewWorker(queue chan previewItem, done chan struct{}) {
	defer close(done)
	for item := range queue {
		img := item.frame.Image
		Annotate(img, item.detections)
		jpg, err := PreviewJPEG(img, s.cfg.PreviewQuality)
		if err != nil {
			if ok, _ := s.throttle.Allow("preview", time.Now()); ok {
				s.log.Warnf("%v", err)
			}
			continue
		}
		p := &Preview{
			JPEG:   jpg,
			Width:  img.Width,
			Height: img.Height,
			PTS:    item.frame.PTS,
		}
		s.lock.Lock()
		s.lastPreview = p
		s.lock.Unlock()
		s.Events.SendEvent(*p)
	}
}
