package detection

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/personclip/pkg/event"
	"github.com/cyclopcam/personclip/pkg/media"
	"github.com/cyclopcam/personclip/pkg/videox"
	"github.com/cyclopcam/personclip/server/recorder"
	"github.com/cyclopcam/personclip/server/util"
	"github.com/stretchr/testify/require"
)

const testScale = 600
const testFPS = 10

// fakeSource produces blank frames at 10 FPS
type fakeSource struct {
	numFrames  int
	next       int
	cancelled  atomic.Bool
	closed     atomic.Bool
	onProgress func(float64)
}

func (f *fakeSource) NextFrame() (*media.Frame, error) {
	if f.cancelled.Load() || f.next >= f.numFrames {
		return nil, io.EOF
	}
	i := f.next
	f.next++
	if f.onProgress != nil {
		f.onProgress(float64(i+1) / float64(f.numFrames))
	}
	return &media.Frame{
		Image: cimg.NewImage(16, 16, cimg.PixelFormatRGB),
		PTS:   media.MakeTime(int64(i)*testScale/testFPS, testScale),
		DTS:   media.InvalidTime,
	}, nil
}

func (f *fakeSource) Cancel() {
	f.cancelled.Store(true)
}

func (f *fakeSource) Close() {
	f.closed.Store(true)
}

func (f *fakeSource) OnProgress(cb func(float64)) {
	f.onProgress = cb
}

type span struct {
	from, to float64
}

// fakeDetector sees a person during each of its [from, to] second spans
type fakeDetector struct {
	spans   []span
	onFrame func(frame *media.Frame)
}

func (f *fakeDetector) personAt(t float64) bool {
	for _, s := range f.spans {
		if t >= s.from-1e-9 && t <= s.to+1e-9 {
			return true
		}
	}
	return false
}

func (f *fakeDetector) Detect(frame *media.Frame) []Detection {
	if f.onFrame != nil {
		f.onFrame(frame)
	}
	if f.personAt(frame.PTS.Seconds()) {
		return []Detection{
			{Label: "person", Confidence: 0.9, Box: NormRect{X: 0.25, Y: 0.25, Width: 0.5, Height: 0.5}},
			{Label: "dog", Confidence: 0.9, Box: NormRect{X: 0.1, Y: 0.1, Width: 0.1, Height: 0.1}},
		}
	}
	// Other classes never cause recording
	return []Detection{{Label: "car", Confidence: 0.9, Box: NormRect{X: 0.1, Y: 0.1, Width: 0.1, Height: 0.1}}}
}

type fakeEncoder struct {
	lock     sync.Mutex
	pts      []media.Time
	sums     []int // Sum of pixel values of each frame, at the time it was written
	images   []*cimg.Image
	writeErr error
}

func (f *fakeEncoder) Start() error                        { return nil }
func (f *fakeEncoder) WaitReady(ctx context.Context) error { return ctx.Err() }
func (f *fakeEncoder) Finish() error                       { return nil }
func (f *fakeEncoder) Abort()                              {}

func (f *fakeEncoder) WriteFrame(img *cimg.Image, pts, dts media.Time) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.pts = append(f.pts, pts)
	f.sums = append(f.sums, pixelSum(img))
	f.images = append(f.images, img)
	return nil
}

func pixelSum(img *cimg.Image) int {
	sum := 0
	for _, p := range img.Pixels {
		sum += int(p)
	}
	return sum
}

type sessionRig struct {
	session  *Session
	source   *fakeSource
	detector *fakeDetector
	encoders []*fakeEncoder
	writeErr error

	lock   sync.Mutex
	events []Event
}

func newSessionRig(t *testing.T, seconds int, personFrom, personTo float64, preview bool) *sessionRig {
	rig := &sessionRig{}
	files, err := util.NewTempFiles(t.TempDir(), 0)
	require.NoError(t, err)
	factory := recorder.NewFactory(logs.NewTestingLog(t), files, videox.DefaultEncoderOptions())
	factory.NewEncoder = func(log logs.Log, opt videox.EncoderOptions) (recorder.Encoder, error) {
		enc := &fakeEncoder{writeErr: rig.writeErr}
		rig.encoders = append(rig.encoders, enc)
		return enc, nil
	}
	src := &media.SourceMedia{
		Filename:  "test.mp4",
		Width:     16,
		Height:    16,
		TimeBase:  media.Rational{Num: 1, Den: testScale},
		TimeScale: testScale,
		Duration:  media.MakeTime(int64(seconds)*testScale, testScale),
		FrameRate: media.Rational{Num: testFPS, Den: 1},
	}
	rig.source = &fakeSource{numFrames: seconds * testFPS}
	rig.detector = &fakeDetector{spans: []span{{personFrom, personTo}}}
	cfg := DefaultConfig()
	cfg.Preview = preview
	rig.session = NewSession(logs.NewTestingLog(t), cfg, src, rig.source, rig.detector, factory)
	rig.session.Events.AddListener(event.NewFuncListener(func(ev Event) {
		rig.lock.Lock()
		rig.events = append(rig.events, ev)
		rig.lock.Unlock()
	}))
	return rig
}

func (r *sessionRig) segments() []recorder.SegmentInfo {
	r.lock.Lock()
	defer r.lock.Unlock()
	segs := []recorder.SegmentInfo{}
	for _, ev := range r.events {
		if sc, ok := ev.(SegmentComplete); ok {
			segs = append(segs, sc.Segment)
		}
	}
	// Segments are finalized concurrently, so they can complete out of order
	sort.Slice(segs, func(i, j int) bool {
		return segs[i].SourceStart.Before(segs[j].SourceStart)
	})
	return segs
}

func (r *sessionRig) recordingChanges() []bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	changes := []bool{}
	for _, ev := range r.events {
		if rc, ok := ev.(RecordingChanged); ok {
			changes = append(changes, rc.Recording)
		}
	}
	return changes
}

func (r *sessionRig) lastEvent() Event {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.events[len(r.events)-1]
}

func (r *sessionRig) count(name string) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.EventName() == name {
			n++
		}
	}
	return n
}

func TestShortAppearance(t *testing.T) {
	// 30 second source, person visible from 5 to 8 seconds
	rig := newSessionRig(t, 30, 5, 8, false)
	require.NoError(t, rig.session.Run(context.Background()))

	segs := rig.segments()
	require.Len(t, segs, 1)
	seg := segs[0]
	require.InDelta(t, 5.0, seg.SourceStart.Seconds(), 1e-9)
	// Recording continues for the 5 second grace period after the person was last seen
	require.InDelta(t, 13.1, seg.SourceEnd.Seconds(), 1e-9)
	require.InDelta(t, 8.1, seg.Duration.Seconds(), 1e-9)
	require.Equal(t, 81, seg.Frames)

	// Output timestamps are rebased to zero, and non-decreasing
	pts := rig.encoders[0].pts
	require.Equal(t, int64(0), pts[0].Value)
	for i := 1; i < len(pts); i++ {
		require.GreaterOrEqual(t, pts[i].Value, pts[i-1].Value)
	}

	require.Equal(t, []bool{true, false}, rig.recordingChanges())
	require.Equal(t, Finished{Cancelled: false}, rig.lastEvent())
	require.True(t, rig.source.closed.Load())
	require.Equal(t, 300, rig.count("progress"))

	st := rig.session.Stats()
	require.Equal(t, 300, st.Frames)
	require.Equal(t, 31, st.FramesWithPerson)
	require.Equal(t, 81, st.FramesRecorded)
	require.Equal(t, 1, st.SegmentsCompleted)
	require.False(t, st.Recording)
	require.Equal(t, float32(0), st.RecentHitRate)
}

func TestMaxSegmentDuration(t *testing.T) {
	// Person visible from 0 to 25 seconds, so the 10 second cap splits the recording
	rig := newSessionRig(t, 30, 0, 25, false)
	require.NoError(t, rig.session.Run(context.Background()))

	segs := rig.segments()
	require.Len(t, segs, 3)
	for i, seg := range segs {
		require.InDelta(t, float64(i*10), seg.SourceStart.Seconds(), 1e-9)
		require.LessOrEqual(t, seg.Duration.Seconds(), 10.0+1e-9)
		require.Equal(t, 100, seg.Frames)
		if i > 0 {
			// Contiguous and non-overlapping
			require.Equal(t, 0, segs[i-1].SourceEnd.Compare(seg.SourceStart))
		}
	}
	require.Len(t, rig.encoders, 3)
	for _, enc := range rig.encoders {
		require.Equal(t, int64(0), enc.pts[0].Value)
	}
	require.Equal(t, Finished{Cancelled: false}, rig.lastEvent())
}

func TestNobodyHome(t *testing.T) {
	rig := newSessionRig(t, 30, -100, -99, false)
	require.NoError(t, rig.session.Run(context.Background()))
	require.Len(t, rig.segments(), 0)
	require.Len(t, rig.encoders, 0)
	require.Len(t, rig.recordingChanges(), 0)
	require.Equal(t, Finished{Cancelled: false}, rig.lastEvent())
}

func TestCancelFinishesActiveSegment(t *testing.T) {
	rig := newSessionRig(t, 30, 0, 30, false)
	rig.detector.onFrame = func(frame *media.Frame) {
		if frame.PTS.Value == 30*testScale/testFPS {
			rig.session.Cancel()
		}
	}
	require.NoError(t, rig.session.Run(context.Background()))
	segs := rig.segments()
	require.Len(t, segs, 1)
	// The frame during which we were cancelled is still recorded
	require.Equal(t, 31, segs[0].Frames)
	require.Equal(t, Finished{Cancelled: true}, rig.lastEvent())
	require.True(t, rig.session.IsCancelled())
}

func TestContextCancel(t *testing.T) {
	rig := newSessionRig(t, 30, 0, 30, false)
	ctx, cancel := context.WithCancel(context.Background())
	rig.detector.onFrame = func(frame *media.Frame) {
		if frame.PTS.Value == 10*testScale/testFPS {
			cancel()
			// Wait for the AfterFunc to run
			for !rig.session.IsCancelled() {
				time.Sleep(time.Millisecond)
			}
		}
	}
	require.NoError(t, rig.session.Run(ctx))
	require.Equal(t, Finished{Cancelled: true}, rig.lastEvent())
	require.Len(t, rig.segments(), 1)
}

func TestRecorderFailure(t *testing.T) {
	rig := newSessionRig(t, 30, 5, 8, false)
	rig.writeErr = errors.New("disk full")
	err := rig.session.Run(context.Background())
	require.ErrorIs(t, err, rig.writeErr)
	require.Equal(t, 1, rig.count("failed"))
	require.Equal(t, 0, rig.count("finished"))
	failed, ok := rig.lastEvent().(Failed)
	require.True(t, ok)
	require.ErrorIs(t, failed.Err, rig.writeErr)
	require.Len(t, rig.segments(), 0)
	// The session stopped at the first frame that it tried to record
	require.Equal(t, 51, rig.session.Stats().Frames)
}

func TestPreviewEvents(t *testing.T) {
	rig := newSessionRig(t, 3, 0, 3, true)
	require.NoError(t, rig.session.Run(context.Background()))
	require.GreaterOrEqual(t, rig.count("preview"), 1)
	p := rig.session.LatestPreview()
	require.NotNil(t, p)
	require.Equal(t, 16, p.Width)
	require.Equal(t, []byte{0xff, 0xd8}, p.JPEG[:2])
	require.Equal(t, Finished{Cancelled: false}, rig.lastEvent())
}

func TestRunTwice(t *testing.T) {
	rig := newSessionRig(t, 1, -100, -99, false)
	require.NoError(t, rig.session.Run(context.Background()))
	require.ErrorIs(t, rig.session.Run(context.Background()), ErrAlreadyRunning)
}

func TestGapWithinGracePeriod(t *testing.T) {
	// The person disappears for 2 seconds, which is less than the grace period
	rig := newSessionRig(t, 30, 2, 4, false)
	rig.detector.spans = append(rig.detector.spans, span{6, 8})
	require.NoError(t, rig.session.Run(context.Background()))

	segs := rig.segments()
	require.Len(t, segs, 1)
	require.InDelta(t, 2.0, segs[0].SourceStart.Seconds(), 1e-9)
	require.InDelta(t, 13.1, segs[0].SourceEnd.Seconds(), 1e-9)
	require.Equal(t, []bool{true, false}, rig.recordingChanges())
}

func TestGapLongerThanGracePeriod(t *testing.T) {
	// The person disappears for 8 seconds, so we get two separate segments
	rig := newSessionRig(t, 30, 2, 4, false)
	rig.detector.spans = append(rig.detector.spans, span{12, 14})
	require.NoError(t, rig.session.Run(context.Background()))

	segs := rig.segments()
	require.Len(t, segs, 2)
	require.InDelta(t, 2.0, segs[0].SourceStart.Seconds(), 1e-9)
	require.InDelta(t, 9.1, segs[0].SourceEnd.Seconds(), 1e-9)
	require.InDelta(t, 12.0, segs[1].SourceStart.Seconds(), 1e-9)
	require.InDelta(t, 19.1, segs[1].SourceEnd.Seconds(), 1e-9)
	require.Len(t, rig.encoders, 2)
	require.Equal(t, []bool{true, false, true, false}, rig.recordingChanges())
}

func TestPreviewDoesNotTouchRecordedFrames(t *testing.T) {
	rig := newSessionRig(t, 3, 0, 3, true)
	require.NoError(t, rig.session.Run(context.Background()))
	require.GreaterOrEqual(t, rig.count("preview"), 1)

	require.Len(t, rig.encoders, 1)
	enc := rig.encoders[0]
	require.Equal(t, 30, len(enc.sums))
	for i, sum := range enc.sums {
		require.Equal(t, 0, sum, "frame %v was modified before it was recorded", i)
	}
	// The preview worker runs concurrently, so check again after it has finished
	for i, img := range enc.images {
		require.Equal(t, 0, pixelSum(img), "frame %v was modified after it was recorded", i)
	}
}
