package videox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/personclip/pkg/media"
)

var ErrEncoderNotStarted = errors.New("Encoder not started")
var ErrEncoderNotReady = errors.New("WriteFrame called without WaitReady")

// EncoderOptions describes the output file of a VideoEncoder
type EncoderOptions struct {
	Filename  string
	Width     int
	Height    int
	TimeScale int32          // Time scale of the output track. We make this equal to the source track's time scale.
	FrameRate media.Rational // Nominal frame rate. If zero, we assume 30 FPS.
	Codec     string         // ffmpeg encoder name, eg "libx264"
	Profile   string         // eg "high"
	Level     string         // eg "4.1"
	BitRate   int            // bits per second
}

// DefaultEncoderOptions returns H.264 High profile, level 4.1, at 6 Mbps.
// Filename, dimensions, and time scale must be filled in by the caller.
func DefaultEncoderOptions() EncoderOptions {
	return EncoderOptions{
		Codec:   "libx264",
		Profile: "high",
		Level:   "4.1",
		BitRate: 6000000,
	}
}

type encoderFrame struct {
	pixels []byte // Packed RGB
	pts    media.Time
}

// VideoEncoder encodes RGB frames into an MP4 file, by piping raw frames into ffmpeg.
//
// The encoder accepts one frame at a time. Before every WriteFrame, the caller must
// call WaitReady, which blocks until the previous frame has been consumed by ffmpeg.
// This gives us backpressure without buffering more than one frame.
//
// Raw video on a pipe has no timestamps, so frames are laid out on a constant
// frame rate grid. A frame whose timestamp skips over grid slots causes the previous
// frame to be repeated, so that the output timeline follows the input timestamps.
//
// For a variable frame rate source, an output frame time is its input time rounded to
// the grid, so it is off by at most half a frame interval. A frame that rounds onto an
// occupied slot takes the next one, which delays it and the frames behind it by up to
// one more interval, until the input leaves a gap in the grid.
type VideoEncoder struct {
	log logs.Log
	opt EncoderOptions
	fps float64

	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stderr     *stderrTail
	ready      chan struct{} // Holds a token when we can accept another frame
	frames     chan encoderFrame
	writerDone chan struct{}
	closeOnce  sync.Once

	errLock sync.Mutex
	err     error

	holdingToken bool
	started      bool
	finished     bool

	// Owned by the writer goroutine
	lastSlot   int64
	lastPixels []byte
}

// NewVideoEncoder creates the output file and validates the options.
// Encoding does not begin until Start() is called.
func NewVideoEncoder(log logs.Log, opt EncoderOptions) (*VideoEncoder, error) {
	if opt.Width <= 0 || opt.Height <= 0 {
		return nil, fmt.Errorf("Invalid encoder dimensions %v x %v", opt.Width, opt.Height)
	}
	if opt.TimeScale <= 0 {
		return nil, fmt.Errorf("Invalid encoder time scale %v", opt.TimeScale)
	}
	if opt.Codec == "" {
		def := DefaultEncoderOptions()
		opt.Codec, opt.Profile, opt.Level, opt.BitRate = def.Codec, def.Profile, def.Level, def.BitRate
	}
	fps := opt.FrameRate.Float64()
	if fps <= 0 {
		opt.FrameRate = media.Rational{Num: 30, Den: 1}
		fps = 30
	}
	if _, err := exec.LookPath(FFmpegPath); err != nil {
		return nil, fmt.Errorf("Unable to find '%v' in your path (%w)", FFmpegPath, err)
	}
	// Create the file up front, so that we fail early if the destination is not writable
	f, err := os.OpenFile(opt.Filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("Failed to create %v: %w", opt.Filename, err)
	}
	f.Close()

	return &VideoEncoder{
		log:        log,
		opt:        opt,
		fps:        fps,
		stderr:     newStderrTail(),
		ready:      make(chan struct{}, 1),
		frames:     make(chan encoderFrame, 1),
		writerDone: make(chan struct{}),
		lastSlot:   -1,
	}, nil
}

func (e *VideoEncoder) Options() EncoderOptions {
	return e.opt
}

func (e *VideoEncoder) args() []string {
	o := e.opt
	return []string{
		"-hide_banner",
		"-nostdin",
		"-loglevel", "error",
		"-y",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-s", fmt.Sprintf("%vx%v", o.Width, o.Height),
		"-framerate", fmt.Sprintf("%v/%v", o.FrameRate.Num, o.FrameRate.Den),
		"-i", "pipe:0",
		"-an",
		"-vf", "pad=ceil(iw/2)*2:ceil(ih/2)*2", // yuv420p requires even dimensions
		"-c:v", o.Codec,
		"-profile:v", o.Profile,
		"-level:v", o.Level,
		"-b:v", strconv.Itoa(o.BitRate),
		"-pix_fmt", "yuv420p",
		"-video_track_timescale", strconv.Itoa(int(o.TimeScale)),
		"-movflags", "+faststart",
		"-f", "mp4",
		o.Filename,
	}
}

// Start launches the encoder
func (e *VideoEncoder) Start() error {
	if e.started {
		return nil
	}
	cmd := exec.Command(FFmpegPath, e.args()...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("Failed to start ffmpeg encoder: %w", err)
	}
	e.cmd = cmd
	e.stdin = stdin
	e.started = true
	go e.stderr.consume(stderr, nil)
	go e.writer()
	e.ready <- struct{}{}
	return nil
}

// WaitReady blocks until the encoder can accept another frame.
// Returns any error that occurred while writing previous frames.
func (e *VideoEncoder) WaitReady(ctx context.Context) error {
	if !e.started {
		return ErrEncoderNotStarted
	}
	if e.holdingToken {
		return e.Err()
	}
	select {
	case <-e.ready:
		e.holdingToken = true
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := e.Err(); err != nil {
		e.releaseToken()
		return err
	}
	return nil
}

// WriteFrame hands a frame over to the encoder. WaitReady must have succeeded before this call.
// The pts must be relative to the start of the output (ie the first frame is at zero).
// dts is accepted for symmetry with the source, but raw input has no decode order, so it is not used.
func (e *VideoEncoder) WriteFrame(img *cimg.Image, pts, dts media.Time) error {
	if !e.holdingToken {
		return ErrEncoderNotReady
	}
	if err := e.Err(); err != nil {
		return err
	}
	if img.Width != e.opt.Width || img.Height != e.opt.Height || img.NChan() != 3 {
		return fmt.Errorf("Frame is %v x %v x %v, but encoder expects %v x %v x 3", img.Width, img.Height, img.NChan(), e.opt.Width, e.opt.Height)
	}
	e.holdingToken = false
	e.frames <- encoderFrame{
		pixels: packPixels(img),
		pts:    pts,
	}
	return nil
}

func (e *VideoEncoder) releaseToken() {
	if e.holdingToken {
		e.holdingToken = false
		e.ready <- struct{}{}
	}
}

// Finish flushes all frames, and waits for ffmpeg to finalize the file
func (e *VideoEncoder) Finish() error {
	if !e.started {
		return ErrEncoderNotStarted
	}
	if e.finished {
		return e.Err()
	}
	e.finished = true
	// Wait for the last frame to be written
	if !e.holdingToken {
		<-e.ready
		e.holdingToken = true
	}
	e.closeOnce.Do(func() { close(e.frames) })
	<-e.writerDone
	e.stdin.Close()
	<-e.stderr.done
	if err := e.cmd.Wait(); err != nil {
		e.setErr(fmt.Errorf("ffmpeg encoder failed: %w (%v)", err, e.stderr.String()))
	}
	return e.Err()
}

// Abort kills the encoder and deletes the output file
func (e *VideoEncoder) Abort() {
	if e.started && !e.finished {
		e.finished = true
		e.closeOnce.Do(func() { close(e.frames) })
		e.cmd.Process.Kill()
		<-e.writerDone
		e.stdin.Close()
		<-e.stderr.done
		e.cmd.Wait()
	}
	e.finished = true
	if err := os.Remove(e.opt.Filename); err != nil && !os.IsNotExist(err) {
		e.log.Warnf("Failed to delete aborted video %v: %v", e.opt.Filename, err)
	}
}

func (e *VideoEncoder) Err() error {
	e.errLock.Lock()
	defer e.errLock.Unlock()
	return e.err
}

func (e *VideoEncoder) setErr(err error) {
	e.errLock.Lock()
	if e.err == nil {
		e.err = err
	}
	e.errLock.Unlock()
}

func (e *VideoEncoder) writer() {
	defer close(e.writerDone)
	for f := range e.frames {
		if e.Err() == nil {
			if err := e.writeFrame(f); err != nil {
				e.setErr(fmt.Errorf("Failed to write frame to ffmpeg: %w (%v)", err, e.stderr.String()))
			}
		}
		e.ready <- struct{}{}
	}
}

func (e *VideoEncoder) writeFrame(f encoderFrame) error {
	slot := e.frameSlot(f.pts)
	// Fill gaps in the timeline by repeating the previous frame
	if e.lastPixels != nil {
		for s := e.lastSlot + 1; s < slot; s++ {
			if _, err := e.stdin.Write(e.lastPixels); err != nil {
				return err
			}
		}
	}
	if _, err := e.stdin.Write(f.pixels); err != nil {
		return err
	}
	e.lastSlot = slot
	e.lastPixels = f.pixels
	return nil
}

// Map a timestamp onto the constant frame rate grid of the output.
// Frames are never dropped, so a frame that lands on an occupied slot takes the next one.
func (e *VideoEncoder) frameSlot(pts media.Time) int64 {
	slot := int64(math.Round(pts.Seconds() * e.fps))
	if slot <= e.lastSlot {
		slot = e.lastSlot + 1
	}
	return slot
}

// Return the pixels of img with no padding between rows.
// The caller may reuse img after WriteFrame returns, so we always copy.
func packPixels(img *cimg.Image) []byte {
	return img.Clone().Pixels
}
