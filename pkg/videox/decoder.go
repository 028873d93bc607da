package videox

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/personclip/pkg/media"
)

// VideoDecoder decodes a video file into RGB frames, by running ffmpeg and reading raw
// frames from its stdout. Frame timestamps are obtained from the showinfo filter, which
// ffmpeg writes to stderr, so they are the exact stream timestamps, and not a reconstruction
// from the frame rate.
type VideoDecoder struct {
	log        logs.Log
	src        *media.SourceMedia
	cmd        *exec.Cmd
	stdout     io.ReadCloser
	stderr     *stderrTail
	pts        chan int64 // Timestamps parsed from showinfo, in the order that frames are emitted
	frameBytes int

	// The time base reported by showinfo overrides the probed time base (they're normally identical)
	tbLock sync.Mutex
	tbNum  int64
	tbDen  int64

	cancelled  atomic.Bool
	quit       chan struct{} // Closed by Cancel
	closeOnce  sync.Once
	waitErr    error
	onProgress func(fraction float64)
	nFrames    int64
	lastPTS    media.Time
}

// NewVideoDecoder starts decoding the video stream described by src.
// The caller must call Close() when finished.
func NewVideoDecoder(log logs.Log, src *media.SourceMedia) (*VideoDecoder, error) {
	if src.Width <= 0 || src.Height <= 0 || src.TimeScale <= 0 {
		return nil, fmt.Errorf("%w: Invalid source description for %v", media.ErrSetupFailed, src.Filename)
	}
	ffmpeg, err := exec.LookPath(FFmpegPath)
	if err != nil {
		return nil, fmt.Errorf("%w: Unable to find '%v' in your path (%w)", media.ErrSetupFailed, FFmpegPath, err)
	}
	args := []string{
		"-hide_banner",
		"-nostdin",
		"-loglevel", "info",
		"-i", src.Filename,
		"-map", "0:" + strconv.Itoa(src.StreamIndex),
		"-an",
		"-vf", "showinfo",
		"-fps_mode", "passthrough", // one output frame per decoded frame, no duplicates or drops
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"pipe:1",
	}
	cmd := exec.Command(ffmpeg, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", media.ErrSetupFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", media.ErrSetupFailed, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: Failed to start ffmpeg for %v: %w", media.ErrSetupFailed, src.Filename, err)
	}

	tbNum := int64(src.TimeBase.Num)
	if tbNum <= 0 {
		tbNum = 1
	}
	d := &VideoDecoder{
		log:        log,
		src:        src,
		cmd:        cmd,
		stdout:     stdout,
		stderr:     newStderrTail(),
		pts:        make(chan int64, 256),
		quit:       make(chan struct{}),
		frameBytes: src.Width * src.Height * 3,
		tbNum:      tbNum,
		tbDen:      int64(src.TimeScale),
		lastPTS:    media.InvalidTime,
	}
	go d.readStderr(stderr)
	return d, nil
}

func (d *VideoDecoder) readStderr(r io.Reader) {
	defer close(d.pts)
	d.stderr.consume(r, func(line string) bool {
		if f, ok := parseShowinfoFrame(line); ok {
			select {
			case d.pts <- f.PTS:
			case <-d.quit:
			}
			return true
		}
		if num, den, ok := parseShowinfoTimeBase(line); ok {
			d.tbLock.Lock()
			d.tbNum, d.tbDen = num, den
			d.tbLock.Unlock()
			return true
		}
		return false
	})
}

// OnProgress registers a callback that is invoked after every frame, with the fraction
// of the video that has been decoded so far. It is not called if the duration is unknown.
func (d *VideoDecoder) OnProgress(f func(fraction float64)) {
	d.onProgress = f
}

func (d *VideoDecoder) Source() *media.SourceMedia {
	return d.src
}

// NextFrame returns the next decoded frame, or io.EOF when the stream is finished or cancelled.
// Frames are returned in strictly increasing PTS order.
func (d *VideoDecoder) NextFrame() (*media.Frame, error) {
	for {
		if d.cancelled.Load() {
			return nil, io.EOF
		}
		buf := make([]byte, d.frameBytes)
		_, err := io.ReadFull(d.stdout, buf)
		if err != nil {
			if d.cancelled.Load() {
				return nil, io.EOF
			}
			if errors.Is(err, io.EOF) {
				if werr := d.wait(); werr != nil {
					return nil, fmt.Errorf("Decoding %v failed: %w (%v)", d.src.Filename, werr, d.stderr.String())
				}
				return nil, io.EOF
			}
			d.wait()
			return nil, fmt.Errorf("Decoding %v failed: %w (%v)", d.src.Filename, err, d.stderr.String())
		}

		pts := d.nextPTS()
		d.nFrames++
		if d.lastPTS.IsValid() && pts.Compare(d.lastPTS) <= 0 {
			d.log.Warnf("Dropping frame %v with non-increasing PTS %v (previous %v)", d.nFrames-1, pts, d.lastPTS)
			continue
		}
		d.lastPTS = pts

		frame := &media.Frame{
			Image: cimg.WrapImage(d.src.Width, d.src.Height, cimg.PixelFormatRGB, buf),
			PTS:   pts,
			DTS:   media.InvalidTime,
		}
		if d.onProgress != nil {
			if p, ok := d.src.Progress(pts); ok {
				d.onProgress(p)
			}
		}
		return frame, nil
	}
}

// Return the PTS of the frame that was just read, in the source's time scale
func (d *VideoDecoder) nextPTS() media.Time {
	raw, ok := <-d.pts
	d.tbLock.Lock()
	num, den := d.tbNum, d.tbDen
	d.tbLock.Unlock()
	if !ok {
		// stderr closed early, so synthesize the timestamp from the frame rate
		frameDur := d.src.FrameDuration()
		if !frameDur.IsValid() {
			frameDur = media.TimeFromSeconds(1.0/30, d.src.TimeScale)
		}
		return media.MakeTime(d.nFrames*frameDur.Value, d.src.TimeScale)
	}
	return media.MakeTime(raw*num, int32(den)).ConvertScale(d.src.TimeScale)
}

// Cancel may be called from any goroutine. After Cancel, NextFrame returns io.EOF.
func (d *VideoDecoder) Cancel() {
	if d.cancelled.Swap(true) {
		return
	}
	close(d.quit)
	if d.cmd.Process != nil {
		d.cmd.Process.Kill()
	}
}

// Close stops ffmpeg (if it's still running) and releases resources
func (d *VideoDecoder) Close() {
	d.Cancel()
	d.wait()
}

func (d *VideoDecoder) wait() error {
	d.closeOnce.Do(func() {
		// Drain stderr before Wait, so that the tail is complete
		<-d.stderr.done
		d.waitErr = d.cmd.Wait()
		if d.cancelled.Load() {
			d.waitErr = nil
		}
	})
	return d.waitErr
}
