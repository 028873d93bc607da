package videox

import (
	"bufio"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/bmharper/ringbuffer"
)

// Number of non-frame lines of ffmpeg stderr that we keep around for error messages
const stderrTailSize = 16

var showinfoFrameRegex = regexp.MustCompile(`\bn:\s*(\d+)\s+pts:\s*(-?\d+)\s+pts_time:`)
var showinfoTimeBaseRegex = regexp.MustCompile(`config in time_base:\s*(\d+)/(\d+)`)

// showinfoFrame is a single frame reported by ffmpeg's showinfo filter
type showinfoFrame struct {
	N   int64
	PTS int64
}

// Parse a showinfo line such as
// [Parsed_showinfo_0 @ 0x5581] n:   3 pts:   1536 pts_time:0.125 duration: 512 pos: 48213 fmt:yuv420p ...
func parseShowinfoFrame(line string) (showinfoFrame, bool) {
	m := showinfoFrameRegex.FindStringSubmatch(line)
	if m == nil {
		return showinfoFrame{}, false
	}
	n, err1 := strconv.ParseInt(m[1], 10, 64)
	pts, err2 := strconv.ParseInt(m[2], 10, 64)
	if err1 != nil || err2 != nil {
		return showinfoFrame{}, false
	}
	return showinfoFrame{N: n, PTS: pts}, true
}

// Parse "config in time_base: 1/12288, frame_rate: 12/1"
func parseShowinfoTimeBase(line string) (num, den int64, ok bool) {
	m := showinfoTimeBaseRegex.FindStringSubmatch(line)
	if m == nil {
		return 0, 0, false
	}
	num, err1 := strconv.ParseInt(m[1], 10, 64)
	den, err2 := strconv.ParseInt(m[2], 10, 64)
	if err1 != nil || err2 != nil || num <= 0 || den <= 0 {
		return 0, 0, false
	}
	return num, den, true
}

// stderrTail consumes ffmpeg's stderr, and keeps the last few lines for error reporting.
type stderrTail struct {
	lock  sync.Mutex
	lines ringbuffer.RingP[string]
	done  chan struct{}
}

func newStderrTail() *stderrTail {
	return &stderrTail{
		lines: ringbuffer.NewRingP[string](stderrTailSize),
		done:  make(chan struct{}),
	}
}

// Read lines until EOF. onLine may consume a line by returning true, in which case it is not
// retained in the tail.
func (t *stderrTail) consume(r io.Reader, onLine func(line string) bool) {
	defer close(t.done)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if onLine != nil && onLine(line) {
			continue
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		t.lock.Lock()
		t.lines.Add(line)
		t.lock.Unlock()
	}
}

func (t *stderrTail) String() string {
	t.lock.Lock()
	defer t.lock.Unlock()
	all := make([]string, 0, t.lines.Len())
	for i := 0; i < t.lines.Len(); i++ {
		all = append(all, t.lines.Peek(i))
	}
	return strings.Join(all, "\n")
}
