package videox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseShowinfo(t *testing.T) {
	f, ok := parseShowinfoFrame("[Parsed_showinfo_0 @ 0x5581e2c0] n:   3 pts:   1536 pts_time:0.125   duration:    512 pos:    48213 fmt:yuv420p")
	require.True(t, ok)
	require.Equal(t, int64(3), f.N)
	require.Equal(t, int64(1536), f.PTS)

	f, ok = parseShowinfoFrame("[Parsed_showinfo_0 @ 0x1] n:0 pts:-1024 pts_time:-0.0833")
	require.True(t, ok)
	require.Equal(t, int64(-1024), f.PTS)

	_, ok = parseShowinfoFrame("Input #0, mov,mp4,m4a,3gp,3g2,mj2, from 'people-detection.mp4':")
	require.False(t, ok)

	num, den, ok := parseShowinfoTimeBase("[Parsed_showinfo_0 @ 0x1] config in time_base: 1/12288, frame_rate: 12/1")
	require.True(t, ok)
	require.Equal(t, int64(1), num)
	require.Equal(t, int64(12288), den)
}

func TestStderrTail(t *testing.T) {
	tail := newStderrTail()
	var lines []string
	for i := 0; i < stderrTailSize+4; i++ {
		lines = append(lines, "line "+string(rune('a'+i)))
	}
	lines = append(lines, "[Parsed_showinfo_0 @ 0x1] n:   0 pts:      0 pts_time:0")
	consumed := 0
	tail.consume(strings.NewReader(strings.Join(lines, "\n")), func(line string) bool {
		if _, ok := parseShowinfoFrame(line); ok {
			consumed++
			return true
		}
		return false
	})
	<-tail.done
	require.Equal(t, 1, consumed)
	s := tail.String()
	require.NotContains(t, s, "line a")
	require.Contains(t, s, "line "+string(rune('a'+stderrTailSize+3)))
	require.NotContains(t, s, "showinfo")
}
