package media

import (
	"testing"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/stretchr/testify/require"
)

func TestTimeArithmetic(t *testing.T) {
	a := MakeTime(1200, 600)
	b := MakeTime(1000, 1000)
	require.Equal(t, 2.0, a.Seconds())
	require.Equal(t, MakeTime(600, 600), a.Sub(b))
	require.Equal(t, MakeTime(1800, 600), a.Add(b))
	require.Equal(t, 1, a.Compare(b))
	require.Equal(t, -1, b.Compare(a))
	require.Equal(t, 0, MakeTime(1, 2).Compare(MakeTime(300, 600)))
	require.Equal(t, 2*time.Second, a.Duration())
	require.Equal(t, MakeTime(2000, 1000), a.ConvertScale(1000))
	require.Equal(t, MakeTime(-5, 10), MakeTime(-1, 2).ConvertScale(10))
}

func TestInvalidTime(t *testing.T) {
	require.False(t, InvalidTime.IsValid())
	require.False(t, MakeTime(5, 600).Sub(InvalidTime).IsValid())
	require.False(t, InvalidTime.ConvertScale(90000).IsValid())
	require.Equal(t, "invalid", InvalidTime.String())
}

func TestSourceProgress(t *testing.T) {
	src := SourceMedia{TimeScale: 600, Duration: MakeTime(6000, 600), FrameRate: Rational{30, 1}}
	p, ok := src.Progress(MakeTime(3000, 600))
	require.True(t, ok)
	require.Equal(t, 0.5, p)
	p, ok = src.Progress(MakeTime(9000, 600))
	require.True(t, ok)
	require.Equal(t, 1.0, p)
	require.Equal(t, MakeTime(20, 600), src.FrameDuration())

	src.Duration = InvalidTime
	_, ok = src.Progress(MakeTime(3000, 600))
	require.False(t, ok)
}

func TestFrameClone(t *testing.T) {
	img := cimg.NewImage(4, 3, cimg.PixelFormatRGB)
	img.Pixels[0] = 200
	f := &Frame{Image: img, PTS: MakeTime(10, 600), DTS: InvalidTime}
	c := f.Clone()
	c.Image.Pixels[0] = 7
	require.Equal(t, uint8(200), f.Image.Pixels[0])
	require.Equal(t, f.PTS, c.PTS)
	require.Equal(t, 4, c.Width())
	require.Equal(t, 3, c.Height())
}
