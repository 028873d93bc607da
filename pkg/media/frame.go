package media

import (
	"github.com/bmharper/cimg/v2"
)

// Frame is a single decoded video frame.
// Image is 24-bit RGB, which is what our NN models consume.
type Frame struct {
	Image *cimg.Image
	PTS   Time // Presentation timestamp, in the source stream's time scale
	DTS   Time // Decode timestamp. Usually invalid, because decoded frames have no meaningful DTS.
}

func (f *Frame) Width() int {
	return f.Image.Width
}

func (f *Frame) Height() int {
	return f.Image.Height
}

// Clone returns a deep copy of the frame, so that the copy can be mutated
// (eg annotated for preview) without affecting the original.
func (f *Frame) Clone() *Frame {
	c := &Frame{
		PTS: f.PTS,
		DTS: f.DTS,
	}
	c.Image = f.Image.Clone()
	return c
}
