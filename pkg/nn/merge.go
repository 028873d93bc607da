package nn

import (
	flatbush "github.com/bmharper/flatbush-go"
)

// MergeDuplicateObjects finds pairs of objects of the same class whose boxes overlap with
// an IoU of at least minIoU, and drops the less confident object of each pair.
// This catches duplicates that slip through NMS, such as a person detected once by the
// model as a whole, and again as a partial box near a tile boundary.
// Returns the indices of the objects that should be retained, in their original order.
func MergeDuplicateObjects(input []ObjectDetection, minIoU float32) []int {
	// Create spatial index to avoid O(N^2) comparisons
	fb := flatbush.NewFlatbush[int32]()
	fb.Reserve(len(input))
	for _, b := range input {
		fb.Add(b.Box.X, b.Box.Y, b.Box.X2(), b.Box.Y2())
	}
	fb.Finish()

	deleted := make([]bool, len(input))

	for i, in := range input {
		if deleted[i] {
			continue
		}
		for _, j := range fb.Search(in.Box.X, in.Box.Y, in.Box.X2(), in.Box.Y2()) {
			if i == j || deleted[j] {
				continue
			}
			if input[j].Class != in.Class {
				continue
			}
			if in.Box.IOU(input[j].Box) < minIoU {
				continue
			}
			// Keep the more confident of the two. On a tie, keep the first.
			if input[j].Confidence > in.Confidence {
				deleted[i] = true
				break
			}
			deleted[j] = true
		}
	}

	retain := make([]int, 0, len(input))
	for i := range input {
		if !deleted[i] {
			retain = append(retain, i)
		}
	}
	return retain
}
