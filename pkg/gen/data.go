package gen

// DeleteFirst removes the first element equal to 'v', preserving order.
// If 'v' is not present, the slice is returned unchanged.
func DeleteFirst[T comparable](s []T, v T) []T {
	for i := range s {
		if s[i] == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

// CopySlice returns a shallow copy of src, which never aliases src
func CopySlice[T any](src []T) []T {
	dst := make([]T, len(src))
	copy(dst, src)
	return dst
}

// DrainChannelIntoSlice returns everything that is currently buffered in ch, without blocking
func DrainChannelIntoSlice[T any](ch chan T) []T {
	items := make([]T, 0, len(ch))
	for {
		select {
		case v := <-ch:
			items = append(items, v)
		default:
			return items
		}
	}
}
