// Package kibi formats and parses byte sizes with binary (1024) multiples.
package kibi

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidByteSizeString = errors.New("Invalid byte size string")

var units = []string{"bytes", "KB", "MB", "GB", "TB", "PB"}

// FormatBytes rounds down to the largest unit that keeps the number at least 1, eg "35 MB"
func FormatBytes(b int64) string {
	unit := 0
	for b >= 1024 && unit < len(units)-1 {
		b /= 1024
		unit++
	}
	return fmt.Sprintf("%v %v", b, units[unit])
}

// ParseBytes accepts a whole number with an optional suffix.
// Suffixes are case insensitive, and may be written as "mb" or just "m".
// "256 MB" -> 256*1024*1024
func ParseBytes(v string) (int64, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	end := 0
	for end < len(v) && v[end] >= '0' && v[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, ErrInvalidByteSizeString
	}
	suffix := strings.TrimSpace(v[end:])
	multiplier := int64(1)
	if suffix != "" && suffix != "bytes" {
		found := false
		for i := 1; i < len(units); i++ {
			long := strings.ToLower(units[i])
			if suffix == long || suffix == long[:1] {
				multiplier = int64(1) << (10 * i)
				found = true
				break
			}
		}
		if !found {
			return 0, ErrInvalidByteSizeString
		}
	}
	n, err := strconv.ParseInt(v[:end], 10, 64)
	if err != nil {
		return 0, err
	}
	return n * multiplier, nil
}
