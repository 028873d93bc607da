package log

import (
	"fmt"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
)

// Throttle limits how often a category of message is logged.
// This is for errors that can occur on every video frame, where logging each occurrence
// would drown out everything else.
type Throttle struct {
	Interval time.Duration

	lock       sync.Mutex
	last       map[string]time.Time
	suppressed map[string]int
}

func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{
		Interval:   interval,
		last:       map[string]time.Time{},
		suppressed: map[string]int{},
	}
}

// Allow returns true if a message of the given category may be logged now.
// When it returns true, it also returns the number of messages that were suppressed
// since the last time the category was allowed.
func (t *Throttle) Allow(key string, now time.Time) (bool, int) {
	t.lock.Lock()
	defer t.lock.Unlock()
	last, ok := t.last[key]
	if ok && now.Sub(last) < t.Interval {
		t.suppressed[key]++
		return false, 0
	}
	n := t.suppressed[key]
	t.last[key] = now
	t.suppressed[key] = 0
	return true, n
}

// Errorf logs an error of the given category, unless one was logged less than
// Interval ago. The number of suppressed messages is appended to the next one.
func (t *Throttle) Errorf(l logs.Log, key string, format string, a ...any) {
	ok, suppressed := t.Allow(key, time.Now())
	if !ok {
		return
	}
	msg := fmt.Sprintf(format, a...)
	if suppressed != 0 {
		msg += fmt.Sprintf(" (%v similar errors suppressed)", suppressed)
	}
	l.Errorf("%v", msg)
}
