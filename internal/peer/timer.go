package peer

import "time"

// scheduleSettle runs fn once after d elapses, on its own goroutine. It
// exists only so FixProcess's settle-then-sync sequencing reads as one
// named step instead of a bare time.AfterFunc call.
func scheduleSettle(d time.Duration, fn func()) {
	time.AfterFunc(d, fn)
}
