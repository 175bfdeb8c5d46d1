package platform

import "time"

// nanoBase uses time.Now to ensure a monotonic clock reading on all platforms
// via time.Since.
var nanoBase = time.Now()

// Nanotime returns monotonic nanoseconds since process start. It is the clock
// atomic wait deadlines are measured against.
func Nanotime() int64 {
	return time.Since(nanoBase).Nanoseconds()
}
