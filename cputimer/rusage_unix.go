//go:build unix

package cputimer

import (
	"syscall"
	"time"
)

// defaultProcessCPUTime reads getrusage(RUSAGE_SELF) for a real process-wide
// user+system CPU time estimate on unix platforms.
func defaultProcessCPUTime() time.Duration {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	user := time.Duration(ru.Utime.Sec)*time.Second + time.Duration(ru.Utime.Usec)*time.Microsecond
	sys := time.Duration(ru.Stime.Sec)*time.Second + time.Duration(ru.Stime.Usec)*time.Microsecond
	return user + sys
}
