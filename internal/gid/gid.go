// Package gid gives every goroutine a cheap, stable identity so packages
// that need thread-local-like state (the current fiber, the active
// scheduler) can key a registry by it instead of threading an explicit
// context parameter through every call site — mirroring the concern the
// examples set aside an entire subpackage for.
package gid

import (
	"bytes"
	"runtime"
	"strconv"
)

// Current returns the id of the calling goroutine.
//
// Go deliberately exposes no public goroutine-id API. This parses the
// "goroutine NNN [running]:" header that runtime.Stack always writes as
// its first line. It is slow relative to a real TLS read (a few hundred
// nanoseconds), so callers that need current() on a hot path should cache
// the result for the lifetime of a single dispatch-loop turn rather than
// calling this per instruction.
func Current() uint64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	buf = buf[:n]

	const prefix = "goroutine "
	if !bytes.HasPrefix(buf, []byte(prefix)) {
		return 0
	}
	buf = buf[len(prefix):]

	i := bytes.IndexByte(buf, ' ')
	if i < 0 {
		return 0
	}
	id, err := strconv.ParseUint(string(buf[:i]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
