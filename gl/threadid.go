package gl

import (
	"bytes"
	"runtime"
	"strconv"
)

// goroutineID extracts the calling goroutine's numeric id from its stack
// trace header. Go has no public goroutine-local storage, but contexts are
// "current on a thread" throughout this package only to decide whether a
// fence-sync call or MakeCurrent/IsCurrent pair originates from the
// goroutine that last bound the context — exactly the affinity a C6
// context-bound worker goroutine never violates by construction, so this is
// cheap bookkeeping rather than a scheduling primitive.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return -1
	}
	return id
}
