// Package trace keeps a small in-memory ring of diagnostic records for
// the interrupt pipeline. Recording is wait-light and safe from any
// pipeline context; Freeze pins the ring so a post-mortem Dump shows the
// events leading up to a violation instead of whatever came after it.
package trace

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Size is the number of records the ring retains.
const Size = 512

type entry struct {
	when   time.Time
	source string
	msg    string
}

var (
	mu     sync.Mutex
	ring   [Size]entry
	next   atomic.Uint64
	frozen atomic.Bool
)

// Writef records a formatted entry tagged with source. Dropped silently
// once the ring is frozen.
func Writef(source, format string, args ...any) {
	if frozen.Load() {
		return
	}
	msg := fmt.Sprintf(format, args...)

	mu.Lock()
	n := next.Add(1) - 1
	ring[n%Size] = entry{when: time.Now(), source: source, msg: msg}
	mu.Unlock()
}

// Freeze stops recording so the ring keeps the events that preceded the
// call. Idempotent.
func Freeze() {
	frozen.Store(true)
}

// Frozen reports whether the ring is frozen.
func Frozen() bool {
	return frozen.Load()
}

// Reset unfreezes and clears the ring.
func Reset() {
	mu.Lock()
	next.Store(0)
	for i := range ring {
		ring[i] = entry{}
	}
	mu.Unlock()
	frozen.Store(false)
}

// Dump replays the retained records, oldest first, through l.
func Dump(l *slog.Logger) {
	if l == nil {
		l = slog.Default()
	}

	mu.Lock()
	defer mu.Unlock()

	n := next.Load()
	start := uint64(0)
	if n > Size {
		start = n - Size
	}
	for i := start; i < n; i++ {
		e := ring[i%Size]
		l.Log(context.Background(), slog.LevelDebug, e.msg,
			"source", e.source, "when", e.when)
	}
}
