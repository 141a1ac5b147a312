package util

import (
	"runtime/debug"
	"sync"

	"github.com/moltbunker/stakedash/internal/logging"
)

// SafeGo runs fn on a new goroutine with panic recovery.
func SafeGo(fn func()) {
	SafeGoWithName("anonymous", fn)
}

// SafeGoWithName runs fn on a new goroutine. A panic is logged with the
// goroutine name and stack instead of crashing the dashboard.
func SafeGoWithName(name string, fn func()) {
	go func() {
		defer recoverPanic(name)
		fn()
	}()
}

// GoTracked is SafeGoWithName plus wg bookkeeping, for loops that Stop/Close
// must wait on.
func GoTracked(wg *sync.WaitGroup, name string, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer recoverPanic(name)
		fn()
	}()
}

func recoverPanic(name string) {
	if r := recover(); r != nil {
		logging.Error("goroutine panic recovered",
			"goroutine", name,
			"panic", r,
			"stack", string(debug.Stack()),
		)
	}
}
