package supervisor

import (
	"sync"
	"time"
)

// Feed drives a Handle that has no process behind it. Callers that accept
// handles from a Spawner use it to script child output.
type Feed struct {
	h    *Handle
	once sync.Once

	mu      sync.Mutex
	exited  bool
	quit    chan struct{}
	sending sync.WaitGroup
}

// NewFeed returns a live handle and the feed controlling it.
func NewFeed(kind Kind, pid int) (*Handle, *Feed) {
	h := &Handle{
		Kind:    kind,
		PID:     pid,
		Started: time.Now(),
		lines:   make(chan string, 64),
		discard: make(chan struct{}),
		done:    make(chan struct{}),
	}
	return h, &Feed{h: h, quit: make(chan struct{})}
}

// Line delivers one output line unless the handle was discarded or exited.
// Line is safe to call concurrently with Exit.
func (f *Feed) Line(line string) {
	f.mu.Lock()
	if f.exited {
		f.mu.Unlock()
		return
	}
	f.sending.Add(1)
	f.mu.Unlock()
	defer f.sending.Done()

	select {
	case f.h.lines <- line:
	case <-f.h.discard:
	case <-f.quit:
	}
}

// Exit ends the output and marks the child as exited with err.
func (f *Feed) Exit(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.exited = true
		f.mu.Unlock()
		close(f.quit)
		// lines has a single closer once no sender is in flight
		f.sending.Wait()
		f.h.err = err
		close(f.h.lines)
		close(f.h.done)
	})
}

// Exited reports whether Exit was called.
func (f *Feed) Exited() bool {
	select {
	case <-f.h.done:
		return true
	default:
		return false
	}
}
