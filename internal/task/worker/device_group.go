package worker

import (
	"context"
	"strings"
	"sync"
)

// deviceSemaphore serializes actions that drive the same instrument.
type deviceSemaphore struct {
	ch chan struct{}
}

func newDeviceSemaphore() *deviceSemaphore {
	ds := &deviceSemaphore{ch: make(chan struct{}, 1)}
	ds.ch <- struct{}{}
	return ds
}

func (d *deviceSemaphore) acquire(ctx context.Context) error {
	if d == nil {
		return nil
	}
	select {
	case <-d.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *deviceSemaphore) release() {
	if d == nil {
		return
	}
	select {
	case d.ch <- struct{}{}:
	default:
	}
}

// deviceHold is one acquisition of a device; release is idempotent so an
// abandoned handler returning late cannot free the device twice.
type deviceHold struct {
	sem  *deviceSemaphore
	once sync.Once
}

func (h *deviceHold) release() {
	h.once.Do(h.sem.release)
}

type deviceGroups struct {
	mu     sync.Mutex
	groups map[string]*deviceSemaphore
}

// get returns nil for actions without a device; they never wait.
func (g *deviceGroups) get(device string) *deviceSemaphore {
	k := strings.ToLower(strings.TrimSpace(device))
	if k == "" {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.groups == nil {
		g.groups = make(map[string]*deviceSemaphore)
	}
	ds := g.groups[k]
	if ds == nil {
		ds = newDeviceSemaphore()
		g.groups[k] = ds
	}
	return ds
}
