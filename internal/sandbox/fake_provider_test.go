package sandbox

import (
	"context"
	"sync/atomic"
	"time"
)

// fakeProvider returns a canned outcome, optionally after a delay.
type fakeProvider struct {
	name      string
	out       Outcome
	delay     time.Duration
	ignoreCtx bool // keep running past the deadline
	panics    bool

	calls   atomic.Int32
	closed  atomic.Int32
	running atomic.Int32
	peak    atomic.Int32
}

func (f *fakeProvider) Name() string {
	if f.name == "" {
		return "fake"
	}
	return f.name
}

func (f *fakeProvider) Run(ctx context.Context, req RunRequest) Outcome {
	f.calls.Add(1)
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if f.panics {
		panic("boom")
	}
	if f.delay > 0 {
		if f.ignoreCtx {
			time.Sleep(f.delay)
		} else {
			select {
			case <-time.After(f.delay):
			case <-ctx.Done():
				return timeoutOutcome(req.ExecID, "partial\n", "")
			}
		}
	}
	return f.out
}

func (f *fakeProvider) Close() error {
	f.closed.Add(1)
	return nil
}

type healthFake struct {
	fakeProvider
	err error
}

func (h *healthFake) Healthy(context.Context) error { return h.err }
