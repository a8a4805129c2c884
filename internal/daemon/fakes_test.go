package daemon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errFake = errors.New("fake failure")

// fakeManager serves scripted status tokens. The last token repeats once
// the script runs out.
type fakeManager struct {
	mu      sync.Mutex
	script  []string
	fail    []bool
	queries int

	actions   []string
	actionErr error
	// gate, when set, blocks lifecycle actions until closed.
	gate chan struct{}
	// entered receives once per action right after it starts.
	entered chan string
}

func newFakeManager(initial string) *fakeManager {
	return &fakeManager{script: []string{initial}, entered: make(chan string, 16)}
}

func (f *fakeManager) setScript(states ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append([]string(nil), states...)
	f.fail = nil
}

// setFailures marks the upcoming queries as failing (true) or not.
func (f *fakeManager) setFailures(fail ...bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = append([]bool(nil), fail...)
}

func (f *fakeManager) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

func (f *fakeManager) actionLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.actions...)
}

func (f *fakeManager) ActiveStateContext(ctx context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if len(f.fail) > 0 {
		failed := f.fail[0]
		f.fail = f.fail[1:]
		if failed {
			return "", errFake
		}
	}
	st := f.script[0]
	if len(f.script) > 1 {
		f.script = f.script[1:]
	}
	return st, nil
}

func (f *fakeManager) act(ctx context.Context, name string) error {
	f.mu.Lock()
	f.actions = append(f.actions, name)
	gate := f.gate
	err := f.actionErr
	f.mu.Unlock()

	select {
	case f.entered <- name:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeManager) StartContext(ctx context.Context, _ string) error   { return f.act(ctx, "start") }
func (f *fakeManager) StopContext(ctx context.Context, _ string) error    { return f.act(ctx, "stop") }
func (f *fakeManager) RestartContext(ctx context.Context, _ string) error { return f.act(ctx, "restart") }

func newTestController(t *testing.T, m *fakeManager, opts Options) *Controller {
	t.Helper()
	opts.Service = "peerdrived"
	opts.Manager = m
	if opts.RefreshInterval == 0 {
		opts.RefreshInterval = -1
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c
}

func waitStatus(t *testing.T, c *Controller, want ServiceStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("status = %q, want %q", c.Status(), want)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
