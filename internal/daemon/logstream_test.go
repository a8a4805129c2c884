package daemon

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"testing"
	"time"

	"peerdrivectl/internal/eventbus"
	"peerdrivectl/internal/journal"
)

type fakeBackend struct {
	mu       sync.Mutex
	startErr error
	stopErr  error
	started  []string
	stopped  int
	// gate, when set, holds StartStream open until closed.
	gate    chan struct{}
	entered chan struct{}
}

func (b *fakeBackend) StartStream(_ context.Context, name string) error {
	if b.gate != nil {
		b.entered <- struct{}{}
		<-b.gate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.startErr != nil {
		return b.startErr
	}
	b.started = append(b.started, name)
	return nil
}

func (b *fakeBackend) StopStream(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped++
	return b.stopErr
}

func (b *fakeBackend) starts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.started)
}

func (b *fakeBackend) stops() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

func fakeJournalctl(script string) func(ctx context.Context, name string, args ...string) *exec.Cmd {
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", script)
	}
}

func newTestStream(t *testing.T, backend StreamBackend) (*LogStream, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	ls := NewLogStream(LogStreamOptions{Service: "peerdrived", Backend: backend, Bus: bus})
	t.Cleanup(func() { ls.Stop(context.Background()) })
	return ls, bus
}

func publishLog(bus eventbus.Bus, data any) {
	bus.Publish(eventbus.Event{Topic: eventbus.TopicLogs, Data: data})
}

func waitLines(t *testing.T, ls *LogStream, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := ls.Lines(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("buffer has %v, want %d lines", ls.Lines(), n)
	return nil
}

func TestLogStreamFiltersByService(t *testing.T) {
	ls, bus := newTestStream(t, &fakeBackend{})
	if err := ls.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !ls.Streaming() {
		t.Fatalf("expected streaming after start")
	}

	publishLog(bus, journal.Payload{Service: "peerdrived.service", Line: "a"})
	publishLog(bus, journal.Payload{Service: "other.service", Line: "x"})
	publishLog(bus, map[string]any{"service": "peerdrived", "line": "no suffix"})
	publishLog(bus, map[string]any{"service": "peerdrived.service", "line": 42})
	publishLog(bus, "not a payload")
	publishLog(bus, map[string]any{"service": "peerdrived.service", "line": "b"})
	// sentinel so we know everything before it was processed
	publishLog(bus, journal.Payload{Service: "peerdrived.service", Line: "end"})

	got := waitLines(t, ls, 3)
	want := []string{"a", "b", "end"}
	if len(got) != len(want) {
		t.Fatalf("buffer = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("buffer = %v, want %v", got, want)
		}
	}
}

func TestLogStreamIgnoresOtherTopics(t *testing.T) {
	ls, bus := newTestStream(t, &fakeBackend{})
	if err := ls.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	bus.Publish(eventbus.Event{Topic: eventbus.TopicStatus, Data: journal.Payload{Service: "peerdrived.service", Line: "nope"}})
	publishLog(bus, journal.Payload{Service: "peerdrived.service", Line: "yes"})
	got := waitLines(t, ls, 1)
	if len(got) != 1 || got[0] != "yes" {
		t.Fatalf("buffer = %v", got)
	}
}

func TestLogStreamStartStopIdempotent(t *testing.T) {
	backend := &fakeBackend{}
	ls, _ := newTestStream(t, backend)
	ctx := context.Background()

	ls.Stop(ctx)
	if backend.stops() != 0 {
		t.Fatalf("stop while idle reached the backend")
	}
	if err := ls.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := ls.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if backend.starts() != 1 {
		t.Fatalf("remote starts = %d, want 1", backend.starts())
	}
	ls.Stop(ctx)
	ls.Stop(ctx)
	if backend.stops() != 1 {
		t.Fatalf("remote stops = %d, want 1", backend.stops())
	}
	if ls.Streaming() || ls.Session() != "" {
		t.Fatalf("stream state not reset after stop")
	}
	if ls.unsub != nil {
		t.Fatalf("unsubscribe handle retained after stop")
	}
}

func TestLogStreamRestartClearsBuffer(t *testing.T) {
	ls, bus := newTestStream(t, &fakeBackend{})
	ctx := context.Background()

	if err := ls.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	first := ls.Session()
	publishLog(bus, journal.Payload{Service: "peerdrived.service", Line: "old"})
	waitLines(t, ls, 1)

	ls.Stop(ctx)
	if got := ls.Lines(); len(got) != 0 {
		t.Fatalf("buffer kept after stop: %v", got)
	}
	// Lines published while idle go nowhere.
	publishLog(bus, journal.Payload{Service: "peerdrived.service", Line: "idle"})

	if err := ls.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if ls.Session() == first || ls.Session() == "" {
		t.Fatalf("expected a fresh session id, got %q after %q", ls.Session(), first)
	}
	publishLog(bus, journal.Payload{Service: "peerdrived.service", Line: "new"})
	got := waitLines(t, ls, 1)
	if len(got) != 1 || got[0] != "new" {
		t.Fatalf("buffer = %v, want [new]", got)
	}
}

func TestLogStreamStartFailure(t *testing.T) {
	backend := &fakeBackend{startErr: errFake}
	ls, _ := newTestStream(t, backend)

	err := ls.Start(context.Background())
	if !errors.Is(err, errFake) || !IsActionError(err) {
		t.Fatalf("err = %v, want ActionError wrapping fake failure", err)
	}
	if ls.Streaming() || ls.Session() != "" {
		t.Fatalf("stream left attached after failed start")
	}

	backend.mu.Lock()
	backend.startErr = nil
	backend.mu.Unlock()
	if err := ls.Start(context.Background()); err != nil {
		t.Fatalf("start after failure: %v", err)
	}
	if !ls.Streaming() {
		t.Fatalf("expected streaming")
	}
}

func TestLogStreamStopCleansUpWhenRemoteFails(t *testing.T) {
	backend := &fakeBackend{stopErr: errFake}
	ls, bus := newTestStream(t, backend)
	if err := ls.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	lines, cancel := ls.Follow(4)
	defer cancel()

	ls.Stop(context.Background())
	if ls.Streaming() {
		t.Fatalf("still streaming after failed remote stop")
	}
	if _, ok := <-lines; ok {
		t.Fatalf("follower channel not closed on stop")
	}
	publishLog(bus, journal.Payload{Service: "peerdrived.service", Line: "late"})
	time.Sleep(20 * time.Millisecond)
	if got := ls.Lines(); len(got) != 0 {
		t.Fatalf("line accepted after stop: %v", got)
	}
}

func TestLogStreamWithoutBackend(t *testing.T) {
	ls, _ := newTestStream(t, nil)
	if err := ls.Start(context.Background()); !IsActionError(err) {
		t.Fatalf("err = %v, want ActionError", err)
	}
}

func TestLogStreamFollowDeliversNewLines(t *testing.T) {
	ls, bus := newTestStream(t, &fakeBackend{})
	if err := ls.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	lines, cancel := ls.Follow(4)
	defer cancel()

	publishLog(bus, journal.Payload{Service: "peerdrived.service", Line: "tail"})
	select {
	case got := <-lines:
		if got != "tail" {
			t.Fatalf("followed %q, want tail", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no line delivered to follower")
	}
}

func TestLogStreamWithJournalStreamer(t *testing.T) {
	bus := eventbus.New()
	streamer := journal.New(journal.Options{
		Bus:     bus,
		Command: fakeJournalctl("printf 'peer up\\nlistening\\n'; exec sleep 5"),
	})
	ls := NewLogStream(LogStreamOptions{Service: "peerdrived", Backend: streamer, Bus: bus})
	defer ls.Stop(context.Background())

	if err := ls.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	got := waitLines(t, ls, 2)
	if got[0] != "peer up" || got[1] != "listening" {
		t.Fatalf("buffer = %v", got)
	}
	ls.Stop(context.Background())
	if streamer.Running() {
		t.Fatalf("journal process still attached")
	}
}

func TestLogStreamTailSnapshotsBacklog(t *testing.T) {
	ls, bus := newTestStream(t, &fakeBackend{})
	if _, ch, _ := ls.Tail(4); ch == nil {
		t.Fatalf("nil channel while idle")
	} else if _, ok := <-ch; ok {
		t.Fatalf("tail while idle should be closed")
	}
	if err := ls.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	publishLog(bus, journal.Payload{Service: "peerdrived.service", Line: "early"})
	waitLines(t, ls, 1)

	backlog, lines, cancel := ls.Tail(4)
	defer cancel()
	if len(backlog) != 1 || backlog[0] != "early" {
		t.Fatalf("backlog = %v", backlog)
	}
	publishLog(bus, journal.Payload{Service: "peerdrived.service", Line: "late"})
	select {
	case got := <-lines:
		if got != "late" {
			t.Fatalf("tailed %q, want late", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no line delivered to tail")
	}
}

func TestLogStreamKeepsEveryLineOfABurst(t *testing.T) {
	ls, bus := newTestStream(t, &fakeBackend{})
	if err := ls.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	const n = 5000
	for i := 0; i < n; i++ {
		publishLog(bus, journal.Payload{Service: "peerdrived.service", Line: fmt.Sprintf("line %d", i)})
	}
	got := ls.Lines()
	if len(got) != n {
		t.Fatalf("buffer has %d lines, want %d", len(got), n)
	}
	for i, line := range got {
		if want := fmt.Sprintf("line %d", i); line != want {
			t.Fatalf("line %d = %q, want %q", i, line, want)
		}
	}
}

func TestLogStreamStopDuringStartTearsDown(t *testing.T) {
	backend := &fakeBackend{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	ls, bus := newTestStream(t, backend)

	done := make(chan error, 1)
	go func() { done <- ls.Start(context.Background()) }()
	<-backend.entered

	ls.Close(context.Background())
	close(backend.gate)
	if err := <-done; err != nil {
		t.Fatalf("start: %v", err)
	}

	if ls.Streaming() || ls.Session() != "" {
		t.Fatalf("stream left running after close during start")
	}
	if backend.starts() != 1 || backend.stops() != 1 {
		t.Fatalf("remote starts=%d stops=%d, want 1/1", backend.starts(), backend.stops())
	}
	publishLog(bus, journal.Payload{Service: "peerdrived.service", Line: "late"})
	if got := ls.Lines(); len(got) != 0 {
		t.Fatalf("listener still attached: %v", got)
	}
	if err := ls.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("start after close err = %v, want ErrClosed", err)
	}
}
