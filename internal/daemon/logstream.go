package daemon

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"peerdrivectl/internal/eventbus"
	"peerdrivectl/internal/journal"
	"peerdrivectl/internal/metrics"
	logx "peerdrivectl/pkg/logx"
	sm "peerdrivectl/pkg/systemdmanager"
)

// StreamBackend starts and stops the remote log stream. journal.Streamer
// implements it.
type StreamBackend interface {
	StartStream(ctx context.Context, name string) error
	StopStream(ctx context.Context) error
}

type LogStreamOptions struct {
	Service string
	Backend StreamBackend
	// Bus is the shared bus the backend publishes TopicLogs events on.
	Bus eventbus.Bus
	Log logx.Logger
}

type streamState int

const (
	streamIdle streamState = iota
	streamStarting
	streamOn
	streamStopping
)

// LogStream subscribes to TopicLogs for one service and keeps the lines of
// the current session in arrival order. Start and Stop are idempotent; a
// Stop made while Start waits on the remote takes effect when Start returns.
type LogStream struct {
	service string
	unit    string
	backend StreamBackend
	bus     eventbus.Bus
	log     logx.Logger

	mu      sync.Mutex
	state   streamState
	session string
	// stopReq is set by a Stop or Close that lands while Start waits on the
	// remote; Start tears the session down once the remote returns.
	stopReq   bool
	closed    bool
	unsub     func()
	lines     []string
	followers map[uint64]chan string
	nextID    uint64
}

func NewLogStream(opts LogStreamOptions) *LogStream {
	if opts.Bus == nil {
		opts.Bus = eventbus.New()
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	return &LogStream{
		service:   opts.Service,
		unit:      sm.UnitName(opts.Service),
		backend:   opts.Backend,
		bus:       opts.Bus,
		log:       opts.Log,
		followers: map[uint64]chan string{},
	}
}

// Streaming is true once a session has registered its listener and until
// Stop runs.
func (l *LogStream) Streaming() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == streamOn
}

// Session returns the id of the current session, or "" when idle.
func (l *LogStream) Session() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session
}

// Lines returns a copy of the current session's buffer.
func (l *LogStream) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.lines))
	copy(out, l.lines)
	return out
}

// Start begins a new session: the buffer is cleared, the listener is
// registered and the remote stream is started. If the remote start fails the
// listener is released and an *ActionError is returned.
func (l *LogStream) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.state != streamIdle {
		l.mu.Unlock()
		return nil
	}
	if l.backend == nil {
		l.mu.Unlock()
		return &ActionError{Service: l.service, Action: "stream", Err: errors.New("no log stream backend")}
	}
	l.state = streamStarting
	l.stopReq = false
	l.lines = nil
	session := uuid.NewString()
	l.session = session
	l.mu.Unlock()

	// The listener goes up before the remote start so the replayed backlog
	// is not lost; lines are only kept once the session is accepted below.
	// Handler delivery is lossless, so a burst never outruns the buffer.
	unsub := l.bus.SubscribeFunc(eventbus.TopicLogs, func(e eventbus.Event) {
		l.accept(session, e.Data)
	})

	if err := l.backend.StartStream(ctx, l.service); err != nil {
		unsub()
		l.mu.Lock()
		l.state, l.session, l.lines = streamIdle, "", nil
		l.mu.Unlock()
		l.log.Warn("log stream failed to start", logx.Err(err))
		return &ActionError{Service: l.service, Action: "stream", Err: err}
	}

	l.mu.Lock()
	l.unsub = unsub
	l.state = streamOn
	pending := l.stopReq
	l.mu.Unlock()
	l.log.Debug("log stream started", logx.String("session", session))

	if pending {
		l.log.Debug("log stream stop requested during start", logx.String("session", session))
		l.Stop(ctx)
	}
	return nil
}

// Stop ends the session. The remote stop is best effort; the listener is
// always released, the buffer discarded and followers closed. A Stop that
// lands while Start waits on the remote is carried out when Start returns.
func (l *LogStream) Stop(ctx context.Context) {
	l.mu.Lock()
	if l.state == streamStarting {
		l.stopReq = true
		l.mu.Unlock()
		return
	}
	if l.state != streamOn {
		l.mu.Unlock()
		return
	}
	l.state = streamStopping
	session := l.session
	l.mu.Unlock()

	if l.backend != nil {
		if err := l.backend.StopStream(context.WithoutCancel(ctx)); err != nil {
			l.log.Warn("remote log stream stop failed", logx.Err(err))
		}
	}

	l.mu.Lock()
	unsub := l.unsub
	l.unsub = nil
	l.session = ""
	l.lines = nil
	l.stopReq = false
	for id, f := range l.followers {
		close(f)
		delete(l.followers, id)
	}
	l.state = streamIdle
	l.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	l.log.Debug("log stream stopped", logx.String("session", session))
}

// Close stops the stream for good. Later Start calls return ErrClosed.
func (l *LogStream) Close(ctx context.Context) {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.Stop(ctx)
}

// Follow delivers lines appended after the call. The channel closes when
// the session stops or cancel is called. Slow followers miss lines; the
// buffer is unaffected.
func (l *LogStream) Follow(buffer int) (<-chan string, func()) {
	_, ch, cancel := l.Tail(buffer)
	return ch, cancel
}

// Tail is Follow plus the lines buffered so far, taken atomically so no
// line is both in the snapshot and on the channel.
func (l *LogStream) Tail(buffer int) ([]string, <-chan string, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan string, buffer)
	l.mu.Lock()
	if l.state != streamOn && l.state != streamStarting {
		l.mu.Unlock()
		close(ch)
		return nil, ch, func() {}
	}
	backlog := make([]string, len(l.lines))
	copy(backlog, l.lines)
	l.nextID++
	id := l.nextID
	l.followers[id] = ch
	l.mu.Unlock()

	return backlog, ch, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if f, ok := l.followers[id]; ok {
			close(f)
			delete(l.followers, id)
		}
	}
}

func (l *LogStream) accept(session string, data any) {
	svc, line, ok := linePayload(data)
	if svc != l.unit {
		metrics.IncLogDropped(l.service, "service")
		return
	}
	if !ok {
		metrics.IncLogDropped(l.service, "line")
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session != session || (l.state != streamOn && l.state != streamStarting) {
		return
	}
	l.lines = append(l.lines, line)
	metrics.IncLogLine(l.service)
	for _, f := range l.followers {
		select {
		case f <- line:
		default:
		}
	}
}

// linePayload extracts service and line from a TopicLogs event body. ok is
// false when the line is not textual.
func linePayload(data any) (service, line string, ok bool) {
	switch p := data.(type) {
	case journal.Payload:
		return p.Service, p.Line, true
	case *journal.Payload:
		if p == nil {
			return "", "", false
		}
		return p.Service, p.Line, true
	case map[string]any:
		service, _ = p["service"].(string)
		line, ok = p["line"].(string)
		return service, line, ok
	}
	return "", "", false
}
