package daemon

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"peerdrivectl/internal/eventbus"
	"peerdrivectl/internal/metrics"
	"peerdrivectl/internal/runtime/supervisor"
	logx "peerdrivectl/pkg/logx"
)

const (
	DefaultRefreshInterval = 3 * time.Second
	DefaultSettleTimeout   = 10 * time.Second
	DefaultSettleInterval  = 600 * time.Millisecond
	DefaultActionTimeout   = 15 * time.Second
)

// Options configures a Controller. Service and Manager are required.
type Options struct {
	Service string
	Manager Manager

	// Bus carries TopicStatus and TopicLogs. A private bus is created if nil.
	Bus eventbus.Bus
	// Streamer backs the log stream subscriber. Optional.
	Streamer StreamBackend

	// RefreshInterval drives the background refresh; < 0 disables it.
	RefreshInterval time.Duration
	SettleTimeout   time.Duration
	SettleInterval  time.Duration
	// ActionTimeout bounds a single start/stop/restart call.
	ActionTimeout time.Duration

	Log logx.Logger
}

// Controller supervises one named service. It owns the held status, the
// command busy flag and the settle-poll guard; every status write goes
// through a single writer goroutine.
type Controller struct {
	service  string
	oracle   *Oracle
	actuator Actuator
	bus      eventbus.Bus
	log      logx.Logger
	sup      *supervisor.Supervisor
	logs     *LogStream

	refreshEvery   time.Duration
	settleTimeout  time.Duration
	settleInterval time.Duration
	actionTimeout  time.Duration

	// queryWarn keeps swallowed background failures from flooding the log.
	queryWarn *rate.Limiter

	observed chan observation

	mu       sync.Mutex
	status   ServiceStatus
	busy     bool
	polling  bool
	closed   bool
	inflight int           // settle polls scheduled or running
	idle     chan struct{} // closed when inflight drops to zero

	closeOnce sync.Once
}

type observation struct {
	status  ServiceStatus
	applied chan struct{}
}

// New builds a controller and starts its writer and refresh loop. The first
// refresh runs immediately in the background.
func New(opts Options) (*Controller, error) {
	if opts.Service == "" {
		return nil, errors.New("daemon: service name is required")
	}
	if opts.Manager == nil {
		return nil, errors.New("daemon: manager is required")
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.New()
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	log := opts.Log.With(logx.String("service", opts.Service))

	idle := make(chan struct{})
	close(idle)

	c := &Controller{
		service:        opts.Service,
		oracle:         NewOracle(opts.Manager),
		actuator:       opts.Manager,
		bus:            opts.Bus,
		log:            log,
		sup:            supervisor.New(context.Background(), supervisor.WithLogger(log)),
		refreshEvery:   durOr(opts.RefreshInterval, DefaultRefreshInterval),
		settleTimeout:  durOr(opts.SettleTimeout, DefaultSettleTimeout),
		settleInterval: durOr(opts.SettleInterval, DefaultSettleInterval),
		actionTimeout:  durOr(opts.ActionTimeout, DefaultActionTimeout),
		queryWarn:      rate.NewLimiter(rate.Every(30*time.Second), 1),
		observed:       make(chan observation),
		status:         StatusUnknown,
		idle:           idle,
	}
	if opts.RefreshInterval < 0 {
		c.refreshEvery = 0
	}
	c.logs = NewLogStream(LogStreamOptions{
		Service: opts.Service,
		Backend: opts.Streamer,
		Bus:     opts.Bus,
		Log:     log,
	})

	c.sup.Go0("status-writer", c.runWriter)
	c.sup.Go0("status-refresh", c.runRefresh)
	return c, nil
}

func durOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func (c *Controller) Service() string { return c.service }

// Logs returns the log stream subscriber owned by this controller.
func (c *Controller) Logs() *LogStream { return c.logs }

// Status returns the last successfully observed status.
func (c *Controller) Status() ServiceStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) Class() StatusClass { return c.Status().Class() }

// Busy reports whether a lifecycle command is outstanding.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Polling reports whether a settle-poll loop is running.
func (c *Controller) Polling() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polling
}

// CanCommand is the admission check callers apply before offering
// start/stop/restart: not busy and not mid-transition.
func (c *Controller) CanCommand() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.busy && !c.status.Transitioning()
}

// Reachable reports whether the daemon should be answering requests.
// Pages that talk to the daemon itself gate on this.
func (c *Controller) Reachable() bool { return c.Status().IsActive() }

// Watch subscribes to status writes. Event.Data is a StatusEvent.
func (c *Controller) Watch(buffer int) (<-chan eventbus.Event, func()) {
	return c.bus.Subscribe(eventbus.TopicStatus, buffer)
}

func (c *Controller) runWriter(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ob := <-c.observed:
			c.apply(ob.status)
			close(ob.applied)
		}
	}
}

func (c *Controller) apply(st ServiceStatus) {
	c.mu.Lock()
	prev := c.status
	c.status = st
	c.mu.Unlock()

	changed := prev != st
	if changed {
		c.log.Debug("status changed", logx.String("from", string(prev)), logx.String("to", string(st)))
	}
	metrics.SetCurrentStatus(c.service, string(prev), string(st))
	c.bus.Publish(eventbus.Event{
		Topic: eventbus.TopicStatus,
		Data:  StatusEvent{Service: c.service, Status: st, Class: st.Class(), Changed: changed},
	})
}

// publish hands st to the writer and waits until it is applied. After Close
// the observation is dropped.
func (c *Controller) publish(ctx context.Context, st ServiceStatus) error {
	done := c.sup.Context().Done()
	ob := observation{status: st, applied: make(chan struct{})}
	select {
	case c.observed <- ob:
	case <-done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ob.applied:
		return nil
	case <-done:
		return ErrClosed
	}
}

func (c *Controller) runRefresh(ctx context.Context) {
	c.Refresh(ctx)
	if c.refreshEvery <= 0 {
		return
	}
	t := time.NewTicker(c.refreshEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Refresh(ctx)
		}
	}
}

// Refresh queries the oracle once. On success the held status is replaced
// before Refresh returns; on failure it is left as is. It returns the held
// status afterwards.
func (c *Controller) Refresh(ctx context.Context) ServiceStatus {
	st, err := c.oracle.Query(ctx, c.service)
	if err != nil {
		c.noteQueryFailure(err)
		return c.Status()
	}
	if err := c.publish(ctx, st); err != nil {
		c.log.Trace("status observation dropped", logx.Err(err))
	}
	return c.Status()
}

func (c *Controller) noteQueryFailure(err error) {
	if c.queryWarn.Allow() {
		c.log.Warn("status query failed; keeping last status", logx.Err(err))
		return
	}
	c.log.Debug("status query failed", logx.Err(err))
}

type action struct {
	name string
	do   func(ctx context.Context, service string) error
}

func (c *Controller) start() action   { return action{"start", c.actuator.StartContext} }
func (c *Controller) stop() action    { return action{"stop", c.actuator.StopContext} }
func (c *Controller) restart() action { return action{"restart", c.actuator.RestartContext} }

// Toggle stops the service if the held status is active and starts it
// otherwise. The decision uses the cached status, which may be stale.
func (c *Controller) Toggle(ctx context.Context) error {
	return c.command(ctx, func(st ServiceStatus) action {
		if st.IsActive() {
			return c.stop()
		}
		return c.start()
	})
}

func (c *Controller) Start(ctx context.Context) error {
	return c.command(ctx, func(ServiceStatus) action { return c.start() })
}

func (c *Controller) Stop(ctx context.Context) error {
	return c.command(ctx, func(ServiceStatus) action { return c.stop() })
}

func (c *Controller) Restart(ctx context.Context) error {
	return c.command(ctx, func(ServiceStatus) action { return c.restart() })
}

// command runs one lifecycle action under the busy guard. A second call
// while busy returns ErrBusy without touching the manager. After the call
// completes, busy is cleared, one synchronous Refresh runs and a settle poll
// is launched in the background.
func (c *Controller) command(ctx context.Context, pick func(ServiceStatus) action) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.busy {
		c.mu.Unlock()
		c.log.Debug("command rejected; another command is in flight")
		return ErrBusy
	}
	c.busy = true
	act := pick(c.status)
	c.mu.Unlock()

	log := c.log.With(logx.String("action", act.name))
	log.Info("issuing lifecycle command")
	began := time.Now()

	actx, cancel := context.WithTimeout(ctx, c.actionTimeout)
	err := act.do(actx, c.service)
	cancel()

	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()

	if err != nil {
		metrics.IncCommand(c.service, act.name, "error")
		log.Error("lifecycle command failed", logx.Err(err), logx.Duration("took", time.Since(began)))
	} else {
		metrics.IncCommand(c.service, act.name, "ok")
		log.Info("lifecycle command accepted", logx.Duration("took", time.Since(began)))
	}

	c.Refresh(ctx)
	c.launchSettlePoll()

	if err != nil {
		return &ActionError{Service: c.service, Action: act.name, Err: err}
	}
	return nil
}

func (c *Controller) launchSettlePoll() {
	if !c.beginInflight() {
		return
	}
	c.sup.Go0("settle-poll", func(ctx context.Context) {
		defer c.endInflight()
		c.settlePoll(ctx, c.settleTimeout, c.settleInterval)
	})
}

func (c *Controller) beginInflight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if c.inflight == 0 {
		c.idle = make(chan struct{})
	}
	c.inflight++
	return true
}

func (c *Controller) endInflight() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight == 0 {
		return
	}
	c.inflight--
	if c.inflight == 0 {
		close(c.idle)
	}
}

// WaitSettled blocks until no settle poll is scheduled or running.
func (c *Controller) WaitSettled(ctx context.Context) error {
	c.mu.Lock()
	idle := c.idle
	c.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the log stream, the refresh loop and any settle poll. In-flight
// remote calls are not aborted; their results are ignored. Close is idempotent.
func (c *Controller) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.logs.Close(ctx)
		err = c.sup.Stop(ctx)

		c.mu.Lock()
		if c.inflight > 0 {
			c.inflight = 0
			close(c.idle)
		}
		c.mu.Unlock()
		c.log.Debug("controller closed")
	})
	return err
}
