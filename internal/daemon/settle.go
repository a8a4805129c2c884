package daemon

import (
	"context"
	"time"

	"peerdrivectl/internal/metrics"
	logx "peerdrivectl/pkg/logx"
)

// PollOutcome says how a settle-poll run ended.
type PollOutcome string

const (
	PollSettled  PollOutcome = "settled"
	PollTimeout  PollOutcome = "timeout"
	PollCanceled PollOutcome = "canceled"
	PollSkipped  PollOutcome = "skipped"
)

// PollResult summarizes one settle-poll run.
type PollResult struct {
	Outcome PollOutcome
	// Last is the final status observed by this run; StatusUnknown if the
	// run observed nothing.
	Last ServiceStatus
	// Ticks counts oracle queries issued, successful or not.
	Ticks int
}

func (r PollResult) Settled() bool { return r.Outcome == PollSettled }

// SettlePoll queries the oracle every interval until a terminal status is
// observed or timeout elapses. Each successful observation is written to the
// held status. At most one run is active per controller; overlapping calls
// return immediately with PollSkipped. Timeout and interval fall back to the
// controller defaults when <= 0.
func (c *Controller) SettlePoll(ctx context.Context, timeout, interval time.Duration) PollResult {
	if !c.beginInflight() {
		return PollResult{Outcome: PollSkipped, Last: StatusUnknown}
	}
	defer c.endInflight()
	return c.settlePoll(ctx, durOr(timeout, c.settleTimeout), durOr(interval, c.settleInterval))
}

func (c *Controller) settlePoll(ctx context.Context, timeout, interval time.Duration) PollResult {
	c.mu.Lock()
	if c.polling || c.closed {
		c.mu.Unlock()
		metrics.IncSettlePoll(c.service, string(PollSkipped))
		c.log.Trace("settle poll skipped; another run is active")
		return PollResult{Outcome: PollSkipped, Last: StatusUnknown}
	}
	c.polling = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.polling = false
		c.mu.Unlock()
	}()

	res := PollResult{Last: StatusUnknown}
	finish := func(o PollOutcome) PollResult {
		res.Outcome = o
		metrics.IncSettlePoll(c.service, string(o))
		c.log.Debug("settle poll finished",
			logx.String("outcome", string(o)),
			logx.String("last", string(res.Last)),
			logx.Int("ticks", res.Ticks),
		)
		return res
	}

	deadline := time.Now().Add(timeout)
	timer := time.NewTimer(interval)
	timer.Stop()
	defer timer.Stop()

	// Query first, then sleep. No query is issued once the deadline passed,
	// and the last sleep is cut short at the deadline.
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return finish(PollCanceled)
		}
		res.Ticks++
		st, err := c.oracle.Query(ctx, c.service)
		if err != nil {
			c.log.Debug("settle poll query failed", logx.Int("tick", res.Ticks), logx.Err(err))
		} else {
			res.Last = st
			if perr := c.publish(ctx, st); perr != nil {
				return finish(PollCanceled)
			}
			if st.Settled() {
				return finish(PollSettled)
			}
		}

		left := time.Until(deadline)
		if left <= 0 {
			break
		}
		timer.Reset(min(interval, left))
		select {
		case <-ctx.Done():
			return finish(PollCanceled)
		case <-timer.C:
		}
	}
	return finish(PollTimeout)
}
