// Package journal follows a unit's journal with journalctl and publishes each
// line on the shared eventbus.TopicLogs topic.
package journal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"peerdrivectl/internal/eventbus"
	logx "peerdrivectl/pkg/logx"
	sm "peerdrivectl/pkg/systemdmanager"
)

// Payload is the body of every TopicLogs event.
type Payload struct {
	Service string `json:"service"`
	Line    string `json:"line"`
}

type Options struct {
	Scope   sm.Scope
	Binary  string // default "journalctl"
	Backlog int    // lines replayed before following; default 200
	Output  string // journalctl -o format; default "short-iso"
	Bus     eventbus.Bus
	Log     logx.Logger

	// Command builds the follow process. Tests swap it for a fake binary.
	Command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// Streamer owns at most one journalctl process. Starting a new stream kills
// the previous one.
type Streamer struct {
	opts Options

	mu     sync.Mutex
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}
}

func New(opts Options) *Streamer {
	if opts.Binary == "" {
		opts.Binary = "journalctl"
	}
	if opts.Backlog <= 0 {
		opts.Backlog = 200
	}
	if opts.Output == "" {
		opts.Output = "short-iso"
	}
	if opts.Command == nil {
		opts.Command = exec.CommandContext
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	return &Streamer{opts: opts}
}

// Args returns the journalctl arguments for a unit.
func (s *Streamer) Args(unit string) []string {
	args := make([]string, 0, 9)
	if s.opts.Scope != sm.ScopeSystem {
		args = append(args, "--user")
	}
	return append(args,
		"-u", unit,
		"-f",
		"-n", strconv.Itoa(s.opts.Backlog),
		"-o", s.opts.Output,
	)
}

// StartStream spawns journalctl for name and begins publishing its lines.
// The process is not tied to ctx; it lives until StopStream or the next StartStream.
func (s *Streamer) StartStream(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unit := sm.UnitName(name)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := s.opts.Command(procCtx, s.opts.Binary, s.Args(unit)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("no stdout from journalctl: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to spawn journalctl: %w", err)
	}

	done := make(chan struct{})
	s.cmd, s.cancel, s.done = cmd, cancel, done
	log := s.opts.Log.With(logx.String("unit", unit))
	log.Debug("journal stream started", logx.Int("pid", cmd.Process.Pid))

	go func() {
		defer close(done)
		s.pump(stdout, unit)
		werr := cmd.Wait()
		if werr != nil && procCtx.Err() == nil {
			log.Warn("journalctl exited", logx.Err(werr))
			return
		}
		log.Debug("journal stream ended")
	}()
	return nil
}

func (s *Streamer) pump(r io.Reader, unit string) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if s.opts.Bus == nil {
			continue
		}
		s.opts.Bus.Publish(eventbus.Event{
			Topic: eventbus.TopicLogs,
			Data:  Payload{Service: unit, Line: sc.Text()},
		})
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, io.EOF) {
		s.opts.Log.Debug("journal read ended", logx.String("unit", unit), logx.Err(err))
	}
}

// StopStream kills and reaps the current journalctl, if any. It never fails.
func (s *Streamer) StopStream(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.stopLocked()
	s.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
	return nil
}

// Running reports whether a journalctl process is attached.
func (s *Streamer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd != nil
}

func (s *Streamer) stopLocked() {
	if s.cancel != nil {
		s.cancel()
	}
	s.cmd, s.cancel, s.done = nil, nil, nil
}
