// Package systemd drives systemctl as a subprocess. It is the fallback
// backend for hosts where the D-Bus session bus is not reachable.
package systemd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	sm "peerdrivectl/pkg/systemdmanager"
)

// Runner executes one systemctl invocation and returns trimmed stdout/stderr.
// err is the process error (non-zero exit included).
type Runner func(ctx context.Context, args ...string) (stdout, stderr string, err error)

type Systemctl struct {
	User   bool
	Binary string
	run    Runner
}

func New(scope sm.Scope) *Systemctl {
	s := &Systemctl{User: scope != sm.ScopeSystem, Binary: "systemctl"}
	s.run = s.exec
	return s
}

// WithRunner replaces the subprocess runner (tests).
func (s *Systemctl) WithRunner(r Runner) *Systemctl {
	s.run = r
	return s
}

func (s *Systemctl) exec(ctx context.Context, args ...string) (string, string, error) {
	bin := s.Binary
	if bin == "" {
		bin = "systemctl"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Env = append(cmd.Environ(), "SYSTEMD_COLORS=0")
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	err := cmd.Run()
	return strings.TrimSpace(out.String()), strings.TrimSpace(errOut.String()), err
}

func (s *Systemctl) args(rest ...string) []string {
	a := make([]string, 0, len(rest)+2)
	if s.User {
		a = append(a, "--user")
	}
	a = append(a, "--no-pager")
	return append(a, rest...)
}

// ActiveStateContext runs `systemctl is-active`. is-active exits non-zero for
// every state but "active" while still printing the state, so stdout wins
// over the exit code.
func (s *Systemctl) ActiveStateContext(ctx context.Context, serviceName string) (string, error) {
	stdout, stderr, err := s.run(ctx, s.args("is-active", sm.UnitName(serviceName))...)
	if stdout != "" {
		return stdout, nil
	}
	if strings.Contains(stderr, "could not be found") || strings.Contains(stderr, "not-found") {
		return "not-found", nil
	}
	if stderr != "" {
		return "", errors.New(stderr)
	}
	var ee *exec.ExitError
	if err != nil && !errors.As(err, &ee) {
		return "", fmt.Errorf("failed to run systemctl: %w", err)
	}
	return "unknown", nil
}

func (s *Systemctl) action(ctx context.Context, verb, serviceName string) error {
	// --no-block returns once the job is queued; the settle poll observes it.
	_, stderr, err := s.run(ctx, s.args(verb, "--no-block", sm.UnitName(serviceName))...)
	if err == nil {
		return nil
	}
	if stderr != "" {
		return fmt.Errorf("failed to %s %s: %s", verb, serviceName, stderr)
	}
	return fmt.Errorf("failed to %s %s: %w", verb, serviceName, err)
}

func (s *Systemctl) StartContext(ctx context.Context, serviceName string) error {
	return s.action(ctx, "start", serviceName)
}
func (s *Systemctl) StopContext(ctx context.Context, serviceName string) error {
	return s.action(ctx, "stop", serviceName)
}
func (s *Systemctl) RestartContext(ctx context.Context, serviceName string) error {
	return s.action(ctx, "restart", serviceName)
}

func (s *Systemctl) ReloadContext(ctx context.Context) error {
	_, stderr, err := s.run(ctx, s.args("daemon-reload")...)
	if err != nil {
		if stderr != "" {
			return fmt.Errorf("failed to reload systemd daemon: %s", stderr)
		}
		return fmt.Errorf("failed to reload systemd daemon: %w", err)
	}
	return nil
}

func (s *Systemctl) Close() error { return nil }
