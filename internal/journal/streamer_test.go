package journal

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerdrivectl/internal/eventbus"
	sm "peerdrivectl/pkg/systemdmanager"
)

func fakeFollow(script string) func(ctx context.Context, name string, args ...string) *exec.Cmd {
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", script)
	}
}

func TestArgsFollowUnitWithBacklog(t *testing.T) {
	s := New(Options{Scope: sm.ScopeUser})
	assert.Equal(t,
		[]string{"--user", "-u", "peerdrived.service", "-f", "-n", "200", "-o", "short-iso"},
		s.Args("peerdrived.service"))

	sys := New(Options{Scope: sm.ScopeSystem, Backlog: 10, Output: "cat"})
	assert.Equal(t,
		[]string{"-u", "peerdrived.service", "-f", "-n", "10", "-o", "cat"},
		sys.Args("peerdrived.service"))
}

func TestStartStreamPublishesLinesInOrder(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(eventbus.TopicLogs, 16)
	defer unsub()

	s := New(Options{Bus: bus, Command: fakeFollow("printf 'one\\ntwo\\n'; exec sleep 5")})
	require.NoError(t, s.StartStream(context.Background(), "peerdrived"))
	require.True(t, s.Running())

	var got []Payload
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case e := <-ch:
			p, ok := e.Data.(Payload)
			require.True(t, ok, "unexpected payload type %T", e.Data)
			got = append(got, p)
		case <-deadline:
			t.Fatalf("timed out, got %v", got)
		}
	}
	assert.Equal(t, []Payload{
		{Service: "peerdrived.service", Line: "one"},
		{Service: "peerdrived.service", Line: "two"},
	}, got)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.StopStream(ctx))
	assert.False(t, s.Running())
}

func TestStopStreamWithoutStreamIsNoop(t *testing.T) {
	s := New(Options{})
	assert.NoError(t, s.StopStream(context.Background()))
	assert.NoError(t, s.StopStream(context.Background()))
}

func TestStartStreamFailsWhenBinaryMissing(t *testing.T) {
	s := New(Options{Command: func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "/nonexistent/journalctl")
	}})
	err := s.StartStream(context.Background(), "peerdrived")
	require.Error(t, err)
	assert.False(t, s.Running())
}
