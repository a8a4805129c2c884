package unitfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleUnit = `[Unit]
Description=PeerDrive daemon
After=network-online.target

[Service]
ExecStart=/usr/local/bin/peerdrive init --tcp-port 4001
Restart=on-failure

[Install]
WantedBy=default.target
`

func newStore(t *testing.T, unit string) *Store {
	t.Helper()
	dir := t.TempDir()
	if unit != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "peerdrived.service"), []byte(unit), 0o644))
	}
	s, err := New(dir, "")
	require.NoError(t, err)
	return s
}

func TestReadFlagsAfterExecPrefix(t *testing.T) {
	s := newStore(t, sampleUnit)
	got, err := s.Read(context.Background(), "peerdrived")
	require.NoError(t, err)
	assert.Equal(t, "--tcp-port 4001", got)

	// The .service suffix is optional.
	got, err = s.Read(context.Background(), "peerdrived.service")
	require.NoError(t, err)
	assert.Equal(t, "--tcp-port 4001", got)
}

func TestReadMissingFileIsEmpty(t *testing.T) {
	s := newStore(t, "")
	got, err := s.Read(context.Background(), "peerdrived")
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestReadUsesLastExecStart(t *testing.T) {
	s := newStore(t, "[Service]\nExecStart=\nExecStart=/usr/local/bin/peerdrive init --relay r1\r\n")
	got, err := s.Read(context.Background(), "peerdrived")
	require.NoError(t, err)
	assert.Equal(t, "--relay r1", got)
}

func TestReadForeignExecStartIsEmpty(t *testing.T) {
	s := newStore(t, "[Service]\nExecStart=/usr/bin/something-else --x\n")
	got, err := s.Read(context.Background(), "peerdrived")
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := newStore(t, sampleUnit)
	ctx := context.Background()
	for _, flags := range []string{
		"--http-port 8080 --relay /ip4/10.0.0.1/tcp/4001/p2p/12D3Koo",
		"",
		"  leading and trailing  ",
		`--name "quoted value" --path='/a b'`,
	} {
		require.NoError(t, s.Write(ctx, "peerdrived", flags))
		got, err := s.Read(ctx, "peerdrived")
		require.NoError(t, err)
		assert.Equal(t, flags, got)
	}
}

func TestWritePreservesOtherLines(t *testing.T) {
	s := newStore(t, sampleUnit)
	require.NoError(t, s.Write(context.Background(), "peerdrived", "--verbose"))

	b, err := os.ReadFile(s.Path("peerdrived"))
	require.NoError(t, err)
	want := `[Unit]
Description=PeerDrive daemon
After=network-online.target

[Service]
ExecStart=/usr/local/bin/peerdrive init --verbose
Restart=on-failure

[Install]
WantedBy=default.target
`
	assert.Equal(t, want, string(b))
}

func TestWriteEmptyFlagsDropsSeparator(t *testing.T) {
	s := newStore(t, sampleUnit)
	require.NoError(t, s.Write(context.Background(), "peerdrived", ""))
	b, err := os.ReadFile(s.Path("peerdrived"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "ExecStart=/usr/local/bin/peerdrive init\n")
}

func TestWriteErrors(t *testing.T) {
	ctx := context.Background()

	missing := newStore(t, "")
	assert.ErrorIs(t, missing.Write(ctx, "peerdrived", "--x"), ErrNoUnitFile)

	noExec := newStore(t, "[Service]\nType=simple\n")
	assert.ErrorIs(t, noExec.Write(ctx, "peerdrived", "--x"), ErrNoExecStart)

	s := newStore(t, sampleUnit)
	assert.ErrorIs(t, s.Write(ctx, "peerdrived", "--a\n--b"), ErrMultiline)
	got, err := s.Read(ctx, "peerdrived")
	require.NoError(t, err)
	assert.Equal(t, "--tcp-port 4001", got, "rejected write must not touch the file")
}

func TestCanceledContext(t *testing.T) {
	s := newStore(t, sampleUnit)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Read(ctx, "peerdrived")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, s.Write(ctx, "peerdrived", ""), context.Canceled)
}

func TestCustomExecPrefix(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "peerdrived.service"),
		[]byte("[Service]\nExecStart=/opt/peerdrive/bin/peerdrive init\n"), 0o644))
	s, err := New(dir, "/opt/peerdrive/bin/peerdrive init")
	require.NoError(t, err)
	require.NoError(t, s.Write(context.Background(), "peerdrived", "--x"))
	got, err := s.Read(context.Background(), "peerdrived")
	require.NoError(t, err)
	assert.Equal(t, "--x", got)
}
