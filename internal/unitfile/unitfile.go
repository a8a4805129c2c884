// Package unitfile keeps the daemon's startup flags inside its systemd unit
// file, as the text that follows the exec prefix on the ExecStart= line.
package unitfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"peerdrivectl/internal/fsutil"
	sm "peerdrivectl/pkg/systemdmanager"
)

const DefaultExecPrefix = "/usr/local/bin/peerdrive init"

const execKey = "ExecStart="

var (
	ErrNoUnitFile  = errors.New("unit file does not exist")
	ErrNoExecStart = errors.New("unit file has no ExecStart= line")
	ErrMultiline   = errors.New("startup flags must fit on one line")
)

// Store reads and writes flags in <Dir>/<name>.service.
type Store struct {
	Dir        string
	ExecPrefix string
}

// New returns a store rooted at dir. An empty dir resolves to the user's
// systemd unit directory; an empty prefix uses DefaultExecPrefix.
func New(dir, execPrefix string) (*Store, error) {
	if dir == "" {
		d, err := DefaultDir()
		if err != nil {
			return nil, err
		}
		dir = d
	}
	if execPrefix == "" {
		execPrefix = DefaultExecPrefix
	}
	return &Store{Dir: dir, ExecPrefix: execPrefix}, nil
}

// DefaultDir is $XDG_CONFIG_HOME/systemd/user (or ~/.config/systemd/user).
func DefaultDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(base, "systemd", "user"), nil
}

// Path returns the unit file path for a service name.
func (s *Store) Path(name string) string {
	return filepath.Join(s.Dir, sm.UnitName(name))
}

// Read returns the flags of the last ExecStart= line. A missing unit file, a
// missing ExecStart= line or one that does not run the exec prefix all mean
// "no flags" and return "".
func (s *Store) Read(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read unit file: %w", err)
	}

	var exec string
	var found bool
	for _, line := range splitLines(string(data)) {
		if v, ok := execValue(line); ok {
			exec, found = v, true
		}
	}
	if !found {
		return "", nil
	}
	_, rest, ok := strings.Cut(exec, s.ExecPrefix)
	if !ok {
		return "", nil
	}
	return strings.TrimPrefix(rest, " "), nil
}

// Write replaces every ExecStart= line with "ExecStart=<prefix> <flags>".
// Other lines, including line endings, are kept as they are.
func (s *Store) Write(ctx context.Context, name, flags string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(flags, "\r\n") {
		return ErrMultiline
	}
	path := s.Path(name)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", path, ErrNoUnitFile)
		}
		return fmt.Errorf("read unit file: %w", err)
	}

	exec := execKey + s.ExecPrefix
	if flags != "" {
		exec += " " + flags
	}

	var b strings.Builder
	b.Grow(len(data) + len(flags))
	replaced := 0
	for _, line := range strings.SplitAfter(string(data), "\n") {
		if line == "" {
			continue
		}
		body, eol := chompEOL(line)
		if _, ok := execValue(body); ok {
			b.WriteString(exec)
			b.WriteString(eol)
			replaced++
			continue
		}
		b.WriteString(line)
	}
	if replaced == 0 {
		return fmt.Errorf("%s: %w", path, ErrNoExecStart)
	}
	if err := fsutil.WriteFileAtomic(path, []byte(b.String()), fsutil.Mode(path, 0o644)); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}
	return nil
}

func splitLines(s string) []string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

// execValue returns the value of an ExecStart= line. Leading indentation is
// ignored; trailing bytes are part of the value.
func execValue(line string) (string, bool) {
	return strings.CutPrefix(strings.TrimLeft(line, " \t"), execKey)
}

func chompEOL(line string) (string, string) {
	if strings.HasSuffix(line, "\r\n") {
		return line[:len(line)-2], "\r\n"
	}
	if strings.HasSuffix(line, "\n") {
		return line[:len(line)-1], "\n"
	}
	return line, ""
}
