package daemon

import (
	"context"
	"fmt"
	"sync"

	"peerdrivectl/internal/metrics"
	logx "peerdrivectl/pkg/logx"
)

// RestartNotice is shown next to the flags editor. Saved flags only take
// effect on the next start of the service.
const RestartNotice = "Changes require restarting the service."

// FlagsStore persists the startup flags string for a service.
type FlagsStore interface {
	Read(ctx context.Context, name string) (string, error)
	Write(ctx context.Context, name, flags string) error
}

// Reloader asks the service manager to re-read unit files.
type Reloader interface {
	ReloadContext(ctx context.Context) error
}

type EditorOptions struct {
	Service string
	Store   FlagsStore
	// Reloader, when set, runs a daemon reload after each successful save.
	// It never restarts the service.
	Reloader Reloader
	Log      logx.Logger
}

// Editor loads and saves the opaque startup flags of one service. Load and
// save each reject overlapping calls of the same kind with ErrBusy; a load
// and a save may overlap.
type Editor struct {
	service  string
	store    FlagsStore
	reloader Reloader
	log      logx.Logger

	mu      sync.Mutex
	loading bool
	saving  bool
}

func NewEditor(opts EditorOptions) *Editor {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	return &Editor{
		service:  opts.Service,
		store:    opts.Store,
		reloader: opts.Reloader,
		log:      opts.Log.With(logx.String("service", opts.Service)),
	}
}

func (e *Editor) Loading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loading
}

func (e *Editor) Saving() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.saving
}

// Load returns the stored flags. An empty string with a nil error means no
// flags are set.
func (e *Editor) Load(ctx context.Context) (string, error) {
	if !e.acquire(&e.loading) {
		return "", ErrBusy
	}
	defer e.release(&e.loading)

	flags, err := e.store.Read(ctx, e.service)
	metrics.IncFlagsOp(e.service, "load", err == nil)
	if err != nil {
		e.log.Warn("failed to load startup flags", logx.Err(err))
		return "", &ActionError{Service: e.service, Action: "load flags", Err: fmt.Errorf("%w: %w", ErrRead, err)}
	}
	return flags, nil
}

// Save writes flags verbatim. The running service is not touched.
func (e *Editor) Save(ctx context.Context, flags string) error {
	if !e.acquire(&e.saving) {
		return ErrBusy
	}
	defer e.release(&e.saving)

	err := e.store.Write(ctx, e.service, flags)
	metrics.IncFlagsOp(e.service, "save", err == nil)
	if err != nil {
		e.log.Warn("failed to save startup flags", logx.Err(err))
		return &ActionError{Service: e.service, Action: "save flags", Err: fmt.Errorf("%w: %w", ErrWrite, err)}
	}
	e.log.Info("startup flags saved", logx.Int("bytes", len(flags)))

	if e.reloader != nil {
		if err := e.reloader.ReloadContext(ctx); err != nil {
			// The file is written; a failed reload only delays pickup.
			e.log.Warn("daemon reload after save failed", logx.Err(err))
		}
	}
	return nil
}

func (e *Editor) acquire(flag *bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if *flag {
		return false
	}
	*flag = true
	return true
}

func (e *Editor) release(flag *bool) {
	e.mu.Lock()
	*flag = false
	e.mu.Unlock()
}
