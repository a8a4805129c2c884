//go:build linux

package systemdmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"
)

var errClosed = errors.New("systemd connection is closed")

// ServiceManager handles systemd service operations over D-Bus.
//
// Jobs are enqueued in "replace" mode without waiting for completion, so
// Start/Stop/Restart return as soon as systemd accepted the job. Callers
// observe the effect through the status queries.
type ServiceManager struct {
	mu    sync.RWMutex
	conn  *dbus.Conn
	scope Scope
}

// NewServiceManagerContext connects to the user or system bus depending on scope.
// If ctx is nil, context.Background() is used.
func NewServiceManagerContext(ctx context.Context, scope Scope) (*ServiceManager, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var (
		conn *dbus.Conn
		err  error
	)
	switch scope {
	case ScopeSystem:
		conn, err = dbus.NewSystemConnectionContext(ctx)
	default:
		scope = ScopeUser
		conn, err = dbus.NewUserConnectionContext(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd (%s bus): %w", scope, err)
	}
	return &ServiceManager{conn: conn, scope: scope}, nil
}

func (sm *ServiceManager) Scope() Scope { return sm.scope }

// Close closes the systemd connection.
func (sm *ServiceManager) Close() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.conn != nil {
		sm.conn.Close()
		sm.conn = nil
	}
	return nil
}

func (sm *ServiceManager) connSnapshot() (*dbus.Conn, error) {
	sm.mu.RLock()
	conn := sm.conn
	sm.mu.RUnlock()
	if conn == nil {
		return nil, errClosed
	}
	return conn, nil
}

func (sm *ServiceManager) StartContext(ctx context.Context, serviceName string) error {
	conn, err := sm.connSnapshot()
	if err != nil {
		return err
	}
	if _, err := conn.StartUnitContext(ctx, UnitName(serviceName), "replace", nil); err != nil {
		return fmt.Errorf("failed to start %s: %w", serviceName, err)
	}
	return nil
}

func (sm *ServiceManager) StopContext(ctx context.Context, serviceName string) error {
	conn, err := sm.connSnapshot()
	if err != nil {
		return err
	}
	if _, err := conn.StopUnitContext(ctx, UnitName(serviceName), "replace", nil); err != nil {
		return fmt.Errorf("failed to stop %s: %w", serviceName, err)
	}
	return nil
}

func (sm *ServiceManager) RestartContext(ctx context.Context, serviceName string) error {
	conn, err := sm.connSnapshot()
	if err != nil {
		return err
	}
	if _, err := conn.RestartUnitContext(ctx, UnitName(serviceName), "replace", nil); err != nil {
		return fmt.Errorf("failed to restart %s: %w", serviceName, err)
	}
	return nil
}

// ReloadContext asks systemd to re-read unit files (daemon-reload). It never
// restarts a unit.
func (sm *ServiceManager) ReloadContext(ctx context.Context) error {
	conn, err := sm.connSnapshot()
	if err != nil {
		return err
	}
	if err := conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("failed to reload systemd daemon: %w", err)
	}
	return nil
}

// ActiveStateContext returns the unit's ActiveState token ("active",
// "activating", ...). A missing unit reports "not-found".
func (sm *ServiceManager) ActiveStateContext(ctx context.Context, serviceName string) (string, error) {
	st, err := sm.GetStatusContext(ctx, serviceName)
	if err != nil {
		return "", err
	}
	return st.Active, nil
}

// GetStatusContext is a cheap status lookup intended for high-frequency checks.
//
// It uses ListUnitsByPatterns (lightweight) for the core state, and only falls back to the
// property map when the unit is unknown to the manager's loaded set.
func (sm *ServiceManager) GetStatusContext(ctx context.Context, serviceName string) (*ServiceStatus, error) {
	conn, err := sm.connSnapshot()
	if err != nil {
		return nil, err
	}

	unitName := UnitName(serviceName)

	units, err := conn.ListUnitsByPatternsContext(ctx, nil, []string{unitName})
	if err == nil && len(units) > 0 {
		// Prefer exact match if patterns returned multiple.
		u := units[0]
		for _, x := range units {
			if x.Name == unitName {
				u = x
				break
			}
		}
		st := &ServiceStatus{
			Name:        serviceName,
			Active:      u.ActiveState,
			SubState:    u.SubState,
			LoadState:   u.LoadState,
			Description: u.Description,
		}
		if st.NotFound() {
			return notFoundStatus(serviceName), nil
		}
		return st, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("failed to get status for %s: %w", serviceName, err)
	}

	// Fallback: property query (handles units that are not loaded right now).
	props, err := conn.GetUnitPropertiesContext(ctx, unitName)
	if err != nil {
		if isNoSuchUnitErr(err) {
			return notFoundStatus(serviceName), nil
		}
		return nil, fmt.Errorf("failed to get status for %s: %w", serviceName, err)
	}
	return statusFromProps(serviceName, props), nil
}

// FormatActionResult renders a one-line plain result of a lifecycle action.
func FormatActionResult(serviceName, action string, err error) string {
	return formatOperationMessage(action, serviceName, err)
}
