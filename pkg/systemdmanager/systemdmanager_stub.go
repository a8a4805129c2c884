//go:build !linux

package systemdmanager

import (
	"context"
	"errors"
)

var ErrUnsupported = errors.New("systemdmanager: unsupported OS (linux only)")

type ServiceManager struct {
	scope Scope
}

func NewServiceManagerContext(ctx context.Context, scope Scope) (*ServiceManager, error) {
	return nil, ErrUnsupported
}

func (sm *ServiceManager) Scope() Scope { return sm.scope }
func (sm *ServiceManager) Close() error { return nil }

func (sm *ServiceManager) StartContext(ctx context.Context, serviceName string) error {
	return ErrUnsupported
}
func (sm *ServiceManager) StopContext(ctx context.Context, serviceName string) error {
	return ErrUnsupported
}
func (sm *ServiceManager) RestartContext(ctx context.Context, serviceName string) error {
	return ErrUnsupported
}
func (sm *ServiceManager) ReloadContext(ctx context.Context) error { return ErrUnsupported }

func (sm *ServiceManager) ActiveStateContext(ctx context.Context, serviceName string) (string, error) {
	return "", ErrUnsupported
}

func (sm *ServiceManager) GetStatusContext(ctx context.Context, serviceName string) (*ServiceStatus, error) {
	return nil, ErrUnsupported
}

func FormatActionResult(serviceName, action string, err error) string {
	return formatOperationMessage(action, serviceName, err)
}
