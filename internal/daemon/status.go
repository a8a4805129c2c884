package daemon

import "strings"

// ServiceStatus is a state token reported by the service manager. Tokens
// outside the recognized set are kept verbatim for display.
type ServiceStatus string

const (
	StatusUnknown      ServiceStatus = "unknown"
	StatusInactive     ServiceStatus = "inactive"
	StatusActivating   ServiceStatus = "activating"
	StatusActive       ServiceStatus = "active"
	StatusDeactivating ServiceStatus = "deactivating"
	StatusReloading    ServiceStatus = "reloading"
	StatusFailed       ServiceStatus = "failed"
)

// StatusClass is the display/admission classification of a ServiceStatus.
type StatusClass string

const (
	ClassSuccess StatusClass = "success"
	ClassDanger  StatusClass = "danger"
	ClassWarning StatusClass = "warning"
	ClassMuted   StatusClass = "muted"
	ClassInfo    StatusClass = "info"
)

func (s ServiceStatus) normalized() ServiceStatus {
	return ServiceStatus(strings.TrimSpace(string(s)))
}

// Class maps the status onto its StatusClass. Unrecognized tokens are info.
func (s ServiceStatus) Class() StatusClass {
	switch s.normalized() {
	case StatusActive:
		return ClassSuccess
	case StatusFailed:
		return ClassDanger
	case StatusActivating, StatusDeactivating, StatusReloading:
		return ClassWarning
	case StatusInactive:
		return ClassMuted
	default:
		return ClassInfo
	}
}

// Settled reports whether a settle-poll may stop on this status.
func (s ServiceStatus) Settled() bool {
	switch s.normalized() {
	case StatusActive, StatusInactive, StatusFailed:
		return true
	}
	return false
}

func (s ServiceStatus) IsActive() bool { return s.normalized() == StatusActive }

// Transitioning is true while the manager is mid-transition; lifecycle
// commands should not be offered then.
func (s ServiceStatus) Transitioning() bool { return s.Class() == ClassWarning }

func (s ServiceStatus) String() string { return string(s) }

// StatusEvent is published on eventbus.TopicStatus whenever the held
// status is written.
type StatusEvent struct {
	Service string        `json:"service"`
	Status  ServiceStatus `json:"status"`
	Class   StatusClass   `json:"class"`
	Changed bool          `json:"changed"`
}
