package systemdmanager

import (
	"strings"
	"time"
)

// Scope selects which systemd instance owns the unit.
type Scope string

const (
	ScopeUser   Scope = "user"
	ScopeSystem Scope = "system"
)

// ServiceStatus represents the current state of a service.
type ServiceStatus struct {
	Name          string
	Active        string // active, inactive, failed, etc.
	SubState      string // running, dead, etc.
	LoadState     string // loaded, not-found, etc.
	Description   string
	ActiveSince   time.Time // ActiveEnterTimestamp
	ActiveExit    time.Time // ActiveExitTimestamp
	InactiveSince time.Time // InactiveEnterTimestamp
	StateChange   time.Time // StateChangeTimestamp
}

// NotFound reports whether systemd has no unit by that name.
func (s ServiceStatus) NotFound() bool {
	return s.LoadState == "not-found" || s.SubState == "not-found"
}

// UnitName appends ".service" unless name already carries it.
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	if strings.HasSuffix(name, ".service") {
		return name
	}
	return name + ".service"
}

func isNoSuchUnitErr(err error) bool {
	if err == nil {
		return false
	}
	es := err.Error()
	// systemd returns org.freedesktop.systemd1.NoSuchUnit for missing units.
	if strings.Contains(es, "NoSuchUnit") {
		return true
	}
	return strings.Contains(es, "not-found")
}

func parseTimestamp(props map[string]interface{}, key string) time.Time {
	if ts, ok := props[key].(uint64); ok && ts > 0 {
		// systemd timestamps are in microseconds since the Unix epoch
		return time.Unix(int64(ts/1_000_000), 0)
	}
	return time.Time{}
}

func getStringProperty(props map[string]interface{}, key string) (string, bool) {
	if val, ok := props[key].(string); ok {
		return val, true
	}
	return "", false
}

func notFoundStatus(name string) *ServiceStatus {
	return &ServiceStatus{
		Name:      name,
		Active:    "not-found",
		SubState:  "not-found",
		LoadState: "not-found",
	}
}

func statusFromProps(name string, props map[string]interface{}) *ServiceStatus {
	activeState, _ := getStringProperty(props, "ActiveState")
	subState, _ := getStringProperty(props, "SubState")
	loadState, _ := getStringProperty(props, "LoadState")
	description, _ := getStringProperty(props, "Description")

	if loadState == "not-found" {
		return notFoundStatus(name)
	}
	return &ServiceStatus{
		Name:          name,
		Active:        activeState,
		SubState:      subState,
		LoadState:     loadState,
		Description:   description,
		ActiveSince:   parseTimestamp(props, "ActiveEnterTimestamp"),
		ActiveExit:    parseTimestamp(props, "ActiveExitTimestamp"),
		InactiveSince: parseTimestamp(props, "InactiveEnterTimestamp"),
		StateChange:   parseTimestamp(props, "StateChangeTimestamp"),
	}
}

func formatOperationMessage(action, serviceName string, err error) string {
	if err != nil {
		return action + " " + serviceName + ": error: " + err.Error()
	}
	return action + " " + serviceName + ": ok"
}
