package daemon

import (
	"context"
	"errors"

	"peerdrivectl/internal/metrics"
)

// Querier reads the manager's state token for a service.
type Querier interface {
	ActiveStateContext(ctx context.Context, serviceName string) (string, error)
}

// Actuator issues lifecycle jobs. Success means the job was accepted; the
// effect is observed through later queries.
type Actuator interface {
	StartContext(ctx context.Context, serviceName string) error
	StopContext(ctx context.Context, serviceName string) error
	RestartContext(ctx context.Context, serviceName string) error
}

// Manager is the service-manager collaborator. Both pkg/systemdmanager and
// pkg/systemd satisfy it.
type Manager interface {
	Querier
	Actuator
}

// Oracle wraps the single remote "status of named service" call. It holds
// no state and never retries.
type Oracle struct {
	q Querier
}

func NewOracle(q Querier) *Oracle { return &Oracle{q: q} }

// Query returns the current status token or a *QueryError.
func (o *Oracle) Query(ctx context.Context, service string) (ServiceStatus, error) {
	if o == nil || o.q == nil {
		return StatusUnknown, &QueryError{Service: service, Err: errors.New("no status backend")}
	}
	raw, err := o.q.ActiveStateContext(ctx, service)
	metrics.IncStatusQuery(service, err == nil)
	if err != nil {
		return StatusUnknown, &QueryError{Service: service, Err: err}
	}
	// The token is kept verbatim for display; Class and Settled trim.
	st := ServiceStatus(raw)
	if st.normalized() == "" {
		st = StatusUnknown
	}
	return st, nil
}
