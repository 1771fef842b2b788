package router

import (
	"context"
	"time"

	"github.com/nzilbb/jsendpraat/metrics"
	"github.com/nzilbb/jsendpraat/types"
)

var timeNow = time.Now

// Status is a point-in-time view of the router.
type Status struct {
	State          types.ConnectionState `json:"state" yaml:"state"`
	HostVersion    string                `json:"host_version,omitempty" yaml:"host_version,omitempty"`
	MinimumVersion string                `json:"minimum_version" yaml:"minimum_version"`
	Generation     uint64                `json:"generation" yaml:"generation"`
	Session        string                `json:"session,omitempty" yaml:"session,omitempty"`
	LastRejection  string                `json:"last_rejection,omitempty" yaml:"last_rejection,omitempty"`
	Senders        []types.SenderID      `json:"senders" yaml:"senders"`
	Pending        int                   `json:"pending" yaml:"pending"`
	MediaSenders   int                   `json:"media_senders" yaml:"media_senders"`
	InstallationID string                `json:"installation_id" yaml:"installation_id"`
	EverReady      bool                  `json:"ever_ready" yaml:"ever_ready"`
	Metrics        metrics.Snapshot      `json:"metrics" yaml:"metrics"`
}

// Status returns a snapshot of the connection and routing state.
func (r *Router) Status(ctx context.Context) (Status, error) {
	var s Status
	err := r.query(ctx, func() {
		s = Status{
			State:          r.state,
			HostVersion:    r.hostVersion,
			MinimumVersion: r.config.MinVersion,
			Generation:     r.gen,
			Session:        r.session,
			LastRejection:  r.lastRejection,
			Senders:        r.registry.Senders(),
			Pending:        len(r.pending),
			MediaSenders:   len(r.media),
			InstallationID: r.inst.ID,
			EverReady:      r.inst.EverReady,
			Metrics:        r.collector.Snapshot(),
		}
	})
	return s, err
}
