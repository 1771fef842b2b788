package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/nzilbb/jsendpraat/adapter"
	"github.com/nzilbb/jsendpraat/host"
	"github.com/nzilbb/jsendpraat/ipc"
	"github.com/nzilbb/jsendpraat/journal"
	"github.com/nzilbb/jsendpraat/metrics"
	"github.com/nzilbb/jsendpraat/registry"
	"github.com/nzilbb/jsendpraat/types"
)

func (r *Router) handleEvent(ev host.Event) {
	if r.conn == nil || ev.Gen != r.gen {
		r.logger.Debug("stale host event discarded", map[string]any{"event_gen": ev.Gen, "gen": r.gen})
		return
	}
	if ev.Closed {
		r.handleClosed(ev)
		return
	}
	if ev.Reply != nil {
		r.handleReply(ev.Reply)
	}
}

func (r *Router) handleClosed(ev host.Event) {
	r.collector.IncHostClose()
	fields := map[string]any{"gen": ev.Gen, "state": r.state.String()}
	if ev.Exit != nil {
		fields["exit_code"] = ev.Exit.ExitCode
	}
	if ev.Err != nil {
		fields["error"] = ev.Err.Error()
		if ipc.IsFatalFrameError(ev.Err) {
			r.collector.IncFrameErrors()
		}
	}
	r.logger.Warn("host connection closed", fields)

	r.conn = nil
	pending := r.pending
	r.pending = nil
	r.drop(pending, metrics.DropClosed, "host closed")
	r.setState(types.StateDisconnected)

	reason := "host closed before handshake"
	if ev.Err != nil {
		reason = ev.Err.Error()
	}
	r.notify(adapter.NoticeInstallNeeded, r.hostVersion, reason)
}

func (r *Router) handleReply(reply types.Reply) {
	r.collector.IncReply(string(reply.Kind()))
	header := reply.Header()
	rec := journal.Record{
		Sender:    string(header.Ref),
		Direction: journal.DirectionIn,
		Kind:      string(reply.Kind()),
		Size:      len(header.Raw),
	}
	switch v := reply.(type) {
	case types.VersionInfo:
		rec.Code = journal.IntPtr(v.Code)
		rec.Detail = v.Version
	case types.StatusCode:
		rec.Code = journal.IntPtr(v.Code)
		rec.Detail = v.Error
	case types.ErrorReply:
		rec.Code = journal.IntPtr(v.Code)
		rec.Detail = v.Message
	}
	r.record(rec)

	if v, ok := reply.(types.VersionInfo); ok {
		if header.Ref != "" {
			r.deliver(header.Ref, reply)
		}
		r.evaluateVersion(v)
		return
	}

	if header.Ref == "" {
		r.collector.IncDeliveryMiss()
		r.logger.Warn("host reply without clientRef dropped", map[string]any{"kind": string(reply.Kind())})
		return
	}
	r.deliver(header.Ref, reply)
}

func (r *Router) deliver(id types.SenderID, reply types.Reply) {
	err := r.registry.Deliver(id, reply)
	if err == nil {
		r.collector.IncDelivered()
		return
	}
	r.collector.IncDeliveryMiss()
	fields := map[string]any{"sender": string(id), "kind": string(reply.Kind()), "error": err.Error()}
	if errors.Is(err, registry.ErrUnknownSender) {
		r.logger.Debug("reply for departed sender dropped", fields)
		return
	}
	r.logger.Warn("reply delivery failed", fields)
}

// evaluateVersion applies a version announcement to the connection. A
// missing or old version tears the connection down in any state.
func (r *Router) evaluateVersion(v types.VersionInfo) {
	if !types.MeetsMinimum(v.Version, r.config.MinVersion) {
		r.reject(v)
		return
	}
	r.hostVersion = v.Version
	if r.state != types.StateConnecting {
		return
	}

	r.collector.IncHandshakeAccepted()
	r.setState(types.StateReady)
	r.markReady(v.Version)

	pending := r.pending
	r.pending = nil
	for _, p := range pending {
		r.write(p)
	}
	r.logger.Info("host ready", map[string]any{
		"gen":          r.gen,
		"host_version": v.Version,
		"flushed":      len(pending),
	})
}

func (r *Router) markReady(version string) {
	r.inst.EverReady = true
	r.inst.LastHostVersion = version
	ctx, cancel := context.WithTimeout(r.runCtx, stateWriteTimeout)
	defer cancel()
	if err := r.config.Store.MarkReady(ctx, version); err != nil {
		r.logger.Error("failed to persist installation state", map[string]any{"error": err.Error()})
	}
}

func (r *Router) reject(v types.VersionInfo) {
	r.collector.IncHandshakeRejected()
	reason := "host did not report a version"
	if v.Version != "" {
		reason = fmt.Sprintf("host version %s is below minimum %s", v.Version, r.config.MinVersion)
	}
	if v.Error != "" {
		reason += ": " + v.Error
	}
	r.hostVersion = v.Version
	r.lastRejection = reason
	r.logger.Warn("host version rejected", map[string]any{
		"gen":             r.gen,
		"host_version":    v.Version,
		"minimum_version": r.config.MinVersion,
		"code":            v.Code,
	})

	r.setState(types.StateRejected)
	r.teardown(metrics.DropRejected, reason)
	r.notify(adapter.NoticeUpgradeNeeded, v.Version, reason)
	r.setState(types.StateDisconnected)
}

// notify publishes a lifecycle notice at most once per kind per process,
// and only while no handshake has ever succeeded for this installation.
func (r *Router) notify(kind adapter.NoticeKind, hostVersion, reason string) {
	if r.inst.EverReady || r.noticesSent[kind] {
		return
	}
	r.noticesSent[kind] = true
	r.collector.IncNotice(string(kind))

	notice := adapter.NewNotice(kind, r.inst.ID, hostVersion, r.config.MinVersion, reason, timeNow())
	ctx := context.WithoutCancel(r.runCtx)
	r.notices.Add(1)
	go func() {
		defer r.notices.Done()
		ctx, cancel := context.WithTimeout(ctx, r.config.NoticeTimeout)
		defer cancel()
		if err := r.config.Notifier.Publish(ctx, notice); err != nil {
			r.logger.Error("failed to publish lifecycle notice", map[string]any{
				"event_type": string(notice.EventType),
				"error":      err.Error(),
			})
		}
	}()
}
