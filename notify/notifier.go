package notify

import (
	"log/slog"
	"sync/atomic"

	"github.com/TallyWorks/tally/models"
)

/*
	Notifier is the producer-facing boundary. Request handlers that mutate
	bookkeeping state call it with a user id (or nothing, for everyone) and
	an event; the call returns immediately and the event rides the batching
	pipeline from there.

	The notifier is constructed before the transport is up so handlers can
	hold a reference from process start. Until Bind is called every report
	degrades to a logged drop; nothing in the primary write path ever blocks
	or fails on the notification layer.
*/

type Notifier struct {
	logger  *slog.Logger
	batcher atomic.Pointer[Batcher]
}

func NewNotifier(logger *slog.Logger) *Notifier {
	return &Notifier{
		logger: logger.With("component", "notifier"),
	}
}

// Bind wires the notifier to a live batcher. Called once transport setup
// completes.
func (n *Notifier) Bind(b *Batcher) {
	n.batcher.Store(b)
}

// Ready reports whether the realtime subsystem is initialized. Exposed for
// the liveness endpoint.
func (n *Notifier) Ready() bool {
	return n.batcher.Load() != nil
}

// NotifyUser reports a change event to one user's scope.
func (n *Notifier) NotifyUser(userID string, event models.Event) {
	if userID == "" {
		n.logger.Warn("dropping event with empty user id", "type", event.Type)
		return
	}
	n.report(UserScope(userID), event)
}

// NotifyAll reports a change event to every connected client.
func (n *Notifier) NotifyAll(event models.Event) {
	n.report(GlobalScope(), event)
}

func (n *Notifier) report(scope Scope, event models.Event) {
	if !event.Type.Known() {
		n.logger.Warn("dropping event of unknown type", "type", event.Type, "scope", scope.String())
		return
	}
	b := n.batcher.Load()
	if b == nil {
		n.logger.Warn("realtime subsystem not initialized, dropping event", "type", event.Type, "scope", scope.String())
		return
	}
	b.Report(scope, event)
}
