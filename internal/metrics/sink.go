// Package metrics records slackq activity.
package metrics

import "time"

// Sink is satisfied by every metrics consumer interface in slackq.
// All methods are fire-and-forget: implementations must not block or propagate errors.
type Sink interface {
	// Scheduler
	PassCompleted(outcome string, d time.Duration)
	PersistenceFault()

	// Provider API
	ProviderCall(method, code string, d time.Duration)

	// Credentials
	CredentialRefresh(outcome string)

	// Reconciler
	ReconcileAction(action string)
}
