package metrics

import "time"

// NoopSink is used when metrics are disabled.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) PassCompleted(outcome string, d time.Duration)     {}
func (n *NoopSink) PersistenceFault()                                 {}
func (n *NoopSink) ProviderCall(method, code string, d time.Duration) {}
func (n *NoopSink) CredentialRefresh(outcome string)                  {}
func (n *NoopSink) ReconcileAction(action string)                     {}
