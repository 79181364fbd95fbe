package metrics

import (
	"testing"
	"time"
)

var _ Sink = (*NoopSink)(nil)

func TestNoopSink(t *testing.T) {
	s := NewNoopSink()
	s.PassCompleted("sent", time.Second)
	s.PersistenceFault()
	s.ProviderCall("chat.postMessage", "ok", time.Second)
	s.CredentialRefresh("ok")
	s.ReconcileAction("finalized")
}
