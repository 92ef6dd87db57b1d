package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/streamforge/pipeline-controller/internal/automaton"
	"github.com/streamforge/pipeline-controller/internal/domain"
)

func testID() domain.TenantPipelineID {
	return domain.TenantPipelineID{Tenant: "acme", Pipeline: "orders"}
}

func TestRegistry_NotifyOneRequiresRegistration(t *testing.T) {
	r := newRegistry()
	assert.False(t, r.notifyOne(testID()))
}

func TestRegistry_RegisterThenNotifyOneWakesTheChannel(t *testing.T) {
	r := newRegistry()
	n := automaton.NewNotify()
	r.register(testID(), n, func() {})

	assert.True(t, r.has(testID()))
	assert.Equal(t, 1, r.count())

	assert.True(t, r.notifyOne(testID()))
	select {
	case <-n.C():
	default:
		t.Fatal("expected a pending wakeup on the Notify channel")
	}
}

func TestRegistry_CancelInvokesStoredFunc(t *testing.T) {
	r := newRegistry()
	n := automaton.NewNotify()
	canceled := false
	r.register(testID(), n, func() { canceled = true })

	assert.True(t, r.cancel(testID()))
	assert.True(t, canceled)
}

func TestRegistry_CancelUnknownIDReportsFalse(t *testing.T) {
	r := newRegistry()
	assert.False(t, r.cancel(testID()))
}

func TestRegistry_UnregisterRemovesEntry(t *testing.T) {
	r := newRegistry()
	n := automaton.NewNotify()
	r.register(testID(), n, func() {})
	r.unregister(testID())

	assert.False(t, r.has(testID()))
	assert.Equal(t, 0, r.count())
	assert.False(t, r.notifyOne(testID()))
}
