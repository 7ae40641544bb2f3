package notify

import (
	"testing"
	"time"

	"github.com/TallyWorks/tally/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifierDropsUntilBound(t *testing.T) {
	n := NewNotifier(discardLogger())
	assert.False(t, n.Ready())

	// Must degrade to a logged drop, never panic or block.
	n.NotifyAll(models.Event{Type: models.EventStatsUpdated, Action: models.ActionUpdated})
	n.NotifyUser("u1", models.Event{Type: models.EventCashflowUpdated, Action: models.ActionUpdated})
}

func TestNotifierRoutesToScopes(t *testing.T) {
	sink := &fakeSink{}
	b := NewBatcher(discardLogger(), sink, 20*time.Millisecond, 0)
	defer b.Close()

	n := NewNotifier(discardLogger())
	n.Bind(b)
	assert.True(t, n.Ready())

	n.NotifyAll(models.Event{Type: models.EventStatsUpdated, Action: models.ActionUpdated})
	n.NotifyUser("u1", models.Event{Type: models.EventCashflowUpdated, EntityID: "e1", Action: models.ActionUpdated})

	got := sink.waitDeliveries(t, 2, 2*time.Second)
	scopes := map[Scope]bool{}
	for _, d := range got {
		scopes[d.scope] = true
	}
	assert.True(t, scopes[GlobalScope()])
	assert.True(t, scopes[UserScope("u1")])
}

func TestNotifierDropsInvalidReports(t *testing.T) {
	sink := &fakeSink{}
	b := NewBatcher(discardLogger(), sink, 20*time.Millisecond, 0)
	defer b.Close()

	n := NewNotifier(discardLogger())
	n.Bind(b)

	n.NotifyUser("", models.Event{Type: models.EventCashflowUpdated, Action: models.ActionUpdated})
	n.NotifyAll(models.Event{Type: "made up kind", Action: models.ActionUpdated})

	time.Sleep(100 * time.Millisecond)
	require.Empty(t, sink.snapshot())
}

func TestScopeString(t *testing.T) {
	assert.Equal(t, "global", GlobalScope().String())
	assert.Equal(t, "user:u1", UserScope("u1").String())
	assert.True(t, GlobalScope().IsGlobal())
	assert.False(t, UserScope("u1").IsGlobal())
	assert.Equal(t, "u1", UserScope("u1").UserID())
}
