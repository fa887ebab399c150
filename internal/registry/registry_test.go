package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRegistry() *Registry {
	return New(nil, zap.NewNop())
}

func TestRegisterAndGet(t *testing.T) {
	r := newTestRegistry()

	err := r.Register(context.Background(), "a1", "worker-1", []string{"m1", "m2"})
	require.NoError(t, err)

	s, ok := r.Get("a1")
	require.True(t, ok)
	assert.Equal(t, "worker-1", s.Name)
	assert.Equal(t, []string{"m1", "m2"}, s.InstalledList())
	assert.Empty(t, s.LoadedList())
	assert.Zero(t, s.Pending)
}

func TestRegisterDuplicateID(t *testing.T) {
	r := newTestRegistry()

	require.NoError(t, r.Register(context.Background(), "a1", "first", nil))
	err := r.Register(context.Background(), "a1", "second", nil)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	// The original registration survives.
	s, ok := r.Get("a1")
	require.True(t, ok)
	assert.Equal(t, "first", s.Name)
	assert.Equal(t, 1, r.Count())
}

func TestRemoveReturnsBoundRequests(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.Register(context.Background(), "a1", "w", []string{"m1"}))
	require.NoError(t, r.Register(context.Background(), "a2", "w", []string{"m1"}))

	r.BindRequest("call-1", "a1")
	r.BindRequest("call-2", "a1")
	r.BindRequest("call-3", "a2")

	bound := r.Remove("a1")
	assert.ElementsMatch(t, []string{"call-1", "call-2"}, bound)

	// a2's binding is untouched.
	agentID, ok := r.AgentForRequest("call-3")
	require.True(t, ok)
	assert.Equal(t, "a2", agentID)

	// a1's bindings are gone.
	_, ok = r.AgentForRequest("call-1")
	assert.False(t, ok)

	// Removing an unknown agent is a no-op.
	assert.Nil(t, r.Remove("a1"))
}

func TestPendingCounter(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.Register(context.Background(), "a1", "w", nil))

	r.IncrementPending("a1")
	r.IncrementPending("a1")
	s, _ := r.Get("a1")
	assert.Equal(t, 2, s.Pending)

	r.DecrementPending("a1")
	r.DecrementPending("a1")
	r.DecrementPending("a1") // saturates at zero
	s, _ = r.Get("a1")
	assert.Zero(t, s.Pending)

	// Counters for unknown agents are ignored.
	r.IncrementPending("ghost")
	_, ok := r.Get("ghost")
	assert.False(t, ok)
}

func TestAddLoadedImpliesInstalled(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.Register(context.Background(), "a1", "w", []string{"m1"}))

	// Loading a model that was never reported installed adds it to both sets.
	r.AddLoaded("a1", "m2")

	s, _ := r.Get("a1")
	assert.Contains(t, s.Loaded, "m2")
	assert.Contains(t, s.Installed, "m2")
	assert.Contains(t, s.Installed, "m1")

	r.RemoveLoaded("a1", "m2")
	s, _ = r.Get("a1")
	assert.NotContains(t, s.Loaded, "m2")
	// Eviction does not uninstall.
	assert.Contains(t, s.Installed, "m2")
}

func TestSetInstalledReplacesSet(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.Register(context.Background(), "a1", "w", []string{"m1", "m2"}))

	r.SetInstalled("a1", []string{"m3"})
	s, _ := r.Get("a1")
	assert.Equal(t, []string{"m3"}, s.InstalledList())
}

func TestSnapshotIsACopy(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.Register(context.Background(), "a1", "w", []string{"m1"}))

	s, _ := r.Get("a1")
	s.Installed["mutated"] = struct{}{}

	fresh, _ := r.Get("a1")
	assert.NotContains(t, fresh.Installed, "mutated")
}

func TestListSortedByID(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.Register(context.Background(), "b", "w", nil))
	require.NoError(t, r.Register(context.Background(), "a", "w", nil))
	require.NoError(t, r.Register(context.Background(), "c", "w", nil))

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
	assert.Equal(t, "c", list[2].ID)

	assert.Equal(t, []string{"a", "b", "c"}, r.ConnectedIDs())
}
