package placement

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/domain"
)

// staticLister serves a fixed fleet, id-ordered like the registry.
type staticLister struct {
	nodes []domain.Node
}

func (l staticLister) ListActive() []domain.Node { return l.nodes }

func node(id string, capacity, used int64) domain.Node {
	return domain.Node{ID: id, Status: domain.NodeActive, CapacityMB: capacity, UsedMB: used}
}

func TestFindPlacementPicksMaxFree(t *testing.T) {
	e := NewEngine(staticLister{nodes: []domain.Node{
		node("node-a", 1000, 800), // 200 free
		node("node-b", 1000, 100), // 900 free
		node("node-c", 2000, 1500), // 500 free
	}}, zerolog.Nop())

	got := e.FindPlacement(100)
	require.NotNil(t, got)
	assert.Equal(t, "node-b", got.ID)
}

func TestFindPlacementFiltersTooSmall(t *testing.T) {
	e := NewEngine(staticLister{nodes: []domain.Node{
		node("node-a", 1000, 950), // 50 free
		node("node-b", 1000, 850), // 150 free
	}}, zerolog.Nop())

	got := e.FindPlacement(100)
	require.NotNil(t, got)
	assert.Equal(t, "node-b", got.ID)
}

func TestFindPlacementNoCapacity(t *testing.T) {
	e := NewEngine(staticLister{nodes: []domain.Node{
		node("node-a", 1000, 950),
	}}, zerolog.Nop())

	assert.Nil(t, e.FindPlacement(100))
}

func TestFindPlacementEmptyFleet(t *testing.T) {
	e := NewEngine(staticLister{}, zerolog.Nop())
	assert.Nil(t, e.FindPlacement(100))
}

func TestFindPlacementTieBreaksByID(t *testing.T) {
	e := NewEngine(staticLister{nodes: []domain.Node{
		node("node-a", 1000, 500),
		node("node-b", 1000, 500),
		node("node-c", 1000, 500),
	}}, zerolog.Nop())

	for i := 0; i < 5; i++ {
		got := e.FindPlacement(100)
		require.NotNil(t, got)
		assert.Equal(t, "node-a", got.ID)
	}
}

func TestFindPlacementExcluding(t *testing.T) {
	e := NewEngine(staticLister{nodes: []domain.Node{
		node("node-a", 1000, 100), // 900 free, excluded
		node("node-b", 1000, 500), // 500 free
	}}, zerolog.Nop())

	got := e.FindPlacementExcluding([]string{"node-a"}, 100)
	require.NotNil(t, got)
	assert.Equal(t, "node-b", got.ID)

	assert.Nil(t, e.FindPlacementExcluding([]string{"node-a", "node-b"}, 100))
}

func TestFindPlacementDefaultFootprint(t *testing.T) {
	e := NewEngine(staticLister{nodes: []domain.Node{
		node("node-a", 1000, 950), // 50 free, below the default
	}}, zerolog.Nop())

	assert.Nil(t, e.FindPlacement(0))
}

func TestExactFitAccepted(t *testing.T) {
	e := NewEngine(staticLister{nodes: []domain.Node{
		node("node-a", 1000, 900), // exactly 100 free
	}}, zerolog.Nop())

	got := e.FindPlacement(100)
	require.NotNil(t, got)
	assert.Equal(t, "node-a", got.ID)
}
