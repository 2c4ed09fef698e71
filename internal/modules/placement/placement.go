// Package placement picks the target node for new tenants, migrations and
// recovery. Pure selection over the registry's view: the engine never
// mutates node state.
package placement

import (
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/wardenhq/warden/internal/domain"
)

// DefaultFootprintMB is assumed when an instance has no size estimate.
const DefaultFootprintMB = 100

// NodeLister is the registry slice the engine reads.
type NodeLister interface {
	ListActive() []domain.Node
}

// Engine selects placement targets by maximum free capacity.
type Engine struct {
	nodes NodeLister
	log   zerolog.Logger
}

// NewEngine creates a placement engine over the registry.
func NewEngine(nodes NodeLister, log zerolog.Logger) *Engine {
	return &Engine{
		nodes: nodes,
		log:   log.With().Str("service", "placement").Logger(),
	}
}

// FindPlacement returns the active node with the most free capacity that
// fits requiredMB, or nil when no node does. Ties break toward the lower
// node id so repeated calls are deterministic.
func (e *Engine) FindPlacement(requiredMB int64) *domain.Node {
	return e.FindPlacementExcluding(nil, requiredMB)
}

// FindPlacementExcluding is FindPlacement with a deny-list: migration
// excludes the source node, recovery excludes the dead one.
func (e *Engine) FindPlacementExcluding(excluded []string, requiredMB int64) *domain.Node {
	if requiredMB <= 0 {
		requiredMB = DefaultFootprintMB
	}

	candidates := lo.Filter(e.nodes.ListActive(), func(n domain.Node, _ int) bool {
		return n.AvailableMB() >= requiredMB && !lo.Contains(excluded, n.ID)
	})
	if len(candidates) == 0 {
		return nil
	}

	// ListActive is id-ordered; strict > keeps the first (lowest id) on ties
	best := candidates[0]
	for _, n := range candidates[1:] {
		if n.AvailableMB() > best.AvailableMB() {
			best = n
		}
	}

	e.log.Debug().Str("node", best.ID).Int64("available_mb", best.AvailableMB()).
		Int64("required_mb", requiredMB).Msg("Placement selected")
	return &best
}
