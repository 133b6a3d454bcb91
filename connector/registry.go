package connector

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/aethelgard/aethelgard/types"
)

// Registry resolves connectors by type. Registration happens at the
// composition root; the hot path only reads.
type Registry struct {
	mu         sync.RWMutex
	connectors map[types.ConnectorType]Connector
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[types.ConnectorType]Connector)}
}

// Register adds or replaces the connector for its type.
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.Type()] = c
	log.Info().Str("connector", string(c.Type())).Msg("🔌 Connector registered")
}

// Alias routes one connector type to another's implementation, so signals
// tagged WEBHOOK at intake can execute on the live venue. Returns false when
// the target type has no connector yet.
func (r *Registry) Alias(from, to types.ConnectorType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.connectors[to]
	if !ok {
		return false
	}
	r.connectors[from] = c
	log.Info().Str("alias", string(from)).Str("target", string(to)).Msg("🔌 Connector aliased")
	return true
}

// Get resolves a connector; ok is false when the type has no implementation.
func (r *Registry) Get(ct types.ConnectorType) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[ct]
	return c, ok
}

// Types lists the registered connector types in stable order.
func (r *Registry) Types() []types.ConnectorType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ConnectorType, 0, len(r.connectors))
	for ct := range r.connectors {
		out = append(out, ct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ConnectAll connects every registered connector, logging failures without
// aborting the rest.
func (r *Registry) ConnectAll(ctx context.Context) {
	for _, ct := range r.Types() {
		c, _ := r.Get(ct)
		if err := c.Connect(ctx); err != nil {
			log.Error().Err(err).Str("connector", string(ct)).Msg("connector failed to connect")
		}
	}
}

// DisconnectAll tears every connector down.
func (r *Registry) DisconnectAll() {
	for _, ct := range r.Types() {
		c, _ := r.Get(ct)
		c.Disconnect()
	}
}
