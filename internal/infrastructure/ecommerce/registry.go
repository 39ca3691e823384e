package ecommerce

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/erp/marketsync/internal/domain/integration"
)

// Registry maps connector kinds to their implementation
type Registry struct {
	connectors map[integration.ConnectorKind]integration.Connector
	transport  *Transport
	auth       *Authenticator
}

// NewRegistry creates a registry holding the given connectors
func NewRegistry(connectors ...integration.Connector) *Registry {
	r := &Registry{connectors: make(map[integration.ConnectorKind]integration.Connector, len(connectors))}
	for _, c := range connectors {
		r.Register(c)
	}
	return r
}

// NewDefaultRegistry wires the storefront, ERP and marketplace connectors over
// one shared transport
func NewDefaultRegistry(transport *Transport, auth *Authenticator) *Registry {
	r := NewRegistry(
		NewStorefrontConnector(transport, auth),
		NewERPConnector(transport, auth),
		NewMarketplaceConnector(transport, auth),
	)
	r.transport = transport
	r.auth = auth
	return r
}

// Register adds or replaces the connector of its kind
func (r *Registry) Register(c integration.Connector) {
	r.connectors[c.Kind()] = c
}

// Get returns the connector serving kind
func (r *Registry) Get(kind integration.ConnectorKind) (integration.Connector, error) {
	c, ok := r.connectors[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", integration.ErrConnectorNotFound, kind)
	}
	return c, nil
}

// Kinds returns the registered kinds in sorted order
func (r *Registry) Kinds() []integration.ConnectorKind {
	kinds := make([]integration.ConnectorKind, 0, len(r.connectors))
	for k := range r.connectors {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Release drops the per-connection state the connectors hold: the token bucket
// and any cached OAuth2 token.
func (r *Registry) Release(connectionID uuid.UUID) {
	if r.transport != nil {
		r.transport.Limiters().Remove(connectionID)
	}
	if r.auth != nil {
		r.auth.Forget(connectionID)
	}
}
