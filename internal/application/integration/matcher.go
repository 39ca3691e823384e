package integration

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/erp/marketsync/internal/domain/integration"
)

// MatchResult is the outcome of matching one external product
type MatchResult struct {
	Mapping *integration.ProductMapping
	Matched bool
	// Ambiguous is set when a strategy found conflicting candidates
	Ambiguous bool
	Reason    string
}

// productLockStripes is the number of mutexes shared by all internal products
const productLockStripes = 64

// Matcher resolves external products to internal catalog products. Strategies
// run in a fixed order and stop at the first hit: SKU, barcode, normalized
// name, then an existing manual mapping. It is the only writer of mappings.
type Matcher struct {
	mappings integration.ProductMappingRepository
	catalog  integration.CatalogReader
	logger   *zap.Logger

	// productLocks serializes the uniqueness check and write per internal product
	productLocks [productLockStripes]sync.Mutex
}

// NewMatcher creates a matcher
func NewMatcher(mappings integration.ProductMappingRepository, catalog integration.CatalogReader, logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{mappings: mappings, catalog: catalog, logger: logger}
}

type strategy struct {
	matchType integration.MatchType
	value     string
	lookup    func(ctx context.Context, tenantID uuid.UUID, value string) ([]integration.CatalogProduct, error)
}

func (m *Matcher) strategies(product integration.ExternalProduct) []strategy {
	return []strategy{
		{integration.MatchTypeSKU, product.SKU, m.catalog.FindBySKU},
		{integration.MatchTypeBarcode, product.Barcode, m.catalog.FindByBarcode},
		{integration.MatchTypeName, integration.NormalizeName(product.Name), m.catalog.FindByNormalizedName},
	}
}

// Match resolves one external product and persists the resulting mapping
func (m *Matcher) Match(ctx context.Context, conn *integration.Connection, product integration.ExternalProduct) (*MatchResult, error) {
	if product.ExternalID == "" {
		return nil, integration.ErrMappingInvalidExternal
	}

	existing, err := m.mappings.FindByExternalID(ctx, conn.ID, product.ExternalID)
	if err != nil && !errors.Is(err, integration.ErrMappingNotFound) {
		return nil, fmt.Errorf("load mapping: %w", err)
	}

	if existing != nil {
		switch {
		case existing.MatchType == integration.MatchTypeManual && existing.IsMapped():
			return m.reviewManual(ctx, conn, existing, product)
		case existing.MatchType == integration.MatchTypeUnmapped && !existing.SignalsChanged(product):
			return &MatchResult{Mapping: existing, Reason: "no internal product matches"}, nil
		case existing.IsMapped() && existing.IsActive && !existing.SignalsChanged(product):
			return &MatchResult{Mapping: existing, Matched: true}, nil
		}
	}

	candidate, matchType, ambiguity, err := m.resolve(ctx, conn.TenantID, product)
	if err != nil {
		return nil, err
	}

	mapping := existing
	if mapping == nil {
		if mapping, err = integration.NewProductMapping(conn, product); err != nil {
			return nil, err
		}
	}
	mapping.Observe(product)

	if candidate == nil {
		return m.writeUnmapped(ctx, mapping, ambiguity)
	}

	unlock := m.lockProduct(candidate.ID)
	defer unlock()

	other, err := m.mappings.FindActiveByProductID(ctx, conn.ID, candidate.ID)
	if err != nil && !errors.Is(err, integration.ErrMappingNotFound) {
		return nil, fmt.Errorf("check product uniqueness: %w", err)
	}
	if other != nil && other.ExternalID != product.ExternalID {
		return m.writeUnmapped(ctx, mapping, &integration.MappingAmbiguityError{
			ExternalID: product.ExternalID,
			Strategy:   matchType,
			Candidates: 2,
		})
	}

	if err := mapping.Promote(candidate.ID, matchType); err != nil {
		return nil, err
	}
	if err := m.mappings.Save(ctx, mapping); err != nil {
		return nil, fmt.Errorf("save mapping: %w", err)
	}
	return &MatchResult{Mapping: mapping, Matched: true}, nil
}

// resolve runs the strategies in priority order and stops at the first hit
func (m *Matcher) resolve(ctx context.Context, tenantID uuid.UUID, product integration.ExternalProduct) (*integration.CatalogProduct, integration.MatchType, *integration.MappingAmbiguityError, error) {
	for _, s := range m.strategies(product) {
		if s.value == "" {
			continue
		}
		candidates, err := s.lookup(ctx, tenantID, s.value)
		if err != nil {
			return nil, "", nil, fmt.Errorf("%s lookup: %w", s.matchType, err)
		}
		switch len(candidates) {
		case 0:
			continue
		case 1:
			return &candidates[0], s.matchType, nil, nil
		default:
			return nil, s.matchType, &integration.MappingAmbiguityError{
				ExternalID: product.ExternalID,
				Strategy:   s.matchType,
				Candidates: len(candidates),
			}, nil
		}
	}
	return nil, "", nil, nil
}

func (m *Matcher) writeUnmapped(ctx context.Context, mapping *integration.ProductMapping, ambiguity *integration.MappingAmbiguityError) (*MatchResult, error) {
	mapping.MarkUnmapped()
	if err := m.mappings.Save(ctx, mapping); err != nil {
		return nil, fmt.Errorf("save mapping: %w", err)
	}
	result := &MatchResult{Mapping: mapping, Reason: "no internal product matches"}
	if ambiguity != nil {
		m.logger.Warn("Ambiguous product match",
			zap.String("connection_id", mapping.ConnectionID.String()),
			zap.String("external_id", mapping.ExternalID),
			zap.String("strategy", string(ambiguity.Strategy)),
			zap.Int("candidates", ambiguity.Candidates),
		)
		result.Ambiguous = true
		result.Reason = ambiguity.Error()
	}
	return result, nil
}

// reviewManual re-runs the strategies that rank above a manual mapping. A
// unique hit on another product supersedes the manual link. Without one, or
// when that product is already mapped elsewhere, the manual link stands.
func (m *Matcher) reviewManual(ctx context.Context, conn *integration.Connection, mapping *integration.ProductMapping, product integration.ExternalProduct) (*MatchResult, error) {
	changed := mapping.SignalsChanged(product)
	candidate, matchType, _, err := m.resolve(ctx, conn.TenantID, product)
	if err != nil {
		return nil, err
	}
	if candidate == nil || candidate.ID == *mapping.InternalProductID {
		return m.keepManual(ctx, mapping, product, changed)
	}

	unlock := m.lockProduct(candidate.ID)
	defer unlock()

	fields := []zap.Field{
		zap.String("connection_id", conn.ID.String()),
		zap.String("external_id", product.ExternalID),
		zap.String("strategy", string(matchType)),
		zap.String("manual_product_id", mapping.InternalProductID.String()),
		zap.String("candidate_product_id", candidate.ID.String()),
	}
	other, err := m.mappings.FindActiveByProductID(ctx, conn.ID, candidate.ID)
	if err != nil && !errors.Is(err, integration.ErrMappingNotFound) {
		return nil, fmt.Errorf("check product uniqueness: %w", err)
	}
	if other != nil && other.ExternalID != product.ExternalID {
		m.logger.Warn("Manual mapping kept, matched product is linked elsewhere",
			append(fields, zap.String("linked_external_id", other.ExternalID))...)
		return m.keepManual(ctx, mapping, product, changed)
	}

	m.logger.Warn("Manual mapping superseded by automatic match", fields...)
	mapping.Observe(product)
	if err := mapping.Promote(candidate.ID, matchType); err != nil {
		return nil, err
	}
	if err := m.mappings.Save(ctx, mapping); err != nil {
		return nil, fmt.Errorf("save mapping: %w", err)
	}
	return &MatchResult{
		Mapping: mapping,
		Matched: true,
		Reason:  fmt.Sprintf("%s match superseded manual mapping", matchType),
	}, nil
}

func (m *Matcher) keepManual(ctx context.Context, mapping *integration.ProductMapping, product integration.ExternalProduct, changed bool) (*MatchResult, error) {
	if changed {
		mapping.Observe(product)
		if err := m.mappings.Save(ctx, mapping); err != nil {
			return nil, fmt.Errorf("save mapping: %w", err)
		}
	}
	return &MatchResult{Mapping: mapping, Matched: true}, nil
}

// ResolveManually links an external record to an internal product as a human
// decision. Another active mapping of the same product on the connection is
// demoted to unmapped first.
func (m *Matcher) ResolveManually(ctx context.Context, conn *integration.Connection, externalID string, productID uuid.UUID) (*integration.ProductMapping, error) {
	if externalID == "" {
		return nil, integration.ErrMappingInvalidExternal
	}
	if _, err := m.catalog.FindByID(ctx, conn.TenantID, productID); err != nil {
		return nil, err
	}

	unlock := m.lockProduct(productID)
	defer unlock()

	mapping, err := m.mappings.FindByExternalID(ctx, conn.ID, externalID)
	switch {
	case errors.Is(err, integration.ErrMappingNotFound):
		if mapping, err = integration.NewProductMapping(conn, integration.ExternalProduct{ExternalID: externalID}); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("load mapping: %w", err)
	}

	other, err := m.mappings.FindActiveByProductID(ctx, conn.ID, productID)
	if err != nil && !errors.Is(err, integration.ErrMappingNotFound) {
		return nil, fmt.Errorf("check product uniqueness: %w", err)
	}
	if other != nil && other.ExternalID != externalID {
		other.MarkUnmapped()
		if err := m.mappings.Save(ctx, other); err != nil {
			return nil, fmt.Errorf("demote mapping: %w", err)
		}
		m.logger.Info("Demoted mapping replaced by manual resolution",
			zap.String("connection_id", conn.ID.String()),
			zap.String("external_id", other.ExternalID),
			zap.String("product_id", productID.String()),
		)
	}

	if err := mapping.Promote(productID, integration.MatchTypeManual); err != nil {
		return nil, err
	}
	if err := m.mappings.Save(ctx, mapping); err != nil {
		return nil, fmt.Errorf("save mapping: %w", err)
	}
	return mapping, nil
}

// Touch stamps a successful propagation on a mapping
func (m *Matcher) Touch(ctx context.Context, mapping *integration.ProductMapping, at time.Time) error {
	mapping.Touch(at)
	return m.mappings.Save(ctx, mapping)
}

func (m *Matcher) lockProduct(productID uuid.UUID) func() {
	mu := &m.productLocks[binary.BigEndian.Uint32(productID[12:])%productLockStripes]
	mu.Lock()
	return mu.Unlock
}
