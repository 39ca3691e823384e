package integration

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/erp/marketsync/internal/domain/integration"
)

// ConnectionService manages the lifecycle of connections
type ConnectionService struct {
	connections integration.ConnectionRepository
	credentials *CredentialStore
	connectors  integration.ConnectorResolver
	runtime     RunController
	logger      *zap.Logger
}

// NewConnectionService creates a connection service
func NewConnectionService(
	connections integration.ConnectionRepository,
	credentials *CredentialStore,
	connectors integration.ConnectorResolver,
	runtime RunController,
	logger *zap.Logger,
) *ConnectionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectionService{
		connections: connections,
		credentials: credentials,
		connectors:  connectors,
		runtime:     runtime,
		logger:      logger,
	}
}

// Create sets up a connection and stores its first credentials
func (s *ConnectionService) Create(ctx context.Context, tenantID uuid.UUID, req CreateConnectionRequest) (*ConnectionResponse, error) {
	if _, err := s.connectors.Get(req.Kind); err != nil {
		return nil, err
	}
	conn, err := integration.NewConnection(tenantID, req.Kind, req.Name, req.Endpoint, req.APIVersion)
	if err != nil {
		return nil, err
	}
	if req.RateLimitPerSecond > 0 || req.RateLimitBurst > 0 {
		perSecond, burst := conn.RateLimitPerSecond, conn.RateLimitBurst
		if req.RateLimitPerSecond > 0 {
			perSecond = req.RateLimitPerSecond
		}
		if req.RateLimitBurst > 0 {
			burst = req.RateLimitBurst
		}
		if err := conn.SetRateLimit(perSecond, burst); err != nil {
			return nil, err
		}
	}

	creds := req.Credentials.ToCredentials(conn.ID, conn.AuthScheme)
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	conn.AuthScheme = creds.Scheme

	if err := s.connections.Save(ctx, conn); err != nil {
		return nil, fmt.Errorf("save connection: %w", err)
	}
	if err := s.credentials.Put(ctx, creds); err != nil {
		return nil, err
	}

	s.logger.Info("Connection created",
		zap.String("connection_id", conn.ID.String()),
		zap.String("tenant_id", tenantID.String()),
		zap.String("kind", string(conn.Kind)),
		zap.Any("credentials", creds.Redacted()),
	)
	resp := ToConnectionResponse(conn)
	return &resp, nil
}

// RotateCredentials replaces the credentials of a connection. Syncs already
// running keep the snapshot they started with.
func (s *ConnectionService) RotateCredentials(ctx context.Context, tenantID, connectionID uuid.UUID, req CredentialsRequest) (*CredentialsResponse, error) {
	conn, err := s.connections.FindByIDForTenant(ctx, tenantID, connectionID)
	if err != nil {
		return nil, err
	}
	creds, err := s.credentials.Rotate(ctx, conn, req.ToCredentials(conn.ID, conn.AuthScheme))
	if err != nil {
		return nil, err
	}
	resp := ToCredentialsResponse(creds)
	return &resp, nil
}

// CheckHealth performs a cheap authenticated call and records the outcome
func (s *ConnectionService) CheckHealth(ctx context.Context, tenantID, connectionID uuid.UUID) (*HealthCheckResponse, error) {
	conn, err := s.connections.FindByIDForTenant(ctx, tenantID, connectionID)
	if err != nil {
		return nil, err
	}
	return s.check(ctx, conn)
}

// CheckAll runs a health check on every active connection
func (s *ConnectionService) CheckAll(ctx context.Context) error {
	conns, err := s.connections.FindActive(ctx)
	if err != nil {
		return err
	}
	unhealthy := 0
	for i := range conns {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		resp, err := s.check(ctx, &conns[i])
		if err != nil {
			s.logger.Error("Health check could not run",
				zap.String("connection_id", conns[i].ID.String()),
				zap.Error(err),
			)
			continue
		}
		if !resp.IsConnected {
			unhealthy++
		}
	}
	s.logger.Info("Health checks finished", zap.Int("connections", len(conns)), zap.Int("unhealthy", unhealthy))
	return nil
}

func (s *ConnectionService) check(ctx context.Context, conn *integration.Connection) (*HealthCheckResponse, error) {
	if !conn.IsActive {
		return nil, integration.ErrConnectionInactive
	}
	connector, err := s.connectors.Get(conn.Kind)
	if err != nil {
		return nil, err
	}
	creds, err := s.credentials.Get(ctx, conn.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var health integration.ConnectionHealth
	checkErr := connector.CheckHealth(ctx, conn, creds)
	if checkErr != nil {
		health = conn.MarkUnhealthy(checkErr.Error(), now)
		health.CheckedAt = &now
		conn.LastHealthCheckAt = &now
		s.logger.Warn("Connection unhealthy",
			zap.String("connection_id", conn.ID.String()),
			zap.String("failure_kind", string(integration.FailureKindOf(checkErr))),
			zap.Error(checkErr),
		)
	} else {
		health = conn.MarkHealthy(now)
	}
	// A deactivation that raced the check wins; only health columns are written.
	if err := s.connections.UpdateHealth(ctx, conn.ID, health); err != nil {
		return nil, fmt.Errorf("save connection: %w", err)
	}

	resp := &HealthCheckResponse{ConnectionID: conn.ID, IsConnected: conn.IsConnected, CheckedAt: now}
	if checkErr != nil {
		resp.Error = checkErr.Error()
	}
	return resp, nil
}

// Deactivate disables a connection and tears down its runtime state. The
// connection and its history stay in storage.
func (s *ConnectionService) Deactivate(ctx context.Context, tenantID, connectionID uuid.UUID) (*ConnectionResponse, error) {
	conn, err := s.connections.FindByIDForTenant(ctx, tenantID, connectionID)
	if err != nil {
		return nil, err
	}
	if conn.IsActive {
		conn.Deactivate()
		if err := s.connections.UpdateActivation(ctx, conn.ID, false, conn.UpdatedAt); err != nil {
			return nil, fmt.Errorf("save connection: %w", err)
		}
	}
	if s.runtime != nil {
		if err := s.runtime.Teardown(ctx, conn.ID); err != nil {
			s.logger.Error("Connection teardown incomplete",
				zap.String("connection_id", conn.ID.String()),
				zap.Error(err),
			)
		}
	}
	s.credentials.Evict(conn.ID)

	s.logger.Info("Connection deactivated", zap.String("connection_id", conn.ID.String()))
	resp := ToConnectionResponse(conn)
	return &resp, nil
}
