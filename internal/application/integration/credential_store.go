package integration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/erp/marketsync/internal/domain/integration"
)

// CredentialStore holds the authentication material of every connection.
// Readers receive value snapshots; Rotate persists the new value and then swaps
// it in under the write lock, so a sync already holding a snapshot keeps using
// it until its next Get. Rotations of the store are serialized so every
// version is handed out once.
type CredentialStore struct {
	repo        integration.CredentialRepository
	connections integration.ConnectionRepository
	logger      *zap.Logger

	rotateMu  sync.Mutex
	mu        sync.RWMutex
	snapshots map[uuid.UUID]integration.Credentials
}

// NewCredentialStore creates a credential store
func NewCredentialStore(repo integration.CredentialRepository, connections integration.ConnectionRepository, logger *zap.Logger) *CredentialStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CredentialStore{
		repo:        repo,
		connections: connections,
		logger:      logger,
		snapshots:   make(map[uuid.UUID]integration.Credentials),
	}
}

// Load warms the store from persistence
func (s *CredentialStore) Load(ctx context.Context) error {
	all, err := s.repo.All(ctx)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range all {
		s.snapshots[c.ConnectionID] = c.Clone()
	}
	s.logger.Info("Credential store loaded", zap.Int("connections", len(all)))
	return nil
}

// Get returns the current credentials snapshot of a connection
func (s *CredentialStore) Get(ctx context.Context, connectionID uuid.UUID) (integration.Credentials, error) {
	s.mu.RLock()
	creds, ok := s.snapshots[connectionID]
	s.mu.RUnlock()
	if ok {
		return creds.Clone(), nil
	}

	loaded, err := s.repo.Get(ctx, connectionID)
	if err != nil {
		return integration.Credentials{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// A concurrent Rotate may have won the race; keep the newer value.
	if current, ok := s.snapshots[connectionID]; ok && current.Version >= loaded.Version {
		return current.Clone(), nil
	}
	s.snapshots[connectionID] = loaded.Clone()
	return loaded.Clone(), nil
}

// Put stores the initial credentials of a new connection
func (s *CredentialStore) Put(ctx context.Context, creds integration.Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}
	next := creds.Clone()
	if next.Version < 1 {
		next.Version = 1
	}
	if next.RotatedAt.IsZero() {
		next.RotatedAt = time.Now()
	}
	if err := s.repo.Put(ctx, next); err != nil {
		return fmt.Errorf("store credentials: %w", err)
	}
	s.mu.Lock()
	s.snapshots[next.ConnectionID] = next
	s.mu.Unlock()
	return nil
}

// Rotate replaces the credentials of a connection and stamps the rotation on it
func (s *CredentialStore) Rotate(ctx context.Context, conn *integration.Connection, creds integration.Credentials) (integration.Credentials, error) {
	creds.ConnectionID = conn.ID
	if creds.Scheme == "" {
		creds.Scheme = conn.AuthScheme
	}
	if err := creds.Validate(); err != nil {
		return integration.Credentials{}, err
	}

	s.rotateMu.Lock()
	defer s.rotateMu.Unlock()

	current, err := s.Get(ctx, conn.ID)
	if err != nil && !errors.Is(err, integration.ErrCredentialsNotFound) {
		return integration.Credentials{}, err
	}

	now := time.Now()
	next := creds.Clone()
	next.Version = current.Version + 1
	next.RotatedAt = now
	if err := s.repo.Put(ctx, next); err != nil {
		return integration.Credentials{}, fmt.Errorf("store credentials: %w", err)
	}

	s.mu.Lock()
	s.snapshots[conn.ID] = next
	s.mu.Unlock()

	conn.AuthScheme = next.Scheme
	conn.RecordCredentialRotation(now)
	if err := s.connections.UpdateCredentialState(ctx, conn.ID, next.Scheme, now); err != nil {
		return integration.Credentials{}, fmt.Errorf("save connection: %w", err)
	}

	s.logger.Info("Credentials rotated",
		zap.String("connection_id", conn.ID.String()),
		zap.Int("version", next.Version),
		zap.String("scheme", string(next.Scheme)),
	)
	return next.Clone(), nil
}

// Evict drops the cached snapshot of a connection
func (s *CredentialStore) Evict(connectionID uuid.UUID) {
	s.mu.Lock()
	delete(s.snapshots, connectionID)
	s.mu.Unlock()
}
