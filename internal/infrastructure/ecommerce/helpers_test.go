package ecommerce

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/erp/marketsync/internal/domain/integration"
)

// newTestTransport returns a transport with millisecond backoff so retry
// tests stay fast
func newTestTransport(t *testing.T) *Transport {
	t.Helper()
	transport, err := NewTransport(&TransportConfig{
		Timeout:             5 * time.Second,
		MaxAttempts:         5,
		InitialInterval:     time.Millisecond,
		MaxInterval:         5 * time.Millisecond,
		RandomizationFactor: 0.1,
	}, NewLimiterRegistry(), nil)
	require.NoError(t, err)
	return transport
}

// newTestConnection returns a connection to endpoint with a limiter loose
// enough not to matter
func newTestConnection(t *testing.T, kind integration.ConnectorKind, endpoint string) *integration.Connection {
	t.Helper()
	conn, err := integration.NewConnection(uuid.New(), kind, "Test "+kind.DisplayName(), endpoint, "")
	require.NoError(t, err)
	require.NoError(t, conn.SetRateLimit(1000, 1000))
	return conn
}

func bearerCredentials(conn *integration.Connection) integration.Credentials {
	return integration.Credentials{
		ConnectionID:  conn.ID,
		Scheme:        integration.AuthSchemeBearer,
		Token:         "sf_test_token",
		WebhookSecret: "whsec_storefront",
		Version:       1,
	}
}

func basicCredentials(conn *integration.Connection) integration.Credentials {
	return integration.Credentials{
		ConnectionID:  conn.ID,
		Scheme:        integration.AuthSchemeBasic,
		Username:      "sync",
		Password:      "s3cret",
		WebhookSecret: "whsec_erp",
		Version:       1,
	}
}

func oauthCredentials(conn *integration.Connection, tokenURL string) integration.Credentials {
	return integration.Credentials{
		ConnectionID:  conn.ID,
		Scheme:        integration.AuthSchemeOAuth2,
		ClientID:      "client-1",
		ClientSecret:  "client-secret",
		TokenURL:      tokenURL,
		Scopes:        []string{"listings", "orders"},
		WebhookSecret: "whsec_marketplace",
		Version:       1,
	}
}
