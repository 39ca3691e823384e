package ecommerce

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/erp/marketsync/internal/domain/integration"
)

const tokenRequestTimeout = 15 * time.Second

// Authenticator turns a credential snapshot into an Authorizer. OAuth2 tokens
// are cached per connection and credential version, so a rotation drops the
// old token on the next call.
type Authenticator struct {
	httpClient *http.Client
	tokens     sync.Map // uuid.UUID -> *tokenEntry
}

type tokenEntry struct {
	version int
	source  oauth2.TokenSource
}

// NewAuthenticator creates an authenticator. A nil client uses a default one.
func NewAuthenticator(httpClient *http.Client) *Authenticator {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: tokenRequestTimeout}
	}
	return &Authenticator{httpClient: httpClient}
}

// For returns the Authorizer matching the credentials' scheme
func (a *Authenticator) For(conn *integration.Connection, creds integration.Credentials) Authorizer {
	switch creds.Scheme {
	case integration.AuthSchemeBearer:
		token := creds.Token
		return func(_ context.Context, r *resty.Request) error {
			r.SetAuthToken(token)
			return nil
		}
	case integration.AuthSchemeBasic:
		username, password := creds.Username, creds.Password
		return func(_ context.Context, r *resty.Request) error {
			r.SetBasicAuth(username, password)
			return nil
		}
	case integration.AuthSchemeOAuth2:
		source := a.tokenSource(conn.ID, creds)
		return func(_ context.Context, r *resty.Request) error {
			token, err := source.Token()
			if err != nil {
				return tokenError(err)
			}
			r.SetAuthToken(token.AccessToken)
			return nil
		}
	default:
		return func(context.Context, *resty.Request) error {
			return &integration.AuthenticationError{Op: "authorize", Err: integration.ErrConnectionInvalidScheme}
		}
	}
}

func (a *Authenticator) tokenSource(connectionID uuid.UUID, creds integration.Credentials) oauth2.TokenSource {
	if v, ok := a.tokens.Load(connectionID); ok {
		entry := v.(*tokenEntry)
		if entry.version == creds.Version {
			return entry.source
		}
	}

	cfg := clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     creds.TokenURL,
		Scopes:       append([]string(nil), creds.Scopes...),
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	// The token source outlives any single call, so it gets its own context.
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, a.httpClient)
	entry := &tokenEntry{version: creds.Version, source: cfg.TokenSource(ctx)}
	a.tokens.Store(connectionID, entry)
	return entry.source
}

// Forget drops the cached token of a connection
func (a *Authenticator) Forget(connectionID uuid.UUID) {
	a.tokens.Delete(connectionID)
}

func tokenError(err error) error {
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		if retrieve.Response != nil && retrieve.Response.StatusCode >= 500 {
			return &integration.TransientNetworkError{Op: "oauth2.token", StatusCode: retrieve.Response.StatusCode, Err: err}
		}
		status := 0
		if retrieve.Response != nil {
			status = retrieve.Response.StatusCode
		}
		return &integration.AuthenticationError{Op: "oauth2.token", StatusCode: status, Err: err}
	}
	return &integration.TransientNetworkError{Op: "oauth2.token", Err: err}
}
