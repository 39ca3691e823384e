package integration

import (
	"time"

	"github.com/google/uuid"
)

const redactedSecret = "****"

// Credentials is the authentication material of one connection. It is a value
// object: readers hold a copy, rotation replaces the whole value.
type Credentials struct {
	ConnectionID uuid.UUID
	Scheme       AuthScheme

	// Bearer
	Token string

	// OAuth2 client credentials
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string

	// HTTP Basic
	Username string
	Password string

	// WebhookSecret signs inbound notifications
	WebhookSecret string

	// Version increases on every rotation
	Version   int
	RotatedAt time.Time
}

// Validate checks that the fields required by the scheme are present
func (c Credentials) Validate() error {
	switch c.Scheme {
	case AuthSchemeBearer:
		if c.Token == "" {
			return ErrCredentialsInvalid
		}
	case AuthSchemeOAuth2:
		if c.ClientID == "" || c.ClientSecret == "" || c.TokenURL == "" {
			return ErrCredentialsInvalid
		}
	case AuthSchemeBasic:
		if c.Username == "" || c.Password == "" {
			return ErrCredentialsInvalid
		}
	default:
		return ErrConnectionInvalidScheme
	}
	return nil
}

// Clone returns a deep copy
func (c Credentials) Clone() Credentials {
	out := c
	if c.Scopes != nil {
		out.Scopes = append([]string(nil), c.Scopes...)
	}
	return out
}

// Redacted returns a copy safe for logs and API responses
func (c Credentials) Redacted() Credentials {
	out := c.Clone()
	out.Token = mask(c.Token)
	out.ClientSecret = mask(c.ClientSecret)
	out.Password = mask(c.Password)
	out.WebhookSecret = mask(c.WebhookSecret)
	return out
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return redactedSecret
}
