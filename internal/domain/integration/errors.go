package integration

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors
var (
	ErrConnectionNotFound      = errors.New("integration: connection not found")
	ErrConnectionInactive      = errors.New("integration: connection is inactive")
	ErrConnectionInvalidTenant = errors.New("integration: invalid tenant ID")
	ErrConnectionInvalidKind   = errors.New("integration: unsupported connector kind")
	ErrConnectionInvalidScheme = errors.New("integration: unsupported auth scheme")
	ErrConnectionInvalidURL    = errors.New("integration: endpoint must be an absolute http(s) URL")
	ErrConnectionInvalidName   = errors.New("integration: connection name cannot be empty")
	ErrConnectionInvalidRate   = errors.New("integration: rate limit must be positive")

	ErrCredentialsNotFound = errors.New("integration: credentials not found")
	ErrCredentialsInvalid  = errors.New("integration: credentials incomplete for auth scheme")

	ErrConnectorNotFound = errors.New("integration: no connector registered for kind")

	ErrMappingNotFound         = errors.New("integration: product mapping not found")
	ErrMappingInvalidExternal  = errors.New("integration: external ID cannot be empty")
	ErrMappingInvalidProductID = errors.New("integration: invalid internal product ID")
	ErrMappingInvalidMatchType = errors.New("integration: invalid match type")

	ErrInvalidOperation = errors.New("integration: invalid sync operation")
	ErrInvalidTrigger   = errors.New("integration: invalid sync trigger")
	ErrJobNotFound      = errors.New("integration: sync job not found")
	ErrQueueEmpty       = errors.New("integration: sync job queue is empty")
	ErrJobNotClaimable  = errors.New("integration: sync job already claimed")
	ErrJobFinished      = errors.New("integration: sync job already finished")

	ErrRunNotFound        = errors.New("integration: sync run not found")
	ErrRunAlreadyRecorded = errors.New("integration: sync run already recorded for job")
	ErrRunNotFinalized    = errors.New("integration: sync run is not finalized")
	ErrRunHasNoFailures   = errors.New("integration: sync run has no failed records")

	ErrLeaseHeld     = errors.New("integration: lease is held by another worker")
	ErrLeaseNotOwned = errors.New("integration: lease not owned by caller")

	ErrCatalogProductNotFound = errors.New("integration: catalog product not found")
)

// ---------------------------------------------------------------------------
// Error taxonomy
// ---------------------------------------------------------------------------

// TransientNetworkError is a timeout, refused connection or 5xx answer.
// The transport retries it with backoff.
type TransientNetworkError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientNetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("integration: transient failure during %s: HTTP %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("integration: transient failure during %s: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// RateLimitError is a 429 answer. RetryAfter is zero when the remote gave no hint.
type RateLimitError struct {
	Op         string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("integration: rate limited during %s, retry after %s", e.Op, e.RetryAfter)
	}
	return fmt.Sprintf("integration: rate limited during %s", e.Op)
}

// AuthenticationError means the remote rejected the credentials. It is terminal
// and marks the connection unhealthy.
type AuthenticationError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("integration: authentication failed during %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("integration: authentication failed during %s: HTTP %d", e.Op, e.StatusCode)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// SecurityError is a webhook signature or verification failure.
// Reason must never carry the expected signature.
type SecurityError struct {
	Reason string
}

func (e *SecurityError) Error() string {
	return "integration: security check failed: " + e.Reason
}

// MappingAmbiguityError means a matching strategy found more than one candidate.
type MappingAmbiguityError struct {
	ExternalID string
	Strategy   MatchType
	Candidates int
}

func (e *MappingAmbiguityError) Error() string {
	return fmt.Sprintf("integration: ambiguous %s match for external product %s (%d candidates)",
		e.Strategy, e.ExternalID, e.Candidates)
}

// DataValidationError is a malformed external payload. It fails one record only.
type DataValidationError struct {
	ExternalID string
	Field      string
	Reason     string
}

func (e *DataValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("integration: invalid external record %s: %s %s", e.ExternalID, e.Field, e.Reason)
	}
	return fmt.Sprintf("integration: invalid external record %s: %s", e.ExternalID, e.Reason)
}

// PermanentRequestError is a 4xx answer other than 401, 403 and 429.
type PermanentRequestError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *PermanentRequestError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("integration: %s rejected with HTTP %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("integration: %s rejected with HTTP %d", e.Op, e.StatusCode)
}

// RecordNotFoundError means the remote has no record with the requested ID
type RecordNotFoundError struct {
	Op         string
	ExternalID string
}

func (e *RecordNotFoundError) Error() string {
	return fmt.Sprintf("integration: external record %s not found during %s", e.ExternalID, e.Op)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var transient *TransientNetworkError
	var limited *RateLimitError
	return errors.As(err, &transient) || errors.As(err, &limited)
}

// IsConnectionLevel reports whether err concerns the whole connection rather than a
// single record: rejected credentials, or an unreachable remote after the retry budget.
func IsConnectionLevel(err error) bool {
	var auth *AuthenticationError
	var transient *TransientNetworkError
	return errors.As(err, &auth) || errors.As(err, &transient)
}

// FailureKindOf classifies err for ledger entries.
func FailureKindOf(err error) FailureKind {
	var (
		transient  *TransientNetworkError
		limited    *RateLimitError
		auth       *AuthenticationError
		security   *SecurityError
		ambiguity  *MappingAmbiguityError
		validation *DataValidationError
		notFound   *RecordNotFoundError
		rejected   *PermanentRequestError
	)
	switch {
	case errors.As(err, &limited):
		return FailureKindRateLimited
	case errors.As(err, &transient):
		return FailureKindTransient
	case errors.As(err, &auth):
		return FailureKindAuthentication
	case errors.As(err, &security):
		return FailureKindSecurity
	case errors.As(err, &ambiguity):
		return FailureKindAmbiguous
	case errors.As(err, &validation):
		return FailureKindValidation
	case errors.As(err, &notFound):
		return FailureKindNotFound
	case errors.As(err, &rejected):
		return FailureKindRejected
	default:
		return FailureKindInternal
	}
}
