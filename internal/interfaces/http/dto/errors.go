package dto

import "net/http"

// Error codes returned in ErrorInfo.Code. Clients branch on these, never on messages.
const (
	ErrCodeInternal    = "ERR_INTERNAL"
	ErrCodeUnavailable = "ERR_UNAVAILABLE"

	ErrCodeBadRequest      = "ERR_BAD_REQUEST"
	ErrCodeInvalidInput    = "ERR_INVALID_INPUT"
	ErrCodeValidation      = "ERR_VALIDATION"
	ErrCodeRequestTooLarge = "ERR_REQUEST_TOO_LARGE"

	ErrCodeUnauthorized     = "ERR_UNAUTHORIZED"
	ErrCodeTokenExpired     = "ERR_TOKEN_EXPIRED"
	ErrCodeTokenInvalid     = "ERR_TOKEN_INVALID"
	ErrCodeSignatureInvalid = "ERR_SIGNATURE_INVALID"

	ErrCodeNotFound = "ERR_NOT_FOUND"
	ErrCodeConflict = "ERR_CONFLICT"

	// ErrCodeInvalidState rejects an operation the resource's lifecycle does not allow,
	// e.g. cancelling a finished job.
	ErrCodeInvalidState       = "ERR_INVALID_STATE"
	ErrCodeConnectionInactive = "ERR_CONNECTION_INACTIVE"
	// ErrCodeUpstream reports that the marketplace or ERP refused the request
	ErrCodeUpstream = "ERR_UPSTREAM"

	ErrCodeRateLimited = "ERR_RATE_LIMITED"
)

// ErrorCodeHTTPStatus maps each error code to its response status
var ErrorCodeHTTPStatus = map[string]int{
	ErrCodeInternal:    http.StatusInternalServerError,
	ErrCodeUnavailable: http.StatusServiceUnavailable,

	ErrCodeBadRequest:      http.StatusBadRequest,
	ErrCodeInvalidInput:    http.StatusBadRequest,
	ErrCodeValidation:      http.StatusBadRequest,
	ErrCodeRequestTooLarge: http.StatusRequestEntityTooLarge,

	ErrCodeUnauthorized:     http.StatusUnauthorized,
	ErrCodeTokenExpired:     http.StatusUnauthorized,
	ErrCodeTokenInvalid:     http.StatusUnauthorized,
	ErrCodeSignatureInvalid: http.StatusUnauthorized,

	ErrCodeNotFound: http.StatusNotFound,
	ErrCodeConflict: http.StatusConflict,

	ErrCodeInvalidState:       http.StatusUnprocessableEntity,
	ErrCodeConnectionInactive: http.StatusUnprocessableEntity,
	ErrCodeUpstream:           http.StatusBadGateway,

	ErrCodeRateLimited: http.StatusTooManyRequests,
}

// GetHTTPStatus returns the status for code, 500 for unknown codes
func GetHTTPStatus(code string) int {
	if status, ok := ErrorCodeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Retryable reports whether a client may repeat the same request later
func Retryable(code string) bool {
	switch code {
	case ErrCodeUnavailable, ErrCodeRateLimited, ErrCodeUpstream, ErrCodeInternal:
		return true
	}
	return false
}
