package ecommerce

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/erp/marketsync/internal/domain/integration"
)

// flexID accepts identifiers sent either as JSON strings or numbers
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

func (f flexID) String() string {
	return string(f)
}

func flexIDs(ids []flexID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, string(id))
		}
	}
	return out
}

// parseTimestamp reads RFC 3339 timestamps; anything else yields the zero time
func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

// itemResult converts the error of a single-item push. Record-level outcomes
// become results; connection-level errors are returned for the caller to stop on.
func itemResult(externalID string, err error) (integration.ItemResult, error) {
	if err == nil {
		return integration.Succeeded(externalID), nil
	}
	var (
		limited  *integration.RateLimitError
		rejected *integration.PermanentRequestError
	)
	switch {
	case errors.As(err, &limited):
		return integration.RateLimited(externalID), nil
	case errors.As(err, &rejected):
		reason := rejected.Message
		if reason == "" {
			reason = rejected.Error()
		}
		return integration.Rejected(externalID, reason), nil
	default:
		return integration.ItemResult{}, err
	}
}

// lookupError turns the 404 of a get-by-ID call into *RecordNotFoundError
func lookupError(op, externalID string, err error) error {
	var rejected *integration.PermanentRequestError
	if errors.As(err, &rejected) && rejected.StatusCode == http.StatusNotFound {
		return &integration.RecordNotFoundError{Op: op, ExternalID: externalID}
	}
	return err
}

// batchFailure applies a failed batch call to every item of the batch
func batchFailure(externalIDs []string, err error) ([]integration.ItemResult, error) {
	results := make([]integration.ItemResult, 0, len(externalIDs))
	for _, id := range externalIDs {
		r, cerr := itemResult(id, err)
		if cerr != nil {
			return nil, cerr
		}
		results = append(results, r)
	}
	return results, nil
}

// chunk splits n items into index ranges of at most size
func chunk(n, size int) [][2]int {
	if size <= 0 {
		size = n
	}
	ranges := make([][2]int, 0, (n+size-1)/max(size, 1))
	for start := 0; start < n; start += size {
		end := min(start+size, n)
		ranges = append(ranges, [2]int{start, end})
	}
	return ranges
}

// validateExternalID rejects identifiers that cannot be sent to a remote API
func validateExternalID(id string) error {
	if strings.TrimSpace(id) == "" {
		return &integration.DataValidationError{ExternalID: id, Field: "external_id", Reason: "is empty"}
	}
	if strings.ContainsAny(id, "/?#") {
		return &integration.DataValidationError{ExternalID: id, Field: "external_id", Reason: "contains reserved characters"}
	}
	return nil
}

// firstNonEmpty returns the first non-blank value
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
