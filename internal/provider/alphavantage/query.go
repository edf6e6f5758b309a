package alphavantage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrRateLimited is returned for HTTP 429 and for the "Note"/"Information"
	// bodies Alpha Vantage sends with status 200 when the quota is exhausted.
	ErrRateLimited = errors.New("rate limited")
	// ErrInvalidCall is returned for "Error Message" bodies, which Alpha
	// Vantage uses for unknown symbols and bad parameters.
	ErrInvalidCall = errors.New("invalid API call")
	// ErrUnauthorized is returned for HTTP 401/403.
	ErrUnauthorized = errors.New("unauthorized")
)

// StatusError carries an unexpected HTTP status.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string { return fmt.Sprintf("unexpected status code: %d", e.StatusCode) }

// call fetches one function from /query and returns the decoded JSON
// object, mapping quota and error bodies to sentinel errors.
func (c *Client) call(ctx context.Context, function string, args url.Values, opts ...ClientOption) (map[string]any, error) {
	cc := c.withCall(opts)

	query := maps.Clone(cc.params)
	if query == nil {
		query = url.Values{}
	}
	query.Set("function", function)
	for k, vs := range args {
		for _, v := range vs {
			query.Add(k, v)
		}
	}

	target := cc.endpoint + "/query?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header = cc.header

	res, err := cc.doer.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		break

	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrUnauthorized

	case http.StatusTooManyRequests:
		return nil, ErrRateLimited

	default:
		return nil, &StatusError{StatusCode: res.StatusCode}
	}

	var body map[string]any
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", function, err)
	}

	if msg, ok := body["Error Message"].(string); ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCall, msg)
	}
	for _, key := range []string{"Note", "Information"} {
		if msg, ok := body[key].(string); ok && len(body) == 1 {
			return nil, fmt.Errorf("%w: %s", ErrRateLimited, msg)
		}
	}
	return body, nil
}

// parseNullableValue is a helper function to parse a nullable value.
func parseNullableValue[T any](data map[string]any, key string) (*T, error) {
	v, ok := data[key]
	if !ok || v == nil {
		return nil, nil
	}
	if v, ok := v.(T); ok {
		return &v, nil
	}
	return nil, fmt.Errorf("unexpected type for %q: %T", key, v)
}

// Alpha Vantage encodes every number as a string and uses "None", "-" or ""
// for missing values.
func isMissing(s string) bool {
	switch strings.TrimSpace(s) {
	case "", "None", "-", "null", "NaN":
		return true
	}
	return false
}

func parseDecimal(data map[string]any, key string) (*decimal.Decimal, error) {
	s, err := parseNullableValue[string](data, key)
	if err != nil || s == nil || isMissing(*s) {
		return nil, err
	}
	d, err := decimal.NewFromString(strings.TrimSpace(*s))
	if err != nil {
		return nil, fmt.Errorf("decoding %q: %w", key, err)
	}
	return &d, nil
}

func parseFloat(data map[string]any, key string) (*float64, error) {
	s, err := parseNullableValue[string](data, key)
	if err != nil || s == nil || isMissing(*s) {
		return nil, err
	}
	f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(*s), "%"), 64)
	if err != nil {
		return nil, fmt.Errorf("decoding %q: %w", key, err)
	}
	return &f, nil
}

func parseInt(data map[string]any, key string) (*int64, error) {
	s, err := parseNullableValue[string](data, key)
	if err != nil || s == nil || isMissing(*s) {
		return nil, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(*s), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decoding %q: %w", key, err)
	}
	return &n, nil
}

func parseString(data map[string]any, key string) string {
	s, _ := parseNullableValue[string](data, key)
	if s == nil || isMissing(*s) {
		return ""
	}
	return *s
}
