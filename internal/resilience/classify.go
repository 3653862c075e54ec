package resilience

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/sells-group/explain-cli/internal/model"
)

// unknownMessageLimit bounds the raw message embedded in an unknown error.
const unknownMessageLimit = 100

type categoryRule struct {
	category model.Category
	patterns []string
}

// categoryRules is evaluated in order; the first match wins.
var categoryRules = []categoryRule{
	{model.CategoryAuth, []string{
		"api key", "api_key", "apikey", "unauthorized", "authentication",
		"invalid key", "credential", "forbidden", "401", "403",
	}},
	{model.CategoryQuota, []string{
		"429", "rate limit", "rate_limit", "ratelimit", "too many requests", "quota",
	}},
	{model.CategoryTimeout, []string{
		"timeout", "timed out", "deadline exceeded",
	}},
	{model.CategoryNetwork, []string{
		"network", "failed to fetch", "connection", "econnrefused", "no such host",
		"unreachable", "circuit breaker",
	}},
	{model.CategoryParse, []string{
		"parse", "validation", "invalid json", "unexpected token", "malformed", "unmarshal",
	}},
}

type categoryCopy struct {
	title        string
	message      string
	suggestion   string
	remediations []string
}

var copyByCategory = map[model.Category]categoryCopy{
	model.CategoryAuth: {
		title:      "Authentication failed",
		message:    "The analysis service rejected the configured credentials.",
		suggestion: "Check the API key in your configuration.",
		remediations: []string{
			"Verify the API key is set and has not expired.",
			"Confirm the key belongs to the selected provider.",
		},
	},
	model.CategoryQuota: {
		title:      "Rate limit reached",
		message:    "Too many requests were sent to the analysis service.",
		suggestion: "Wait a minute and try again.",
		remediations: []string{
			"Retry after a short pause.",
			"Check your plan's usage limits.",
		},
	},
	model.CategoryTimeout: {
		title:      "Request timed out",
		message:    "The analysis took too long to respond.",
		suggestion: "Try again, or increase the timeout in your configuration.",
		remediations: []string{
			"Retry the analysis.",
			"Shorten the report or request a short comment.",
			"Raise backend.timeout_secs.",
		},
	},
	model.CategoryNetwork: {
		title:      "Connection problem",
		message:    "Could not reach the analysis service.",
		suggestion: "Check your network connection and try again.",
		remediations: []string{
			"Confirm the backend URL is reachable.",
			"Retry once the connection is restored.",
		},
	},
	model.CategoryParse: {
		title:      "Could not read the report",
		message:    "The report could not be parsed or the response failed validation.",
		suggestion: "Go back and check the imported report.",
		remediations: []string{
			"Re-import the report or pick a different file.",
			"Specify the test type explicitly.",
		},
	},
	model.CategoryUnknown: {
		title:      "Something went wrong",
		suggestion: "Go back and try again.",
		remediations: []string{
			"Go back and start the analysis again.",
		},
	},
}

// Classify maps a raw failure message to a categorized error. Matching is a
// case-insensitive substring search in fixed priority order.
func Classify(message string) *model.CategorizedError {
	lower := strings.ToLower(message)
	for _, rule := range categoryRules {
		for _, p := range rule.patterns {
			if strings.Contains(lower, p) {
				return NewCategorized(rule.category)
			}
		}
	}
	ce := NewCategorized(model.CategoryUnknown)
	ce.Message = model.Truncate(message, unknownMessageLimit)
	return ce
}

// NewCategorized returns the static error for a category.
func NewCategorized(category model.Category) *model.CategorizedError {
	c, ok := copyByCategory[category]
	if !ok {
		category = model.CategoryUnknown
		c = copyByCategory[category]
	}
	return &model.CategorizedError{
		Category:     category,
		Title:        c.title,
		Message:      c.message,
		Suggestion:   c.suggestion,
		Remediations: append([]string(nil), c.remediations...),
	}
}

// ClassifyErr classifies a Go error. Typed errors are inspected first; anything
// else falls through to Classify on the error text.
func ClassifyErr(err error) *model.CategorizedError {
	if err == nil {
		return nil
	}

	var ce *model.CategorizedError
	if errors.As(err, &ce) {
		return ce
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewCategorized(model.CategoryTimeout)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewCategorized(model.CategoryTimeout)
	}

	if errors.Is(err, ErrCircuitOpen) {
		return NewCategorized(model.CategoryNetwork)
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return NewCategorized(model.CategoryAuth)
		case http.StatusTooManyRequests:
			return NewCategorized(model.CategoryQuota)
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return NewCategorized(model.CategoryTimeout)
		}
	}

	return Classify(err.Error())
}
