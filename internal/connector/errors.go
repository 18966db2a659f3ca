// SPDX-License-Identifier: MIT

package connector

import (
	"errors"
	"fmt"
	"time"
)

// Category buckets every upstream fault into exactly one taxonomy entry.
type Category string

const (
	CategoryNetwork        Category = "network"
	CategoryAuthentication Category = "authentication"
	CategoryRateLimit      Category = "rate_limit"
	CategoryServer         Category = "server"
	CategoryTimeout        Category = "timeout"
	CategoryValidation     Category = "validation"
	CategoryNotFound       Category = "not_found"
	CategorySSL            Category = "ssl"
)

// Retryable reports whether faults of this category are worth retrying.
func (c Category) Retryable() bool {
	switch c {
	case CategoryNetwork, CategoryRateLimit, CategoryServer, CategoryTimeout:
		return true
	default:
		return false
	}
}

// Error is the rich upstream error carrying the taxonomy category plus
// whatever context the transport gave us.
type Error struct {
	Category   Category
	Op         string        // e.g. "GET /api/v3/system/status"
	Status     int           // HTTP status when one was received
	RetryAfter time.Duration // rate_limit only; zero when the header was absent
	Body       string        // truncated response body for diagnostics
	Err        error         // nested transport error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("upstream: %s: %s", e.Op, e.Category)
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Body != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Body)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether this error's category is retryable.
func (e *Error) Retryable() bool {
	return e.Category.Retryable()
}

// CategoryOf extracts the taxonomy category from an error chain.
func CategoryOf(err error) (Category, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Category, true
	}
	return "", false
}

// IsRetryable reports whether err carries a retryable upstream category.
// Unknown errors are not retried.
func IsRetryable(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Retryable()
	}
	return false
}

// RetryAfterOf extracts the server-advertised retry delay, zero when absent.
func RetryAfterOf(err error) time.Duration {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}
