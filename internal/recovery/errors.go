// Package recovery classifies step failures and decides how the engine
// recovers: retry with backoff, fall back to an alternate agent, escalate to
// an operator, or abort the step and reduce scope.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/agents"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/circuitbreaker"
)

// FailureClass is the failure taxonomy used for retry and recovery policy.
type FailureClass int

const (
	ClassTemporary FailureClass = iota // transient IO, timeouts, 5xx hiccups
	ClassRateLimit                     // quota exhaustion, 429s
	ClassAgentUnavailable              // endpoint down or breaker open
	ClassDataQuality                   // malformed or unusable worker output
	ClassCritical                      // auth/permission or unclassified non-retryable
)

func (c FailureClass) String() string {
	switch c {
	case ClassTemporary:
		return "temporary"
	case ClassRateLimit:
		return "rate-limit"
	case ClassAgentUnavailable:
		return "agent-unavailable"
	case ClassDataQuality:
		return "data-quality"
	case ClassCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Failure wraps an error with an explicit class, for collaborators that
// already know what went wrong.
type Failure struct {
	Class FailureClass
	Err   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s failure: %v", f.Class, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

var (
	rateLimitKeywords   = []string{"rate limit", "quota", "too many requests", "throttl"}
	criticalKeywords    = []string{"unauthorized", "forbidden", "permission denied", "invalid api key", "authentication"}
	dataQualityKeywords = []string{"malformed", "parse error", "invalid payload", "schema", "empty result", "unusable"}
	unavailableKeywords = []string{"unavailable", "connection refused", "no such host", "not registered"}
	temporaryKeywords   = []string{"timeout", "timed out", "temporar", "connection reset", "broken pipe"}
)

// Classify maps an error to its failure class using inspectable signals:
// explicit wrappers, breaker state, network errors, HTTP status, and finally
// message keywords. Unclassifiable errors are critical (non-retryable).
func Classify(err error) FailureClass {
	if err == nil {
		return ClassCritical
	}

	var f *Failure
	if errors.As(err, &f) {
		return f.Class
	}
	if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return ClassAgentUnavailable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTemporary
	}

	var httpErr *agents.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == 429:
			return ClassRateLimit
		case httpErr.StatusCode == 401 || httpErr.StatusCode == 403:
			return ClassCritical
		case httpErr.StatusCode == 502 || httpErr.StatusCode == 503 || httpErr.StatusCode == 504:
			return ClassAgentUnavailable
		case httpErr.StatusCode == 400 || httpErr.StatusCode == 422:
			return ClassDataQuality
		case httpErr.StatusCode >= 500:
			return ClassTemporary
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ClassTemporary
		}
		return ClassAgentUnavailable
	}

	msg := strings.ToLower(err.Error())
	for _, kw := range rateLimitKeywords {
		if strings.Contains(msg, kw) {
			return ClassRateLimit
		}
	}
	for _, kw := range criticalKeywords {
		if strings.Contains(msg, kw) {
			return ClassCritical
		}
	}
	for _, kw := range dataQualityKeywords {
		if strings.Contains(msg, kw) {
			return ClassDataQuality
		}
	}
	for _, kw := range unavailableKeywords {
		if strings.Contains(msg, kw) {
			return ClassAgentUnavailable
		}
	}
	for _, kw := range temporaryKeywords {
		if strings.Contains(msg, kw) {
			return ClassTemporary
		}
	}
	return ClassCritical
}
