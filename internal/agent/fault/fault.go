// Package fault defines the error kinds shared across the decision core.
//
// Kinds are sentinel errors matched with errors.Is; call sites wrap them
// with fmt.Errorf("...: %w", ...) so the kind survives across layers and
// can be rendered into AgentResponse.Error strings.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds carried across component boundaries.
var (
	// ErrTimeout indicates a deadline was exceeded.
	ErrTimeout = errors.New("timeout")

	// ErrCircuitOpen indicates a circuit breaker refused the call.
	ErrCircuitOpen = errors.New("circuit_open")

	// ErrNotFound indicates the instrument or record does not exist.
	ErrNotFound = errors.New("not_found")

	// ErrDelisted indicates the instrument is no longer tradeable.
	ErrDelisted = errors.New("delisted")

	// ErrUnitMismatch indicates price and history units disagree.
	ErrUnitMismatch = errors.New("unit_mismatch")

	// ErrParse indicates structured output could not be decoded.
	ErrParse = errors.New("parse_error")

	// ErrValidation indicates the input failed schema checks.
	ErrValidation = errors.New("validation_error")

	// ErrUpstreamUnavailable indicates a provider failed after retries.
	ErrUpstreamUnavailable = errors.New("upstream_unavailable")

	// ErrGovernanceDenied indicates a bus send was rejected by policy.
	ErrGovernanceDenied = errors.New("governance_denied")

	// ErrSandboxDenied indicates the restricted evaluator blocked the code.
	ErrSandboxDenied = errors.New("sandbox_denied")

	// ErrFatalInternal indicates a recovered panic or invariant breach.
	ErrFatalInternal = errors.New("fatal_internal")
)

// Kind returns the kind sentinel wrapped inside err, or nil if none matches.
func Kind(err error) error {
	for _, kind := range []error{
		ErrTimeout, ErrCircuitOpen, ErrNotFound, ErrDelisted,
		ErrUnitMismatch, ErrParse, ErrValidation, ErrUpstreamUnavailable,
		ErrGovernanceDenied, ErrSandboxDenied, ErrFatalInternal,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// KindOr returns the kind wrapped inside err, or fallback when err carries
// none. Call sites re-wrapping provider errors use it so unclassified
// failures still land on a sentinel instead of a nil wrap target.
func KindOr(err, fallback error) error {
	if k := Kind(err); k != nil {
		return k
	}
	return fallback
}

// KindString returns the kind name for err, or "error" when unclassified.
func KindString(err error) string {
	if k := Kind(err); k != nil {
		return k.Error()
	}
	return "error"
}

// Wrap annotates err with a kind sentinel, preserving both for errors.Is.
func Wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Retryable reports whether an error kind is worth retrying. Validation,
// governance, sandbox, and parse failures are deterministic; retrying them
// burns budget without changing the outcome.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrGovernanceDenied),
		errors.Is(err, ErrSandboxDenied),
		errors.Is(err, ErrParse),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrDelisted):
		return false
	case errors.Is(err, ErrTimeout),
		errors.Is(err, ErrUpstreamUnavailable),
		errors.Is(err, ErrCircuitOpen):
		return true
	}
	// Unknown kinds: sniff transport-level hints the way provider SDKs
	// surface them.
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"connection refused", "connection reset", "429", "500", "502", "503", "504", "temporarily"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// RecoverableNotFound reports whether err should trigger instrument-search
// disambiguation (the second recovery tier).
func RecoverableNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDelisted) {
		return true
	}
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "404") || strings.Contains(msg, "not found") || strings.Contains(msg, "delisted")
}
