// Package errs provides structured error types and helpers for zkwallet components.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a wallet error category.
type Code string

const (
	// CodeInvalidParameter indicates malformed caller input (leverage, price, amount).
	CodeInvalidParameter Code = "invalid_parameter"
	// CodeInvalidSplit indicates a rejected split request.
	CodeInvalidSplit Code = "invalid_split"
	// CodeAccountNotReady indicates the account cannot open an order or be rotated in its current state.
	CodeAccountNotReady Code = "account_not_ready"
	// CodeAccountNotOnChain indicates the account has already been rotated away or consumed.
	CodeAccountNotOnChain Code = "account_not_on_chain"
	// CodeOrderNotReady indicates the order has not reached the status required to close it.
	CodeOrderNotReady Code = "order_not_ready"
	// CodeOrderNotPending indicates a cancel was attempted on an order that is no longer pending.
	CodeOrderNotPending Code = "order_not_pending"
	// CodeChainRejected indicates the chain or relayer refused a submission.
	CodeChainRejected Code = "chain_rejected"
	// CodeInsufficientFunds indicates the base wallet cannot cover the requested amount.
	CodeInsufficientFunds Code = "insufficient_funds"
	// CodeRetryExhausted indicates an eventually-consistent read never succeeded.
	CodeRetryExhausted Code = "retry_exhausted"
	// CodeNotFound indicates a missing account, wallet or order.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a duplicate key or concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeProtocol indicates a malformed or unknown remote response.
	CodeProtocol Code = "protocol"
	// CodePersistence indicates the durable mirror could not be updated.
	CodePersistence Code = "persistence"
	// CodeUnavailable indicates a dependency is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the wallet stack.
type E struct {
	Component   string
	Code        Code
	RemoteCode  string
	RemoteMsg   string
	Message     string
	Metadata    map[string]string
	Remediation string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithRemoteCode captures the code returned by the chain or relayer.
func WithRemoteCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RemoteCode = trimmed
	}
}

// WithRemoteMessage captures the raw remote error message.
func WithRemoteMessage(msg string) Option {
	return func(e *E) {
		e.RemoteMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithMetadata merges the provided metadata into the error envelope.
func WithMetadata(meta map[string]string) Option {
	return func(e *E) {
		for k, v := range meta {
			WithField(k, v)(e)
		}
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

// WithIndex records the account index the error refers to.
func WithIndex(index uint64) Option {
	return WithField("index", strconv.FormatUint(index, 10))
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := e.Component
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if e.RemoteCode != "" {
		parts = append(parts, "remote_code="+strconv.Quote(e.RemoteCode))
	}
	if e.RemoteMsg != "" {
		parts = append(parts, "remote_msg="+strconv.Quote(e.RemoteMsg))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports a match when target is an *E carrying the same code, so that
// errors.Is(err, errs.New("", errs.CodeNotFound)) works across wrapping.
func (e *E) Is(target error) bool {
	var other *E
	if !errors.As(target, &other) || other == nil {
		return false
	}
	return e.Code == other.Code && (other.Component == "" || other.Component == e.Component)
}

// CodeOf returns the code of the outermost envelope in err's chain.
func CodeOf(err error) (Code, bool) {
	var e *E
	if !errors.As(err, &e) || e == nil {
		return "", false
	}
	return e.Code, true
}

// IsCode reports whether any envelope in err's chain carries code.
func IsCode(err error, code Code) bool {
	for err != nil {
		var e *E
		if !errors.As(err, &e) || e == nil {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.cause
	}
	return false
}

// RemoteCodeOf returns the first non-empty remote code found in err's chain.
func RemoteCodeOf(err error) string {
	for err != nil {
		var e *E
		if !errors.As(err, &e) || e == nil {
			return ""
		}
		if e.RemoteCode != "" {
			return e.RemoteCode
		}
		err = e.cause
	}
	return ""
}
