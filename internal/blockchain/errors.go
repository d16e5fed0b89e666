package blockchain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for propagation policy. Kinds, not types:
// callers switch on the kind to decide retry/abort/swallow.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidInput
	KindStoreUnavailable
	KindTransient
	KindTimeout
	KindRetryExhausted
	KindPolicyViolation
	KindSideEffect
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "InvalidInput"
	case KindStoreUnavailable:
		return "StoreUnavailable"
	case KindTransient:
		return "Transient"
	case KindTimeout:
		return "Timeout"
	case KindRetryExhausted:
		return "RetryExhausted"
	case KindPolicyViolation:
		return "PolicyViolation"
	case KindSideEffect:
		return "SideEffectFailure"
	default:
		return "Unknown"
	}
}

// Error carries a kind plus the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind and operation name.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a kinded error from a format string.
func Errorf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err, unwrapping as needed.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// transientPatterns are substrings of errors worth retrying.
var transientPatterns = []string{
	"429",
	"rate limit",
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"broken pipe",
	"unexpected eof",
	"temporary failure",
	"no such host",
	"502",
	"503",
	"504",
	"node is behind",
}

// IsTransient reports whether err looks like a transient network/RPC
// failure that a retry policy may absorb.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsKind(err, KindTransient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		// Server-side and rate-limit JSON-RPC codes.
		if rpcErr.Code == -32005 || rpcErr.Code == -32603 || rpcErr.Code == 429 {
			return true
		}
	}
	raw := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(raw, p) {
			return true
		}
	}
	return false
}

// HumanError translates an error into the short message shown in HUD
// events and logs.
func HumanError(err error) string {
	if err == nil {
		return ""
	}
	raw := strings.ToLower(err.Error())
	switch {
	case strings.Contains(raw, "insufficient funds"), strings.Contains(raw, "insufficient lamports"):
		return "insufficient balance for trade + fees"
	case strings.Contains(raw, "slippage"):
		return "slippage exceeded, price moved too much"
	case strings.Contains(raw, "blockhash not found"), strings.Contains(raw, "block height exceeded"):
		return "transaction expired before confirmation"
	case strings.Contains(raw, "429"), strings.Contains(raw, "rate limit"):
		return "RPC rate limited"
	case strings.Contains(raw, "account not found"):
		return "required account does not exist"
	case strings.Contains(raw, "custom program error"):
		return "program rejected the swap"
	case strings.Contains(raw, "timeout"), strings.Contains(raw, "deadline exceeded"):
		return "RPC timeout"
	default:
		return err.Error()
	}
}
