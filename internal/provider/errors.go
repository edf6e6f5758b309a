package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Code classifies every failure surfaced by the data layer.
type Code string

const (
	CodeInvalidSymbol     Code = "INVALID_SYMBOL"
	CodeNetwork           Code = "NETWORK_ERROR"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeInvalidResponse   Code = "INVALID_RESPONSE"
	CodeInsufficientData  Code = "INSUFFICIENT_DATA"
	CodeNoSourceAvailable Code = "NO_SOURCE_AVAILABLE"
	CodeUnsupported       Code = "UNSUPPORTED"
)

// Sentinels for errors.Is. They match any *Error with the same code.
var (
	ErrInvalidSymbol     = &Error{Code: CodeInvalidSymbol}
	ErrNetwork           = &Error{Code: CodeNetwork}
	ErrRateLimited       = &Error{Code: CodeRateLimited}
	ErrInvalidResponse   = &Error{Code: CodeInvalidResponse}
	ErrInsufficientData  = &Error{Code: CodeInsufficientData}
	ErrNoSourceAvailable = &Error{Code: CodeNoSourceAvailable}
	ErrUnsupported       = &Error{Code: CodeUnsupported}
)

// Error is the typed failure returned by adapters, the router and the
// orchestrator.
type Error struct {
	Code     Code
	Provider string
	Symbol   string
	Category Category
	Err      error
}

// NewError builds an *Error. err may be nil.
func NewError(code Code, providerName, symbol string, cat Category, err error) *Error {
	return &Error{Code: code, Provider: providerName, Symbol: symbol, Category: cat, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Provider != "" {
		fmt.Fprintf(&b, " provider=%s", e.Provider)
	}
	if e.Category != "" {
		fmt.Fprintf(&b, " category=%s", e.Category)
	}
	if e.Symbol != "" {
		fmt.Fprintf(&b, " symbol=%s", e.Symbol)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on code so callers can test against the package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Classify wraps a transport-level error into a typed one. Already typed
// errors pass through with missing context filled in.
func Classify(err error, providerName, symbol string, cat Category) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		cp := *e
		if cp.Provider == "" {
			cp.Provider = providerName
		}
		if cp.Symbol == "" {
			cp.Symbol = symbol
		}
		if cp.Category == "" {
			cp.Category = cat
		}
		return &cp
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	// Timeouts, dial failures and unexpected transport errors.
	return NewError(CodeNetwork, providerName, symbol, cat, err)
}

// Retryable reports whether err is worth another attempt against the same
// provider.
func Retryable(err error) bool {
	return CodeOf(err) == CodeNetwork
}
