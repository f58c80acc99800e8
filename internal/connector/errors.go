package connector

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a connector failure. The sync engine and the token refresh
// service dispatch on it: credential failures trigger the refresh-and-retry
// protocol, rate limits and provider errors are retried by the job queue,
// not-found and unsupported are permanent.
type Kind int

const (
	KindCredentialInvalid Kind = iota // 401/403: key or token rejected
	KindRateLimited                   // 429: back off and retry
	KindProviderDown                  // 5xx / network: transient
	KindNotFound                      // 404 on a publication
	KindUnsupported                   // capability not implemented by provider
)

var kindNames = map[Kind]string{
	KindCredentialInvalid: "credential invalid",
	KindRateLimited:       "rate limited",
	KindProviderDown:      "provider error",
	KindNotFound:          "not found",
	KindUnsupported:       "unsupported",
}

// Error is a classified provider failure.
type Error struct {
	Kind     Kind
	Provider Provider
	Op       string
	Status   int
	Detail   string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s: %s", e.Provider, e.Op, kindNames[e.Kind])
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	return msg
}

// IsKind reports whether err is a connector Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == kind
}

// IsCredentialInvalid reports whether err means the credential was rejected,
// which for OAuth connections makes a token refresh worth one attempt.
func IsCredentialInvalid(err error) bool { return IsKind(err, KindCredentialInvalid) }

// IsRetryable reports whether the job queue should retry after err.
func IsRetryable(err error) bool {
	return IsKind(err, KindRateLimited) || IsKind(err, KindProviderDown)
}

// ClassifyStatus maps an HTTP response status to a connector Error, or nil
// for 2xx. Providers share this mapping; quirks beyond it stay in the
// individual connector.
func ClassifyStatus(provider Provider, op string, status int, detail string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: KindCredentialInvalid, Provider: provider, Op: op, Status: status, Detail: detail}
	case status == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Provider: provider, Op: op, Status: status, Detail: detail}
	case status == http.StatusNotFound:
		return &Error{Kind: KindNotFound, Provider: provider, Op: op, Status: status, Detail: detail}
	case status >= 500:
		return &Error{Kind: KindProviderDown, Provider: provider, Op: op, Status: status, Detail: detail}
	default:
		return &Error{Kind: KindProviderDown, Provider: provider, Op: op, Status: status, Detail: detail}
	}
}

// NetworkError wraps a transport-level failure as a retryable provider error.
func NetworkError(provider Provider, op string, err error) error {
	return &Error{Kind: KindProviderDown, Provider: provider, Op: op, Detail: err.Error()}
}
