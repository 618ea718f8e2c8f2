// Package authfail defines the expected, user-facing failure outcomes of the
// authentication core. Everything here is a typed result, never a fault;
// unexpected store or network errors stay ordinary errors and are masked at
// the transport boundary.
package authfail

import (
	"errors"
	"fmt"
	"time"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidCredentials
	KindAccountDeactivated
	KindPasswordLoginUnavailable
	KindInvalidOrExpiredTempToken
	KindInvalidSecondFactor
	KindRateLimited
	KindDispatchFailed
	KindInvalidOrExpiredCode
	KindOAuthExchangeFailed
	KindUnsupportedProvider
	KindInvalidRefreshToken
	KindRefreshTokenExpired
	KindNotFound
	KindAlreadyEnabled
	KindNotEnabled
	KindEmailTaken
)

type Error struct {
	Kind    Kind
	Message string
	// RetryAfter is set only for KindRateLimited.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s (retry after %s)", e.Message, e.RetryAfter)
	}
	return e.Message
}

// KindOf extracts the failure kind, or KindUnknown for unexpected errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

func InvalidCredentials() *Error {
	return &Error{Kind: KindInvalidCredentials, Message: "invalid credentials"}
}

func AccountDeactivated() *Error {
	return &Error{Kind: KindAccountDeactivated, Message: "account deactivated"}
}

func PasswordLoginUnavailable() *Error {
	return &Error{Kind: KindPasswordLoginUnavailable, Message: "password login unavailable for this account"}
}

func InvalidOrExpiredTempToken() *Error {
	return &Error{Kind: KindInvalidOrExpiredTempToken, Message: "invalid or expired second-factor token"}
}

func InvalidSecondFactor() *Error {
	return &Error{Kind: KindInvalidSecondFactor, Message: "invalid second-factor code"}
}

func RateLimited(retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Message: "rate limited", RetryAfter: retryAfter}
}

func DispatchFailed() *Error {
	return &Error{Kind: KindDispatchFailed, Message: "failed to deliver one-time code"}
}

func InvalidOrExpiredCode() *Error {
	return &Error{Kind: KindInvalidOrExpiredCode, Message: "invalid or expired code"}
}

func OAuthExchangeFailed() *Error {
	return &Error{Kind: KindOAuthExchangeFailed, Message: "authorization code exchange failed"}
}

func UnsupportedProvider(name string) *Error {
	return &Error{Kind: KindUnsupportedProvider, Message: fmt.Sprintf("unsupported provider %q", name)}
}

func InvalidRefreshToken() *Error {
	return &Error{Kind: KindInvalidRefreshToken, Message: "invalid refresh token"}
}

func RefreshTokenExpired() *Error {
	return &Error{Kind: KindRefreshTokenExpired, Message: "refresh token expired"}
}

func NotFound() *Error {
	return &Error{Kind: KindNotFound, Message: "not found"}
}

func AlreadyEnabled() *Error {
	return &Error{Kind: KindAlreadyEnabled, Message: "second factor already enabled"}
}

func NotEnabled() *Error {
	return &Error{Kind: KindNotEnabled, Message: "second factor not enabled"}
}

func EmailTaken() *Error {
	return &Error{Kind: KindEmailTaken, Message: "email already registered"}
}
