// Package errors defines the error taxonomy shared by the crawler.
//
// Every failure that leaves a component is wrapped around one of the
// class sentinels below, so callers can branch with errors.Is and the
// command line can map a failure to its exit code.
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Class sentinels
// ============================================================================

var (
	// ErrConnection is a transport-level failure. Retryable per RetryPolicy.
	ErrConnection = errors.New("connection error")

	// ErrAuthentication means the server rejected the user identity.
	// Never retried automatically.
	ErrAuthentication = errors.New("authentication error")

	// ErrSession is any non-authentication session establishment failure.
	ErrSession = errors.New("session error")

	// ErrCrawl is a browse or read failure during a crawl. Contained per
	// node, fatal only at the crawl root.
	ErrCrawl = errors.New("crawl error")

	// ErrProtocol is an unexpected response shape from the server.
	ErrProtocol = errors.New("protocol error")

	// ErrConfig is an invalid configuration surface.
	ErrConfig = errors.New("configuration error")
)

// ============================================================================
// Condition sentinels
// ============================================================================

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotConnected      = errors.New("not connected")
	ErrRetriesExhausted  = errors.New("retries exhausted")
	ErrInvalidIdentity   = errors.New("username and password must be given together")
	ErrSessionClosed     = errors.New("session is closed")
	ErrQueueStopped      = errors.New("queue stopped")
)

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// Wrap tags err with a class sentinel and the operation that failed.
// The result matches both kind and err with errors.Is
func Wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, kind, err)
}

// ============================================================================
// Classification
// ============================================================================

// Exit codes reported by the command line
const (
	ExitOK             = 0
	ExitFailure        = 1
	ExitConfig         = 2
	ExitConnection     = 3
	ExitAuthentication = 4
	ExitSession        = 5
	ExitCrawl          = 6
	ExitProtocol       = 7
)

// Classify returns the user-visible class name of err
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthentication):
		return "AuthenticationError"
	case errors.Is(err, ErrConnection):
		return "ConnectionError"
	case errors.Is(err, ErrSession):
		return "SessionError"
	case errors.Is(err, ErrCrawl):
		return "CrawlError"
	case errors.Is(err, ErrProtocol):
		return "ProtocolError"
	case errors.Is(err, ErrConfig):
		return "ConfigError"
	default:
		return "Error"
	}
}

// ExitCode maps err to a process exit code
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrAuthentication):
		return ExitAuthentication
	case errors.Is(err, ErrConnection):
		return ExitConnection
	case errors.Is(err, ErrSession):
		return ExitSession
	case errors.Is(err, ErrCrawl):
		return ExitCrawl
	case errors.Is(err, ErrProtocol):
		return ExitProtocol
	case errors.Is(err, ErrConfig):
		return ExitConfig
	default:
		return ExitFailure
	}
}

// IsRetriable returns true if err may go away on a later attempt
func IsRetriable(err error) bool {
	return errors.Is(err, ErrConnection) &&
		!errors.Is(err, ErrAuthentication) &&
		!errors.Is(err, ErrConfig) &&
		!errors.Is(err, ErrProtocol) &&
		!errors.Is(err, ErrRetriesExhausted)
}
