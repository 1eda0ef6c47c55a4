package portal

import (
	"errors"
	"fmt"
)

// FetchClass groups fetch outcomes for retry decisions.
type FetchClass string

// Fetch outcome classes.
const (
	// FetchTransient covers timeouts, resets, 5xx and other conditions
	// worth retrying with backoff.
	FetchTransient FetchClass = "transient"
	// FetchTerminal covers 4xx (other than auth) and portal "does not
	// exist" pages; never retried.
	FetchTerminal FetchClass = "terminal"
	// FetchAuthExpired marks an expired session. Renewal and retry do
	// not consume the transient budget.
	FetchAuthExpired FetchClass = "auth_expired"
)

// FetchError reports a failed fetch after classification and retries.
type FetchError struct {
	Class    FetchClass
	Target   CrawlTarget
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %s after %d attempt(s): %v", e.Target.ID(), e.Class, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// AuthError is fatal for the pass: bad credentials or a permanent
// lockout, distinct from a merely expired session.
type AuthError struct {
	Attempts int
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ParseError reports a page whose structurally required anchors are
// missing. Non-fatal: the page is recorded as failed and retried in a
// later pass.
type ParseError struct {
	Page   PageKind
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse %s: %s: %v", e.Page, e.Reason, e.Err)
	}
	return fmt.Sprintf("parse %s: %s", e.Page, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsFatal reports whether err must abort the whole pass rather than be
// recorded as a per-target failure.
func IsFatal(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsTerminalFetch reports whether err is a fetch failure that must not
// be retried in later passes.
func IsTerminalFetch(err error) bool {
	var fetchErr *FetchError
	return errors.As(err, &fetchErr) && fetchErr.Class == FetchTerminal
}
