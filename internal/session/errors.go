package session

import "errors"

var (
	// ErrSessionNotInitialized is returned when an operation targets an
	// account with no registered session.
	ErrSessionNotInitialized = errors.New("session not initialized")
	// ErrPairingExhausted marks an account retired after too many pairing
	// challenges went unanswered.
	ErrPairingExhausted = errors.New("pairing challenges exhausted")
	// ErrAuthenticationRevoked marks a close where the peer revoked the
	// session's credentials.
	ErrAuthenticationRevoked = errors.New("authentication revoked")
	// ErrTransientDisconnect marks a close that is followed by a reconnect.
	ErrTransientDisconnect = errors.New("transient disconnect")
	// ErrResyncFailed marks a failed application-state resync.
	ErrResyncFailed = errors.New("app state resync failed")

	// ErrAccountNotFound is returned by account stores for unknown ids. A
	// pending reconnect for such an account is abandoned.
	ErrAccountNotFound = errors.New("account not found")
	// ErrManagerClosed is returned by Start after Shutdown.
	ErrManagerClosed = errors.New("session manager closed")

	errRemoved = errors.New("account removed")
)
