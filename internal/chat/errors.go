// Package chat holds the error kinds and shared constants of the support
// chat core. Services return these sentinels so callers can map them to
// transport responses with errors.Is.
package chat

import "errors"

var (
	// ErrUnauthorized means the bearer token is missing, invalid or
	// expired. Fails the specific request, never the connection.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotAuthorized means the caller is authenticated but not
	// permitted to act on this resource.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrAlreadyAccepted is returned to accept losers; exactly one
	// concurrent accept on a pending session wins.
	ErrAlreadyAccepted = errors.New("session already accepted")

	// ErrNotFound covers missing sessions and messages.
	ErrNotFound = errors.New("not found")

	// ErrInvalidReply means reply_to_message_id does not reference a
	// message in the same session.
	ErrInvalidReply = errors.New("invalid reply reference")

	// ErrMessageTooLong rejects bodies over the configured maximum
	// before any persistence occurs.
	ErrMessageTooLong = errors.New("message too long")

	ErrRecallWindowExpired = errors.New("recall window expired")
	ErrEditWindowExpired   = errors.New("edit window expired")

	// ErrUnknownConnection means the connection id was already evicted.
	ErrUnknownConnection = errors.New("unknown connection")

	// ErrTransientUnavailable reports push or store I/O failure the
	// caller may retry.
	ErrTransientUnavailable = errors.New("temporarily unavailable")

	// ErrInvalidStatus rejects an unrecognized agent status value.
	ErrInvalidStatus = errors.New("invalid agent status")

	// ErrRateLimited rejects a sender exceeding the message rate limit.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrSessionClosed rejects operations on a terminal session.
	ErrSessionClosed = errors.New("session closed")
)
