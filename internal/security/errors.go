package security

import "errors"

var (
	// ErrBlocked rejects any action from a blocked user.
	ErrBlocked = errors.New("user is blocked")
	// ErrRateLimited rejects an action over the per-minute limit.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrInvalidInput rejects structurally suspicious or badly signed input.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotAdmin rejects block/unblock calls from non-admins.
	ErrNotAdmin = errors.New("not an admin")
)
