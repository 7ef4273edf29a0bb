package common

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrNoPath        = errors.New("no path between endpoints")
	ErrAlreadyActive = errors.New("flow already active")
	ErrInvalidPath   = errors.New("invalid path")

	// ErrPolicyUnavailable covers oracle timeouts, refused connections, non-2xx
	// answers and malformed bodies. It never leaves the decision client.
	ErrPolicyUnavailable = errors.New("policy unavailable")

	// ErrStale means a hop of the path has no live link at install time.
	ErrStale = errors.New("stale path")

	// ErrUnreachable means a switch did not confirm a rule within the bounded attempts.
	ErrUnreachable = errors.New("switch unreachable")

	ErrReroutePermanentlyFailed = errors.New("reroute permanently failed")
	ErrSuperseded               = errors.New("attempt superseded by newer topology event")
)
