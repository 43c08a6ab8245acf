package domain

import "errors"

var (
	// ErrLoginNotFound signals an unknown or already completed login
	// identifier. Harmless on a callback: the attempt may simply be done.
	ErrLoginNotFound = errors.New("login: identifier not found")
	// ErrNoSession indicates a request without a usable browser session.
	ErrNoSession = errors.New("session: no session established")
	// ErrNotResolvable means the resolver could not (yet) identify the user;
	// callers treat it as a retry condition, not a failure.
	ErrNotResolvable = errors.New("login: user not resolvable yet")
)
