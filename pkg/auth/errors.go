package auth

import "errors"

// Errors returned by the token lifecycle manager.
var (
	// ErrNoSession is returned when no credential pair is stored.
	ErrNoSession = errors.New("no active session")

	// ErrNoRefreshToken is returned when the stored pair has no refresh token.
	ErrNoRefreshToken = errors.New("no refresh token")

	// ErrRefreshRejected is returned when the remote service refuses a refresh exchange.
	ErrRefreshRejected = errors.New("refresh rejected")

	// ErrLoginFailed is returned when a login exchange does not yield a session.
	ErrLoginFailed = errors.New("login failed")

	// ErrInvalidCredentials is returned when the remote service rejects the login secret.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidToken is returned when a token cannot be decoded.
	ErrInvalidToken = errors.New("invalid token")
)
